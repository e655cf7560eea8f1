// koban/handlers/handlers.go
package handlers

import (
	"net/http"
	"strconv"

	"koban/config"
	"koban/database"
	"koban/models"
	"koban/utils"

	"github.com/go-chi/chi/v5"
)

// HandleListBoards returns every board with its alive thread count.
func HandleListBoards(w http.ResponseWriter, r *http.Request, app App) {
	boards, counts, err := app.DB().ListBoards(r.Context())
	if err != nil {
		respondError(w, err, app)
		return
	}
	type boardEntry struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		NSFW        bool   `json:"nsfw"`
		MaxThreads  int    `json:"maxThreads"`
		BumpLimit   int    `json:"bumpLimit"`
		AliveCount  int    `json:"aliveThreads"`
	}
	out := make([]boardEntry, 0, len(boards))
	for _, b := range boards {
		out = append(out, boardEntry{
			ID: b.ID, Name: b.Name, NSFW: b.NSFW,
			MaxThreads: b.MaxThreads, BumpLimit: b.BumpLimit,
			AliveCount: counts[b.ID],
		})
	}
	respondJSON(w, http.StatusOK, out, app)
}

// HandleBoardPage returns one page of a board's threads. ?dead=1 serves the
// retired-but-not-yet-reaped archive view.
func HandleBoardPage(w http.ResponseWriter, r *http.Request, app App) {
	boardID := chi.URLParam(r, "board")
	if _, err := app.DB().GetBoard(boardID); err != nil {
		respondError(w, err, app)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	alive := r.URL.Query().Get("dead") != "1"

	threads, err := app.DB().GetThreadsForBoard(r.Context(), boardID, alive, page, 20)
	if err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"board":   boardID,
		"page":    page,
		"threads": threadViews(threads),
	}, app)
}

// HandleCreateThread creates a thread with its opening post. Capacity
// eviction happens inside the same creation transaction.
func HandleCreateThread(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleCreateThread")
	boardID := chi.URLParam(r, "board")
	ip := utils.GetIPAddress(r)

	if banned, ok := rejectIfBanned(w, r, app, ip, boardID); banned || !ok {
		return
	}

	if err := r.ParseMultipartForm(config.MaxFileSize); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Malformed form data."}, app)
		return
	}
	subject := r.FormValue("subject")
	content := r.FormValue("content")
	if len(subject) > config.MaxSubjectLen || len(content) > config.MaxContentLen {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "A form field exceeds the maximum length."}, app)
		return
	}

	mediaKey, thumbKey, mediaKind, _, err := processMedia(r, app, logger)
	if err != nil {
		logger.Warn("Media processing failed", "error", err)
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Media processing failed: " + err.Error()}, app)
		return
	}

	thread, err := app.DB().CreateThread(r.Context(), database.CreateThreadRequest{
		BoardID:   boardID,
		Subject:   subject,
		Content:   content,
		MediaKey:  mediaKey,
		ThumbKey:  thumbKey,
		MediaKind: mediaKind,
		IP:        ip,
		Country:   r.Header.Get("CF-IPCountry"),
		Color:     r.FormValue("color"),
	})
	if err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"threadId": thread.ID,
		"redirect": "/" + boardID + "/thread/" + strconv.FormatInt(thread.ID, 10),
	}, app)
}

// HandleGetThread returns a thread and all its posts. The alive flag and
// post count gate client-side posting.
func HandleGetThread(w http.ResponseWriter, r *http.Request, app App) {
	threadID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid thread ID."}, app)
		return
	}
	thread, err := app.DB().GetThread(r.Context(), threadID)
	if err != nil {
		respondError(w, err, app)
		return
	}
	posts, err := app.DB().GetPostsForThread(r.Context(), threadID)
	if err != nil {
		respondError(w, err, app)
		return
	}
	thread.Posts = posts
	respondJSON(w, http.StatusOK, threadView(*thread), app)
}

// HandleCreatePost appends a post to an alive thread.
func HandleCreatePost(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleCreatePost")
	threadID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid thread ID."}, app)
		return
	}
	ip := utils.GetIPAddress(r)

	thread, err := app.DB().GetThread(r.Context(), threadID)
	if err != nil {
		respondError(w, err, app)
		return
	}
	if banned, ok := rejectIfBanned(w, r, app, ip, thread.BoardID); banned || !ok {
		return
	}

	if err := r.ParseMultipartForm(config.MaxFileSize); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Malformed form data."}, app)
		return
	}
	content := r.FormValue("content")
	if len(content) > config.MaxContentLen {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Post content exceeds the maximum length."}, app)
		return
	}

	mediaKey, thumbKey, mediaKind, _, err := processMedia(r, app, logger)
	if err != nil {
		logger.Warn("Media processing failed", "error", err)
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Media processing failed: " + err.Error()}, app)
		return
	}

	post, err := app.DB().CreatePost(r.Context(), database.CreatePostRequest{
		ThreadID:  threadID,
		Content:   content,
		MediaKey:  mediaKey,
		ThumbKey:  thumbKey,
		MediaKind: mediaKind,
		IP:        ip,
		Country:   r.Header.Get("CF-IPCountry"),
		Color:     r.FormValue("color"),
		Sage:      r.FormValue("sage") == "1",
	})
	if err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"postId": post.ID}, app)
}

// HandleBoardEvents streams a board's lifecycle events over SSE.
func HandleBoardEvents(w http.ResponseWriter, r *http.Request, app App) {
	boardID := chi.URLParam(r, "board")
	if _, err := app.DB().GetBoard(boardID); err != nil {
		respondError(w, err, app)
		return
	}
	app.Bus().ServeSSE(w, r, boardID)
}

// HandleSubmitAppeal lets a banned user appeal their ban.
func HandleSubmitAppeal(w http.ResponseWriter, r *http.Request, app App) {
	banID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid ban ID."}, app)
		return
	}
	text := r.FormValue("appeal")
	if text == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Appeal text is required."}, app)
		return
	}
	if err := app.DB().SubmitAppeal(r.Context(), banID, text); err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "pending"}, app)
}

// rejectIfBanned writes a 403 when the IP has an active ban covering the
// board. The second return is false on lookup failure (already responded).
func rejectIfBanned(w http.ResponseWriter, r *http.Request, app App, ip, boardID string) (banned, ok bool) {
	ban, found, err := app.DB().ActiveBanFor(r.Context(), ip, boardID)
	if err != nil {
		respondError(w, err, app)
		return false, false
	}
	if !found {
		return false, true
	}
	msg := "You are banned. Reason: " + ban.Reason
	if ban.ExpiresAt.Valid {
		msg += ". Expires: " + ban.ExpiresAt.Time.UTC().Format("2006-01-02 15:04") + " UTC"
	}
	app.Logger().Warn("Banned user tried to post", "ip", ip, "board_id", boardID)
	respondJSON(w, http.StatusForbidden, map[string]interface{}{"error": msg, "banId": ban.ID}, app)
	return true, true
}

// --- View shaping ---

type postView struct {
	ID        int64  `json:"id"`
	Content   string `json:"content"`
	MediaKey  string `json:"mediaKey,omitempty"`
	ThumbKey  string `json:"thumbKey,omitempty"`
	MediaKind string `json:"mediaKind,omitempty"`
	PosterID  string `json:"posterId,omitempty"`
	Country   string `json:"country,omitempty"`
	Color     string `json:"color,omitempty"`
	Created   string `json:"created"`
}

type threadViewModel struct {
	ID         int64      `json:"id"`
	BoardID    string     `json:"boardId"`
	Subject    string     `json:"subject"`
	Bump       string     `json:"bump"`
	Sticky     bool       `json:"sticky"`
	Alive      bool       `json:"alive"`
	RetiredAt  string     `json:"retiredAt,omitempty"`
	PostCount  int        `json:"postCount"`
	Posts      []postView `json:"posts,omitempty"`
}

func threadView(t models.Thread) threadViewModel {
	v := threadViewModel{
		ID: t.ID, BoardID: t.BoardID, Subject: t.Subject,
		Bump: t.Bump.UTC().Format("2006-01-02T15:04:05Z"),
		Sticky: t.Sticky, Alive: t.Alive,
		PostCount: t.ReplyCount + 1,
	}
	if t.RetiredAt.Valid {
		v.RetiredAt = t.RetiredAt.Time.UTC().Format("2006-01-02T15:04:05Z")
	}
	for _, p := range t.Posts {
		v.Posts = append(v.Posts, postView{
			ID: p.ID, Content: p.Content,
			MediaKey: p.MediaKey, ThumbKey: p.ThumbKey, MediaKind: p.MediaKind,
			PosterID: p.PosterID, Country: p.Country, Color: p.Color,
			Created: p.Created.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	return v
}

func threadViews(threads []models.Thread) []threadViewModel {
	out := make([]threadViewModel, 0, len(threads))
	for _, t := range threads {
		out = append(out, threadView(t))
	}
	return out
}
