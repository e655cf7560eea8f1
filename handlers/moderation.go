// koban/handlers/moderation.go
package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"koban/database"
	"koban/models"
	"koban/utils"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"
)

// HandleCreateBoard creates a new board.
func HandleCreateBoard(w http.ResponseWriter, r *http.Request, app App) {
	id := r.FormValue("id")
	name := r.FormValue("name")
	if id == "" || name == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Board id and name are required."}, app)
		return
	}
	maxThreads, _ := strconv.Atoi(r.FormValue("max_threads"))
	if maxThreads < 1 {
		maxThreads = app.Config().MaxThreads
	}
	bumpLimit := app.Config().BumpLimit
	if raw := r.FormValue("bump_limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			bumpLimit = v
		}
	}

	var passHash string
	if pass := r.FormValue("password"); pass != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
		if err != nil {
			respondError(w, err, app)
			return
		}
		passHash = string(hashed)
	}

	board := &models.BoardConfig{
		ID:         id,
		Name:       name,
		NSFW:       r.FormValue("nsfw") == "1",
		PosterIDs:  r.FormValue("poster_ids") == "1",
		GeoFlags:   r.FormValue("geo_flags") == "1",
		MaxThreads: maxThreads,
		BumpLimit:  bumpLimit,
		Password:   passHash,
	}
	if err := app.DB().CreateBoard(r.Context(), board); err != nil {
		respondError(w, err, app)
		return
	}
	app.Logger().Info("Board created", "board_id", id, "admin", adminName(r))
	respondJSON(w, http.StatusOK, map[string]string{"id": id}, app)
}

// HandleDeletePost deletes a post, or its whole thread when it is the
// opener. Blob cleanup runs after the transaction commits.
func HandleDeletePost(w http.ResponseWriter, r *http.Request, app App) {
	postID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid post ID."}, app)
		return
	}
	mediaKeys, err := app.DB().DeletePost(r.Context(), postID, adminName(r), r.FormValue("reason"))
	if err != nil {
		respondError(w, err, app)
		return
	}

	go func(keys []string) {
		ctx := context.Background()
		for _, key := range keys {
			if err := app.Storage().Delete(ctx, key); err != nil {
				app.Logger().Warn("Failed to delete blob after post deletion", "key", key, "error", err)
			}
		}
	}(mediaKeys)

	respondJSON(w, http.StatusOK, map[string]interface{}{"deleted": postID}, app)
}

// HandleRetireThread retires a thread manually, closing it to new posts.
func HandleRetireThread(w http.ResponseWriter, r *http.Request, app App) {
	threadID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid thread ID."}, app)
		return
	}
	if err := app.DB().RetireThread(r.Context(), threadID, adminName(r), r.FormValue("reason")); err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"retired": threadID}, app)
}

// HandleSetPostColor changes a post's display color tag.
func HandleSetPostColor(w http.ResponseWriter, r *http.Request, app App) {
	postID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid post ID."}, app)
		return
	}
	color := r.FormValue("color")
	if err := app.DB().SetPostColor(r.Context(), postID, color, adminName(r)); err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"color": color}, app)
}

// HandleEditPost replaces a post's content.
func HandleEditPost(w http.ResponseWriter, r *http.Request, app App) {
	postID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid post ID."}, app)
		return
	}
	content := r.FormValue("content")
	if content == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Content is required."}, app)
		return
	}
	if err := app.DB().EditPost(r.Context(), postID, content, adminName(r), r.FormValue("reason")); err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"edited": postID}, app)
}

// HandleCreateBan bans an IP, optionally scoped to a board, with an
// optional expiry in hours.
func HandleCreateBan(w http.ResponseWriter, r *http.Request, app App) {
	ip := r.FormValue("ip")
	if ip == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "IP is required."}, app)
		return
	}
	var expires sql.NullTime
	if raw := r.FormValue("hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours < 1 {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid ban duration."}, app)
			return
		}
		expires = sql.NullTime{Time: utils.GetSQLTime().Add(time.Duration(hours) * time.Hour), Valid: true}
	}
	postID, _ := strconv.ParseInt(r.FormValue("post_id"), 10, 64)

	banID, err := app.DB().CreateBan(r.Context(), database.CreateBanRequest{
		IP:        ip,
		BoardID:   r.FormValue("board_id"),
		Reason:    r.FormValue("reason"),
		ExpiresAt: expires,
		PostID:    postID,
		Admin:     adminName(r),
	})
	if err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"banId": banID}, app)
}

// HandleLiftBan deactivates a ban.
func HandleLiftBan(w http.ResponseWriter, r *http.Request, app App) {
	banID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid ban ID."}, app)
		return
	}
	if err := app.DB().LiftBan(r.Context(), banID, adminName(r), r.FormValue("reason")); err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"lifted": banID}, app)
}

// HandleRuleAppeal accepts or denies a pending ban appeal.
func HandleRuleAppeal(w http.ResponseWriter, r *http.Request, app App) {
	banID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid ban ID."}, app)
		return
	}
	accept := r.FormValue("accept") == "1"
	if err := app.DB().RuleAppeal(r.Context(), banID, accept, adminName(r), r.FormValue("reason")); err != nil {
		respondError(w, err, app)
		return
	}
	status := models.AppealDenied
	if accept {
		status = models.AppealAccepted
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": status}, app)
}

// HandleAuditTrail returns the audit history for an IP, newest first.
func HandleAuditTrail(w http.ResponseWriter, r *http.Request, app App) {
	ip := r.URL.Query().Get("ip")
	if ip == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Query parameter ip is required."}, app)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := app.DB().AuditTrailForIP(r.Context(), ip, limit)
	if err != nil {
		respondError(w, err, app)
		return
	}

	type auditView struct {
		ID       int64  `json:"id"`
		Time     string `json:"time"`
		Admin    string `json:"admin,omitempty"`
		Action   string `json:"action"`
		BoardID  string `json:"boardId,omitempty"`
		ThreadID int64  `json:"threadId,omitempty"`
		PostID   int64  `json:"postId,omitempty"`
		BanID    int64  `json:"banId,omitempty"`
		Reason   string `json:"reason,omitempty"`
		Detail   string `json:"detail,omitempty"`
	}
	out := make([]auditView, 0, len(entries))
	for _, e := range entries {
		v := auditView{
			ID:     e.ID,
			Time:   e.CreatedAt.UTC().Format(time.RFC3339),
			Action: e.Action,
			Reason: e.Reason,
			Detail: e.Detail,
		}
		if e.Admin.Valid {
			v.Admin = e.Admin.String
		}
		if e.BoardID.Valid {
			v.BoardID = e.BoardID.String
		}
		if e.ThreadID.Valid {
			v.ThreadID = e.ThreadID.Int64
		}
		if e.PostID.Valid {
			v.PostID = e.PostID.Int64
		}
		if e.BanID.Valid {
			v.BanID = e.BanID.Int64
		}
		out = append(out, v)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"ip": ip, "entries": out}, app)
}
