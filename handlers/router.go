// koban/handlers/router.go
package handlers

import (
	"log/slog"
	"net/http"

	"koban/config"
	"koban/database"
	"koban/notify"
	"koban/storage"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// App defines the dependencies handlers need from the main application.
type App interface {
	DB() *database.DatabaseService
	Logger() *slog.Logger
	Storage() storage.ObjectStore
	Bus() *notify.Bus
	Config() *config.Config
}

// SetupRouter wires all routes to their handlers.
func SetupRouter(app App) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/boards", wrap(app, HandleListBoards))
		r.Get("/boards/{board}", wrap(app, HandleBoardPage))
		r.Post("/boards/{board}/threads", wrap(app, HandleCreateThread))
		r.Get("/boards/{board}/events", wrap(app, HandleBoardEvents))
		r.Get("/threads/{id}", wrap(app, HandleGetThread))
		r.Post("/threads/{id}/posts", wrap(app, HandleCreatePost))
		r.Post("/bans/{id}/appeal", wrap(app, HandleSubmitAppeal))

		r.Route("/admin", func(r chi.Router) {
			r.Use(AdminAuthMiddleware(app))
			r.Post("/boards", wrap(app, HandleCreateBoard))
			r.Delete("/posts/{id}", wrap(app, HandleDeletePost))
			r.Post("/threads/{id}/retire", wrap(app, HandleRetireThread))
			r.Post("/posts/{id}/color", wrap(app, HandleSetPostColor))
			r.Post("/posts/{id}/edit", wrap(app, HandleEditPost))
			r.Post("/bans", wrap(app, HandleCreateBan))
			r.Post("/bans/{id}/lift", wrap(app, HandleLiftBan))
			r.Post("/bans/{id}/ruling", wrap(app, HandleRuleAppeal))
			r.Get("/audit", wrap(app, HandleAuditTrail))
		})
	})

	return r
}

// wrap adapts an app-aware handler to http.HandlerFunc.
func wrap(app App, h func(http.ResponseWriter, *http.Request, App)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h(w, r, app)
	}
}
