// koban/handlers/respond.go
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"koban/database"
)

func respondJSON(w http.ResponseWriter, status int, payload interface{}, app App) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		app.Logger().Error("Failed to encode JSON response", "error", err)
	}
}

// respondError maps lifecycle errors onto HTTP statuses. A post against a
// dead thread must read as a clear rejection, not a generic server error.
func respondError(w http.ResponseWriter, err error, app App) {
	switch {
	case errors.Is(err, database.ErrThreadDead):
		respondJSON(w, http.StatusGone, map[string]string{"error": "This thread is archived and no longer accepts posts."}, app)
	case errors.Is(err, database.ErrThreadNotFound),
		errors.Is(err, database.ErrBoardNotFound),
		errors.Is(err, database.ErrPostNotFound),
		errors.Is(err, database.ErrBanNotFound):
		respondJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()}, app)
	case errors.Is(err, database.ErrEmptyPost):
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()}, app)
	default:
		app.Logger().Error("Request failed", "error", err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal error."}, app)
	}
}
