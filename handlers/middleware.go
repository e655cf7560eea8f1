// koban/handlers/middleware.go
package handlers

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// AdminAuthMiddleware guards moderation endpoints with the bcrypt-hashed
// admin password from configuration. The admin name travels in X-Admin-Name
// and is recorded in the audit trail.
func AdminAuthMiddleware(app App) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hash := app.Config().AdminPassHash
			if hash == "" {
				respondJSON(w, http.StatusForbidden, map[string]string{"error": "Moderation is not configured."}, app)
				return
			}
			pass := r.Header.Get("X-Admin-Pass")
			if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)); err != nil {
				app.Logger().Warn("Rejected admin request", "path", r.URL.Path)
				respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid credentials."}, app)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// adminName returns the acting admin's name for audit records.
func adminName(r *http.Request) string {
	if name := r.Header.Get("X-Admin-Name"); name != "" {
		return name
	}
	return "admin"
}
