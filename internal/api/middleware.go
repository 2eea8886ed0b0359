package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	apperrors "github.com/bobarin/sceneforge/internal/pkg/errors"
)

// APIKeyAuth validates job submitters against the backend API key, taken from
// X-API-Key or Authorization: Bearer <key>.
func APIKeyAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Try X-API-Key header first (preferred for backend-to-backend calls)
			key := r.Header.Get("X-API-Key")

			// Fall back to Authorization: Bearer <key>
			if key == "" {
				authHeader := r.Header.Get("Authorization")
				if strings.HasPrefix(authHeader, "Bearer ") {
					key = strings.TrimPrefix(authHeader, "Bearer ")
				}
			}

			if key == "" {
				respondJSON(w, http.StatusUnauthorized, errorResponse{
					Error: "Missing API key. Provide X-API-Key header or Authorization: Bearer <key>",
					Code:  string(apperrors.CodeUnauthorized),
				})
				return
			}

			if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
				respondJSON(w, http.StatusForbidden, errorResponse{Error: "Invalid API key", Code: string(apperrors.CodeUnauthorized)})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
