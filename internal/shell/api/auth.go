package api

import (
	"context"
	"log/slog"
	"net/http"
)

// =============================================================================
// Auth Middleware
// =============================================================================

// Identity headers injected by the gateway in front of the service.
const (
	HeaderUserID = "X-Skylift-User"
	HeaderSecret = "X-Skylift-Secret"
)

// DevUserID is the identity every request runs as in dev mode.
const DevUserID = "dev-user"

type contextKey string

const userIDKey contextKey = "skylift-user-id"

// AuthConfig controls how request identity is established.
type AuthConfig struct {
	// Mode is "header" (identity from gateway headers, required) or "dev"
	// (every request runs as DevUserID).
	Mode string

	// SharedSecret, when set, must match the gateway secret header.
	SharedSecret string

	Logger *slog.Logger
}

// UserID returns the authenticated user for a request.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// authMiddleware resolves the request identity and rejects requests that
// fail gateway validation.
func authMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.SharedSecret != "" && r.Header.Get(HeaderSecret) != cfg.SharedSecret {
				logger.Warn("invalid gateway secret", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
				writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "invalid gateway secret", Code: "forbidden"}, logger)
				return
			}

			userID := DevUserID
			if cfg.Mode == "header" {
				userID = r.Header.Get(HeaderUserID)
				if userID == "" {
					writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "authentication required", Code: "unauthorized"}, logger)
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
		})
	}
}
