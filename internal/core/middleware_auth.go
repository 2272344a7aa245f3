package core

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"subsync/internal/types"
)

// callerAdmin is the only caller the admin surface knows.
const callerAdmin = "admin"

// AdminAuthMiddleware requires "Authorization: Bearer <ADMIN_API_KEY>".
// The comparison is constant-time. A server without a configured key
// rejects everything.
func (s *Server) AdminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "Authorization header is required", nil))
			return
		}

		token := extractBearerToken(authHeader)
		if token == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "Bearer token is required", nil))
			return
		}

		if !s.validAdminKey(token) {
			s.Logger.WarnContext(r.Context(), "admin authentication failed",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "Invalid authentication token", nil))
			return
		}

		next.ServeHTTP(w, r.WithContext(types.WithCaller(r.Context(), callerAdmin)))
	})
}

func (s *Server) validAdminKey(token string) bool {
	if s.Config == nil || !s.Config.Security.AdminAPIKey.IsSet() {
		return false
	}
	want := s.Config.Security.AdminAPIKey.Unmask()
	return subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1
}

// extractBearerToken returns the token of a "Bearer <token>" header. The
// scheme is case-insensitive per RFC 7235.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}
