package httpapi

import (
	"net/http"

	"github.com/termux-extensions/te-framework/internal/apierr"
)

// requireShellToken wraps a mutating shell-endpoint handler so that, when a
// token is configured (TE_FRAMEWORK_SHELL_TOKEN, §6), the caller must echo
// it back in X-Framework-Key. Left as a no-op gate when no token is set,
// matching the teacher's pattern of optional shared-secret auth in
// internal/relay/auth_web.go.
func (s *Server) requireShellToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.shellToken == "" {
			next(w, r)
			return
		}
		if r.Header.Get("X-Framework-Key") != s.shellToken {
			writeErr(w, apierr.New(apierr.AuthRequired, "missing or invalid X-Framework-Key"))
			return
		}
		next(w, r)
	}
}
