package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// requireAdmin enforces HTTP basic auth against the configured admin
// account. An empty password hash disables the guarded endpoints.
func (s *server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Auth.PasswordHash == "" {
			writeJSON(w, http.StatusForbidden,
				errorResponse{"admin endpoints are disabled"})

			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok || !userMatches(user, s.cfg.Auth.Username) ||
			!checkPassword(s.cfg.Auth.PasswordHash, pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="tpcbench"`)
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"unauthorized"})

			return
		}

		next.ServeHTTP(w, r)
	})
}

// userMatches compares usernames in constant time.
func userMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// checkPassword compares a bcrypt hash with a plaintext password.
func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword(
		[]byte(hash), []byte(password),
	) == nil
}
