package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"
)

// AdminConfig holds the credentials for the admin routes.
type AdminConfig struct {
	Logger   *slog.Logger
	Username string
	Password string
}

// RequireAdmin guards a route group with HTTP Basic authentication. When no
// password is configured every request is refused.
func RequireAdmin(cfg AdminConfig) func(http.Handler) http.Handler {
	wantUser := sha256.Sum256([]byte(cfg.Username))
	wantPass := sha256.Sum256([]byte(cfg.Password))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Password == "" {
				writeError(w, http.StatusForbidden, "Admin access is disabled")
				return
			}

			user, pass, ok := r.BasicAuth()
			if ok {
				gotUser := sha256.Sum256([]byte(user))
				gotPass := sha256.Sum256([]byte(pass))
				userMatch := subtle.ConstantTimeCompare(gotUser[:], wantUser[:]) == 1
				passMatch := subtle.ConstantTimeCompare(gotPass[:], wantPass[:]) == 1
				if userMatch && passMatch {
					next.ServeHTTP(w, r)
					return
				}
			}

			cfg.Logger.Warn("admin authentication failed",
				slog.String("endpoint", r.Method+" "+r.URL.Path),
				slog.String("request_id", GetRequestID(r.Context())),
			)
			w.Header().Set("WWW-Authenticate", `Basic realm="admin", charset="UTF-8"`)
			writeError(w, http.StatusUnauthorized, "Invalid admin credentials")
		})
	}
}
