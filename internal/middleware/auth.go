package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/rapigate/rapigate/internal/auth"
	"github.com/rapigate/rapigate/internal/model"
)

// KeyValidator resolves a raw API key. *auth.Validator implements it.
type KeyValidator interface {
	Validate(ctx context.Context, rawKey string) (*model.Identity, bool, error)
}

// SessionResolver reads the caller's session. *auth.Sessions implements it.
type SessionResolver interface {
	FromRequest(r *http.Request) (*model.Identity, error)
}

// IdentityConfig holds configuration for the identity middleware.
type IdentityConfig struct {
	Logger    *slog.Logger
	Sessions  SessionResolver
	Validator KeyValidator
}

// Identify resolves the caller from the session cookie, falling back to an
// API key, and stores it in the request context. It never rejects: an
// anonymous request continues without an identity.
func Identify(cfg IdentityConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := resolveIdentity(cfg, r)
			if identity == nil {
				next.ServeHTTP(w, r)
				return
			}
			AnnotateUser(r.Context(), identity.UserID)
			ctx := auth.ContextWithIdentity(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func resolveIdentity(cfg IdentityConfig, r *http.Request) *model.Identity {
	if cfg.Sessions != nil {
		if identity, err := cfg.Sessions.FromRequest(r); err == nil {
			return identity
		}
	}

	key := extractAPIKey(r)
	if key == "" || cfg.Validator == nil {
		return nil
	}

	identity, ok, err := cfg.Validator.Validate(r.Context(), key)
	if err != nil {
		cfg.Logger.Error("api key lookup failed",
			slog.String("error", err.Error()),
			slog.String("request_id", GetRequestID(r.Context())),
		)
		return nil
	}
	if !ok {
		cfg.Logger.Warn("authentication failed",
			slog.String("reason", "invalid_key"),
			slog.String("endpoint", r.Method+" "+r.URL.Path),
			slog.String("request_id", GetRequestID(r.Context())),
		)
		return nil
	}
	return identity
}

// RequireIdentity rejects requests that Identify could not attribute.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.IdentityFromContext(r.Context()) == nil {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireSession rejects requests not carrying a valid session. API keys
// are not accepted.
func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := auth.IdentityFromContext(r.Context())
		if identity == nil || identity.Source != model.IdentityFromSession {
			writeError(w, http.StatusUnauthorized, "Login required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractAPIKey reads the key from the apikey query parameter, the
// X-API-Key header, or an "Authorization: Bearer" header, in that order.
func extractAPIKey(r *http.Request) string {
	if key := r.URL.Query().Get("apikey"); key != "" {
		return key
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}
