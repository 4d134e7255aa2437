package auth

import (
	"context"

	"github.com/rapigate/rapigate/internal/model"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// identityContextKey is the context key for storing the caller identity.
	identityContextKey contextKey = "identity"
)

// ContextWithIdentity adds the caller identity to the context.
func ContextWithIdentity(ctx context.Context, identity *model.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the caller identity from the context.
// Returns nil if the caller is anonymous.
func IdentityFromContext(ctx context.Context) *model.Identity {
	identity, ok := ctx.Value(identityContextKey).(*model.Identity)
	if !ok {
		return nil
	}
	return identity
}

// UserIDFromContext is a convenience function to get the user ID from context.
// Returns empty string if anonymous.
func UserIDFromContext(ctx context.Context) string {
	identity := IdentityFromContext(ctx)
	if identity == nil {
		return ""
	}
	return identity.UserID
}
