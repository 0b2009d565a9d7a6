// ABOUTME: Authorization context for tracking subject identity through handlers.
// ABOUTME: Provides WithAuth/FromContext for propagating identity via context.

package authz

import "context"

// AuthContext holds the authenticated subject identity for a request. It is
// populated by an external authentication collaborator; this package only
// consumes it.
type AuthContext struct {
	Subject string   // stable identifier of the authenticated subject
	Scopes  []string // token scopes granted at authentication time
}

// HasScope reports whether the context carries the given scope.
func (a *AuthContext) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if
// not present.
func FromContext(ctx context.Context) *AuthContext {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return nil
	}
	auth, ok := val.(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}
