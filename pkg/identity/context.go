package identity

import "context"

// ctxKey is an unexported type used as the context key for Principal.
type ctxKey struct{}

// Principal carries the resolved caller identity through request context.
type Principal struct {
	ID   string
	Hats []string
}

// WithPrincipal returns a new context with the given Principal attached.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext retrieves the Principal from the context.
// Returns the zero value and false if no principal is set.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

// CallerFromContext is a convenience function that returns the caller ID
// from the context, or "" if no principal is set.
func CallerFromContext(ctx context.Context) string {
	p, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return p.ID
}
