// Package context provides request-scoped values extraction.
package context

import (
	"context"
)

// ClientContext identifies the caller of a request.
type ClientContext struct {
	// Identity is the rate-limiter partition key (network address or API key).
	Identity  string
	UserAgent string
}

type clientContextKey struct{}

// WithClient adds ClientContext to context.
func WithClient(ctx context.Context, client *ClientContext) context.Context {
	return context.WithValue(ctx, clientContextKey{}, client)
}

// GetClient returns ClientContext from context.
func GetClient(ctx context.Context) *ClientContext {
	if v, ok := ctx.Value(clientContextKey{}).(*ClientContext); ok {
		return v
	}
	return nil
}

// GetIdentity returns client identity from context or empty string.
func GetIdentity(ctx context.Context) string {
	if c := GetClient(ctx); c != nil {
		return c.Identity
	}
	return ""
}
