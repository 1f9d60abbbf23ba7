package hub

import (
	"context"

	"github.com/loomkit/loom/kernel/signal"
)

type ctxKey struct{}

// WithContext returns a context carrying the given scoping frame. Emissions
// performed with the returned context inherit the frame. The frame rides on
// the context.Context baton, so concurrent scopes never bleed into each
// other and the prior frame is restored on every exit path by construction.
func WithContext(ctx context.Context, sc signal.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, sc)
}

// ScopeFromContext extracts the scoping frame stored on the context, if any.
func ScopeFromContext(ctx context.Context) (signal.Context, bool) {
	sc, ok := ctx.Value(ctxKey{}).(signal.Context)
	return sc, ok
}
