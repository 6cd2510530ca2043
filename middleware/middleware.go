// Package middleware provides composable wrappers around job execution:
// panic recovery, structured logging, timeouts, OpenTelemetry metrics and
// tracing. Middlewares are applied to every job processed by a queue.
package middleware

import (
	"context"

	"github.com/MohamedSaeedBekhit/firelancer/job"
)

// Handler is the innermost unit a middleware wraps: the job's processing
// function with its arguments already bound.
type Handler func(ctx context.Context) error

// Middleware wraps job execution. Implementations must call next to
// continue the chain, unless they intend to short-circuit.
type Middleware func(ctx context.Context, rec *job.Record, next Handler) error

// Chain composes middlewares so that the first one listed is the
// outermost wrapper.
func Chain(middlewares ...Middleware) Middleware {
	return func(ctx context.Context, rec *job.Record, next Handler) error {
		wrapped := next
		for i := len(middlewares) - 1; i >= 0; i-- {
			mw := middlewares[i]
			inner := wrapped
			wrapped = func(ctx context.Context) error {
				return mw(ctx, rec, inner)
			}
		}

		return wrapped(ctx)
	}
}
