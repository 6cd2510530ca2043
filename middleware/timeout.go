package middleware

import (
	"context"
	"time"

	"github.com/MohamedSaeedBekhit/firelancer/job"
)

// Timeout cancels the job's context after the given duration. A duration
// of zero disables the limit.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *job.Record, next Handler) error {
		if d <= 0 {
			return next(ctx)
		}

		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		return next(ctx)
	}
}
