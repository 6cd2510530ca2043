package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/MohamedSaeedBekhit/firelancer/job"
)

// Recover converts panics during job execution into errors so a panicking
// handler fails the job instead of crashing the worker.
func Recover(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, rec *job.Record, next Handler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in job handler",
					slog.String("job_id", rec.ID.String()),
					slog.String("queue", rec.QueueName),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
				err = fmt.Errorf("panic: %v", r)
			}
		}()

		return next(ctx)
	}
}
