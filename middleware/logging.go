package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/MohamedSaeedBekhit/firelancer/job"
)

// Logging logs the start and outcome of every job execution with its
// duration and attempt number.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, rec *job.Record, next Handler) error {
		attrs := []any{
			slog.String("job_id", rec.ID.String()),
			slog.String("queue", rec.QueueName),
			slog.Int("attempt", rec.Attempts),
		}
		logger.Debug("job started", attrs...)

		start := time.Now()
		err := next(ctx)
		attrs = append(attrs, slog.Duration("duration", time.Since(start)))

		if err != nil {
			logger.Warn("job attempt failed", append(attrs, slog.Any("error", err))...)

			return err
		}
		logger.Info("job completed", attrs...)

		return nil
	}
}
