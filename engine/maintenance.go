package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	firelancer "github.com/MohamedSaeedBekhit/firelancer"
)

// settledJobsCleanupSchedule is a standard 5-field cron expression.
const settledJobsCleanupSchedule = "0 * * * *"

// maintenance runs the engine's recurring background work on a cron
// runner: flushing buffered queues and removing old settled jobs.
type maintenance struct {
	engine *Engine
	logger *slog.Logger
	cron   *cronlib.Cron
}

func newMaintenance(e *Engine, logger *slog.Logger) *maintenance {
	return &maintenance{
		engine: e,
		logger: logger,
		cron:   cronlib.New(cronlib.WithSeconds()),
	}
}

func (m *maintenance) start() {
	flushInterval := m.engine.cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = firelancer.DefaultConfig().FlushInterval
	}

	if m.engine.buffers != nil {
		spec := fmt.Sprintf("@every %s", flushInterval)
		if _, err := m.cron.AddFunc(spec, m.flushBuffers); err != nil {
			m.logger.Error("failed to schedule buffer flush",
				slog.String("schedule", spec),
				slog.Any("error", err))
		}
	}

	// WithSeconds expects 6 fields, so prepend the seconds field.
	if _, err := m.cron.AddFunc("0 "+settledJobsCleanupSchedule, m.removeSettledJobs); err != nil {
		m.logger.Error("failed to schedule settled job cleanup",
			slog.Any("error", err))
	}

	m.cron.Start()
}

// stop halts the schedule and waits for in-flight maintenance runs.
func (m *maintenance) stop() {
	<-m.cron.Stop().Done()
}

func (m *maintenance) flushBuffers() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := m.engine.queues.FlushBuffers(ctx); err != nil {
		m.logger.Error("scheduled buffer flush failed", slog.Any("error", err))
	}
}

func (m *maintenance) removeSettledJobs() {
	retention := m.engine.cfg.SettledJobRetention
	if retention <= 0 {
		retention = firelancer.DefaultConfig().SettledJobRetention
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	olderThan := time.Now().UTC().Add(-retention)
	removed, err := m.engine.jobStore.RemoveSettledJobs(ctx, nil, olderThan)
	if err != nil {
		m.logger.Error("settled job cleanup failed", slog.Any("error", err))

		return
	}
	if removed > 0 {
		m.logger.Info("removed settled jobs",
			slog.Int("count", removed),
			slog.Time("older_than", olderThan))
	}
}
