package firelancer

import "time"

// Config holds configuration for the queue engine.
type Config struct {
	// ActiveQueues restricts which queues this process instance serves.
	// Empty means all queues are active. Queues created outside this list
	// still accept jobs but are never processed by this instance.
	ActiveQueues []string

	// PollInterval is how often each queue worker polls for new jobs.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// FlushInterval is how often buffered queues are flushed.
	FlushInterval time.Duration

	// SettledJobRetention is how long settled jobs are kept before the
	// scheduled garbage collection removes them.
	SettledJobRetention time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:        200 * time.Millisecond,
		ShutdownTimeout:     30 * time.Second,
		FlushInterval:       10 * time.Second,
		SettledJobRetention: 30 * 24 * time.Hour,
	}
}
