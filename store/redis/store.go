// Package redis provides a Redis job store and buffer storage using
// go-redis/v9. Job records live under per-job keys with a per-queue
// sorted set ordered by due time; buffered entries live in per-queue
// lists encoded with msgpack.
package redis

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MohamedSaeedBekhit/firelancer/buffer"
	"github.com/MohamedSaeedBekhit/firelancer/job"
)

var (
	_ job.Store      = (*Store)(nil)
	_ buffer.Storage = (*Store)(nil)
)

// Store is a Redis implementation of the job store and buffer storage
// contracts.
type Store struct {
	client goredis.UniversalClient
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a Redis store from an address, e.g. "localhost:6379".
func New(ctx context.Context, addr string, opts ...Option) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("firelancer/redis: connect: %w", err)
	}

	return NewFromClient(client, opts...), nil
}

// NewFromClient creates a Redis store from an existing client.
func NewFromClient(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
