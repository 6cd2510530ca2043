package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MohamedSaeedBekhit/firelancer/buffer"
	"github.com/MohamedSaeedBekhit/firelancer/id"
	"github.com/MohamedSaeedBekhit/firelancer/job"
)

// AddEntry implements buffer.Storage. The wrapped job record is stored as
// JSON alongside the buffer key.
func (s *Store) AddEntry(ctx context.Context, queueName string, e *buffer.Entry) error {
	jobJSON, err := json.Marshal(e.Job)
	if err != nil {
		return fmt.Errorf("firelancer/postgres: marshal buffered job: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO firelancer_job_buffer (id, queue, buffer_id, job, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID.String(), queueName, e.BufferID, jobJSON, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("firelancer/postgres: add buffer entry: %w", err)
	}
	return nil
}

// BufferSize implements buffer.Storage.
func (s *Store) BufferSize(ctx context.Context, queueNames []string) (map[string]int, error) {
	query := `SELECT queue, COUNT(*) FROM firelancer_job_buffer`
	args := []any{}
	if len(queueNames) > 0 {
		query += ` WHERE queue = ANY($1)`
		args = append(args, queueNames)
	}
	query += ` GROUP BY queue`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("firelancer/postgres: buffer size: %w", err)
	}
	defer rows.Close()

	sizes := make(map[string]int)
	for rows.Next() {
		var (
			queueName string
			count     int
		)
		if err := rows.Scan(&queueName, &count); err != nil {
			return nil, fmt.Errorf("firelancer/postgres: scan buffer size: %w", err)
		}
		sizes[queueName] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("firelancer/postgres: iterate buffer sizes: %w", err)
	}

	for _, queueName := range queueNames {
		if _, ok := sizes[queueName]; !ok {
			sizes[queueName] = 0
		}
	}
	return sizes, nil
}

// Consume implements buffer.Storage. The delete and read happen in one
// statement so two concurrent flushes never consume the same entries.
func (s *Store) Consume(ctx context.Context, queueName string) ([]*buffer.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		WITH consumed AS (
			DELETE FROM firelancer_job_buffer
			WHERE queue = $1
			RETURNING id, buffer_id, job, created_at
		)
		SELECT id, buffer_id, job, created_at FROM consumed
		ORDER BY created_at ASC, id ASC`,
		queueName,
	)
	if err != nil {
		return nil, fmt.Errorf("firelancer/postgres: consume buffer: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

// Restore implements buffer.Storage.
func (s *Store) Restore(ctx context.Context, queueName string, entries []*buffer.Entry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		jobJSON, err := json.Marshal(e.Job)
		if err != nil {
			return fmt.Errorf("firelancer/postgres: marshal buffered job: %w", err)
		}
		batch.Queue(`
			INSERT INTO firelancer_job_buffer (id, queue, buffer_id, job, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING`,
			e.ID.String(), queueName, e.BufferID, jobJSON, e.CreatedAt,
		)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("firelancer/postgres: restore buffer entries: %w", err)
	}
	return nil
}

func collectEntries(rows pgx.Rows) ([]*buffer.Entry, error) {
	entries := []*buffer.Entry{}
	for rows.Next() {
		var (
			e       buffer.Entry
			idStr   string
			jobJSON []byte
		)
		if err := rows.Scan(&idStr, &e.BufferID, &jobJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("firelancer/postgres: scan buffer entry: %w", err)
		}

		parsedID, err := id.ParseBufferEntryID(idStr)
		if err != nil {
			return nil, fmt.Errorf("firelancer/postgres: parse buffer entry id %q: %w", idStr, err)
		}
		e.ID = parsedID

		var rec job.Record
		if err := json.Unmarshal(jobJSON, &rec); err != nil {
			return nil, fmt.Errorf("firelancer/postgres: unmarshal buffered job: %w", err)
		}
		e.Job = &rec

		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("firelancer/postgres: iterate buffer entries: %w", err)
	}
	return entries, nil
}
