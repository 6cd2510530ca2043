package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/MohamedSaeedBekhit/firelancer/buffer"
	"github.com/MohamedSaeedBekhit/firelancer/id"
	"github.com/MohamedSaeedBekhit/firelancer/job"
)

// bufferEntry is the msgpack wire form of a buffered job. msgpack keeps
// the per-entry overhead low for large bursts.
type bufferEntry struct {
	ID        string `msgpack:"id"`
	BufferID  string `msgpack:"buffer_id"`
	Job       []byte `msgpack:"job"`
	CreatedAt int64  `msgpack:"created_at"`
}

// AddEntry implements buffer.Storage. Entries are appended to a per-queue
// list, preserving insertion order.
func (s *Store) AddEntry(ctx context.Context, queueName string, e *buffer.Entry) error {
	encoded, err := encodeEntry(e)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, bufferKey(queueName), encoded)
	pipe.SAdd(ctx, bufferQueuesKey, queueName)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("firelancer/redis: add buffer entry: %w", err)
	}

	return nil
}

// BufferSize implements buffer.Storage.
func (s *Store) BufferSize(ctx context.Context, queueNames []string) (map[string]int, error) {
	if len(queueNames) == 0 {
		var err error
		queueNames, err = s.client.SMembers(ctx, bufferQueuesKey).Result()
		if err != nil {
			return nil, fmt.Errorf("firelancer/redis: list buffered queues: %w", err)
		}
	}

	sizes := make(map[string]int, len(queueNames))
	for _, queueName := range queueNames {
		n, err := s.client.LLen(ctx, bufferKey(queueName)).Result()
		if err != nil {
			return nil, fmt.Errorf("firelancer/redis: buffer size: %w", err)
		}
		sizes[queueName] = int(n)
	}

	return sizes, nil
}

// Consume implements buffer.Storage. The read and delete run in one
// transactional pipeline so two concurrent flushes never consume the same
// entries.
func (s *Store) Consume(ctx context.Context, queueName string) ([]*buffer.Entry, error) {
	key := bufferKey(queueName)

	pipe := s.client.TxPipeline()
	lrange := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	pipe.SRem(ctx, bufferQueuesKey, queueName)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("firelancer/redis: consume buffer: %w", err)
	}

	raw := lrange.Val()
	entries := make([]*buffer.Entry, 0, len(raw))
	for _, item := range raw {
		e, err := decodeEntry([]byte(item))
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, nil
}

// Restore implements buffer.Storage. Restored entries go to the front of
// the list so insertion order is preserved relative to newer entries.
func (s *Store) Restore(ctx context.Context, queueName string, entries []*buffer.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	// LPush prepends, so push in reverse to keep the original order.
	encoded := make([]any, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		data, err := encodeEntry(entries[i])
		if err != nil {
			return err
		}
		encoded = append(encoded, data)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, bufferKey(queueName), encoded...)
	pipe.SAdd(ctx, bufferQueuesKey, queueName)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("firelancer/redis: restore buffer entries: %w", err)
	}

	return nil
}

func encodeEntry(e *buffer.Entry) ([]byte, error) {
	jobJSON, err := json.Marshal(e.Job)
	if err != nil {
		return nil, fmt.Errorf("firelancer/redis: marshal buffered job: %w", err)
	}

	data, err := msgpack.Marshal(bufferEntry{
		ID:        e.ID.String(),
		BufferID:  e.BufferID,
		Job:       jobJSON,
		CreatedAt: e.CreatedAt.UnixNano(),
	})
	if err != nil {
		return nil, fmt.Errorf("firelancer/redis: encode buffer entry: %w", err)
	}

	return data, nil
}

func decodeEntry(data []byte) (*buffer.Entry, error) {
	var wire bufferEntry
	if err := msgpack.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("firelancer/redis: decode buffer entry: %w", err)
	}

	entryID, err := id.ParseBufferEntryID(wire.ID)
	if err != nil {
		return nil, fmt.Errorf("firelancer/redis: parse buffer entry id %q: %w", wire.ID, err)
	}

	var rec job.Record
	if err := json.Unmarshal(wire.Job, &rec); err != nil {
		return nil, fmt.Errorf("firelancer/redis: unmarshal buffered job: %w", err)
	}

	return &buffer.Entry{
		ID:        entryID,
		BufferID:  wire.BufferID,
		Job:       &rec,
		CreatedAt: time.Unix(0, wire.CreatedAt).UTC(),
	}, nil
}
