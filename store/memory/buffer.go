package memory

import (
	"context"

	"github.com/MohamedSaeedBekhit/firelancer/buffer"
)

var _ buffer.Storage = (*Store)(nil)

// AddEntry implements buffer.Storage.
func (s *Store) AddEntry(_ context.Context, queueName string, e *buffer.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	cp.Job = copyRecord(e.Job)
	s.buffers[queueName] = append(s.buffers[queueName], &cp)

	return nil
}

// BufferSize implements buffer.Storage.
func (s *Store) BufferSize(_ context.Context, queueNames []string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sizes := make(map[string]int)
	if len(queueNames) == 0 {
		for queueName, entries := range s.buffers {
			if len(entries) > 0 {
				sizes[queueName] = len(entries)
			}
		}

		return sizes, nil
	}

	for _, queueName := range queueNames {
		sizes[queueName] = len(s.buffers[queueName])
	}

	return sizes, nil
}

// Consume implements buffer.Storage.
func (s *Store) Consume(_ context.Context, queueName string) ([]*buffer.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.buffers[queueName]
	delete(s.buffers, queueName)
	if entries == nil {
		return []*buffer.Entry{}, nil
	}

	return entries, nil
}

// Restore implements buffer.Storage. Restored entries go to the front so
// insertion order is preserved relative to entries added after the failed
// flush.
func (s *Store) Restore(_ context.Context, queueName string, entries []*buffer.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffers[queueName] = append(append([]*buffer.Entry(nil), entries...), s.buffers[queueName]...)

	return nil
}
