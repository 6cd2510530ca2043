// Package memory provides an in-memory Store implementing the job store,
// buffer storage and catalog store contracts. It is safe for concurrent
// use but not durable across restarts; use it for development, tests and
// single-process deployments that can tolerate losing queue state.
package memory

import (
	"sync"

	"github.com/MohamedSaeedBekhit/firelancer/buffer"
	"github.com/MohamedSaeedBekhit/firelancer/catalog"
	"github.com/MohamedSaeedBekhit/firelancer/id"
	"github.com/MohamedSaeedBekhit/firelancer/job"
)

// Store keeps all state in process memory guarded by a single RWMutex.
// Methods return copies so callers can never mutate internal state.
type Store struct {
	mu sync.RWMutex

	// jobs are ordered by insertion so Next claims oldest-first.
	jobs    []*job.Record
	buffers map[string][]*buffer.Entry

	collections map[string]*catalog.Collection
	// collectionOrder preserves insertion order for deterministic listing.
	collectionOrder []string
	posts           map[string]*catalog.JobPost
	postOrder       []string
	// membership maps collection ID -> entity name -> entity ID set.
	membership map[string]map[string]map[string]struct{}
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		buffers:     make(map[string][]*buffer.Entry),
		collections: make(map[string]*catalog.Collection),
		posts:       make(map[string]*catalog.JobPost),
		membership:  make(map[string]map[string]map[string]struct{}),
	}
}

func copyRecord(r *job.Record) *job.Record {
	cp := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.SettledAt != nil {
		t := *r.SettledAt
		cp.SettledAt = &t
	}
	if r.RetryAt != nil {
		t := *r.RetryAt
		cp.RetryAt = &t
	}
	cp.Data = append([]byte(nil), r.Data...)
	cp.Result = append([]byte(nil), r.Result...)

	return &cp
}

func copyCollection(c *catalog.Collection) *catalog.Collection {
	cp := *c
	cp.Filters = append([]catalog.ConfigurableOperation(nil), c.Filters...)

	return &cp
}

func copyPost(p *catalog.JobPost) *catalog.JobPost {
	cp := *p
	cp.FacetValues = append([]id.FacetValueID(nil), p.FacetValues...)

	return &cp
}
