package catalog

import (
	firelancer "github.com/MohamedSaeedBekhit/firelancer"
	"github.com/MohamedSaeedBekhit/firelancer/id"
)

// CollectionEvent is published when a collection is created, updated or
// deleted.
type CollectionEvent struct {
	Ctx        firelancer.RequestContext
	Collection *Collection
	Type       EntityEventType
}

// CollectionModificationEvent is published after re-indexing changed a
// collection's membership. EntityIDs lists the affected entities; large
// membership changes are split across multiple events.
type CollectionModificationEvent struct {
	Ctx          firelancer.RequestContext
	CollectionID id.CollectionID
	EntityName   string
	EntityIDs    []id.ID
}

// JobPostEvent is published when a job post is created, updated or
// deleted. The re-indexing bridge turns these into apply-filter jobs.
type JobPostEvent struct {
	Ctx       firelancer.RequestContext
	JobPostID id.JobPostID
	Type      EntityEventType
}
