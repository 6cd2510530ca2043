package catalog

import (
	"context"

	"github.com/MohamedSaeedBekhit/firelancer/id"
)

// MembershipDiff is the DB-level set difference between a collection's
// filtered entity set and its current membership.
type MembershipDiff struct {
	// ToAdd are entities matching the filters but not yet members.
	ToAdd []id.ID
	// ToRemove are members no longer matching the filters.
	ToRemove []id.ID
}

// Empty reports whether the diff changes nothing.
func (d MembershipDiff) Empty() bool {
	return len(d.ToAdd) == 0 && len(d.ToRemove) == 0
}

// Store is the persistence contract for collections, collectable entities
// and derived membership. The set operations (DiffMembership,
// UpdateMembership) are pushed down to the store so SQL backends can
// compute them without materializing entity sets in the application.
type Store interface {
	// CreateCollection persists a new collection.
	CreateCollection(ctx context.Context, c *Collection) error

	// GetCollection retrieves a collection by ID. Returns
	// firelancer.ErrCollectionNotFound when missing.
	GetCollection(ctx context.Context, collectionID id.CollectionID) (*Collection, error)

	// GetRootCollection returns the root collection, or
	// firelancer.ErrCollectionNotFound when none exists yet.
	GetRootCollection(ctx context.Context) (*Collection, error)

	// UpdateCollection persists changes to a collection.
	UpdateCollection(ctx context.Context, c *Collection) error

	// UpdateCollections persists changes to several collections in one
	// transaction, used for sibling position shuffles during moves.
	UpdateCollections(ctx context.Context, cs []*Collection) error

	// DeleteCollection removes a collection and its membership rows.
	DeleteCollection(ctx context.Context, collectionID id.CollectionID) error

	// ListCollections returns all collections ordered by position.
	ListCollections(ctx context.Context) ([]*Collection, error)

	// GetChildren returns the direct children of a collection ordered by
	// position.
	GetChildren(ctx context.Context, parentID id.CollectionID) ([]*Collection, error)

	// MaxPosition returns the highest position among a parent's children
	// and false when the parent has no children.
	MaxPosition(ctx context.Context, parentID id.CollectionID) (int, bool, error)

	// MemberIDs returns the current member entity IDs of a collection.
	MemberIDs(ctx context.Context, collectionID id.CollectionID, entityName string) ([]id.ID, error)

	// DiffMembership computes the set difference between the entities
	// matching the query and the collection's current members, for the
	// named entity type. Returns firelancer.ErrUnknownEntity for
	// unregistered entity names. When restrictTo is non-empty, ToAdd and
	// ToRemove only consider the listed entities.
	DiffMembership(ctx context.Context, collectionID id.CollectionID, entityName string, q *Query, restrictTo []id.ID) (MembershipDiff, error)

	// UpdateMembership applies one chunk of a membership diff atomically:
	// either all listed additions and removals are persisted or none.
	UpdateMembership(ctx context.Context, collectionID id.CollectionID, entityName string, add, remove []id.ID) error

	// AddJobPost persists a new job post and its facet value relations.
	AddJobPost(ctx context.Context, p *JobPost) error

	// GetJobPost retrieves a job post by ID. Returns
	// firelancer.ErrJobPostNotFound when missing.
	GetJobPost(ctx context.Context, postID id.JobPostID) (*JobPost, error)

	// UpdateJobPost persists changes to a job post, replacing its facet
	// value relations.
	UpdateJobPost(ctx context.Context, p *JobPost) error
}
