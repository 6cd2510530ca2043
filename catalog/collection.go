package catalog

import (
	firelancer "github.com/MohamedSaeedBekhit/firelancer"
	"github.com/MohamedSaeedBekhit/firelancer/id"
)

// RootCollectionSlug is the slug of the lazily created root collection.
const RootCollectionSlug = "default-collection"

// OperationArg is a single named argument of a configurable operation.
type OperationArg struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ConfigurableOperation is a filter invocation stored on a collection: the
// code of a registered Filter plus its argument values.
type ConfigurableOperation struct {
	Code string         `json:"code"`
	Args []OperationArg `json:"args"`
}

// Arg returns the value of the named argument and whether it was present.
func (op ConfigurableOperation) Arg(name string) (string, bool) {
	for _, a := range op.Args {
		if a.Name == name {
			return a.Value, true
		}
	}

	return "", false
}

// Collection is a node in the collection tree. Its membership is derived
// from its effective filters, never assigned directly.
type Collection struct {
	firelancer.Entity

	ID          id.CollectionID `json:"id"`
	Name        string          `json:"name"`
	Slug        string          `json:"slug"`
	Description string          `json:"description,omitempty"`
	IsRoot      bool            `json:"is_root"`
	IsPrivate   bool            `json:"is_private"`
	// Position orders the collection among its siblings.
	Position int `json:"position"`
	// ParentID is nil only for the root collection.
	ParentID id.CollectionID `json:"parent_id,omitempty"`
	// InheritFilters prepends the ancestors' filters to this collection's
	// own when computing membership.
	InheritFilters bool                    `json:"inherit_filters"`
	Filters        []ConfigurableOperation `json:"filters"`
}

// JobPost is the collectable catalog entity. Posts join collections
// through facet value filters.
type JobPost struct {
	firelancer.Entity

	ID      id.JobPostID `json:"id"`
	Title   string       `json:"title"`
	Enabled bool         `json:"enabled"`
	// FacetValues are the classification values the post carries.
	FacetValues []id.FacetValueID `json:"facet_values"`
}

// FacetValueIDs implements FacetValueCarrier.
func (p *JobPost) FacetValueIDs() []id.FacetValueID { return p.FacetValues }

// FacetValueCarrier is implemented by entities that can be matched by the
// facet value filter.
type FacetValueCarrier interface {
	FacetValueIDs() []id.FacetValueID
}

// Breadcrumb is one step in a collection's path from the root.
type Breadcrumb struct {
	ID   id.CollectionID `json:"id"`
	Name string          `json:"name"`
	Slug string          `json:"slug"`
}
