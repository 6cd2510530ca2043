package bunstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	firelancer "github.com/MohamedSaeedBekhit/firelancer"
	"github.com/MohamedSaeedBekhit/firelancer/catalog"
	"github.com/MohamedSaeedBekhit/firelancer/id"
)

type collectionModel struct {
	bun.BaseModel `bun:"table:firelancer_collections"`

	ID             string    `bun:"id,pk"`
	Name           string    `bun:"name,notnull"`
	Slug           string    `bun:"slug,notnull"`
	Description    string    `bun:"description"`
	IsRoot         bool      `bun:"is_root,notnull,default:false"`
	IsPrivate      bool      `bun:"is_private,notnull,default:false"`
	Position       int       `bun:"position,notnull,default:0"`
	ParentID       *string   `bun:"parent_id"`
	InheritFilters bool      `bun:"inherit_filters,notnull,default:true"`
	Filters        []byte    `bun:"filters,type:jsonb"`
	CreatedAt      time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt      time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

func toCollectionModel(c *catalog.Collection) (*collectionModel, error) {
	filters, err := json.Marshal(c.Filters)
	if err != nil {
		return nil, fmt.Errorf("firelancer/bun: marshal collection filters: %w", err)
	}

	m := &collectionModel{
		ID:             c.ID.String(),
		Name:           c.Name,
		Slug:           c.Slug,
		Description:    c.Description,
		IsRoot:         c.IsRoot,
		IsPrivate:      c.IsPrivate,
		Position:       c.Position,
		InheritFilters: c.InheritFilters,
		Filters:        filters,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
	if !c.ParentID.IsNil() {
		parent := c.ParentID.String()
		m.ParentID = &parent
	}
	return m, nil
}

func fromCollectionModel(m *collectionModel) (*catalog.Collection, error) {
	parsedID, err := id.ParseCollectionID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("firelancer/bun: parse collection id %q: %w", m.ID, err)
	}

	c := &catalog.Collection{
		Entity: firelancer.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             parsedID,
		Name:           m.Name,
		Slug:           m.Slug,
		Description:    m.Description,
		IsRoot:         m.IsRoot,
		IsPrivate:      m.IsPrivate,
		Position:       m.Position,
		InheritFilters: m.InheritFilters,
	}

	if m.ParentID != nil && *m.ParentID != "" {
		parsedParent, pErr := id.ParseCollectionID(*m.ParentID)
		if pErr != nil {
			return nil, fmt.Errorf("firelancer/bun: parse parent id %q: %w", *m.ParentID, pErr)
		}
		c.ParentID = parsedParent
	}

	if len(m.Filters) > 0 {
		if uErr := json.Unmarshal(m.Filters, &c.Filters); uErr != nil {
			return nil, fmt.Errorf("firelancer/bun: unmarshal collection filters: %w", uErr)
		}
	}

	return c, nil
}

type jobPostModel struct {
	bun.BaseModel `bun:"table:firelancer_job_posts"`

	ID        string    `bun:"id,pk"`
	Title     string    `bun:"title,notnull"`
	Enabled   bool      `bun:"enabled,notnull,default:true"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

type postFacetValueModel struct {
	bun.BaseModel `bun:"table:firelancer_job_post_facet_values"`

	JobPostID    string `bun:"job_post_id,pk"`
	FacetValueID string `bun:"facet_value_id,pk"`
}

type membershipModel struct {
	bun.BaseModel `bun:"table:firelancer_collection_job_posts"`

	CollectionID string `bun:"collection_id,pk"`
	JobPostID    string `bun:"job_post_id,pk"`
}

func toJobPostModel(p *catalog.JobPost) *jobPostModel {
	return &jobPostModel{
		ID:        p.ID.String(),
		Title:     p.Title,
		Enabled:   p.Enabled,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func fromJobPostModel(m *jobPostModel, facetValues []id.FacetValueID) (*catalog.JobPost, error) {
	parsedID, err := id.ParseJobPostID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("firelancer/bun: parse job post id %q: %w", m.ID, err)
	}

	return &catalog.JobPost{
		Entity: firelancer.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:          parsedID,
		Title:       m.Title,
		Enabled:     m.Enabled,
		FacetValues: facetValues,
	}, nil
}
