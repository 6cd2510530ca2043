package bunstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"

	firelancer "github.com/MohamedSaeedBekhit/firelancer"
	"github.com/MohamedSaeedBekhit/firelancer/catalog"
	"github.com/MohamedSaeedBekhit/firelancer/id"
)

// checkEntityName rejects entity names without registered relation
// tables. Only job posts are collectable for now.
func checkEntityName(entityName string) error {
	if entityName != catalog.JobPostEntityName {
		return fmt.Errorf("entity %q: %w", entityName, firelancer.ErrUnknownEntity)
	}
	return nil
}

// CreateCollection implements catalog.Store.
func (s *Store) CreateCollection(ctx context.Context, c *catalog.Collection) error {
	m, err := toCollectionModel(c)
	if err != nil {
		return err
	}
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		return fmt.Errorf("firelancer/bun: create collection: %w", err)
	}
	return nil
}

// GetCollection implements catalog.Store.
func (s *Store) GetCollection(ctx context.Context, collectionID id.CollectionID) (*catalog.Collection, error) {
	m := new(collectionModel)
	err := s.db.NewSelect().Model(m).Where("id = ?", collectionID.String()).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("collection %s: %w", collectionID, firelancer.ErrCollectionNotFound)
		}
		return nil, fmt.Errorf("firelancer/bun: get collection: %w", err)
	}
	return fromCollectionModel(m)
}

// GetRootCollection implements catalog.Store.
func (s *Store) GetRootCollection(ctx context.Context) (*catalog.Collection, error) {
	m := new(collectionModel)
	err := s.db.NewSelect().Model(m).Where("is_root = TRUE").Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, firelancer.ErrCollectionNotFound
		}
		return nil, fmt.Errorf("firelancer/bun: get root collection: %w", err)
	}
	return fromCollectionModel(m)
}

// UpdateCollection implements catalog.Store.
func (s *Store) UpdateCollection(ctx context.Context, c *catalog.Collection) error {
	m, err := toCollectionModel(c)
	if err != nil {
		return err
	}

	res, err := s.db.NewUpdate().Model(m).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("firelancer/bun: update collection: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("collection %s: %w", c.ID, firelancer.ErrCollectionNotFound)
	}
	return nil
}

// UpdateCollections implements catalog.Store. All updates run in one
// transaction so a sibling reshuffle is never half applied.
func (s *Store) UpdateCollections(ctx context.Context, cs []*catalog.Collection) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, c := range cs {
			m, err := toCollectionModel(c)
			if err != nil {
				return err
			}
			res, err := tx.NewUpdate().Model(m).WherePK().Exec(ctx)
			if err != nil {
				return fmt.Errorf("firelancer/bun: update collection %s: %w", c.ID, err)
			}
			if affected, _ := res.RowsAffected(); affected == 0 {
				return fmt.Errorf("collection %s: %w", c.ID, firelancer.ErrCollectionNotFound)
			}
		}
		return nil
	})
}

// DeleteCollection implements catalog.Store. Membership rows go with the
// collection via ON DELETE CASCADE.
func (s *Store) DeleteCollection(ctx context.Context, collectionID id.CollectionID) error {
	res, err := s.db.NewDelete().
		Model((*collectionModel)(nil)).
		Where("id = ?", collectionID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("firelancer/bun: delete collection: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("collection %s: %w", collectionID, firelancer.ErrCollectionNotFound)
	}
	return nil
}

// ListCollections implements catalog.Store.
func (s *Store) ListCollections(ctx context.Context) ([]*catalog.Collection, error) {
	var models []collectionModel
	err := s.db.NewSelect().Model(&models).
		Order("position ASC", "created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("firelancer/bun: list collections: %w", err)
	}
	return fromCollectionModels(models)
}

// GetChildren implements catalog.Store.
func (s *Store) GetChildren(ctx context.Context, parentID id.CollectionID) ([]*catalog.Collection, error) {
	var models []collectionModel
	err := s.db.NewSelect().Model(&models).
		Where("parent_id = ?", parentID.String()).
		Order("position ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("firelancer/bun: get children: %w", err)
	}
	return fromCollectionModels(models)
}

// MaxPosition implements catalog.Store.
func (s *Store) MaxPosition(ctx context.Context, parentID id.CollectionID) (int, bool, error) {
	var maxPos sql.NullInt64
	err := s.db.NewSelect().
		Model((*collectionModel)(nil)).
		ColumnExpr("MAX(position)").
		Where("parent_id = ?", parentID.String()).
		Scan(ctx, &maxPos)
	if err != nil {
		return 0, false, fmt.Errorf("firelancer/bun: max position: %w", err)
	}
	if !maxPos.Valid {
		return 0, false, nil
	}
	return int(maxPos.Int64), true, nil
}

// MemberIDs implements catalog.Store.
func (s *Store) MemberIDs(ctx context.Context, collectionID id.CollectionID, entityName string) ([]id.ID, error) {
	if err := checkEntityName(entityName); err != nil {
		return nil, err
	}

	var rawIDs []string
	err := s.db.NewSelect().
		Model((*membershipModel)(nil)).
		Column("job_post_id").
		Where("collection_id = ?", collectionID.String()).
		Order("job_post_id ASC").
		Scan(ctx, &rawIDs)
	if err != nil {
		return nil, fmt.Errorf("firelancer/bun: member ids: %w", err)
	}
	return parseIDs(rawIDs)
}

// DiffMembership implements catalog.Store. Both directions of the set
// difference are computed in SQL: entities matching the filter query that
// are not yet members, and members no longer matching it.
func (s *Store) DiffMembership(ctx context.Context, collectionID id.CollectionID, entityName string, q *catalog.Query, restrictTo []id.ID) (catalog.MembershipDiff, error) {
	if err := checkEntityName(entityName); err != nil {
		return catalog.MembershipDiff{}, err
	}

	frag, fragArgs := q.SQL("p")
	restrict := make([]string, 0, len(restrictTo))
	for _, entityID := range restrictTo {
		restrict = append(restrict, entityID.String())
	}

	addSQL := `
		SELECT p.id FROM firelancer_job_posts AS p
		WHERE (` + frag + `)
		  AND p.id NOT IN (
			SELECT job_post_id FROM firelancer_collection_job_posts
			WHERE collection_id = ?
		  )`
	addArgs := append(append([]any{}, fragArgs...), collectionID.String())
	if len(restrict) > 0 {
		addSQL += ` AND p.id IN (?)`
		addArgs = append(addArgs, bun.In(restrict))
	}
	addSQL += ` ORDER BY p.id ASC`

	removeSQL := `
		SELECT m.job_post_id FROM firelancer_collection_job_posts AS m
		WHERE m.collection_id = ?
		  AND m.job_post_id NOT IN (
			SELECT p.id FROM firelancer_job_posts AS p
			WHERE (` + frag + `)
		  )`
	removeArgs := append([]any{collectionID.String()}, fragArgs...)
	if len(restrict) > 0 {
		removeSQL += ` AND m.job_post_id IN (?)`
		removeArgs = append(removeArgs, bun.In(restrict))
	}
	removeSQL += ` ORDER BY m.job_post_id ASC`

	var diff catalog.MembershipDiff

	var toAdd []string
	if err := s.db.NewRaw(addSQL, addArgs...).Scan(ctx, &toAdd); err != nil {
		return diff, fmt.Errorf("firelancer/bun: diff membership additions: %w", err)
	}
	var toRemove []string
	if err := s.db.NewRaw(removeSQL, removeArgs...).Scan(ctx, &toRemove); err != nil {
		return diff, fmt.Errorf("firelancer/bun: diff membership removals: %w", err)
	}

	var err error
	if diff.ToAdd, err = parseIDs(toAdd); err != nil {
		return catalog.MembershipDiff{}, err
	}
	if diff.ToRemove, err = parseIDs(toRemove); err != nil {
		return catalog.MembershipDiff{}, err
	}
	return diff, nil
}

// UpdateMembership implements catalog.Store. The chunk is applied in one
// transaction: either all listed changes land or none.
func (s *Store) UpdateMembership(ctx context.Context, collectionID id.CollectionID, entityName string, add, remove []id.ID) error {
	if err := checkEntityName(entityName); err != nil {
		return err
	}
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if len(add) > 0 {
			rows := make([]membershipModel, 0, len(add))
			for _, entityID := range add {
				rows = append(rows, membershipModel{
					CollectionID: collectionID.String(),
					JobPostID:    entityID.String(),
				})
			}
			_, err := tx.NewInsert().Model(&rows).
				On("CONFLICT DO NOTHING").
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("firelancer/bun: add members: %w", err)
			}
		}

		if len(remove) > 0 {
			removeIDs := make([]string, 0, len(remove))
			for _, entityID := range remove {
				removeIDs = append(removeIDs, entityID.String())
			}
			_, err := tx.NewDelete().
				Model((*membershipModel)(nil)).
				Where("collection_id = ?", collectionID.String()).
				Where("job_post_id IN (?)", bun.In(removeIDs)).
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("firelancer/bun: remove members: %w", err)
			}
		}

		return nil
	})
}

// AddJobPost implements catalog.Store.
func (s *Store) AddJobPost(ctx context.Context, p *catalog.JobPost) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(toJobPostModel(p)).Exec(ctx); err != nil {
			return fmt.Errorf("firelancer/bun: add job post: %w", err)
		}
		return insertFacetValues(ctx, tx, p)
	})
}

// GetJobPost implements catalog.Store.
func (s *Store) GetJobPost(ctx context.Context, postID id.JobPostID) (*catalog.JobPost, error) {
	m := new(jobPostModel)
	err := s.db.NewSelect().Model(m).Where("id = ?", postID.String()).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job post %s: %w", postID, firelancer.ErrJobPostNotFound)
		}
		return nil, fmt.Errorf("firelancer/bun: get job post: %w", err)
	}

	var rawValues []string
	err = s.db.NewSelect().
		Model((*postFacetValueModel)(nil)).
		Column("facet_value_id").
		Where("job_post_id = ?", postID.String()).
		Order("facet_value_id ASC").
		Scan(ctx, &rawValues)
	if err != nil {
		return nil, fmt.Errorf("firelancer/bun: get job post facet values: %w", err)
	}

	facetValues := make([]id.FacetValueID, 0, len(rawValues))
	for _, raw := range rawValues {
		parsed, pErr := id.ParseFacetValueID(raw)
		if pErr != nil {
			return nil, fmt.Errorf("firelancer/bun: parse facet value id %q: %w", raw, pErr)
		}
		facetValues = append(facetValues, parsed)
	}

	return fromJobPostModel(m, facetValues)
}

// UpdateJobPost implements catalog.Store, replacing the post's facet
// value relations.
func (s *Store) UpdateJobPost(ctx context.Context, p *catalog.JobPost) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().Model(toJobPostModel(p)).WherePK().Exec(ctx)
		if err != nil {
			return fmt.Errorf("firelancer/bun: update job post: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return fmt.Errorf("job post %s: %w", p.ID, firelancer.ErrJobPostNotFound)
		}

		if _, err := tx.NewDelete().
			Model((*postFacetValueModel)(nil)).
			Where("job_post_id = ?", p.ID.String()).
			Exec(ctx); err != nil {
			return fmt.Errorf("firelancer/bun: clear job post facet values: %w", err)
		}
		return insertFacetValues(ctx, tx, p)
	})
}

func insertFacetValues(ctx context.Context, tx bun.Tx, p *catalog.JobPost) error {
	if len(p.FacetValues) == 0 {
		return nil
	}

	rows := make([]postFacetValueModel, 0, len(p.FacetValues))
	for _, fv := range p.FacetValues {
		rows = append(rows, postFacetValueModel{
			JobPostID:    p.ID.String(),
			FacetValueID: fv.String(),
		})
	}
	if _, err := tx.NewInsert().Model(&rows).On("CONFLICT DO NOTHING").Exec(ctx); err != nil {
		return fmt.Errorf("firelancer/bun: insert job post facet values: %w", err)
	}
	return nil
}

func fromCollectionModels(models []collectionModel) ([]*catalog.Collection, error) {
	out := make([]*catalog.Collection, 0, len(models))
	for i := range models {
		c, err := fromCollectionModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func parseIDs(raw []string) ([]id.ID, error) {
	out := make([]id.ID, 0, len(raw))
	for _, s := range raw {
		parsed, err := id.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("firelancer/bun: parse id %q: %w", s, err)
		}
		out = append(out, parsed)
	}
	return out, nil
}
