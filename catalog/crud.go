package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	firelancer "github.com/MohamedSaeedBekhit/firelancer"
	"github.com/MohamedSaeedBekhit/firelancer/id"
)

// CreateCollectionInput describes a new collection. A nil ParentID places
// it under the root.
type CreateCollectionInput struct {
	Name           string
	Slug           string
	Description    string
	IsPrivate      bool
	ParentID       id.CollectionID
	InheritFilters *bool
	Filters        []ConfigurableOperation
}

// UpdateCollectionInput patches a collection. Nil fields are left
// untouched.
type UpdateCollectionInput struct {
	ID             id.CollectionID
	Name           *string
	Slug           *string
	Description    *string
	IsPrivate      *bool
	InheritFilters *bool
	Filters        *[]ConfigurableOperation
}

// MoveCollectionInput re-parents a collection and places it at the given
// index among the new parent's children.
type MoveCollectionInput struct {
	CollectionID id.CollectionID
	ParentID     id.CollectionID
	Index        int
}

// GetRootCollection returns the root collection, creating it on first
// access.
func (s *Service) GetRootCollection(ctx context.Context) (*Collection, error) {
	return s.root.get(ctx, func(ctx context.Context) (*Collection, error) {
		existing, err := s.store.GetRootCollection(ctx)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, firelancer.ErrCollectionNotFound) {
			return nil, err
		}

		root := &Collection{
			Entity:         firelancer.NewEntity(),
			ID:             id.NewCollectionID(),
			Name:           "Root collection",
			Slug:           RootCollectionSlug,
			IsRoot:         true,
			Position:       0,
			InheritFilters: false,
			Filters:        nil,
		}
		if err := s.store.CreateCollection(ctx, root); err != nil {
			return nil, fmt.Errorf("catalog: create root collection: %w", err)
		}
		s.logger.Info("created root collection", slog.String("collection_id", root.ID.String()))

		return root, nil
	})
}

// GetCollection retrieves a collection by ID.
func (s *Service) GetCollection(ctx context.Context, collectionID id.CollectionID) (*Collection, error) {
	return s.store.GetCollection(ctx, collectionID)
}

// ListCollections returns all non-root collections ordered by position.
func (s *Service) ListCollections(ctx context.Context) ([]*Collection, error) {
	all, err := s.store.ListCollections(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*Collection, 0, len(all))
	for _, c := range all {
		if !c.IsRoot {
			out = append(out, c)
		}
	}

	return out, nil
}

// GetChildren returns a collection's direct children ordered by position.
func (s *Service) GetChildren(ctx context.Context, collectionID id.CollectionID) ([]*Collection, error) {
	return s.store.GetChildren(ctx, collectionID)
}

// GetAncestors returns the collection's ancestors from its parent up to,
// but excluding, the root.
func (s *Service) GetAncestors(ctx context.Context, collectionID id.CollectionID) ([]*Collection, error) {
	collection, err := s.store.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}

	var ancestors []*Collection
	current := collection
	for !current.ParentID.IsNil() {
		parent, err := s.store.GetCollection(ctx, current.ParentID)
		if err != nil {
			if errors.Is(err, firelancer.ErrCollectionNotFound) {
				break
			}

			return nil, err
		}
		if parent.IsRoot {
			break
		}
		ancestors = append(ancestors, parent)
		current = parent
	}

	return ancestors, nil
}

// GetDescendants returns the full subtree below a collection in
// breadth-first order.
func (s *Service) GetDescendants(ctx context.Context, collectionID id.CollectionID) ([]*Collection, error) {
	var descendants []*Collection
	frontier := []id.CollectionID{collectionID}
	for len(frontier) > 0 {
		next := frontier[:0:0]
		for _, parentID := range frontier {
			children, err := s.store.GetChildren(ctx, parentID)
			if err != nil {
				return nil, err
			}
			for _, child := range children {
				descendants = append(descendants, child)
				next = append(next, child.ID)
			}
		}
		frontier = next
	}

	return descendants, nil
}

// GetBreadcrumbs returns the path from the root to the collection,
// inclusive on both ends.
func (s *Service) GetBreadcrumbs(ctx context.Context, collectionID id.CollectionID) ([]Breadcrumb, error) {
	collection, err := s.store.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	root, err := s.GetRootCollection(ctx)
	if err != nil {
		return nil, err
	}

	ancestors, err := s.GetAncestors(ctx, collectionID)
	if err != nil {
		return nil, err
	}

	crumbs := make([]Breadcrumb, 0, len(ancestors)+2)
	crumbs = append(crumbs, Breadcrumb{ID: root.ID, Name: root.Name, Slug: root.Slug})
	for i := len(ancestors) - 1; i >= 0; i-- {
		a := ancestors[i]
		crumbs = append(crumbs, Breadcrumb{ID: a.ID, Name: a.Name, Slug: a.Slug})
	}
	if !collection.IsRoot {
		crumbs = append(crumbs, Breadcrumb{ID: collection.ID, Name: collection.Name, Slug: collection.Slug})
	}

	return crumbs, nil
}

// GetNextPositionInParent returns the position a new child of the parent
// should take: one past the current maximum, or zero for the first child.
func (s *Service) GetNextPositionInParent(ctx context.Context, parentID id.CollectionID) (int, error) {
	maxPos, ok, err := s.store.MaxPosition(ctx, parentID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}

	return maxPos + 1, nil
}

// CreateCollection validates the input, persists the collection at the
// next position under its parent and triggers re-indexing for it.
func (s *Service) CreateCollection(ctx context.Context, rctx firelancer.RequestContext, input CreateCollectionInput) (*Collection, error) {
	if err := s.filters.Validate(input.Filters); err != nil {
		return nil, err
	}

	parentID := input.ParentID
	if parentID.IsNil() {
		root, err := s.GetRootCollection(ctx)
		if err != nil {
			return nil, err
		}
		parentID = root.ID
	} else if _, err := s.store.GetCollection(ctx, parentID); err != nil {
		return nil, err
	}

	position, err := s.GetNextPositionInParent(ctx, parentID)
	if err != nil {
		return nil, err
	}

	inherit := true
	if input.InheritFilters != nil {
		inherit = *input.InheritFilters
	}

	collection := &Collection{
		Entity:         firelancer.NewEntity(),
		ID:             id.NewCollectionID(),
		Name:           input.Name,
		Slug:           input.Slug,
		Description:    input.Description,
		IsPrivate:      input.IsPrivate,
		Position:       position,
		ParentID:       parentID,
		InheritFilters: inherit,
		Filters:        input.Filters,
	}
	if err := s.store.CreateCollection(ctx, collection); err != nil {
		return nil, err
	}

	s.bus.Publish(CollectionEvent{Ctx: rctx, Collection: collection, Type: EntityCreated})
	if err := s.TriggerApplyFilters(ctx, rctx, collection.ID); err != nil {
		s.logger.Error("failed to trigger re-index for new collection",
			slog.String("collection_id", collection.ID.String()),
			slog.Any("error", err))
	}

	return collection, nil
}

// UpdateCollection applies the patch and triggers re-indexing for the
// collection and its descendants, since inherited filters may have
// changed for the whole subtree.
func (s *Service) UpdateCollection(ctx context.Context, rctx firelancer.RequestContext, input UpdateCollectionInput) (*Collection, error) {
	collection, err := s.store.GetCollection(ctx, input.ID)
	if err != nil {
		return nil, err
	}

	if input.Name != nil {
		collection.Name = *input.Name
	}
	if input.Slug != nil {
		collection.Slug = *input.Slug
	}
	if input.Description != nil {
		collection.Description = *input.Description
	}
	if input.IsPrivate != nil {
		collection.IsPrivate = *input.IsPrivate
	}
	filtersChanged := input.InheritFilters != nil || input.Filters != nil
	if input.InheritFilters != nil {
		collection.InheritFilters = *input.InheritFilters
	}
	if input.Filters != nil {
		if err := s.filters.Validate(*input.Filters); err != nil {
			return nil, err
		}
		collection.Filters = *input.Filters
	}

	if err := s.store.UpdateCollection(ctx, collection); err != nil {
		return nil, err
	}
	if collection.IsRoot {
		s.root.invalidate()
	}

	s.bus.Publish(CollectionEvent{Ctx: rctx, Collection: collection, Type: EntityUpdated})

	// Membership can only change when the filter configuration changed;
	// a metadata-only patch announces the collection as modified, carrying
	// its current membership.
	if !filtersChanged {
		for _, collectable := range s.collectables.All() {
			members, err := s.store.MemberIDs(ctx, collection.ID, collectable.Name)
			if err != nil {
				s.logger.Error("failed to load members for modification event",
					slog.String("collection_id", collection.ID.String()),
					slog.String("entity", collectable.Name),
					slog.Any("error", err))

				continue
			}
			if len(members) == 0 {
				s.bus.Publish(CollectionModificationEvent{
					Ctx:          rctx,
					CollectionID: collection.ID,
					EntityName:   collectable.Name,
				})

				continue
			}
			s.publishModificationEvents(rctx, collection.ID, collectable.Name, members)
		}

		return collection, nil
	}

	targets := []id.CollectionID{collection.ID}
	descendants, err := s.GetDescendants(ctx, collection.ID)
	if err != nil {
		return nil, err
	}
	for _, d := range descendants {
		targets = append(targets, d.ID)
	}
	if err := s.TriggerApplyFilters(ctx, rctx, targets...); err != nil {
		s.logger.Error("failed to trigger re-index for updated collection",
			slog.String("collection_id", collection.ID.String()),
			slog.Any("error", err))
	}

	return collection, nil
}

// DeleteCollection removes the collection and its whole subtree, deepest
// first so no child ever outlives its parent. Deletion is synchronous:
// each collection's membership is disassociated in bounded batches and
// announced through modification events before the row is deleted, then a
// deleted event is published per collection.
func (s *Service) DeleteCollection(ctx context.Context, rctx firelancer.RequestContext, collectionID id.CollectionID) error {
	collection, err := s.store.GetCollection(ctx, collectionID)
	if err != nil {
		return err
	}
	if collection.IsRoot {
		return errors.New("catalog: cannot delete the root collection")
	}

	descendants, err := s.GetDescendants(ctx, collectionID)
	if err != nil {
		return err
	}

	// Descendants arrive in breadth-first order; reversing yields
	// deepest-first.
	toDelete := make([]*Collection, 0, len(descendants)+1)
	for i := len(descendants) - 1; i >= 0; i-- {
		toDelete = append(toDelete, descendants[i])
	}
	toDelete = append(toDelete, collection)

	for _, c := range toDelete {
		if err := s.disassociateMembers(ctx, rctx, c.ID); err != nil {
			return err
		}
		if err := s.store.DeleteCollection(ctx, c.ID); err != nil {
			return fmt.Errorf("catalog: delete collection %s: %w", c.ID, err)
		}
		s.bus.Publish(CollectionEvent{Ctx: rctx, Collection: c, Type: EntityDeleted})
	}

	return nil
}

// disassociateMembers removes a collection's membership in bounded batches
// and announces the affected entities, for every collectable entity type.
func (s *Service) disassociateMembers(ctx context.Context, rctx firelancer.RequestContext, collectionID id.CollectionID) error {
	for _, collectable := range s.collectables.All() {
		members, err := s.store.MemberIDs(ctx, collectionID, collectable.Name)
		if err != nil {
			return fmt.Errorf("catalog: load members of %s: %w", collectionID, err)
		}
		if len(members) == 0 {
			continue
		}
		for chunk := range chunks(members, deleteChunkSize) {
			if err := s.store.UpdateMembership(ctx, collectionID, collectable.Name, nil, chunk); err != nil {
				return fmt.Errorf("catalog: disassociate members of %s: %w", collectionID, err)
			}
		}
		s.publishModificationEvents(rctx, collectionID, collectable.Name, members)
	}

	return nil
}

// MoveCollection re-parents a collection and renumbers the affected
// siblings. Moving a collection into itself or one of its descendants is
// rejected.
func (s *Service) MoveCollection(ctx context.Context, rctx firelancer.RequestContext, input MoveCollectionInput) (*Collection, error) {
	collection, err := s.store.GetCollection(ctx, input.CollectionID)
	if err != nil {
		return nil, err
	}
	if collection.IsRoot {
		return nil, errors.New("catalog: cannot move the root collection")
	}

	if input.CollectionID == input.ParentID {
		return nil, firelancer.ErrCannotMoveIntoSelf
	}
	descendants, err := s.GetDescendants(ctx, input.CollectionID)
	if err != nil {
		return nil, err
	}
	for _, d := range descendants {
		if d.ID == input.ParentID {
			return nil, firelancer.ErrCannotMoveIntoSelf
		}
	}

	if _, err := s.store.GetCollection(ctx, input.ParentID); err != nil {
		return nil, err
	}

	siblings, err := s.store.GetChildren(ctx, input.ParentID)
	if err != nil {
		return nil, err
	}

	// Remove the collection from its current position in the target
	// sibling list (it may already live there), then re-insert at index.
	filtered := make([]*Collection, 0, len(siblings)+1)
	for _, sib := range siblings {
		if sib.ID != collection.ID {
			filtered = append(filtered, sib)
		}
	}
	index := input.Index
	if index < 0 {
		index = 0
	}
	if index > len(filtered) {
		index = len(filtered)
	}

	collection.ParentID = input.ParentID
	reordered := make([]*Collection, 0, len(filtered)+1)
	reordered = append(reordered, filtered[:index]...)
	reordered = append(reordered, collection)
	reordered = append(reordered, filtered[index:]...)

	changed := make([]*Collection, 0, len(reordered))
	for pos, sib := range reordered {
		if sib.Position != pos || sib.ID == collection.ID {
			sib.Position = pos
			changed = append(changed, sib)
		}
	}
	sort.SliceStable(changed, func(i, j int) bool { return changed[i].Position < changed[j].Position })

	if err := s.store.UpdateCollections(ctx, changed); err != nil {
		return nil, err
	}

	s.bus.Publish(CollectionEvent{Ctx: rctx, Collection: collection, Type: EntityUpdated})

	targets := []id.CollectionID{collection.ID}
	for _, d := range descendants {
		targets = append(targets, d.ID)
	}
	if err := s.TriggerApplyFilters(ctx, rctx, targets...); err != nil {
		s.logger.Error("failed to trigger re-index for moved collection",
			slog.String("collection_id", collection.ID.String()),
			slog.Any("error", err))
	}

	return collection, nil
}

// CreateJobPost persists a post and publishes the created event feeding
// the re-indexing bridge.
func (s *Service) CreateJobPost(ctx context.Context, rctx firelancer.RequestContext, post *JobPost) error {
	if err := s.store.AddJobPost(ctx, post); err != nil {
		return err
	}
	s.bus.Publish(JobPostEvent{Ctx: rctx, JobPostID: post.ID, Type: EntityCreated})

	return nil
}

// UpdateJobPost persists post changes and publishes the updated event.
func (s *Service) UpdateJobPost(ctx context.Context, rctx firelancer.RequestContext, post *JobPost) error {
	if err := s.store.UpdateJobPost(ctx, post); err != nil {
		return err
	}
	s.bus.Publish(JobPostEvent{Ctx: rctx, JobPostID: post.ID, Type: EntityUpdated})

	return nil
}

// CollectionMembers returns the current member IDs of a collection for
// the named entity type.
func (s *Service) CollectionMembers(ctx context.Context, collectionID id.CollectionID, entityName string) ([]id.ID, error) {
	return s.store.MemberIDs(ctx, collectionID, entityName)
}
