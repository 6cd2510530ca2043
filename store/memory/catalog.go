package memory

import (
	"context"
	"fmt"
	"slices"

	firelancer "github.com/MohamedSaeedBekhit/firelancer"
	"github.com/MohamedSaeedBekhit/firelancer/catalog"
	"github.com/MohamedSaeedBekhit/firelancer/id"
)

var _ catalog.Store = (*Store)(nil)

// CreateCollection implements catalog.Store.
func (s *Store) CreateCollection(_ context.Context, c *catalog.Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := c.ID.String()
	if _, exists := s.collections[key]; exists {
		return fmt.Errorf("collection %s already exists", c.ID)
	}
	s.collections[key] = copyCollection(c)
	s.collectionOrder = append(s.collectionOrder, key)

	return nil
}

// GetCollection implements catalog.Store.
func (s *Store) GetCollection(_ context.Context, collectionID id.CollectionID) (*catalog.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[collectionID.String()]
	if !ok {
		return nil, fmt.Errorf("collection %s: %w", collectionID, firelancer.ErrCollectionNotFound)
	}

	return copyCollection(c), nil
}

// GetRootCollection implements catalog.Store.
func (s *Store) GetRootCollection(_ context.Context) (*catalog.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, key := range s.collectionOrder {
		if c := s.collections[key]; c != nil && c.IsRoot {
			return copyCollection(c), nil
		}
	}

	return nil, firelancer.ErrCollectionNotFound
}

// UpdateCollection implements catalog.Store.
func (s *Store) UpdateCollection(_ context.Context, c *catalog.Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateCollectionLocked(c)
}

// UpdateCollections implements catalog.Store. All updates are applied
// under one lock acquisition, so readers never observe a partial shuffle.
func (s *Store) UpdateCollections(_ context.Context, cs []*catalog.Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range cs {
		if _, ok := s.collections[c.ID.String()]; !ok {
			return fmt.Errorf("collection %s: %w", c.ID, firelancer.ErrCollectionNotFound)
		}
	}
	for _, c := range cs {
		if err := s.updateCollectionLocked(c); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) updateCollectionLocked(c *catalog.Collection) error {
	key := c.ID.String()
	if _, ok := s.collections[key]; !ok {
		return fmt.Errorf("collection %s: %w", c.ID, firelancer.ErrCollectionNotFound)
	}
	s.collections[key] = copyCollection(c)

	return nil
}

// DeleteCollection implements catalog.Store.
func (s *Store) DeleteCollection(_ context.Context, collectionID id.CollectionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := collectionID.String()
	if _, ok := s.collections[key]; !ok {
		return fmt.Errorf("collection %s: %w", collectionID, firelancer.ErrCollectionNotFound)
	}
	delete(s.collections, key)
	delete(s.membership, key)
	s.collectionOrder = slices.DeleteFunc(s.collectionOrder, func(k string) bool { return k == key })

	return nil
}

// ListCollections implements catalog.Store.
func (s *Store) ListCollections(_ context.Context) ([]*catalog.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*catalog.Collection, 0, len(s.collectionOrder))
	for _, key := range s.collectionOrder {
		out = append(out, copyCollection(s.collections[key]))
	}
	slices.SortStableFunc(out, func(a, b *catalog.Collection) int { return a.Position - b.Position })

	return out, nil
}

// GetChildren implements catalog.Store.
func (s *Store) GetChildren(_ context.Context, parentID id.CollectionID) ([]*catalog.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*catalog.Collection
	for _, key := range s.collectionOrder {
		c := s.collections[key]
		if c.ParentID == parentID {
			out = append(out, copyCollection(c))
		}
	}
	slices.SortStableFunc(out, func(a, b *catalog.Collection) int { return a.Position - b.Position })

	return out, nil
}

// MaxPosition implements catalog.Store.
func (s *Store) MaxPosition(_ context.Context, parentID id.CollectionID) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	maxPos := 0
	found := false
	for _, c := range s.collections {
		if c.ParentID != parentID {
			continue
		}
		if !found || c.Position > maxPos {
			maxPos = c.Position
		}
		found = true
	}

	return maxPos, found, nil
}

// MemberIDs implements catalog.Store.
func (s *Store) MemberIDs(_ context.Context, collectionID id.CollectionID, entityName string) ([]id.ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.membership[collectionID.String()][entityName]
	out := make([]id.ID, 0, len(members))
	for key := range members {
		parsed, err := id.Parse(key)
		if err != nil {
			return nil, err
		}
		out = append(out, parsed)
	}
	slices.SortFunc(out, func(a, b id.ID) int {
		switch {
		case a.String() < b.String():
			return -1
		case a.String() > b.String():
			return 1
		default:
			return 0
		}
	})

	return out, nil
}

// DiffMembership implements catalog.Store by evaluating the query against
// every entity in memory, the moral equivalent of the SQL set difference
// a relational store computes.
func (s *Store) DiffMembership(_ context.Context, collectionID id.CollectionID, entityName string, q *catalog.Query, restrictTo []id.ID) (catalog.MembershipDiff, error) {
	if entityName != catalog.JobPostEntityName {
		return catalog.MembershipDiff{}, fmt.Errorf("entity %q: %w", entityName, firelancer.ErrUnknownEntity)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	restricted := make(map[string]struct{}, len(restrictTo))
	for _, entityID := range restrictTo {
		restricted[entityID.String()] = struct{}{}
	}
	inScope := func(key string) bool {
		if len(restricted) == 0 {
			return true
		}
		_, ok := restricted[key]

		return ok
	}

	members := s.membership[collectionID.String()][entityName]

	var diff catalog.MembershipDiff
	for _, key := range s.postOrder {
		if !inScope(key) {
			continue
		}
		post := s.posts[key]
		_, isMember := members[key]
		matches := q.Matches(post)
		switch {
		case matches && !isMember:
			diff.ToAdd = append(diff.ToAdd, post.ID)
		case !matches && isMember:
			diff.ToRemove = append(diff.ToRemove, post.ID)
		}
	}

	// Members whose entity no longer exists also fall out of the set.
	for key := range members {
		if !inScope(key) {
			continue
		}
		if _, exists := s.posts[key]; !exists {
			parsed, err := id.Parse(key)
			if err != nil {
				return catalog.MembershipDiff{}, err
			}
			diff.ToRemove = append(diff.ToRemove, parsed)
		}
	}

	return diff, nil
}

// UpdateMembership implements catalog.Store. The chunk is applied under
// one lock acquisition: all of it or none of it becomes visible.
func (s *Store) UpdateMembership(_ context.Context, collectionID id.CollectionID, entityName string, add, remove []id.ID) error {
	if entityName != catalog.JobPostEntityName {
		return fmt.Errorf("entity %q: %w", entityName, firelancer.ErrUnknownEntity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	collKey := collectionID.String()
	if _, ok := s.collections[collKey]; !ok {
		return fmt.Errorf("collection %s: %w", collectionID, firelancer.ErrCollectionNotFound)
	}

	byEntity := s.membership[collKey]
	if byEntity == nil {
		byEntity = make(map[string]map[string]struct{})
		s.membership[collKey] = byEntity
	}
	members := byEntity[entityName]
	if members == nil {
		members = make(map[string]struct{})
		byEntity[entityName] = members
	}

	for _, entityID := range add {
		members[entityID.String()] = struct{}{}
	}
	for _, entityID := range remove {
		delete(members, entityID.String())
	}

	return nil
}

// AddJobPost implements catalog.Store.
func (s *Store) AddJobPost(_ context.Context, p *catalog.JobPost) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := p.ID.String()
	if _, exists := s.posts[key]; exists {
		return fmt.Errorf("job post %s already exists", p.ID)
	}
	s.posts[key] = copyPost(p)
	s.postOrder = append(s.postOrder, key)

	return nil
}

// GetJobPost implements catalog.Store.
func (s *Store) GetJobPost(_ context.Context, postID id.JobPostID) (*catalog.JobPost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.posts[postID.String()]
	if !ok {
		return nil, fmt.Errorf("job post %s: %w", postID, firelancer.ErrJobPostNotFound)
	}

	return copyPost(p), nil
}

// UpdateJobPost implements catalog.Store.
func (s *Store) UpdateJobPost(_ context.Context, p *catalog.JobPost) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := p.ID.String()
	if _, ok := s.posts[key]; !ok {
		return fmt.Errorf("job post %s: %w", p.ID, firelancer.ErrJobPostNotFound)
	}
	s.posts[key] = copyPost(p)

	return nil
}
