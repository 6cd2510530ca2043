package catalog_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	firelancer "github.com/MohamedSaeedBekhit/firelancer"
	"github.com/MohamedSaeedBekhit/firelancer/buffer"
	"github.com/MohamedSaeedBekhit/firelancer/catalog"
	"github.com/MohamedSaeedBekhit/firelancer/event"
	"github.com/MohamedSaeedBekhit/firelancer/id"
	"github.com/MohamedSaeedBekhit/firelancer/job"
	"github.com/MohamedSaeedBekhit/firelancer/queue"
	"github.com/MohamedSaeedBekhit/firelancer/store/memory"
)

type env struct {
	store   *memory.Store
	bus     *event.Bus
	buffers *buffer.Service
	queues  *queue.Service
	svc     *catalog.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()

	return newEnvWithStore(t, memory.New(), nil)
}

// newEnvWithStore lets tests substitute the catalog store while keeping
// jobs and buffers on the plain memory store.
func newEnvWithStore(t *testing.T, store *memory.Store, catalogStore catalog.Store) *env {
	t.Helper()

	return newEnvFull(t, store, catalogStore, nil)
}

func newEnvFull(t *testing.T, store *memory.Store, catalogStore catalog.Store, collectables *catalog.CollectableRegistry) *env {
	t.Helper()

	cfg := firelancer.DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.ShutdownTimeout = 5 * time.Second

	bus := event.NewBus(nil)
	buffers := buffer.NewService(store, store, nil)
	queues := queue.NewService(cfg, store, buffers, nil)

	if catalogStore == nil {
		catalogStore = store
	}
	svc := catalog.NewService(catalogStore, queues, bus, nil, collectables, nil)

	ctx := context.Background()
	if err := svc.Init(ctx); err != nil {
		t.Fatalf("init catalog service: %v", err)
	}
	if err := queues.Start(ctx); err != nil {
		t.Fatalf("start queue service: %v", err)
	}
	t.Cleanup(func() {
		if err := queues.Stop(context.Background()); err != nil {
			t.Logf("stop queue service: %v", err)
		}
		svc.Close()
		bus.Close()
	})

	return &env{store: store, bus: bus, buffers: buffers, queues: queues, svc: svc}
}

func facetOp(t *testing.T, containsAny bool, facetValues ...id.FacetValueID) catalog.ConfigurableOperation {
	t.Helper()

	strs := make([]string, 0, len(facetValues))
	for _, fv := range facetValues {
		strs = append(strs, fv.String())
	}
	raw, err := json.Marshal(strs)
	if err != nil {
		t.Fatalf("marshal facet value ids: %v", err)
	}

	args := []catalog.OperationArg{{Name: "facetValueIds", Value: string(raw)}}
	if containsAny {
		args = append(args, catalog.OperationArg{Name: "containsAny", Value: "true"})
	}

	return catalog.ConfigurableOperation{Code: "facet-value-filter", Args: args}
}

func addPost(t *testing.T, e *env, title string, facetValues ...id.FacetValueID) *catalog.JobPost {
	t.Helper()

	p := &catalog.JobPost{
		Entity:      firelancer.NewEntity(),
		ID:          id.NewJobPostID(),
		Title:       title,
		Enabled:     true,
		FacetValues: facetValues,
	}
	if err := e.svc.CreateJobPost(context.Background(), firelancer.RequestContext{}, p); err != nil {
		t.Fatalf("create post %s: %v", title, err)
	}
	return p
}

func createCollection(t *testing.T, e *env, input catalog.CreateCollectionInput) *catalog.Collection {
	t.Helper()

	c, err := e.svc.CreateCollection(context.Background(), firelancer.RequestContext{}, input)
	if err != nil {
		t.Fatalf("create collection %s: %v", input.Name, err)
	}
	return c
}

// waitForMembers flushes the buffered re-index queue until the collection
// holds exactly the wanted number of members.
func waitForMembers(t *testing.T, e *env, collectionID id.CollectionID, want int) []id.ID {
	t.Helper()

	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	var members []id.ID
	for time.Now().Before(deadline) {
		if err := e.queues.FlushBuffers(ctx); err != nil {
			t.Fatalf("flush buffers: %v", err)
		}
		var err error
		members, err = e.svc.CollectionMembers(ctx, collectionID, catalog.JobPostEntityName)
		if err != nil {
			t.Fatalf("collection members: %v", err)
		}
		if len(members) == want {
			return members
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d members, have %d", want, len(members))

	return nil
}

func memberSet(members []id.ID) map[string]struct{} {
	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		set[m.String()] = struct{}{}
	}
	return set
}

func TestInit_CreatesRootCollection(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	root, err := e.svc.GetRootCollection(context.Background())
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if !root.IsRoot {
		t.Fatal("expected root flag")
	}
	if root.Slug != catalog.RootCollectionSlug {
		t.Fatalf("expected slug %s, got %s", catalog.RootCollectionSlug, root.Slug)
	}
	if root.InheritFilters {
		t.Fatal("expected root to not inherit filters")
	}

	// Lazy creation happens once; a second call returns the same root.
	again, err := e.svc.GetRootCollection(context.Background())
	if err != nil {
		t.Fatalf("get root again: %v", err)
	}
	if again.ID != root.ID {
		t.Fatalf("expected stable root, got %s and %s", root.ID, again.ID)
	}
}

func TestCreateCollection_ValidatesFilters(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.CreateCollection(ctx, firelancer.RequestContext{}, catalog.CreateCollectionInput{
		Name: "bad",
		Slug: "bad",
		Filters: []catalog.ConfigurableOperation{{
			Code: "no-such-filter",
		}},
	})
	if !errors.Is(err, firelancer.ErrNoSuchFilter) {
		t.Fatalf("expected ErrNoSuchFilter, got: %v", err)
	}

	_, err = e.svc.CreateCollection(ctx, firelancer.RequestContext{}, catalog.CreateCollectionInput{
		Name: "missing-arg",
		Slug: "missing-arg",
		Filters: []catalog.ConfigurableOperation{{
			Code: "facet-value-filter",
		}},
	})
	if err == nil {
		t.Fatal("expected error for missing required argument")
	}
}

func TestReindex_FacetValueMembership(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	fvA := id.NewFacetValueID()
	fvB := id.NewFacetValueID()
	j1 := addPost(t, e, "j1", fvA)
	j2 := addPost(t, e, "j2", fvA, fvB)
	addPost(t, e, "j3", id.NewFacetValueID())

	// Any of [fvA]: j1 and j2 qualify.
	anyColl := createCollection(t, e, catalog.CreateCollectionInput{
		Name:    "any-a",
		Slug:    "any-a",
		Filters: []catalog.ConfigurableOperation{facetOp(t, true, fvA)},
	})
	members := waitForMembers(t, e, anyColl.ID, 2)
	set := memberSet(members)
	if _, ok := set[j1.ID.String()]; !ok {
		t.Fatalf("expected j1 in members, got %v", members)
	}
	if _, ok := set[j2.ID.String()]; !ok {
		t.Fatalf("expected j2 in members, got %v", members)
	}

	// All of [fvA, fvB]: only j2 qualifies.
	allColl := createCollection(t, e, catalog.CreateCollectionInput{
		Name:    "all-ab",
		Slug:    "all-ab",
		Filters: []catalog.ConfigurableOperation{facetOp(t, false, fvA, fvB)},
	})
	members = waitForMembers(t, e, allColl.ID, 1)
	if members[0] != j2.ID {
		t.Fatalf("expected only j2, got %v", members)
	}
}

func TestReindex_EmptyFiltersYieldNoMembers(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	addPost(t, e, "a-post", id.NewFacetValueID())

	inherit := false
	empty := createCollection(t, e, catalog.CreateCollectionInput{
		Name:           "empty",
		Slug:           "empty",
		InheritFilters: &inherit,
	})

	// Run the re-index, then verify nothing joined.
	if err := e.queues.FlushBuffers(context.Background()); err != nil {
		t.Fatalf("flush buffers: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	members, err := e.svc.CollectionMembers(context.Background(), empty.ID, catalog.JobPostEntityName)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected no members for filterless collection, got %v", members)
	}
}

func TestReindex_Idempotent(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	fv := id.NewFacetValueID()
	addPost(t, e, "p", fv)

	c := createCollection(t, e, catalog.CreateCollectionInput{
		Name:    "stable",
		Slug:    "stable",
		Filters: []catalog.ConfigurableOperation{facetOp(t, true, fv)},
	})
	first := waitForMembers(t, e, c.ID, 1)

	// Re-running the same re-index changes nothing.
	if err := e.svc.TriggerApplyFilters(ctx, firelancer.RequestContext{}, c.ID); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	second := waitForMembers(t, e, c.ID, 1)
	if first[0] != second[0] {
		t.Fatalf("expected stable membership, got %v then %v", first, second)
	}
}

func TestReindex_EntityEventBridge(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	fv := id.NewFacetValueID()
	c := createCollection(t, e, catalog.CreateCollectionInput{
		Name:    "live",
		Slug:    "live",
		Filters: []catalog.ConfigurableOperation{facetOp(t, true, fv)},
	})
	waitForMembers(t, e, c.ID, 0)

	// Creating a matching post publishes an event; the debounced bridge
	// enqueues a re-index restricted to the changed entity.
	p := addPost(t, e, "late-arrival", fv)

	members := waitForMembers(t, e, c.ID, 1)
	if members[0] != p.ID {
		t.Fatalf("expected %s, got %v", p.ID, members)
	}

	// Updating the post away from the facet value removes it again.
	p.FacetValues = nil
	if err := e.svc.UpdateJobPost(context.Background(), firelancer.RequestContext{}, p); err != nil {
		t.Fatalf("update post: %v", err)
	}
	waitForMembers(t, e, c.ID, 0)
}

func TestEffectiveFilters_InheritanceChain(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	f1 := facetOp(t, true, id.NewFacetValueID())
	f2 := facetOp(t, true, id.NewFacetValueID())
	f3 := facetOp(t, true, id.NewFacetValueID())

	inheritOff := false
	b := createCollection(t, e, catalog.CreateCollectionInput{
		Name: "b", Slug: "b",
		Filters: []catalog.ConfigurableOperation{f1},
	})
	c := createCollection(t, e, catalog.CreateCollectionInput{
		Name: "c", Slug: "c",
		ParentID:       b.ID,
		InheritFilters: &inheritOff,
		Filters:        []catalog.ConfigurableOperation{f2},
	})
	d := createCollection(t, e, catalog.CreateCollectionInput{
		Name: "d", Slug: "d",
		ParentID: c.ID,
		Filters:  []catalog.ConfigurableOperation{f3},
	})

	// The walk from d stops at c (inherit off) but includes c's filters;
	// b's never apply.
	ops, err := e.svc.EffectiveFilters(ctx, d)
	if err != nil {
		t.Fatalf("effective filters: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected 2 effective filters, got %d", len(ops))
	}
	if ops[0].Args[0].Value != f2.Args[0].Value || ops[1].Args[0].Value != f3.Args[0].Value {
		t.Fatalf("expected ancestor-first order c, d; got %+v", ops)
	}

	// A non-inheriting collection only sees its own filters.
	ops, err = e.svc.EffectiveFilters(ctx, c)
	if err != nil {
		t.Fatalf("effective filters of c: %v", err)
	}
	if len(ops) != 1 || ops[0].Args[0].Value != f2.Args[0].Value {
		t.Fatalf("expected only c's filter, got %+v", ops)
	}

	// Direct children of the root inherit nothing from it.
	ops, err = e.svc.EffectiveFilters(ctx, b)
	if err != nil {
		t.Fatalf("effective filters of b: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected only b's filter, got %+v", ops)
	}
}

func TestInheritedFilters_NarrowMembership(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	fvA := id.NewFacetValueID()
	fvB := id.NewFacetValueID()
	both := addPost(t, e, "both", fvA, fvB)
	addPost(t, e, "only-a", fvA)

	parent := createCollection(t, e, catalog.CreateCollectionInput{
		Name: "parent", Slug: "parent",
		Filters: []catalog.ConfigurableOperation{facetOp(t, true, fvA)},
	})
	child := createCollection(t, e, catalog.CreateCollectionInput{
		Name: "child", Slug: "child",
		ParentID: parent.ID,
		Filters:  []catalog.ConfigurableOperation{facetOp(t, true, fvB)},
	})

	waitForMembers(t, e, parent.ID, 2)
	members := waitForMembers(t, e, child.ID, 1)
	if members[0] != both.ID {
		t.Fatalf("expected inherited AND to leave only %s, got %v", both.ID, members)
	}
}

func TestUpdateCollection_FilterPatchReindexes(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	fvA := id.NewFacetValueID()
	fvB := id.NewFacetValueID()
	pa := addPost(t, e, "pa", fvA)
	pb := addPost(t, e, "pb", fvB)

	c := createCollection(t, e, catalog.CreateCollectionInput{
		Name:    "patchable",
		Slug:    "patchable",
		Filters: []catalog.ConfigurableOperation{facetOp(t, true, fvA)},
	})
	members := waitForMembers(t, e, c.ID, 1)
	if members[0] != pa.ID {
		t.Fatalf("expected %s, got %v", pa.ID, members)
	}

	// A metadata-only patch announces the change without re-indexing; the
	// event carries the collection's current membership.
	modified, cancel := event.Subscribe[catalog.CollectionModificationEvent](e.bus)
	defer cancel()

	name := "renamed"
	updated, err := e.svc.UpdateCollection(ctx, firelancer.RequestContext{}, catalog.UpdateCollectionInput{
		ID:   c.ID,
		Name: &name,
	})
	if err != nil {
		t.Fatalf("update name: %v", err)
	}
	if updated.Name != "renamed" {
		t.Fatalf("expected renamed, got %s", updated.Name)
	}
	select {
	case ev := <-modified:
		if ev.CollectionID != c.ID {
			t.Fatalf("modification event for wrong collection: %s", ev.CollectionID)
		}
		if len(ev.EntityIDs) != 1 || ev.EntityIDs[0] != pa.ID {
			t.Fatalf("expected event to carry current member %s, got %v", pa.ID, ev.EntityIDs)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a modification event for a metadata-only patch")
	}
	members = waitForMembers(t, e, c.ID, 1)
	if members[0] != pa.ID {
		t.Fatalf("expected membership unchanged, got %v", members)
	}

	// Replacing the filters recomputes membership. The count stays 1
	// across the swap, so poll for the new member directly.
	newFilters := []catalog.ConfigurableOperation{facetOp(t, true, fvB)}
	if _, err := e.svc.UpdateCollection(ctx, firelancer.RequestContext{}, catalog.UpdateCollectionInput{
		ID:      c.ID,
		Filters: &newFilters,
	}); err != nil {
		t.Fatalf("update filters: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := e.queues.FlushBuffers(ctx); err != nil {
			t.Fatalf("flush buffers: %v", err)
		}
		members, err = e.svc.CollectionMembers(ctx, c.ID, catalog.JobPostEntityName)
		if err != nil {
			t.Fatalf("members: %v", err)
		}
		if len(members) == 1 && members[0] == pb.ID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected only %s after filter change, got %v", pb.ID, members)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBreadcrumbsAndAncestors(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	a := createCollection(t, e, catalog.CreateCollectionInput{Name: "a", Slug: "a"})
	b := createCollection(t, e, catalog.CreateCollectionInput{Name: "b", Slug: "b", ParentID: a.ID})

	crumbs, err := e.svc.GetBreadcrumbs(ctx, b.ID)
	if err != nil {
		t.Fatalf("breadcrumbs: %v", err)
	}
	if len(crumbs) != 3 {
		t.Fatalf("expected 3 crumbs, got %d", len(crumbs))
	}
	if crumbs[0].Slug != catalog.RootCollectionSlug || crumbs[1].Slug != "a" || crumbs[2].Slug != "b" {
		t.Fatalf("unexpected crumb order: %+v", crumbs)
	}

	ancestors, err := e.svc.GetAncestors(ctx, b.ID)
	if err != nil {
		t.Fatalf("ancestors: %v", err)
	}
	if len(ancestors) != 1 || ancestors[0].ID != a.ID {
		t.Fatalf("expected only a as ancestor, got %+v", ancestors)
	}
}

func TestDeleteCollection_RemovesSubtree(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	a := createCollection(t, e, catalog.CreateCollectionInput{Name: "a", Slug: "a"})
	b := createCollection(t, e, catalog.CreateCollectionInput{Name: "b", Slug: "b", ParentID: a.ID})
	c := createCollection(t, e, catalog.CreateCollectionInput{Name: "c", Slug: "c", ParentID: b.ID})

	if err := e.svc.DeleteCollection(ctx, firelancer.RequestContext{}, a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	for _, collectionID := range []id.CollectionID{a.ID, b.ID, c.ID} {
		if _, err := e.svc.GetCollection(ctx, collectionID); !errors.Is(err, firelancer.ErrCollectionNotFound) {
			t.Fatalf("expected %s deleted, got: %v", collectionID, err)
		}
	}

	// The root is untouchable.
	root, err := e.svc.GetRootCollection(ctx)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if err = e.svc.DeleteCollection(ctx, firelancer.RequestContext{}, root.ID); err == nil {
		t.Fatal("expected error deleting the root collection")
	}
}

func TestMoveCollection_GuardsAndRenumbering(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	rctx := firelancer.RequestContext{}

	a := createCollection(t, e, catalog.CreateCollectionInput{Name: "a", Slug: "a"})
	b := createCollection(t, e, catalog.CreateCollectionInput{Name: "b", Slug: "b"})
	child := createCollection(t, e, catalog.CreateCollectionInput{Name: "child", Slug: "child", ParentID: a.ID})

	// Moving into itself or into a descendant is rejected.
	if _, err := e.svc.MoveCollection(ctx, rctx, catalog.MoveCollectionInput{
		CollectionID: a.ID, ParentID: a.ID,
	}); !errors.Is(err, firelancer.ErrCannotMoveIntoSelf) {
		t.Fatalf("expected ErrCannotMoveIntoSelf, got: %v", err)
	}
	if _, err := e.svc.MoveCollection(ctx, rctx, catalog.MoveCollectionInput{
		CollectionID: a.ID, ParentID: child.ID,
	}); !errors.Is(err, firelancer.ErrCannotMoveIntoSelf) {
		t.Fatalf("expected ErrCannotMoveIntoSelf for descendant, got: %v", err)
	}

	// Move child under b at index 0.
	moved, err := e.svc.MoveCollection(ctx, rctx, catalog.MoveCollectionInput{
		CollectionID: child.ID, ParentID: b.ID, Index: 0,
	})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.ParentID != b.ID || moved.Position != 0 {
		t.Fatalf("expected child under b at 0, got parent=%s pos=%d", moved.ParentID, moved.Position)
	}

	// Move b in front of a among the root's children.
	root, err := e.svc.GetRootCollection(ctx)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if _, err = e.svc.MoveCollection(ctx, rctx, catalog.MoveCollectionInput{
		CollectionID: b.ID, ParentID: root.ID, Index: 0,
	}); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	children, err := e.svc.GetChildren(ctx, root.ID)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(children) != 2 || children[0].Name != "b" || children[1].Name != "a" {
		t.Fatalf("expected order b, a; got %+v", children)
	}
	for i, c := range children {
		if c.Position != i {
			t.Fatalf("expected contiguous positions, got %d at %d", c.Position, i)
		}
	}
}

// faultyMembershipStore wraps the memory store and fails UpdateMembership
// until healed, exercising the self-healing chunk path.
type faultyMembershipStore struct {
	*memory.Store

	mu      sync.Mutex
	healthy bool
}

func (f *faultyMembershipStore) UpdateMembership(ctx context.Context, collectionID id.CollectionID, entityName string, add, remove []id.ID) error {
	f.mu.Lock()
	healthy := f.healthy
	f.mu.Unlock()
	if !healthy {
		return errors.New("membership table unavailable")
	}

	return f.Store.UpdateMembership(ctx, collectionID, entityName, add, remove)
}

func (f *faultyMembershipStore) heal() {
	f.mu.Lock()
	f.healthy = true
	f.mu.Unlock()
}

func TestReindex_SelfHealsAfterChunkFailure(t *testing.T) {
	t.Parallel()

	mem := memory.New()
	faulty := &faultyMembershipStore{Store: mem}
	e := newEnvWithStore(t, mem, faulty)
	ctx := context.Background()

	fv := id.NewFacetValueID()
	p := addPost(t, e, "p", fv)

	c := createCollection(t, e, catalog.CreateCollectionInput{
		Name:    "healing",
		Slug:    "healing",
		Filters: []catalog.ConfigurableOperation{facetOp(t, true, fv)},
	})

	// The first re-index's membership chunk fails; the job still settles
	// and membership stays empty.
	if err := e.queues.FlushBuffers(ctx); err != nil {
		t.Fatalf("flush buffers: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	members, err := e.svc.CollectionMembers(ctx, c.ID, catalog.JobPostEntityName)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected empty membership while the store is down, got %v", members)
	}

	// After the store recovers, the next re-index converges.
	faulty.heal()
	if err := e.svc.TriggerApplyFilters(ctx, firelancer.RequestContext{}, c.ID); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	members = waitForMembers(t, e, c.ID, 1)
	if members[0] != p.ID {
		t.Fatalf("expected %s after healing, got %v", p.ID, members)
	}
}

// diffErrorStore wraps the memory store and fails DiffMembership for
// selected collections, simulating a broken filter query.
type diffErrorStore struct {
	*memory.Store

	mu     sync.Mutex
	broken map[id.CollectionID]bool
}

func (d *diffErrorStore) breakCollection(collectionID id.CollectionID) {
	d.mu.Lock()
	if d.broken == nil {
		d.broken = make(map[id.CollectionID]bool)
	}
	d.broken[collectionID] = true
	d.mu.Unlock()
}

func (d *diffErrorStore) DiffMembership(ctx context.Context, collectionID id.CollectionID, entityName string, q *catalog.Query, restrictTo []id.ID) (catalog.MembershipDiff, error) {
	d.mu.Lock()
	broken := d.broken[collectionID]
	d.mu.Unlock()
	if broken {
		return catalog.MembershipDiff{}, errors.New("diff query failed")
	}

	return d.Store.DiffMembership(ctx, collectionID, entityName, q, restrictTo)
}

func TestReindex_SkipsFailingCollection(t *testing.T) {
	t.Parallel()

	mem := memory.New()
	store := &diffErrorStore{Store: mem}
	e := newEnvWithStore(t, mem, store)
	ctx := context.Background()

	fv := id.NewFacetValueID()
	p := addPost(t, e, "p", fv)

	bad := createCollection(t, e, catalog.CreateCollectionInput{
		Name:    "bad",
		Slug:    "bad",
		Filters: []catalog.ConfigurableOperation{facetOp(t, true, fv)},
	})
	good := createCollection(t, e, catalog.CreateCollectionInput{
		Name:    "good",
		Slug:    "good",
		Filters: []catalog.ConfigurableOperation{facetOp(t, true, fv)},
	})
	store.breakCollection(bad.ID)

	// Both collections share one re-index job. The broken one is skipped,
	// the healthy one still converges.
	members := waitForMembers(t, e, good.ID, 1)
	if members[0] != p.ID {
		t.Fatalf("expected %s in good collection, got %v", p.ID, members)
	}
	badMembers, err := e.svc.CollectionMembers(ctx, bad.ID, catalog.JobPostEntityName)
	if err != nil {
		t.Fatalf("members of bad collection: %v", err)
	}
	if len(badMembers) != 0 {
		t.Fatalf("expected broken collection to stay empty, got %v", badMembers)
	}

	// The batch job itself succeeds despite the per-collection failure.
	failed, err := mem.FindMany(ctx, job.ListOptions{States: []job.State{job.StateFailed}})
	if err != nil {
		t.Fatalf("find failed jobs: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("expected no failed jobs, got %d", len(failed))
	}
}

func TestReindex_FilterChangeAnnouncesFullMembership(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	fvA := id.NewFacetValueID()
	fvB := id.NewFacetValueID()
	pa := addPost(t, e, "pa", fvA)
	pb := addPost(t, e, "pb", fvB)

	c := createCollection(t, e, catalog.CreateCollectionInput{
		Name:    "swapped",
		Slug:    "swapped",
		Filters: []catalog.ConfigurableOperation{facetOp(t, true, fvA)},
	})
	waitForMembers(t, e, c.ID, 1)

	modified, cancel := event.Subscribe[catalog.CollectionModificationEvent](e.bus)
	defer cancel()

	// Swapping the filters must announce the full resulting membership
	// plus the removed entities, not just the additions.
	newFilters := []catalog.ConfigurableOperation{facetOp(t, true, fvB)}
	if _, err := e.svc.UpdateCollection(ctx, firelancer.RequestContext{}, catalog.UpdateCollectionInput{
		ID:      c.ID,
		Filters: &newFilters,
	}); err != nil {
		t.Fatalf("update filters: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := e.queues.FlushBuffers(ctx); err != nil {
			t.Fatalf("flush buffers: %v", err)
		}
		select {
		case ev := <-modified:
			if ev.CollectionID != c.ID {
				continue
			}
			set := memberSet(ev.EntityIDs)
			_, hasOld := set[pa.ID.String()]
			_, hasNew := set[pb.ID.String()]
			if hasOld && hasNew {
				return
			}
		case <-time.After(20 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for an event covering both %s and %s", pa.ID, pb.ID)
		}
	}
}

func TestDeleteCollection_DisassociatesMembers(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	fv := id.NewFacetValueID()
	p1 := addPost(t, e, "p1", fv)
	p2 := addPost(t, e, "p2", fv)

	c := createCollection(t, e, catalog.CreateCollectionInput{
		Name:    "doomed",
		Slug:    "doomed",
		Filters: []catalog.ConfigurableOperation{facetOp(t, true, fv)},
	})
	waitForMembers(t, e, c.ID, 2)

	modified, cancel := event.Subscribe[catalog.CollectionModificationEvent](e.bus)
	defer cancel()

	if err := e.svc.DeleteCollection(ctx, firelancer.RequestContext{}, c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := e.svc.GetCollection(ctx, c.ID); !errors.Is(err, firelancer.ErrCollectionNotFound) {
		t.Fatalf("expected collection gone, got: %v", err)
	}

	// The members disassociated before the row was removed are announced.
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-modified:
			if ev.CollectionID != c.ID {
				continue
			}
			set := memberSet(ev.EntityIDs)
			for _, want := range []id.ID{p1.ID, p2.ID} {
				if _, ok := set[want.String()]; !ok {
					t.Fatalf("expected %s among announced entities, got %v", want, ev.EntityIDs)
				}
			}

			return
		case <-deadline:
			t.Fatal("expected a modification event for the deleted collection")
		}
	}
}

func TestReindex_CoversAllCollectables(t *testing.T) {
	t.Parallel()

	// A second collectable entity type whose events never fire; the store
	// does not know it, so its re-index passes are skipped.
	contracts := catalog.Collectable{
		Name: "Contract",
		Subscribe: func(*event.Bus) (<-chan catalog.EntityEvent, func()) {
			ch := make(chan catalog.EntityEvent)

			return ch, func() { close(ch) }
		},
	}
	registry := catalog.NewCollectableRegistry(catalog.JobPostCollectable(), contracts)

	mem := memory.New()
	e := newEnvFull(t, mem, nil, registry)
	ctx := context.Background()

	fv := id.NewFacetValueID()
	c := createCollection(t, e, catalog.CreateCollectionInput{
		Name:    "multi",
		Slug:    "multi",
		Filters: []catalog.ConfigurableOperation{facetOp(t, true, fv)},
	})

	// Creation triggered one buffered job per collectable entity type.
	sizes, err := e.buffers.BufferSizes(ctx, catalog.ApplyFiltersQueueName)
	if err != nil {
		t.Fatalf("buffer sizes: %v", err)
	}
	if sizes[catalog.ApplyFiltersQueueName] != 2 {
		t.Fatalf("expected 2 buffered jobs (one per entity type), got %d", sizes[catalog.ApplyFiltersQueueName])
	}

	p := addPost(t, e, "p", fv)
	members := waitForMembers(t, e, c.ID, 1)
	if members[0] != p.ID {
		t.Fatalf("expected %s, got %v", p.ID, members)
	}

	// The unknown-entity pass is logged and skipped, never failed.
	failed, err := mem.FindMany(ctx, job.ListOptions{States: []job.State{job.StateFailed}})
	if err != nil {
		t.Fatalf("find failed jobs: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("expected no failed jobs, got %d", len(failed))
	}
}
