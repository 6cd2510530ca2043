//go:build integration

package bunstore_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	firelancer "github.com/MohamedSaeedBekhit/firelancer"
	"github.com/MohamedSaeedBekhit/firelancer/catalog"
	"github.com/MohamedSaeedBekhit/firelancer/id"
	bunstore "github.com/MohamedSaeedBekhit/firelancer/store/bun"
)

// setupTestStore creates a Postgres container and returns a connected Bun Store.
func setupTestStore(t *testing.T) *bunstore.Store {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("firelancer_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(connStr)))
	db := bun.NewDB(sqldb, pgdialect.New())

	t.Cleanup(func() {
		_ = db.Close()
	})

	store := bunstore.New(db, bunstore.WithLogger(slog.Default()))

	if migErr := store.Migrate(ctx); migErr != nil {
		t.Fatalf("migrate: %v", migErr)
	}

	return store
}

func newCollection(name, slug string, parentID id.CollectionID) *catalog.Collection {
	return &catalog.Collection{
		Entity:         firelancer.NewEntity(),
		ID:             id.NewCollectionID(),
		Name:           name,
		Slug:           slug,
		ParentID:       parentID,
		InheritFilters: true,
	}
}

func newRootCollection() *catalog.Collection {
	root := newCollection("Root collection", catalog.RootCollectionSlug, id.Nil)
	root.IsRoot = true
	root.InheritFilters = false
	return root
}

func newPost(t *testing.T, s *bunstore.Store, title string, facetValues ...id.FacetValueID) *catalog.JobPost {
	t.Helper()

	p := &catalog.JobPost{
		Entity:      firelancer.NewEntity(),
		ID:          id.NewJobPostID(),
		Title:       title,
		Enabled:     true,
		FacetValues: facetValues,
	}
	if err := s.AddJobPost(context.Background(), p); err != nil {
		t.Fatalf("add job post %s: %v", title, err)
	}
	return p
}

func facetQuery(t *testing.T, containsAny bool, facetValues ...id.FacetValueID) *catalog.Query {
	t.Helper()

	strs := make([]string, 0, len(facetValues))
	for _, fv := range facetValues {
		strs = append(strs, fv.String())
	}
	raw, err := json.Marshal(strs)
	if err != nil {
		t.Fatalf("marshal facet value ids: %v", err)
	}

	registry := catalog.NewFilterRegistry(catalog.DefaultFilters()...)
	q, err := registry.BuildQuery([]catalog.ConfigurableOperation{{
		Code: "facet-value-filter",
		Args: []catalog.OperationArg{
			{Name: "facetValueIds", Value: string(raw)},
			{Name: "containsAny", Value: fmt.Sprintf("%t", containsAny)},
		},
	}})
	if err != nil {
		t.Fatalf("build query: %v", err)
	}
	return q
}

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestStore_Ping(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestStore_MigrateIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	// Second migrate should be a no-op.
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Collection tests
// ──────────────────────────────────────────────────

func TestCollections_CreateAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	root := newRootCollection()
	if err := s.CreateCollection(ctx, root); err != nil {
		t.Fatalf("create root: %v", err)
	}

	c := newCollection("Backend", "backend", root.ID)
	c.Filters = []catalog.ConfigurableOperation{{
		Code: "facet-value-filter",
		Args: []catalog.OperationArg{{Name: "facetValueIds", Value: `[]`}},
	}}
	if err := s.CreateCollection(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetCollection(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Backend" {
		t.Fatalf("expected name Backend, got %s", got.Name)
	}
	if got.ParentID.String() != root.ID.String() {
		t.Fatalf("expected parent %s, got %s", root.ID, got.ParentID)
	}
	if len(got.Filters) != 1 || got.Filters[0].Code != "facet-value-filter" {
		t.Fatalf("expected filters round-trip, got %+v", got.Filters)
	}

	gotRoot, err := s.GetRootCollection(ctx)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if !gotRoot.IsRoot {
		t.Fatal("expected is_root")
	}
}

func TestCollections_GetMissing(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.GetCollection(ctx, id.NewCollectionID())
	if !errors.Is(err, firelancer.ErrCollectionNotFound) {
		t.Fatalf("expected ErrCollectionNotFound, got: %v", err)
	}

	_, err = s.GetRootCollection(ctx)
	if !errors.Is(err, firelancer.ErrCollectionNotFound) {
		t.Fatalf("expected ErrCollectionNotFound for missing root, got: %v", err)
	}
}

func TestCollections_UpdateAndDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	root := newRootCollection()
	if err := s.CreateCollection(ctx, root); err != nil {
		t.Fatalf("create root: %v", err)
	}
	c := newCollection("Original", "original", root.ID)
	if err := s.CreateCollection(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}

	c.Name = "Renamed"
	c.InheritFilters = false
	if err := s.UpdateCollection(ctx, c); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetCollection(ctx, c.ID)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.Name != "Renamed" || got.InheritFilters {
		t.Fatalf("update not persisted: %+v", got)
	}

	if err = s.DeleteCollection(ctx, c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, getErr := s.GetCollection(ctx, c.ID); !errors.Is(getErr, firelancer.ErrCollectionNotFound) {
		t.Fatalf("expected ErrCollectionNotFound after delete, got: %v", getErr)
	}

	if delErr := s.DeleteCollection(ctx, c.ID); !errors.Is(delErr, firelancer.ErrCollectionNotFound) {
		t.Fatalf("expected ErrCollectionNotFound on double delete, got: %v", delErr)
	}
}

func TestCollections_ChildrenAndPositions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	root := newRootCollection()
	if err := s.CreateCollection(ctx, root); err != nil {
		t.Fatalf("create root: %v", err)
	}

	for i := 0; i < 3; i++ {
		c := newCollection(fmt.Sprintf("child-%d", i), fmt.Sprintf("child-%d", i), root.ID)
		c.Position = 2 - i // created out of order
		if err := s.CreateCollection(ctx, c); err != nil {
			t.Fatalf("create child-%d: %v", i, err)
		}
	}

	children, err := s.GetChildren(ctx, root.ID)
	if err != nil {
		t.Fatalf("get children: %v", err)
	}
	if len(children) != 3 {
		t.Fatalf("expected 3 children, got %d", len(children))
	}
	for i, c := range children {
		if c.Position != i {
			t.Fatalf("expected position %d at index %d, got %d", i, i, c.Position)
		}
	}

	maxPos, found, err := s.MaxPosition(ctx, root.ID)
	if err != nil {
		t.Fatalf("max position: %v", err)
	}
	if !found || maxPos != 2 {
		t.Fatalf("expected max position 2, got %d (found=%t)", maxPos, found)
	}

	_, found, err = s.MaxPosition(ctx, children[0].ID)
	if err != nil {
		t.Fatalf("max position of leaf: %v", err)
	}
	if found {
		t.Fatal("expected no children under leaf")
	}
}

func TestCollections_UpdateCollectionsTransactional(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	root := newRootCollection()
	if err := s.CreateCollection(ctx, root); err != nil {
		t.Fatalf("create root: %v", err)
	}
	a := newCollection("a", "a", root.ID)
	b := newCollection("b", "b", root.ID)
	b.Position = 1
	for _, c := range []*catalog.Collection{a, b} {
		if err := s.CreateCollection(ctx, c); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	// One update references a missing collection: nothing may land.
	a.Position = 5
	ghost := newCollection("ghost", "ghost", root.ID)
	err := s.UpdateCollections(ctx, []*catalog.Collection{a, ghost})
	if !errors.Is(err, firelancer.ErrCollectionNotFound) {
		t.Fatalf("expected ErrCollectionNotFound, got: %v", err)
	}

	got, err := s.GetCollection(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Position != 0 {
		t.Fatalf("expected rolled-back position 0, got %d", got.Position)
	}

	// A valid batch lands atomically.
	a.Position = 1
	b.Position = 0
	if err = s.UpdateCollections(ctx, []*catalog.Collection{a, b}); err != nil {
		t.Fatalf("update collections: %v", err)
	}
	children, err := s.GetChildren(ctx, root.ID)
	if err != nil {
		t.Fatalf("get children: %v", err)
	}
	if children[0].Name != "b" || children[1].Name != "a" {
		t.Fatalf("expected order b, a after swap, got %s, %s", children[0].Name, children[1].Name)
	}
}

// ──────────────────────────────────────────────────
// Job post tests
// ──────────────────────────────────────────────────

func TestJobPosts_RoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	fv1 := id.NewFacetValueID()
	fv2 := id.NewFacetValueID()
	p := newPost(t, s, "Go developer", fv1, fv2)

	got, err := s.GetJobPost(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Go developer" {
		t.Fatalf("expected title, got %s", got.Title)
	}
	if len(got.FacetValues) != 2 {
		t.Fatalf("expected 2 facet values, got %d", len(got.FacetValues))
	}

	// Update replaces the facet value relations.
	fv3 := id.NewFacetValueID()
	p.Title = "Senior Go developer"
	p.FacetValues = []id.FacetValueID{fv3}
	if err = s.UpdateJobPost(ctx, p); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err = s.GetJobPost(ctx, p.ID)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.Title != "Senior Go developer" {
		t.Fatalf("expected updated title, got %s", got.Title)
	}
	if len(got.FacetValues) != 1 || got.FacetValues[0].String() != fv3.String() {
		t.Fatalf("expected facet values replaced, got %v", got.FacetValues)
	}

	if _, getErr := s.GetJobPost(ctx, id.NewJobPostID()); !errors.Is(getErr, firelancer.ErrJobPostNotFound) {
		t.Fatalf("expected ErrJobPostNotFound, got: %v", getErr)
	}
}

// ──────────────────────────────────────────────────
// Membership tests
// ──────────────────────────────────────────────────

func TestMembership_DiffAndUpdate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	root := newRootCollection()
	if err := s.CreateCollection(ctx, root); err != nil {
		t.Fatalf("create root: %v", err)
	}
	c := newCollection("Go jobs", "go-jobs", root.ID)
	if err := s.CreateCollection(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}

	fvGo := id.NewFacetValueID()
	fvRemote := id.NewFacetValueID()
	p1 := newPost(t, s, "Go backend", fvGo)
	p2 := newPost(t, s, "Go remote", fvGo, fvRemote)
	newPost(t, s, "Rust backend", id.NewFacetValueID())

	q := facetQuery(t, true, fvGo)

	diff, err := s.DiffMembership(ctx, c.ID, catalog.JobPostEntityName, q, nil)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(diff.ToAdd) != 2 || len(diff.ToRemove) != 0 {
		t.Fatalf("expected 2 additions, got %+v", diff)
	}

	if err = s.UpdateMembership(ctx, c.ID, catalog.JobPostEntityName, diff.ToAdd, nil); err != nil {
		t.Fatalf("update membership: %v", err)
	}

	members, err := s.MemberIDs(ctx, c.ID, catalog.JobPostEntityName)
	if err != nil {
		t.Fatalf("member ids: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}

	// Re-diffing against the same query converges to nothing.
	diff, err = s.DiffMembership(ctx, c.ID, catalog.JobPostEntityName, q, nil)
	if err != nil {
		t.Fatalf("second diff: %v", err)
	}
	if !diff.Empty() {
		t.Fatalf("expected empty diff, got %+v", diff)
	}

	// Narrowing the filter marks the mismatching member for removal.
	narrow := facetQuery(t, false, fvGo, fvRemote)
	diff, err = s.DiffMembership(ctx, c.ID, catalog.JobPostEntityName, narrow, nil)
	if err != nil {
		t.Fatalf("narrow diff: %v", err)
	}
	if len(diff.ToAdd) != 0 || len(diff.ToRemove) != 1 {
		t.Fatalf("expected 1 removal, got %+v", diff)
	}
	if diff.ToRemove[0].String() != p1.ID.String() {
		t.Fatalf("expected %s removed, got %s", p1.ID, diff.ToRemove[0])
	}

	if err = s.UpdateMembership(ctx, c.ID, catalog.JobPostEntityName, nil, diff.ToRemove); err != nil {
		t.Fatalf("remove members: %v", err)
	}
	members, err = s.MemberIDs(ctx, c.ID, catalog.JobPostEntityName)
	if err != nil {
		t.Fatalf("member ids after removal: %v", err)
	}
	if len(members) != 1 || members[0].String() != p2.ID.String() {
		t.Fatalf("expected only %s, got %v", p2.ID, members)
	}
}

func TestMembership_RestrictTo(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	root := newRootCollection()
	if err := s.CreateCollection(ctx, root); err != nil {
		t.Fatalf("create root: %v", err)
	}
	c := newCollection("restricted", "restricted", root.ID)
	if err := s.CreateCollection(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}

	fv := id.NewFacetValueID()
	p1 := newPost(t, s, "in scope", fv)
	newPost(t, s, "out of scope", fv)

	q := facetQuery(t, true, fv)

	// Only p1 is under consideration, so only p1 may be added.
	diff, err := s.DiffMembership(ctx, c.ID, catalog.JobPostEntityName, q, []id.ID{p1.ID})
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(diff.ToAdd) != 1 || diff.ToAdd[0].String() != p1.ID.String() {
		t.Fatalf("expected only %s added, got %+v", p1.ID, diff)
	}
}

func TestMembership_NoneQueryMatchesNothing(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	root := newRootCollection()
	if err := s.CreateCollection(ctx, root); err != nil {
		t.Fatalf("create root: %v", err)
	}
	c := newCollection("empty", "empty", root.ID)
	if err := s.CreateCollection(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}
	p := newPost(t, s, "some post", id.NewFacetValueID())

	// Seed a member, then diff against the match-nothing query.
	if err := s.UpdateMembership(ctx, c.ID, catalog.JobPostEntityName, []id.ID{p.ID}, nil); err != nil {
		t.Fatalf("seed member: %v", err)
	}

	registry := catalog.NewFilterRegistry(catalog.DefaultFilters()...)
	q, err := registry.BuildQuery(nil)
	if err != nil {
		t.Fatalf("build query: %v", err)
	}

	diff, err := s.DiffMembership(ctx, c.ID, catalog.JobPostEntityName, q, nil)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(diff.ToAdd) != 0 {
		t.Fatalf("expected no additions, got %d", len(diff.ToAdd))
	}
	if len(diff.ToRemove) != 1 || diff.ToRemove[0].String() != p.ID.String() {
		t.Fatalf("expected seeded member removed, got %+v", diff)
	}
}

func TestMembership_UnknownEntity(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	root := newRootCollection()
	if err := s.CreateCollection(ctx, root); err != nil {
		t.Fatalf("create root: %v", err)
	}

	_, err := s.MemberIDs(ctx, root.ID, "Widget")
	if !errors.Is(err, firelancer.ErrUnknownEntity) {
		t.Fatalf("expected ErrUnknownEntity, got: %v", err)
	}
}

func TestMembership_CascadeOnCollectionDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	root := newRootCollection()
	if err := s.CreateCollection(ctx, root); err != nil {
		t.Fatalf("create root: %v", err)
	}
	c := newCollection("doomed", "doomed", root.ID)
	if err := s.CreateCollection(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}
	p := newPost(t, s, "member", id.NewFacetValueID())
	if err := s.UpdateMembership(ctx, c.ID, catalog.JobPostEntityName, []id.ID{p.ID}, nil); err != nil {
		t.Fatalf("add member: %v", err)
	}

	if err := s.DeleteCollection(ctx, c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// The post survives; only the membership rows went with the collection.
	if _, err := s.GetJobPost(ctx, p.ID); err != nil {
		t.Fatalf("expected post to survive collection delete: %v", err)
	}
}
