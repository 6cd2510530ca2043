package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	firelancer "github.com/MohamedSaeedBekhit/firelancer"
	"github.com/MohamedSaeedBekhit/firelancer/buffer"
	"github.com/MohamedSaeedBekhit/firelancer/event"
	"github.com/MohamedSaeedBekhit/firelancer/id"
	"github.com/MohamedSaeedBekhit/firelancer/job"
	"github.com/MohamedSaeedBekhit/firelancer/queue"
)

const (
	// ApplyFiltersQueueName is the queue re-indexing jobs run on.
	ApplyFiltersQueueName = "apply-collection-filters"

	// membershipChunkSize bounds each membership transaction.
	membershipChunkSize = 5000
	// modificationEventChunkSize bounds the entity IDs carried per
	// CollectionModificationEvent.
	modificationEventChunkSize = 50000
	// deleteChunkSize bounds each batch of a subtree delete.
	deleteChunkSize = 500

	// debounceWindow batches bursts of entity change events before a
	// single re-index job is enqueued.
	debounceWindow = 50 * time.Millisecond

	entityFetchRetries    = 5
	entityFetchRetryDelay = 50 * time.Millisecond
)

// applyFiltersPayload is the JSON payload of a re-indexing job. Empty
// CollectionIDs means all collections; empty ChangedEntityIDs means the
// membership diff considers the full entity set. ApplyToChangedEntitiesOnly
// scopes the published modification events: true limits them to the applied
// delta, false widens them to the full resulting membership plus the
// removed entities.
type applyFiltersPayload struct {
	Ctx                        json.RawMessage   `json:"ctx,omitempty"`
	CollectionIDs              []id.CollectionID `json:"collection_ids,omitempty"`
	EntityName                 string            `json:"entity_name"`
	ChangedEntityIDs           []id.ID           `json:"changed_entity_ids,omitempty"`
	ApplyToChangedEntitiesOnly bool              `json:"apply_to_changed_entities_only,omitempty"`
}

// ApplyFiltersResult is the stored result of a re-indexing job.
type ApplyFiltersResult struct {
	// Collections is the number of collections re-indexed.
	Collections int `json:"collections"`
	// Affected is the total number of membership changes applied.
	Affected int `json:"affected"`
}

// Service manages the collection tree and keeps derived membership in
// sync through background re-indexing jobs.
type Service struct {
	store        Store
	filters      *FilterRegistry
	collectables *CollectableRegistry
	bus          *event.Bus
	queues       *queue.Service
	logger       *slog.Logger

	root       rootCache
	applyQueue *queue.JobQueue
	unsubs     []func()
}

// NewService creates a collection service. Filters defaults to
// DefaultFilters and collectables to the JobPost entity when nil.
func NewService(store Store, queues *queue.Service, bus *event.Bus, filters *FilterRegistry, collectables *CollectableRegistry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if filters == nil {
		filters = NewFilterRegistry(DefaultFilters()...)
	}
	if collectables == nil {
		collectables = NewCollectableRegistry(JobPostCollectable())
	}

	return &Service{
		store:        store,
		filters:      filters,
		collectables: collectables,
		bus:          bus,
		queues:       queues,
		logger:       logger,
	}
}

// Init registers the buffered re-indexing queue and bridges entity change
// events into it. Call once before the queue service starts.
func (s *Service) Init(ctx context.Context) error {
	q, err := s.queues.CreateQueue(queue.Config{
		Name:     ApplyFiltersQueueName,
		Process:  s.processApplyFilters,
		Buffered: true,
		Reduce:   mergeApplyFiltersEntries,
		Retries:  2,
	})
	if err != nil {
		return fmt.Errorf("catalog: create %s queue: %w", ApplyFiltersQueueName, err)
	}
	s.applyQueue = q

	if _, err := s.GetRootCollection(ctx); err != nil {
		return err
	}

	for _, collectable := range s.collectables.All() {
		events, cancel := collectable.Subscribe(s.bus)
		s.unsubs = append(s.unsubs, cancel)
		go s.bridgeEntityEvents(collectable.Name, event.Debounce(events, debounceWindow))
	}

	return nil
}

// Close detaches the event bridges.
func (s *Service) Close() {
	for _, cancel := range s.unsubs {
		cancel()
	}
	s.unsubs = nil
}

// bridgeEntityEvents turns debounced entity change batches into a single
// buffered re-index job covering all collections, restricted to the
// changed entities.
func (s *Service) bridgeEntityEvents(entityName string, batches <-chan []EntityEvent) {
	for batch := range batches {
		seen := make(map[string]struct{})
		var changed []id.ID
		for _, ev := range batch {
			for _, entityID := range ev.EntityIDs {
				if _, ok := seen[entityID.String()]; ok {
					continue
				}
				seen[entityID.String()] = struct{}{}
				changed = append(changed, entityID)
			}
		}
		if len(changed) == 0 {
			continue
		}

		payload := applyFiltersPayload{
			EntityName:                 entityName,
			ChangedEntityIDs:           changed,
			ApplyToChangedEntitiesOnly: true,
		}
		if err := s.enqueueApplyFilters(context.Background(), payload); err != nil {
			s.logger.Error("failed to enqueue re-index job for entity changes",
				slog.String("entity", entityName),
				slog.Int("changed", len(changed)),
				slog.Any("error", err))
		}
	}
}

// TriggerApplyFilters enqueues a re-indexing job per collectable entity
// type for the given collections (all collections when none are given).
func (s *Service) TriggerApplyFilters(ctx context.Context, rctx firelancer.RequestContext, collectionIDs ...id.CollectionID) error {
	for _, collectable := range s.collectables.All() {
		err := s.enqueueApplyFilters(ctx, applyFiltersPayload{
			Ctx:           rctx.Serialize(),
			CollectionIDs: collectionIDs,
			EntityName:    collectable.Name,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func (s *Service) enqueueApplyFilters(ctx context.Context, payload applyFiltersPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("catalog: marshal re-index payload: %w", err)
	}
	_, err = s.applyQueue.Add(ctx, data, queue.WithBufferKey(payload.EntityName))

	return err
}

// mergeApplyFiltersEntries collapses buffered re-index jobs per entity
// type into one job covering the union of their collections and changed
// entities. A job without a collection restriction absorbs the others.
func mergeApplyFiltersEntries(entries []*buffer.Entry) []*job.Record {
	type merged struct {
		rec     *job.Record
		payload applyFiltersPayload
		allCols bool
		allEnts bool
		cols    map[string]id.CollectionID
		ents    map[string]id.ID
	}

	byKey := make(map[string]*merged)
	var order []string
	for _, e := range entries {
		var payload applyFiltersPayload
		if err := json.Unmarshal(e.Job.Data, &payload); err != nil {
			continue
		}

		m, ok := byKey[e.BufferID]
		if !ok {
			m = &merged{
				rec:     e.Job,
				payload: payload,
				cols:    make(map[string]id.CollectionID),
				ents:    make(map[string]id.ID),
			}
			byKey[e.BufferID] = m
			order = append(order, e.BufferID)
		}
		m.rec = e.Job
		m.payload.Ctx = payload.Ctx
		m.payload.ApplyToChangedEntitiesOnly = m.payload.ApplyToChangedEntitiesOnly && payload.ApplyToChangedEntitiesOnly

		if len(payload.CollectionIDs) == 0 {
			m.allCols = true
		}
		for _, collectionID := range payload.CollectionIDs {
			m.cols[collectionID.String()] = collectionID
		}
		if len(payload.ChangedEntityIDs) == 0 {
			m.allEnts = true
		}
		for _, entityID := range payload.ChangedEntityIDs {
			m.ents[entityID.String()] = entityID
		}
	}

	out := make([]*job.Record, 0, len(order))
	for _, key := range order {
		m := byKey[key]
		if m.allCols {
			m.payload.CollectionIDs = nil
		} else {
			m.payload.CollectionIDs = m.payload.CollectionIDs[:0]
			for _, collectionID := range m.cols {
				m.payload.CollectionIDs = append(m.payload.CollectionIDs, collectionID)
			}
			sort.Slice(m.payload.CollectionIDs, func(i, j int) bool {
				return m.payload.CollectionIDs[i].String() < m.payload.CollectionIDs[j].String()
			})
		}
		if m.allEnts {
			m.payload.ChangedEntityIDs = nil
		} else {
			m.payload.ChangedEntityIDs = m.payload.ChangedEntityIDs[:0]
			for _, entityID := range m.ents {
				m.payload.ChangedEntityIDs = append(m.payload.ChangedEntityIDs, entityID)
			}
			sort.Slice(m.payload.ChangedEntityIDs, func(i, j int) bool {
				return m.payload.ChangedEntityIDs[i].String() < m.payload.ChangedEntityIDs[j].String()
			})
		}

		data, err := json.Marshal(m.payload)
		if err != nil {
			continue
		}
		m.rec.Data = data
		out = append(out, m.rec)
	}

	return out
}

// processApplyFilters is the re-indexing job handler. It walks each target
// collection, computes its effective filters, asks the store for the
// membership diff and applies it in bounded transactions. A collection
// that fails to re-index is logged and skipped so the rest of the batch
// still completes; the next re-index converges on the correct membership.
func (s *Service) processApplyFilters(ctx context.Context, liveJob *queue.Job) (any, error) {
	var payload applyFiltersPayload
	if err := liveJob.UnmarshalData(&payload); err != nil {
		return nil, fmt.Errorf("catalog: decode re-index payload: %w", err)
	}

	rctx, err := firelancer.DeserializeRequestContext(payload.Ctx)
	if err != nil {
		s.logger.Warn("re-index job carries invalid request context", slog.Any("error", err))
		rctx = firelancer.RequestContext{}
	}

	collections, err := s.targetCollections(ctx, payload.CollectionIDs)
	if err != nil {
		return nil, err
	}

	total := len(collections)
	completed := 0
	affected := 0

	for _, collection := range collections {
		if liveJob.Cancelled(ctx) {
			return nil, firelancer.ErrJobCancelled
		}

		n, err := s.applyFiltersToCollection(ctx, rctx, collection, payload)
		if err != nil {
			s.logger.Error("failed to re-index collection, skipping",
				slog.String("collection_id", collection.ID.String()),
				slog.Any("error", err))
		} else {
			affected += n
		}

		completed++
		liveJob.SetProgress(ctx, ceilPercent(completed, total))
	}

	return ApplyFiltersResult{Collections: total, Affected: affected}, nil
}

// targetCollections resolves the payload's collection IDs, retrying briefly
// for IDs enqueued before their transaction committed and skipping the
// ones that never appear.
func (s *Service) targetCollections(ctx context.Context, collectionIDs []id.CollectionID) ([]*Collection, error) {
	if len(collectionIDs) == 0 {
		all, err := s.store.ListCollections(ctx)
		if err != nil {
			return nil, err
		}
		out := all[:0]
		for _, c := range all {
			if !c.IsRoot {
				out = append(out, c)
			}
		}

		return out, nil
	}

	out := make([]*Collection, 0, len(collectionIDs))
	for _, collectionID := range collectionIDs {
		collection, err := s.getCollectionWithRetry(ctx, collectionID)
		if err != nil {
			return nil, err
		}
		if collection == nil {
			s.logger.Warn("re-index target collection not found, skipping",
				slog.String("collection_id", collectionID.String()))

			continue
		}
		out = append(out, collection)
	}

	return out, nil
}

func (s *Service) getCollectionWithRetry(ctx context.Context, collectionID id.CollectionID) (*Collection, error) {
	for attempt := 0; attempt < entityFetchRetries; attempt++ {
		collection, err := s.store.GetCollection(ctx, collectionID)
		if err == nil {
			return collection, nil
		}
		if !errors.Is(err, firelancer.ErrCollectionNotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(entityFetchRetryDelay):
		}
	}

	return nil, nil
}

// applyFiltersToCollection re-computes one collection's membership. The
// published modification events carry the applied delta when the job was
// restricted to changed entities, otherwise the full resulting membership
// plus the removed entities.
func (s *Service) applyFiltersToCollection(ctx context.Context, rctx firelancer.RequestContext, collection *Collection, payload applyFiltersPayload) (int, error) {
	ops, err := s.EffectiveFilters(ctx, collection)
	if err != nil {
		return 0, err
	}
	q, err := s.filters.BuildQuery(ops)
	if err != nil {
		return 0, err
	}

	diff, err := s.store.DiffMembership(ctx, collection.ID, payload.EntityName, q, payload.ChangedEntityIDs)
	if err != nil {
		return 0, err
	}
	if diff.Empty() {
		return 0, nil
	}

	added, removed := s.applyDiffChunked(ctx, collection.ID, payload.EntityName, diff)

	eventIDs := append(append([]id.ID(nil), added...), removed...)
	if !payload.ApplyToChangedEntitiesOnly {
		members, err := s.store.MemberIDs(ctx, collection.ID, payload.EntityName)
		if err != nil {
			s.logger.Error("failed to load members for modification event",
				slog.String("collection_id", collection.ID.String()),
				slog.Any("error", err))
		} else {
			eventIDs = append(members, removed...)
		}
	}
	s.publishModificationEvents(rctx, collection.ID, payload.EntityName, eventIDs)

	return len(added) + len(removed), nil
}

// applyDiffChunked persists the diff in bounded transactions. Chunk errors
// are logged, not returned: membership self-heals on the next re-index.
func (s *Service) applyDiffChunked(ctx context.Context, collectionID id.CollectionID, entityName string, diff MembershipDiff) (added, removed []id.ID) {
	added = make([]id.ID, 0, len(diff.ToAdd))
	removed = make([]id.ID, 0, len(diff.ToRemove))

	for chunk := range chunks(diff.ToAdd, membershipChunkSize) {
		if err := s.store.UpdateMembership(ctx, collectionID, entityName, chunk, nil); err != nil {
			s.logger.Error("failed to apply membership additions",
				slog.String("collection_id", collectionID.String()),
				slog.Int("chunk_size", len(chunk)),
				slog.Any("error", err))

			continue
		}
		added = append(added, chunk...)
	}

	for chunk := range chunks(diff.ToRemove, membershipChunkSize) {
		if err := s.store.UpdateMembership(ctx, collectionID, entityName, nil, chunk); err != nil {
			s.logger.Error("failed to apply membership removals",
				slog.String("collection_id", collectionID.String()),
				slog.Int("chunk_size", len(chunk)),
				slog.Any("error", err))

			continue
		}
		removed = append(removed, chunk...)
	}

	return added, removed
}

func (s *Service) publishModificationEvents(rctx firelancer.RequestContext, collectionID id.CollectionID, entityName string, entityIDs []id.ID) {
	for chunk := range chunks(entityIDs, modificationEventChunkSize) {
		s.bus.Publish(CollectionModificationEvent{
			Ctx:          rctx,
			CollectionID: collectionID,
			EntityName:   entityName,
			EntityIDs:    chunk,
		})
	}
}

// EffectiveFilters returns the filter operations that determine the
// collection's membership: its own filters preceded by inherited ancestor
// filters. The upward walk stops at the first ancestor that does not
// inherit, with that ancestor's own filters still included. The root
// contributes nothing.
func (s *Service) EffectiveFilters(ctx context.Context, collection *Collection) ([]ConfigurableOperation, error) {
	if !collection.InheritFilters {
		return collection.Filters, nil
	}

	chain := []*Collection{collection}
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
		chain = append(chain, parent)
		if !parent.InheritFilters {
			break
		}
		current = parent
	}

	var ops []ConfigurableOperation
	for i := len(chain) - 1; i >= 0; i-- {
		ops = append(ops, chain[i].Filters...)
	}

	return ops, nil
}

func ceilPercent(completed, total int) int {
	if total <= 0 {
		return 100
	}

	return (completed*100 + total - 1) / total
}

// chunks yields sub-slices of at most size elements.
func chunks[T any](items []T, size int) func(yield func([]T) bool) {
	return func(yield func([]T) bool) {
		for start := 0; start < len(items); start += size {
			end := min(start+size, len(items))
			if !yield(items[start:end]) {
				return
			}
		}
	}
}
