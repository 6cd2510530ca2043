// Package firelancer provides the asynchronous backbone of the Firelancer
// marketplace: a durable, pluggable job queue with buffering/collapsing
// semantics, and the collection re-indexing engine that keeps filter-defined
// Collections synchronized with the entities that match their filters.
//
// Firelancer is designed as a library, not a service. Import it, configure a
// store, register collection filters, and start the engine.
//
// # Quick Start
//
//	s := memory.New()
//	eng, err := engine.New(
//	    engine.WithJobStore(s),
//	    engine.WithBufferStorage(s),
//	    engine.WithCatalogStore(s),
//	)
//	if err != nil { ... }
//	if err := eng.Start(ctx); err != nil { ... }
//
// # Architecture
//
// Each subsystem defines its own narrow contract: job.Store is the queue
// persistence strategy, buffer.Storage holds buffered (not yet dispatched)
// jobs, and catalog.Store owns the Collection tree and its materialized
// memberships. A single backend may implement several of them (the memory
// store implements all three); production deployments typically combine the
// postgres or redis job store with the bun catalog store.
//
// All entity IDs are TypeIDs: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package firelancer
