// Package catalog implements collections: curated, hierarchical groupings
// of catalog entities whose membership is derived from configurable
// filters. Filters are inherited down the collection tree, membership is
// recomputed by a background re-indexing job, and entity changes reach
// that job through debounced domain events.
package catalog
