package catalog

import (
	firelancer "github.com/MohamedSaeedBekhit/firelancer"
	"github.com/MohamedSaeedBekhit/firelancer/event"
	"github.com/MohamedSaeedBekhit/firelancer/id"
)

// EntityEventType classifies what happened to a collectable entity.
type EntityEventType string

const (
	EntityCreated EntityEventType = "created"
	EntityUpdated EntityEventType = "updated"
	EntityDeleted EntityEventType = "deleted"
)

// EntityEvent is the normalized change notification a collectable entity
// type feeds into the re-indexing bridge.
type EntityEvent struct {
	EntityName string
	EntityIDs  []id.ID
	Type       EntityEventType
}

// Collectable registers an entity type whose instances can be members of
// collections. Subscribe attaches to the event bus and yields normalized
// EntityEvents for the type; the returned func unsubscribes.
type Collectable struct {
	Name      string
	Subscribe func(bus *event.Bus) (<-chan EntityEvent, func())
}

// JobPostCollectable wires the JobPost entity type into collections by
// translating JobPostEvents from the bus.
func JobPostCollectable() Collectable {
	return Collectable{
		Name: JobPostEntityName,
		Subscribe: func(bus *event.Bus) (<-chan EntityEvent, func()) {
			in, cancel := event.Subscribe[JobPostEvent](bus)
			out := make(chan EntityEvent)
			go func() {
				defer close(out)
				for ev := range in {
					out <- EntityEvent{
						EntityName: JobPostEntityName,
						EntityIDs:  []id.ID{ev.JobPostID},
						Type:       ev.Type,
					}
				}
			}()

			return out, cancel
		},
	}
}

// CollectableRegistry holds the entity types registered as collectable.
type CollectableRegistry struct {
	byName []Collectable
}

// NewCollectableRegistry creates a registry with the given entity types.
func NewCollectableRegistry(collectables ...Collectable) *CollectableRegistry {
	return &CollectableRegistry{byName: collectables}
}

// Register adds a collectable entity type.
func (r *CollectableRegistry) Register(c Collectable) {
	r.byName = append(r.byName, c)
}

// All returns the registered entity types in registration order.
func (r *CollectableRegistry) All() []Collectable {
	return append([]Collectable(nil), r.byName...)
}

// Get returns the collectable with the given entity name.
func (r *CollectableRegistry) Get(name string) (Collectable, error) {
	for _, c := range r.byName {
		if c.Name == name {
			return c, nil
		}
	}

	return Collectable{}, firelancer.ErrUnknownEntity
}
