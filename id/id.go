// Package id defines TypeID-based identity types for all Firelancer entities.
//
// Every entity uses a single ID struct with a prefix that identifies the
// entity type. IDs are K-sortable (UUIDv7-based), globally unique, and
// URL-safe in the format "prefix_suffix".
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a TypeID.
type Prefix string

// Prefix constants for all Firelancer entity types.
const (
	PrefixJob         Prefix = "job"
	PrefixBufferEntry Prefix = "jbuf"
	PrefixCollection  Prefix = "col"
	PrefixJobPost     Prefix = "post"
	PrefixFacet       Prefix = "facet"
	PrefixFacetValue  Prefix = "fval"
	PrefixEvent       Prefix = "evt"
)

// ID is the primary identifier type for all Firelancer entities.
// It wraps a TypeID providing a prefix-qualified, globally unique,
// sortable, URL-safe identifier in the format "prefix_suffix".
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates a new globally unique ID with the given prefix.
// It panics if prefix is not a valid TypeID prefix (programming error).
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}

	return ID{inner: tid, valid: true}
}

// Parse parses a TypeID string (e.g., "job_01h2xcejqtf2nbrexx3vqjhp41")
// into an ID. Returns an error if the string is not valid.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}

	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}

	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses a TypeID string and validates that its prefix
// matches the expected value.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}

	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}

	return parsed, nil
}

// MustParse is like Parse but panics on error. Use for hardcoded ID values.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}

	return parsed
}

// ──────────────────────────────────────────────────
// Type aliases
// ──────────────────────────────────────────────────

// JobID identifies job records (prefix: "job").
type JobID = ID

// BufferEntryID identifies buffered job entries (prefix: "jbuf").
type BufferEntryID = ID

// CollectionID identifies collections (prefix: "col").
type CollectionID = ID

// JobPostID identifies job posts (prefix: "post").
type JobPostID = ID

// FacetID identifies facets (prefix: "facet").
type FacetID = ID

// FacetValueID identifies facet values (prefix: "fval").
type FacetValueID = ID

// EventID identifies domain events (prefix: "evt").
type EventID = ID

// ──────────────────────────────────────────────────
// Convenience constructors and parsers
// ──────────────────────────────────────────────────

// NewJobID generates a new unique job ID.
func NewJobID() ID { return New(PrefixJob) }

// NewBufferEntryID generates a new unique buffer entry ID.
func NewBufferEntryID() ID { return New(PrefixBufferEntry) }

// NewCollectionID generates a new unique collection ID.
func NewCollectionID() ID { return New(PrefixCollection) }

// NewJobPostID generates a new unique job post ID.
func NewJobPostID() ID { return New(PrefixJobPost) }

// NewFacetID generates a new unique facet ID.
func NewFacetID() ID { return New(PrefixFacet) }

// NewFacetValueID generates a new unique facet value ID.
func NewFacetValueID() ID { return New(PrefixFacetValue) }

// NewEventID generates a new unique event ID.
func NewEventID() ID { return New(PrefixEvent) }

// ParseJobID parses a string and validates the "job" prefix.
func ParseJobID(s string) (ID, error) { return ParseWithPrefix(s, PrefixJob) }

// ParseBufferEntryID parses a string and validates the "jbuf" prefix.
func ParseBufferEntryID(s string) (ID, error) { return ParseWithPrefix(s, PrefixBufferEntry) }

// ParseCollectionID parses a string and validates the "col" prefix.
func ParseCollectionID(s string) (ID, error) { return ParseWithPrefix(s, PrefixCollection) }

// ParseJobPostID parses a string and validates the "post" prefix.
func ParseJobPostID(s string) (ID, error) { return ParseWithPrefix(s, PrefixJobPost) }

// ParseFacetValueID parses a string and validates the "fval" prefix.
func ParseFacetValueID(s string) (ID, error) { return ParseWithPrefix(s, PrefixFacetValue) }

// ──────────────────────────────────────────────────
// ID methods
// ──────────────────────────────────────────────────

// String returns the full TypeID string representation (prefix_suffix).
// Returns an empty string for the Nil ID.
func (i ID) String() string {
	if !i.valid {
		return ""
	}

	return i.inner.String()
}

// Prefix returns the prefix component of this ID.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}

	return Prefix(i.inner.Prefix())
}

// IsNil reports whether this ID is the zero value.
func (i ID) IsNil() bool {
	return !i.valid
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}

	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil

		return nil
	}

	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}

	*i = parsed

	return nil
}

// Value implements driver.Valuer for database storage.
// Returns nil for the Nil ID so that optional foreign key columns store NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // nil is the canonical NULL for driver.Valuer
	}

	return i.inner.String(), nil
}

// Scan implements sql.Scanner for database retrieval.
func (i *ID) Scan(src any) error {
	if src == nil {
		*i = Nil

		return nil
	}

	switch v := src.(type) {
	case string:
		if v == "" {
			*i = Nil

			return nil
		}

		return i.UnmarshalText([]byte(v))
	case []byte:
		if len(v) == 0 {
			*i = Nil

			return nil
		}

		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
