package catalog

import (
	"fmt"
	"strings"

	firelancer "github.com/MohamedSaeedBekhit/firelancer"
)

// Predicate is one membership condition. It can render itself as a SQL
// fragment for set-based stores and evaluate a single entity in memory for
// stores without a query engine.
type Predicate interface {
	// SQL returns a boolean SQL fragment over the entity table aliased as
	// alias, with positional placeholder args.
	SQL(alias string) (string, []any)
	// Match evaluates the predicate against one entity.
	Match(entity any) bool
}

// nonePredicate matches no entity. Used when a collection's effective
// filter list is empty so that it holds no members rather than all.
type nonePredicate struct{}

func (nonePredicate) SQL(string) (string, []any) { return "1 = 0", nil }
func (nonePredicate) Match(any) bool             { return false }

// None returns a predicate that matches nothing.
func None() Predicate { return nonePredicate{} }

type clause struct {
	pred Predicate
	or   bool
}

// Query accumulates predicates combined with AND/OR, in the order filters
// were applied. A Query with no clauses matches every entity; callers that
// want "match nothing" add the None predicate explicitly.
type Query struct {
	clauses []clause
}

// NewQuery returns an empty query.
func NewQuery() *Query { return &Query{} }

// Where appends a predicate combined with AND.
func (q *Query) Where(p Predicate) *Query {
	q.clauses = append(q.clauses, clause{pred: p})

	return q
}

// OrWhere appends a predicate combined with OR.
func (q *Query) OrWhere(p Predicate) *Query {
	q.clauses = append(q.clauses, clause{pred: p, or: true})

	return q
}

// Empty reports whether no predicate has been added.
func (q *Query) Empty() bool { return len(q.clauses) == 0 }

// SQL renders the accumulated predicates as one boolean expression over
// the aliased entity table. An empty query renders as TRUE.
func (q *Query) SQL(alias string) (string, []any) {
	if len(q.clauses) == 0 {
		return "TRUE", nil
	}

	var (
		sb   strings.Builder
		args []any
	)
	for i, c := range q.clauses {
		frag, fragArgs := c.pred.SQL(alias)
		if i > 0 {
			if c.or {
				sb.WriteString(" OR ")
			} else {
				sb.WriteString(" AND ")
			}
		}
		sb.WriteString("(")
		sb.WriteString(frag)
		sb.WriteString(")")
		args = append(args, fragArgs...)
	}

	return sb.String(), args
}

// Matches evaluates the accumulated predicates against one entity,
// left-folding with the same AND/OR combination as SQL. An empty query
// matches everything.
func (q *Query) Matches(entity any) bool {
	if len(q.clauses) == 0 {
		return true
	}

	result := q.clauses[0].pred.Match(entity)
	for _, c := range q.clauses[1:] {
		if c.or {
			result = result || c.pred.Match(entity)
		} else {
			result = result && c.pred.Match(entity)
		}
	}

	return result
}

// ArgSpec describes one argument a filter accepts.
type ArgSpec struct {
	Name string
	// Type is a UI hint ("ID list", "boolean", ...), not enforced here.
	Type string
	// Required rejects operations that omit the argument.
	Required bool
}

// Filter is a registered collection filter definition. Collections store
// ConfigurableOperations referencing filters by code; at re-index time
// each operation is applied to the membership query.
type Filter struct {
	// Code uniquely identifies the filter.
	Code string
	// EntityName names the collectable entity type the filter applies to.
	EntityName string
	Description string
	Args        []ArgSpec
	// Apply appends the filter's predicates to the query using the
	// operation's argument values.
	Apply func(q *Query, args ArgValues) error
}

// ArgValues are the argument values of one configurable operation, keyed
// by argument name.
type ArgValues map[string]string

// FilterRegistry holds the filter definitions available to collections.
type FilterRegistry struct {
	filters map[string]Filter
}

// NewFilterRegistry creates a registry with the given filters.
func NewFilterRegistry(filters ...Filter) *FilterRegistry {
	r := &FilterRegistry{filters: make(map[string]Filter, len(filters))}
	for _, f := range filters {
		r.filters[f.Code] = f
	}

	return r
}

// Register adds a filter definition, replacing any with the same code.
func (r *FilterRegistry) Register(f Filter) { r.filters[f.Code] = f }

// Get returns the filter with the given code.
func (r *FilterRegistry) Get(code string) (Filter, error) {
	f, ok := r.filters[code]
	if !ok {
		return Filter{}, fmt.Errorf("filter %q: %w", code, firelancer.ErrNoSuchFilter)
	}

	return f, nil
}

// Validate checks that every operation references a known filter, has all
// required arguments, and applies cleanly to a throwaway query.
func (r *FilterRegistry) Validate(ops []ConfigurableOperation) error {
	for _, op := range ops {
		f, err := r.Get(op.Code)
		if err != nil {
			return err
		}
		for _, spec := range f.Args {
			if !spec.Required {
				continue
			}
			if _, ok := op.Arg(spec.Name); !ok {
				return fmt.Errorf("filter %q: missing required argument %q", op.Code, spec.Name)
			}
		}
		if err := f.Apply(NewQuery(), argValues(op)); err != nil {
			return fmt.Errorf("filter %q: invalid arguments: %w", op.Code, err)
		}
	}

	return nil
}

// BuildQuery translates a list of operations into a membership query.
// An empty operation list yields a query matching nothing: a collection
// without filters has no derived members.
func (r *FilterRegistry) BuildQuery(ops []ConfigurableOperation) (*Query, error) {
	q := NewQuery()
	for _, op := range ops {
		f, err := r.Get(op.Code)
		if err != nil {
			return nil, err
		}
		if err := f.Apply(q, argValues(op)); err != nil {
			return nil, fmt.Errorf("filter %q: %w", op.Code, err)
		}
	}
	if q.Empty() {
		q.Where(None())
	}

	return q, nil
}

func argValues(op ConfigurableOperation) ArgValues {
	values := make(ArgValues, len(op.Args))
	for _, a := range op.Args {
		values[a.Name] = a.Value
	}

	return values
}
