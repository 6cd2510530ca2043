package catalog

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/MohamedSaeedBekhit/firelancer/id"
)

// JobPostEntityName is the entity name job posts are registered under.
const JobPostEntityName = "JobPost"

// DefaultFilters returns the filter definitions registered out of the box.
func DefaultFilters() []Filter {
	return []Filter{FacetValueFilter()}
}

// FacetValueFilter matches job posts carrying the given facet values.
//
// Arguments:
//   - facetValueIds: JSON array of facet value ID strings
//   - containsAny: "true" to match posts with any of the values,
//     "false" (default) to require all of them
//   - combineWithAnd: "false" to OR this filter with the preceding ones,
//     "true" (default) to AND it
//
// With combineWithAnd and an empty ID list the filter matches nothing,
// so a misconfigured operation cannot silently select the whole catalog.
func FacetValueFilter() Filter {
	return Filter{
		Code:        "facet-value-filter",
		EntityName:  JobPostEntityName,
		Description: "Filter by facet values",
		Args: []ArgSpec{
			{Name: "facetValueIds", Type: "ID list", Required: true},
			{Name: "containsAny", Type: "boolean"},
			{Name: "combineWithAnd", Type: "boolean"},
		},
		Apply: func(q *Query, args ArgValues) error {
			ids, err := parseIDList(args["facetValueIds"])
			if err != nil {
				return fmt.Errorf("facetValueIds: %w", err)
			}
			containsAny := parseBool(args["containsAny"], false)
			combineWithAnd := parseBool(args["combineWithAnd"], true)

			var pred Predicate
			if len(ids) == 0 {
				if !combineWithAnd {
					// ORing an empty value set adds nothing.
					return nil
				}
				pred = None()
			} else {
				pred = &facetValuePredicate{ids: ids, containsAny: containsAny}
			}

			if combineWithAnd {
				q.Where(pred)
			} else {
				q.OrWhere(pred)
			}

			return nil
		},
	}
}

// facetValuePredicate matches entities by their facet values. With
// containsAny one shared value suffices; otherwise every listed value
// must be present.
type facetValuePredicate struct {
	ids         []id.FacetValueID
	containsAny bool
}

func (p *facetValuePredicate) minMatches() int {
	if p.containsAny {
		return 1
	}

	return len(p.ids)
}

func (p *facetValuePredicate) SQL(alias string) (string, []any) {
	placeholders := make([]string, len(p.ids))
	args := make([]any, 0, len(p.ids)+1)
	for i, fv := range p.ids {
		placeholders[i] = "?"
		args = append(args, fv.String())
	}
	args = append(args, p.minMatches())

	frag := fmt.Sprintf(
		"%s.id IN (SELECT job_post_id FROM firelancer_job_post_facet_values"+
			" WHERE facet_value_id IN (%s)"+
			" GROUP BY job_post_id HAVING COUNT(DISTINCT facet_value_id) >= ?)",
		alias, strings.Join(placeholders, ", "))

	return frag, args
}

func (p *facetValuePredicate) Match(entity any) bool {
	carrier, ok := entity.(FacetValueCarrier)
	if !ok {
		return false
	}

	have := make(map[string]struct{})
	for _, fv := range carrier.FacetValueIDs() {
		have[fv.String()] = struct{}{}
	}

	matches := 0
	for _, fv := range p.ids {
		if _, ok := have[fv.String()]; ok {
			matches++
		}
	}

	return matches >= p.minMatches()
}

func parseIDList(raw string) ([]id.FacetValueID, error) {
	if raw == "" {
		return nil, nil
	}

	var strs []string
	if err := json.Unmarshal([]byte(raw), &strs); err != nil {
		return nil, fmt.Errorf("parse ID list %q: %w", raw, err)
	}

	ids := make([]id.FacetValueID, 0, len(strs))
	for _, s := range strs {
		parsed, err := id.ParseFacetValueID(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, parsed)
	}

	return ids, nil
}

func parseBool(raw string, fallback bool) bool {
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}

	return v
}
