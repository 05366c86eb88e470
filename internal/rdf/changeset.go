package rdf

import (
	"maps"
	"slices"
)

// SubjectChange groups the additions and removals for one subject, keyed by
// predicate alias.
type SubjectChange struct {
	Subject   Identity           `json:"subject"`
	Additions map[string][]Value `json:"additions,omitempty"`
	Removals  map[string][]Value `json:"removals,omitempty"`
}

// Predicates returns every predicate touched by the change, sorted.
func (c SubjectChange) Predicates() []string {
	set := map[string]struct{}{}

	for p := range c.Additions {
		set[p] = struct{}{}
	}

	for p := range c.Removals {
		set[p] = struct{}{}
	}

	return slices.Sorted(maps.Keys(set))
}

// ChangeSet is the per-write list of subject changes, ordered by subject.
type ChangeSet struct {
	Changes []SubjectChange `json:"changes"`
}

// IsEmpty reports whether the change set has nothing to apply.
func (cs ChangeSet) IsEmpty() bool {
	return len(cs.Changes) == 0
}

// Subjects returns the identities of every changed subject in order.
func (cs ChangeSet) Subjects() []Identity {
	out := make([]Identity, 0, len(cs.Changes))
	for _, c := range cs.Changes {
		out = append(out, c.Subject)
	}

	return out
}

// SubjectsAndPredicates maps each changed subject resource to the
// predicates its change touches.
func (cs ChangeSet) SubjectsAndPredicates() map[string][]string {
	out := make(map[string][]string, len(cs.Changes))
	for _, c := range cs.Changes {
		out[c.Subject.Resource] = c.Predicates()
	}

	return out
}

// Diff compares two canonical graphs and returns the statements to add and
// remove per subject, in context ctx. Subjects are sorted; within a
// predicate, values keep the order of the graph they came from.
func Diff(before, after Graph, ctx string) ChangeSet {
	subjects := map[string]struct{}{}
	for s := range before {
		subjects[s] = struct{}{}
	}

	for s := range after {
		subjects[s] = struct{}{}
	}

	var cs ChangeSet

	for _, s := range slices.Sorted(maps.Keys(subjects)) {
		change := SubjectChange{
			Subject:   ID(s, ctx),
			Additions: map[string][]Value{},
			Removals:  map[string][]Value{},
		}

		for p, vs := range after[s] {
			for _, v := range vs {
				if !ContainsValue(before[s][p], v) {
					change.Additions[p] = append(change.Additions[p], v)
				}
			}
		}

		for p, vs := range before[s] {
			for _, v := range vs {
				if !ContainsValue(after[s][p], v) {
					change.Removals[p] = append(change.Removals[p], v)
				}
			}
		}

		if len(change.Additions) == 0 && len(change.Removals) == 0 {
			continue
		}

		if len(change.Additions) == 0 {
			change.Additions = nil
		}

		if len(change.Removals) == 0 {
			change.Removals = nil
		}

		cs.Changes = append(cs.Changes, change)
	}

	return cs
}
