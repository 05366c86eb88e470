package txn

import (
	"fmt"
	"maps"
	"slices"

	"github.com/calvinalkan/cbdstore/internal/rdf"
)

// applyChange computes the post-image of one subject. It returns nil when
// the document ends up without predicates and must be deleted.
func applyChange(current *rdf.Document, change rdf.SubjectChange, limits map[string]int) (*rdf.Document, error) {
	doc := current
	if doc == nil {
		doc = rdf.NewDocument(change.Subject)
	}

	for _, pred := range slices.Sorted(maps.Keys(change.Removals)) {
		for _, v := range change.Removals[pred] {
			vs := doc.Predicates[pred]

			idx := slices.Index(vs, v)
			if idx < 0 {
				return nil, fmt.Errorf("%w: %s %s %s", ErrStaleRemoval, change.Subject, pred, v)
			}

			doc.Predicates[pred] = slices.Delete(vs, idx, idx+1)
		}
	}

	for _, pred := range slices.Sorted(maps.Keys(change.Additions)) {
		doc.Predicates[pred] = rdf.DedupeValues(append(doc.Predicates[pred], change.Additions[pred]...))
	}

	for pred, vs := range doc.Predicates {
		if len(vs) == 0 {
			delete(doc.Predicates, pred)
		}
	}

	err := checkCardinality(change.Subject, doc, limits)
	if err != nil {
		return nil, err
	}

	if doc.IsEmpty() {
		return nil, nil
	}

	return doc, nil
}

func checkCardinality(subject rdf.Identity, doc *rdf.Document, limits map[string]int) error {
	for _, pred := range slices.Sorted(maps.Keys(limits)) {
		vs := doc.Values(pred)
		if len(vs) > limits[pred] {
			return &CardinalityError{Subject: subject, Predicate: pred, Limit: limits[pred], Values: slices.Clone(vs)}
		}
	}

	return nil
}

// canonicalChanges rewrites subjects, predicates and URI values into alias
// form and fills missing contexts with ctx. Changes for the same subject are
// merged. A subject naming a context other than ctx fails with
// ErrMixedContext: one write touches one context.
func canonicalChanges(l *rdf.Labeller, cs rdf.ChangeSet, ctx string) ([]rdf.SubjectChange, error) {
	bySubject := map[rdf.Identity]*rdf.SubjectChange{}

	var order []rdf.Identity

	for _, c := range cs.Changes {
		id := rdf.ID(l.Canonical(c.Subject.Resource), l.Canonical(c.Subject.Context))
		if id.Context == "" {
			id.Context = ctx
		}

		if id.Context != ctx {
			return nil, fmt.Errorf("%w: %s is in %s, write is in %s", ErrMixedContext, id.Resource, id.Context, ctx)
		}

		merged, ok := bySubject[id]
		if !ok {
			merged = &rdf.SubjectChange{Subject: id}
			bySubject[id] = merged
			order = append(order, id)
		}

		merged.Additions = mergeValues(l, merged.Additions, c.Additions)
		merged.Removals = mergeValues(l, merged.Removals, c.Removals)
	}

	out := make([]rdf.SubjectChange, 0, len(order))
	for _, id := range rdf.SortIdentities(order) {
		out = append(out, *bySubject[id])
	}

	return out, nil
}

func mergeValues(l *rdf.Labeller, into, from map[string][]rdf.Value) map[string][]rdf.Value {
	if len(from) == 0 {
		return into
	}

	if into == nil {
		into = map[string][]rdf.Value{}
	}

	for pred, vs := range from {
		p := l.Canonical(pred)

		for _, v := range vs {
			if v.IsURI() {
				v = rdf.URI(l.Canonical(v.V))
			}

			into[p] = append(into[p], v)
		}

		into[p] = rdf.DedupeValues(into[p])
	}

	return into
}
