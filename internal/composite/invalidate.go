package composite

import (
	"context"
	"fmt"
	"slices"

	"github.com/calvinalkan/cbdstore/internal/config"
	"github.com/calvinalkan/cbdstore/internal/rdf"
)

// subjectSet collects impacted subjects in first-seen order, merging spec
// types of entries for the same resource and pod.
type subjectSet struct {
	index map[subjectKey]int
	list  []ImpactedSubject
}

type subjectKey struct {
	hash uint64
	pod  string
}

func newSubjectSet() *subjectSet {
	return &subjectSet{index: map[subjectKey]int{}}
}

func (s *subjectSet) add(sub ImpactedSubject) bool {
	key := subjectKey{hash: sub.ResourceID.Hash(), pod: sub.PodName}

	if i, ok := s.index[key]; ok {
		merged := append(s.list[i].SpecTypes, sub.SpecTypes...)
		slices.Sort(merged)
		s.list[i].SpecTypes = slices.Compact(merged)

		return false
	}

	sub.SpecTypes = slices.Compact(slices.Sorted(slices.Values(sub.SpecTypes)))
	s.index[key] = len(s.list)
	s.list = append(s.list, sub)

	return true
}

func (b *base) ImpactedSubjects(ctx context.Context, changes map[string][]string, pod, contextAlias string) ([]ImpactedSubject, error) {
	if len(b.specs) == 0 || len(changes) == 0 {
		return nil, nil
	}

	ctxAlias := b.contextAlias(contextAlias)

	ids := make([]rdf.Identity, 0, len(changes))
	preds := make(map[rdf.Identity][]string, len(changes))

	for subject, ps := range changes {
		id := rdf.ID(b.labeller.Canonical(subject), ctxAlias)
		ids = append(ids, id)
		preds[id] = append(preds[id], ps...)
	}

	rdf.SortIdentities(ids)
	ids = slices.Compact(ids)

	out := newSubjectSet()

	err := b.directSubjects(ctx, ids, preds, pod, out)
	if err != nil {
		return nil, err
	}

	err = b.indexedSubjects(ctx, ids, out)
	if err != nil {
		return nil, err
	}

	b.metrics.Impacted(string(b.kind), len(out.list))
	b.log.Debug("impacted subjects", "pod", pod, "changed", len(ids), "impacted", len(out.list))

	return out.list, nil
}

// directSubjects flags changed documents that are roots of a spec of this
// kind. Views rebuild on any change; tables and search documents only when
// the type may have changed.
func (b *base) directSubjects(ctx context.Context, ids []rdf.Identity, preds map[rdf.Identity][]string, pod string, out *subjectSet) error {
	var specs []config.Spec

	for _, s := range b.specs {
		if s.From == pod {
			specs = append(specs, s)
		}
	}

	if len(specs) == 0 {
		return nil
	}

	docs, err := b.source(pod).getMany(ctx, ids)
	if err != nil {
		return fmt.Errorf("%s impacted subjects: %w", b.kind, err)
	}

	for _, id := range ids {
		doc, ok := docs[id]
		if !ok || !b.triggers(preds[id]) {
			continue
		}

		for _, spec := range specs {
			if !b.typeMatches(doc, spec) {
				continue
			}

			out.add(ImpactedSubject{
				ResourceID: id,
				Operation:  b.kind,
				StoreName:  b.storeName,
				PodName:    pod,
				SpecTypes:  []string{spec.ID},
			})
		}
	}

	return nil
}

func (b *base) triggers(preds []string) bool {
	return b.kind == config.KindView || len(preds) == 0 || slices.ContainsFunc(preds, b.labeller.IsType)
}

// indexedSubjects flags every artifact whose impact index holds a changed
// identity. Artifacts built with a ttl have no index and are never found.
func (b *base) indexedSubjects(ctx context.Context, ids []rdf.Identity, out *subjectSet) error {
	var types []string

	for _, s := range b.specs {
		if s.TTL == 0 {
			types = append(types, s.ID)
		}
	}

	if len(types) == 0 {
		return nil
	}

	found, err := b.store.FindImpacted(ctx, b.coll, ids, types)
	if err != nil {
		return fmt.Errorf("%s impacted subjects: %w", b.kind, err)
	}

	for _, aid := range found {
		spec, ok := b.spec(aid.Type)
		if !ok {
			continue
		}

		out.add(ImpactedSubject{
			ResourceID: aid.Root(),
			Operation:  b.kind,
			StoreName:  b.storeName,
			PodName:    spec.From,
			SpecTypes:  []string{aid.Type},
		})
	}

	return nil
}

// fedSubjects maps subjects rebuilt in coll to the roots this kind's specs
// built from coll select. Such a spec names spec ids as its type, so the
// match reads nothing: the rebuilt artifact may not exist yet, or may be
// gone.
func (b *base) fedSubjects(rebuilt []ImpactedSubject, coll string) []ImpactedSubject {
	var out []ImpactedSubject

	for _, spec := range b.specs {
		if spec.From != coll {
			continue
		}

		forms := b.typeForms(spec)

		for _, s := range rebuilt {
			if !slices.ContainsFunc(s.SpecTypes, func(t string) bool { return slices.Contains(forms, t) }) {
				continue
			}

			out = append(out, ImpactedSubject{
				ResourceID: s.ResourceID,
				Operation:  b.kind,
				StoreName:  b.storeName,
				PodName:    coll,
				SpecTypes:  []string{spec.ID},
			})
		}
	}

	return out
}
