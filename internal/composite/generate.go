package composite

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/calvinalkan/cbdstore/internal/config"
	"github.com/calvinalkan/cbdstore/internal/docstore"
	"github.com/calvinalkan/cbdstore/internal/rdf"
)

func (b *base) Generate(ctx context.Context, specID string, resource *rdf.Identity, contextAlias string) (int, error) {
	spec, ok := b.spec(specID)
	if !ok {
		return 0, fmt.Errorf("%s: %w: %q", b.kind, ErrSpecNotFound, specID)
	}

	if b.kind == config.KindView && len(spec.Joins) == 0 {
		return 0, fmt.Errorf("%w: view %q has no joins", ErrConfig, spec.ID)
	}

	started := time.Now()

	q := docstore.DocumentQuery{Context: b.contextAlias(contextAlias), Types: b.typeForms(spec)}
	if resource != nil {
		q.Resource = b.labeller.Canonical(resource.Resource)

		if resource.Context != "" {
			q.Context = b.labeller.Canonical(resource.Context)
		}
	}

	roots, err := b.source(spec.From).find(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("generate %s: %w", spec.ID, err)
	}

	n := 0

	for _, root := range roots {
		if !b.matches(root, spec.Filter) {
			continue
		}

		err = b.put(ctx, spec, root)
		if err != nil {
			return n, err
		}

		n++
	}

	b.metrics.Generated(string(b.kind), spec.ID, n, time.Since(started).Seconds())
	b.log.Debug("generated", "spec", spec.ID, "artifacts", n, "context", q.Context)

	return n, nil
}

func (b *base) put(ctx context.Context, spec config.Spec, root *rdf.Document) error {
	a, err := b.build(ctx, spec, root)
	if err != nil {
		return err
	}

	err = b.store.PutArtifact(ctx, b.coll, a)
	if err != nil {
		return fmt.Errorf("generate %s: %w", spec.ID, err)
	}

	return nil
}

func (b *base) build(ctx context.Context, spec config.Spec, root *rdf.Document) (docstore.Artifact, error) {
	w, err := b.walk(ctx, spec, root)
	if err != nil {
		return docstore.Artifact{}, err
	}

	counts, err := b.counts(ctx, spec, root)
	if err != nil {
		return docstore.Artifact{}, err
	}

	value := b.render(b, spec, w, counts)

	if spec.TTL > 0 {
		expires := b.store.Now().Add(time.Duration(spec.TTL) * time.Second)
		value.ExpiresAt = &expires
	} else {
		value.ImpactIndex = w.impact
	}

	return docstore.Artifact{
		ID:    docstore.ArtifactID{Resource: root.ID.Resource, Context: root.ID.Context, Type: spec.ID},
		Value: value,
	}, nil
}

// counts renders the counts aggregates of doc as decimal strings.
func (b *base) counts(ctx context.Context, spec config.Spec, doc *rdf.Document) (map[string]string, error) {
	if len(spec.Counts) == 0 {
		return nil, nil
	}

	out := make(map[string]string, len(spec.Counts))

	for field, c := range spec.Counts {
		pred := b.labeller.Canonical(c.Property)

		if c.From == "" {
			out[field] = strconv.Itoa(len(doc.Values(pred)))

			continue
		}

		n, err := b.store.CountReferencing(ctx, c.From, pred, doc.ID)
		if err != nil {
			return nil, fmt.Errorf("%s counts %s: %w", spec.ID, field, err)
		}

		out[field] = strconv.Itoa(n)
	}

	return out, nil
}

// Update drops the subject's artifacts of its spec types and rebuilds those
// whose type still matches the current document. A document that is gone,
// or no longer has a specified type, ends up with no artifacts.
func (b *base) Update(ctx context.Context, subject ImpactedSubject) error {
	var specs []config.Spec

	if len(subject.SpecTypes) == 0 {
		for _, s := range b.specs {
			if s.From == subject.PodName {
				specs = append(specs, s)
			}
		}
	} else {
		for _, id := range subject.SpecTypes {
			s, ok := b.spec(id)
			if !ok {
				b.log.Warn("impacted subject names an unknown spec", "spec", id, "resource", subject.ResourceID.String())

				continue
			}

			specs = append(specs, s)
		}
	}

	if len(specs) == 0 {
		return nil
	}

	ids := make([]string, len(specs))
	for i, s := range specs {
		ids[i] = s.ID
	}

	_, err := b.store.DeleteArtifacts(ctx, b.coll, subject.ResourceID, ids)
	if err != nil {
		return fmt.Errorf("update %s: %w", subject.ResourceID, err)
	}

	docs, err := b.source(subject.PodName).getMany(ctx, []rdf.Identity{subject.ResourceID})
	if err != nil {
		return fmt.Errorf("update %s: %w", subject.ResourceID, err)
	}

	doc, ok := docs[subject.ResourceID]
	if !ok {
		return nil
	}

	for _, spec := range specs {
		if spec.From != subject.PodName || !b.typeMatches(doc, spec) || !b.matches(doc, spec.Filter) {
			continue
		}

		err = b.put(ctx, spec, doc)
		if err != nil {
			return fmt.Errorf("update %s: %w", subject.ResourceID, err)
		}
	}

	return nil
}

func (b *base) DeleteBySpecID(ctx context.Context, specID string) (int, error) {
	if _, ok := b.spec(specID); !ok {
		return 0, fmt.Errorf("%s: %w: %q", b.kind, ErrSpecNotFound, specID)
	}

	n, err := b.store.DeleteArtifactsByType(ctx, b.coll, specID)
	if err != nil {
		return 0, err
	}

	b.log.Info("deleted artifacts", "spec", specID, "count", n)

	return n, nil
}

// EnsureIndexes creates the indexes every spec of this kind declares.
func (b *base) EnsureIndexes(ctx context.Context) error {
	for _, spec := range b.specs {
		for _, keys := range spec.EnsureIndexes {
			err := b.store.EnsureIndex(ctx, b.coll, spec.ID, keys)
			if err != nil {
				return fmt.Errorf("%s: %w", spec.ID, err)
			}
		}
	}

	return nil
}
