package composite

import (
	"context"
	"maps"
	"slices"

	"github.com/calvinalkan/cbdstore/internal/docstore"
	"github.com/calvinalkan/cbdstore/internal/rdf"
)

// source is where root and joined documents come from: a pod, or the
// collection of another kind.
type source interface {
	find(ctx context.Context, q docstore.DocumentQuery) ([]*rdf.Document, error)
	getMany(ctx context.Context, ids []rdf.Identity) (map[rdf.Identity]*rdf.Document, error)
}

func (b *base) source(coll string) source {
	if _, ok := b.sc.KindOfCollection(coll); ok {
		return artifactSource{store: b.store, coll: coll}
	}

	return podSource{store: b.store, coll: coll}
}

type podSource struct {
	store *docstore.Store
	coll  string
}

func (p podSource) find(ctx context.Context, q docstore.DocumentQuery) ([]*rdf.Document, error) {
	return p.store.Find(ctx, p.coll, q)
}

func (p podSource) getMany(ctx context.Context, ids []rdf.Identity) (map[rdf.Identity]*rdf.Document, error) {
	return p.store.GetMany(ctx, p.coll, ids)
}

// artifactSource reads unexpired artifacts of another kind as documents.
// All artifacts rooted at one resource merge into a single document: the
// root graph of a view, table fields and search results as literals, and
// the artifact spec ids as extra rdf:type values.
type artifactSource struct {
	store *docstore.Store
	coll  string
}

func (a artifactSource) find(ctx context.Context, q docstore.DocumentQuery) ([]*rdf.Document, error) {
	arts, _, err := a.store.ListArtifacts(ctx, a.coll, docstore.ArtifactQuery{Resource: q.Resource, Context: q.Context})
	if err != nil {
		return nil, err
	}

	var out []*rdf.Document

	for _, group := range groupByRoot(arts) {
		doc := artifactDocument(group)

		if len(q.Types) > 0 && !slices.ContainsFunc(doc.Types(), func(t string) bool { return slices.Contains(q.Types, t) }) {
			continue
		}

		out = append(out, doc)
	}

	return out, nil
}

func (a artifactSource) getMany(ctx context.Context, ids []rdf.Identity) (map[rdf.Identity]*rdf.Document, error) {
	out := make(map[rdf.Identity]*rdf.Document, len(ids))
	now := a.store.Now()

	for _, id := range ids {
		if _, done := out[id]; done {
			continue
		}

		arts, err := a.store.ArtifactsForResource(ctx, a.coll, id)
		if err != nil {
			return nil, err
		}

		arts = slices.DeleteFunc(arts, func(x docstore.Artifact) bool { return x.Expired(now) })
		if len(arts) == 0 {
			continue
		}

		out[id] = artifactDocument(arts)
	}

	return out, nil
}

// groupByRoot splits artifacts sorted by root into per-root runs.
func groupByRoot(arts []docstore.Artifact) [][]docstore.Artifact {
	var out [][]docstore.Artifact

	for i, a := range arts {
		if i > 0 && arts[i-1].ID.Root() == a.ID.Root() {
			out[len(out)-1] = append(out[len(out)-1], a)

			continue
		}

		out = append(out, []docstore.Artifact{a})
	}

	return out
}

func artifactDocument(arts []docstore.Artifact) *rdf.Document {
	doc := rdf.NewDocument(arts[0].ID.Root())

	add := func(pred string, vs ...rdf.Value) {
		doc.Predicates[pred] = rdf.DedupeValues(append(doc.Predicates[pred], vs...))
	}

	for _, a := range arts {
		if len(a.Value.Graphs) > 0 && a.Value.Graphs[0] != nil {
			root := a.Value.Graphs[0]
			for _, p := range root.PredicateNames() {
				add(p, root.Predicates[p]...)
			}
		}

		for _, fields := range []map[string]docstore.FieldValue{a.Value.Fields, a.Value.Result} {
			for _, name := range slices.Sorted(maps.Keys(fields)) {
				for _, v := range fields[name] {
					add(name, rdf.Literal(v))
				}
			}
		}

		add(rdf.RDFType, rdf.URI(a.ID.Type))
	}

	return doc
}
