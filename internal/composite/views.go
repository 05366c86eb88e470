package composite

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/calvinalkan/cbdstore/internal/config"
	"github.com/calvinalkan/cbdstore/internal/docstore"
	"github.com/calvinalkan/cbdstore/internal/rdf"
)

// Views builds one graph per root: the projected root document followed by
// every joined document.
type Views struct {
	*base
}

// NewViews returns the view kind of storeName.
func NewViews(cfg config.Config, storeName string, store *docstore.Store, opts ...Option) (*Views, error) {
	b, err := newBase(config.KindView, cfg, storeName, store, renderView, opts)
	if err != nil {
		return nil, err
	}

	return &Views{base: b}, nil
}

// View returns the stored view, expired or not.
func (v *Views) View(ctx context.Context, specID string, id rdf.Identity) (docstore.Artifact, error) {
	return v.store.GetArtifact(ctx, v.coll, docstore.ArtifactID{Resource: id.Resource, Context: id.Context, Type: specID})
}

func renderView(b *base, _ config.Spec, w *walk, counts map[string]string) docstore.ArtifactValue {
	graphs := make([]*rdf.Document, 0, len(w.visits))
	at := map[rdf.Identity]int{}

	for _, v := range w.visits {
		g := v.doc.Project(b.canonicalList(v.level.include))
		g.Version = 0
		g.Created = time.Time{}
		g.Updated = time.Time{}

		// A document reached along two join paths appears once.
		if i, ok := at[g.ID]; ok {
			for p, vs := range g.Predicates {
				graphs[i].Predicates[p] = rdf.DedupeValues(append(graphs[i].Predicates[p], vs...))
			}

			continue
		}

		at[g.ID] = len(graphs)
		graphs = append(graphs, g)
	}

	for _, field := range slices.Sorted(maps.Keys(counts)) {
		graphs[0].Predicates[field] = []rdf.Value{rdf.Literal(counts[field])}
	}

	return docstore.ArtifactValue{Graphs: graphs}
}
