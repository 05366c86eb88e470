package composite

import (
	"context"

	"github.com/calvinalkan/cbdstore/internal/config"
	"github.com/calvinalkan/cbdstore/internal/docstore"
	"github.com/calvinalkan/cbdstore/internal/rdf"
)

// Tables builds one flat row of named fields per root.
type Tables struct {
	*base
}

// NewTables returns the table kind of storeName.
func NewTables(cfg config.Config, storeName string, store *docstore.Store, opts ...Option) (*Tables, error) {
	b, err := newBase(config.KindTable, cfg, storeName, store, renderTable, opts)
	if err != nil {
		return nil, err
	}

	return &Tables{base: b}, nil
}

// RowQuery pages through the rows of one table spec.
type RowQuery struct {
	Context string
	Filter  map[string]string
	Limit   int
	Offset  int
}

// Rows lists unexpired rows of specID and the total match count.
func (t *Tables) Rows(ctx context.Context, specID string, q RowQuery) ([]docstore.Artifact, int, error) {
	aq := docstore.ArtifactQuery{Type: specID, Filter: q.Filter, Limit: q.Limit, Offset: q.Offset}
	if q.Context != "" {
		aq.Context = t.labeller.Canonical(q.Context)
	}

	return t.store.ListArtifacts(ctx, t.coll, aq)
}

func renderTable(b *base, _ config.Spec, w *walk, counts map[string]string) docstore.ArtifactValue {
	fields := b.fieldValues(w, func(l level) []config.FieldSpec { return l.fields })
	addCounts(fields, counts)

	return docstore.ArtifactValue{Fields: fields}
}

// fieldValues collects the named fields picked from every visited level.
// Values of one field from several documents accumulate in walk order; a
// field's limit caps the total.
func (b *base) fieldValues(w *walk, pick func(level) []config.FieldSpec) map[string]docstore.FieldValue {
	out := map[string]docstore.FieldValue{}
	limits := map[string]int{}

	for _, v := range w.visits {
		for _, f := range pick(v.level) {
			if f.Limit > 0 {
				limits[f.FieldName] = f.Limit
			}

			vals := b.fieldOf(v.doc, f)
			if len(vals) > 0 {
				out[f.FieldName] = append(out[f.FieldName], vals...)
			}
		}
	}

	for name, limit := range limits {
		if len(out[name]) > limit {
			out[name] = out[name][:limit]
		}
	}

	return out
}

func (b *base) fieldOf(doc *rdf.Document, f config.FieldSpec) []string {
	if f.Value == config.LinkValue {
		if full, ok := b.labeller.Expand(doc.ID.Resource); ok {
			return []string{full}
		}

		return []string{doc.ID.Resource}
	}

	var out []string

	for _, p := range f.Predicates {
		for _, v := range doc.Values(b.labeller.Canonical(p)) {
			out = append(out, v.V)
		}
	}

	return out
}

func addCounts(into map[string]docstore.FieldValue, counts map[string]string) {
	for field, n := range counts {
		into[field] = docstore.FieldValue{n}
	}
}
