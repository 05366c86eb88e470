package composite

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"unicode"

	"github.com/calvinalkan/cbdstore/internal/config"
	"github.com/calvinalkan/cbdstore/internal/docstore"
)

// Search builds search documents: lower-cased terms from the index fields
// and a result record from the plain fields.
type Search struct {
	*base
}

// NewSearch returns the search kind of storeName.
func NewSearch(cfg config.Config, storeName string, store *docstore.Store, opts ...Option) (*Search, error) {
	b, err := newBase(config.KindSearch, cfg, storeName, store, renderSearch, opts)
	if err != nil {
		return nil, err
	}

	return &Search{base: b}, nil
}

// Query is a search request. Q and Type are required; Type may list several
// spec ids separated by commas.
type Query struct {
	Q      string
	Type   string
	Limit  int
	Offset int
}

// Hit is one matching search document.
type Hit struct {
	ID     docstore.ArtifactID            `json:"_id"`
	Result map[string]docstore.FieldValue `json:"result"`
}

// Results is a page of hits with the total match count.
type Results struct {
	Total int   `json:"total"`
	Hits  []Hit `json:"results"`
}

// Types splits q.Type into spec ids.
func (q Query) Types() []string {
	var out []string

	for _, t := range strings.Split(q.Type, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}

	return out
}

// Search returns search documents holding every term of q.Q.
func (s *Search) Search(ctx context.Context, q Query) (Results, error) {
	terms := tokens(q.Q)
	if len(terms) == 0 {
		return Results{}, fmt.Errorf("%w: q", ErrMissingSearchParameter)
	}

	types := q.Types()
	if len(types) == 0 {
		return Results{}, fmt.Errorf("%w: type", ErrMissingSearchParameter)
	}

	for _, t := range types {
		if _, ok := s.spec(t); !ok {
			return Results{}, fmt.Errorf("search: %w: %q", ErrSpecNotFound, t)
		}
	}

	arts, total, err := s.store.SearchArtifacts(ctx, s.coll, docstore.SearchQuery{
		Types:  types,
		Terms:  terms,
		Limit:  q.Limit,
		Offset: q.Offset,
	})
	if err != nil {
		return Results{}, err
	}

	out := Results{Total: total, Hits: make([]Hit, 0, len(arts))}
	for _, a := range arts {
		out.Hits = append(out.Hits, Hit{ID: a.ID, Result: a.Value.Result})
	}

	return out, nil
}

func renderSearch(b *base, _ config.Spec, w *walk, counts map[string]string) docstore.ArtifactValue {
	result := b.fieldValues(w, func(l level) []config.FieldSpec { return l.fields })
	addCounts(result, counts)

	indexed := b.fieldValues(w, func(l level) []config.FieldSpec { return l.indices })

	var terms []string

	for _, name := range slices.Sorted(maps.Keys(indexed)) {
		for _, v := range indexed[name] {
			for _, t := range tokens(v) {
				if !slices.Contains(terms, t) {
					terms = append(terms, t)
				}
			}
		}
	}

	return docstore.ArtifactValue{Result: result, SearchTerms: terms}
}

// tokens lower-cases s and splits it into letter and digit runs.
func tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
