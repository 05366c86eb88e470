package docstore_test

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/calvinalkan/cbdstore/internal/docstore"
	"github.com/calvinalkan/cbdstore/internal/rdf"
)

// fakeClock is a settable clock shared by a store and its test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openStore(t *testing.T, opts ...docstore.Option) *docstore.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "store.sqlite")

	s, err := docstore.Open(t.Context(), path, opts...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func book(resource string, types []string, preds map[string][]rdf.Value) *rdf.Document {
	doc := rdf.NewDocument(rdf.ID(resource, "ex:ctx"))

	for _, typ := range types {
		doc.Predicates[rdf.RDFType] = append(doc.Predicates[rdf.RDFType], rdf.URI(typ))
	}

	for p, vs := range preds {
		doc.Predicates[p] = vs
	}

	return doc
}
