package cbd_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/calvinalkan/cbdstore/internal/cbd"
	"github.com/calvinalkan/cbdstore/internal/composite"
	"github.com/calvinalkan/cbdstore/internal/config"
	"github.com/calvinalkan/cbdstore/internal/dispatch"
	"github.com/calvinalkan/cbdstore/internal/docstore"
	"github.com/calvinalkan/cbdstore/internal/metrics"
	"github.com/calvinalkan/cbdstore/internal/rdf"
	"github.com/calvinalkan/cbdstore/internal/txn"
)

const (
	pod     = "CBD_books"
	ctxName = "ex:ctx"
)

const testConfig = `{
	"namespaces": {
		"rdf": "http://www.w3.org/1999/02/22-rdf-syntax-ns#",
		"dct": "http://purl.org/dc/terms/",
		"bibo": "http://purl.org/ontology/bibo/",
		"ex": "http://example.com/",
	},
	"defaultContext": "http://example.com/ctx",
	"locks": {"retries": 2, "retryMinMs": 1, "retryMaxMs": 2},
	"stores": {
		"main": {
			"pods": {"CBD_books": {"cardinality": {"dct:created": 1}}},
			"async": {"table": true},
			"viewSpecifications": [
				{
					"_id": "v_book",
					"type": "bibo:Book",
					"from": "CBD_books",
					"joins": {"dct:isVersionOf": {"include": ["dct:title"]}},
				},
			],
			"tableSpecifications": [
				{
					"_id": "t_book",
					"type": "bibo:Book",
					"from": "CBD_books",
					"fields": [{"fieldName": "title", "predicates": ["dct:title"]}],
				},
			],
			"searchDocSpecifications": [
				{
					"_id": "s_book",
					"type": "bibo:Book",
					"from": "CBD_books",
					"indices": [{"fieldName": "title", "predicates": ["dct:title"]}],
					"fields": [{"fieldName": "title", "predicates": ["dct:title"]}],
				},
			],
		},
	},
}`

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store  *docstore.Store
	driver *cbd.Driver
	queue  *dispatch.MemoryQueue
	reg    *prometheus.Registry
}

func newFixture(t *testing.T, hooks cbd.Hooks) fixture {
	t.Helper()

	cfg, err := config.Parse([]byte(testConfig))
	if err != nil {
		t.Fatalf("config: %v", err)
	}

	s, err := docstore.Open(t.Context(), filepath.Join(t.TempDir(), "main.sqlite"),
		docstore.WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	t.Cleanup(func() { _ = s.Close() })

	reg := prometheus.NewRegistry()
	q := dispatch.NewMemoryQueue()

	d, err := cbd.New(cfg, "main", s,
		cbd.WithQueue(q),
		cbd.WithHooks(hooks),
		cbd.WithMetrics(metrics.New(reg)))
	if err != nil {
		t.Fatalf("driver: %v", err)
	}

	t.Cleanup(func() { _ = d.Close() })

	return fixture{store: s, driver: d, queue: q, reg: reg}
}

func typed(resource, typ string, preds map[string][]rdf.Value) rdf.ChangeSet {
	add := map[string][]rdf.Value{rdf.RDFType: {rdf.URI(typ)}}
	for p, vs := range preds {
		add[p] = vs
	}

	return rdf.ChangeSet{Changes: []rdf.SubjectChange{{Subject: rdf.ID(resource, ""), Additions: add}}}
}

func (f fixture) save(t *testing.T, cs rdf.ChangeSet) txn.Result {
	t.Helper()

	res, err := f.driver.SaveChanges(t.Context(), cs, pod, "", "test")
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	return res
}

func counter(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	total := 0.0

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}

		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}

	return total
}

func Test_SaveChanges_Refreshes_Sync_Kinds_And_Queues_Async_Kinds(t *testing.T) {
	t.Parallel()

	f := newFixture(t, cbd.Hooks{})
	ctx := t.Context()

	f.save(t, typed("ex:work1", "bibo:Work", map[string][]rdf.Value{"dct:title": {rdf.Literal("Work")}}))
	res := f.save(t, typed("ex:book1", "bibo:Book", map[string][]rdf.Value{
		"dct:title":       {rdf.Literal("Book")},
		"dct:isVersionOf": {rdf.URI("ex:work1")},
	}))

	if diff := cmp.Diff(map[string][]string{"ex:book1": {}}, res.Subjects); diff != "" {
		t.Fatalf("subjects mismatch (-want +got):\n%s", diff)
	}

	engine, err := f.driver.Engine("main")
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	view, err := engine.Views().View(ctx, "v_book", rdf.ID("ex:book1", ctxName))
	if err != nil {
		t.Fatalf("view built inline: %v", err)
	}

	if len(view.Value.Graphs) != 2 {
		t.Fatalf("graphs = %d, want 2", len(view.Value.Graphs))
	}

	// Tables are asynchronous: nothing yet, one discover job per write.
	if n, _ := f.store.CountArtifacts(ctx, engine.Tables().Collection(), "t_book"); n != 0 {
		t.Fatalf("rows before worker = %d, want 0", n)
	}

	if n, _ := f.queue.Len(); n != 2 {
		t.Fatalf("queued = %d, want 2", n)
	}

	w := dispatch.NewWorker(f.queue, f.driver)

	if _, err := w.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	rows, total, err := engine.Tables().Rows(ctx, "t_book", composite.RowQuery{})
	if err != nil {
		t.Fatalf("rows: %v", err)
	}

	if total != 1 || rows[0].ID.Resource != "ex:book1" {
		t.Fatalf("rows = %+v, want ex:book1", rows)
	}
}

func Test_SaveChanges_Succeeds_When_Hook_Panics_Or_Fails(t *testing.T) {
	t.Parallel()

	var (
		failures []error
		pending  []string
	)

	f := newFixture(t, cbd.Hooks{
		BeforeSave: func(_ context.Context, p cbd.Pending) error {
			pending = append(pending, p.Description)
			if len(pending) > 1 {
				panic("before")
			}

			return errors.New("before hook")
		},
		AfterSave: func(context.Context, cbd.Saved) error { panic("boom") },
		AfterRefresh: func(context.Context, cbd.Refreshed) error {
			return errors.New("refresh hook")
		},
		AfterFailure: func(_ context.Context, fl cbd.Failure) error {
			failures = append(failures, fl.Err)

			return nil
		},
	})

	f.save(t, typed("ex:book1", "bibo:Book", nil))

	if got := counter(t, f.reg, "cbd_hook_failures_total"); got != 3 {
		t.Fatalf("hook failures = %v, want 3", got)
	}

	if _, err := f.driver.Describe(t.Context(), pod, "ex:book1", ""); err != nil {
		t.Fatalf("describe after failed before hook: %v", err)
	}

	cs := rdf.ChangeSet{Changes: []rdf.SubjectChange{{
		Subject:   rdf.ID("ex:book1", ""),
		Additions: map[string][]rdf.Value{"dct:created": {rdf.Literal("2001"), rdf.Literal("2002")}},
	}}}

	_, err := f.driver.SaveChanges(t.Context(), cs, pod, "", "too many")

	var cardErr *txn.CardinalityError
	if !errors.As(err, &cardErr) {
		t.Fatalf("err = %v, want CardinalityError", err)
	}

	if len(failures) != 1 {
		t.Fatalf("failure hook calls = %d, want 1", len(failures))
	}

	if diff := cmp.Diff([]string{"test", "too many"}, pending); diff != "" {
		t.Fatalf("before hook descriptions mismatch (-want +got):\n%s", diff)
	}

	if got := counter(t, f.reg, "cbd_hook_failures_total"); got != 4 {
		t.Fatalf("hook failures = %v, want 4", got)
	}
}

func Test_GetView_Builds_View_When_Missing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, cbd.Hooks{})

	// Written behind the driver's back: no view exists yet.
	doc := rdf.NewDocument(rdf.ID("ex:book9", ctxName))
	doc.Predicates[rdf.RDFType] = []rdf.Value{rdf.URI("bibo:Book")}

	if _, err := f.store.Put(t.Context(), pod, doc); err != nil {
		t.Fatalf("put: %v", err)
	}

	view, err := f.driver.GetView(t.Context(), "v_book", "http://example.com/book9", "")
	if err != nil {
		t.Fatalf("get view: %v", err)
	}

	if view.ID.Resource != "ex:book9" || view.ID.Context != ctxName {
		t.Fatalf("view id = %+v, want ex:book9 in %s", view.ID, ctxName)
	}

	if got := counter(t, f.reg, "cbd_artifact_cache_misses_total"); got != 1 {
		t.Fatalf("cache misses = %v, want 1", got)
	}

	if _, err := f.driver.GetView(t.Context(), "v_book", "ex:book9", ""); err != nil {
		t.Fatalf("second get: %v", err)
	}

	if got := counter(t, f.reg, "cbd_artifact_cache_misses_total"); got != 1 {
		t.Fatalf("cache misses after hit = %v, want 1", got)
	}
}

func Test_Reads_Generate_Rows_And_Search_Documents_When_None_Exist(t *testing.T) {
	t.Parallel()

	f := newFixture(t, cbd.Hooks{})
	ctx := t.Context()

	for _, r := range []string{"ex:b1", "ex:b2"} {
		doc := rdf.NewDocument(rdf.ID(r, ctxName))
		doc.Predicates[rdf.RDFType] = []rdf.Value{rdf.URI("bibo:Book")}
		doc.Predicates["dct:title"] = []rdf.Value{rdf.Literal("Title of " + r)}

		if _, err := f.store.Put(ctx, pod, doc); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	_, total, err := f.driver.GetTableRows(ctx, "t_book", composite.RowQuery{})
	if err != nil {
		t.Fatalf("rows: %v", err)
	}

	if total != 2 {
		t.Fatalf("rows = %d, want 2", total)
	}

	res, err := f.driver.Search(ctx, composite.Query{Q: "title b2", Type: "s_book"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	if res.Total != 1 || res.Hits[0].ID.Resource != "ex:b2" {
		t.Fatalf("search = %+v, want ex:b2", res)
	}

	_, err = f.driver.Search(ctx, composite.Query{Type: "s_book"})
	if !errors.Is(err, composite.ErrMissingSearchParameter) {
		t.Fatalf("search without q: err = %v, want ErrMissingSearchParameter", err)
	}
}

func Test_Regenerate_Rebuilds_Single_Resource_When_Given(t *testing.T) {
	t.Parallel()

	f := newFixture(t, cbd.Hooks{})
	ctx := t.Context()

	for _, r := range []string{"ex:b1", "ex:b2"} {
		doc := rdf.NewDocument(rdf.ID(r, ctxName))
		doc.Predicates[rdf.RDFType] = []rdf.Value{rdf.URI("bibo:Book")}

		if _, err := f.store.Put(ctx, pod, doc); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	n, err := f.driver.Regenerate(ctx, "t_book", "ex:b1", "")
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}

	if n != 1 {
		t.Fatalf("regenerated %d, want 1", n)
	}

	n, err = f.driver.Regenerate(ctx, "", "", "")
	if err != nil {
		t.Fatalf("regenerate all: %v", err)
	}

	// Two books for each of the three specs.
	if n != 6 {
		t.Fatalf("regenerated %d, want 6", n)
	}
}

func Test_QueueRegenerate_Enqueues_Discover_Job_For_Async_Kinds(t *testing.T) {
	t.Parallel()

	f := newFixture(t, cbd.Hooks{})

	job, err := f.driver.QueueRegenerate(t.Context(), pod, "ex:b1", "")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}

	want := &dispatch.DiscoverJob{
		Changes:      map[string][]string{"ex:b1": {rdf.RDFType}},
		Operations:   []config.OperationKind{config.KindTable},
		StoreName:    "main",
		PodName:      pod,
		ContextAlias: ctxName,
	}

	if diff := cmp.Diff(want, job.Discover); diff != "" {
		t.Fatalf("discover payload mismatch (-want +got):\n%s", diff)
	}
}

func Test_Driver_Engine_Rejects_Other_Store(t *testing.T) {
	t.Parallel()

	f := newFixture(t, cbd.Hooks{})

	_, err := f.driver.Engine("other")
	if !errors.Is(err, config.ErrStoreNotFound) {
		t.Fatalf("err = %v, want ErrStoreNotFound", err)
	}
}
