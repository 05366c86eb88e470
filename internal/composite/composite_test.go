package composite_test

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/cbdstore/internal/composite"
	"github.com/calvinalkan/cbdstore/internal/config"
	"github.com/calvinalkan/cbdstore/internal/docstore"
	"github.com/calvinalkan/cbdstore/internal/rdf"
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
	"stores": {
		"main": {
			"pods": {"CBD_books": {}},
			"viewSpecifications": [
				{
					"_id": "v_book",
					"type": "bibo:Book",
					"from": "CBD_books",
					"include": ["rdf:type", "dct:title"],
					"joins": {"dct:isVersionOf": {"include": ["dct:title", "dct:subject"]}},
				},
				{
					"_id": "v_collection",
					"type": "bibo:Collection",
					"from": "CBD_books",
					"joins": {"dct:hasPart": {"maxJoins": 2, "include": ["dct:title"]}},
				},
				{
					"_id": "v_subjects",
					"type": "bibo:Manuscript",
					"from": "CBD_books",
					"joins": {"dct:isVersionOf": {"condition": {"dct:subject": "$exists"}}},
				},
				{
					"_id": "v_dual",
					"type": "bibo:Thesis",
					"from": "CBD_books",
					"joins": {
						"dct:isVersionOf": {"include": ["dct:title"]},
						"dct:relation": {"include": ["dct:subject"]},
					},
				},
			],
			"tableSpecifications": [
				{
					"_id": "t_book",
					"type": "bibo:Book",
					"from": "CBD_books",
					"fields": [
						{"fieldName": "title", "predicates": ["dct:title"]},
						{"fieldName": "link", "value": "_link_"},
					],
					"joins": {"dct:isVersionOf": {"fields": [{"fieldName": "workTitle", "predicates": ["dct:title"]}]}},
				},
				{
					"_id": "t_counted",
					"type": "bibo:Article",
					"from": "CBD_books",
					"ttl": 300,
					"counts": {
						"titleCount": {"property": "dct:title"},
						"citedBy": {"property": "dct:references", "from": "CBD_books"},
					},
				},
				{
					"_id": "t_from_view",
					"type": "v_book",
					"from": "views",
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
	engine *composite.Engine
}

func newFixture(t *testing.T) fixture {
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

	e, err := composite.NewEngine(cfg, "main", s)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	return fixture{store: s, engine: e}
}

func (f fixture) put(t *testing.T, resource string, types []string, preds map[string][]rdf.Value) {
	t.Helper()

	doc := rdf.NewDocument(rdf.ID(resource, ctxName))

	for _, typ := range types {
		doc.Predicates[rdf.RDFType] = append(doc.Predicates[rdf.RDFType], rdf.URI(typ))
	}

	for p, vs := range preds {
		doc.Predicates[p] = vs
	}

	_, err := f.store.Put(t.Context(), pod, doc)
	if err != nil {
		t.Fatalf("put %s: %v", resource, err)
	}
}

func (f fixture) generate(t *testing.T, specID string) int {
	t.Helper()

	n, err := f.engine.Generate(t.Context(), specID, nil, "")
	if err != nil {
		t.Fatalf("generate %s: %v", specID, err)
	}

	return n
}

func titles(vs ...string) []rdf.Value {
	out := make([]rdf.Value, len(vs))
	for i, v := range vs {
		out[i] = rdf.Literal(v)
	}

	return out
}

func Test_Views_Reflects_Work_Literal_When_Joined_Work_Changes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()

	f.put(t, "ex:work1", []string{"bibo:Work"}, map[string][]rdf.Value{"dct:title": titles("The Work")})
	f.put(t, "ex:book1", []string{"bibo:Book"}, map[string][]rdf.Value{
		"dct:title":       titles("The Book"),
		"dct:isVersionOf": {rdf.URI("ex:work1")},
	})

	if n := f.generate(t, "v_book"); n != 1 {
		t.Fatalf("generated %d views, want 1", n)
	}

	f.put(t, "ex:work1", []string{"bibo:Work"}, map[string][]rdf.Value{
		"dct:title":   titles("The Work"),
		"dct:subject": titles("Whales"),
	})

	views := f.engine.Views()

	subs, err := views.ImpactedSubjects(ctx, map[string][]string{"ex:work1": {"dct:subject"}}, pod, "")
	if err != nil {
		t.Fatalf("impacted: %v", err)
	}

	want := []composite.ImpactedSubject{{
		ResourceID: rdf.ID("ex:book1", ctxName),
		Operation:  config.KindView,
		StoreName:  "main",
		PodName:    pod,
		SpecTypes:  []string{"v_book"},
	}}
	if diff := cmp.Diff(want, subs); diff != "" {
		t.Fatalf("impacted subjects mismatch (-want +got):\n%s", diff)
	}

	err = views.Update(ctx, subs[0])
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	view, err := views.View(ctx, "v_book", rdf.ID("ex:book1", ctxName))
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	if len(view.Value.Graphs) != 2 {
		t.Fatalf("graphs = %d, want 2", len(view.Value.Graphs))
	}

	if diff := cmp.Diff(titles("Whales"), view.Value.Graphs[1].Values("dct:subject")); diff != "" {
		t.Fatalf("joined subject mismatch (-want +got):\n%s", diff)
	}

	if got := view.Value.Graphs[0].Values("dct:isVersionOf"); got != nil {
		t.Fatalf("root graph kept non-included predicate: %v", got)
	}
}

func Test_Search_Drops_Document_When_Type_Changes_To_Unspecified_Type(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()

	f.put(t, "ex:book1", []string{"bibo:Book"}, map[string][]rdf.Value{"dct:title": titles("Moby Dick")})
	f.put(t, "ex:book2", []string{"bibo:Book"}, map[string][]rdf.Value{"dct:title": titles("Emma")})

	if n := f.generate(t, "s_book"); n != 2 {
		t.Fatalf("generated %d, want 2", n)
	}

	f.put(t, "ex:book1", []string{"bibo:Article"}, map[string][]rdf.Value{"dct:title": titles("Moby Dick")})

	search := f.engine.Search()

	subs, err := search.ImpactedSubjects(ctx, map[string][]string{"ex:book1": {"rdf:type"}}, pod, "")
	if err != nil {
		t.Fatalf("impacted: %v", err)
	}

	if len(subs) != 1 || subs[0].ResourceID.Resource != "ex:book1" {
		t.Fatalf("impacted = %+v, want ex:book1 only", subs)
	}

	for _, s := range subs {
		err = search.Update(ctx, s)
		if err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	n, err := f.store.CountArtifacts(ctx, search.Collection(), "s_book")
	if err != nil {
		t.Fatalf("count: %v", err)
	}

	if n != 1 {
		t.Fatalf("search documents = %d, want 1", n)
	}

	_, err = f.store.GetArtifact(ctx, search.Collection(), docstore.ArtifactID{Resource: "ex:book1", Context: ctxName, Type: "s_book"})
	if !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("old search document: err = %v, want ErrNotFound", err)
	}
}

func Test_Tables_ImpactedSubjects_Follows_Impact_Index_Only(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()

	f.put(t, "ex:work1", []string{"bibo:Work"}, map[string][]rdf.Value{"dct:title": titles("W")})
	f.put(t, "ex:unrelated", []string{"bibo:Work"}, map[string][]rdf.Value{"dct:title": titles("U")})
	f.put(t, "ex:book1", []string{"bibo:Book"}, map[string][]rdf.Value{
		"dct:title":       titles("B"),
		"dct:isVersionOf": {rdf.URI("ex:work1")},
	})

	f.generate(t, "t_book")

	tables := f.engine.Tables()

	impacted := func(subject string, preds ...string) []composite.ImpactedSubject {
		t.Helper()

		subs, err := tables.ImpactedSubjects(ctx, map[string][]string{subject: preds}, pod, "")
		if err != nil {
			t.Fatalf("impacted %s: %v", subject, err)
		}

		return subs
	}

	subs := impacted("ex:work1", "dct:title")
	if len(subs) != 1 || subs[0].ResourceID.Resource != "ex:book1" || subs[0].SpecTypes[0] != "t_book" {
		t.Fatalf("work change: impacted = %+v, want ex:book1 t_book", subs)
	}

	if subs := impacted("ex:unrelated", "dct:title"); len(subs) != 0 {
		t.Fatalf("unrelated change: impacted = %+v, want none", subs)
	}

	// A new book has no row yet: only a type change makes it a table root.
	f.put(t, "ex:book2", []string{"bibo:Book"}, map[string][]rdf.Value{"dct:title": titles("C")})

	if subs := impacted("ex:book2", "dct:title"); len(subs) != 0 {
		t.Fatalf("title change: impacted = %+v, want none", subs)
	}

	subs = impacted("ex:book2", "rdf:type")
	if len(subs) != 1 || subs[0].ResourceID.Resource != "ex:book2" {
		t.Fatalf("type change: impacted = %+v, want ex:book2", subs)
	}

	// Views rebuild on any predicate.
	vsubs, err := f.engine.Views().ImpactedSubjects(ctx, map[string][]string{"ex:book2": {"dct:title"}}, pod, "")
	if err != nil {
		t.Fatalf("views impacted: %v", err)
	}

	if len(vsubs) != 1 {
		t.Fatalf("views impacted = %+v, want ex:book2", vsubs)
	}
}

func Test_Views_Caps_Join_Fan_Out_When_MaxJoins_Is_Set(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()

	for _, p := range []string{"ex:p1", "ex:p2", "ex:p3"} {
		f.put(t, p, []string{"bibo:Chapter"}, map[string][]rdf.Value{"dct:title": titles(p)})
	}

	f.put(t, "ex:coll", []string{"bibo:Collection"}, map[string][]rdf.Value{
		"dct:hasPart": {rdf.URI("ex:p1"), rdf.URI("ex:p2"), rdf.URI("ex:p3")},
	})

	f.generate(t, "v_collection")

	view, err := f.engine.Views().View(ctx, "v_collection", rdf.ID("ex:coll", ctxName))
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	wantParts := []rdf.Value{rdf.URI("ex:p1"), rdf.URI("ex:p2")}
	if diff := cmp.Diff(wantParts, view.Value.Graphs[0].Values("dct:hasPart")); diff != "" {
		t.Fatalf("capped parts mismatch (-want +got):\n%s", diff)
	}

	if len(view.Value.Graphs) != 3 {
		t.Fatalf("graphs = %d, want root and two parts", len(view.Value.Graphs))
	}

	wantIndex := []rdf.Identity{rdf.ID("ex:coll", ctxName), rdf.ID("ex:p1", ctxName), rdf.ID("ex:p2", ctxName)}
	if diff := cmp.Diff(wantIndex, view.Value.ImpactIndex); diff != "" {
		t.Fatalf("impact index mismatch (-want +got):\n%s", diff)
	}
}

func Test_Views_Records_Filtered_Join_Target_In_Impact_Index(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()

	f.put(t, "ex:work1", []string{"bibo:Work"}, map[string][]rdf.Value{"dct:title": titles("W")})
	f.put(t, "ex:ms", []string{"bibo:Manuscript"}, map[string][]rdf.Value{
		"dct:isVersionOf": {rdf.URI("ex:work1"), rdf.URI("ex:missing")},
	})

	f.generate(t, "v_subjects")

	id := rdf.ID("ex:ms", ctxName)

	view, err := f.engine.Views().View(ctx, "v_subjects", id)
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	if len(view.Value.Graphs) != 1 {
		t.Fatalf("graphs = %d, want root only", len(view.Value.Graphs))
	}

	wantIndex := []rdf.Identity{id, rdf.ID("ex:work1", ctxName), rdf.ID("ex:missing", ctxName)}
	if diff := cmp.Diff(wantIndex, view.Value.ImpactIndex); diff != "" {
		t.Fatalf("impact index mismatch (-want +got):\n%s", diff)
	}

	// Once the condition holds the work is joined in.
	f.put(t, "ex:work1", []string{"bibo:Work"}, map[string][]rdf.Value{"dct:subject": titles("S")})

	_, err = f.engine.Process(ctx, config.Kinds, map[string][]string{"ex:work1": {"dct:subject"}}, pod, "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	view, err = f.engine.Views().View(ctx, "v_subjects", id)
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	if len(view.Value.Graphs) != 2 {
		t.Fatalf("graphs = %d, want root and work", len(view.Value.Graphs))
	}
}

func Test_Views_Lists_Document_Once_When_Reached_By_Two_Join_Predicates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()

	f.put(t, "ex:work1", []string{"bibo:Work"}, map[string][]rdf.Value{
		"dct:title":   titles("W"),
		"dct:subject": titles("S"),
	})
	f.put(t, "ex:thesis", []string{"bibo:Thesis"}, map[string][]rdf.Value{
		"dct:isVersionOf": {rdf.URI("ex:work1")},
		"dct:relation":    {rdf.URI("ex:work1")},
	})

	f.generate(t, "v_dual")

	id := rdf.ID("ex:thesis", ctxName)
	work := rdf.ID("ex:work1", ctxName)

	view, err := f.engine.Views().View(ctx, "v_dual", id)
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	if diff := cmp.Diff([]rdf.Identity{id, work}, view.Value.ImpactIndex); diff != "" {
		t.Fatalf("impact index mismatch (-want +got):\n%s", diff)
	}

	if len(view.Value.Graphs) != 2 {
		t.Fatalf("graphs = %d, want root and work once", len(view.Value.Graphs))
	}

	// Both join levels contribute their includes to the single graph.
	got := view.Value.Graphs[1]
	if got.ID != work {
		t.Fatalf("graph[1] = %s, want %s", got.ID.String(), work.String())
	}

	if diff := cmp.Diff(titles("W"), got.Predicates["dct:title"]); diff != "" {
		t.Fatalf("title mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(titles("S"), got.Predicates["dct:subject"]); diff != "" {
		t.Fatalf("subject mismatch (-want +got):\n%s", diff)
	}
}

func Test_Views_Regenerates_Identical_Graphs_When_Deleted_And_Rebuilt(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()

	f.put(t, "ex:work1", []string{"bibo:Work"}, map[string][]rdf.Value{"dct:title": titles("W"), "dct:subject": titles("a", "b")})
	f.put(t, "ex:book1", []string{"bibo:Book"}, map[string][]rdf.Value{
		"dct:title":       titles("B1", "B2"),
		"dct:isVersionOf": {rdf.URI("ex:work1")},
	})

	id := rdf.ID("ex:book1", ctxName)

	graphs := func() []byte {
		t.Helper()

		view, err := f.engine.Views().View(ctx, "v_book", id)
		if err != nil {
			t.Fatalf("view: %v", err)
		}

		data, err := json.Marshal(view.Value.Graphs)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}

		return data
	}

	f.generate(t, "v_book")
	first := graphs()

	n, err := f.engine.DeleteBySpecID(ctx, "v_book")
	if err != nil || n != 1 {
		t.Fatalf("delete: n=%d err=%v", n, err)
	}

	f.generate(t, "v_book")

	if diff := cmp.Diff(string(first), string(graphs())); diff != "" {
		t.Fatalf("regenerated graphs differ (-first +second):\n%s", diff)
	}
}

func Test_Tables_Renders_Counts_And_Expiry_When_Spec_Has_TTL(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()

	f.put(t, "ex:a1", []string{"bibo:Article"}, map[string][]rdf.Value{"dct:title": titles("one", "two")})
	f.put(t, "ex:a2", []string{"bibo:Article"}, map[string][]rdf.Value{"dct:references": {rdf.URI("ex:a1")}})
	f.put(t, "ex:a3", []string{"bibo:Article"}, map[string][]rdf.Value{"dct:references": {rdf.URI("ex:a1")}})

	id := rdf.ID("ex:a1", ctxName)

	n, err := f.engine.Generate(ctx, "t_counted", &id, "")
	if err != nil || n != 1 {
		t.Fatalf("generate: n=%d err=%v", n, err)
	}

	row, err := f.store.GetArtifact(ctx, f.engine.Tables().Collection(), docstore.ArtifactID{Resource: "ex:a1", Context: ctxName, Type: "t_counted"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	wantFields := map[string]docstore.FieldValue{"titleCount": {"2"}, "citedBy": {"2"}}
	if diff := cmp.Diff(wantFields, row.Value.Fields); diff != "" {
		t.Fatalf("fields mismatch (-want +got):\n%s", diff)
	}

	if row.Value.ImpactIndex != nil {
		t.Fatalf("ttl row has impact index %v", row.Value.ImpactIndex)
	}

	if row.Value.ExpiresAt == nil || !row.Value.ExpiresAt.Equal(testNow.Add(300*time.Second)) {
		t.Fatalf("expiresAt = %v, want now+300s", row.Value.ExpiresAt)
	}

	// Without an impact index a title change does not find the row.
	subs, err := f.engine.Tables().ImpactedSubjects(ctx, map[string][]string{"ex:a1": {"dct:title"}}, pod, "")
	if err != nil {
		t.Fatalf("impacted: %v", err)
	}

	if len(subs) != 0 {
		t.Fatalf("impacted = %+v, want none", subs)
	}
}

func Test_Tables_Renders_Link_And_Joined_Fields(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()

	f.put(t, "ex:work1", []string{"bibo:Work"}, map[string][]rdf.Value{"dct:title": titles("W")})
	f.put(t, "ex:book1", []string{"bibo:Book"}, map[string][]rdf.Value{
		"dct:title":       titles("B"),
		"dct:isVersionOf": {rdf.URI("ex:work1")},
	})

	f.generate(t, "t_book")

	rows, total, err := f.engine.Tables().Rows(ctx, "t_book", composite.RowQuery{Filter: map[string]string{"workTitle": "W"}})
	if err != nil {
		t.Fatalf("rows: %v", err)
	}

	if total != 1 || len(rows) != 1 {
		t.Fatalf("rows = %d total = %d, want 1", len(rows), total)
	}

	want := map[string]docstore.FieldValue{
		"title":     {"B"},
		"link":      {"http://example.com/book1"},
		"workTitle": {"W"},
	}
	if diff := cmp.Diff(want, rows[0].Value.Fields); diff != "" {
		t.Fatalf("fields mismatch (-want +got):\n%s", diff)
	}
}

func Test_Search_Matches_All_Terms_When_Querying(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()

	f.put(t, "ex:book1", []string{"bibo:Book"}, map[string][]rdf.Value{"dct:title": titles("Moby Dick")})
	f.put(t, "ex:book2", []string{"bibo:Book"}, map[string][]rdf.Value{"dct:title": titles("Moby's Whale Tales")})

	f.generate(t, "s_book")

	search := f.engine.Search()

	res, err := search.Search(ctx, composite.Query{Q: "moby DICK", Type: "s_book"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	if res.Total != 1 || res.Hits[0].ID.Resource != "ex:book1" {
		t.Fatalf("results = %+v, want ex:book1", res)
	}

	if diff := cmp.Diff(docstore.FieldValue{"Moby Dick"}, res.Hits[0].Result["title"]); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}

	_, err = search.Search(ctx, composite.Query{Type: "s_book"})
	if !errors.Is(err, composite.ErrMissingSearchParameter) {
		t.Fatalf("missing q: err = %v, want ErrMissingSearchParameter", err)
	}

	_, err = search.Search(ctx, composite.Query{Q: "moby"})
	if !errors.Is(err, composite.ErrMissingSearchParameter) {
		t.Fatalf("missing type: err = %v, want ErrMissingSearchParameter", err)
	}
}

func Test_Engine_Follows_Impact_Into_Kinds_Built_From_Views(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()

	f.put(t, "ex:work1", []string{"bibo:Work"}, map[string][]rdf.Value{"dct:title": titles("W")})
	f.put(t, "ex:book1", []string{"bibo:Book"}, map[string][]rdf.Value{
		"dct:title":       titles("Old"),
		"dct:isVersionOf": {rdf.URI("ex:work1")},
	})

	f.generate(t, "v_book")
	f.generate(t, "t_from_view")

	subs, err := f.engine.ImpactedSubjects(ctx, []config.OperationKind{config.KindView, config.KindTable},
		map[string][]string{"ex:work1": {"dct:title"}}, pod, "")
	if err != nil {
		t.Fatalf("impacted: %v", err)
	}

	wantTables := []composite.ImpactedSubject{{
		ResourceID: rdf.ID("ex:book1", ctxName),
		Operation:  config.KindTable,
		StoreName:  "main",
		PodName:    "views",
		SpecTypes:  []string{"t_from_view"},
	}}
	if diff := cmp.Diff(wantTables, subs[config.KindTable]); diff != "" {
		t.Fatalf("table subjects mismatch (-want +got):\n%s", diff)
	}

	f.put(t, "ex:book1", []string{"bibo:Book"}, map[string][]rdf.Value{
		"dct:title":       titles("New"),
		"dct:isVersionOf": {rdf.URI("ex:work1")},
	})

	_, err = f.engine.Process(ctx, config.Kinds, map[string][]string{"ex:book1": {"dct:title"}}, pod, "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	row, err := f.store.GetArtifact(ctx, "table_rows", docstore.ArtifactID{Resource: "ex:book1", Context: ctxName, Type: "t_from_view"})
	if err != nil {
		t.Fatalf("row: %v", err)
	}

	if diff := cmp.Diff(docstore.FieldValue{"New"}, row.Value.Fields["title"]); diff != "" {
		t.Fatalf("row title mismatch (-want +got):\n%s", diff)
	}
}

func Test_Engine_Builds_Dependent_Table_When_Upstream_View_Is_New(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()

	f.put(t, "ex:book9", []string{"bibo:Book"}, map[string][]rdf.Value{"dct:title": titles("Fresh")})

	_, err := f.engine.Process(ctx, config.Kinds, map[string][]string{"ex:book9": {}}, pod, "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	row, err := f.store.GetArtifact(ctx, "table_rows", docstore.ArtifactID{Resource: "ex:book9", Context: ctxName, Type: "t_from_view"})
	if err != nil {
		t.Fatalf("row: %v", err)
	}

	if diff := cmp.Diff(docstore.FieldValue{"Fresh"}, row.Value.Fields["title"]); diff != "" {
		t.Fatalf("row title mismatch (-want +got):\n%s", diff)
	}
}

func Test_Engine_Orders_Kinds_Upstream_First_When_Table_Reads_Views(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	order := f.engine.Order()

	view, table := -1, -1

	for i, k := range order {
		switch k {
		case config.KindView:
			view = i
		case config.KindTable:
			table = i
		}
	}

	if view < 0 || table < 0 || view > table {
		t.Fatalf("order = %v, want view before table", order)
	}
}

func Test_Engine_Rejects_Unknown_Spec(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.engine.Generate(t.Context(), "nope", nil, "")
	if !errors.Is(err, composite.ErrSpecNotFound) {
		t.Fatalf("err = %v, want ErrSpecNotFound", err)
	}

	_, err = f.engine.Views().Generate(t.Context(), "t_book", nil, "")
	if !errors.Is(err, composite.ErrSpecNotFound) {
		t.Fatalf("view kind with table spec: err = %v, want ErrSpecNotFound", err)
	}
}
