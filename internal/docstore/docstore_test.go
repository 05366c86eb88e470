package docstore_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/cbdstore/internal/docstore"
	"github.com/calvinalkan/cbdstore/internal/rdf"
)

const pod = "CBD_resources"

func Test_Put_Bumps_Version_And_Keeps_Created_When_Document_Replaced(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := openStore(t, docstore.WithClock(clock.Now))

	doc := book("ex:b1", []string{"bibo:Book"}, map[string][]rdf.Value{"dct:title": {rdf.Literal("One")}})

	first, err := s.Put(t.Context(), pod, doc)
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	clock.Advance(time.Minute)

	second, err := s.Put(t.Context(), pod, doc)
	if err != nil {
		t.Fatalf("put again: %v", err)
	}

	if first.Version != 0 || second.Version != 1 {
		t.Fatalf("versions = %d, %d, want 0, 1", first.Version, second.Version)
	}

	if !second.Created.Equal(first.Created) {
		t.Fatalf("created changed: %v -> %v", first.Created, second.Created)
	}

	if !second.Updated.After(first.Updated) {
		t.Fatalf("updated did not advance: %v -> %v", first.Updated, second.Updated)
	}

	got, err := s.WithReadPreference(docstore.ReadPrimary).Get(t.Context(), pod, doc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if diff := cmp.Diff(second.Predicates, got.Predicates); diff != "" {
		t.Fatalf("predicates mismatch (-want +got):\n%s", diff)
	}
}

func Test_Get_Returns_NotFound_When_Document_Missing(t *testing.T) {
	t.Parallel()

	s := openStore(t)

	_, err := s.Get(t.Context(), pod, rdf.ID("ex:none", "ex:ctx"))
	if !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func Test_Update_Deletes_Document_When_Func_Returns_Nil(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	doc := book("ex:b1", []string{"bibo:Book"}, nil)

	_, err := s.Put(t.Context(), pod, doc)
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	before, after, err := s.Update(t.Context(), pod, doc.ID, func(*rdf.Document) (*rdf.Document, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if before == nil || after != nil {
		t.Fatalf("before=%v after=%v, want non-nil and nil", before, after)
	}

	n, err := s.Count(t.Context(), pod)
	if err != nil {
		t.Fatalf("count: %v", err)
	}

	if n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}
}

func Test_Update_Leaves_Document_Untouched_When_Func_Fails(t *testing.T) {
	t.Parallel()

	s := openStore(t, docstore.WithDefaultReadPreference(docstore.ReadPrimary))
	doc := book("ex:b1", []string{"bibo:Book"}, map[string][]rdf.Value{"dct:title": {rdf.Literal("One")}})

	_, err := s.Put(t.Context(), pod, doc)
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	boom := errors.New("boom")

	_, _, err = s.Update(t.Context(), pod, doc.ID, func(cur *rdf.Document) (*rdf.Document, error) {
		cur.Predicates["dct:title"] = []rdf.Value{rdf.Literal("Two")}

		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	got, err := s.Get(t.Context(), pod, doc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if got.Version != 0 || got.Values("dct:title")[0].V != "One" {
		t.Fatalf("document changed: %+v", got)
	}
}

func Test_Find_Matches_Types_And_Values_When_Query_Given(t *testing.T) {
	t.Parallel()

	s := openStore(t, docstore.WithDefaultReadPreference(docstore.ReadPrimary))

	docs := []*rdf.Document{
		book("ex:b1", []string{"bibo:Book"}, map[string][]rdf.Value{"dct:language": {rdf.Literal("en")}}),
		book("ex:b2", []string{"bibo:Book"}, map[string][]rdf.Value{"dct:language": {rdf.Literal("de")}}),
		book("ex:a1", []string{"foaf:Person"}, nil),
	}

	for _, d := range docs {
		_, err := s.Put(t.Context(), pod, d)
		if err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	got, err := s.Find(t.Context(), pod, docstore.DocumentQuery{
		Context: "ex:ctx",
		Types:   []string{"bibo:Book"},
		Values:  map[string]string{"dct:language": "en"},
	})
	if err != nil {
		t.Fatalf("find: %v", err)
	}

	if len(got) != 1 || got[0].ID.Resource != "ex:b1" {
		t.Fatalf("found %v, want only ex:b1", got)
	}
}

func Test_CountReferencing_Counts_Distinct_Documents_When_Values_Point_At_Target(t *testing.T) {
	t.Parallel()

	s := openStore(t, docstore.WithDefaultReadPreference(docstore.ReadPrimary))
	target := rdf.ID("ex:work", "ex:ctx")

	for _, r := range []string{"ex:b1", "ex:b2"} {
		_, err := s.Put(t.Context(), pod, book(r, nil, map[string][]rdf.Value{
			"dct:isVersionOf": {rdf.URI("ex:work")},
		}))
		if err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	_, err := s.Put(t.Context(), pod, book("ex:b3", nil, map[string][]rdf.Value{
		"dct:isVersionOf": {rdf.Literal("ex:work")},
	}))
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	n, err := s.CountReferencing(t.Context(), pod, "dct:isVersionOf", target)
	if err != nil {
		t.Fatalf("count: %v", err)
	}

	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
}

func Test_InsertLock_Returns_AlreadyLocked_When_Row_Exists(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	id := rdf.ID("ex:b1", "ex:ctx")

	err := s.InsertLock(t.Context(), id, "tx-1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	for _, tx := range []string{"tx-1", "tx-2"} {
		err = s.InsertLock(t.Context(), id, tx)
		if !errors.Is(err, docstore.ErrAlreadyLocked) {
			t.Fatalf("relock by %s: err = %v, want ErrAlreadyLocked", tx, err)
		}
	}

	n, err := s.DeleteLocks(t.Context(), "tx-2", []rdf.Identity{id})
	if err != nil {
		t.Fatalf("unlock foreign: %v", err)
	}

	if n != 0 {
		t.Fatalf("foreign unlock removed %d rows", n)
	}

	n, err = s.DeleteLocks(t.Context(), "tx-1", nil)
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}

	if n != 1 {
		t.Fatalf("unlock removed %d rows, want 1", n)
	}
}

func Test_CompletedTransactions_Streams_Only_Completed_In_Start_Order(t *testing.T) {
	t.Parallel()

	s := openStore(t, docstore.WithDefaultReadPreference(docstore.ReadPrimary))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	records := []docstore.Transaction{
		{ID: "b", StoreName: "main", PodName: pod, Status: docstore.TxCompleted, StartTime: base.Add(2 * time.Second)},
		{ID: "a", StoreName: "main", PodName: pod, Status: docstore.TxCompleted, StartTime: base.Add(time.Second)},
		{ID: "c", StoreName: "main", PodName: pod, Status: docstore.TxFailed, StartTime: base},
		{ID: "d", StoreName: "other", PodName: pod, Status: docstore.TxCompleted, StartTime: base},
	}

	for i := range records {
		err := s.CreateTransaction(t.Context(), &records[i])
		if err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	var ids []string

	for tx, err := range s.CompletedTransactions(t.Context(), docstore.TransactionQuery{StoreName: "main"}) {
		if err != nil {
			t.Fatalf("scan: %v", err)
		}

		ids = append(ids, tx.ID)
	}

	if diff := cmp.Diff([]string{"a", "b"}, ids); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
}

func Test_FindImpacted_Returns_Artifacts_Referencing_Any_Identity(t *testing.T) {
	t.Parallel()

	s := openStore(t, docstore.WithDefaultReadPreference(docstore.ReadPrimary))
	work := rdf.ID("ex:work", "ex:ctx")

	arts := []docstore.Artifact{
		{
			ID:    docstore.ArtifactID{Resource: "ex:b1", Context: "ex:ctx", Type: "v_resource"},
			Value: docstore.ArtifactValue{ImpactIndex: []rdf.Identity{rdf.ID("ex:b1", "ex:ctx"), work}},
		},
		{
			ID:    docstore.ArtifactID{Resource: "ex:b2", Context: "ex:ctx", Type: "v_other"},
			Value: docstore.ArtifactValue{ImpactIndex: []rdf.Identity{rdf.ID("ex:b2", "ex:ctx"), work}},
		},
	}

	for _, a := range arts {
		err := s.PutArtifact(t.Context(), "views", a)
		if err != nil {
			t.Fatalf("put artifact: %v", err)
		}
	}

	got, err := s.FindImpacted(t.Context(), "views", []rdf.Identity{work}, []string{"v_resource"})
	if err != nil {
		t.Fatalf("find impacted: %v", err)
	}

	if diff := cmp.Diff([]docstore.ArtifactID{arts[0].ID}, got); diff != "" {
		t.Fatalf("impacted mismatch (-want +got):\n%s", diff)
	}

	// Replacing the artifact replaces its impact index.
	arts[0].Value.ImpactIndex = []rdf.Identity{rdf.ID("ex:b1", "ex:ctx")}

	err = s.PutArtifact(t.Context(), "views", arts[0])
	if err != nil {
		t.Fatalf("put artifact: %v", err)
	}

	got, err = s.FindImpacted(t.Context(), "views", []rdf.Identity{work}, nil)
	if err != nil {
		t.Fatalf("find impacted: %v", err)
	}

	if diff := cmp.Diff([]docstore.ArtifactID{arts[1].ID}, got); diff != "" {
		t.Fatalf("impacted mismatch after replace (-want +got):\n%s", diff)
	}
}

func Test_ListArtifacts_Filters_Multi_Valued_Fields_And_Skips_Expired(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := openStore(t, docstore.WithClock(clock.Now), docstore.WithDefaultReadPreference(docstore.ReadPrimary))
	past := clock.Now().Add(-time.Second)

	rows := []docstore.Artifact{
		{
			ID:    docstore.ArtifactID{Resource: "ex:b1", Context: "ex:ctx", Type: "t_books"},
			Value: docstore.ArtifactValue{Fields: map[string]docstore.FieldValue{"author": {"ann", "bob"}}},
		},
		{
			ID:    docstore.ArtifactID{Resource: "ex:b2", Context: "ex:ctx", Type: "t_books"},
			Value: docstore.ArtifactValue{Fields: map[string]docstore.FieldValue{"author": {"bob"}}},
		},
		{
			ID:    docstore.ArtifactID{Resource: "ex:b3", Context: "ex:ctx", Type: "t_books"},
			Value: docstore.ArtifactValue{Fields: map[string]docstore.FieldValue{"author": {"bob"}}, ExpiresAt: &past},
		},
	}

	for _, a := range rows {
		err := s.PutArtifact(t.Context(), "table_rows", a)
		if err != nil {
			t.Fatalf("put artifact: %v", err)
		}
	}

	got, total, err := s.ListArtifacts(t.Context(), "table_rows", docstore.ArtifactQuery{
		Type:   "t_books",
		Filter: map[string]string{"author": "bob"},
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	if total != 2 || len(got) != 2 {
		t.Fatalf("total=%d len=%d, want 2 and 2", total, len(got))
	}

	if got[0].ID.Resource != "ex:b1" || got[1].ID.Resource != "ex:b2" {
		t.Fatalf("unexpected order: %v, %v", got[0].ID, got[1].ID)
	}
}

func Test_SearchArtifacts_Requires_Every_Term(t *testing.T) {
	t.Parallel()

	s := openStore(t, docstore.WithDefaultReadPreference(docstore.ReadPrimary))

	docs := []docstore.Artifact{
		{
			ID:    docstore.ArtifactID{Resource: "ex:b1", Context: "ex:ctx", Type: "s_books"},
			Value: docstore.ArtifactValue{SearchTerms: []string{"history", "rome"}},
		},
		{
			ID:    docstore.ArtifactID{Resource: "ex:b2", Context: "ex:ctx", Type: "s_books"},
			Value: docstore.ArtifactValue{SearchTerms: []string{"history"}},
		},
	}

	for _, a := range docs {
		err := s.PutArtifact(t.Context(), "search", a)
		if err != nil {
			t.Fatalf("put artifact: %v", err)
		}
	}

	got, total, err := s.SearchArtifacts(t.Context(), "search", docstore.SearchQuery{Terms: []string{"rome", "history"}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	if total != 1 || got[0].ID.Resource != "ex:b1" {
		t.Fatalf("search = %v (total %d), want ex:b1", got, total)
	}

	_, _, err = s.SearchArtifacts(t.Context(), "search", docstore.SearchQuery{})
	if !errors.Is(err, docstore.ErrInvalidQuery) {
		t.Fatalf("err = %v, want ErrInvalidQuery", err)
	}
}

func Test_EnsureIndex_Is_Idempotent(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	keys := map[string]int{"value.title": 1, "value.author": -1}

	for range 2 {
		err := s.EnsureIndex(t.Context(), "table_rows", "t_books", keys)
		if err != nil {
			t.Fatalf("ensure index: %v", err)
		}
	}
}

func Test_Audit_Round_Trips_Status_Updates(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	entry := &docstore.AuditEntry{ID: "a1", Kind: "inert_lock", TransactionID: "tx-1", Reason: "crash", Status: docstore.AuditInProgress}

	err := s.InsertAudit(t.Context(), entry)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	err = s.UpdateAudit(t.Context(), "a1", docstore.AuditCompleted, "")
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetAudit(t.Context(), "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if got.Status != docstore.AuditCompleted || got.Reason != "crash" {
		t.Fatalf("audit = %+v", got)
	}
}

func Test_WithReadPreference_Leaves_Original_Handle_Unchanged(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	primary := s.WithReadPreference(docstore.ReadPrimary)

	if s.ReadPreference() != docstore.ReadSecondaryPreferred {
		t.Fatalf("original pref = %v", s.ReadPreference())
	}

	if primary.ReadPreference() != docstore.ReadPrimary {
		t.Fatalf("derived pref = %v", primary.ReadPreference())
	}

	err := primary.Close()
	if err != nil {
		t.Fatalf("close derived: %v", err)
	}

	_, err = s.Count(t.Context(), pod)
	if err != nil {
		t.Fatalf("original handle unusable after derived close: %v", err)
	}
}
