package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"strings"
	"time"

	"github.com/calvinalkan/cbdstore/internal/rdf"
)

// ArtifactID names a derived artifact: the root resource it was built from
// and the spec that built it.
type ArtifactID struct {
	Resource string `json:"r"`
	Context  string `json:"c"`
	Type     string `json:"type"`
}

// Root returns the identity of the artifact's root resource.
func (id ArtifactID) Root() rdf.Identity {
	return rdf.ID(id.Resource, id.Context)
}

func (id ArtifactID) String() string {
	return id.Type + ":" + id.Resource + " @ " + id.Context
}

// FieldValue holds one or more strings. A single value is stored as a
// scalar.
type FieldValue []string

// MarshalJSON implements json.Marshaler.
func (f FieldValue) MarshalJSON() ([]byte, error) {
	if len(f) == 1 {
		return json.Marshal(f[0])
	}

	return json.Marshal([]string(f))
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *FieldValue) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*f = FieldValue{one}

		return nil
	}

	var many []string

	err := json.Unmarshal(data, &many)
	if err != nil {
		return fmt.Errorf("field value: %w", err)
	}

	*f = many

	return nil
}

// ArtifactValue is the body of an artifact. Views fill Graphs, table rows
// fill Fields, search documents fill SearchTerms and Result.
type ArtifactValue struct {
	Graphs      []*rdf.Document       `json:"_graphs,omitempty"`
	Fields      map[string]FieldValue `json:"fields,omitempty"`
	SearchTerms []string              `json:"search_terms,omitempty"`
	Result      map[string]FieldValue `json:"result,omitempty"`
	ImpactIndex []rdf.Identity        `json:"_impactIndex,omitempty"`
	ExpiresAt   *time.Time            `json:"_expiresAt,omitempty"`
}

// Artifact is one derived document.
type Artifact struct {
	ID    ArtifactID    `json:"_id"`
	Value ArtifactValue `json:"value"`
}

// Expired reports whether the artifact's ttl has run out at now.
func (a Artifact) Expired(now time.Time) bool {
	return a.Value.ExpiresAt != nil && !now.Before(*a.Value.ExpiresAt)
}

// ArtifactQuery lists artifacts. Empty Type, Resource and Context match
// everything. Filter compares field values exactly; a multi-valued field
// matches when any element matches.
type ArtifactQuery struct {
	Type     string
	Resource string
	Context  string
	Filter   map[string]string
	Limit    int
	Offset   int
	// IncludeExpired keeps rows whose ttl has run out.
	IncludeExpired bool
}

// SearchQuery matches search documents holding every term.
type SearchQuery struct {
	Types  []string
	Terms  []string
	Limit  int
	Offset int
}

// maxBoundIDs keeps IN lists well below SQLite's variable limit.
const maxBoundIDs = 400

// PutArtifact upserts an artifact together with its impact index and
// search terms.
func (s *Store) PutArtifact(ctx context.Context, coll string, a Artifact) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("put artifact %s: encode: %w", a.ID, err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx,
			`INSERT INTO artifacts (collection, resource, context, type, expires_at, body) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (collection, resource, context, type) DO UPDATE SET expires_at = excluded.expires_at, body = excluded.body`,
			coll, a.ID.Resource, a.ID.Context, a.ID.Type, nullNanos(a.Value.ExpiresAt), string(body))
		if execErr != nil {
			return fmt.Errorf("write body: %w", execErr)
		}

		execErr = clearArtifactSideTables(ctx, tx, coll, a.ID)
		if execErr != nil {
			return execErr
		}

		for _, imp := range a.Value.ImpactIndex {
			_, execErr = tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO impact_index (collection, resource, context, type, impact_resource, impact_context)
				VALUES (?, ?, ?, ?, ?, ?)`,
				coll, a.ID.Resource, a.ID.Context, a.ID.Type, imp.Resource, imp.Context)
			if execErr != nil {
				return fmt.Errorf("write impact index: %w", execErr)
			}
		}

		for _, term := range a.Value.SearchTerms {
			_, execErr = tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO search_terms (collection, resource, context, type, term) VALUES (?, ?, ?, ?, ?)`,
				coll, a.ID.Resource, a.ID.Context, a.ID.Type, term)
			if execErr != nil {
				return fmt.Errorf("write search term: %w", execErr)
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("put artifact %s: %w", a.ID, err)
	}

	return nil
}

func clearArtifactSideTables(ctx context.Context, q querier, coll string, id ArtifactID) error {
	for _, table := range []string{"impact_index", "search_terms"} {
		_, err := q.ExecContext(ctx,
			"DELETE FROM "+table+" WHERE collection = ? AND resource = ? AND context = ? AND type = ?",
			coll, id.Resource, id.Context, id.Type)
		if err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	return nil
}

// GetArtifact returns one artifact, expired or not, or ErrNotFound.
func (s *Store) GetArtifact(ctx context.Context, coll string, id ArtifactID) (Artifact, error) {
	row := s.reader().QueryRowContext(ctx,
		"SELECT body FROM artifacts WHERE collection = ? AND resource = ? AND context = ? AND type = ?",
		coll, id.Resource, id.Context, id.Type)

	var body string

	err := row.Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}

	if err != nil {
		return Artifact{}, fmt.Errorf("artifact %s: %w", id, err)
	}

	return decodeArtifact(body)
}

func decodeArtifact(body string) (Artifact, error) {
	var a Artifact

	err := json.Unmarshal([]byte(body), &a)
	if err != nil {
		return Artifact{}, fmt.Errorf("decode artifact: %w", err)
	}

	return a, nil
}

// DeleteArtifacts removes the artifacts rooted at id whose type is in
// types. It returns the number removed.
func (s *Store) DeleteArtifacts(ctx context.Context, coll string, id rdf.Identity, types []string) (int, error) {
	if len(types) == 0 {
		return 0, nil
	}

	removed := 0

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, typ := range types {
			aid := ArtifactID{Resource: id.Resource, Context: id.Context, Type: typ}

			res, err := tx.ExecContext(ctx,
				"DELETE FROM artifacts WHERE collection = ? AND resource = ? AND context = ? AND type = ?",
				coll, aid.Resource, aid.Context, aid.Type)
			if err != nil {
				return fmt.Errorf("delete %s: %w", aid, err)
			}

			n, _ := res.RowsAffected()
			removed += int(n)

			err = clearArtifactSideTables(ctx, tx, coll, aid)
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete artifacts of %s: %w", id, err)
	}

	return removed, nil
}

// DeleteArtifactsByType removes every artifact of one type.
func (s *Store) DeleteArtifactsByType(ctx context.Context, coll, typ string) (int, error) {
	removed := 0

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM artifacts WHERE collection = ? AND type = ?", coll, typ)
		if err != nil {
			return err
		}

		n, _ := res.RowsAffected()
		removed = int(n)

		for _, table := range []string{"impact_index", "search_terms"} {
			_, err = tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE collection = ? AND type = ?", coll, typ)
			if err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete %s artifacts of type %s: %w", coll, typ, err)
	}

	return removed, nil
}

// FindImpacted returns the ids of artifacts whose impact index contains any
// of ids. A nil types matches every artifact type. Results are sorted and
// unique.
func (s *Store) FindImpacted(ctx context.Context, coll string, ids []rdf.Identity, types []string) ([]ArtifactID, error) {
	seen := map[ArtifactID]struct{}{}

	for chunk := range slices.Chunk(ids, maxBoundIDs) {
		var (
			conds = make([]string, 0, len(chunk))
			args  = []any{coll}
		)

		for _, id := range chunk {
			conds = append(conds, "(impact_resource = ? AND impact_context = ?)")
			args = append(args, id.Resource, id.Context)
		}

		stmt := "SELECT DISTINCT resource, context, type FROM impact_index WHERE collection = ? AND (" +
			strings.Join(conds, " OR ") + ")"

		if types != nil {
			if len(types) == 0 {
				return nil, nil
			}

			stmt += " AND type IN (" + placeholders(len(types)) + ")"

			for _, t := range types {
				args = append(args, t)
			}
		}

		err := s.collectArtifactIDs(ctx, stmt, args, seen)
		if err != nil {
			return nil, fmt.Errorf("find impacted in %s: %w", coll, err)
		}
	}

	out := make([]ArtifactID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}

	slices.SortFunc(out, compareArtifactIDs)

	return out, nil
}

func (s *Store) collectArtifactIDs(ctx context.Context, stmt string, args []any, into map[ArtifactID]struct{}) error {
	rows, err := s.reader().QueryContext(ctx, stmt, args...)
	if err != nil {
		return err
	}

	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id ArtifactID

		err = rows.Scan(&id.Resource, &id.Context, &id.Type)
		if err != nil {
			return err
		}

		into[id] = struct{}{}
	}

	return rows.Err()
}

func compareArtifactIDs(a, b ArtifactID) int {
	if c := strings.Compare(a.Type, b.Type); c != 0 {
		return c
	}

	if c := strings.Compare(a.Resource, b.Resource); c != 0 {
		return c
	}

	return strings.Compare(a.Context, b.Context)
}

// ArtifactsForResource returns every artifact rooted at id, sorted by type.
func (s *Store) ArtifactsForResource(ctx context.Context, coll string, id rdf.Identity) ([]Artifact, error) {
	return s.queryArtifacts(ctx,
		"SELECT body FROM artifacts WHERE collection = ? AND resource = ? AND context = ? ORDER BY type",
		coll, id.Resource, id.Context)
}

// CountArtifacts counts artifacts of typ, or of every type when typ is
// empty.
func (s *Store) CountArtifacts(ctx context.Context, coll, typ string) (int, error) {
	stmt := "SELECT COUNT(*) FROM artifacts WHERE collection = ?"
	args := []any{coll}

	if typ != "" {
		stmt += " AND type = ?"
		args = append(args, typ)
	}

	var n int

	err := s.reader().QueryRowContext(ctx, stmt, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count artifacts in %s: %w", coll, err)
	}

	return n, nil
}

// ListArtifacts pages through artifacts ordered by root id then type. It
// also returns the total number of matches ignoring Limit and Offset.
func (s *Store) ListArtifacts(ctx context.Context, coll string, q ArtifactQuery) ([]Artifact, int, error) {
	where := []string{"a.collection = ?"}
	args := []any{coll}

	if q.Type != "" {
		where = append(where, "a.type = ?")
		args = append(args, q.Type)
	}

	if q.Resource != "" {
		where = append(where, "a.resource = ?")
		args = append(args, q.Resource)
	}

	if q.Context != "" {
		where = append(where, "a.context = ?")
		args = append(args, q.Context)
	}

	if !q.IncludeExpired {
		where = append(where, "(a.expires_at IS NULL OR a.expires_at > ?)")
		args = append(args, nanos(s.Now()))
	}

	for _, field := range sortedKeys(q.Filter) {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(a.body, ?) j WHERE j.value = ?)")
		args = append(args, fieldPath(field), q.Filter[field])
	}

	cond := strings.Join(where, " AND ")

	var total int

	err := s.reader().QueryRowContext(ctx, "SELECT COUNT(*) FROM artifacts a WHERE "+cond, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("list artifacts in %s: count: %w", coll, err)
	}

	stmt := "SELECT a.body FROM artifacts a WHERE " + cond + " ORDER BY a.resource, a.context, a.type"
	stmt, args = appendPaging(stmt, args, q.Limit, q.Offset)

	out, err := s.queryArtifacts(ctx, stmt, args...)
	if err != nil {
		return nil, 0, err
	}

	return out, total, nil
}

// SearchArtifacts returns unexpired search documents holding every term,
// with the total match count.
func (s *Store) SearchArtifacts(ctx context.Context, coll string, q SearchQuery) ([]Artifact, int, error) {
	terms := slices.Compact(slices.Sorted(slices.Values(q.Terms)))
	if len(terms) == 0 {
		return nil, 0, fmt.Errorf("search %s: %w: no terms", coll, ErrInvalidQuery)
	}

	sub := "SELECT resource, context, type FROM search_terms WHERE collection = ? AND term IN (" +
		placeholders(len(terms)) + ")"
	args := []any{coll}

	for _, t := range terms {
		args = append(args, t)
	}

	if len(q.Types) > 0 {
		sub += " AND type IN (" + placeholders(len(q.Types)) + ")"

		for _, t := range q.Types {
			args = append(args, t)
		}
	}

	sub += " GROUP BY resource, context, type HAVING COUNT(DISTINCT term) = ?"
	args = append(args, len(terms))

	from := `FROM artifacts a JOIN (` + sub + `) m
		ON a.resource = m.resource AND a.context = m.context AND a.type = m.type
		WHERE a.collection = ? AND (a.expires_at IS NULL OR a.expires_at > ?)`
	args = append(args, coll, nanos(s.Now()))

	var total int

	err := s.reader().QueryRowContext(ctx, "SELECT COUNT(*) "+from, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("search %s: count: %w", coll, err)
	}

	stmt, args := appendPaging("SELECT a.body "+from+" ORDER BY a.type, a.resource, a.context", args, q.Limit, q.Offset)

	out, err := s.queryArtifacts(ctx, stmt, args...)
	if err != nil {
		return nil, 0, err
	}

	return out, total, nil
}

func appendPaging(stmt string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, limit)

		if offset > 0 {
			stmt += " OFFSET ?"
			args = append(args, offset)
		}
	} else if offset > 0 {
		stmt += " LIMIT -1 OFFSET ?"
		args = append(args, offset)
	}

	return stmt, args
}

func (s *Store) queryArtifacts(ctx context.Context, stmt string, args ...any) ([]Artifact, error) {
	rows, err := s.reader().QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var out []Artifact

	for rows.Next() {
		var body string

		err = rows.Scan(&body)
		if err != nil {
			return nil, fmt.Errorf("query artifacts: scan: %w", err)
		}

		a, decodeErr := decodeArtifact(body)
		if decodeErr != nil {
			return nil, decodeErr
		}

		out = append(out, a)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}

	return out, nil
}

// fieldPath is the JSON path of a table field inside an artifact body.
func fieldPath(field string) string {
	return `$.value.fields."` + strings.ReplaceAll(field, `"`, `\"`) + `"`
}

// EnsureIndex creates a partial expression index over artifact fields of
// one type. keys maps "value.<field>" (or "<field>") to a direction: 1 for
// ascending, -1 for descending. It is idempotent.
func (s *Store) EnsureIndex(ctx context.Context, coll, typ string, keys map[string]int) error {
	if len(keys) == 0 {
		return fmt.Errorf("ensure index: %w: no keys", ErrInvalidQuery)
	}

	names := sortedKeys(keys)
	cols := make([]string, 0, len(names))

	for _, k := range names {
		dir := "ASC"
		if keys[k] < 0 {
			dir = "DESC"
		}

		field := strings.TrimPrefix(k, "value.")
		cols = append(cols, "json_extract(body, "+sqlQuote(fieldPath(field))+") "+dir)
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(coll + "\x00" + typ + "\x00" + strings.Join(cols, ",")))

	name := fmt.Sprintf("idx_art_%s_%08x", sanitizeIdent(typ), h.Sum32())
	stmt := "CREATE INDEX IF NOT EXISTS " + name + " ON artifacts(" + strings.Join(cols, ", ") +
		") WHERE collection = " + sqlQuote(coll) + " AND type = " + sqlQuote(typ)

	_, err := s.rw.ExecContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure index %s: %w", name, err)
	}

	s.log.Debug("ensured artifact index", "collection", coll, "type", typ, "index", name)

	return nil
}

func sqlQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func sanitizeIdent(s string) string {
	var b strings.Builder

	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	return b.String()
}
