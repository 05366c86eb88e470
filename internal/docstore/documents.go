package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/calvinalkan/cbdstore/internal/rdf"
)

// querier is the subset shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DocumentQuery selects documents in one collection. Empty fields match
// everything.
type DocumentQuery struct {
	Context  string
	Resource string
	// Types matches documents with at least one of these rdf:type values.
	Types []string
	// Values matches documents holding every predicate=value pair, compared
	// against the stored value regardless of kind.
	Values map[string]string
	Limit  int
}

// Get returns one document or ErrNotFound.
func (s *Store) Get(ctx context.Context, coll string, id rdf.Identity) (*rdf.Document, error) {
	doc, err := getDocument(ctx, s.reader(), coll, id)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", coll, id, err)
	}

	return doc, nil
}

func getDocument(ctx context.Context, q querier, coll string, id rdf.Identity) (*rdf.Document, error) {
	row := q.QueryRowContext(ctx,
		"SELECT body FROM documents WHERE collection = ? AND resource = ? AND context = ?",
		coll, id.Resource, id.Context)

	var body string

	err := row.Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	return decodeDocument(body)
}

func decodeDocument(body string) (*rdf.Document, error) {
	var doc rdf.Document

	err := json.Unmarshal([]byte(body), &doc)
	if err != nil {
		return nil, err
	}

	return &doc, nil
}

// GetMany fetches the documents that exist among ids. Missing ids are
// absent from the result.
func (s *Store) GetMany(ctx context.Context, coll string, ids []rdf.Identity) (map[rdf.Identity]*rdf.Document, error) {
	out := make(map[rdf.Identity]*rdf.Document, len(ids))

	for _, id := range ids {
		if _, done := out[id]; done {
			continue
		}

		doc, err := getDocument(ctx, s.reader(), coll, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("get many %s/%s: %w", coll, id, err)
		}

		out[id] = doc
	}

	return out, nil
}

// Find returns matching documents ordered by resource then context.
func (s *Store) Find(ctx context.Context, coll string, query DocumentQuery) ([]*rdf.Document, error) {
	var (
		where = []string{"d.collection = ?"}
		args  = []any{coll}
	)

	if query.Context != "" {
		where = append(where, "d.context = ?")
		args = append(args, query.Context)
	}

	if query.Resource != "" {
		where = append(where, "d.resource = ?")
		args = append(args, query.Resource)
	}

	if len(query.Types) > 0 {
		where = append(where, `EXISTS (SELECT 1 FROM document_values v
			WHERE v.collection = d.collection AND v.resource = d.resource AND v.context = d.context
			AND v.predicate = ? AND v.value IN (`+placeholders(len(query.Types))+`))`)
		args = append(args, rdf.RDFType)

		for _, t := range query.Types {
			args = append(args, t)
		}
	}

	for _, pred := range sortedKeys(query.Values) {
		where = append(where, `EXISTS (SELECT 1 FROM document_values v
			WHERE v.collection = d.collection AND v.resource = d.resource AND v.context = d.context
			AND v.predicate = ? AND v.value = ?)`)
		args = append(args, pred, query.Values[pred])
	}

	stmt := "SELECT d.body FROM documents d WHERE " + strings.Join(where, " AND ") + " ORDER BY d.resource, d.context"

	if query.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, query.Limit)
	}

	rows, err := s.reader().QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", coll, err)
	}

	defer func() { _ = rows.Close() }()

	var out []*rdf.Document

	for rows.Next() {
		var body string

		err = rows.Scan(&body)
		if err != nil {
			return nil, fmt.Errorf("find %s: scan: %w", coll, err)
		}

		doc, decodeErr := decodeDocument(body)
		if decodeErr != nil {
			return nil, fmt.Errorf("find %s: %w", coll, decodeErr)
		}

		out = append(out, doc)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("find %s: rows: %w", coll, err)
	}

	return out, nil
}

// CountReferencing counts documents in coll whose pred holds the URI target.
func (s *Store) CountReferencing(ctx context.Context, coll, pred string, target rdf.Identity) (int, error) {
	row := s.reader().QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT resource || char(0) || context) FROM document_values
		WHERE collection = ? AND predicate = ? AND kind = ? AND value = ? AND context = ?`,
		coll, pred, int(rdf.KindURI), target.Resource, target.Context)

	var n int

	err := row.Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count referencing %s.%s: %w", coll, pred, err)
	}

	return n, nil
}

// Count returns the number of documents in coll.
func (s *Store) Count(ctx context.Context, coll string) (int, error) {
	row := s.reader().QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE collection = ?", coll)

	var n int

	err := row.Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", coll, err)
	}

	return n, nil
}

// Put replaces a document. A new document starts at version 0; every
// replacement bumps it by one.
func (s *Store) Put(ctx context.Context, coll string, doc *rdf.Document) (*rdf.Document, error) {
	var stored *rdf.Document

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		prev, err := getDocument(ctx, tx, coll, doc.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		stored, err = s.writeDocument(ctx, tx, coll, prev, doc)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("put %s/%s: %w", coll, doc.ID, err)
	}

	return stored, nil
}

// Delete removes a document. Deleting a missing document is not an error.
func (s *Store) Delete(ctx context.Context, coll string, id rdf.Identity) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return deleteDocument(ctx, tx, coll, id)
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", coll, id, err)
	}

	return nil
}

// UpdateFunc receives the current document (nil when absent) and returns
// the replacement. Returning nil deletes the document.
type UpdateFunc func(current *rdf.Document) (*rdf.Document, error)

// Update is an atomic find-and-modify of one document. It returns the
// document as it was before and after; either may be nil.
func (s *Store) Update(ctx context.Context, coll string, id rdf.Identity, fn UpdateFunc) (before, after *rdf.Document, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		current, getErr := getDocument(ctx, tx, coll, id)
		if getErr != nil && !errors.Is(getErr, ErrNotFound) {
			return getErr
		}

		before = current

		next, fnErr := fn(current.Clone())
		if fnErr != nil {
			return fnErr
		}

		if next == nil {
			after = nil

			return deleteDocument(ctx, tx, coll, id)
		}

		next.ID = id

		var writeErr error

		after, writeErr = s.writeDocument(ctx, tx, coll, current, next)

		return writeErr
	})
	if err != nil {
		return nil, nil, fmt.Errorf("update %s/%s: %w", coll, id, err)
	}

	return before, after, nil
}

// Restore writes doc exactly as given, bookkeeping fields included, or
// deletes id when doc is nil. Rollback and replay use it so that restoring
// the same body twice yields the same row.
func (s *Store) Restore(ctx context.Context, coll string, id rdf.Identity, doc *rdf.Document) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if doc == nil {
			return deleteDocument(ctx, tx, coll, id)
		}

		out := doc.Clone()
		out.ID = id

		return writeRaw(ctx, tx, coll, out)
	})
	if err != nil {
		return fmt.Errorf("restore %s/%s: %w", coll, id, err)
	}

	return nil
}

func (s *Store) writeDocument(ctx context.Context, tx *sql.Tx, coll string, prev, doc *rdf.Document) (*rdf.Document, error) {
	out := doc.Clone()
	now := s.Now()

	out.Updated = now
	out.Version = 0

	if prev != nil {
		out.Version = prev.Version + 1
		out.Created = prev.Created
	}

	if out.Created.IsZero() {
		out.Created = now
	}

	err := writeRaw(ctx, tx, coll, out)
	if err != nil {
		return nil, err
	}

	return out, nil
}

func writeRaw(ctx context.Context, tx *sql.Tx, coll string, out *rdf.Document) error {
	body, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (collection, resource, context, version, body) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (collection, resource, context) DO UPDATE SET version = excluded.version, body = excluded.body`,
		coll, out.ID.Resource, out.ID.Context, out.Version, string(body))
	if err != nil {
		return fmt.Errorf("write body: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"DELETE FROM document_values WHERE collection = ? AND resource = ? AND context = ?",
		coll, out.ID.Resource, out.ID.Context)
	if err != nil {
		return fmt.Errorf("clear values: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO document_values (collection, resource, context, predicate, kind, value)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare values: %w", err)
	}

	defer func() { _ = stmt.Close() }()

	for pred, vs := range out.Predicates {
		for _, v := range vs {
			_, err = stmt.ExecContext(ctx, coll, out.ID.Resource, out.ID.Context, pred, int(v.Kind), v.V)
			if err != nil {
				return fmt.Errorf("write value %s: %w", pred, err)
			}
		}
	}

	return nil
}

func deleteDocument(ctx context.Context, q querier, coll string, id rdf.Identity) error {
	_, err := q.ExecContext(ctx,
		"DELETE FROM documents WHERE collection = ? AND resource = ? AND context = ?",
		coll, id.Resource, id.Context)
	if err != nil {
		return fmt.Errorf("delete body: %w", err)
	}

	_, err = q.ExecContext(ctx,
		"DELETE FROM document_values WHERE collection = ? AND resource = ? AND context = ?",
		coll, id.Resource, id.Context)
	if err != nil {
		return fmt.Errorf("delete values: %w", err)
	}

	return nil
}
