// Package docstore is the document store behind the engine: one SQLite
// database per store holding source documents (CBDs) and their value index,
// per-document lock rows, the transaction log, derived artifacts with their
// impact index, and the operator audit trail.
//
// It offers exactly the primitives the engine relies on:
//   - atomic single-document read-modify-write ([Store.Update])
//   - insert-only-if-absent rows ([Store.InsertLock])
//   - indexed exact-match and set-membership queries
//     ([Store.Find], [Store.FindImpacted], [Store.CountReferencing])
//
// There are no multi-document transactions at the API level. Each exported
// method is atomic on its own.
package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// schemaVersion is stored in SQLite's user_version pragma. Unlike a derived
// index the documents table is primary data, so a newer on-disk schema is an
// error rather than a rebuild.
const schemaVersion = 1

// sqliteBusyTimeout is how long a connection waits on a locked database.
const sqliteBusyTimeout = 10000 // milliseconds

// ReadPreference selects which connection pool serves reads.
type ReadPreference uint8

const (
	// ReadPrimary reads through the read-write pool and always observes the
	// latest committed write on this handle.
	ReadPrimary ReadPreference = iota
	// ReadSecondaryPreferred reads through a separate read-only pool.
	ReadSecondaryPreferred
)

func (p ReadPreference) String() string {
	if p == ReadPrimary {
		return "primary"
	}

	return "secondaryPreferred"
}

// Store is a handle on one SQLite document database. Handles created by
// [Store.WithReadPreference] share pools with their origin; only the origin
// closes them.
type Store struct {
	rw    *sql.DB
	ro    *sql.DB
	pref  ReadPreference
	owner bool
	now   func() time.Time
	log   *slog.Logger
	path  string
}

type options struct {
	pref   ReadPreference
	now    func() time.Time
	logger *slog.Logger
}

// Option configures Open.
type Option func(*options)

// WithDefaultReadPreference sets the read preference of the returned handle.
func WithDefaultReadPreference(p ReadPreference) Option {
	return func(o *options) {
		o.pref = p
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Open opens (creating if needed) the SQLite database at path and migrates
// its schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if ctx == nil {
		return nil, errors.New("open docstore: context is nil")
	}

	if path == "" {
		return nil, errors.New("open docstore: path is empty")
	}

	o := options{pref: ReadSecondaryPreferred, now: time.Now, logger: slog.New(slog.DiscardHandler)}

	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	rw, err := openSQLite(ctx, path, false)
	if err != nil {
		return nil, fmt.Errorf("open docstore: %w", err)
	}

	err = migrate(ctx, rw)
	if err != nil {
		_ = rw.Close()

		return nil, fmt.Errorf("open docstore: %w", err)
	}

	ro, err := openSQLite(ctx, path, true)
	if err != nil {
		_ = rw.Close()

		return nil, fmt.Errorf("open docstore: %w", err)
	}

	return &Store{
		rw:    rw,
		ro:    ro,
		pref:  o.pref,
		owner: true,
		now:   o.now,
		log:   o.logger,
		path:  path,
	}, nil
}

// Close releases both pools. Closing a derived handle is a no-op.
func (s *Store) Close() error {
	if s == nil || !s.owner {
		return nil
	}

	return errors.Join(closeDB(s.rw, "rw"), closeDB(s.ro, "ro"))
}

func closeDB(db *sql.DB, label string) error {
	if db == nil {
		return nil
	}

	err := db.Close()
	if err != nil {
		return fmt.Errorf("close sqlite %s: %w", label, err)
	}

	return nil
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.path
}

// ReadPreference reports the handle's read preference.
func (s *Store) ReadPreference() ReadPreference {
	return s.pref
}

// WithReadPreference returns a handle sharing this store's pools that reads
// with p. The receiver is left untouched, so concurrent users of the
// original handle keep their own preference.
func (s *Store) WithReadPreference(p ReadPreference) *Store {
	out := *s
	out.pref = p
	out.owner = false

	return &out
}

// Now returns the store clock's current time in UTC.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

func (s *Store) reader() *sql.DB {
	if s.pref == ReadSecondaryPreferred && s.ro != nil {
		return s.ro
	}

	return s.rw
}

func openSQLite(ctx context.Context, path string, readOnly bool) (*sql.DB, error) {
	q := url.Values{}
	q.Set("_busy_timeout", fmt.Sprint(sqliteBusyTimeout))

	if readOnly {
		q.Set("mode", "ro")
	} else {
		q.Set("mode", "rwc")
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "FULL")
		q.Set("_txlock", "immediate")
	}

	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	err = applyPragmas(ctx, db)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return db, nil
}

// applyPragmas sets per-connection tuning not expressible in the DSN.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	statements := []string{
		"PRAGMA mmap_size = 268435456",
		"PRAGMA cache_size = -20000",
		"PRAGMA temp_store = MEMORY",
	}

	for _, stmt := range statements {
		_, err := db.ExecContext(ctx, stmt)
		if err != nil {
			return fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}

	return nil
}

func userVersion(ctx context.Context, db *sql.DB) (int, error) {
	row := db.QueryRowContext(ctx, "PRAGMA user_version")

	var version int

	err := row.Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}

	return version, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	version, err := userVersion(ctx, db)
	if err != nil {
		return err
	}

	if version > schemaVersion {
		return fmt.Errorf("%w: on-disk schema %d is newer than %d", ErrSchemaVersion, version, schemaVersion)
	}

	if version == schemaVersion {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migrate txn: %w", err)
	}

	committed := false

	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	err = createSchema(ctx, tx)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion))
	if err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("commit migrate txn: %w", err)
	}

	committed = true

	return nil
}

func createSchema(ctx context.Context, tx *sql.Tx) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			resource TEXT NOT NULL,
			context TEXT NOT NULL,
			version INTEGER NOT NULL,
			body TEXT NOT NULL,
			PRIMARY KEY (collection, resource, context)
		) WITHOUT ROWID`,
		`CREATE TABLE IF NOT EXISTS document_values (
			collection TEXT NOT NULL,
			resource TEXT NOT NULL,
			context TEXT NOT NULL,
			predicate TEXT NOT NULL,
			kind INTEGER NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (collection, resource, context, predicate, kind, value)
		) WITHOUT ROWID`,
		"CREATE INDEX IF NOT EXISTS idx_values_lookup ON document_values(collection, predicate, value)",
		`CREATE TABLE IF NOT EXISTS locks (
			resource TEXT NOT NULL,
			context TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			locked_at INTEGER NOT NULL,
			PRIMARY KEY (resource, context)
		) WITHOUT ROWID`,
		"CREATE INDEX IF NOT EXISTS idx_locks_tx ON locks(transaction_id)",
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			store_name TEXT NOT NULL,
			pod_name TEXT NOT NULL,
			status TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER,
			failed_time INTEGER,
			body TEXT NOT NULL
		) WITHOUT ROWID`,
		"CREATE INDEX IF NOT EXISTS idx_tx_completed ON transactions(store_name, pod_name, status, start_time)",
		`CREATE TABLE IF NOT EXISTS artifacts (
			collection TEXT NOT NULL,
			resource TEXT NOT NULL,
			context TEXT NOT NULL,
			type TEXT NOT NULL,
			expires_at INTEGER,
			body TEXT NOT NULL,
			PRIMARY KEY (collection, resource, context, type)
		) WITHOUT ROWID`,
		"CREATE INDEX IF NOT EXISTS idx_artifacts_type ON artifacts(collection, type)",
		`CREATE TABLE IF NOT EXISTS impact_index (
			collection TEXT NOT NULL,
			resource TEXT NOT NULL,
			context TEXT NOT NULL,
			type TEXT NOT NULL,
			impact_resource TEXT NOT NULL,
			impact_context TEXT NOT NULL,
			PRIMARY KEY (collection, resource, context, type, impact_resource, impact_context)
		) WITHOUT ROWID`,
		"CREATE INDEX IF NOT EXISTS idx_impact_lookup ON impact_index(collection, impact_resource, impact_context)",
		`CREATE TABLE IF NOT EXISTS search_terms (
			collection TEXT NOT NULL,
			resource TEXT NOT NULL,
			context TEXT NOT NULL,
			type TEXT NOT NULL,
			term TEXT NOT NULL,
			PRIMARY KEY (collection, resource, context, type, term)
		) WITHOUT ROWID`,
		"CREATE INDEX IF NOT EXISTS idx_search_terms ON search_terms(collection, type, term)",
		`CREATE TABLE IF NOT EXISTS audit (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		) WITHOUT ROWID`,
	}

	for i, stmt := range statements {
		_, err := tx.ExecContext(ctx, stmt)
		if err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}

	return nil
}

// withTx runs fn inside one immediate SQLite transaction on the rw pool.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.rw.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin txn: %w", err)
	}

	committed := false

	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	err = fn(tx)
	if err != nil {
		return err
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("commit txn: %w", err)
	}

	committed = true

	return nil
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: nanos(*t), Valid: true}
}

// placeholders returns "?, ?, ..." with n marks.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}

	b := make([]byte, 0, n*3)
	for i := range n {
		if i > 0 {
			b = append(b, ", "...)
		}

		b = append(b, '?')
	}

	return string(b)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}
