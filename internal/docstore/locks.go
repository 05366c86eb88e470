package docstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/calvinalkan/cbdstore/internal/rdf"
)

// Lock is one per-document lock row. At most one exists per identity.
type Lock struct {
	ID            rdf.Identity
	TransactionID string
	LockedAt      time.Time
}

// InsertLock claims id for txID. It fails with ErrAlreadyLocked when any
// transaction, including txID itself, already holds it.
func (s *Store) InsertLock(ctx context.Context, id rdf.Identity, txID string) error {
	_, err := s.rw.ExecContext(ctx,
		"INSERT INTO locks (resource, context, transaction_id, locked_at) VALUES (?, ?, ?, ?)",
		id.Resource, id.Context, txID, nanos(s.Now()))
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("lock %s: %w", id, ErrAlreadyLocked)
		}

		return fmt.Errorf("lock %s: %w", id, err)
	}

	return nil
}

// DeleteLocks removes the locks txID holds on ids, or every lock it holds
// when ids is empty. It returns how many rows went away.
func (s *Store) DeleteLocks(ctx context.Context, txID string, ids []rdf.Identity) (int, error) {
	if len(ids) == 0 {
		res, err := s.rw.ExecContext(ctx, "DELETE FROM locks WHERE transaction_id = ?", txID)
		if err != nil {
			return 0, fmt.Errorf("unlock %s: %w", txID, err)
		}

		n, _ := res.RowsAffected()

		return int(n), nil
	}

	removed := 0

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			res, err := tx.ExecContext(ctx,
				"DELETE FROM locks WHERE resource = ? AND context = ? AND transaction_id = ?",
				id.Resource, id.Context, txID)
			if err != nil {
				return fmt.Errorf("unlock %s: %w", id, err)
			}

			n, _ := res.RowsAffected()
			removed += int(n)
		}

		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("unlock %s: %w", txID, err)
	}

	return removed, nil
}

// DeleteLock removes the lock on id regardless of owner. It reports whether
// a row existed.
func (s *Store) DeleteLock(ctx context.Context, id rdf.Identity) (bool, error) {
	res, err := s.rw.ExecContext(ctx,
		"DELETE FROM locks WHERE resource = ? AND context = ?", id.Resource, id.Context)
	if err != nil {
		return false, fmt.Errorf("unlock %s: %w", id, err)
	}

	n, _ := res.RowsAffected()

	return n > 0, nil
}

// Locks lists locks held by txID, or every lock when txID is empty. Lock
// reads always go to the primary.
func (s *Store) Locks(ctx context.Context, txID string) ([]Lock, error) {
	stmt := "SELECT resource, context, transaction_id, locked_at FROM locks"
	args := []any{}

	if txID != "" {
		stmt += " WHERE transaction_id = ?"
		args = append(args, txID)
	}

	return s.queryLocks(ctx, stmt+" ORDER BY locked_at, resource, context", args...)
}

// LocksOlderThan lists locks taken before t.
func (s *Store) LocksOlderThan(ctx context.Context, t time.Time) ([]Lock, error) {
	return s.queryLocks(ctx,
		"SELECT resource, context, transaction_id, locked_at FROM locks WHERE locked_at < ? ORDER BY locked_at, resource, context",
		nanos(t))
}

// LockOf returns the lock on id or ErrNotFound.
func (s *Store) LockOf(ctx context.Context, id rdf.Identity) (Lock, error) {
	locks, err := s.queryLocks(ctx,
		"SELECT resource, context, transaction_id, locked_at FROM locks WHERE resource = ? AND context = ?",
		id.Resource, id.Context)
	if err != nil {
		return Lock{}, err
	}

	if len(locks) == 0 {
		return Lock{}, fmt.Errorf("lock %s: %w", id, ErrNotFound)
	}

	return locks[0], nil
}

func (s *Store) queryLocks(ctx context.Context, stmt string, args ...any) ([]Lock, error) {
	rows, err := s.rw.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var out []Lock

	for rows.Next() {
		var (
			l  Lock
			at int64
		)

		err = rows.Scan(&l.ID.Resource, &l.ID.Context, &l.TransactionID, &at)
		if err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}

		l.LockedAt = fromNanos(at)
		out = append(out, l)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}

	return out, nil
}
