package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Audit statuses.
const (
	AuditInProgress = "in_progress"
	AuditCompleted  = "completed"
	AuditError      = "error"
)

// AuditEntry records one operator action, such as removing an inert lock.
type AuditEntry struct {
	ID            string
	Kind          string
	TransactionID string
	Reason        string
	Status        string
	Error         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// InsertAudit stores a new audit entry. Timestamps are set by the store.
func (s *Store) InsertAudit(ctx context.Context, e *AuditEntry) error {
	now := s.Now()
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err := s.rw.ExecContext(ctx,
		`INSERT INTO audit (id, kind, transaction_id, reason, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Kind, e.TransactionID, e.Reason, e.Status, nullString(e.Error), nanos(now), nanos(now))
	if err != nil {
		return fmt.Errorf("insert audit %s: %w", e.ID, err)
	}

	return nil
}

// UpdateAudit sets the status and error of an entry.
func (s *Store) UpdateAudit(ctx context.Context, id, status, errMsg string) error {
	res, err := s.rw.ExecContext(ctx,
		"UPDATE audit SET status = ?, error = ?, updated_at = ? WHERE id = ?",
		status, nullString(errMsg), nanos(s.Now()), id)
	if err != nil {
		return fmt.Errorf("update audit %s: %w", id, err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update audit %s: %w", id, ErrNotFound)
	}

	return nil
}

// GetAudit loads one audit entry.
func (s *Store) GetAudit(ctx context.Context, id string) (AuditEntry, error) {
	row := s.rw.QueryRowContext(ctx,
		"SELECT id, kind, transaction_id, reason, status, error, created_at, updated_at FROM audit WHERE id = ?", id)

	var (
		e       AuditEntry
		errMsg  sql.NullString
		created int64
		updated int64
	)

	err := row.Scan(&e.ID, &e.Kind, &e.TransactionID, &e.Reason, &e.Status, &errMsg, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return AuditEntry{}, fmt.Errorf("audit %s: %w", id, ErrNotFound)
	}

	if err != nil {
		return AuditEntry{}, fmt.Errorf("audit %s: %w", id, err)
	}

	e.Error = errMsg.String
	e.CreatedAt = fromNanos(created)
	e.UpdatedAt = fromNanos(updated)

	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
