package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/calvinalkan/cbdstore/internal/rdf"
)

// TransactionStatus is the lifecycle state of a logged write.
type TransactionStatus string

const (
	TxStarted    TransactionStatus = "started"
	TxCompleted  TransactionStatus = "completed"
	TxCancelling TransactionStatus = "cancelling"
	TxFailed     TransactionStatus = "failed"
)

// DocumentState is a document snapshot inside a transaction record. A nil
// Document means the document did not exist.
type DocumentState struct {
	ID       rdf.Identity  `json:"_id"`
	Document *rdf.Document `json:"document,omitempty"`
}

// Transaction is one transaction log record.
type Transaction struct {
	ID         string            `json:"_id"`
	StoreName  string            `json:"storeName"`
	PodName    string            `json:"podName"`
	Status     TransactionStatus `json:"status"`
	StartTime  time.Time         `json:"startTime"`
	EndTime    *time.Time        `json:"endTime,omitempty"`
	FailedTime *time.Time        `json:"failedTime,omitempty"`
	Changes    rdf.ChangeSet     `json:"changes"`
	Original   []DocumentState   `json:"originalCBDs,omitempty"`
	New        []DocumentState   `json:"newCBDs,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// TransactionQuery bounds a scan of completed transactions. Zero times are
// open bounds; Until is exclusive.
type TransactionQuery struct {
	StoreName string
	PodName   string
	Since     time.Time
	Until     time.Time
}

// CreateTransaction inserts a new log record.
func (s *Store) CreateTransaction(ctx context.Context, t *Transaction) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("create transaction %s: encode: %w", t.ID, err)
	}

	_, err = s.rw.ExecContext(ctx,
		`INSERT INTO transactions (id, store_name, pod_name, status, start_time, end_time, failed_time, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.StoreName, t.PodName, string(t.Status), nanos(t.StartTime),
		nullNanos(t.EndTime), nullNanos(t.FailedTime), string(body))
	if err != nil {
		return fmt.Errorf("create transaction %s: %w", t.ID, err)
	}

	return nil
}

// UpsertTransaction writes a record, replacing any record with its id.
func (s *Store) UpsertTransaction(ctx context.Context, t *Transaction) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("upsert transaction %s: encode: %w", t.ID, err)
	}

	_, err = s.rw.ExecContext(ctx,
		`INSERT INTO transactions (id, store_name, pod_name, status, start_time, end_time, failed_time, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET store_name = excluded.store_name, pod_name = excluded.pod_name,
			status = excluded.status, start_time = excluded.start_time, end_time = excluded.end_time,
			failed_time = excluded.failed_time, body = excluded.body`,
		t.ID, t.StoreName, t.PodName, string(t.Status), nanos(t.StartTime),
		nullNanos(t.EndTime), nullNanos(t.FailedTime), string(body))
	if err != nil {
		return fmt.Errorf("upsert transaction %s: %w", t.ID, err)
	}

	return nil
}

// UpdateTransaction rewrites an existing record. ErrNotFound when absent.
func (s *Store) UpdateTransaction(ctx context.Context, t *Transaction) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("update transaction %s: encode: %w", t.ID, err)
	}

	res, err := s.rw.ExecContext(ctx,
		`UPDATE transactions SET status = ?, end_time = ?, failed_time = ?, body = ? WHERE id = ?`,
		string(t.Status), nullNanos(t.EndTime), nullNanos(t.FailedTime), string(body), t.ID)
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", t.ID, err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update transaction %s: %w", t.ID, ErrNotFound)
	}

	return nil
}

// GetTransaction loads one record.
func (s *Store) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := s.reader().QueryRowContext(ctx, "SELECT body FROM transactions WHERE id = ?", id)

	var body string

	err := row.Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", id, err)
	}

	return decodeTransaction(body)
}

// TransactionsByStatus lists records in one status, oldest first.
func (s *Store) TransactionsByStatus(ctx context.Context, status TransactionStatus) ([]*Transaction, error) {
	var out []*Transaction

	for t, err := range s.scanTransactions(ctx,
		"SELECT body FROM transactions WHERE status = ? ORDER BY start_time, id", string(status)) {
		if err != nil {
			return nil, err
		}

		out = append(out, t)
	}

	return out, nil
}

// CompletedTransactions streams completed records matching q, oldest first.
// Iteration stops at the first error, which is yielded once.
func (s *Store) CompletedTransactions(ctx context.Context, q TransactionQuery) iter.Seq2[*Transaction, error] {
	stmt := "SELECT body FROM transactions WHERE status = ?"
	args := []any{string(TxCompleted)}

	if q.StoreName != "" {
		stmt += " AND store_name = ?"
		args = append(args, q.StoreName)
	}

	if q.PodName != "" {
		stmt += " AND pod_name = ?"
		args = append(args, q.PodName)
	}

	if !q.Since.IsZero() {
		stmt += " AND start_time >= ?"
		args = append(args, nanos(q.Since))
	}

	if !q.Until.IsZero() {
		stmt += " AND start_time < ?"
		args = append(args, nanos(q.Until))
	}

	return s.scanTransactions(ctx, stmt+" ORDER BY start_time, id", args...)
}

func (s *Store) scanTransactions(ctx context.Context, stmt string, args ...any) iter.Seq2[*Transaction, error] {
	return func(yield func(*Transaction, error) bool) {
		rows, err := s.reader().QueryContext(ctx, stmt, args...)
		if err != nil {
			yield(nil, fmt.Errorf("scan transactions: %w", err))

			return
		}

		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var body string

			err = rows.Scan(&body)
			if err != nil {
				yield(nil, fmt.Errorf("scan transactions: %w", err))

				return
			}

			t, decodeErr := decodeTransaction(body)
			if decodeErr != nil {
				yield(nil, decodeErr)

				return
			}

			if !yield(t, nil) {
				return
			}
		}

		err = rows.Err()
		if err != nil {
			yield(nil, fmt.Errorf("scan transactions: %w", err))
		}
	}
}

func decodeTransaction(body string) (*Transaction, error) {
	var t Transaction

	err := json.Unmarshal([]byte(body), &t)
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}

	return &t, nil
}
