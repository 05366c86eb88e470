// Package lock is the per-document lock manager. Mutual exclusion between
// writers rests entirely on the lock row's primary key: a subject is locked
// when its row exists.
//
// Subjects are locked as a batch. If any subject in the batch is taken, every
// lock won in that attempt is released and the whole batch is retried after a
// short randomized sleep. Partial progress is never carried across attempts,
// so two writers locking overlapping sets in different orders cannot
// deadlock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/calvinalkan/cbdstore/internal/config"
	"github.com/calvinalkan/cbdstore/internal/docstore"
	"github.com/calvinalkan/cbdstore/internal/metrics"
	"github.com/calvinalkan/cbdstore/internal/rdf"
)

// ErrLocksNotObtained is returned once the retry ceiling is reached.
var ErrLocksNotObtained = errors.New("did not obtain locks")

// AuditKindInertLock tags audit rows written by RemoveInertLock.
const AuditKindInertLock = "remove_inert_lock"

// Store is the slice of the document store the manager needs.
type Store interface {
	InsertLock(ctx context.Context, id rdf.Identity, txID string) error
	DeleteLocks(ctx context.Context, txID string, ids []rdf.Identity) (int, error)
	Locks(ctx context.Context, txID string) ([]docstore.Lock, error)
	LocksOlderThan(ctx context.Context, t time.Time) ([]docstore.Lock, error)
	Get(ctx context.Context, coll string, id rdf.Identity) (*rdf.Document, error)
	InsertAudit(ctx context.Context, e *docstore.AuditEntry) error
	UpdateAudit(ctx context.Context, id, status, errMsg string) error
}

// Manager locks and unlocks subjects for transactions.
type Manager struct {
	store    Store
	retries  int
	minDelay time.Duration
	maxDelay time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	log      *slog.Logger
	metrics  *metrics.Collectors
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// WithMetrics sets the collectors.
func WithMetrics(c *metrics.Collectors) Option {
	return func(m *Manager) {
		m.metrics = c
	}
}

// WithSleep replaces the retry sleep, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) {
		m.sleep = fn
	}
}

// New returns a Manager with the retry policy from cfg.
func New(store Store, cfg config.LockConfig, opts ...Option) *Manager {
	minDelay, maxDelay := cfg.RetryDelay()

	m := &Manager{
		store:    store,
		retries:  cfg.Retries,
		minDelay: minDelay,
		maxDelay: maxDelay,
		sleep:    sleepContext,
		log:      slog.New(slog.DiscardHandler),
	}

	if m.retries < 1 {
		m.retries = config.DefaultLockRetries
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// LockSubjects locks every subject for txID and returns a snapshot of each
// subject's document read from pod after its lock was taken. Subjects with
// no document map to nil.
func (m *Manager) LockSubjects(ctx context.Context, pod string, subjects []rdf.Identity, txID string) (map[rdf.Identity]*rdf.Document, error) {
	batch := rdf.SortIdentities(slices.Clone(subjects))
	batch = slices.Compact(batch)

	var lastErr error

	for attempt := 1; attempt <= m.retries; attempt++ {
		docs, err := m.tryLock(ctx, pod, batch, txID)
		if err == nil {
			m.metrics.LockAttempt("acquired")

			return docs, nil
		}

		lastErr = err

		if ctx.Err() != nil {
			return nil, fmt.Errorf("lock subjects: %w", ctx.Err())
		}

		m.metrics.LockAttempt("retry")
		m.log.Debug("lock attempt failed",
			"tx", txID, "attempt", attempt, "subjects", len(batch), "err", err)

		if attempt == m.retries {
			break
		}

		err = m.sleep(ctx, m.retryDelay())
		if err != nil {
			return nil, fmt.Errorf("lock subjects: %w", err)
		}
	}

	m.metrics.LockAttempt("exhausted")
	m.log.Warn("lock retries exhausted", "tx", txID, "attempts", m.retries, "last_err", lastErr)

	return nil, fmt.Errorf("%w: %d subjects after %d attempts", ErrLocksNotObtained, len(batch), m.retries)
}

// tryLock is one all-or-nothing attempt.
func (m *Manager) tryLock(ctx context.Context, pod string, batch []rdf.Identity, txID string) (map[rdf.Identity]*rdf.Document, error) {
	docs := make(map[rdf.Identity]*rdf.Document, len(batch))
	locked := make([]rdf.Identity, 0, len(batch))

	release := func(cause error) error {
		if len(locked) == 0 {
			return cause
		}

		_, err := m.store.DeleteLocks(context.WithoutCancel(ctx), txID, locked)
		if err != nil {
			return errors.Join(cause, fmt.Errorf("release partial batch: %w", err))
		}

		return cause
	}

	for _, id := range batch {
		err := m.store.InsertLock(ctx, id, txID)
		if err != nil {
			return nil, release(err)
		}

		locked = append(locked, id)

		doc, err := m.store.Get(ctx, pod, id)
		if err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return nil, release(fmt.Errorf("snapshot %s: %w", id, err))
		}

		docs[id] = doc
	}

	return docs, nil
}

func (m *Manager) retryDelay() time.Duration {
	span := m.maxDelay - m.minDelay
	if span <= 0 {
		return m.minDelay
	}

	return m.minDelay + rand.N(span+1)
}

// UnlockSubjects releases every lock held by txID. It is safe to call when
// txID holds nothing.
func (m *Manager) UnlockSubjects(ctx context.Context, txID string) (int, error) {
	n, err := m.store.DeleteLocks(ctx, txID, nil)
	if err != nil {
		return 0, fmt.Errorf("unlock subjects: %w", err)
	}

	return n, nil
}

// LockedSubjects lists the subjects txID currently holds.
func (m *Manager) LockedSubjects(ctx context.Context, txID string) ([]rdf.Identity, error) {
	locks, err := m.store.Locks(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("locked subjects: %w", err)
	}

	out := make([]rdf.Identity, 0, len(locks))
	for _, l := range locks {
		out = append(out, l.ID)
	}

	return rdf.SortIdentities(out), nil
}

// InertLocks lists locks older than age, candidates for RemoveInertLock.
func (m *Manager) InertLocks(ctx context.Context, now time.Time, age time.Duration) ([]docstore.Lock, error) {
	locks, err := m.store.LocksOlderThan(ctx, now.Add(-age))
	if err != nil {
		return nil, fmt.Errorf("inert locks: %w", err)
	}

	return locks, nil
}

// RemoveInertLock forcibly releases the locks of a transaction that will
// never finish. The audit row moves from in_progress to completed, or to
// error with the failure message.
func (m *Manager) RemoveInertLock(ctx context.Context, txID, reason string) error {
	if txID == "" {
		return errors.New("remove inert lock: transaction id is empty")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("remove inert lock: audit id: %w", err)
	}

	entry := &docstore.AuditEntry{
		ID:            id.String(),
		Kind:          AuditKindInertLock,
		TransactionID: txID,
		Reason:        reason,
		Status:        docstore.AuditInProgress,
	}

	err = m.store.InsertAudit(ctx, entry)
	if err != nil {
		return fmt.Errorf("remove inert lock %s: %w", txID, err)
	}

	n, unlockErr := m.store.DeleteLocks(ctx, txID, nil)
	if unlockErr != nil {
		auditErr := m.store.UpdateAudit(context.WithoutCancel(ctx), entry.ID, docstore.AuditError, unlockErr.Error())
		m.log.Error("remove inert lock failed", "tx", txID, "audit", entry.ID, "err", unlockErr)

		return errors.Join(fmt.Errorf("remove inert lock %s: %w", txID, unlockErr), auditErr)
	}

	err = m.store.UpdateAudit(ctx, entry.ID, docstore.AuditCompleted, "")
	if err != nil {
		return fmt.Errorf("remove inert lock %s: %w", txID, err)
	}

	m.log.Info("removed inert lock", "tx", txID, "audit", entry.ID, "released", n, "reason", reason)

	return nil
}
