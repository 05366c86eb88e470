// Package txn is the transaction coordinator: it validates a change set,
// locks its subjects, logs the transaction, applies one atomic update per
// subject and rolls everything back when any step fails.
//
// Every write goes through a primary read-preference handle derived from
// the caller's store, so the caller's own handle keeps whatever preference
// it had on both the success and failure paths.
package txn

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/calvinalkan/cbdstore/internal/config"
	"github.com/calvinalkan/cbdstore/internal/docstore"
	"github.com/calvinalkan/cbdstore/internal/lock"
	"github.com/calvinalkan/cbdstore/internal/metrics"
	"github.com/calvinalkan/cbdstore/internal/rdf"
)

// Result is the outcome of a successful write.
type Result struct {
	TransactionID string
	Context       string
	// Subjects maps each changed subject's resource alias to the predicates
	// that changed. The list is empty when the document was created or
	// deleted outright.
	Subjects map[string][]string
}

// Coordinator runs write transactions against one store.
type Coordinator struct {
	cfg       config.Config
	storeName string
	store     *docstore.Store
	labeller  *rdf.Labeller
	log       *slog.Logger
	metrics   *metrics.Collectors
	lockOpts  []lock.Option
	newID     func() (string, error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.log = l
	}
}

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Collectors) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithLockOptions passes options to the lock manager of each transaction.
func WithLockOptions(opts ...lock.Option) Option {
	return func(c *Coordinator) {
		c.lockOpts = append(c.lockOpts, opts...)
	}
}

// WithIDGenerator overrides transaction id generation, for tests.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(c *Coordinator) {
		c.newID = fn
	}
}

// New returns a coordinator for storeName.
func New(cfg config.Config, storeName string, store *docstore.Store, opts ...Option) (*Coordinator, error) {
	_, err := cfg.Store(storeName)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:       cfg,
		storeName: storeName,
		store:     store,
		labeller:  cfg.Labeller(),
		log:       slog.New(slog.DiscardHandler),
		newID:     newTransactionID,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func newTransactionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}

	return id.String(), nil
}

// Store returns the store handle the coordinator was built with.
func (c *Coordinator) Store() *docstore.Store {
	return c.store
}

// SaveChanges applies cs to documents in pod. contextAlias defaults to the
// configured default context. Every failure is returned as *StoreError.
func (c *Coordinator) SaveChanges(ctx context.Context, cs rdf.ChangeSet, pod, contextAlias, description string) (Result, error) {
	sc, err := c.cfg.Store(c.storeName)
	if err != nil {
		return Result{}, &StoreError{Err: err}
	}

	limits, err := sc.Cardinality(pod)
	if err != nil {
		return Result{}, &StoreError{Err: err}
	}

	if contextAlias == "" {
		contextAlias = c.cfg.DefaultContext
	}

	contextAlias = c.labeller.Canonical(contextAlias)
	changes, err := canonicalChanges(c.labeller, cs, contextAlias)
	if err != nil {
		return Result{}, &StoreError{Err: err}
	}

	if len(changes) == 0 {
		return Result{Context: contextAlias, Subjects: map[string][]string{}}, nil
	}

	primary := c.store.WithReadPreference(docstore.ReadPrimary)

	err = c.precheckCardinality(ctx, primary, pod, changes, limits)
	if err != nil {
		return Result{}, &StoreError{Err: err}
	}

	txID, err := c.newID()
	if err != nil {
		return Result{}, &StoreError{Err: fmt.Errorf("transaction id: %w", err)}
	}

	log := c.log.With("tx", txID, "store", c.storeName, "pod", pod)
	started := primary.Now()
	locks := lock.New(primary, c.cfg.Locks, append([]lock.Option{lock.WithLogger(log), lock.WithMetrics(c.metrics)}, c.lockOpts...)...)

	record := &docstore.Transaction{
		ID:        txID,
		StoreName: c.storeName,
		PodName:   pod,
		Status:    docstore.TxStarted,
		StartTime: started,
		Changes:   rdf.ChangeSet{Changes: changes},
	}

	subjects := make([]rdf.Identity, 0, len(changes))
	for _, ch := range changes {
		subjects = append(subjects, ch.Subject)
	}

	originals, err := locks.LockSubjects(ctx, pod, subjects, txID)
	if err != nil {
		c.logLockFailure(ctx, primary, record, err, log)
		c.metrics.Transaction(c.storeName, pod, string(docstore.TxFailed), primary.Now().Sub(started).Seconds())

		return Result{}, &StoreError{TransactionID: txID, Err: err}
	}

	for _, id := range subjects {
		record.Original = append(record.Original, docstore.DocumentState{ID: id, Document: originals[id]})
	}

	log.Debug("saving changes", "subjects", len(subjects), "description", description)

	result, err := c.applyLogged(ctx, primary, locks, record, changes, limits)
	if err != nil {
		rbErr := c.rollback(ctx, primary, locks, record, err, log)
		c.metrics.Transaction(c.storeName, pod, string(docstore.TxFailed), primary.Now().Sub(started).Seconds())

		if rbErr != nil {
			return Result{}, &StoreError{TransactionID: txID, Err: rbErr}
		}

		return Result{}, &StoreError{TransactionID: txID, Err: err}
	}

	c.metrics.Transaction(c.storeName, pod, string(docstore.TxCompleted), primary.Now().Sub(started).Seconds())
	log.Info("transaction completed", "subjects", len(subjects))

	result.TransactionID = txID
	result.Context = contextAlias

	return result, nil
}

// precheckCardinality rejects a change set that would exceed a limit on the
// documents as they are now, before anything is locked or written. The
// apply step checks again under the lock.
func (c *Coordinator) precheckCardinality(ctx context.Context, s *docstore.Store, pod string, changes []rdf.SubjectChange, limits map[string]int) error {
	if len(limits) == 0 {
		return nil
	}

	for _, ch := range changes {
		cur, err := s.Get(ctx, pod, ch.Subject)
		if err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return err
		}

		_, err = applyChange(cur.Clone(), ch, limits)

		var cardErr *CardinalityError
		if errors.As(err, &cardErr) {
			return cardErr
		}
	}

	return nil
}

// applyLogged logs the transaction as started, applies every change,
// unlocks and logs it as completed.
func (c *Coordinator) applyLogged(ctx context.Context, s *docstore.Store, locks *lock.Manager, record *docstore.Transaction, changes []rdf.SubjectChange, limits map[string]int) (Result, error) {
	err := s.CreateTransaction(ctx, record)
	if err != nil {
		return Result{}, fmt.Errorf("log transaction: %w", err)
	}

	out := Result{Subjects: make(map[string][]string, len(changes))}

	for _, ch := range changes {
		before, after, updateErr := s.Update(ctx, record.PodName, ch.Subject, func(cur *rdf.Document) (*rdf.Document, error) {
			return applyChange(cur, ch, limits)
		})
		if updateErr != nil {
			return Result{}, fmt.Errorf("apply %s: %w", ch.Subject, updateErr)
		}

		record.New = append(record.New, docstore.DocumentState{ID: ch.Subject, Document: after})

		preds := ch.Predicates()
		if before == nil || after == nil {
			preds = []string{}
		}

		out.Subjects[ch.Subject.Resource] = preds
	}

	_, err = locks.UnlockSubjects(ctx, record.ID)
	if err != nil {
		return Result{}, err
	}

	end := s.Now()
	record.Status = docstore.TxCompleted
	record.EndTime = &end

	err = s.UpdateTransaction(ctx, record)
	if err != nil {
		return Result{}, fmt.Errorf("complete transaction: %w", err)
	}

	return out, nil
}

// rollback restores every original body, unlocks and marks the record
// failed. When a restore fails the locks stay in place for audited removal
// and ErrRollbackFailed is returned wrapping both errors.
func (c *Coordinator) rollback(ctx context.Context, s *docstore.Store, locks *lock.Manager, record *docstore.Transaction, cause error, log *slog.Logger) error {
	ctx = context.WithoutCancel(ctx)

	log.Warn("rolling back transaction", "err", cause)

	record.Status = docstore.TxCancelling
	record.Error = cause.Error()

	err := s.UpsertTransaction(ctx, record)
	if err != nil {
		log.Error("mark transaction cancelling", "err", err)
	}

	var restoreErrs []error

	for _, orig := range record.Original {
		restoreErr := s.Restore(ctx, record.PodName, orig.ID, orig.Document)
		if restoreErr != nil {
			restoreErrs = append(restoreErrs, restoreErr)
		}
	}

	failed := s.Now()
	record.Status = docstore.TxFailed
	record.FailedTime = &failed

	if len(restoreErrs) > 0 {
		restoreErr := errors.Join(restoreErrs...)
		record.Error = fmt.Sprintf("%s; rollback: %s", cause, restoreErr)

		err = s.UpsertTransaction(ctx, record)
		if err != nil {
			log.Error("mark transaction failed", "err", err)
		}

		c.metrics.Rollback("failed")
		log.Error("rollback failed, locks left for inert lock removal", "err", restoreErr, "cause", cause)

		return fmt.Errorf("%w: %w (while handling: %w)", ErrRollbackFailed, restoreErr, cause)
	}

	_, err = locks.UnlockSubjects(ctx, record.ID)
	if err != nil {
		log.Error("unlock after rollback", "err", err)
	}

	err = s.UpsertTransaction(ctx, record)
	if err != nil {
		log.Error("mark transaction failed", "err", err)
	}

	c.metrics.Rollback("restored")

	return nil
}

func (c *Coordinator) logLockFailure(ctx context.Context, s *docstore.Store, record *docstore.Transaction, cause error, log *slog.Logger) {
	failed := s.Now()
	record.Status = docstore.TxFailed
	record.FailedTime = &failed
	record.Error = cause.Error()

	err := s.CreateTransaction(context.WithoutCancel(ctx), record)
	if err != nil {
		log.Error("log failed transaction", "err", err)
	}

	log.Warn("could not lock subjects", "err", cause)
}

// Describe returns the current document of subject in pod, read on the
// primary.
func (c *Coordinator) Describe(ctx context.Context, pod string, subject rdf.Identity) (*rdf.Document, error) {
	id := rdf.ID(c.labeller.Canonical(subject.Resource), c.labeller.Canonical(subject.Context))
	if id.Context == "" {
		id.Context = c.labeller.Canonical(c.cfg.DefaultContext)
	}

	doc, err := c.store.WithReadPreference(docstore.ReadPrimary).Get(ctx, pod, id)
	if err != nil {
		return nil, err
	}

	return doc, nil
}

// GetCompletedTransactions streams completed transactions of pod whose start
// time falls in [from, to). Zero times are open bounds.
func (c *Coordinator) GetCompletedTransactions(ctx context.Context, pod string, from, to time.Time) iter.Seq2[*docstore.Transaction, error] {
	return c.store.CompletedTransactions(ctx, docstore.TransactionQuery{
		StoreName: c.storeName,
		PodName:   pod,
		Since:     from,
		Until:     to,
	})
}
