package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/cbdstore/internal/composite"
	"github.com/calvinalkan/cbdstore/internal/config"
	"github.com/calvinalkan/cbdstore/internal/metrics"
)

// Engines resolves the engine of a store.
type Engines interface {
	Engine(store string) (*composite.Engine, error)
}

// EnginesFunc adapts a function to Engines.
type EnginesFunc func(store string) (*composite.Engine, error)

func (f EnginesFunc) Engine(store string) (*composite.Engine, error) {
	return f(store)
}

const defaultPollInterval = 250 * time.Millisecond

// Worker takes jobs off a queue and runs them.
type Worker struct {
	queue   Queue
	engines Engines

	log         *slog.Logger
	metrics     *metrics.Collectors
	poll        time.Duration
	batchSize   int
	concurrency int
	now         func() time.Time
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

func WithLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.log = l
	}
}

func WithMetrics(m *metrics.Collectors) WorkerOption {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithPollInterval sets how long an idle worker sleeps before looking again.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.poll = d
		}
	}
}

// WithBatchSize caps the subjects per apply job.
func WithBatchSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithConcurrency sets how many jobs Run handles at once.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithClock sets the time source used to stamp apply jobs.
func WithClock(now func() time.Time) WorkerOption {
	return func(w *Worker) {
		w.now = now
	}
}

// NewWorker returns a worker over queue.
func NewWorker(queue Queue, engines Engines, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:       queue,
		engines:     engines,
		log:         slog.New(slog.DiscardHandler),
		poll:        defaultPollInterval,
		batchSize:   config.DefaultBatchSize,
		concurrency: config.DefaultConcurrency,
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Handle runs one job. A discover job enqueues apply jobs on the worker's
// queue; an apply job rebuilds its subjects and enqueues apply jobs for the
// kinds built from them.
func (w *Worker) Handle(ctx context.Context, job Job) error {
	switch job.Type {
	case JobDiscover:
		return w.discover(ctx, job.Discover)
	case JobApply:
		return w.apply(ctx, job.Apply)
	default:
		return fmt.Errorf("%w: %s: unknown type %q", ErrInvalidJob, job.ID, job.Type)
	}
}

func (w *Worker) discover(ctx context.Context, d *DiscoverJob) error {
	engine, err := w.engines.Engine(d.StoreName)
	if err != nil {
		return err
	}

	subjects, err := engine.DirectSubjects(ctx, d.Operations, d.Changes, d.PodName, d.ContextAlias)
	if err != nil {
		return fmt.Errorf("discover %s/%s: %w", d.StoreName, d.PodName, err)
	}

	return w.enqueueApply(ctx, engine, d.StoreName, subjects, nil)
}

// enqueueApply queues subjects in batches, kinds in dependency order.
func (w *Worker) enqueueApply(ctx context.Context, engine *composite.Engine, store string, subjects map[config.OperationKind][]composite.ImpactedSubject, via []config.OperationKind) error {
	for _, kind := range engine.Order() {
		subs := subjects[kind]

		for start := 0; start < len(subs); start += w.batchSize {
			end := min(start+w.batchSize, len(subs))

			job, err := NewApplyJob(ApplyJob{StoreName: store, Subjects: subs[start:end], Via: via}, w.now())
			if err != nil {
				return err
			}

			err = w.queue.Enqueue(ctx, job)
			if err != nil {
				return fmt.Errorf("enqueue apply: %w", err)
			}

			w.metrics.Job(string(JobApply), "enqueued")
		}

		if len(subs) > 0 {
			w.log.Debug("queued apply", "store", store, "kind", kind, "subjects", len(subs), "via", via)
		}
	}

	return nil
}

func (w *Worker) apply(ctx context.Context, a *ApplyJob) error {
	engine, err := w.engines.Engine(a.StoreName)
	if err != nil {
		return err
	}

	byKind := map[config.OperationKind][]composite.ImpactedSubject{}

	for _, s := range a.Subjects {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		err = engine.Update(ctx, s)
		if err != nil {
			return fmt.Errorf("apply %s %s: %w", s.Operation, s.ResourceID.Resource, err)
		}

		byKind[s.Operation] = append(byKind[s.Operation], s)
	}

	for _, kind := range engine.Order() {
		if len(byKind[kind]) == 0 {
			continue
		}

		via := append(slices.Clone(a.Via), kind)

		next, err := engine.Follow(ctx, kind, byKind[kind], via)
		if err != nil {
			return fmt.Errorf("follow %s: %w", kind, err)
		}

		err = w.enqueueApply(ctx, engine, a.StoreName, next, via)
		if err != nil {
			return err
		}
	}

	return nil
}

// Step takes one job and runs it. It reports false when the queue was empty.
// A job that fails is parked with Fail and its error returned.
func (w *Worker) Step(ctx context.Context) (bool, error) {
	d, err := w.queue.Dequeue(ctx)
	if errors.Is(err, ErrEmpty) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	start := time.Now()

	err = w.Handle(ctx, d.Job)
	if err != nil {
		w.log.Error("job failed", "id", d.Job.ID, "type", d.Job.Type, "err", err)
		w.metrics.Job(string(d.Job.Type), "failed")

		return true, errors.Join(err, d.Fail())
	}

	w.log.Debug("job done", "id", d.Job.ID, "type", d.Job.Type, "took", time.Since(start))
	w.metrics.Job(string(d.Job.Type), "done")

	return true, d.Ack()
}

// Drain runs jobs one at a time until the queue is empty, including the
// apply jobs that discover jobs enqueue along the way. It returns how many
// jobs ran and the errors of those that failed.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	var (
		n    int
		errs []error
	)

	for {
		if ctx.Err() != nil {
			return n, context.Cause(ctx)
		}

		took, err := w.Step(ctx)
		if !took {
			return n, errors.Join(append(errs, err)...)
		}

		n++

		if err != nil {
			errs = append(errs, err)
		}
	}
}

// Run polls the queue with the configured number of goroutines until ctx is
// done. Failed jobs are logged and parked; they do not stop the worker.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := range w.concurrency {
		g.Go(func() error {
			return w.loop(ctx, i)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}

	return err
}

func (w *Worker) loop(ctx context.Context, id int) error {
	log := w.log.With("worker", id)
	timer := time.NewTimer(0)

	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-timer.C:
		}

		took, err := w.Step(ctx)

		switch {
		case errors.Is(err, ErrClosed):
			log.Info("queue closed, stopping")

			return nil
		case err != nil && ctx.Err() != nil:
			return context.Cause(ctx)
		case err != nil:
			log.Warn("step", "err", err)
		}

		if took {
			timer.Reset(0)
		} else {
			timer.Reset(w.poll)
		}
	}
}
