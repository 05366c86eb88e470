package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/calvinalkan/cbdstore/internal/fs"
)

// SpoolQueue keeps jobs as JSON files in a directory so they survive the
// process and can be shared by several workers.
//
//	pending/<queued-nanos>-<id>.json   waiting, oldest first
//	claimed/<owner>/<name>             taken by a live consumer
//	claimed/<owner>.lock               flock held for the consumer's lifetime
//	failed/<name>                      parked by Fail
//
// A job is claimed by renaming it into the consumer's directory, so two
// consumers never take the same file. Claims of a consumer whose owner lock
// is free are orphans: Recover moves them back to pending.
type SpoolQueue struct {
	dir    string
	fs     fs.FS
	locker *fs.Locker
	log    *slog.Logger

	owner     string
	ownerLock *fs.Lock

	mu     sync.Mutex
	closed bool
}

// SpoolOption configures a SpoolQueue.
type SpoolOption func(*SpoolQueue)

// WithFS replaces the filesystem, for tests.
func WithFS(f fs.FS) SpoolOption {
	return func(q *SpoolQueue) {
		q.fs = f
	}
}

// WithSpoolLogger sets the logger.
func WithSpoolLogger(l *slog.Logger) SpoolOption {
	return func(q *SpoolQueue) {
		q.log = l
	}
}

const spoolDirPerm = 0o755

// OpenSpool opens or creates the spool at dir, registers this process as a
// consumer and recovers orphaned claims.
func OpenSpool(dir string, opts ...SpoolOption) (*SpoolQueue, error) {
	q := &SpoolQueue{
		dir: dir,
		fs:  fs.NewOS(),
		log: slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		opt(q)
	}

	q.locker = fs.NewLocker(q.fs)

	for _, sub := range []string{"pending", "claimed", "failed"} {
		err := q.fs.MkdirAll(filepath.Join(dir, sub), spoolDirPerm)
		if err != nil {
			return nil, fmt.Errorf("open spool %s: %w", dir, err)
		}
	}

	owner, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("open spool %s: owner id: %w", dir, err)
	}

	q.owner = owner.String()

	q.ownerLock, err = q.locker.TryLock(q.ownerLockPath(q.owner))
	if err != nil {
		return nil, fmt.Errorf("open spool %s: owner lock: %w", dir, err)
	}

	err = q.fs.MkdirAll(q.claimDir(q.owner), spoolDirPerm)
	if err != nil {
		_ = q.ownerLock.Close()

		return nil, fmt.Errorf("open spool %s: %w", dir, err)
	}

	_, err = q.Recover()
	if err != nil {
		_ = q.ownerLock.Close()

		return nil, err
	}

	return q, nil
}

func (q *SpoolQueue) pendingDir() string {
	return filepath.Join(q.dir, "pending")
}

func (q *SpoolQueue) claimDir(owner string) string {
	return filepath.Join(q.dir, "claimed", owner)
}

func (q *SpoolQueue) ownerLockPath(owner string) string {
	return filepath.Join(q.dir, "claimed", owner+".lock")
}

func (q *SpoolQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.closed
}

func (q *SpoolQueue) Enqueue(ctx context.Context, job Job) error {
	if q.isClosed() {
		return ErrClosed
	}

	err := job.Validate()
	if err != nil {
		return err
	}

	if ctx.Err() != nil {
		return context.Cause(ctx)
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", job.ID, err)
	}

	name := fmt.Sprintf("%020d-%s.json", job.QueuedAt.UnixNano(), job.ID)

	err = q.fs.WriteFileAtomic(filepath.Join(q.pendingDir(), name), data)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", job.ID, err)
	}

	return nil
}

func (q *SpoolQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	if q.isClosed() {
		return nil, ErrClosed
	}

	names, err := q.pendingNames()
	if err != nil {
		return nil, err
	}

	for _, name := range names {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}

		claimed := filepath.Join(q.claimDir(q.owner), name)

		err = q.fs.Rename(filepath.Join(q.pendingDir(), name), claimed)
		if errors.Is(err, os.ErrNotExist) {
			// Another consumer won this one.
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", name, err)
		}

		data, err := q.fs.ReadFile(claimed)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}

		var job Job

		err = json.Unmarshal(data, &job)
		if err == nil {
			err = job.Validate()
		}

		if err != nil {
			q.log.Error("parking unreadable job", "file", name, "err", err)

			_ = q.fs.Rename(claimed, filepath.Join(q.dir, "failed", name))

			continue
		}

		return &Delivery{Job: job, settle: func(failed bool) error {
			if failed {
				return q.fs.Rename(claimed, filepath.Join(q.dir, "failed", name))
			}

			return q.fs.Remove(claimed)
		}}, nil
	}

	return nil, ErrEmpty
}

func (q *SpoolQueue) pendingNames() ([]string, error) {
	entries, err := q.fs.ReadDir(q.pendingDir())
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}

	var names []string

	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}

	return names, nil
}

func (q *SpoolQueue) Len() (int, error) {
	names, err := q.pendingNames()
	if err != nil {
		return 0, err
	}

	return len(names), nil
}

// Failed lists the file names of parked jobs.
func (q *SpoolQueue) Failed() ([]string, error) {
	entries, err := q.fs.ReadDir(filepath.Join(q.dir, "failed"))
	if err != nil {
		return nil, fmt.Errorf("list failed: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	return names, nil
}

// Recover moves claims of dead consumers back to pending and returns how
// many jobs it requeued. A consumer is dead when its owner lock can be taken.
func (q *SpoolQueue) Recover() (int, error) {
	entries, err := q.fs.ReadDir(filepath.Join(q.dir, "claimed"))
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}

	requeued := 0

	for _, e := range entries {
		owner, isLock := strings.CutSuffix(e.Name(), ".lock")
		if !isLock || owner == q.owner {
			continue
		}

		n, err := q.recoverOwner(owner)
		if err != nil {
			return requeued, err
		}

		requeued += n
	}

	if requeued > 0 {
		q.log.Warn("requeued orphaned jobs", "count", requeued)
	}

	return requeued, nil
}

func (q *SpoolQueue) recoverOwner(owner string) (int, error) {
	lockPath := q.ownerLockPath(owner)

	lk, err := q.locker.TryLock(lockPath)
	if errors.Is(err, fs.ErrWouldBlock) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("recover %s: %w", owner, err)
	}

	defer func() { _ = lk.Close() }()

	dir := q.claimDir(owner)

	entries, err := q.fs.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("recover %s: %w", owner, err)
	}

	n := 0

	for _, e := range entries {
		err = q.fs.Rename(filepath.Join(dir, e.Name()), filepath.Join(q.pendingDir(), e.Name()))
		if err != nil {
			return n, fmt.Errorf("recover %s: requeue %s: %w", owner, e.Name(), err)
		}

		n++
	}

	_ = q.fs.Remove(dir)
	_ = q.fs.Remove(lockPath)

	return n, nil
}

// Close releases the owner lock. Jobs still claimed by this consumer are
// recovered by the next consumer that opens the spool.
func (q *SpoolQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}

	q.closed = true

	return q.ownerLock.Close()
}
