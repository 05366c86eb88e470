// Package dispatch is the asynchronous boundary between a committed write
// and the rebuild of its artifacts. A write enqueues one discover job; a
// worker turns it into impacted subjects and enqueues apply jobs in batches;
// apply jobs rebuild artifacts.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/calvinalkan/cbdstore/internal/composite"
	"github.com/calvinalkan/cbdstore/internal/config"
)

var (
	// ErrEmpty is returned by Dequeue when no job is waiting.
	ErrEmpty = errors.New("queue empty")

	ErrClosed     = errors.New("queue closed")
	ErrInvalidJob = errors.New("invalid job")
)

// JobType tells a worker how to handle a job.
type JobType string

const (
	JobDiscover JobType = "discover"
	JobApply    JobType = "apply"
)

// DiscoverJob carries one committed change set to invalidation.
type DiscoverJob struct {
	// Changes maps each changed subject to its changed predicates.
	Changes      map[string][]string    `json:"changes"`
	Operations   []config.OperationKind `json:"operations"`
	StoreName    string                 `json:"storeName"`
	PodName      string                 `json:"podName"`
	ContextAlias string                 `json:"contextAlias"`
}

// ApplyJob is a batch of subjects to rebuild. Once they are rebuilt the
// kinds built from their collections are invalidated and queued in turn;
// Via lists the kinds already rebuilt on the way here, which are not fed
// again.
type ApplyJob struct {
	StoreName string                      `json:"storeName"`
	Subjects  []composite.ImpactedSubject `json:"subjects"`
	Via       []config.OperationKind      `json:"via,omitempty"`
}

// Job is the queued envelope.
type Job struct {
	ID       string       `json:"id"`
	Type     JobType      `json:"type"`
	QueuedAt time.Time    `json:"queuedAt"`
	Discover *DiscoverJob `json:"discover,omitempty"`
	Apply    *ApplyJob    `json:"apply,omitempty"`
}

// NewDiscoverJob wraps d in a new job.
func NewDiscoverJob(d DiscoverJob, now time.Time) (Job, error) {
	return newJob(JobDiscover, now, &d, nil)
}

// NewApplyJob wraps a in a new job.
func NewApplyJob(a ApplyJob, now time.Time) (Job, error) {
	return newJob(JobApply, now, nil, &a)
}

func newJob(typ JobType, now time.Time, d *DiscoverJob, a *ApplyJob) (Job, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Job{}, fmt.Errorf("job id: %w", err)
	}

	return Job{ID: id.String(), Type: typ, QueuedAt: now.UTC(), Discover: d, Apply: a}, nil
}

// Validate checks that the payload matches the type.
func (j Job) Validate() error {
	switch {
	case j.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidJob)
	case j.Type == JobDiscover && j.Discover == nil:
		return fmt.Errorf("%w: %s: discover job without payload", ErrInvalidJob, j.ID)
	case j.Type == JobApply && j.Apply == nil:
		return fmt.Errorf("%w: %s: apply job without payload", ErrInvalidJob, j.ID)
	case j.Type != JobDiscover && j.Type != JobApply:
		return fmt.Errorf("%w: %s: unknown type %q", ErrInvalidJob, j.ID, j.Type)
	}

	return nil
}

// Queue holds jobs until a worker takes them.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue takes the next job without waiting; ErrEmpty when none.
	Dequeue(ctx context.Context) (*Delivery, error)
	Len() (int, error)
	Close() error
}

// Delivery is a taken job. Exactly one of Ack or Fail must be called.
type Delivery struct {
	Job    Job
	settle func(failed bool) error
}

// Ack removes the job for good.
func (d *Delivery) Ack() error {
	return d.settle(false)
}

// Fail parks the job where an operator can inspect it.
func (d *Delivery) Fail() error {
	return d.settle(true)
}
