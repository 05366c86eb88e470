package cbd

import (
	"context"
	"fmt"

	"github.com/calvinalkan/cbdstore/internal/composite"
	"github.com/calvinalkan/cbdstore/internal/config"
	"github.com/calvinalkan/cbdstore/internal/rdf"
	"github.com/calvinalkan/cbdstore/internal/txn"
)

// Hooks are optional callbacks around a write. They are best-effort: an
// error or panic is logged and counted, never returned. BeforeSave cannot
// veto the write and the after hooks cannot undo it.
type Hooks struct {
	// BeforeSave runs before the transaction starts.
	BeforeSave func(ctx context.Context, p Pending) error

	// AfterSave runs once the transaction is committed, before artifacts
	// are refreshed.
	AfterSave func(ctx context.Context, s Saved) error

	// AfterFailure runs when the transaction did not commit.
	AfterFailure func(ctx context.Context, f Failure) error

	// AfterRefresh runs after synchronous kinds were rebuilt. Asynchronous
	// kinds are not reported here.
	AfterRefresh func(ctx context.Context, r Refreshed) error
}

// Pending describes a write about to be attempted.
type Pending struct {
	Store       string
	Pod         string
	Context     string
	Description string
	Changes     rdf.ChangeSet
}

// Saved describes a committed write.
type Saved struct {
	Store  string
	Pod    string
	Result txn.Result
}

// Failure describes a write that did not commit.
type Failure struct {
	Store string
	Pod   string
	Err   error
}

// Refreshed lists what a synchronous refresh rebuilt.
type Refreshed struct {
	Store         string
	TransactionID string
	Subjects      map[config.OperationKind][]composite.ImpactedSubject
}

func (d *Driver) runHook(ctx context.Context, event string, fn func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()

		return fn()
	}()
	if err == nil {
		return
	}

	d.metrics.HookFailure(event)
	d.log.WarnContext(ctx, "hook failed", "event", event, "err", err)
}
