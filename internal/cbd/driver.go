// Package cbd is the entry point of a store: it writes change sets through
// the transaction coordinator, keeps views, table rows and search documents
// current afterwards, and serves reads that rebuild missing artifacts on
// demand.
package cbd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/calvinalkan/cbdstore/internal/composite"
	"github.com/calvinalkan/cbdstore/internal/config"
	"github.com/calvinalkan/cbdstore/internal/dispatch"
	"github.com/calvinalkan/cbdstore/internal/docstore"
	"github.com/calvinalkan/cbdstore/internal/metrics"
	"github.com/calvinalkan/cbdstore/internal/rdf"
	"github.com/calvinalkan/cbdstore/internal/txn"
)

// ErrRefresh is returned together with a committed result when the
// synchronous artifact refresh after the write failed.
var ErrRefresh = errors.New("artifact refresh failed")

// Driver serves one store.
type Driver struct {
	cfg       config.Config
	sc        config.StoreConfig
	storeName string
	store     *docstore.Store
	ownStore  bool

	coord  *txn.Coordinator
	engine *composite.Engine
	queue  dispatch.Queue

	hooks   Hooks
	log     *slog.Logger
	metrics *metrics.Collectors
}

// Option configures a Driver.
type Option func(*Driver)

func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		d.log = l
	}
}

func WithMetrics(m *metrics.Collectors) Option {
	return func(d *Driver) {
		d.metrics = m
	}
}

// WithQueue sets where discover jobs for asynchronous kinds go. Without it
// the driver keeps an in-memory queue.
func WithQueue(q dispatch.Queue) Option {
	return func(d *Driver) {
		d.queue = q
	}
}

// WithHooks installs lifecycle callbacks.
func WithHooks(h Hooks) Option {
	return func(d *Driver) {
		d.hooks = h
	}
}

// Open opens the store's database at its configured data source and returns
// a driver that owns it.
func Open(ctx context.Context, cfg config.Config, storeName string, opts ...Option) (*Driver, error) {
	path, err := cfg.DataSourcePath(storeName)
	if err != nil {
		return nil, err
	}

	staged := &Driver{log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(staged)
	}

	store, err := docstore.Open(ctx, path, docstore.WithLogger(staged.log))
	if err != nil {
		return nil, err
	}

	d, err := New(cfg, storeName, store, opts...)
	if err != nil {
		_ = store.Close()

		return nil, err
	}

	d.ownStore = true

	err = d.engine.EnsureIndexes(ctx)
	if err != nil {
		_ = d.Close()

		return nil, err
	}

	return d, nil
}

// New returns a driver over an already open store. The caller keeps
// ownership of store.
func New(cfg config.Config, storeName string, store *docstore.Store, opts ...Option) (*Driver, error) {
	sc, err := cfg.Store(storeName)
	if err != nil {
		return nil, err
	}

	d := &Driver{
		cfg:       cfg,
		sc:        sc,
		storeName: storeName,
		store:     store,
		log:       slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		opt(d)
	}

	d.log = d.log.With("store", storeName)

	if d.queue == nil {
		d.queue = dispatch.NewMemoryQueue()
	}

	d.coord, err = txn.New(cfg, storeName, store, txn.WithLogger(d.log), txn.WithMetrics(d.metrics))
	if err != nil {
		return nil, err
	}

	d.engine, err = composite.NewEngine(cfg, storeName, store, composite.WithLogger(d.log), composite.WithMetrics(d.metrics))
	if err != nil {
		return nil, err
	}

	return d, nil
}

// Close closes the queue, and the store when Open created it.
func (d *Driver) Close() error {
	err := d.queue.Close()

	if d.ownStore {
		err = errors.Join(err, d.store.Close())
	}

	return err
}

func (d *Driver) StoreName() string {
	return d.storeName
}

func (d *Driver) Store() *docstore.Store {
	return d.store
}

func (d *Driver) Coordinator() *txn.Coordinator {
	return d.coord
}

func (d *Driver) Queue() dispatch.Queue {
	return d.queue
}

// Engine returns the engine of store. It satisfies dispatch.Engines for a
// worker serving only this driver's store.
func (d *Driver) Engine(store string) (*composite.Engine, error) {
	if store != d.storeName {
		return nil, fmt.Errorf("%w: %q", config.ErrStoreNotFound, store)
	}

	return d.engine, nil
}

// SaveChanges commits cs to pod and then refreshes derived artifacts:
// synchronous kinds inline, asynchronous kinds through one discover job.
//
// A refresh failure does not undo the commit: the result is returned along
// with an error wrapping ErrRefresh.
func (d *Driver) SaveChanges(ctx context.Context, cs rdf.ChangeSet, pod, contextAlias, description string) (txn.Result, error) {
	d.runHook(ctx, "before_save", func() error {
		if d.hooks.BeforeSave == nil {
			return nil
		}

		return d.hooks.BeforeSave(ctx, Pending{
			Store:       d.storeName,
			Pod:         pod,
			Context:     contextAlias,
			Description: description,
			Changes:     cs,
		})
	})

	res, err := d.coord.SaveChanges(ctx, cs, pod, contextAlias, description)
	if err != nil {
		d.runHook(ctx, "failure", func() error {
			if d.hooks.AfterFailure == nil {
				return nil
			}

			return d.hooks.AfterFailure(ctx, Failure{Store: d.storeName, Pod: pod, Err: err})
		})

		return txn.Result{}, err
	}

	d.runHook(ctx, "save", func() error {
		if d.hooks.AfterSave == nil {
			return nil
		}

		return d.hooks.AfterSave(ctx, Saved{Store: d.storeName, Pod: pod, Result: res})
	})

	if len(res.Subjects) == 0 {
		return res, nil
	}

	err = d.refresh(ctx, res, pod)
	if err != nil {
		d.log.Error("refresh after commit", "tx", res.TransactionID, "err", err)

		return res, fmt.Errorf("%w: tx %s: %w", ErrRefresh, res.TransactionID, err)
	}

	return res, nil
}

func (d *Driver) refresh(ctx context.Context, res txn.Result, pod string) error {
	var syncKinds, asyncKinds []config.OperationKind

	for _, k := range d.engine.Enabled(config.Kinds) {
		if d.sc.IsAsync(k) {
			asyncKinds = append(asyncKinds, k)
		} else {
			syncKinds = append(syncKinds, k)
		}
	}

	if len(syncKinds) > 0 {
		subjects, err := d.engine.Process(ctx, syncKinds, res.Subjects, pod, res.Context)
		if err != nil {
			return err
		}

		d.runHook(ctx, "refresh", func() error {
			if d.hooks.AfterRefresh == nil {
				return nil
			}

			return d.hooks.AfterRefresh(ctx, Refreshed{Store: d.storeName, TransactionID: res.TransactionID, Subjects: subjects})
		})
	}

	if len(asyncKinds) == 0 {
		return nil
	}

	job, err := dispatch.NewDiscoverJob(dispatch.DiscoverJob{
		Changes:      res.Subjects,
		Operations:   asyncKinds,
		StoreName:    d.storeName,
		PodName:      pod,
		ContextAlias: res.Context,
	}, d.store.Now())
	if err != nil {
		return err
	}

	err = d.queue.Enqueue(ctx, job)
	if err != nil {
		return fmt.Errorf("enqueue discover: %w", err)
	}

	d.metrics.Job(string(dispatch.JobDiscover), "enqueued")
	d.log.Debug("queued discover job", "tx", res.TransactionID, "job", job.ID, "kinds", asyncKinds)

	return nil
}

// Describe returns the current document of resource in pod.
func (d *Driver) Describe(ctx context.Context, pod, resource, contextAlias string) (*rdf.Document, error) {
	return d.coord.Describe(ctx, pod, rdf.ID(resource, contextAlias))
}

// GetView returns the view of resource for specID, building it first when
// it is missing or expired.
func (d *Driver) GetView(ctx context.Context, specID, resource, contextAlias string) (docstore.Artifact, error) {
	id := d.identity(resource, contextAlias)
	views := d.engine.Views()

	a, err := views.View(ctx, specID, id)
	if err == nil && !a.Expired(d.store.Now()) {
		return a, nil
	}

	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return docstore.Artifact{}, err
	}

	d.metrics.CacheMiss(string(config.KindView))

	_, err = views.Generate(ctx, specID, &id, "")
	if err != nil {
		return docstore.Artifact{}, err
	}

	return views.View(ctx, specID, id)
}

// GetTableRows lists the rows of specID. When none are live the spec is
// generated and the query runs again.
func (d *Driver) GetTableRows(ctx context.Context, specID string, q composite.RowQuery) ([]docstore.Artifact, int, error) {
	tables := d.engine.Tables()

	rows, total, err := tables.Rows(ctx, specID, q)
	if err != nil || total > 0 {
		return rows, total, err
	}

	d.metrics.CacheMiss(string(config.KindTable))

	_, err = tables.Generate(ctx, specID, nil, q.Context)
	if err != nil {
		return nil, 0, err
	}

	return tables.Rows(ctx, specID, q)
}

// Search runs q. When no live search document of any requested type
// exists, those types are generated and the query runs again.
func (d *Driver) Search(ctx context.Context, q composite.Query) (composite.Results, error) {
	search := d.engine.Search()

	res, err := search.Search(ctx, q)
	if err != nil || res.Total > 0 {
		return res, err
	}

	var missing []string

	for _, typ := range q.Types() {
		n, err := d.store.CountArtifacts(ctx, search.Collection(), typ)
		if err != nil {
			return composite.Results{}, err
		}

		if n == 0 {
			missing = append(missing, typ)
		}
	}

	if len(missing) == 0 {
		return res, nil
	}

	d.metrics.CacheMiss(string(config.KindSearch))

	for _, typ := range missing {
		_, err = search.Generate(ctx, typ, nil, "")
		if err != nil {
			return composite.Results{}, err
		}
	}

	return search.Search(ctx, q)
}

// Regenerate rebuilds one spec, or every spec when specID is empty,
// optionally for a single resource.
func (d *Driver) Regenerate(ctx context.Context, specID, resource, contextAlias string) (int, error) {
	var id *rdf.Identity

	if resource != "" {
		v := d.identity(resource, contextAlias)
		id = &v
	}

	if specID == "" {
		return d.engine.GenerateAll(ctx, id, contextAlias)
	}

	return d.engine.Generate(ctx, specID, id, contextAlias)
}

// QueueRegenerate enqueues the rebuild of resource for every asynchronous
// kind instead of running it. The resource is treated as freshly typed so
// every spec of its type picks it up.
func (d *Driver) QueueRegenerate(ctx context.Context, pod, resource, contextAlias string) (dispatch.Job, error) {
	id := d.identity(resource, contextAlias)

	kinds := d.engine.Enabled(config.Kinds)
	kinds = slices.DeleteFunc(kinds, func(k config.OperationKind) bool { return !d.sc.IsAsync(k) })

	if len(kinds) == 0 {
		return dispatch.Job{}, fmt.Errorf("%w: store %s has no asynchronous kinds", composite.ErrConfig, d.storeName)
	}

	job, err := dispatch.NewDiscoverJob(dispatch.DiscoverJob{
		Changes:      map[string][]string{id.Resource: {rdf.RDFType}},
		Operations:   kinds,
		StoreName:    d.storeName,
		PodName:      pod,
		ContextAlias: id.Context,
	}, d.store.Now())
	if err != nil {
		return dispatch.Job{}, err
	}

	err = d.queue.Enqueue(ctx, job)
	if err != nil {
		return dispatch.Job{}, err
	}

	d.metrics.Job(string(dispatch.JobDiscover), "enqueued")

	return job, nil
}

func (d *Driver) identity(resource, contextAlias string) rdf.Identity {
	l := d.cfg.Labeller()

	if contextAlias == "" {
		contextAlias = d.cfg.DefaultContext
	}

	return rdf.ID(l.Canonical(resource), l.Canonical(contextAlias))
}
