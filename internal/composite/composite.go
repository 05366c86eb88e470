// Package composite maintains derived artifacts: views, table rows and
// search documents built from source documents by composite specifications.
//
// All three kinds share one base: the same join walker, the same impact
// index bookkeeping and the same invalidation rules. A kind only decides how
// a finished walk is rendered into an artifact value.
package composite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/calvinalkan/cbdstore/internal/config"
	"github.com/calvinalkan/cbdstore/internal/docstore"
	"github.com/calvinalkan/cbdstore/internal/metrics"
	"github.com/calvinalkan/cbdstore/internal/rdf"
)

var (
	ErrSpecNotFound           = errors.New("specification not found")
	ErrConfig                 = errors.New("composite configuration error")
	ErrMissingSearchParameter = errors.New("missing search parameter")
	ErrJoinDepth              = errors.New("join depth exceeded")
)

// ImpactedSubject is one unit of invalidation work: the artifacts of
// SpecTypes rooted at ResourceID must be rebuilt from PodName.
type ImpactedSubject struct {
	ResourceID rdf.Identity         `json:"resourceId"`
	Operation  config.OperationKind `json:"operation"`
	StoreName  string               `json:"storeName"`
	PodName    string               `json:"podName"`
	SpecTypes  []string             `json:"specTypes"`
}

// Composite is one artifact kind.
type Composite interface {
	Kind() config.OperationKind
	Collection() string
	// ImpactedSubjects maps changed subjects (resource alias to changed
	// predicates) to the artifacts that must be rebuilt.
	ImpactedSubjects(ctx context.Context, changes map[string][]string, pod, contextAlias string) ([]ImpactedSubject, error)
	// Generate builds every artifact of specID, or only the one rooted at
	// resource when it is non-nil, and returns how many were written.
	Generate(ctx context.Context, specID string, resource *rdf.Identity, contextAlias string) (int, error)
	Update(ctx context.Context, subject ImpactedSubject) error
	DeleteBySpecID(ctx context.Context, specID string) (int, error)
	EnsureIndexes(ctx context.Context) error
}

// Option configures a kind or an Engine.
type Option func(*options)

type options struct {
	log     *slog.Logger
	metrics *metrics.Collectors
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Collectors) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// renderFunc turns a finished walk into the kind's artifact value. counts
// holds the rendered counts aggregates of the root document.
type renderFunc func(b *base, spec config.Spec, w *walk, counts map[string]string) docstore.ArtifactValue

type base struct {
	kind      config.OperationKind
	cfg       config.Config
	storeName string
	sc        config.StoreConfig
	specs     []config.Spec
	coll      string
	store     *docstore.Store
	labeller  *rdf.Labeller
	log       *slog.Logger
	metrics   *metrics.Collectors
	render    renderFunc
}

func newBase(kind config.OperationKind, cfg config.Config, storeName string, store *docstore.Store, render renderFunc, opts []Option) (*base, error) {
	sc, err := cfg.Store(storeName)
	if err != nil {
		return nil, err
	}

	o := options{log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}

	return &base{
		kind:      kind,
		cfg:       cfg,
		storeName: storeName,
		sc:        sc,
		specs:     sc.Specs(kind),
		coll:      sc.Collection(kind),
		store:     store,
		labeller:  cfg.Labeller(),
		log:       o.log.With("kind", string(kind), "store", storeName),
		metrics:   o.metrics,
		render:    render,
	}, nil
}

// New returns the Composite for kind.
func New(kind config.OperationKind, cfg config.Config, storeName string, store *docstore.Store, opts ...Option) (Composite, error) {
	switch kind {
	case config.KindView:
		return NewViews(cfg, storeName, store, opts...)
	case config.KindTable:
		return NewTables(cfg, storeName, store, opts...)
	case config.KindSearch:
		return NewSearch(cfg, storeName, store, opts...)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrConfig, kind)
	}
}

func (b *base) Kind() config.OperationKind {
	return b.kind
}

func (b *base) Collection() string {
	return b.coll
}

func (b *base) spec(id string) (config.Spec, bool) {
	i := slices.IndexFunc(b.specs, func(s config.Spec) bool { return s.ID == id })
	if i < 0 {
		return config.Spec{}, false
	}

	return b.specs[i], true
}

func (b *base) contextAlias(c string) string {
	if c == "" {
		c = b.cfg.DefaultContext
	}

	return b.labeller.Canonical(c)
}

// typeForms returns every spelling of the spec's types.
func (b *base) typeForms(spec config.Spec) []string {
	var out []string

	for _, t := range spec.Type {
		for _, f := range b.labeller.Forms(t) {
			if !slices.Contains(out, f) {
				out = append(out, f)
			}
		}
	}

	return out
}

func (b *base) typeMatches(doc *rdf.Document, spec config.Spec) bool {
	forms := b.typeForms(spec)

	return slices.ContainsFunc(doc.Types(), func(t string) bool {
		return slices.ContainsFunc(b.labeller.Forms(t), func(f string) bool { return slices.Contains(forms, f) })
	})
}

// matches reports whether doc satisfies every predicate condition. The
// value "$exists" only requires the predicate to be present.
func (b *base) matches(doc *rdf.Document, cond map[string]string) bool {
	for pred, want := range cond {
		vs := doc.Values(b.labeller.Canonical(pred))

		if want == "$exists" {
			if len(vs) == 0 {
				return false
			}

			continue
		}

		forms := b.labeller.Forms(want)
		if !slices.ContainsFunc(vs, func(v rdf.Value) bool { return slices.Contains(forms, v.V) }) {
			return false
		}
	}

	return true
}

func (b *base) canonicalList(preds []string) []string {
	if preds == nil {
		return nil
	}

	out := make([]string, len(preds))
	for i, p := range preds {
		out[i] = b.labeller.Canonical(p)
	}

	return out
}
