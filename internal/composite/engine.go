package composite

import (
	"context"
	"fmt"
	"slices"

	"github.com/calvinalkan/cbdstore/internal/config"
	"github.com/calvinalkan/cbdstore/internal/docstore"
	"github.com/calvinalkan/cbdstore/internal/rdf"
)

// Engine holds the three kinds of one store and follows impact from one
// kind into every kind built from its collection.
type Engine struct {
	storeName string
	sc        config.StoreConfig
	kinds     map[config.OperationKind]Composite
	bases     map[config.OperationKind]*base
	order     []config.OperationKind
	views     *Views
	tables    *Tables
	search    *Search
}

// NewEngine builds every kind of storeName.
func NewEngine(cfg config.Config, storeName string, store *docstore.Store, opts ...Option) (*Engine, error) {
	sc, err := cfg.Store(storeName)
	if err != nil {
		return nil, err
	}

	e := &Engine{storeName: storeName, sc: sc}

	e.views, err = NewViews(cfg, storeName, store, opts...)
	if err != nil {
		return nil, err
	}

	e.tables, err = NewTables(cfg, storeName, store, opts...)
	if err != nil {
		return nil, err
	}

	e.search, err = NewSearch(cfg, storeName, store, opts...)
	if err != nil {
		return nil, err
	}

	e.kinds = map[config.OperationKind]Composite{
		config.KindView:   e.views,
		config.KindTable:  e.tables,
		config.KindSearch: e.search,
	}
	e.bases = map[config.OperationKind]*base{
		config.KindView:   e.views.base,
		config.KindTable:  e.tables.base,
		config.KindSearch: e.search.base,
	}
	e.order = dependencyOrder(sc)

	return e, nil
}

// Views returns the view kind.
func (e *Engine) Views() *Views {
	return e.views
}

// Tables returns the table kind.
func (e *Engine) Tables() *Tables {
	return e.tables
}

// Search returns the search kind.
func (e *Engine) Search() *Search {
	return e.search
}

func (e *Engine) StoreName() string {
	return e.storeName
}

// Composite returns the kind's implementation.
func (e *Engine) Composite(kind config.OperationKind) (Composite, error) {
	c, ok := e.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrConfig, kind)
	}

	return c, nil
}

// Enabled returns the kinds among kinds that have at least one spec, in
// dependency order.
func (e *Engine) Enabled(kinds []config.OperationKind) []config.OperationKind {
	var out []config.OperationKind

	for _, k := range e.order {
		if slices.Contains(kinds, k) && e.sc.Enabled(k) {
			out = append(out, k)
		}
	}

	return out
}

// ImpactedSubjects runs invalidation for each of kinds and then follows
// the result: subjects of kind A become changed subjects, with no
// predicates, for every kind with a spec built from A's collection. Roots
// whose A artifact does not exist yet are fed by spec id.
func (e *Engine) ImpactedSubjects(ctx context.Context, kinds []config.OperationKind, changes map[string][]string, pod, contextAlias string) (map[config.OperationKind][]ImpactedSubject, error) {
	direct, err := e.DirectSubjects(ctx, kinds, changes, pod, contextAlias)
	if err != nil {
		return nil, err
	}

	type pass struct {
		kind     config.OperationKind
		subjects []ImpactedSubject
	}

	var queue []pass
	for _, k := range e.order {
		if len(direct[k]) > 0 {
			queue = append(queue, pass{kind: k, subjects: direct[k]})
		}
	}

	sets := map[config.OperationKind]*subjectSet{}
	// fed records which resources were already pushed from one collection
	// into one kind, so mutually dependent kinds cannot loop.
	fed := map[fedKey]bool{}

	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		set, ok := sets[p.kind]
		if !ok {
			set = newSubjectSet()
			sets[p.kind] = set
		}

		var fresh []ImpactedSubject

		for _, s := range p.subjects {
			if set.add(s) {
				fresh = append(fresh, s)
			}
		}

		coll := e.kinds[p.kind].Collection()

		for _, dep := range e.dependents(coll) {
			var feed []ImpactedSubject

			for _, s := range fresh {
				key := fedKey{kind: dep, coll: coll, id: s.ResourceID}
				if !fed[key] {
					fed[key] = true
					feed = append(feed, s)
				}
			}

			subs, err := e.feed(ctx, dep, coll, feed)
			if err != nil {
				return nil, err
			}

			if len(subs) > 0 {
				queue = append(queue, pass{kind: dep, subjects: subs})
			}
		}
	}

	out := map[config.OperationKind][]ImpactedSubject{}

	for k, set := range sets {
		if len(set.list) > 0 {
			out[k] = set.list
		}
	}

	return out, nil
}

// DirectSubjects runs invalidation for each of kinds without following
// impact into dependent kinds.
func (e *Engine) DirectSubjects(ctx context.Context, kinds []config.OperationKind, changes map[string][]string, pod, contextAlias string) (map[config.OperationKind][]ImpactedSubject, error) {
	out := map[config.OperationKind][]ImpactedSubject{}

	for _, k := range e.Enabled(kinds) {
		subs, err := e.kinds[k].ImpactedSubjects(ctx, changes, pod, contextAlias)
		if err != nil {
			return nil, err
		}

		if len(subs) > 0 {
			out[k] = subs
		}
	}

	return out, nil
}

// Follow returns what rebuilding subjects of kind impacts in every kind
// built from kind's collection. Call it after the subjects were rebuilt, so
// invalidation reads the new artifacts. Kinds in via are not fed again.
func (e *Engine) Follow(ctx context.Context, kind config.OperationKind, rebuilt []ImpactedSubject, via []config.OperationKind) (map[config.OperationKind][]ImpactedSubject, error) {
	c, err := e.Composite(kind)
	if err != nil {
		return nil, err
	}

	out := map[config.OperationKind][]ImpactedSubject{}

	for _, dep := range e.dependents(c.Collection()) {
		if dep == kind || slices.Contains(via, dep) {
			continue
		}

		subs, err := e.feed(ctx, dep, c.Collection(), rebuilt)
		if err != nil {
			return nil, err
		}

		if len(subs) > 0 {
			out[dep] = subs
		}
	}

	return out, nil
}

// feed turns subjects rebuilt in coll into impacted subjects of dep: the
// roots dep's specs select by spec id, plus whatever dep's invalidation
// finds for them in coll, context by context.
func (e *Engine) feed(ctx context.Context, dep config.OperationKind, coll string, rebuilt []ImpactedSubject) ([]ImpactedSubject, error) {
	if len(rebuilt) == 0 {
		return nil, nil
	}

	set := newSubjectSet()
	for _, s := range e.bases[dep].fedSubjects(rebuilt, coll) {
		set.add(s)
	}

	byContext := map[string]map[string][]string{}

	for _, s := range rebuilt {
		if byContext[s.ResourceID.Context] == nil {
			byContext[s.ResourceID.Context] = map[string][]string{}
		}

		byContext[s.ResourceID.Context][s.ResourceID.Resource] = []string{}
	}

	for _, ctxAlias := range sortedKeys(byContext) {
		subs, err := e.kinds[dep].ImpactedSubjects(ctx, byContext[ctxAlias], coll, ctxAlias)
		if err != nil {
			return nil, err
		}

		for _, s := range subs {
			set.add(s)
		}
	}

	return set.list, nil
}

type fedKey struct {
	kind config.OperationKind
	coll string
	id   rdf.Identity
}

// dependents lists kinds with a spec whose from is coll, in dependency
// order.
func (e *Engine) dependents(coll string) []config.OperationKind {
	var out []config.OperationKind

	for _, k := range e.order {
		if slices.ContainsFunc(e.sc.Specs(k), func(s config.Spec) bool { return s.From == coll }) {
			out = append(out, k)
		}
	}

	return out
}

// dependencyOrder sorts the kinds so that a kind comes after every kind
// whose collection one of its specs is built from. Kinds on a cycle keep
// their config.Kinds order.
func dependencyOrder(sc config.StoreConfig) []config.OperationKind {
	upstream := map[config.OperationKind][]config.OperationKind{}

	for _, k := range config.Kinds {
		for _, spec := range sc.Specs(k) {
			from, ok := sc.KindOfCollection(spec.From)
			if ok && from != k && !slices.Contains(upstream[k], from) {
				upstream[k] = append(upstream[k], from)
			}
		}
	}

	var out []config.OperationKind

	for len(out) < len(config.Kinds) {
		progressed := false

		for _, k := range config.Kinds {
			if slices.Contains(out, k) {
				continue
			}

			ready := !slices.ContainsFunc(upstream[k], func(u config.OperationKind) bool { return !slices.Contains(out, u) })
			if ready {
				out = append(out, k)
				progressed = true
			}
		}

		if progressed {
			continue
		}

		for _, k := range config.Kinds {
			if !slices.Contains(out, k) {
				out = append(out, k)

				break
			}
		}
	}

	return out
}

// Order returns the kinds in dependency order.
func (e *Engine) Order() []config.OperationKind {
	return slices.Clone(e.order)
}

// Apply rebuilds every subject with its kind, kinds in dependency order.
func (e *Engine) Apply(ctx context.Context, subjects map[config.OperationKind][]ImpactedSubject) error {
	for _, k := range e.order {
		for _, s := range subjects[k] {
			err := e.Update(ctx, s)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// Update rebuilds one subject with the kind it names.
func (e *Engine) Update(ctx context.Context, s ImpactedSubject) error {
	c, err := e.Composite(s.Operation)
	if err != nil {
		return err
	}

	return c.Update(ctx, s)
}

// Process finds and rebuilds everything a committed change set impacts. It
// works in stages: the subjects of one kind are rebuilt before the kinds
// built from its collection are invalidated, so those see the new
// artifacts. It returns every subject it rebuilt.
func (e *Engine) Process(ctx context.Context, kinds []config.OperationKind, changes map[string][]string, pod, contextAlias string) (map[config.OperationKind][]ImpactedSubject, error) {
	direct, err := e.DirectSubjects(ctx, kinds, changes, pod, contextAlias)
	if err != nil {
		return nil, err
	}

	type stage struct {
		kind     config.OperationKind
		subjects []ImpactedSubject
		via      []config.OperationKind
	}

	var queue []stage
	for _, k := range e.order {
		if len(direct[k]) > 0 {
			queue = append(queue, stage{kind: k, subjects: direct[k]})
		}
	}

	done := map[config.OperationKind]*subjectSet{}

	for len(queue) > 0 {
		st := queue[0]
		queue = queue[1:]

		for _, s := range st.subjects {
			err = e.Update(ctx, s)
			if err != nil {
				return nil, err
			}
		}

		if done[st.kind] == nil {
			done[st.kind] = newSubjectSet()
		}

		for _, s := range st.subjects {
			done[st.kind].add(s)
		}

		via := append(slices.Clone(st.via), st.kind)

		next, err := e.Follow(ctx, st.kind, st.subjects, via)
		if err != nil {
			return nil, err
		}

		for _, k := range e.order {
			if len(next[k]) > 0 {
				queue = append(queue, stage{kind: k, subjects: next[k], via: via})
			}
		}
	}

	out := map[config.OperationKind][]ImpactedSubject{}

	for k, set := range done {
		out[k] = set.list
	}

	return out, nil
}

// Generate builds specID with whichever kind declares it.
func (e *Engine) Generate(ctx context.Context, specID string, resource *rdf.Identity, contextAlias string) (int, error) {
	_, kind, ok := e.sc.Spec(specID)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrSpecNotFound, specID)
	}

	return e.kinds[kind].Generate(ctx, specID, resource, contextAlias)
}

// GenerateAll builds every spec of the enabled kinds and returns the total
// artifact count.
func (e *Engine) GenerateAll(ctx context.Context, resource *rdf.Identity, contextAlias string) (int, error) {
	total := 0

	for _, k := range e.order {
		for _, spec := range e.sc.Specs(k) {
			n, err := e.kinds[k].Generate(ctx, spec.ID, resource, contextAlias)
			if err != nil {
				return total, err
			}

			total += n
		}
	}

	return total, nil
}

// DeleteBySpecID removes every artifact of specID.
func (e *Engine) DeleteBySpecID(ctx context.Context, specID string) (int, error) {
	_, kind, ok := e.sc.Spec(specID)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrSpecNotFound, specID)
	}

	return e.kinds[kind].DeleteBySpecID(ctx, specID)
}

// EnsureIndexes creates the declared indexes of every kind.
func (e *Engine) EnsureIndexes(ctx context.Context) error {
	for _, k := range config.Kinds {
		err := e.kinds[k].EnsureIndexes(ctx)
		if err != nil {
			return err
		}
	}

	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}
