package composite

import (
	"context"
	"fmt"

	"github.com/calvinalkan/cbdstore/internal/config"
	"github.com/calvinalkan/cbdstore/internal/rdf"
)

// level is the part of a spec that applies at one point of the join tree.
type level struct {
	include []string
	fields  []config.FieldSpec
	indices []config.FieldSpec
	joins   map[string]*config.JoinSpec
}

// visit is one document reached by the walk. The root comes first, joined
// documents follow in walk order.
type visit struct {
	doc   *rdf.Document
	level level
	depth int
}

type walk struct {
	visits []visit
	// impact is every identity the artifact was built from, joined targets
	// included even when missing or filtered out. First occurrence wins.
	impact []rdf.Identity
	seen   map[rdf.Identity]struct{}
}

func (w *walk) touch(id rdf.Identity) {
	if _, ok := w.seen[id]; ok {
		return
	}

	w.seen[id] = struct{}{}
	w.impact = append(w.impact, id)
}

// frame is pending work: follow pred from parent.
type frame struct {
	parent *rdf.Document
	pred   string
	join   *config.JoinSpec
	coll   string
	depth  int
}

// walk follows the spec's joins from root. It uses an explicit stack so the
// nesting depth is bounded by MaxJoinDepth rather than the goroutine stack.
// Within one parent, predicates are followed in sorted order and the joins
// nested below a predicate are finished before the next predicate starts.
func (b *base) walk(ctx context.Context, spec config.Spec, root *rdf.Document) (*walk, error) {
	w := &walk{seen: map[rdf.Identity]struct{}{}}
	w.touch(root.ID)

	capped := b.capJoins(root, spec.Joins)
	w.visits = append(w.visits, visit{
		doc:   capped,
		level: level{include: spec.Include, fields: spec.Fields, indices: spec.Indices, joins: spec.Joins},
	})

	stack := push(nil, b.frames(capped, spec.Joins, spec.From, 1))

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.depth > b.cfg.MaxJoinDepth {
			return nil, fmt.Errorf("%s: %w: %s at depth %d", spec.ID, ErrJoinDepth, f.pred, f.depth)
		}

		coll := f.join.From
		if coll == "" {
			coll = f.coll
		}

		var targets []rdf.Identity

		for _, uri := range f.parent.URIs(f.pred) {
			id := rdf.ID(b.labeller.Canonical(uri), f.parent.ID.Context)
			targets = append(targets, id)
			w.touch(id)
		}

		if len(targets) == 0 {
			continue
		}

		fetched, err := b.source(coll).getMany(ctx, targets)
		if err != nil {
			return nil, fmt.Errorf("%s: join %s: %w", spec.ID, f.pred, err)
		}

		var children []frame

		for _, id := range targets {
			doc, ok := fetched[id]
			if !ok || !b.matches(doc, f.join.Condition) {
				continue
			}

			doc = b.capJoins(doc, f.join.Joins)
			w.visits = append(w.visits, visit{
				doc:   doc,
				level: level{include: f.join.Include, fields: f.join.Fields, indices: f.join.Indices, joins: f.join.Joins},
				depth: f.depth,
			})

			children = append(children, b.frames(doc, f.join.Joins, coll, f.depth+1)...)
		}

		stack = push(stack, children)
	}

	return w, nil
}

func (b *base) frames(parent *rdf.Document, joins map[string]*config.JoinSpec, coll string, depth int) []frame {
	out := make([]frame, 0, len(joins))

	for _, pred := range config.SortedJoins(joins) {
		out = append(out, frame{
			parent: parent,
			pred:   b.labeller.Canonical(pred),
			join:   joins[pred],
			coll:   coll,
			depth:  depth,
		})
	}

	return out
}

// push adds fs so that fs[0] is popped first.
func push(stack, fs []frame) []frame {
	for i := len(fs) - 1; i >= 0; i-- {
		stack = append(stack, fs[i])
	}

	return stack
}

// capJoins truncates every joined predicate with a maxJoins cap to its
// first N values. doc is returned as is when nothing needs cutting.
func (b *base) capJoins(doc *rdf.Document, joins map[string]*config.JoinSpec) *rdf.Document {
	out := doc

	for pred, j := range joins {
		if j.MaxJoins <= 0 {
			continue
		}

		p := b.labeller.Canonical(pred)
		if len(doc.Values(p)) <= j.MaxJoins {
			continue
		}

		if out == doc {
			out = doc.Clone()
		}

		out.Predicates[p] = out.Predicates[p][:j.MaxJoins]
	}

	return out
}
