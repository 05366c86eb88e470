package rdf

import (
	"maps"
	"slices"
)

// Graph is an in-memory set of statements grouped by subject then predicate.
// Values keep insertion order and are deduplicated on Add.
type Graph map[string]map[string][]Value

// Add records the statement (s, p, v).
func (g Graph) Add(s, p string, v Value) {
	preds, ok := g[s]
	if !ok {
		preds = map[string][]Value{}
		g[s] = preds
	}

	if !ContainsValue(preds[p], v) {
		preds[p] = append(preds[p], v)
	}
}

// AddURI records (s, p, <o>).
func (g Graph) AddURI(s, p, o string) {
	g.Add(s, p, URI(o))
}

// AddLiteral records (s, p, "o").
func (g Graph) AddLiteral(s, p, o string) {
	g.Add(s, p, Literal(o))
}

// Values returns the objects of (s, p).
func (g Graph) Values(s, p string) []Value {
	return g[s][p]
}

// Subjects returns the subjects in sorted order.
func (g Graph) Subjects() []string {
	return slices.Sorted(maps.Keys(g))
}

// Len returns the number of statements.
func (g Graph) Len() int {
	n := 0

	for _, preds := range g {
		for _, vs := range preds {
			n += len(vs)
		}
	}

	return n
}

// Clone returns a deep copy.
func (g Graph) Clone() Graph {
	out := make(Graph, len(g))

	for s, preds := range g {
		cp := make(map[string][]Value, len(preds))
		for p, vs := range preds {
			cp[p] = slices.Clone(vs)
		}

		out[s] = cp
	}

	return out
}

// Canonicalize rewrites subjects, predicates and URI objects to their alias
// form using l.
func (g Graph) Canonicalize(l *Labeller) Graph {
	out := make(Graph, len(g))

	for s, preds := range g {
		cs := l.Canonical(s)

		for p, vs := range preds {
			cp := l.Canonical(p)

			for _, v := range vs {
				if v.IsURI() {
					v = URI(l.Canonical(v.V))
				}

				out.Add(cs, cp, v)
			}
		}
	}

	return out
}
