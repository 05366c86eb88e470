package rdf

import (
	"maps"
	"slices"
	"strings"
)

// Labeller converts between full URIs and prefix:local aliases using a fixed
// namespace table. Lookups report presence explicitly; a missing mapping is
// not an error, callers fall back to the input.
type Labeller struct {
	byPrefix map[string]string
	// longest namespace URI first so the most specific prefix wins.
	ordered []string
}

// NewLabeller builds a labeller from prefix → namespace URI pairs.
func NewLabeller(namespaces map[string]string) *Labeller {
	l := &Labeller{byPrefix: maps.Clone(namespaces)}
	if l.byPrefix == nil {
		l.byPrefix = map[string]string{}
	}

	l.ordered = slices.Collect(maps.Keys(l.byPrefix))
	slices.SortFunc(l.ordered, func(a, b string) int {
		la, lb := len(l.byPrefix[a]), len(l.byPrefix[b])
		if la != lb {
			return lb - la
		}

		return strings.Compare(a, b)
	})

	return l
}

// HasPrefix reports whether prefix is declared.
func (l *Labeller) HasPrefix(prefix string) bool {
	_, ok := l.byPrefix[prefix]

	return ok
}

// Alias maps a full URI to prefix:local.
func (l *Labeller) Alias(uri string) (string, bool) {
	for _, prefix := range l.ordered {
		ns := l.byPrefix[prefix]
		if ns == "" || !strings.HasPrefix(uri, ns) {
			continue
		}

		local := uri[len(ns):]
		if local == "" {
			continue
		}

		return prefix + ":" + local, true
	}

	return "", false
}

// Expand maps prefix:local to a full URI.
func (l *Labeller) Expand(qname string) (string, bool) {
	prefix, local, ok := strings.Cut(qname, ":")
	if !ok || strings.HasPrefix(local, "//") {
		return "", false
	}

	ns, ok := l.byPrefix[prefix]
	if !ok {
		return "", false
	}

	return ns + local, true
}

// Canonical returns the alias form of s when one exists, otherwise s.
func (l *Labeller) Canonical(s string) string {
	if alias, ok := l.Alias(s); ok {
		return alias
	}

	return s
}

// Forms returns s together with its alias and expanded forms, deduplicated.
func (l *Labeller) Forms(s string) []string {
	out := []string{s}

	if alias, ok := l.Alias(s); ok && alias != s {
		out = append(out, alias)
	}

	if full, ok := l.Expand(s); ok && full != s {
		out = append(out, full)
	}

	return out
}

// IsType reports whether pred names rdf:type in either form.
func (l *Labeller) IsType(pred string) bool {
	return slices.ContainsFunc(l.Forms(pred), func(f string) bool {
		return f == RDFType || f == RDFTypeURI
	})
}
