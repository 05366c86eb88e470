package testutil

import (
	"maps"
	"slices"

	"github.com/calvinalkan/cbdstore/internal/rdf"
)

// Vocabulary bounds what a ChangeGenerator may emit. Small sets make
// collisions, and with them stale removals and deletions, likely.
type Vocabulary struct {
	Subjects   []string
	Predicates []string
	Literals   []string
	// References are emitted as URI values.
	References []string
}

// DefaultVocabulary uses the ex: and dct: prefixes.
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		Subjects:   []string{"ex:a", "ex:b", "ex:c", "ex:d"},
		Predicates: []string{"dct:title", "dct:subject", "dct:isPartOf"},
		Literals:   []string{"one", "two", "three"},
		References: []string{"ex:a", "ex:b"},
	}
}

// ChangeGenerator derives change sets from fuzz input. Removals are drawn
// from the model's current state most of the time, so most generated change
// sets apply cleanly.
type ChangeGenerator struct {
	stream *ByteStream
	vocab  Vocabulary
	model  *Model
}

// NewChangeGenerator creates a generator over fuzz bytes.
func NewChangeGenerator(fuzzBytes []byte, vocab Vocabulary, model *Model) *ChangeGenerator {
	return &ChangeGenerator{stream: NewByteStream(fuzzBytes), vocab: vocab, model: model}
}

// HasMore reports whether more change sets can be generated.
func (g *ChangeGenerator) HasMore() bool {
	return g.stream.HasMore()
}

// Next returns the next change set. Each subject appears at most once and
// subjects carry no context, so the store's default applies.
func (g *ChangeGenerator) Next() rdf.ChangeSet {
	n := 1 + g.stream.NextInt(len(g.vocab.Subjects))
	subjects := slices.Clone(g.vocab.Subjects)

	var cs rdf.ChangeSet

	for range n {
		idx := g.stream.NextInt(len(subjects))
		subject := subjects[idx]
		subjects = slices.Delete(subjects, idx, idx+1)

		cs.Changes = append(cs.Changes, g.subjectChange(subject))

		if len(subjects) == 0 {
			break
		}
	}

	return cs
}

func (g *ChangeGenerator) subjectChange(subject string) rdf.SubjectChange {
	ch := rdf.SubjectChange{Subject: rdf.ID(subject, "")}

	for range 1 + g.stream.NextInt(3) {
		switch g.stream.NextInt(4) {
		case 0, 1:
			pred := Pick(g.stream, g.vocab.Predicates)
			ch.Additions = appendValue(ch.Additions, pred, g.value())
		case 2:
			pred, v, ok := g.present(subject)
			if ok {
				ch.Removals = appendValue(ch.Removals, pred, v)
			}
		default:
			// Possibly absent: exercises the stale removal path.
			pred := Pick(g.stream, g.vocab.Predicates)
			ch.Removals = appendValue(ch.Removals, pred, g.value())
		}
	}

	return ch
}

func (g *ChangeGenerator) value() rdf.Value {
	if len(g.vocab.References) > 0 && g.stream.NextInt(3) == 0 {
		return rdf.URI(Pick(g.stream, g.vocab.References))
	}

	return rdf.Literal(Pick(g.stream, g.vocab.Literals))
}

// present picks a value the model currently holds for subject.
func (g *ChangeGenerator) present(subject string) (string, rdf.Value, bool) {
	preds := g.model.docs[subject]
	if len(preds) == 0 {
		return "", rdf.Value{}, false
	}

	pred := Pick(g.stream, slices.Sorted(maps.Keys(preds)))

	return pred, Pick(g.stream, preds[pred]), true
}

func appendValue(m map[string][]rdf.Value, pred string, v rdf.Value) map[string][]rdf.Value {
	if m == nil {
		m = map[string][]rdf.Value{}
	}

	if !rdf.ContainsValue(m[pred], v) {
		m[pred] = append(m[pred], v)
	}

	return m
}

// Model is the reference state of one pod: predicate values per subject
// resource. A change set applies all-or-nothing.
type Model struct {
	docs map[string]map[string][]rdf.Value
}

// NewModel returns an empty model.
func NewModel() *Model {
	return &Model{docs: map[string]map[string][]rdf.Value{}}
}

// Apply applies cs and reports whether it succeeded. A removal of a value
// the subject does not hold fails the whole change set and leaves the model
// untouched.
func (m *Model) Apply(cs rdf.ChangeSet) bool {
	next := map[string]map[string][]rdf.Value{}

	for _, ch := range cs.Changes {
		doc := cloneDoc(m.docs[ch.Subject.Resource])

		for _, pred := range slices.Sorted(maps.Keys(ch.Removals)) {
			for _, v := range ch.Removals[pred] {
				idx := slices.Index(doc[pred], v)
				if idx < 0 {
					return false
				}

				doc[pred] = slices.Delete(doc[pred], idx, idx+1)
			}
		}

		for _, pred := range slices.Sorted(maps.Keys(ch.Additions)) {
			doc[pred] = rdf.DedupeValues(append(doc[pred], ch.Additions[pred]...))
		}

		maps.DeleteFunc(doc, func(_ string, vs []rdf.Value) bool { return len(vs) == 0 })
		next[ch.Subject.Resource] = doc
	}

	for subject, doc := range next {
		if len(doc) == 0 {
			delete(m.docs, subject)

			continue
		}

		m.docs[subject] = doc
	}

	return true
}

// Document returns the predicates the model holds for subject, or nil.
func (m *Model) Document(subject string) map[string][]rdf.Value {
	return cloneDoc(m.docs[subject])
}

func cloneDoc(doc map[string][]rdf.Value) map[string][]rdf.Value {
	if doc == nil {
		return map[string][]rdf.Value{}
	}

	out := make(map[string][]rdf.Value, len(doc))
	for p, vs := range doc {
		out[p] = slices.Clone(vs)
	}

	return out
}
