package rdf

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Reserved document keys.
const (
	KeyID      = "_id"
	KeyVersion = "_version"
	KeyCreated = "_cts"
	KeyUpdated = "_uts"
)

// ErrDocumentInvalid reports a document body that cannot be decoded.
var ErrDocumentInvalid = errors.New("invalid document")

// Document is a concise bounded description: every predicate known about one
// resource in one context. Predicates map to one or more values; the JSON
// form collapses single-element lists to a scalar value.
type Document struct {
	ID         Identity
	Version    int64
	Created    time.Time
	Updated    time.Time
	Predicates map[string][]Value
}

// NewDocument returns an empty document for id.
func NewDocument(id Identity) *Document {
	return &Document{ID: id, Predicates: map[string][]Value{}}
}

// Clone returns a deep copy. Nil in, nil out.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}

	out := *d
	out.Predicates = make(map[string][]Value, len(d.Predicates))

	for p, vs := range d.Predicates {
		out.Predicates[p] = slices.Clone(vs)
	}

	return &out
}

// Values returns the values of pred in stored order.
func (d *Document) Values(pred string) []Value {
	if d == nil {
		return nil
	}

	return d.Predicates[pred]
}

// URIs returns the URI values of pred in stored order.
func (d *Document) URIs(pred string) []string {
	var out []string

	for _, v := range d.Values(pred) {
		if v.IsURI() {
			out = append(out, v.V)
		}
	}

	return out
}

// Types returns the rdf:type URIs of the document.
func (d *Document) Types() []string {
	return d.URIs(RDFType)
}

// PredicateNames returns the sorted predicate names.
func (d *Document) PredicateNames() []string {
	return slices.Sorted(maps.Keys(d.Predicates))
}

// IsEmpty reports whether the document has no predicates left.
func (d *Document) IsEmpty() bool {
	return d == nil || len(d.Predicates) == 0
}

// Project returns a copy holding only the given predicates, or every
// predicate when include is nil. Bookkeeping fields are kept.
func (d *Document) Project(include []string) *Document {
	if include == nil {
		return d.Clone()
	}

	out := &Document{ID: d.ID, Version: d.Version, Created: d.Created, Updated: d.Updated, Predicates: map[string][]Value{}}

	for _, p := range include {
		if vs, ok := d.Predicates[p]; ok {
			out.Predicates[p] = slices.Clone(vs)
		}
	}

	return out
}

// ToGraph renders the document as a single-subject graph.
func (d *Document) ToGraph() Graph {
	g := Graph{}

	if d == nil {
		return g
	}

	for p, vs := range d.Predicates {
		for _, v := range vs {
			g.Add(d.ID.Resource, p, v)
		}
	}

	return g
}

type wireID struct {
	Resource string `json:"r"`
	Context  string `json:"c"`
}

// MarshalJSON renders the stored document body. Keys are emitted in sorted
// order so identical documents always produce identical bytes.
func (d *Document) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(d.Predicates)+4)

	id, err := json.Marshal(wireID(d.ID))
	if err != nil {
		return nil, err
	}

	fields[KeyID] = id

	if d.Version != 0 || !d.Created.IsZero() {
		fields[KeyVersion] = json.RawMessage(fmt.Sprintf("%d", d.Version))
	}

	if !d.Created.IsZero() {
		fields[KeyCreated], _ = json.Marshal(d.Created.UTC().Format(time.RFC3339Nano))
	}

	if !d.Updated.IsZero() {
		fields[KeyUpdated], _ = json.Marshal(d.Updated.UTC().Format(time.RFC3339Nano))
	}

	for p, vs := range d.Predicates {
		if strings.HasPrefix(p, "_") {
			return nil, fmt.Errorf("%w: predicate %q uses reserved prefix", ErrDocumentInvalid, p)
		}

		var raw []byte

		switch len(vs) {
		case 0:
			continue
		case 1:
			raw, err = json.Marshal(vs[0])
		default:
			raw, err = json.Marshal(vs)
		}

		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", p, err)
		}

		fields[p] = raw
	}

	return json.Marshal(fields)
}

// UnmarshalJSON parses a stored document body.
func (d *Document) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage

	err := json.Unmarshal(data, &fields)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDocumentInvalid, err)
	}

	out := Document{Predicates: map[string][]Value{}}

	for k, raw := range fields {
		switch k {
		case KeyID:
			var id wireID

			err = json.Unmarshal(raw, &id)
			if err != nil {
				return fmt.Errorf("%w: _id: %w", ErrDocumentInvalid, err)
			}

			out.ID = Identity(id)
		case KeyVersion:
			err = json.Unmarshal(raw, &out.Version)
			if err != nil {
				return fmt.Errorf("%w: _version: %w", ErrDocumentInvalid, err)
			}
		case KeyCreated, KeyUpdated:
			var s string

			err = json.Unmarshal(raw, &s)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrDocumentInvalid, k, err)
			}

			ts, parseErr := time.Parse(time.RFC3339Nano, s)
			if parseErr != nil {
				return fmt.Errorf("%w: %s: %w", ErrDocumentInvalid, k, parseErr)
			}

			if k == KeyCreated {
				out.Created = ts
			} else {
				out.Updated = ts
			}
		default:
			if strings.HasPrefix(k, "_") {
				continue
			}

			vs, decodeErr := decodeValues(raw)
			if decodeErr != nil {
				return fmt.Errorf("%w: %s: %w", ErrDocumentInvalid, k, decodeErr)
			}

			out.Predicates[k] = vs
		}
	}

	*d = out

	return nil
}

func decodeValues(raw json.RawMessage) ([]Value, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var vs []Value

		err := json.Unmarshal(trimmed, &vs)
		if err != nil {
			return nil, err
		}

		return vs, nil
	}

	var v Value

	err := json.Unmarshal(trimmed, &v)
	if err != nil {
		return nil, err
	}

	return []Value{v}, nil
}
