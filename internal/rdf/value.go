// Package rdf holds the graph-level data model shared by the store, the
// transaction coordinator and the composite engines: resource identities,
// tagged values, concise bounded descriptions (CBDs), graphs and change sets.
package rdf

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Reserved predicate names.
const (
	RDFType    = "rdf:type"
	RDFTypeURI = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"
)

// ValueKind tags a Value as a URI or a literal.
type ValueKind uint8

const (
	KindLiteral ValueKind = iota + 1
	KindURI
)

// Value is a single object value. On the wire it is {"u": ...} or {"l": ...}.
type Value struct {
	Kind ValueKind
	V    string
}

// URI builds a URI value. Callers are expected to pass the canonical alias.
func URI(v string) Value {
	return Value{Kind: KindURI, V: v}
}

// Literal builds a literal value.
func Literal(v string) Value {
	return Value{Kind: KindLiteral, V: v}
}

// IsURI reports whether v is a URI value.
func (v Value) IsURI() bool {
	return v.Kind == KindURI
}

func (v Value) String() string {
	if v.IsURI() {
		return "<" + v.V + ">"
	}

	return fmt.Sprintf("%q", v.V)
}

var errBadValue = errors.New("value must have exactly one of \"u\" or \"l\"")

type wireValue struct {
	U *string `json:"u,omitempty"`
	L *string `json:"l,omitempty"`
}

// MarshalJSON renders the tagged form.
func (v Value) MarshalJSON() ([]byte, error) {
	s := v.V

	switch v.Kind {
	case KindURI:
		return json.Marshal(wireValue{U: &s})
	case KindLiteral:
		return json.Marshal(wireValue{L: &s})
	default:
		return nil, fmt.Errorf("marshal value %q: %w", v.V, errBadValue)
	}
}

// UnmarshalJSON parses the tagged form.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue

	err := json.Unmarshal(data, &w)
	if err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}

	switch {
	case w.U != nil && w.L == nil:
		*v = URI(*w.U)
	case w.L != nil && w.U == nil:
		*v = Literal(*w.L)
	default:
		return fmt.Errorf("unmarshal value %s: %w", data, errBadValue)
	}

	return nil
}

// ContainsValue reports whether vs holds v.
func ContainsValue(vs []Value, v Value) bool {
	for _, x := range vs {
		if x == v {
			return true
		}
	}

	return false
}

// DedupeValues removes repeated values, keeping first-occurrence order.
func DedupeValues(vs []Value) []Value {
	out := make([]Value, 0, len(vs))

	for _, v := range vs {
		if !ContainsValue(out, v) {
			out = append(out, v)
		}
	}

	return out
}
