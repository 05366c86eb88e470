package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// OperationKind names one family of derived artifacts.
type OperationKind string

const (
	KindView   OperationKind = "view"
	KindTable  OperationKind = "table"
	KindSearch OperationKind = "search"
)

// Kinds lists every operation kind in processing order.
var Kinds = []OperationKind{KindView, KindTable, KindSearch}

// StringList accepts either a JSON string or an array of strings.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *StringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StringList{one}

		return nil
	}

	var many []string

	err := json.Unmarshal(data, &many)
	if err != nil {
		return fmt.Errorf("expected string or string array: %w", err)
	}

	*s = many

	return nil
}

// Spec describes one derived-artifact type. Specs are immutable once the
// Config holding them has been validated.
type Spec struct {
	ID      string     `json:"_id"`
	Type    StringList `json:"type"`
	From    string     `json:"from"`
	Include []string   `json:"include,omitempty"`

	// Fields are flattened table columns or search result fields.
	Fields []FieldSpec `json:"fields,omitempty"`
	// Indices are search-term sources (search documents only).
	Indices []FieldSpec `json:"indices,omitempty"`

	Joins  map[string]*JoinSpec `json:"joins,omitempty"`
	Counts map[string]CountSpec `json:"counts,omitempty"`
	// Filter restricts root documents by exact predicate values.
	Filter map[string]string `json:"filter,omitempty"`
	// TTL in seconds. A spec with a TTL carries no impact index.
	TTL int `json:"ttl,omitempty"`

	EnsureIndexes []map[string]int `json:"ensureIndexes,omitempty"`
}

// JoinSpec is one hop of a join: follow the URIs of a predicate to their
// documents, optionally recursing.
type JoinSpec struct {
	Include   []string             `json:"include,omitempty"`
	Fields    []FieldSpec          `json:"fields,omitempty"`
	Indices   []FieldSpec          `json:"indices,omitempty"`
	MaxJoins  int                  `json:"maxJoins,omitempty"`
	Condition map[string]string    `json:"condition,omitempty"`
	From      string               `json:"from,omitempty"`
	Joins     map[string]*JoinSpec `json:"joins,omitempty"`
}

// FieldSpec maps one or more predicates to a named output field.
type FieldSpec struct {
	FieldName  string   `json:"fieldName"`
	Predicates []string `json:"predicates,omitempty"`
	// Value "_link_" emits the document's resource instead of predicate values.
	Value string `json:"value,omitempty"`
	// Limit caps the number of values kept, 0 = unlimited.
	Limit int `json:"limit,omitempty"`
}

// LinkValue makes a field render the current resource.
const LinkValue = "_link_"

// CountSpec is a counts aggregate. Without From it counts the values of
// Property on the current document; with From it counts documents in that
// collection whose Property references the current resource.
type CountSpec struct {
	Property string `json:"property"`
	From     string `json:"from,omitempty"`
}

// SortedJoins returns join predicates in a stable order.
func SortedJoins(joins map[string]*JoinSpec) []string {
	return slices.Sorted(maps.Keys(joins))
}

// SpecTypes returns the union of spec types, sorted and deduplicated.
func SpecTypes(specs []Spec) []string {
	set := map[string]struct{}{}

	for _, s := range specs {
		for _, t := range s.Type {
			set[t] = struct{}{}
		}
	}

	return slices.Sorted(maps.Keys(set))
}
