package rdf

import (
	"hash/fnv"
	"slices"
	"strings"
)

// Identity is the (resource, context) pair that names one CBD. Both halves
// are kept in canonical alias form.
type Identity struct {
	Resource string `json:"r"`
	Context  string `json:"c"`
}

// ID is shorthand for Identity{Resource: r, Context: c}.
func ID(r, c string) Identity {
	return Identity{Resource: r, Context: c}
}

func (id Identity) String() string {
	return id.Resource + " @ " + id.Context
}

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool {
	return id.Resource == "" && id.Context == ""
}

// Hash is a stable 64-bit key used to dedupe identities across join paths.
func (id Identity) Hash() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id.Resource))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(id.Context))

	return h.Sum64()
}

// Compare orders identities by resource then context.
func (id Identity) Compare(other Identity) int {
	c := strings.Compare(id.Resource, other.Resource)
	if c != 0 {
		return c
	}

	return strings.Compare(id.Context, other.Context)
}

// SortIdentities sorts ids in place and returns them.
func SortIdentities(ids []Identity) []Identity {
	slices.SortFunc(ids, Identity.Compare)

	return ids
}
