package txn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/calvinalkan/cbdstore/internal/rdf"
)

var (
	ErrCardinality    = errors.New("cardinality violation")
	ErrStaleRemoval   = errors.New("removal of a value not present in the document")
	ErrRollbackFailed = errors.New("rollback failed")
	ErrJournalCorrupt = errors.New("journal corrupt")
	ErrNotCompleted   = errors.New("transaction not completed")
	ErrMixedContext   = errors.New("change set spans more than one context")
)

// StoreError wraps every failure of the write path.
type StoreError struct {
	TransactionID string
	Err           error
}

func (e *StoreError) Error() string {
	if e.TransactionID == "" {
		return "error storing changes: " + e.Err.Error()
	}

	return "error storing changes (transaction " + e.TransactionID + "): " + e.Err.Error()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// CardinalityError names the subject and predicate that would exceed its
// configured maximum, and the values it would end up with.
type CardinalityError struct {
	Subject   rdf.Identity
	Predicate string
	Limit     int
	Values    []rdf.Value
}

func (e *CardinalityError) Error() string {
	vals := make([]string, 0, len(e.Values))
	for _, v := range e.Values {
		vals = append(vals, v.String())
	}

	return fmt.Sprintf("%s: %s on %s allows %d value(s), got [%s]",
		ErrCardinality, e.Predicate, e.Subject, e.Limit, strings.Join(vals, ", "))
}

func (*CardinalityError) Unwrap() error {
	return ErrCardinality
}
