package txn

import (
	"context"
	"fmt"
	"iter"

	"github.com/calvinalkan/cbdstore/internal/docstore"
)

// Replay re-applies the final document bodies of a completed transaction.
// Each body is written verbatim and a nil body deletes, so replaying the
// same transaction twice leaves the store as replaying it once.
func Replay(ctx context.Context, s *docstore.Store, t *docstore.Transaction) error {
	if t.Status != docstore.TxCompleted {
		return fmt.Errorf("replay %s: %w (status %s)", t.ID, ErrNotCompleted, t.Status)
	}

	primary := s.WithReadPreference(docstore.ReadPrimary)

	for _, st := range t.New {
		err := ctx.Err()
		if err != nil {
			return fmt.Errorf("replay %s: %w", t.ID, context.Cause(ctx))
		}

		err = primary.Restore(ctx, t.PodName, st.ID, st.Document)
		if err != nil {
			return fmt.Errorf("replay %s: %w", t.ID, err)
		}
	}

	return nil
}

// ReplayAll replays every transaction of seq in order and returns how many
// were applied. It stops at the first error.
func ReplayAll(ctx context.Context, s *docstore.Store, seq iter.Seq2[*docstore.Transaction, error]) (int, error) {
	n := 0

	for t, err := range seq {
		if err != nil {
			return n, err
		}

		err = Replay(ctx, s, t)
		if err != nil {
			return n, err
		}

		n++
	}

	return n, nil
}
