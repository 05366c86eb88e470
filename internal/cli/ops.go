package cli

import (
	"context"
	"fmt"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/cbdstore/internal/lock"
	"github.com/calvinalkan/cbdstore/internal/txn"
)

// RegenerateCmd returns the regenerate command.
func RegenerateCmd(a *app) *Command {
	fs := flag.NewFlagSet("regenerate", flag.ContinueOnError)
	store := storeFlag(fs)
	spec := fs.String("spec", "", "Only this spec `id` (default: every spec)")
	resource := fs.String("resource", "", "Only this resource")
	contextAlias := fs.String("context", "", "Context `uri` (default: configured default context)")
	pod := fs.StringP("pod", "p", "", "Pod of --resource, required with --queue")
	queue := fs.Bool("queue", false, "Queue the rebuild for workers instead of running it")

	return &Command{
		Flags: fs,
		Usage: "regenerate [flags]",
		Short: "Rebuild views, table rows and search documents",
		Long: `Rebuild derived artifacts from the source documents.

Without --spec every spec of the store is rebuilt. With --resource only that
resource's artifacts are. With --queue a discover job is enqueued for the
store's asynchronous kinds and a worker does the rebuild.`,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			if *queue {
				err := requireFlag("resource", *resource)
				if err == nil {
					err = requireFlag("pod", *pod)
				}

				if err != nil {
					return fmt.Errorf("--queue: %w", err)
				}
			}

			d, err := a.openDriver(ctx, *store)
			if err != nil {
				return err
			}
			defer d.Close()

			if *queue {
				if a.cfg.Dispatch.Queue != "spool" {
					o.Warn("queue is in memory", "the job is lost when this process exits; configure a spool queue")
				}

				job, err := d.QueueRegenerate(ctx, *pod, *resource, *contextAlias)
				if err != nil {
					return err
				}

				o.Println("queued", job.ID)

				return nil
			}

			n, err := d.Regenerate(ctx, *spec, *resource, *contextAlias)
			if err != nil {
				return err
			}

			o.Printf("regenerated %d artifacts\n", n)

			return nil
		},
	}
}

// timeRange registers --from and --to on fs.
type timeRange struct {
	from, to *string
}

func timeRangeFlags(fs *flag.FlagSet) timeRange {
	return timeRange{
		from: fs.String("from", "", "Only transactions started at or after `time` (RFC 3339)"),
		to:   fs.String("to", "", "Only transactions started before `time` (RFC 3339)"),
	}
}

func (r timeRange) parse() (time.Time, time.Time, error) {
	var from, to time.Time

	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Time
	}{{"from", *r.from, &from}, {"to", *r.to, &to}} {
		if f.raw == "" {
			continue
		}

		t, err := time.Parse(time.RFC3339, f.raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--%s: %w", f.name, err)
		}

		*f.dst = t
	}

	return from, to, nil
}

// ReplayCmd returns the replay command.
func ReplayCmd(a *app) *Command {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	store := storeFlag(fs)
	pod := fs.StringP("pod", "p", "", "Pod `name` (required)")
	window := timeRangeFlags(fs)

	return &Command{
		Flags: fs,
		Usage: "replay --pod <name> [flags]",
		Short: "Re-apply completed transactions to their documents",
		Long:  "Write the logged result of every completed transaction back onto its documents. Safe to repeat.",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			err := requireFlag("pod", *pod)
			if err != nil {
				return err
			}

			from, to, err := window.parse()
			if err != nil {
				return err
			}

			d, err := a.openDriver(ctx, *store)
			if err != nil {
				return err
			}
			defer d.Close()

			n, err := txn.ReplayAll(ctx, d.Store(), d.Coordinator().GetCompletedTransactions(ctx, *pod, from, to))
			if err != nil {
				return fmt.Errorf("replayed %d before failing: %w", n, err)
			}

			o.Printf("replayed %d transactions\n", n)

			return nil
		},
	}
}

// ExportTransactionsCmd returns the export-transactions command.
func ExportTransactionsCmd(a *app) *Command {
	fs := flag.NewFlagSet("export-transactions", flag.ContinueOnError)
	store := storeFlag(fs)
	pod := fs.StringP("pod", "p", "", "Pod `name` (required)")
	out := fs.StringP("out", "o", "", "Journal `file` to write (required)")
	window := timeRangeFlags(fs)

	return &Command{
		Flags: fs,
		Usage: "export-transactions --pod <name> --out <file> [flags]",
		Short: "Write completed transactions to a journal file",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			err := requireFlag("pod", *pod)
			if err == nil {
				err = requireFlag("out", *out)
			}

			if err != nil {
				return err
			}

			from, to, err := window.parse()
			if err != nil {
				return err
			}

			d, err := a.openDriver(ctx, *store)
			if err != nil {
				return err
			}
			defer d.Close()

			n, err := txn.ExportJournal(ctx, *out, d.Coordinator().GetCompletedTransactions(ctx, *pod, from, to))
			if err != nil {
				return err
			}

			o.Printf("exported %d transactions to %s\n", n, *out)

			return nil
		},
	}
}

// ImportTransactionsCmd returns the import-transactions command.
func ImportTransactionsCmd(a *app) *Command {
	fs := flag.NewFlagSet("import-transactions", flag.ContinueOnError)
	store := storeFlag(fs)
	in := fs.StringP("in", "i", "", "Journal `file` to read (required)")
	replay := fs.Bool("replay", false, "Also replay completed transactions onto their documents")

	return &Command{
		Flags: fs,
		Usage: "import-transactions --in <file> [flags]",
		Short: "Load a journal file into the transaction log",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			err := requireFlag("in", *in)
			if err != nil {
				return err
			}

			d, err := a.openDriver(ctx, *store)
			if err != nil {
				return err
			}
			defer d.Close()

			n, err := txn.ImportJournal(ctx, d.Store(), *in, *replay)
			if err != nil {
				return err
			}

			o.Printf("imported %d transactions\n", n)

			return nil
		},
	}
}

// LocksCmd returns the locks command.
func LocksCmd(a *app) *Command {
	fs := flag.NewFlagSet("locks", flag.ContinueOnError)
	store := storeFlag(fs)
	olderThan := fs.Duration("older-than", time.Minute, "Only locks held longer than `duration`")

	return &Command{
		Flags: fs,
		Usage: "locks [flags]",
		Short: "List locks held longer than a duration",
		Long:  "List document locks older than --older-than, one per line: transaction, subject, age.",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			d, err := a.openDriver(ctx, *store)
			if err != nil {
				return err
			}
			defer d.Close()

			s := d.Store()
			now := s.Now()

			locks, err := lock.New(s, a.cfg.Locks, lock.WithLogger(a.log)).InertLocks(ctx, now, *olderThan)
			if err != nil {
				return err
			}

			for _, l := range locks {
				o.Printf("%s\t%s\t%s\n", l.TransactionID, l.ID, now.Sub(l.LockedAt).Truncate(time.Second))
			}

			return nil
		},
	}
}

// RemoveInertLockCmd returns the remove-inert-lock command.
func RemoveInertLockCmd(a *app) *Command {
	fs := flag.NewFlagSet("remove-inert-lock", flag.ContinueOnError)
	store := storeFlag(fs)
	reason := fs.String("reason", "", "Why the locks are removed, kept in the audit log (required)")

	return &Command{
		Flags: fs,
		Usage: "remove-inert-lock <transaction-id> --reason <text> [flags]",
		Args:  []string{"<transaction-id>"},
		Short: "Release the locks of a transaction that will never finish",
		Long: `Release every lock held by a transaction that will never finish, for
example after a rollback failed. The removal is recorded in the audit log.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			err := requireFlag("reason", *reason)
			if err != nil {
				return err
			}

			d, err := a.openDriver(ctx, *store)
			if err != nil {
				return err
			}
			defer d.Close()

			err = lock.New(d.Store(), a.cfg.Locks, lock.WithLogger(a.log), lock.WithMetrics(a.metrics)).
				RemoveInertLock(ctx, args[0], *reason)
			if err != nil {
				return err
			}

			o.Println("removed locks of", args[0])

			return nil
		},
	}
}
