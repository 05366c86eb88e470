package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/cbdstore/internal/dispatch"
)

// WorkerCmd returns the worker command.
func WorkerCmd(a *app) *Command {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	store := storeFlag(fs)
	drain := fs.Bool("drain", false, "Run queued jobs until the queue is empty, then exit")
	concurrency := fs.Int("concurrency", 0, "Jobs handled at once (default: dispatch.concurrency)")
	batchSize := fs.Int("batch-size", 0, "Subjects per apply job (default: dispatch.batchSize)")
	poll := fs.Duration("poll", 250*time.Millisecond, "Idle wait between queue checks")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on `addr` (e.g. :9090)")

	return &Command{
		Flags: fs,
		Usage: "worker [flags]",
		Short: "Run queued discover and apply jobs",
		Long: `Take discover and apply jobs off the configured queue and run them until
interrupted. A discover job finds the artifacts a write impacted and queues
apply jobs for them; an apply job rebuilds them.`,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			if a.cfg.Dispatch.Queue != "spool" {
				o.Warn("queue is in memory", "this worker only sees jobs queued by itself; configure a spool queue")
			}

			d, err := a.openDriver(ctx, *store)
			if err != nil {
				return err
			}
			defer d.Close()

			w := dispatch.NewWorker(d.Queue(), d,
				dispatch.WithLogger(a.log),
				dispatch.WithMetrics(a.metrics),
				dispatch.WithPollInterval(*poll),
				dispatch.WithBatchSize(orDefault(*batchSize, a.cfg.Dispatch.BatchSize)),
				dispatch.WithConcurrency(orDefault(*concurrency, a.cfg.Dispatch.Concurrency)))

			if *drain {
				n, err := w.Drain(ctx)
				o.Printf("ran %d jobs\n", n)

				return err
			}

			ctx, stop := context.WithCancel(ctx)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)

			if *metricsAddr != "" {
				srv := &http.Server{
					Addr:              *metricsAddr,
					Handler:           promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{}),
					ReadHeaderTimeout: 5 * time.Second,
				}

				g.Go(func() error {
					err := srv.ListenAndServe()
					if errors.Is(err, http.ErrServerClosed) {
						return nil
					}

					return err
				})

				g.Go(func() error {
					<-ctx.Done()

					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
					defer cancel()

					return srv.Shutdown(shutdownCtx)
				})
			}

			g.Go(func() error {
				// The metrics server follows the worker down.
				defer stop()

				a.log.Info("worker started", "store", d.StoreName(), "queue", a.cfg.Dispatch.Queue)

				return w.Run(ctx)
			})

			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		},
	}
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}

	return def
}
