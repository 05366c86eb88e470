package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/cbdstore/internal/cbd"
	"github.com/calvinalkan/cbdstore/internal/config"
	"github.com/calvinalkan/cbdstore/internal/dispatch"
	"github.com/calvinalkan/cbdstore/internal/metrics"
)

const envConfigName = config.EnvConfigPath

// app is the state shared by all commands of one invocation. The config is
// loaded after global flags are parsed, before the command runs.
type app struct {
	in     io.Reader
	errOut io.Writer
	env    map[string]string

	cfg     config.Config
	log     *slog.Logger
	reg     *prometheus.Registry
	metrics *metrics.Collectors
}

func (a *app) commands() []*Command {
	return []*Command{
		DescribeCmd(a),
		ViewCmd(a),
		RowsCmd(a),
		SearchCmd(a),
		RegenerateCmd(a),
		ReplayCmd(a),
		ExportTransactionsCmd(a),
		ImportTransactionsCmd(a),
		LocksCmd(a),
		RemoveInertLockCmd(a),
		WorkerCmd(a),
		ShellCmd(a),
		PrintConfigCmd(a),
	}
}

func (a *app) load(workDir, configPath, dataDir string) error {
	cfg, err := config.Load(config.LoadInput{
		ConfigPath:      configPath,
		DataDirOverride: dataDir,
		WorkDir:         workDir,
		Env:             a.env,
	})
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.reg = prometheus.NewRegistry()
	a.metrics = metrics.New(a.reg)

	return nil
}

// storeFlag registers --store on fs.
func storeFlag(fs *flag.FlagSet) *string {
	return fs.StringP("store", "s", "", "Store `name` (may be omitted when only one is configured)")
}

// resolveStore picks the store named by --store, or the only one.
func (a *app) resolveStore(name string) (string, error) {
	if name != "" {
		_, err := a.cfg.Store(name)
		if err != nil {
			return "", err
		}

		return name, nil
	}

	names := a.cfg.StoreNames()
	if len(names) != 1 {
		return "", ErrStoreRequired
	}

	return names[0], nil
}

func (a *app) openQueue() (dispatch.Queue, error) {
	if a.cfg.Dispatch.Queue != "spool" {
		return dispatch.NewMemoryQueue(), nil
	}

	q, err := dispatch.OpenSpool(a.cfg.SpoolPath(), dispatch.WithSpoolLogger(a.log))
	if err != nil {
		return nil, err
	}

	return q, nil
}

// openDriver opens the store named by flag value name.
func (a *app) openDriver(ctx context.Context, name string) (*cbd.Driver, error) {
	store, err := a.resolveStore(name)
	if err != nil {
		return nil, err
	}

	q, err := a.openQueue()
	if err != nil {
		return nil, err
	}

	d, err := cbd.Open(ctx, a.cfg, store,
		cbd.WithLogger(a.log),
		cbd.WithMetrics(a.metrics),
		cbd.WithQueue(q))
	if err != nil {
		_ = q.Close()

		return nil, fmt.Errorf("open store %s: %w", store, err)
	}

	return d, nil
}

func requireFlag(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: --%s", ErrFlagRequired, name)
	}

	return nil
}
