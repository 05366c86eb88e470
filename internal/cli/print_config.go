package cli

import (
	"context"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/cbdstore/internal/config"
)

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("print-config", flag.ContinueOnError),
		Usage: "print-config",
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration and which file it was loaded from.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			return execPrintConfig(o, a.cfg)
		},
	}
}

func execPrintConfig(o *IO, cfg config.Config) error {
	o.Println("config=" + cfg.Source)
	o.Println("data_dir=" + cfg.DataDir)
	o.Println("default_context=" + cfg.DefaultContext)
	o.Println("queue=" + cfg.Dispatch.Queue)

	if cfg.Dispatch.Queue == "spool" {
		o.Println("spool_dir=" + cfg.SpoolPath())
	}

	for _, name := range cfg.StoreNames() {
		path, err := cfg.DataSourcePath(name)
		if err != nil {
			return err
		}

		sc := cfg.Stores[name]

		o.Println("")
		o.Println("# store " + name)
		o.Println("data_source=" + path)

		for _, kind := range config.Kinds {
			mode := "sync"
			if sc.IsAsync(kind) {
				mode = "async"
			}

			o.Printf("%s=%d specs (%s, collection %s)\n", kind, len(sc.Specs(kind)), mode, sc.Collection(kind))
		}
	}

	return nil
}
