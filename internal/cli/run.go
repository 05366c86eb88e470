package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	flag "github.com/spf13/pflag"
)

var (
	ErrStoreRequired  = errors.New("--store is required when more than one store is configured")
	ErrArgRequired    = errors.New("missing argument")
	ErrFlagRequired   = errors.New("missing required flag")
	ErrUnknownCommand = errors.New("unknown command")
)

const helpFlag = "--help"

// Run is the main entry point. Returns exit code. A value on sigCh cancels
// the running command's context.
func Run(in io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	globals := flag.NewFlagSet("cbd", flag.ContinueOnError)
	globals.SetInterspersed(false)
	globals.SetOutput(&strings.Builder{})

	cwd := globals.StringP("cwd", "C", "", "Run as if started in `dir`")
	configPath := globals.StringP("config", "c", "", "Config `file` (default $"+envConfigName+")")
	dataDir := globals.String("data-dir", "", "Override the config's data `dir`")
	logLevel := globals.String("log-level", "warn", "Log `level`: debug, info, warn, error")
	help := globals.BoolP("help", "h", false, "Show help")

	a := &app{in: in, env: env, errOut: errOut}
	commands := a.commands()

	if len(args) > 0 {
		err := globals.Parse(args[1:])
		if err != nil {
			fprintln(errOut, "error:", err)
			fprintln(errOut)
			printUsage(errOut, globals, commands)

			return 1
		}
	}

	rest := globals.Args()
	if *help || len(rest) == 0 {
		printUsage(out, globals, commands)

		return 0
	}

	cmd := findCommand(commands, rest[0])
	if cmd == nil {
		fprintln(errOut, "error:", fmt.Errorf("%w: %s", ErrUnknownCommand, rest[0]))
		fprintln(errOut)
		printUsage(errOut, globals, commands)

		return 1
	}

	o := NewIO(out, errOut)

	if hasHelpFlag(rest[1:]) {
		cmd.PrintHelp(o)

		return 0
	}

	level, err := parseLevel(*logLevel)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	a.log = slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	err = a.load(*cwd, *configPath, *dataDir)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-sigCh:
			a.log.Info("interrupted, stopping")
			cancel()
		case <-ctx.Done():
		}
	}()

	code := cmd.Run(ctx, o, rest[1:])
	if code != 0 {
		return code
	}

	return o.Finish()
}

func findCommand(commands []*Command, name string) *Command {
	for _, c := range commands {
		if c.Name() == name {
			return c
		}
	}

	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level

	err := level.UnmarshalText([]byte(s))
	if err != nil {
		return 0, fmt.Errorf("--log-level: %w", err)
	}

	return level, nil
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "-h" || arg == helpFlag {
			return true
		}
	}

	return false
}

func printUsage(w io.Writer, globals *flag.FlagSet, commands []*Command) {
	fprintln(w, `cbd - transactional CBD store with materialized views

Usage: cbd [global flags] <command> [args]

Global flags:`)

	var buf strings.Builder
	globals.SetOutput(&buf)
	globals.PrintDefaults()
	globals.SetOutput(&strings.Builder{})
	_, _ = io.WriteString(w, buf.String())

	fprintln(w)
	fprintln(w, "Commands:")

	for _, c := range commands {
		fprintln(w, c.HelpLine())
	}
}
