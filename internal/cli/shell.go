package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/cbdstore/internal/cbd"
	"github.com/calvinalkan/cbdstore/internal/composite"
	"github.com/calvinalkan/cbdstore/internal/rdf"
)

// ShellCmd returns the shell command.
func ShellCmd(a *app) *Command {
	fs := flag.NewFlagSet("shell", flag.ContinueOnError)
	store := storeFlag(fs)

	return &Command{
		Flags: fs,
		Usage: "shell [flags]",
		Short: "Interactive prompt against one store",
		Long:  "Open an interactive prompt for reading and writing one store. Type 'help' for commands.",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			d, err := a.openDriver(ctx, *store)
			if err != nil {
				return err
			}
			defer d.Close()

			return (&shell{driver: d, out: o}).run(ctx)
		},
	}
}

// shell is the interactive command loop.
type shell struct {
	driver *cbd.Driver
	out    *IO
	liner  *liner.State
}

var shellCommands = []string{"add", "remove", "describe", "view", "rows", "search", "regenerate", "help", "exit"}

func shellHistoryFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".cbd_history")
}

func (s *shell) run(ctx context.Context) error {
	s.liner = liner.NewLiner()
	defer s.liner.Close()

	s.liner.SetCtrlCAborts(true)
	s.liner.SetCompleter(func(line string) []string {
		var out []string

		for _, c := range shellCommands {
			if strings.HasPrefix(c, strings.ToLower(line)) {
				out = append(out, c)
			}
		}

		return out
	})

	if f, err := os.Open(shellHistoryFile()); err == nil {
		_, _ = s.liner.ReadHistory(f)
		_ = f.Close()
	}

	defer s.saveHistory()

	s.out.Printf("cbd shell (store %s). Type 'help' for commands.\n", s.driver.StoreName())

	for ctx.Err() == nil {
		line, err := s.liner.Prompt(s.driver.StoreName() + "> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		s.liner.AppendHistory(line)

		quit, err := s.exec(ctx, line)
		if err != nil {
			s.out.Println("error:", err)
		}

		if quit {
			return nil
		}
	}

	return nil
}

func (s *shell) saveHistory() {
	path := shellHistoryFile()
	if path == "" {
		return
	}

	f, err := os.Create(path)
	if err != nil {
		return
	}

	_, _ = s.liner.WriteHistory(f)
	_ = f.Close()
}

// exec runs one shell line. It reports true when the shell should exit.
func (s *shell) exec(ctx context.Context, line string) (bool, error) {
	parts := strings.Fields(line)
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	switch cmd {
	case "exit", "quit", "q":
		return true, nil

	case "help", "?":
		s.printHelp()

		return false, nil

	case "add", "remove":
		return false, s.change(ctx, cmd == "add", args)

	case "describe":
		if len(args) < 2 {
			return false, fmt.Errorf("%w: describe <pod> <resource>", ErrArgRequired)
		}

		doc, err := s.driver.Describe(ctx, args[0], args[1], "")
		if err != nil {
			return false, err
		}

		return false, s.out.PrintJSON(doc)

	case "view":
		if len(args) < 2 {
			return false, fmt.Errorf("%w: view <spec> <resource>", ErrArgRequired)
		}

		v, err := s.driver.GetView(ctx, args[0], args[1], "")
		if err != nil {
			return false, err
		}

		return false, s.out.PrintJSON(v)

	case "rows":
		if len(args) < 1 {
			return false, fmt.Errorf("%w: rows <spec> [limit]", ErrArgRequired)
		}

		q := composite.RowQuery{}

		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return false, fmt.Errorf("limit: %w", err)
			}

			q.Limit = n
		}

		rows, total, err := s.driver.GetTableRows(ctx, args[0], q)
		if err != nil {
			return false, err
		}

		return false, s.out.PrintJSON(map[string]any{"total": total, "rows": rows})

	case "search":
		if len(args) < 2 {
			return false, fmt.Errorf("%w: search <types> <terms...>", ErrArgRequired)
		}

		res, err := s.driver.Search(ctx, composite.Query{Type: args[0], Q: strings.Join(args[1:], " ")})
		if err != nil {
			return false, err
		}

		return false, s.out.PrintJSON(res)

	case "regenerate":
		spec := ""
		if len(args) > 0 {
			spec = args[0]
		}

		n, err := s.driver.Regenerate(ctx, spec, "", "")
		if err != nil {
			return false, err
		}

		s.out.Printf("regenerated %d artifacts\n", n)

		return false, nil

	default:
		return false, fmt.Errorf("%w: %s (type 'help' for commands)", ErrUnknownCommand, cmd)
	}
}

// change adds or removes one predicate's values. A value written <uri> is
// a resource reference, anything else a literal.
func (s *shell) change(ctx context.Context, add bool, args []string) error {
	if len(args) < 4 {
		return fmt.Errorf("%w: add|remove <pod> <subject> <predicate> <value...>", ErrArgRequired)
	}

	pod, subject, pred := args[0], args[1], args[2]

	values := make([]rdf.Value, 0, len(args)-3)
	for _, raw := range args[3:] {
		values = append(values, parseShellValue(raw))
	}

	ch := rdf.SubjectChange{Subject: rdf.ID(subject, "")}
	if add {
		ch.Additions = map[string][]rdf.Value{pred: values}
	} else {
		ch.Removals = map[string][]rdf.Value{pred: values}
	}

	res, err := s.driver.SaveChanges(ctx, rdf.ChangeSet{Changes: []rdf.SubjectChange{ch}}, pod, "", "shell")
	if err != nil && res.TransactionID == "" {
		return err
	}

	s.out.Println("committed", res.TransactionID)

	return err
}

func parseShellValue(raw string) rdf.Value {
	if uri, ok := strings.CutPrefix(raw, "<"); ok {
		if uri, ok = strings.CutSuffix(uri, ">"); ok {
			return rdf.URI(uri)
		}
	}

	return rdf.Literal(raw)
}

func (s *shell) printHelp() {
	s.out.Println(`Commands:
  add <pod> <subject> <predicate> <value...>      Add values (<uri> for references)
  remove <pod> <subject> <predicate> <value...>   Remove values
  describe <pod> <resource>                       Print a document
  view <spec> <resource>                          Print a view
  rows <spec> [limit]                             List table rows
  search <types> <terms...>                       Search documents
  regenerate [spec]                               Rebuild one or every spec
  exit                                            Leave the shell`)
}
