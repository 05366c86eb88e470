package cli

import (
	"context"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/cbdstore/internal/composite"
)

// DescribeCmd returns the describe command.
func DescribeCmd(a *app) *Command {
	fs := flag.NewFlagSet("describe", flag.ContinueOnError)
	store := storeFlag(fs)
	pod := fs.StringP("pod", "p", "", "Pod `name` (required)")
	contextAlias := fs.String("context", "", "Context `uri` (default: configured default context)")

	return &Command{
		Flags: fs,
		Usage: "describe <resource> [flags]",
		Args:  []string{"<resource>"},
		Short: "Print the current document of a resource",
		Long:  "Print the current CBD document of a resource as JSON, read on the primary.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			err := requireFlag("pod", *pod)
			if err != nil {
				return err
			}

			d, err := a.openDriver(ctx, *store)
			if err != nil {
				return err
			}
			defer d.Close()

			doc, err := d.Describe(ctx, *pod, args[0], *contextAlias)
			if err != nil {
				return err
			}

			return o.PrintJSON(doc)
		},
	}
}

// ViewCmd returns the view command.
func ViewCmd(a *app) *Command {
	fs := flag.NewFlagSet("view", flag.ContinueOnError)
	store := storeFlag(fs)
	spec := fs.String("spec", "", "View spec `id` (required)")
	contextAlias := fs.String("context", "", "Context `uri`")

	return &Command{
		Flags: fs,
		Usage: "view <resource> --spec <id> [flags]",
		Args:  []string{"<resource>"},
		Short: "Print the view of a resource",
		Long:  "Print the view of a resource, building it first when it is missing or expired.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			err := requireFlag("spec", *spec)
			if err != nil {
				return err
			}

			d, err := a.openDriver(ctx, *store)
			if err != nil {
				return err
			}
			defer d.Close()

			view, err := d.GetView(ctx, *spec, args[0], *contextAlias)
			if err != nil {
				return err
			}

			return o.PrintJSON(view)
		},
	}
}

// RowsCmd returns the rows command.
func RowsCmd(a *app) *Command {
	fs := flag.NewFlagSet("rows", flag.ContinueOnError)
	store := storeFlag(fs)
	spec := fs.String("spec", "", "Table spec `id` (required)")
	contextAlias := fs.String("context", "", "Only rows of this context")
	filters := fs.StringArray("filter", nil, "Exact field match `field=value` (repeatable)")
	limit := fs.Int("limit", 0, "Maximum rows (0 = all)")
	offset := fs.Int("offset", 0, "Rows to skip")

	return &Command{
		Flags: fs,
		Usage: "rows --spec <id> [flags]",
		Short: "List table rows",
		Long:  "List the rows of a table spec. When none exist the spec is generated first.",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			err := requireFlag("spec", *spec)
			if err != nil {
				return err
			}

			filter, err := parseFilters(*filters)
			if err != nil {
				return err
			}

			d, err := a.openDriver(ctx, *store)
			if err != nil {
				return err
			}
			defer d.Close()

			rows, total, err := d.GetTableRows(ctx, *spec, composite.RowQuery{
				Context: *contextAlias,
				Filter:  filter,
				Limit:   *limit,
				Offset:  *offset,
			})
			if err != nil {
				return err
			}

			return o.PrintJSON(map[string]any{"total": total, "rows": rows})
		},
	}
}

func parseFilters(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	out := make(map[string]string, len(raw))

	for _, f := range raw {
		k, v, ok := strings.Cut(f, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--filter %q: want field=value", f)
		}

		out[k] = v
	}

	return out, nil
}

// SearchCmd returns the search command.
func SearchCmd(a *app) *Command {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	store := storeFlag(fs)
	typ := fs.StringP("type", "t", "", "Search spec `ids`, comma separated (required)")
	limit := fs.Int("limit", 0, "Maximum hits (0 = all)")
	offset := fs.Int("offset", 0, "Hits to skip")

	return &Command{
		Flags: fs,
		Usage: "search <terms...> --type <ids> [flags]",
		Short: "Search documents holding every term",
		Long:  "Return search documents of the given types that hold every term.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			d, err := a.openDriver(ctx, *store)
			if err != nil {
				return err
			}
			defer d.Close()

			res, err := d.Search(ctx, composite.Query{
				Q:      strings.Join(args, " "),
				Type:   *typ,
				Limit:  *limit,
				Offset: *offset,
			})
			if err != nil {
				return err
			}

			return o.PrintJSON(res)
		},
	}
}
