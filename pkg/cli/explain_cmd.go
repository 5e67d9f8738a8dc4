package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"duck-semantic/internal/service/semantic"
)

func newExplainCmd(rt *runtime) *cobra.Command {
	var flags queryFlags
	cmd := &cobra.Command{
		Use:   "explain METRIC [METRIC...]",
		Short: "Show the operator graph and backend queries of a semantic query",
		Long:  "Plans a semantic query and prints what would run, without executing anything.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := rt.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn() //nolint:errcheck

			res, err := svc.Explain(cmd.Context(), flags.request(args))
			if err != nil {
				return err
			}
			if rt.output == "json" {
				return PrintJSON(cmd.OutOrStdout(), res)
			}
			printExplain(cmd.OutOrStdout(), res)
			return nil
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func printExplain(w io.Writer, res *semantic.ExplainResult) {
	heading := color.New(color.Bold)
	dim := color.New(color.Faint)
	query := color.New(color.FgCyan)

	cols := make([]string, len(res.Columns))
	for i, c := range res.Columns {
		cols[i] = c.Name
		if c.Type != "" {
			cols[i] += " " + dim.Sprint(string(c.Type))
		}
	}
	_, _ = heading.Fprint(w, "backend: ")
	_, _ = fmt.Fprintln(w, res.Backend)
	_, _ = heading.Fprint(w, "columns: ")
	_, _ = fmt.Fprintln(w, strings.Join(cols, ", "))

	_, _ = heading.Fprintln(w, "graph:")
	for _, line := range strings.Split(strings.TrimRight(res.Graph, "\n"), "\n") {
		_, _ = fmt.Fprintln(w, "  "+line)
	}

	_, _ = heading.Fprintf(w, "queries (%d):\n", len(res.Queries))
	for i, q := range res.Queries {
		_, _ = dim.Fprintf(w, "  -- [%d]\n", i+1)
		for _, line := range strings.Split(q, "\n") {
			_, _ = query.Fprintln(w, "  "+line)
		}
	}
}
