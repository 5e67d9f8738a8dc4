package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"duck-semantic/internal/service/semantic"
)

// queryFlags are shared by query and explain.
type queryFlags struct {
	dims    []string
	filters []string
	order   []string
	limit   int
}

func (f *queryFlags) register(fs *pflag.FlagSet) {
	// StringArray keeps commas inside transform arguments intact.
	fs.StringArrayVarP(&f.dims, "by", "b", nil, "Dimension to group by, e.g. country or created_at.year() (repeatable)")
	fs.StringArrayVarP(&f.filters, "filter", "f", nil, "Boolean dimension filter, e.g. status.eq('paid') (repeatable)")
	fs.StringArrayVar(&f.order, "order-by", nil, "Output column to order by, optionally followed by asc or desc (repeatable)")
	fs.IntVar(&f.limit, "limit", 0, "Maximum number of rows; 0 keeps every row")
}

func (f *queryFlags) request(metrics []string) semantic.QueryRequest {
	req := semantic.QueryRequest{
		Metrics:    metrics,
		Dimensions: f.dims,
		Filters:    f.filters,
		OrderBy:    f.order,
	}
	if f.limit > 0 {
		req.Limit = &f.limit
	}
	return req
}

func newQueryCmd(rt *runtime) *cobra.Command {
	var flags queryFlags
	cmd := &cobra.Command{
		Use:   "query METRIC [METRIC...]",
		Short: "Run a semantic query",
		Long: `Run a semantic query and print its rows.

Metrics accept transform chains such as revenue.top(3, within=region) or
revenue.percent(of=country).`,
		Example: `  semantic query revenue aov --by country --order-by "revenue desc" --limit 5`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := rt.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn() //nolint:errcheck

			res, err := svc.Query(cmd.Context(), flags.request(args))
			if err != nil {
				return err
			}
			if rt.output == "json" {
				return PrintJSON(cmd.OutOrStdout(), res)
			}
			names := make([]string, len(res.Columns))
			for i, c := range res.Columns {
				names[i] = c.Name
			}
			PrintTable(cmd.OutOrStdout(), names, formatRows(res.Rows))
			return nil
		},
	}
	flags.register(cmd.Flags())
	return cmd
}
