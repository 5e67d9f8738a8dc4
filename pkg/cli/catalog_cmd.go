package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"duck-semantic/internal/backend/memory"
	"duck-semantic/internal/service/semantic"
)

func newCatalogCmd(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List the metrics and dimensions of the semantic model",
	}

	// Listing needs the catalog only, so it runs on an empty in-memory backend.
	open := func() (*semantic.Service, error) {
		dir, err := rt.modelDir()
		if err != nil {
			return nil, err
		}
		return semantic.NewService(semantic.DirLoader(dir), memory.New(nil, rt.logger), semantic.WithLogger(rt.logger))
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "metrics",
		Short: "List metrics and the dimensions each can be grouped by",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := open()
			if err != nil {
				return err
			}
			metrics, err := svc.ListMetrics()
			if err != nil {
				return err
			}
			if rt.output == "json" {
				return PrintJSON(cmd.OutOrStdout(), metrics)
			}
			rows := make([][]string, len(metrics))
			for i, m := range metrics {
				rows[i] = []string{m.ID, m.Type, m.Format, strings.Join(m.Dimensions, ", ")}
			}
			PrintTable(cmd.OutOrStdout(), []string{"id", "type", "format", "dimensions"}, rows)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "dimensions",
		Short: "List dimensions and their owning tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := open()
			if err != nil {
				return err
			}
			dims := svc.ListDimensions()
			if rt.output == "json" {
				return PrintJSON(cmd.OutOrStdout(), dims)
			}
			rows := make([][]string, len(dims))
			for i, d := range dims {
				rows[i] = []string{d.ID, d.Type, strings.Join(d.Tables, ", ")}
			}
			PrintTable(cmd.OutOrStdout(), []string{"id", "type", "tables"}, rows)
			return nil
		},
	})

	return cmd
}
