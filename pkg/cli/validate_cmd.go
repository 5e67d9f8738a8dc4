package cli

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"duck-semantic/internal/declarative"
	"duck-semantic/internal/service/semantic"
)

// reportedError marks a failure the command already printed.
type reportedError struct{ msg string }

func (e *reportedError) Error() string { return e.msg }

func newValidateCmd(rt *runtime) *cobra.Command {
	var allowUnknownFields bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the semantic model offline",
		Long: `Reads the model directory, checks every document and builds the catalog,
resolving every calculation. No backend is contacted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := rt.modelDir()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			// 1. Load the documents.
			model, err := declarative.LoadDirectoryWithOptions(dir, declarative.LoadOptions{
				AllowUnknownFields: allowUnknownFields,
			})
			if err != nil {
				return fmt.Errorf("load model: %w", err)
			}

			// 2. Structural checks, then a full catalog build.
			var problems []string
			for _, ve := range declarative.Validate(model) {
				problems = append(problems, ve.Error())
			}
			if len(problems) == 0 {
				if _, err := semantic.Build(model, rt.logger); err != nil {
					problems = append(problems, err.Error())
				}
			}

			if rt.output == "json" {
				if err := PrintJSON(out, map[string]any{
					"valid":      len(problems) == 0,
					"errors":     problems,
					"tables":     len(model.Tables),
					"metrics":    len(model.Metrics),
					"transforms": len(model.Transforms),
				}); err != nil {
					return err
				}
			} else if len(problems) > 0 {
				_, _ = fmt.Fprintf(out, "%s %d problem(s):\n", color.RedString("Model is invalid:"), len(problems))
				for _, p := range problems {
					_, _ = fmt.Fprintf(out, "  - %s\n", p)
				}
			} else {
				_, _ = fmt.Fprintf(out, "%s %d table(s), %d metric(s), %d transform(s).\n",
					color.GreenString("Model is valid:"), len(model.Tables), len(model.Metrics), len(model.Transforms))
			}

			if len(problems) > 0 {
				return &reportedError{msg: fmt.Sprintf("model has %d problem(s)", len(problems))}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&allowUnknownFields, "allow-unknown-fields", false, "Allow unknown YAML fields in model documents")
	return cmd
}

// isReported reports whether err was already printed by its command.
func isReported(err error) bool {
	var re *reportedError
	return errors.As(err, &re)
}
