// Package cli implements the semantic command-line interface.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"duck-semantic/internal/config"
)

var (
	version = "dev"
	commit  = "none"
)

// runtime is the resolved configuration shared by every subcommand. It is
// filled by the root command's PersistentPreRunE.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	output string
}

// Execute runs the CLI.
func Execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		if isReported(err) {
			return 1
		}
		output, _ := rootCmd.PersistentFlags().GetString("output")
		if output == "json" {
			_ = PrintJSON(os.Stdout, map[string]any{"error": err.Error()})
		} else {
			fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		}
		return 1
	}
	return 0
}

// defaultOutput prints tables to a terminal and JSON to pipes.
func defaultOutput() string {
	if term.IsTerminal(int(os.Stdout.Fd())) { //nolint:gosec // fd fits in int
		return "table"
	}
	return "json"
}

func newRootCmd() *cobra.Command {
	var (
		modelDir string
		backend  string
		dataDir  string
		dbPath   string
		output   string
		logLevel string
		envFile  string
		noColor  bool
	)
	rt := &runtime{}

	rootCmd := &cobra.Command{
		Use:           "semantic",
		Short:         "Semantic layer over DuckDB, SQLite and in-memory data",
		Long:          "Declare tables, dimensions and metrics once, then query them by name.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			// Precedence: flag > env > default
			flags := cmd.Flags()
			if flags.Changed("models") {
				cfg.ModelDir = modelDir
			}
			if flags.Changed("backend") {
				switch b := strings.ToLower(backend); b {
				case config.BackendDuckDB, config.BackendSQLite, config.BackendMemory:
					cfg.Backend = b
				default:
					return fmt.Errorf("unknown backend %q: use duckdb, sqlite or memory", backend)
				}
			}
			if flags.Changed("data") {
				cfg.DataDir = dataDir
			}
			if flags.Changed("db") {
				cfg.DuckDBPath, cfg.SQLitePath = dbPath, dbPath
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if !flags.Changed("output") {
				if v := os.Getenv("SEMANTIC_OUTPUT"); v != "" {
					output = v
				} else {
					output = defaultOutput()
				}
			}
			if err := validateOutputFormat(output); err != nil {
				return err
			}
			if noColor {
				color.NoColor = true
			}

			rt.cfg = cfg
			rt.output = output
			rt.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.SlogLevel()}))
			for _, w := range cfg.Warnings {
				rt.logger.Warn(w)
			}
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&modelDir, "models", "m", "", "Model directory (overrides MODEL_DIR)")
	pf.StringVar(&backend, "backend", "", "Backend: duckdb, sqlite or memory (overrides BACKEND)")
	pf.StringVar(&dataDir, "data", "", "Directory of CSV files loaded into the backend (overrides DATA_DIR)")
	pf.StringVar(&dbPath, "db", "", "Database file of the SQL backend; empty is in-memory")
	pf.StringVarP(&output, "output", "o", "table", "Output format (table, json); defaults to json when not a terminal")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	pf.StringVar(&envFile, "env-file", ".env", "Dotenv file read before the environment")
	pf.BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(newQueryCmd(rt))
	rootCmd.AddCommand(newExplainCmd(rt))
	rootCmd.AddCommand(newValidateCmd(rt))
	rootCmd.AddCommand(newCatalogCmd(rt))
	rootCmd.AddCommand(newServeCmd(rt))
	rootCmd.AddCommand(newVersionCmd(rt))
	rootCmd.AddCommand(newCompletionCmd())

	return rootCmd
}

func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(out)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			default:
				return fmt.Errorf("unsupported shell: %s", args[0])
			}
		},
	}
}
