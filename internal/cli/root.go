// Package cli implements enforcectl, the operator tool for the gateway's
// ledger and configuration snapshot. It works on local storage directly and
// does not need the gateway to be running.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/upb/llm-enforcement-gateway/config"
	"go.uber.org/zap"
)

// options holds flags shared by every command
type options struct {
	outputFormat string
	ledgerDriver string
	sqlitePath   string
	snapshotPath string

	// loadConfig is replaced in tests
	loadConfig func(ctx context.Context) (*config.Config, error)
	logger     *zap.Logger
}

// config loads the environment configuration and applies flag overrides
func (o *options) config(ctx context.Context) (*config.Config, error) {
	cfg, err := o.loadConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if o.ledgerDriver != "" {
		cfg.Ledger.Driver = o.ledgerDriver
	}
	if o.sqlitePath != "" {
		cfg.Ledger.SQLitePath = o.sqlitePath
	}
	if o.snapshotPath != "" {
		cfg.Enforcement.SnapshotPath = o.snapshotPath
	}
	return cfg, nil
}

// NewRootCommand builds the enforcectl command tree
func NewRootCommand() *cobra.Command {
	return newRootCommand(&options{loadConfig: config.New, logger: zap.NewNop()})
}

func newRootCommand(opts *options) *cobra.Command {
	root := &cobra.Command{
		Use:   "enforcectl",
		Short: "Operate the LLM enforcement gateway's ledger and configuration",
		Long: `enforcectl inspects and maintains the audit ledger and the enforcement
configuration snapshot used by the gateway. Settings come from the same
environment variables as the gateway; flags override them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.outputFormat, "output", "o", "table", "output format: table, json, yaml")
	root.PersistentFlags().StringVar(&opts.ledgerDriver, "ledger-driver", "", "ledger driver: sqlite or postgres (default from LEDGER_DRIVER)")
	root.PersistentFlags().StringVar(&opts.sqlitePath, "sqlite-path", "", "SQLite ledger path (default from LEDGER_SQLITE_PATH)")
	root.PersistentFlags().StringVar(&opts.snapshotPath, "snapshot", "", "configuration snapshot file (default from ENFORCEMENT_CONFIG_PATH)")

	root.AddCommand(
		newHashPasswordCommand(),
		newTokenCommand(opts),
		newStatsCommand(opts),
		newEventsCommand(opts),
		newPruneCommand(opts),
		newSnapshotCommand(opts),
	)
	return root
}

// Execute runs enforcectl with os.Args
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// out returns the command's configured stdout
func out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
