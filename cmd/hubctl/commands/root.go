package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hubctl/pkg/engine"
	"github.com/openfroyo/hubctl/pkg/policy"
	"github.com/openfroyo/hubctl/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
	logLevel   string
)

// Exit codes beyond the generic failure.
const (
	ExitFailure   = 1
	ExitExhausted = 2
	ExitPolicy    = 3
	ExitCancelled = 130
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	var exhausted *engine.ExhaustedError
	var violation *policy.ViolationError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exhausted):
		return ExitExhausted
	case errors.As(err, &violation):
		return ExitPolicy
	case engine.IsCancelled(err), errors.Is(err, context.Canceled):
		return ExitCancelled
	default:
		return ExitFailure
	}
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hubctl",
		Short: "hubctl - FinOps hub settings with RBAC-aware retries",
		Long: `hubctl configures the settings of an Azure FinOps hub.

Every write is an idempotent merge of export scopes, version and retention
into config/settings.json. Writes are retried while a freshly granted role
assignment propagates; when retries run out, a read-only diagnostic sweep
explains the likely root cause.

Features:
  - Retry schedule tuned for RBAC propagation
  - Failure classification from SDK errors, text and Starlark rules
  - Diagnostic report of identity, role, network, quota and deployments
  - Scope policy gate via OPA
  - Operation history in SQLite`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logLevel != "" {
				zerolog.SetGlobalLevel(telemetry.ParseLevel(logLevel))
			}
			return nil
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.yaml, .json or .cue)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newDiagnoseCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}
