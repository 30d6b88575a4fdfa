// Command autopackctl is the operator CLI: the subcommand surface
// spec.md §6 names (drain, verify-workspace, tidy, seed-telemetry),
// sharing the same config/database/store wiring cmd/autopack-engine uses
// but never driving a run's event loop directly.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	apperrors "github.com/hshk99/autopack/internal/errors"
)

// exit codes, spec.md §6.
const (
	exitClean              = 0
	exitInvariantViolation = 1
	exitConfigError        = 2
	exitQuotaBlock         = 3
	exitWorkspaceViolation = 4
)

// errWorkspaceViolation marks an error that must exit 4 rather than the
// generic invariant-violation code 1.
type errWorkspaceViolation struct{ cause error }

func (e errWorkspaceViolation) Error() string { return e.cause.Error() }
func (e errWorkspaceViolation) Unwrap() error { return e.cause }

func exitCodeFor(err error) int {
	if err == nil {
		return exitClean
	}
	var wv errWorkspaceViolation
	if asWorkspaceViolation(err, &wv) {
		return exitWorkspaceViolation
	}
	switch apperrors.GetType(err) {
	case apperrors.ErrorTypeConfig:
		return exitConfigError
	case apperrors.ErrorTypeQuotaBlocked:
		return exitQuotaBlock
	default:
		return exitInvariantViolation
	}
}

func asWorkspaceViolation(err error, target *errWorkspaceViolation) bool {
	for err != nil {
		if wv, ok := err.(errWorkspaceViolation); ok {
			*target = wv
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

var configPath string

var rootCmd = &cobra.Command{
	Use:           "autopackctl",
	Short:         "Operator CLI for the autopack engine",
	Long:          "Drains stuck phases, verifies the on-disk workspace layout, consolidates run-local artifacts into source-of-truth ledgers, and seeds telemetry from an existing run.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the engine's YAML config file")
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(verifyWorkspaceCmd)
	rootCmd.AddCommand(tidyCmd)
	rootCmd.AddCommand(seedTelemetryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}
