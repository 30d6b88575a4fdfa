package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	apperrors "github.com/hshk99/autopack/internal/errors"
	"github.com/hshk99/autopack/pkg/pendingmoves"
	"github.com/hshk99/autopack/pkg/tidy"
)

var (
	tidyExecute bool
	tidyDryRun  bool
)

var tidyCmd = &cobra.Command{
	Use:   "tidy",
	Short: "Consolidate run-local artifacts into source-of-truth ledgers and archive buckets",
	RunE:  runTidy,
}

func init() {
	tidyCmd.Flags().BoolVar(&tidyExecute, "execute", false, "perform the consolidation pass")
	tidyCmd.Flags().BoolVar(&tidyDryRun, "dry-run", false, "report what would be routed without moving anything")
}

func runTidy(cmd *cobra.Command, args []string) error {
	if tidyExecute == tidyDryRun {
		return apperrors.New(apperrors.ErrorTypeConfig, "exactly one of --execute or --dry-run must be set")
	}

	deps, err := wireEngine(configPath)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	protection := deps.policies.GetProtectionPolicy()
	ledgerPath := filepath.Join(deps.cfg.Workspace.RunsRoot, "sot_ledger.jsonl")
	ledger, err := tidy.NewFileLedger(ledgerPath)
	if err != nil {
		return err
	}
	pendingQueue := pendingmoves.New(filepath.Join(deps.cfg.Workspace.RunsRoot, "tidy_pending_moves.json"))

	consolidator := tidy.New(&protection, ledger, pendingQueue)
	if tidyDryRun {
		consolidator.SetDryRun(true)
	}

	archiveRoot := filepath.Join(deps.cfg.Workspace.RunsRoot, "archive")
	ctx := context.Background()

	total := tidy.Result{}
	for _, pass := range []func(context.Context, string, string) (tidy.Result, error){
		consolidator.RunDirectories,
	} {
		res, err := pass(ctx, deps.cfg.Workspace.RunsRoot, archiveRoot)
		if err != nil {
			return err
		}
		total.Routed = append(total.Routed, res.Routed...)
		total.Skipped = append(total.Skipped, res.Skipped...)
		total.Deferred = append(total.Deferred, res.Deferred...)
	}

	mode := "routed"
	if tidyDryRun {
		mode = "would route"
	}
	fmt.Printf("%s %d artifact(s), skipped %d (already in ledger), deferred %d (locked destination)\n",
		mode, len(total.Routed), len(total.Skipped), len(total.Deferred))
	return nil
}
