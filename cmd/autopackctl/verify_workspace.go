package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	apperrors "github.com/hshk99/autopack/internal/errors"
	"github.com/hshk99/autopack/pkg/artifact"
	"github.com/hshk99/autopack/pkg/domain"
)

// allowedRunSubdirs are the only entries artifact.Layout ever writes at a
// run's root; anything else there means some component wrote outside its
// run-local boundary.
var allowedRunSubdirs = map[string]bool{
	"phases": true, "proofs": true, "diagnostics": true,
	"errors": true, "handoff": true, "checkpoints": true,
}

var verifyWorkspaceCmd = &cobra.Command{
	Use:   "verify-workspace",
	Short: "Check the on-disk runs/ layout, pending-moves queue, and drain sessions for structural violations",
	RunE:  runVerifyWorkspace,
}

func runVerifyWorkspace(cmd *cobra.Command, args []string) error {
	deps, err := wireEngine(configPath)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	var violations []string
	violations = append(violations, verifyRunsRoot(deps.cfg.Workspace.RunsRoot)...)
	violations = append(violations, verifyPendingMovesFile(artifact.PendingMovesFile(deps.cfg.Workspace.RunsRoot))...)
	violations = append(violations, verifyDrainSessions(filepath.Join(deps.cfg.Workspace.RunsRoot, "batch_drain_sessions"))...)

	if len(violations) == 0 {
		fmt.Println("workspace structure OK")
		return nil
	}
	for _, v := range violations {
		fmt.Println("violation:", v)
	}
	return errWorkspaceViolation{cause: apperrors.New(apperrors.ErrorTypeValidation,
		fmt.Sprintf("%d workspace structure violation(s)", len(violations)))}
}

func verifyRunsRoot(runsRoot string) []string {
	entries, err := os.ReadDir(runsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{fmt.Sprintf("runs root %q does not exist", runsRoot)}
		}
		return []string{fmt.Sprintf("failed to list runs root %q: %v", runsRoot, err)}
	}

	var violations []string
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "batch_drain_sessions" {
			continue
		}
		runDir := filepath.Join(runsRoot, entry.Name())
		subEntries, err := os.ReadDir(runDir)
		if err != nil {
			violations = append(violations, fmt.Sprintf("failed to list run root %q: %v", runDir, err))
			continue
		}
		for _, sub := range subEntries {
			if !allowedRunSubdirs[sub.Name()] {
				violations = append(violations, fmt.Sprintf("%s: unexpected entry %q outside the run-local artifact layout", runDir, sub.Name()))
			}
		}
	}
	return violations
}

func verifyPendingMovesFile(path string) []string {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return []string{fmt.Sprintf("failed to read pending moves file %q: %v", path, err)}
	}
	var queue domain.PendingMoveQueue
	if err := json.Unmarshal(raw, &queue); err != nil {
		return []string{fmt.Sprintf("pending moves file %q is not valid JSON: %v", path, err)}
	}
	if queue.SchemaVersion != domain.PendingMoveQueueSchemaVersion {
		return []string{fmt.Sprintf("pending moves file %q has schema_version %d, expected %d", path, queue.SchemaVersion, domain.PendingMoveQueueSchemaVersion)}
	}
	return nil
}

func verifyDrainSessions(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return []string{fmt.Sprintf("failed to list batch drain sessions directory %q: %v", dir, err)}
	}

	var violations []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			violations = append(violations, fmt.Sprintf("failed to read batch drain session %q: %v", path, err))
			continue
		}
		var probe map[string]interface{}
		if err := json.Unmarshal(raw, &probe); err != nil {
			violations = append(violations, fmt.Sprintf("batch drain session %q is not valid JSON: %v", path, err))
		}
	}
	return violations
}
