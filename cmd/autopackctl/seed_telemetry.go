package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	apperrors "github.com/hshk99/autopack/internal/errors"
	"github.com/hshk99/autopack/pkg/domain"
	"github.com/hshk99/autopack/pkg/telemetry"
)

var (
	seedRunID   string
	seedPhaseID string
)

var seedTelemetryCmd = &cobra.Command{
	Use:   "seed-telemetry",
	Short: "Backfill the telemetry sink from a phase's persisted attempt history",
	Long:  "Replays every recorded attempt of one phase (TOKEN_USAGE, then PHASE_OUTCOME) into the telemetry sink, for recovering a lost or truncated telemetry.jsonl from the Run/Phase Store's durable attempt log.",
	RunE:  runSeedTelemetry,
}

func init() {
	seedTelemetryCmd.Flags().StringVar(&seedRunID, "run", "", "run_id the phase belongs to (required)")
	seedTelemetryCmd.Flags().StringVar(&seedPhaseID, "phase", "", "phase_id whose attempt history to replay (required)")
	seedTelemetryCmd.MarkFlagRequired("run")
	seedTelemetryCmd.MarkFlagRequired("phase")
}

func runSeedTelemetry(cmd *cobra.Command, args []string) error {
	deps, err := wireEngine(configPath)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	ctx := context.Background()
	attempts, err := deps.store.PhaseAttempts(ctx, seedPhaseID)
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		return apperrors.NewNotFoundError(fmt.Sprintf("attempt history for phase %s", seedPhaseID))
	}

	sinkPath := filepath.Join(deps.cfg.Workspace.RunsRoot, "telemetry.jsonl")
	sink, err := telemetry.Open(sinkPath)
	if err != nil {
		return err
	}
	defer sink.Close()

	for _, attempt := range attempts {
		if err := sink.Record(ctx, domain.TelemetryEvent{
			RunID:     seedRunID,
			PhaseID:   seedPhaseID,
			AttemptID: attempt.AttemptID,
			Timestamp: attempt.StartedAt,
			Kind:      domain.EventTokenUsage,
			Payload: map[string]interface{}{
				"role":       string(attempt.Role),
				"model_id":   attempt.ModelID,
				"tokens_in":  attempt.TokensIn,
				"tokens_out": attempt.TokensOut,
			},
		}); err != nil {
			return err
		}
		if err := sink.Record(ctx, domain.TelemetryEvent{
			RunID:     seedRunID,
			PhaseID:   seedPhaseID,
			AttemptID: attempt.AttemptID,
			Timestamp: attempt.StartedAt,
			Kind:      domain.EventPhaseOutcome,
			Payload: map[string]interface{}{
				"outcome": string(attempt.Outcome),
			},
		}); err != nil {
			return err
		}
	}

	fmt.Printf("seeded %d attempt(s) for phase %s into %s\n", len(attempts), seedPhaseID, sinkPath)
	return nil
}
