package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	apperrors "github.com/hshk99/autopack/internal/errors"
	"github.com/hshk99/autopack/pkg/domain"
	"github.com/hshk99/autopack/pkg/drain"
	"github.com/hshk99/autopack/pkg/executor"
	"github.com/hshk99/autopack/pkg/store"
)

var (
	drainBatchSize               int
	drainPhaseTimeout            time.Duration
	drainMaxTotalMinutes         int
	drainMaxTimeoutsPerRun       int
	drainMaxAttemptsPerPhase     int
	drainMaxFingerprintRepeats   int
	drainMaxConsecutiveZeroYield int
	drainResume                  bool
	drainRunID                   string
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay FAILED phases under the Batch Drain Controller's stop conditions",
	RunE:  runDrain,
}

func init() {
	drainCmd.Flags().IntVar(&drainBatchSize, "batch-size", 0, "phases replayed concurrently per selection round (0: use config default)")
	drainCmd.Flags().DurationVar(&drainPhaseTimeout, "phase-timeout", 0, "per-attempt timeout (0: use config default)")
	drainCmd.Flags().IntVar(&drainMaxTotalMinutes, "max-total-minutes", 0, "stop the session after this many wall-clock minutes (0: use config default)")
	drainCmd.Flags().IntVar(&drainMaxTimeoutsPerRun, "max-timeouts-per-run", 0, "stop a run after this many phase timeouts (0: use config default)")
	drainCmd.Flags().IntVar(&drainMaxAttemptsPerPhase, "max-attempts-per-phase", 0, "stop retrying one phase after this many attempts (0: use config default)")
	drainCmd.Flags().IntVar(&drainMaxFingerprintRepeats, "max-fingerprint-repeats", 0, "stop a run once the same failure fingerprint repeats this many times (0: use config default)")
	drainCmd.Flags().IntVar(&drainMaxConsecutiveZeroYield, "max-consecutive-zero-yield", 0, "stop a run after this many consecutive zero-yield attempts (0: use config default)")
	drainCmd.Flags().BoolVar(&drainResume, "resume", false, "continue a prior session's fingerprint/stop-condition state (requires a Redis-backed cache)")
	drainCmd.Flags().StringVar(&drainRunID, "run", "", "limit the candidate population to one run_id (default: every run)")
}

func runDrain(cmd *cobra.Command, args []string) error {
	deps, err := wireEngine(configPath)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	limits := deps.cfg.Drain
	drainBatchSize = firstNonZeroInt(drainBatchSize, limits.BatchSize)
	drainLimits := domain.DrainLimits{
		PhaseTimeout:            firstNonZeroDuration(drainPhaseTimeout, limits.PhaseTimeout),
		MaxTotalMinutes:         firstNonZeroInt(drainMaxTotalMinutes, limits.MaxTotalMinutes),
		MaxTimeoutsPerRun:       firstNonZeroInt(drainMaxTimeoutsPerRun, limits.MaxTimeoutsPerRun),
		MaxAttemptsPerPhase:     firstNonZeroInt(drainMaxAttemptsPerPhase, limits.MaxAttemptsPerPhase),
		MaxFingerprintRepeats:   firstNonZeroInt(drainMaxFingerprintRepeats, limits.MaxFingerprintRepeats),
		MaxConsecutiveZeroYield: firstNonZeroInt(drainMaxConsecutiveZeroYield, limits.MaxConsecutiveZeroYield),
	}

	var cache drain.FingerprintCache
	if drainResume {
		if deps.cfg.Redis.Addr == "" {
			return apperrors.New(apperrors.ErrorTypeConfig, "--resume requires redis.addr to be set so fingerprint/stop-condition state survives across invocations")
		}
		cache = drain.NewRedisCache(redis.NewClient(&redis.Options{Addr: deps.cfg.Redis.Addr}), "autopack:drain")
	}

	controller := drain.New(drainLimits, cache, drainBatchSize)

	ctx := context.Background()
	population, err := deps.store.FailedPhases(ctx, store.PhaseFilter{RunID: drainRunID})
	if err != nil {
		return err
	}
	if len(population) == 0 {
		fmt.Println("no FAILED phases to drain")
		return nil
	}

	runner := &executorPhaseRunner{executor: deps.executor}
	result, err := controller.Drain(ctx, population, runner)
	if err != nil {
		return err
	}

	fmt.Printf("drained %d phase(s)\n", len(result.Results))
	if result.Stopped {
		fmt.Printf("session stopped early: %s\n", result.StopDiag)
	}
	return nil
}

func firstNonZeroInt(candidate, fallback int) int {
	if candidate != 0 {
		return candidate
	}
	return fallback
}

func firstNonZeroDuration(candidate, fallback time.Duration) time.Duration {
	if candidate != 0 {
		return candidate
	}
	return fallback
}

// executorPhaseRunner adapts *executor.Executor to drain.PhaseRunner,
// replaying one phase through the full nine-step attempt state machine
// (the same executor the Run Supervisor drives) with the CLI's fixed
// no-op builder standing in for a real LLM provider.
type executorPhaseRunner struct {
	executor *executor.Executor
}

func (r *executorPhaseRunner) RunOnce(ctx context.Context, phase domain.Phase) (drain.RawOutcome, error) {
	start := time.Now()
	result, err := r.executor.RunAttempt(ctx, phase, noopBuilder, "", drainApprovalTimeout)
	if err != nil {
		return drain.RawOutcome{}, err
	}

	raw := drain.RawOutcome{
		FinalState: result.Phase.State,
		DurationS:  time.Since(start).Seconds(),
		Yield:      yieldClassificationFor(result.Outcome),
	}
	if result.Outcome != domain.OutcomeOK {
		raw.ErrorMessage = string(result.Outcome)
	}
	return raw, nil
}

// yieldClassificationFor maps an attempt's terminal outcome to the yield
// classification telemetry.jsonl (and the Drain Controller's own
// fingerprinting) consumes: did the attempt reach the Builder/LLM
// boundary at all, or was it turned away before that.
func yieldClassificationFor(outcome domain.AttemptOutcome) domain.YieldClassification {
	switch outcome {
	case domain.OutcomeApprovalDenied, domain.OutcomeApprovalTimeout:
		return domain.YieldNoBoundary
	case domain.OutcomeBuilderFail, domain.OutcomeTruncated:
		return domain.YieldFailedPreflight
	default:
		return domain.YieldReachedLLM
	}
}
