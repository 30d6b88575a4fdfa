// Package testbaseline is the Test Baseline Tracker (C8): it captures the
// T0 pass/fail set at a run's first test execution and, on every
// subsequent run, computes the deduped delta of genuinely new failures -
// retrying each exactly once to filter out flakes - so the Finalizer's CI
// gate never blocks on a failure that predates the run.
package testbaseline

import (
	"context"
	"time"

	apperrors "github.com/hshk99/autopack/internal/errors"
	"github.com/hshk99/autopack/pkg/domain"
)

// Runner executes the test suite and reports the set of failing test IDs.
// The shipped adapter (GoTestRunner) shells out to `go test -json`;
// callers may plug in any Runner that reports failures the same way.
type Runner interface {
	Run(ctx context.Context, workspaceRoot string) (failures []string, err error)
}

// Store persists the T0 baseline for a run.
type Store interface {
	GetBaseline(ctx context.Context, runID string) (domain.TestBaseline, error)
	SaveBaseline(ctx context.Context, baseline domain.TestBaseline) error
}

// Tracker is the Test Baseline Tracker.
type Tracker struct {
	runner Runner
	store  Store
}

// New builds a Tracker.
func New(runner Runner, store Store) *Tracker {
	return &Tracker{runner: runner, store: store}
}

// DeltaResult is the outcome of one RunAndDelta call: the deduped set of
// new failures the Finalizer's CI gate must consider, after one flaky
// retry has excluded any failure that passed on a second attempt.
type DeltaResult struct {
	CurrentFailures []string
	NewFailures     []string
	FlakyExcluded   []string
}

// RunAndDelta runs the test suite for runID under workspaceRoot. On the
// run's first invocation it captures and persists T0 (every failure is
// pre-existing by definition, so NewFailures is empty). On every
// subsequent invocation it computes new_failures = current \ t0, retries
// each new failure once, and excludes any that passes on retry.
func (t *Tracker) RunAndDelta(ctx context.Context, runID, workspaceRoot string) (DeltaResult, error) {
	current, err := t.runner.Run(ctx, workspaceRoot)
	if err != nil {
		return DeltaResult{}, apperrors.Wrap(err, apperrors.ErrorTypeTestRegression, "failed to run test suite")
	}

	baseline, err := t.store.GetBaseline(ctx, runID)
	if apperrors.IsNotFound(err) {
		baseline = domain.TestBaseline{RunID: runID, T0Failures: current, CapturedAt: time.Now().UTC()}
		if saveErr := t.store.SaveBaseline(ctx, baseline); saveErr != nil {
			return DeltaResult{}, saveErr
		}
		return DeltaResult{CurrentFailures: current}, nil
	}
	if err != nil {
		return DeltaResult{}, err
	}

	t0 := toSet(baseline.T0Failures)
	var candidates []string
	for _, f := range current {
		if !t0[f] {
			candidates = append(candidates, f)
			t0[f] = true
		}
	}
	if len(candidates) == 0 {
		return DeltaResult{CurrentFailures: current}, nil
	}

	retryFailures, err := t.runner.Run(ctx, workspaceRoot)
	if err != nil {
		return DeltaResult{}, apperrors.Wrap(err, apperrors.ErrorTypeTestRegression, "failed to run flaky retry")
	}
	retrySet := toSet(retryFailures)

	result := DeltaResult{CurrentFailures: current}
	for _, f := range candidates {
		if retrySet[f] {
			result.NewFailures = append(result.NewFailures, f)
		} else {
			result.FlakyExcluded = append(result.FlakyExcluded, f)
		}
	}
	return result, nil
}

func toSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}
