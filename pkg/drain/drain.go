// Package drain is the Batch Drain Controller (C13): it replays a
// population of FAILED phases through the Phase Executor under strict,
// adaptive budgets, prioritizing failures most likely to be transient and
// giving up early on a run that is clearly stuck.
package drain

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hshk99/autopack/pkg/domain"
)

// RawOutcome is what a caller-supplied PhaseRunner reports for one replay
// attempt; the Controller derives the fingerprint and yield-per-minute
// from it rather than the runner pre-computing them, keeping the runner
// itself a thin adapter over the Phase Executor. Yield is the one
// classification the runner reports directly; the Controller copies it.
type RawOutcome struct {
	FinalState               domain.PhaseState
	ErrorMessage             string
	SubprocessReturnCode     int
	DurationS                float64
	TelemetryEventsCollected int
	Yield                    domain.YieldClassification
}

// PhaseRunner drives one phase through the Phase Executor (and whatever
// subprocess/telemetry plumbing a concrete deployment wires) and reports
// its raw outcome. The Controller depends only on this narrow interface,
// not on pkg/executor's concrete types.
type PhaseRunner interface {
	RunOnce(ctx context.Context, phase domain.Phase) (RawOutcome, error)
}

// Clock lets tests control "now" without relying on wall-clock time.
type Clock func() time.Time

// Controller runs one batch-drain session: selection, sample-first
// triage, fingerprint dedup, and the configured stop conditions.
type Controller struct {
	limits    domain.DrainLimits
	cache     FingerprintCache
	batchSize int
	clock     Clock

	mu              sync.Mutex
	sampledRuns     map[string]bool
	timeoutsPerRun  map[string]int
	zeroYieldStreak map[string]int
}

// New builds a Controller. cache may be nil, in which case an in-process
// FingerprintCache is used (graceful degrade when no Redis is configured).
func New(limits domain.DrainLimits, cache FingerprintCache, batchSize int) *Controller {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Controller{
		limits:          limits,
		cache:           cache,
		batchSize:       batchSize,
		clock:           time.Now,
		sampledRuns:     map[string]bool{},
		timeoutsPerRun:  map[string]int{},
		zeroYieldStreak: map[string]int{},
	}
}

// SetClock overrides the Controller's notion of "now", for tests.
func (c *Controller) SetClock(clock Clock) {
	c.clock = clock
}

// FingerprintStopped reports whether fingerprint has tripped
// max_fingerprint_repeats for this session.
func (c *Controller) FingerprintStopped(ctx context.Context, fingerprint string) (bool, error) {
	return c.cache.IsStoppedFingerprint(ctx, fingerprint)
}

func (c *Controller) now() time.Time {
	if c.clock == nil {
		return time.Now()
	}
	return c.clock()
}

// SelectCandidates orders population by selection priority (spec.md
// §4.13: unknown failures first, timeouts last; lower phase_index first
// within a bucket), drops phases belonging to a stopped run, and returns
// at most one phase per run_id so the one-QUEUED-phase-per-run invariant
// holds even before the phase is dispatched.
func (c *Controller) SelectCandidates(ctx context.Context, population []domain.Phase) ([]domain.Phase, error) {
	sorted := make([]domain.Phase, len(population))
	copy(sorted, population)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := classifyPriority(sorted[i].LastFailureReason), classifyPriority(sorted[j].LastFailureReason)
		if pi != pj {
			return pi < pj
		}
		return sorted[i].PhaseIndex < sorted[j].PhaseIndex
	})

	var out []domain.Phase
	seenRuns := map[string]bool{}
	for _, phase := range sorted {
		if len(out) >= c.batchSize {
			break
		}
		if seenRuns[phase.RunID] {
			continue
		}
		stopped, err := c.cache.IsStoppedRun(ctx, phase.RunID)
		if err != nil {
			return nil, err
		}
		if stopped {
			continue
		}
		out = append(out, phase)
		seenRuns[phase.RunID] = true
	}
	return out, nil
}

// BatchResult tallies one Drain call's outcome.
type BatchResult struct {
	Results  []domain.DrainResult
	Stopped  bool
	StopDiag string
}

// Drain replays population in priority order, batchSize at a time, until
// the population is exhausted or a session-wide stop condition trips.
func (c *Controller) Drain(ctx context.Context, population []domain.Phase, runner PhaseRunner) (BatchResult, error) {
	var result BatchResult
	start := c.now()
	remaining := make([]domain.Phase, len(population))
	copy(remaining, population)

	for len(remaining) > 0 {
		if c.limits.MaxTotalMinutes > 0 && c.now().Sub(start) >= time.Duration(c.limits.MaxTotalMinutes)*time.Minute {
			result.Stopped = true
			result.StopDiag = "max_total_minutes exceeded"
			return result, nil
		}

		batch, err := c.SelectCandidates(ctx, remaining)
		if err != nil {
			return result, err
		}
		if len(batch) == 0 {
			break
		}

		batchResults := make([]domain.DrainResult, len(batch))
		g, gctx := errgroup.WithContext(ctx)
		for i, phase := range batch {
			i, phase := i, phase
			g.Go(func() error {
				res, err := c.runOne(gctx, phase, runner)
				if err != nil {
					return err
				}
				batchResults[i] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return result, err
		}
		result.Results = append(result.Results, batchResults...)

		remaining = removePhases(remaining, batch)
	}
	return result, nil
}

// runOne executes one phase, records its fingerprint, applies sample-first
// triage, and updates per-run stop-condition counters.
func (c *Controller) runOne(ctx context.Context, phase domain.Phase, runner PhaseRunner) (domain.DrainResult, error) {
	raw, err := runner.RunOnce(ctx, phase)
	if err != nil {
		return domain.DrainResult{}, err
	}

	yieldPerMinute := 0.0
	if raw.DurationS > 0 {
		yieldPerMinute = float64(raw.TelemetryEventsCollected) / (raw.DurationS / 60)
	}

	var fingerprint string
	if raw.FinalState == domain.PhaseFailed {
		fingerprint = Fingerprint(raw.SubprocessReturnCode, raw.ErrorMessage)
	}

	dr := domain.DrainResult{
		RunID:                    phase.RunID,
		PhaseID:                  phase.PhaseID,
		FinalState:               raw.FinalState,
		ErrorDigest:              raw.ErrorMessage,
		SubprocessReturnCode:     raw.SubprocessReturnCode,
		DurationS:                raw.DurationS,
		TelemetryEventsCollected: raw.TelemetryEventsCollected,
		TelemetryYieldPerMinute:  yieldPerMinute,
		Fingerprint:              fingerprint,
		Yield:                    raw.Yield,
	}

	c.mu.Lock()
	firstSample := !c.sampledRuns[phase.RunID]
	c.sampledRuns[phase.RunID] = true
	c.mu.Unlock()

	if fingerprint != "" {
		count, cerr := c.cache.Incr(ctx, fingerprint)
		if cerr == nil && c.limits.MaxFingerprintRepeats > 0 && count >= int64(c.limits.MaxFingerprintRepeats) {
			_ = c.cache.StopFingerprint(ctx, fingerprint)
			_ = c.cache.StopRun(ctx, phase.RunID)
		}
	}

	isTimeout := isTimeoutReason(raw.ErrorMessage) ||
		(c.limits.PhaseTimeout > 0 && time.Duration(raw.DurationS*float64(time.Second)) >= c.limits.PhaseTimeout)
	promising := raw.FinalState == domain.PhaseComplete || yieldPerMinute > 0 || isTimeout

	if firstSample && !promising {
		_ = c.cache.StopRun(ctx, phase.RunID)
	}

	c.mu.Lock()
	if yieldPerMinute <= 0 {
		c.zeroYieldStreak[phase.RunID]++
	} else {
		c.zeroYieldStreak[phase.RunID] = 0
	}
	if isTimeout {
		c.timeoutsPerRun[phase.RunID]++
	}
	exceededZeroYield := c.limits.MaxConsecutiveZeroYield > 0 && c.zeroYieldStreak[phase.RunID] >= c.limits.MaxConsecutiveZeroYield
	exceededTimeouts := c.limits.MaxTimeoutsPerRun > 0 && c.timeoutsPerRun[phase.RunID] >= c.limits.MaxTimeoutsPerRun
	c.mu.Unlock()

	if exceededZeroYield || exceededTimeouts {
		_ = c.cache.StopRun(ctx, phase.RunID)
	}

	return dr, nil
}

func removePhases(population, remove []domain.Phase) []domain.Phase {
	removed := map[string]bool{}
	for _, p := range remove {
		removed[p.PhaseID] = true
	}
	var out []domain.Phase
	for _, p := range population {
		if !removed[p.PhaseID] {
			out = append(out, p)
		}
	}
	return out
}
