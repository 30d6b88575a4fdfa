// Package supervisor is the Run Supervisor (C14): it owns the run's event
// loop, picks the next phase in phase_index order, drives it through the
// Phase Executor, resumes phases parked on an approval decision, and is
// the single writer of Run.state. Phase.state is written by the Phase
// Executor; the Supervisor writes it only for the transitions out of
// APPROVAL_PENDING.
package supervisor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/hshk99/autopack/internal/errors"
	"github.com/hshk99/autopack/pkg/domain"
	"github.com/hshk99/autopack/pkg/executor"
	"github.com/hshk99/autopack/pkg/shared/logging"
)

// RunStore is the Run/Phase Store surface the Supervisor needs to own
// Run.state and to pick the next phase in phase_index order.
type RunStore interface {
	GetRun(ctx context.Context, runID string) (domain.Run, error)
	SetRunState(ctx context.Context, runID string, state domain.RunState) error
	AcquireRunLock(ctx context.Context, runID string) error
	ReleaseRunLock(ctx context.Context, runID string) error
	NextQueuedPhase(ctx context.Context, runID string) (domain.Phase, error)
}

// PhaseStateWriter is the Phase.state write surface the Supervisor needs
// to resume a phase once its approval is decided; the Executor owns every
// other phase-state transition.
type PhaseStateWriter interface {
	SetPhaseState(ctx context.Context, phaseID string, expected, next domain.PhaseState) error
}

// PhaseRunner is the Phase Executor surface the Supervisor drives. A
// narrow interface here keeps the Supervisor swap-testable against a fake
// rather than a real Executor wired to a real router/governance/applier.
type PhaseRunner interface {
	RunAttempt(ctx context.Context, phase domain.Phase, proposalFn executor.BuilderFn, workspaceRoot string, approvalTimeout time.Duration) (executor.Result, error)
}

// ApprovalPoller is the Approval Gateway surface the Supervisor needs to
// resume a phase parked in APPROVAL_PENDING; opening a new approval is the
// Executor's job, not the Supervisor's.
type ApprovalPoller interface {
	Poll(ctx context.Context, approvalID string, now time.Time) (domain.ApprovalRequest, error)
}

// Callbacks is the small callback surface exposed to the control plane
// (spec.md §4.14). Every field may be nil; a nil callback is simply
// skipped.
type Callbacks struct {
	OnPhaseStart        func(phase domain.Phase)
	OnPhaseDone         func(phase domain.Phase, outcome domain.AttemptOutcome)
	OnApprovalRequested func(req domain.ApprovalRequest)
	OnRunFinished       func(run domain.Run)
}

func (c Callbacks) phaseStart(p domain.Phase) {
	if c.OnPhaseStart != nil {
		c.OnPhaseStart(p)
	}
}

func (c Callbacks) phaseDone(p domain.Phase, outcome domain.AttemptOutcome) {
	if c.OnPhaseDone != nil {
		c.OnPhaseDone(p, outcome)
	}
}

func (c Callbacks) approvalRequested(req domain.ApprovalRequest) {
	if c.OnApprovalRequested != nil {
		c.OnApprovalRequested(req)
	}
}

func (c Callbacks) runFinished(r domain.Run) {
	if c.OnRunFinished != nil {
		c.OnRunFinished(r)
	}
}

// KillSwitch reports whether the run must stop immediately. Checked
// between phases and while waiting on an approval decision.
type KillSwitch func() bool

// Clock lets tests control "now" without relying on wall-clock time.
type Clock func() time.Time

// TelemetryRecorder is the Telemetry Sink surface the Supervisor uses to
// record APPROVAL and PHASE_OUTCOME rows as they happen, since it is the
// one component that always has the full Run/Phase context a telemetry
// row needs (run_id, phase_id). Optional: a nil recorder is simply
// skipped, matching the Callbacks' nil-is-skipped convention.
type TelemetryRecorder interface {
	Record(ctx context.Context, event domain.TelemetryEvent) error
}

// Supervisor drives one run's event loop end to end.
type Supervisor struct {
	runs        RunStore
	phases      PhaseStateWriter
	phaseRunner PhaseRunner
	approvals   ApprovalPoller
	logger      *logrus.Logger
	clock       Clock
	telemetry   TelemetryRecorder

	approvalPollInterval time.Duration
}

// New builds a Supervisor. logger may be nil, in which case logrus's
// standard logger is used.
func New(runs RunStore, phases PhaseStateWriter, runner PhaseRunner, approvals ApprovalPoller, logger *logrus.Logger) *Supervisor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Supervisor{
		runs: runs, phases: phases, phaseRunner: runner, approvals: approvals,
		logger: logger, clock: time.Now,
		approvalPollInterval: 5 * time.Second,
	}
}

// SetApprovalPollInterval overrides the default interval between approval
// poll attempts; tests use this to avoid real sleeps.
func (s *Supervisor) SetApprovalPollInterval(d time.Duration) {
	s.approvalPollInterval = d
}

// SetTelemetry wires a Telemetry Sink into the Supervisor. Leaving this
// unset (the default) disables telemetry recording without affecting the
// event loop itself.
func (s *Supervisor) SetTelemetry(t TelemetryRecorder) {
	s.telemetry = t
}

func (s *Supervisor) recordTelemetry(ctx context.Context, event domain.TelemetryEvent) {
	if s.telemetry == nil {
		return
	}
	if err := s.telemetry.Record(ctx, event); err != nil {
		s.logger.WithFields(logging.NewFields().Component("supervisor").RunID(event.RunID).PhaseID(event.PhaseID).Error(err).ToLogrus()).
			Warn("failed to record telemetry event")
	}
}

func (s *Supervisor) now() time.Time {
	if s.clock == nil {
		return time.Now()
	}
	return s.clock()
}

// RunOptions parameterizes one RunRun call.
type RunOptions struct {
	WorkspaceRoot   string
	ProposalFn      executor.BuilderFn
	ApprovalTimeout time.Duration
	Kill            KillSwitch
	Callbacks       Callbacks
}

// RunRun drives runID's event loop to completion: it acquires the run's
// advisory lock, repeatedly picks the lowest phase_index QUEUED phase and
// drives it through the Phase Executor, resumes any phase parked in
// APPROVAL_PENDING once its approval is decided, and finishes the run once
// no queued phases remain (or a kill switch trips).
func (s *Supervisor) RunRun(ctx context.Context, runID string, opts RunOptions) (domain.Run, error) {
	if err := s.runs.AcquireRunLock(ctx, runID); err != nil {
		return domain.Run{}, err
	}
	defer func() {
		if err := s.runs.ReleaseRunLock(ctx, runID); err != nil {
			s.logger.WithFields(logging.NewFields().Component("supervisor").RunID(runID).Error(err).ToLogrus()).
				Error("release run lock failed")
		}
	}()

	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if err := s.runs.SetRunState(ctx, runID, domain.RunExecuting); err != nil {
		return domain.Run{}, err
	}
	run.State = domain.RunExecuting

	anyFailed := false
	finalState := domain.RunDoneSuccess

	for {
		if opts.Kill != nil && opts.Kill() {
			finalState = domain.RunDoneAborted
			break
		}

		phase, err := s.runs.NextQueuedPhase(ctx, runID)
		if apperrors.IsNotFound(err) {
			break
		}
		if err != nil {
			return domain.Run{}, err
		}

		opts.Callbacks.phaseStart(phase)
		outcome, failed, aborted, err := s.drivePhase(ctx, phase, opts)
		if err != nil {
			return domain.Run{}, err
		}
		if aborted {
			finalState = domain.RunDoneAborted
			break
		}
		if failed {
			anyFailed = true
		}
		s.recordTelemetry(ctx, domain.TelemetryEvent{
			RunID:   phase.RunID,
			PhaseID: phase.PhaseID,
			Kind:    domain.EventPhaseOutcome,
			Payload: map[string]interface{}{"outcome": string(outcome)},
		})
		opts.Callbacks.phaseDone(phase, outcome)
	}

	if finalState == domain.RunDoneSuccess && anyFailed {
		finalState = domain.RunDoneFailed
	}
	if err := s.runs.SetRunState(ctx, runID, finalState); err != nil {
		return domain.Run{}, err
	}
	run.State = finalState
	opts.Callbacks.runFinished(run)
	return run, nil
}

// drivePhase runs phase through the Executor, resuming across any number
// of APPROVAL_PENDING parks until the phase reaches COMPLETE or FAILED (or
// the kill switch trips while waiting on a decision).
func (s *Supervisor) drivePhase(ctx context.Context, phase domain.Phase, opts RunOptions) (outcome domain.AttemptOutcome, failed, aborted bool, err error) {
	for {
		result, err := s.phaseRunner.RunAttempt(ctx, phase, opts.ProposalFn, opts.WorkspaceRoot, opts.ApprovalTimeout)
		if err != nil {
			return "", false, false, err
		}
		phase = result.Phase

		if phase.State != domain.PhaseApprovalPending {
			return result.Outcome, phase.State == domain.PhaseFailed, false, nil
		}

		if result.ParkedApproval == nil {
			return result.Outcome, false, false, apperrors.New(apperrors.ErrorTypeInternal, "phase parked without an approval request")
		}
		opts.Callbacks.approvalRequested(*result.ParkedApproval)

		decision, stillPending, err := s.waitForApproval(ctx, result.ParkedApproval.ApprovalID, opts.Kill)
		if err != nil {
			return "", false, false, err
		}
		if stillPending {
			// kill switch tripped while the approval was still undecided;
			// leave the phase parked in APPROVAL_PENDING for a future run.
			return "", false, true, nil
		}

		s.recordTelemetry(ctx, domain.TelemetryEvent{
			RunID:   phase.RunID,
			PhaseID: phase.PhaseID,
			Kind:    domain.EventApproval,
			Payload: map[string]interface{}{
				"decision":    string(decision),
				"approval_id": result.ParkedApproval.ApprovalID,
			},
		})

		switch decision {
		case domain.ApprovalApproved:
			if err := s.phases.SetPhaseState(ctx, phase.PhaseID, domain.PhaseApprovalPending, domain.PhaseExecuting); err != nil {
				return "", false, false, err
			}
			phase.State = domain.PhaseExecuting
			continue
		case domain.ApprovalDenied:
			if err := s.phases.SetPhaseState(ctx, phase.PhaseID, domain.PhaseApprovalPending, domain.PhaseFailed); err != nil {
				return "", false, false, err
			}
			return domain.OutcomeApprovalDenied, true, false, nil
		default: // domain.ApprovalTimedOut
			if err := s.phases.SetPhaseState(ctx, phase.PhaseID, domain.PhaseApprovalPending, domain.PhaseFailed); err != nil {
				return "", false, false, err
			}
			return domain.OutcomeApprovalTimeout, true, false, nil
		}
	}
}

// waitForApproval polls approvalID until it leaves PENDING or kill trips,
// in which case stillPending reports true and decision is meaningless.
func (s *Supervisor) waitForApproval(ctx context.Context, approvalID string, kill KillSwitch) (decision domain.ApprovalDecision, stillPending bool, err error) {
	for {
		if kill != nil && kill() {
			return "", true, nil
		}
		req, err := s.approvals.Poll(ctx, approvalID, s.now())
		if err != nil {
			return "", false, err
		}
		if req.Decision != domain.ApprovalPending {
			return req.Decision, false, nil
		}
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(s.approvalPollInterval):
		}
	}
}
