// Package executor is the Phase Executor (C10): the per-phase state
// machine that drives one attempt through routing, the Builder call,
// governance, apply, the optional Auditor pass, tests, and finalization,
// deciding whether to retry, park for approval, or fail the phase.
package executor

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/hshk99/autopack/internal/errors"
	"github.com/hshk99/autopack/pkg/apply"
	"github.com/hshk99/autopack/pkg/domain"
	"github.com/hshk99/autopack/pkg/finalizer"
	"github.com/hshk99/autopack/pkg/governance"
	"github.com/hshk99/autopack/pkg/llm"
	"github.com/hshk99/autopack/pkg/memory"
	"github.com/hshk99/autopack/pkg/router"
	"github.com/hshk99/autopack/pkg/testbaseline"
)

// structuredEditsFileLimit is the scope size at which a truncated Builder
// call falls back to structured_edits instead of continuation recovery
// (spec.md §4.10).
const structuredEditsFileLimit = 30

// maxProviderRetries bounds the Executor's own jittered retry of
// transient provider errors, independent of attempts_used (spec.md §7).
const maxProviderRetries = 3

// PhaseStore is the narrow slice of pkg/store.Store the Executor writes
// through: phase state transitions and the append-only attempt log.
type PhaseStore interface {
	SetPhaseState(ctx context.Context, phaseID string, expected, next domain.PhaseState) error
	RecordAttempt(ctx context.Context, attempt domain.Attempt) error
	PhaseAttempts(ctx context.Context, phaseID string) ([]domain.Attempt, error)
}

// ApprovalOpener is the Approval Gateway's write surface the Executor
// needs: opening a new approval request when governance requires one, and
// looking up whether a phase already carries a decided one from a prior
// attempt.
type ApprovalOpener interface {
	Open(ctx context.Context, approvalID, phaseID, proposalID string, risk domain.RiskAssessment, timeout time.Duration, now time.Time) (domain.ApprovalRequest, error)
	Poll(ctx context.Context, approvalID string, now time.Time) (domain.ApprovalRequest, error)
	// FindByPhase returns phaseID's most recently opened approval request.
	// A not-found error means phaseID has never parked on an approval.
	FindByPhase(ctx context.Context, phaseID string) (domain.ApprovalRequest, error)
}

// TestRunner is the subset of the Test Baseline Tracker the Executor
// drives per attempt.
type TestRunner interface {
	RunAndDelta(ctx context.Context, runID, workspaceRoot string) (testbaseline.DeltaResult, error)
}

// Clock lets tests control "now" without relying on wall-clock time.
type Clock func() time.Time

// Executor drives one phase's attempts to completion, parking for
// approval, or failure.
type Executor struct {
	store     PhaseStore
	router    *router.Router
	gate      *governance.Gate
	approvals ApprovalOpener
	applier   *apply.Applier
	tests     TestRunner
	finalizer *finalizer.Finalizer
	builder   llm.Caller
	auditor   llm.Caller // nil when dual audit is not required
	mem       memory.Retriever
	clock     Clock
}

// New builds an Executor. auditor may be nil when the active policy does
// not require a dual-audit pass. The Memory Interface (C16) defaults to
// a no-op retriever; wire a real one with SetMemory.
func New(store PhaseStore, r *router.Router, gate *governance.Gate, approvals ApprovalOpener, applier *apply.Applier, tests TestRunner, fin *finalizer.Finalizer, builder, auditor llm.Caller) *Executor {
	return &Executor{
		store: store, router: r, gate: gate, approvals: approvals,
		applier: applier, tests: tests, finalizer: fin,
		builder: builder, auditor: auditor, mem: memory.Noop{}, clock: time.Now,
	}
}

// SetMemory wires a Memory Interface retriever. A nil retriever restores
// the no-op default rather than leaving deep retrieval consulting memory
// at all.
func (e *Executor) SetMemory(m memory.Retriever) {
	if m == nil {
		m = memory.Noop{}
	}
	e.mem = m
}

// Result is one RunAttempt call's outcome.
type Result struct {
	Outcome         domain.AttemptOutcome
	FinalizerResult domain.FinalizerDecision
	ParkedApproval  *domain.ApprovalRequest
	Phase           domain.Phase
}

// RunAttempt drives phase through one attempt of the nine-step state
// machine. workspaceRoot is the phase's checked-out workspace;
// approvalTimeout bounds how long a newly-opened approval stays PENDING
// before auto-expiring.
func (e *Executor) RunAttempt(ctx context.Context, phase domain.Phase, proposalFn BuilderFn, workspaceRoot string, approvalTimeout time.Duration) (Result, error) {
	// Step 1: preflight.
	if err := preflight(phase); err != nil {
		return Result{Phase: phase}, err
	}

	hints, err := e.loadHints(ctx, phase.PhaseID)
	if err != nil {
		return Result{Phase: phase}, err
	}

	// Step 2: routing.
	role := domain.RoleBuilder
	sel, err := e.router.SelectModel(ctx, phase.Category, phase.AttemptsUsed+1, role, phase.Complexity)
	if err != nil {
		return Result{Phase: phase}, err
	}

	attemptIndex := phase.AttemptsUsed + 1
	attempt := domain.Attempt{
		AttemptID:    uuid.New().String(),
		PhaseID:      phase.PhaseID,
		AttemptIndex: attemptIndex,
		Role:         role,
		ModelID:      sel.ModelID,
		StartedAt:    e.now(),
	}

	var deepRetrieval string
	if attemptIndex >= 3 {
		deepRetrieval = boundedRetrieval(hints, e.retrieveMemory(ctx, phase))
	}

	// Step 3: Builder call, with continuation recovery / structured-edits
	// fallback on truncation.
	proposal, resp, err := e.callBuilder(ctx, phase, sel, hints, deepRetrieval, proposalFn)
	attempt.TokensIn = resp.TokensIn
	attempt.TokensOut = resp.TokensOut
	if err != nil {
		attempt.Outcome = domain.OutcomeBuilderFail
		e.finishAttempt(ctx, attempt)
		return e.retryOrFail(ctx, phase, domain.OutcomeBuilderFail)
	}

	// Step 4: risk & governance.
	risk, ruling, err := e.gate.Evaluate(ctx, proposal, phase)
	if err != nil {
		attempt.Outcome = domain.OutcomeApplyFail
		e.finishAttempt(ctx, attempt)
		return e.retryOrFail(ctx, phase, domain.OutcomeApplyFail)
	}
	approvalGranted := false
	switch ruling {
	case domain.RulingReject:
		attempt.Outcome = domain.OutcomeApplyFail
		e.finishAttempt(ctx, attempt)
		return e.retryOrFail(ctx, phase, domain.OutcomeApplyFail)
	case domain.RulingRequireApproval:
		granted, err := e.phaseAlreadyApproved(ctx, phase.PhaseID)
		if err != nil {
			return Result{Phase: phase}, err
		}
		if !granted {
			approvalID := uuid.New().String()
			req, err := e.approvals.Open(ctx, approvalID, phase.PhaseID, proposal.ProposalID, risk, approvalTimeout, e.now())
			if err != nil {
				return Result{Phase: phase}, err
			}
			if err := e.store.SetPhaseState(ctx, phase.PhaseID, phase.State, domain.PhaseApprovalPending); err != nil {
				return Result{Phase: phase}, err
			}
			phase.State = domain.PhaseApprovalPending
			return Result{Outcome: domain.OutcomeApprovalTimeout, ParkedApproval: &req, Phase: phase}, nil
		}
		// The phase is resuming after an operator already approved a
		// prior attempt's proposal for this same phase; governance's
		// REQUIRE_APPROVAL ruling on the regenerated proposal is
		// satisfied by that decision, so this attempt proceeds straight
		// to apply instead of parking on yet another approval.
		approvalGranted = true
	}

	// Step 5: apply.
	applyResult, err := e.applier.Apply(ctx, proposal, phase, workspaceRoot)
	if err != nil {
		attempt.Outcome = domain.OutcomeApplyFail
		attempt.ErrorDigest = err.Error()
		e.finishAttempt(ctx, attempt)
		return e.retryOrFail(ctx, phase, domain.OutcomeApplyFail)
	}

	// Step 6: Auditor (dual audit), when configured.
	if e.auditor != nil {
		auditResp, err := e.auditor.Call(ctx, llm.Request{Role: string(domain.RoleAuditor), ModelID: sel.ModelID})
		if err == nil && auditResp.StopReason == llm.StopError {
			_ = e.applier.Rollback(ctx, applyResult.SavePointID, phase.RunID, phase.PhaseID, workspaceRoot, touchedPaths(applyResult))
			attempt.Outcome = domain.OutcomeQualityBlock
			e.finishAttempt(ctx, attempt)
			return e.retryOrFail(ctx, phase, domain.OutcomeQualityBlock)
		}
	}

	// Step 7: tests.
	delta, err := e.tests.RunAndDelta(ctx, phase.RunID, workspaceRoot)
	if err != nil {
		_ = e.applier.Rollback(ctx, applyResult.SavePointID, phase.RunID, phase.PhaseID, workspaceRoot, touchedPaths(applyResult))
		attempt.Outcome = domain.OutcomeTestRegression
		e.finishAttempt(ctx, attempt)
		return e.retryOrFail(ctx, phase, domain.OutcomeTestRegression)
	}

	// Step 8: finalize.
	decision := e.finalizer.Finalize(ctx, finalizer.Input{
		Phase: phase, Proposal: proposal, Apply: applyResult, TestDelta: delta,
		Risk: risk, ApprovalGranted: ruling == domain.RulingAutoApprove || approvalGranted,
		WorkspaceRoot: workspaceRoot,
	})

	switch decision.Outcome {
	case domain.FinalizerComplete:
		attempt.Outcome = domain.OutcomeOK
		e.finishAttempt(ctx, attempt)
		if err := e.store.SetPhaseState(ctx, phase.PhaseID, phase.State, domain.PhaseComplete); err != nil {
			return Result{Phase: phase}, err
		}
		phase.State = domain.PhaseComplete
		return Result{Outcome: domain.OutcomeOK, FinalizerResult: decision, Phase: phase}, nil
	default:
		_ = e.applier.Rollback(ctx, applyResult.SavePointID, phase.RunID, phase.PhaseID, workspaceRoot, touchedPaths(applyResult))
		attempt.Outcome = domain.OutcomeDeliverablesFail
		e.finishAttempt(ctx, attempt)
		result, err := e.retryOrFail(ctx, phase, domain.OutcomeDeliverablesFail)
		result.FinalizerResult = decision
		return result, err
	}
}

// BuilderFn constructs the PatchProposal for one Builder call, given the
// model selection, accumulated hints, and deep-retrieval context. It
// wraps whatever prompt assembly + llm.Caller invocation a concrete
// deployment uses, letting RunAttempt stay agnostic of prompt format.
type BuilderFn func(ctx context.Context, phase domain.Phase, sel router.Selection, hints []domain.LearningHint, retrieval string, caller llm.Caller) (domain.PatchProposal, llm.Response, error)

func (e *Executor) callBuilder(ctx context.Context, phase domain.Phase, sel router.Selection, hints []domain.LearningHint, retrieval string, fn BuilderFn) (domain.PatchProposal, llm.Response, error) {
	proposal, resp, err := e.callWithRetry(ctx, func() (domain.PatchProposal, llm.Response, error) {
		return fn(ctx, phase, sel, hints, retrieval, e.builder)
	})
	if err != nil {
		return proposal, resp, err
	}
	if resp.StopReason != llm.StopMaxTokens {
		return proposal, resp, nil
	}
	// Truncation: continuation recovery, or structured-edits fallback
	// once scope exceeds the file-count limit.
	if len(phase.Scope.AllowedPaths) > structuredEditsFileLimit {
		proposal.Format = domain.PatchFormatStructuredEdits
		return proposal, resp, nil
	}
	continued, contResp, err := e.callWithRetry(ctx, func() (domain.PatchProposal, llm.Response, error) {
		return fn(ctx, phase, sel, hints, retrieval, e.builder)
	})
	if err != nil {
		return proposal, resp, err
	}
	return continued, contResp, nil
}

// callWithRetry retries a transient provider error up to maxProviderRetries
// times with jittered exponential backoff (base*2^n, capped), the same
// shape the Pending Moves Queue uses for its own backoff.
func (e *Executor) callWithRetry(ctx context.Context, call func() (domain.PatchProposal, llm.Response, error)) (domain.PatchProposal, llm.Response, error) {
	const base = 500 * time.Millisecond
	const backoffCap = 8 * time.Second

	var proposal domain.PatchProposal
	var resp llm.Response
	var err error
	for attempt := 0; attempt <= maxProviderRetries; attempt++ {
		proposal, resp, err = call()
		if err == nil || !isTransientProviderErr(err) || attempt == maxProviderRetries {
			return proposal, resp, err
		}
		delay := base * time.Duration(1<<attempt)
		if delay > backoffCap {
			delay = backoffCap
		}
		delay += time.Duration(rand.Int63n(int64(base)))
		select {
		case <-ctx.Done():
			return proposal, resp, ctx.Err()
		case <-time.After(delay):
		}
	}
	return proposal, resp, err
}

func isTransientProviderErr(err error) bool {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Type == apperrors.ErrorTypeNetwork || appErr.Type == apperrors.ErrorTypeTimeout || appErr.Type == apperrors.ErrorTypeRateLimit
}

// phaseAlreadyApproved reports whether phaseID's most recently opened
// approval request was decided APPROVED. A resumed attempt (the Supervisor
// moves the phase back to EXECUTING once an approval is granted and
// re-invokes RunAttempt from preflight) hits this path when governance
// deterministically re-derives the same REQUIRE_APPROVAL ruling on the
// regenerated proposal; without this check the Executor would open a
// second approval and park forever instead of ever reaching Apply.
func (e *Executor) phaseAlreadyApproved(ctx context.Context, phaseID string) (bool, error) {
	req, err := e.approvals.FindByPhase(ctx, phaseID)
	if apperrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return req.Decision == domain.ApprovalApproved, nil
}

func preflight(phase domain.Phase) error {
	if phase.PhaseID == "" {
		return apperrors.NewValidationError("phase record is invalid: missing phase_id")
	}
	if len(phase.Scope.AllowedPaths) == 0 {
		return apperrors.NewValidationError("phase scope must not be empty")
	}
	if phase.State == domain.PhaseApprovalPending {
		return apperrors.New(apperrors.ErrorTypeConflict, "phase has an approval already pending")
	}
	return nil
}

func (e *Executor) loadHints(ctx context.Context, phaseID string) ([]domain.LearningHint, error) {
	attempts, err := e.store.PhaseAttempts(ctx, phaseID)
	if err != nil {
		return nil, err
	}
	var hints []domain.LearningHint
	seen := map[domain.LearningHint]bool{}
	for i := len(attempts) - 1; i >= 0; i-- {
		a := attempts[i]
		if h, ok := hintForOutcome(a); ok && !seen[h] {
			seen[h] = true
			hints = append(hints, h)
		}
	}
	if len(hints) > domain.MaxLearningHints {
		hints = hints[:domain.MaxLearningHints]
	}
	return hints, nil
}

func hintForOutcome(a domain.Attempt) (domain.LearningHint, bool) {
	switch a.Outcome {
	case domain.OutcomeDeliverablesFail:
		return domain.LearningHint{Kind: domain.HintDeliverableMissing, Detail: a.ErrorDigest}, true
	case domain.OutcomeTruncated:
		return domain.LearningHint{Kind: domain.HintTruncation, Detail: a.ErrorDigest}, true
	case domain.OutcomeSymbolFail:
		return domain.LearningHint{Kind: domain.HintSymbolLost, Detail: a.ErrorDigest}, true
	case domain.OutcomeTestRegression:
		return domain.LearningHint{Kind: domain.HintTestRegression, Detail: a.ErrorDigest}, true
	case domain.OutcomeApplyFail:
		return domain.LearningHint{Kind: domain.HintPathFix, Detail: a.ErrorDigest}, true
	default:
		return domain.LearningHint{}, false
	}
}

// boundedRetrieval packs hints into a deep-retrieval context string
// bounded at a fixed character limit (spec.md §4.10).
const deepRetrievalCharLimit = 4000

func boundedRetrieval(hints []domain.LearningHint, snippets []domain.Snippet) string {
	var out string
	for _, h := range hints {
		line := string(h.Kind) + ": " + h.Detail + "\n"
		if len(out)+len(line) > deepRetrievalCharLimit {
			return out
		}
		out += line
	}
	for _, s := range snippets {
		line := s.Source + ": " + s.Content + "\n"
		if len(out)+len(line) > deepRetrievalCharLimit {
			break
		}
		out += line
	}
	return out
}

// retrieveMemory consults the Memory Interface (C16) for advisory
// context. Retrieval failures are discarded and treated as no
// context at all (spec.md §4.16: "Executor treats retrieval failures
// as non-fatal").
func (e *Executor) retrieveMemory(ctx context.Context, phase domain.Phase) []domain.Snippet {
	snippets, err := e.mem.RetrieveContext(ctx, phase.RunID, phase.RunID, string(phase.Category), deepRetrievalCharLimit)
	if err != nil {
		return nil
	}
	return snippets
}

// retryOrFail implements step 9: retry with incremented attempts_used and
// merged hints, or FAILED when attempts are exhausted.
func (e *Executor) retryOrFail(ctx context.Context, phase domain.Phase, outcome domain.AttemptOutcome) (Result, error) {
	phase.AttemptsUsed++
	if phase.AttemptsUsed < phase.MaxAttempts {
		phase.LastFailureReason = string(outcome)
		return Result{Outcome: outcome, Phase: phase}, nil
	}
	if err := e.store.SetPhaseState(ctx, phase.PhaseID, phase.State, domain.PhaseFailed); err != nil {
		return Result{Phase: phase}, err
	}
	phase.State = domain.PhaseFailed
	return Result{Outcome: outcome, Phase: phase}, nil
}

func (e *Executor) finishAttempt(ctx context.Context, attempt domain.Attempt) {
	finished := e.now()
	attempt.FinishedAt = &finished
	_ = e.store.RecordAttempt(ctx, attempt)
}

func (e *Executor) now() time.Time {
	if e.clock == nil {
		return time.Now()
	}
	return e.clock()
}

func touchedPaths(r domain.ApplyResult) []string {
	out := append([]string{}, r.ChangedFiles...)
	out = append(out, r.AddedFiles...)
	return out
}
