// Package approval is the Approval Gateway (C6): a PENDING → {APPROVED,
// DENIED, TIMED_OUT} state machine the Phase Executor polls instead of
// blocking a thread. Open fires a best-effort notification; Decide and the
// timeout sweep in Poll are the only paths that move a request out of
// PENDING, and once decided a request never changes again.
package approval

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	apperrors "github.com/hshk99/autopack/internal/errors"
	"github.com/hshk99/autopack/pkg/domain"
)

// ComputeTimeRemaining renders the time left until requiredBy in Go's
// time.Duration.String() format, floored at "0s" - it is never negative
// even when requiredBy has already passed.
func ComputeTimeRemaining(requiredBy, now time.Time) string {
	d := requiredBy.Sub(now)
	if d < 0 {
		d = 0
	}
	return d.String()
}

// Store persists approval requests. Implementations must make Decide's
// terminal-state check race-free under the single-writer-per-run
// discipline the rest of the engine assumes.
type Store interface {
	CreateApprovalRequest(ctx context.Context, req domain.ApprovalRequest) error
	GetApprovalRequest(ctx context.Context, approvalID string) (domain.ApprovalRequest, error)
	UpdateApprovalDecision(ctx context.Context, approvalID string, decision domain.ApprovalDecision, decidedBy string, decidedAt time.Time) error
	// LatestApprovalForPhase returns the most recently created approval
	// request for phaseID, or a not-found error when none exists yet.
	LatestApprovalForPhase(ctx context.Context, phaseID string) (domain.ApprovalRequest, error)
}

// Notifier delivers a human-facing notification for a newly opened
// approval request. Notification failures never block Open - they are
// logged and swallowed, matching the callback contract's carve-out that
// notification transport reliability is out of scope.
type Notifier interface {
	Notify(ctx context.Context, req domain.ApprovalRequest) error
}

// NoopNotifier discards every notification; useful for tests and for
// deployments that only use Poll/Decide without a configured transport.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, domain.ApprovalRequest) error { return nil }

// Gateway is the Approval Gateway: Open/Poll/Decide over a persisted
// ApprovalRequest, with fire-and-forget audit logging on every decision.
type Gateway struct {
	store    Store
	notifier Notifier
	audit    *AuditClient
	logger   logr.Logger
}

// New builds a Gateway. notifier and audit may be nil; nil defaults to a
// NoopNotifier and a discard-logger AuditClient respectively.
func New(store Store, notifier Notifier, audit *AuditClient) *Gateway {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	if audit == nil {
		audit = NewAuditClient(nil, logr.Discard())
	}
	return &Gateway{store: store, notifier: notifier, audit: audit, logger: logr.Discard()}
}

// Open creates a PENDING approval request for phaseID/proposalID, expiring
// after timeout (domain.DefaultApprovalTimeout if timeout <= 0), persists
// it, and fires a best-effort notification.
func (g *Gateway) Open(ctx context.Context, approvalID, phaseID, proposalID string, risk domain.RiskAssessment, timeout time.Duration, now time.Time) (domain.ApprovalRequest, error) {
	if timeout <= 0 {
		timeout = domain.DefaultApprovalTimeout
	}
	req := domain.ApprovalRequest{
		ApprovalID: approvalID,
		PhaseID:    phaseID,
		ProposalID: proposalID,
		Risk:       risk,
		Decision:   domain.ApprovalPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(timeout),
	}
	if err := g.store.CreateApprovalRequest(ctx, req); err != nil {
		return domain.ApprovalRequest{}, err
	}
	if err := g.notifier.Notify(ctx, req); err != nil {
		g.logger.Error(err, "approval notification failed", "approval_id", approvalID)
	}
	return req, nil
}

// Poll returns the current state of an approval request, auto-expiring it
// to TIMED_OUT if it is still PENDING past its ExpiresAt. The Executor
// calls this repeatedly instead of blocking a thread on the decision.
func (g *Gateway) Poll(ctx context.Context, approvalID string, now time.Time) (domain.ApprovalRequest, error) {
	req, err := g.store.GetApprovalRequest(ctx, approvalID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if req.Decision != domain.ApprovalPending || now.Before(req.ExpiresAt) {
		return req, nil
	}
	if err := g.store.UpdateApprovalDecision(ctx, approvalID, domain.ApprovalTimedOut, "system", now); err != nil {
		return domain.ApprovalRequest{}, err
	}
	req.Decision = domain.ApprovalTimedOut
	req.DecidedBy = "system"
	req.DecidedAt = &now
	g.audit.RecordDecision(ctx, req)
	return req, nil
}

// FindByPhase returns phaseID's most recently opened approval request, so
// the Executor can tell whether a phase resumed after RulingRequireApproval
// already carries a decision rather than needing a fresh approval.
func (g *Gateway) FindByPhase(ctx context.Context, phaseID string) (domain.ApprovalRequest, error) {
	return g.store.LatestApprovalForPhase(ctx, phaseID)
}

// Decide records a human decision (APPROVED or DENIED) for approvalID.
// Terminal decisions are immutable: deciding an already-decided request
// returns a conflict error instead of overwriting it.
func (g *Gateway) Decide(ctx context.Context, approvalID string, decision domain.ApprovalDecision, actor string, now time.Time) (domain.ApprovalRequest, error) {
	if decision != domain.ApprovalApproved && decision != domain.ApprovalDenied {
		return domain.ApprovalRequest{}, apperrors.NewValidationError("decision must be APPROVED or DENIED")
	}
	req, err := g.store.GetApprovalRequest(ctx, approvalID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if req.Decision != domain.ApprovalPending {
		return domain.ApprovalRequest{}, apperrors.New(apperrors.ErrorTypeConflict, "approval request already decided")
	}
	if !now.Before(req.ExpiresAt) {
		if err := g.store.UpdateApprovalDecision(ctx, approvalID, domain.ApprovalTimedOut, "system", now); err != nil {
			return domain.ApprovalRequest{}, err
		}
		req.Decision = domain.ApprovalTimedOut
		req.DecidedBy = "system"
		req.DecidedAt = &now
		g.audit.RecordDecision(ctx, req)
		return req, apperrors.New(apperrors.ErrorTypeApprovalTimedOut, "approval request expired before a decision was recorded")
	}

	if err := g.store.UpdateApprovalDecision(ctx, approvalID, decision, actor, now); err != nil {
		return domain.ApprovalRequest{}, err
	}
	req.Decision = decision
	req.DecidedBy = actor
	req.DecidedAt = &now
	g.audit.RecordDecision(ctx, req)
	return req, nil
}
