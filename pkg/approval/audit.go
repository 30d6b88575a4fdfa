package approval

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/hshk99/autopack/pkg/domain"
)

// AuditEvent is one immutable audit-log entry for an approval decision.
type AuditEvent struct {
	EventType  string                  `json:"event_type"`
	ApprovalID string                  `json:"approval_id"`
	PhaseID    string                  `json:"phase_id"`
	Decision   domain.ApprovalDecision `json:"decision"`
	DecidedBy  string                  `json:"decided_by"`
	RiskLevel  domain.RiskLevel        `json:"risk_level"`
	Timestamp  time.Time               `json:"timestamp"`
}

// AuditStore persists audit events. A storage failure must never block or
// panic the decision path - callers only ever use AuditClient.RecordDecision,
// which swallows this error after logging it.
type AuditStore interface {
	StoreEvent(ctx context.Context, event AuditEvent) error
}

// AuditClient appends approval decisions to an immutable audit trail,
// fire-and-forget: a StoreEvent failure is logged and discarded, never
// returned to the caller.
type AuditClient struct {
	store  AuditStore
	logger logr.Logger
}

// NewAuditClient builds an AuditClient. store may be nil, in which case
// every decision is logged but nothing is persisted.
func NewAuditClient(store AuditStore, logger logr.Logger) *AuditClient {
	return &AuditClient{store: store, logger: logger}
}

// RecordDecision emits an audit event for req's current decision. Requests
// still PENDING produce no event - there is nothing decided yet to record.
func (a *AuditClient) RecordDecision(ctx context.Context, req domain.ApprovalRequest) {
	if req.Decision == domain.ApprovalPending {
		return
	}

	event := AuditEvent{
		EventType:  "approval.decision",
		ApprovalID: req.ApprovalID,
		PhaseID:    req.PhaseID,
		Decision:   req.Decision,
		DecidedBy:  req.DecidedBy,
		RiskLevel:  req.Risk.RiskLevel,
		Timestamp:  time.Now(),
	}
	if req.DecidedAt != nil {
		event.Timestamp = *req.DecidedAt
	}

	if a.store == nil {
		a.logger.Info("approval decision", "approval_id", req.ApprovalID,
			"decision", req.Decision, "decided_by", req.DecidedBy)
		return
	}
	if err := a.store.StoreEvent(ctx, event); err != nil {
		a.logger.Error(err, "failed to store approval audit event",
			"approval_id", req.ApprovalID, "decision", req.Decision)
	}
}
