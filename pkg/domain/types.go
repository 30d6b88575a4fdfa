// Package domain holds the shared entity types and closed enums every
// autopack component imports instead of redeclaring its own, so the
// closed-set invariants in spec.md §9 hold by construction.
package domain

import "time"

// RunState is the closed set of states a Run can be in.
type RunState string

const (
	RunQueued       RunState = "QUEUED"
	RunExecuting    RunState = "EXECUTING"
	RunDoneSuccess  RunState = "DONE_SUCCESS"
	RunDoneFailed   RunState = "DONE_FAILED"
	RunDoneAborted  RunState = "DONE_ABORTED"
)

// Run is the top-level unit of work: an ordered sequence of Phases owned by
// exactly one Supervisor.
type Run struct {
	RunID       string     `json:"run_id" validate:"required"`
	ProjectID   string     `json:"project_id" validate:"required"`
	State       RunState   `json:"state" validate:"required"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	TokenBudget int64      `json:"token_budget"`
	TokensUsed  int64      `json:"tokens_used"`
}

// Category is the closed set of phase categories. Category drives the
// routing policy's risk floor.
type Category string

const (
	CategorySecurityAuthChange    Category = "security_auth_change"
	CategorySchemaContractChange  Category = "schema_contract_change"
	CategoryExternalFeatureReuse  Category = "external_feature_reuse"
	CategoryCoreBackendHigh       Category = "core_backend_high"
	CategoryDocs                  Category = "docs"
	CategoryTests                 Category = "tests"
	CategoryOther                 Category = "other"
)

// Complexity is the closed set of phase complexity tiers; it drives the
// token-budget escalation ladder in the Model Router.
type Complexity string

const (
	ComplexityLow    Complexity = "LOW"
	ComplexityMedium Complexity = "MEDIUM"
	ComplexityHigh   Complexity = "HIGH"
)

// PhaseState is the closed set of states a Phase can be in.
type PhaseState string

const (
	PhaseQueued            PhaseState = "QUEUED"
	PhaseExecuting         PhaseState = "EXECUTING"
	PhaseApprovalPending   PhaseState = "APPROVAL_PENDING"
	PhaseReplanRequested   PhaseState = "REPLAN_REQUESTED"
	PhaseBlocked           PhaseState = "BLOCKED"
	PhaseComplete          PhaseState = "COMPLETE"
	PhaseFailed            PhaseState = "FAILED"
)

// Scope is the allowed/readonly/protected path partition a phase operates
// under. Invariant: ProtectedPaths ∩ AllowedPaths = ∅ (enforced by
// NewScope, not just documented).
type Scope struct {
	AllowedPaths   []string `json:"allowed_paths"`
	ReadonlyContext []string `json:"readonly_context"`
	ProtectedPaths []string `json:"protected_paths"`
}

// Phase is a unit of autonomous work with an explicit goal, declared
// deliverables, and a scope.
type Phase struct {
	PhaseID           string     `json:"phase_id" validate:"required"`
	RunID             string     `json:"run_id" validate:"required"`
	PhaseIndex        int        `json:"phase_index"`
	Goal              string     `json:"goal"`
	Category          Category   `json:"category" validate:"required"`
	Complexity        Complexity `json:"complexity" validate:"required"`
	Deliverables      []string   `json:"deliverables"`
	Scope             Scope      `json:"scope"`
	State             PhaseState `json:"state" validate:"required"`
	AttemptsUsed      int        `json:"attempts_used"`
	MaxAttempts       int        `json:"max_attempts"`
	LastFailureReason string     `json:"last_failure_reason,omitempty"`
	LastFingerprint   string     `json:"last_fingerprint,omitempty"`
}

// DefaultMaxAttempts is the default bound on attempts_used per phase.
const DefaultMaxAttempts = 5

// Role is the closed set of LLM roles cooperating on a phase.
type Role string

const (
	RoleBuilder Role = "Builder"
	RoleAuditor Role = "Auditor"
)

// AttemptOutcome is the closed set of per-attempt outcomes.
type AttemptOutcome string

const (
	OutcomeOK               AttemptOutcome = "OK"
	OutcomeBuilderFail      AttemptOutcome = "BUILDER_FAIL"
	OutcomeApplyFail        AttemptOutcome = "APPLY_FAIL"
	OutcomeTestRegression   AttemptOutcome = "TEST_REGRESSION"
	OutcomeDeliverablesFail AttemptOutcome = "DELIVERABLES_FAIL"
	OutcomeSymbolFail       AttemptOutcome = "SYMBOL_FAIL"
	OutcomeQualityBlock     AttemptOutcome = "QUALITY_BLOCK"
	OutcomeTruncated        AttemptOutcome = "TRUNCATED"
	OutcomeApprovalDenied   AttemptOutcome = "APPROVAL_DENIED"
	OutcomeApprovalTimeout  AttemptOutcome = "APPROVAL_TIMEOUT"
)

// Attempt is an append-only record of one Builder/Auditor call for a phase.
type Attempt struct {
	AttemptID    string         `json:"attempt_id" validate:"required"`
	PhaseID      string         `json:"phase_id" validate:"required"`
	AttemptIndex int            `json:"attempt_index" validate:"min=1"`
	Role         Role           `json:"role" validate:"required"`
	ModelID      string         `json:"model_id"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	Outcome      AttemptOutcome `json:"outcome"`
	TokensIn     int64          `json:"tokens_in"`
	TokensOut    int64          `json:"tokens_out"`
	ErrorDigest  string         `json:"error_digest,omitempty"`
}

// PatchFormat is the closed set of patch proposal encodings.
type PatchFormat string

const (
	PatchFormatUnifiedDiff     PatchFormat = "unified_diff"
	PatchFormatStructuredEdits PatchFormat = "structured_edits"
)

// OpKind is the closed set of patch operation kinds.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpModify OpKind = "modify"
	OpDelete OpKind = "delete"
)

// PatchOperation is one file-level edit within a PatchProposal.
type PatchOperation struct {
	Op              OpKind `json:"op" validate:"required"`
	Path            string `json:"path" validate:"required"`
	ContentOrHunks  string `json:"content_or_hunks"`
}

// PatchProposal is the Builder's proposed set of file edits for one attempt.
// Invariant: every operation.Path must lie under the phase's AllowedPaths.
type PatchProposal struct {
	ProposalID          string           `json:"proposal_id" validate:"required"`
	AttemptID           string           `json:"attempt_id" validate:"required"`
	Format              PatchFormat      `json:"format" validate:"required"`
	Operations          []PatchOperation `json:"operations"`
	DeclaredDeliverables []string        `json:"declared_deliverables"`
	// SymbolManifest is the optional list of declared symbols (class/function
	// names) that must still resolve in the post-apply workspace; empty
	// means no symbol-preservation constraint applies to this proposal.
	SymbolManifest []string `json:"symbol_manifest,omitempty"`
}

// ApplyResult is Governed Apply's (C7) output for one successful patch
// application.
type ApplyResult struct {
	ChangedFiles []string `json:"changed_files"`
	AddedFiles   []string `json:"added_files"`
	DeletedFiles []string `json:"deleted_files"`
	BytesWritten int64    `json:"bytes_written"`
	SavePointID  string   `json:"save_point_id"`
}

// RiskLevel is the closed set of risk levels a proposal can be assigned.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// DecisionCategory is the closed set of governance decision categories.
type DecisionCategory string

const (
	DecisionClearFix  DecisionCategory = "CLEAR_FIX"
	DecisionThreshold DecisionCategory = "THRESHOLD"
	DecisionRisky     DecisionCategory = "RISKY"
	DecisionAmbiguous DecisionCategory = "AMBIGUOUS"
)

// RiskSignals are the individual risk inputs evaluated for a proposal.
type RiskSignals struct {
	ProtectedHits       int  `json:"protected_hits"`
	LargeDeletionLines  int  `json:"large_deletion_lines"`
	CrossModule         bool `json:"cross_module"`
	Destructive         bool `json:"destructive"`
}

// RiskAssessment is the Risk Scorer's output for one proposal.
type RiskAssessment struct {
	ProposalID       string           `json:"proposal_id" validate:"required"`
	RiskLevel        RiskLevel        `json:"risk_level" validate:"required"`
	DecisionCategory DecisionCategory `json:"decision_category" validate:"required"`
	Signals          RiskSignals      `json:"signals"`
	RequiresApproval bool             `json:"requires_approval"`
}

// Ruling is the closed set of governance rulings.
type Ruling string

const (
	RulingAutoApprove     Ruling = "AUTO_APPROVE"
	RulingRequireApproval Ruling = "REQUIRE_APPROVAL"
	RulingReject          Ruling = "REJECT"
)

// ApprovalDecision is the closed set of approval states.
type ApprovalDecision string

const (
	ApprovalPending  ApprovalDecision = "PENDING"
	ApprovalApproved ApprovalDecision = "APPROVED"
	ApprovalDenied   ApprovalDecision = "DENIED"
	ApprovalTimedOut ApprovalDecision = "TIMED_OUT"
)

// DefaultApprovalTimeout is the default approval expiry (spec.md §4.6).
const DefaultApprovalTimeout = time.Hour

// ApprovalRequest tracks one pending (or decided) approval.
type ApprovalRequest struct {
	ApprovalID string           `json:"approval_id" validate:"required"`
	PhaseID    string           `json:"phase_id" validate:"required"`
	CreatedAt  time.Time        `json:"created_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
	ProposalID string           `json:"proposal_id"`
	Risk       RiskAssessment   `json:"risk"`
	Decision   ApprovalDecision `json:"decision" validate:"required"`
	DecidedBy  string           `json:"decided_by,omitempty"`
	DecidedAt  *time.Time       `json:"decided_at,omitempty"`
}

// TestBaseline captures the T0 pass/fail set for a run, created exactly
// once at the first test execution.
type TestBaseline struct {
	RunID       string    `json:"run_id" validate:"required"`
	T0Failures  []string  `json:"t0_failures"`
	CapturedAt  time.Time `json:"captured_at"`
}

// GateResult is the outcome of one Finalizer gate.
type GateResult struct {
	Passed  bool     `json:"passed"`
	Reasons []string `json:"reasons,omitempty"`
}

// FinalizerOutcome is the closed set of outcomes the Phase Finalizer can
// produce. Only the Finalizer may transition a phase to COMPLETE.
type FinalizerOutcome string

const (
	FinalizerComplete FinalizerOutcome = "COMPLETE"
	FinalizerBlocked  FinalizerOutcome = "BLOCKED"
	FinalizerFailed   FinalizerOutcome = "FAILED"
)

// FinalizerDecision is the authoritative per-attempt completion verdict.
type FinalizerDecision struct {
	PhaseID        string           `json:"phase_id" validate:"required"`
	AttemptID      string           `json:"attempt_id" validate:"required"`
	Gate0CI        GateResult       `json:"gate0_ci"`
	Gate1Quality   GateResult       `json:"gate1_quality"`
	Gate2Deliver   GateResult       `json:"gate2_deliverables"`
	Gate3Symbols   GateResult       `json:"gate3_symbols"`
	Outcome        FinalizerOutcome `json:"outcome" validate:"required"`
	Reasons        []string         `json:"reasons"`
}

// PendingMoveStatus is the closed set of states for a pending-moves item.
type PendingMoveStatus string

const (
	MovePending   PendingMoveStatus = "pending"
	MoveSucceeded PendingMoveStatus = "succeeded"
	MoveAbandoned PendingMoveStatus = "abandoned"
)

// PendingMoveItem is one durable retry record in the Pending Moves Queue.
type PendingMoveItem struct {
	ID              string            `json:"id"`
	Src             string            `json:"src"`
	Dest            string            `json:"dest"`
	Action          string            `json:"action"`
	Status          PendingMoveStatus `json:"status"`
	Reason          string            `json:"reason"`
	AttemptCount    int               `json:"attempt_count"`
	FirstEnqueuedAt time.Time         `json:"first_enqueued_at"`
	NextEligibleAt  time.Time         `json:"next_eligible_at"`
	LastError       string            `json:"last_error,omitempty"`
	BytesEstimate   int64             `json:"bytes_estimate"`
	Tags            []string          `json:"tags,omitempty"`
}

// PendingMoveQueueSchemaVersion is the current on-disk schema version for
// tidy_pending_moves.json.
const PendingMoveQueueSchemaVersion = 1

// PendingMoveQueue is the persistent, schema-versioned queue of locked-file
// moves the Tidy process owns.
type PendingMoveQueue struct {
	SchemaVersion int                `json:"schema_version"`
	QueueID       string             `json:"queue_id"`
	Items         []PendingMoveItem  `json:"items"`
}

// DrainLimits are the configurable stop conditions for one drain session.
type DrainLimits struct {
	PhaseTimeout            time.Duration `json:"phase_timeout"`
	MaxTotalMinutes         int           `json:"max_total_minutes"`
	MaxTimeoutsPerRun       int           `json:"max_timeouts_per_run"`
	MaxAttemptsPerPhase     int           `json:"max_attempts_per_phase"`
	MaxFingerprintRepeats   int           `json:"max_fingerprint_repeats"`
	MaxConsecutiveZeroYield int           `json:"max_consecutive_zero_yield"`
}

// DefaultDrainLimits are the spec's default stop conditions.
func DefaultDrainLimits() DrainLimits {
	return DrainLimits{
		PhaseTimeout:            15 * time.Minute,
		MaxTotalMinutes:         120,
		MaxTimeoutsPerRun:       3,
		MaxAttemptsPerPhase:     5,
		MaxFingerprintRepeats:   3,
		MaxConsecutiveZeroYield: 3,
	}
}

// YieldClassification is the closed set of telemetry-yield classifications
// the Drain Controller logs per attempt.
type YieldClassification string

const (
	YieldReachedLLM      YieldClassification = "REACHED_LLM"
	YieldFailedPreflight YieldClassification = "FAILED_PREFLIGHT"
	YieldNoBoundary      YieldClassification = "NO_BOUNDARY"
	YieldDisabled        YieldClassification = "DISABLED"
	YieldLostInFlush     YieldClassification = "LOST_IN_FLUSH"
)

// DrainResult is the per-phase record of one batch-drain attempt.
type DrainResult struct {
	RunID                     string              `json:"run_id"`
	PhaseID                   string              `json:"phase_id"`
	FinalState                PhaseState          `json:"final_state"`
	ErrorDigest               string              `json:"error_digest,omitempty"`
	SubprocessReturnCode      int                 `json:"subprocess_returncode"`
	DurationS                float64             `json:"duration_s"`
	TelemetryEventsCollected  int                 `json:"telemetry_events_collected"`
	TelemetryYieldPerMinute   float64             `json:"telemetry_yield_per_minute"`
	Fingerprint               string              `json:"fingerprint"`
	Yield                     YieldClassification `json:"yield"`
}

// BatchDrainSession is the persisted state of one batch-drain run.
type BatchDrainSession struct {
	SessionID           string         `json:"session_id"`
	StartedAt           time.Time      `json:"started_at"`
	FinishedAt          *time.Time     `json:"finished_at,omitempty"`
	BatchSize           int            `json:"batch_size"`
	Limits              DrainLimits    `json:"limits"`
	Results             []DrainResult  `json:"results"`
	FingerprintCounts   map[string]int `json:"fingerprint_counts"`
	StoppedRuns         []string       `json:"stopped_runs"`
	StoppedFingerprints []string       `json:"stopped_fingerprints"`
}

// LearningHintKind is the closed set of learning-hint kinds threaded into
// subsequent Builder attempts.
type LearningHintKind string

const (
	HintPathFix            LearningHintKind = "PATH_FIX"
	HintDeliverableMissing LearningHintKind = "DELIVERABLE_MISSING"
	HintTruncation         LearningHintKind = "TRUNCATION"
	HintSymbolLost         LearningHintKind = "SYMBOL_LOST"
	HintTestRegression     LearningHintKind = "TEST_REGRESSION"
)

// MaxLearningHints bounds the learning-hints list (spec.md §4.10).
const MaxLearningHints = 32

// Snippet is one piece of advisory context returned by the Memory
// Interface (C16). Content is never trusted beyond prompt assembly — a
// retrieval failure or an empty result must never block a Builder call.
type Snippet struct {
	Source  string `json:"source"`
	Content string `json:"content"`
}

// LearningHint is one deduped, newest-first correction drawn from a prior
// attempt.
type LearningHint struct {
	Kind   LearningHintKind `json:"kind" validate:"required"`
	From   string           `json:"from,omitempty"`
	To     string           `json:"to,omitempty"`
	Detail string           `json:"detail,omitempty"`
}

// EventKind is the closed set of Telemetry Sink event kinds.
type EventKind string

const (
	EventTokenUsage        EventKind = "TOKEN_USAGE"
	EventPhaseOutcome      EventKind = "PHASE_OUTCOME"
	EventApproval          EventKind = "APPROVAL"
	EventGovernanceDecision EventKind = "GOVERNANCE_DECISION"
	EventRoutingDecision   EventKind = "ROUTING_DECISION"
	EventDrainResult       EventKind = "DRAIN_RESULT"
)

// TelemetryEvent is one append-only row in the Telemetry Sink (spec.md
// §4.15). phase_id and attempt_id are optional: a run-scoped event (e.g. a
// DRAIN_RESULT spanning many phases) may carry neither.
type TelemetryEvent struct {
	RunID     string                 `json:"run_id" validate:"required"`
	PhaseID   string                 `json:"phase_id,omitempty"`
	AttemptID string                 `json:"attempt_id,omitempty"`
	Timestamp time.Time              `json:"ts"`
	Kind      EventKind              `json:"kind" validate:"required"`
	Payload   map[string]interface{} `json:"payload"`
}
