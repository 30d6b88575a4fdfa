package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/hshk99/autopack/internal/errors"
	"github.com/hshk99/autopack/pkg/domain"
)

// SQLStore is the Postgres-backed Store implementation, built on the same
// sqlx-over-*sql.DB convention as pkg/store.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore wraps an existing *sql.DB with sqlx for struct-scanning
// approval-request queries.
func NewSQLStore(sqlDB *sql.DB) *SQLStore {
	return &SQLStore{db: sqlx.NewDb(sqlDB, "postgres")}
}

type approvalRow struct {
	ApprovalID string         `db:"approval_id"`
	PhaseID    string         `db:"phase_id"`
	ProposalID string         `db:"proposal_id"`
	Risk       []byte         `db:"risk"`
	Decision   string         `db:"decision"`
	CreatedAt  time.Time      `db:"created_at"`
	ExpiresAt  time.Time      `db:"expires_at"`
	DecidedBy  string         `db:"decided_by"`
	DecidedAt  sql.NullTime   `db:"decided_at"`
}

func (r approvalRow) toDomain() (domain.ApprovalRequest, error) {
	var risk domain.RiskAssessment
	if len(r.Risk) > 0 {
		if err := json.Unmarshal(r.Risk, &risk); err != nil {
			return domain.ApprovalRequest{}, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to decode approval risk assessment")
		}
	}
	req := domain.ApprovalRequest{
		ApprovalID: r.ApprovalID,
		PhaseID:    r.PhaseID,
		ProposalID: r.ProposalID,
		Risk:       risk,
		Decision:   domain.ApprovalDecision(r.Decision),
		CreatedAt:  r.CreatedAt,
		ExpiresAt:  r.ExpiresAt,
		DecidedBy:  r.DecidedBy,
	}
	if r.DecidedAt.Valid {
		req.DecidedAt = &r.DecidedAt.Time
	}
	return req, nil
}

// CreateApprovalRequest inserts a new PENDING approval request.
func (s *SQLStore) CreateApprovalRequest(ctx context.Context, req domain.ApprovalRequest) error {
	risk, err := json.Marshal(req.Risk)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeValidation, "failed to encode approval risk assessment")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_requests (approval_id, phase_id, proposal_id, risk, decision, created_at, expires_at, decided_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, '')`,
		req.ApprovalID, req.PhaseID, req.ProposalID, risk, req.Decision, req.CreatedAt, req.ExpiresAt)
	if err != nil {
		return apperrors.NewDatabaseError("create approval request", err)
	}
	return nil
}

// GetApprovalRequest fetches an approval request by id.
func (s *SQLStore) GetApprovalRequest(ctx context.Context, approvalID string) (domain.ApprovalRequest, error) {
	var row approvalRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM approval_requests WHERE approval_id = $1`, approvalID)
	if err == sql.ErrNoRows {
		return domain.ApprovalRequest{}, apperrors.NewNotFoundError("approval request")
	}
	if err != nil {
		return domain.ApprovalRequest{}, apperrors.NewDatabaseError("get approval request", err)
	}
	return row.toDomain()
}

// LatestApprovalForPhase fetches the most recently created approval
// request for phaseID.
func (s *SQLStore) LatestApprovalForPhase(ctx context.Context, phaseID string) (domain.ApprovalRequest, error) {
	var row approvalRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM approval_requests WHERE phase_id = $1
		ORDER BY created_at DESC LIMIT 1`, phaseID)
	if err == sql.ErrNoRows {
		return domain.ApprovalRequest{}, apperrors.NewNotFoundError("approval request")
	}
	if err != nil {
		return domain.ApprovalRequest{}, apperrors.NewDatabaseError("get latest approval for phase", err)
	}
	return row.toDomain()
}

// UpdateApprovalDecision records decision/decidedBy/decidedAt for an
// approval request. Callers (Gateway.Decide/Poll) are responsible for the
// terminal-immutability check; this performs the unconditional write.
func (s *SQLStore) UpdateApprovalDecision(ctx context.Context, approvalID string, decision domain.ApprovalDecision, decidedBy string, decidedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests SET decision = $1, decided_by = $2, decided_at = $3
		WHERE approval_id = $4`,
		decision, decidedBy, decidedAt, approvalID)
	if err != nil {
		return apperrors.NewDatabaseError("update approval decision", err)
	}
	return nil
}
