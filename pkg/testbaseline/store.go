package testbaseline

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
// sqlx-over-*sql.DB convention as pkg/store and pkg/approval.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore wraps an existing *sql.DB with sqlx for baseline queries.
func NewSQLStore(sqlDB *sql.DB) *SQLStore {
	return &SQLStore{db: sqlx.NewDb(sqlDB, "postgres")}
}

type baselineRow struct {
	RunID      string    `db:"run_id"`
	T0Failures []byte    `db:"t0_failures"`
	CapturedAt time.Time `db:"captured_at"`
}

func (r baselineRow) toDomain() (domain.TestBaseline, error) {
	var failures []string
	if len(r.T0Failures) > 0 {
		if err := json.Unmarshal(r.T0Failures, &failures); err != nil {
			return domain.TestBaseline{}, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to decode test baseline failures")
		}
	}
	return domain.TestBaseline{RunID: r.RunID, T0Failures: failures, CapturedAt: r.CapturedAt}, nil
}

// GetBaseline fetches a run's T0 baseline.
func (s *SQLStore) GetBaseline(ctx context.Context, runID string) (domain.TestBaseline, error) {
	var row baselineRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM test_baselines WHERE run_id = $1`, runID)
	if err == sql.ErrNoRows {
		return domain.TestBaseline{}, apperrors.NewNotFoundError("test baseline")
	}
	if err != nil {
		return domain.TestBaseline{}, apperrors.NewDatabaseError("get test baseline", err)
	}
	return row.toDomain()
}

// SaveBaseline inserts a run's T0 baseline. Baselines are captured exactly
// once per run, so this is an insert, not an upsert.
func (s *SQLStore) SaveBaseline(ctx context.Context, baseline domain.TestBaseline) error {
	failures, err := json.Marshal(baseline.T0Failures)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeValidation, "failed to encode test baseline failures")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO test_baselines (run_id, t0_failures, captured_at)
		VALUES ($1, $2, $3)`,
		baseline.RunID, failures, baseline.CapturedAt)
	if err != nil {
		return apperrors.NewDatabaseError("save test baseline", err)
	}
	return nil
}
