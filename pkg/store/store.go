// Package store is the Run/Phase Store (C2): durable CRUD for runs, phases,
// and attempts under single-writer-per-run discipline, built on sqlx over
// the Postgres connection internal/database manages.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/hshk99/autopack/internal/database"
	apperrors "github.com/hshk99/autopack/internal/errors"
	"github.com/hshk99/autopack/pkg/domain"
)

// Store is the Run/Phase Store. Readers may run concurrently; writers to a
// given run must hold that run's advisory lock first (AcquireRunLock).
type Store struct {
	db     *sqlx.DB
	dbConf *database.Config
	logger *logrus.Logger
}

// New wraps an existing *sql.DB (as opened by internal/database.Connect)
// with sqlx for struct-scanning queries.
func New(sqlDB *sql.DB, conf *database.Config, logger *logrus.Logger) *Store {
	return &Store{db: sqlx.NewDb(sqlDB, "postgres"), dbConf: conf, logger: logger}
}

// HealthFingerprint returns the stable database-identity hash surfaced to
// operators to detect cross-environment drift (spec.md §4.2, §6, §9).
func (s *Store) HealthFingerprint() string {
	return database.HealthFingerprint(s.dbConf)
}

// runLockKey derives the pg_advisory_lock key for a run_id via FNV-1a,
// matching hashtext's role in the spec's pg_advisory_lock(hashtext(run_id))
// expression without depending on Postgres's internal hash function.
func runLockKey(runID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(runID))
	return int64(h.Sum64())
}

// AcquireRunLock takes the session-level Postgres advisory lock for run_id,
// enforcing single-writer-per-run for the lifetime of the Supervisor's
// session. Blocks until acquired or ctx is cancelled.
func (s *Store) AcquireRunLock(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, runLockKey(runID))
	if err != nil {
		return apperrors.NewDatabaseError("acquire run lock", err)
	}
	return nil
}

// ReleaseRunLock releases the advisory lock taken by AcquireRunLock.
func (s *Store) ReleaseRunLock(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, runLockKey(runID))
	if err != nil {
		return apperrors.NewDatabaseError("release run lock", err)
	}
	return nil
}

type runRow struct {
	RunID       string         `db:"run_id"`
	ProjectID   string         `db:"project_id"`
	State       string         `db:"state"`
	CreatedAt   time.Time      `db:"created_at"`
	StartedAt   sql.NullTime   `db:"started_at"`
	FinishedAt  sql.NullTime   `db:"finished_at"`
	TokenBudget int64          `db:"token_budget"`
	TokensUsed  int64          `db:"tokens_used"`
}

func (r runRow) toDomain() domain.Run {
	run := domain.Run{
		RunID:       r.RunID,
		ProjectID:   r.ProjectID,
		State:       domain.RunState(r.State),
		CreatedAt:   r.CreatedAt,
		TokenBudget: r.TokenBudget,
		TokensUsed:  r.TokensUsed,
	}
	if r.StartedAt.Valid {
		run.StartedAt = &r.StartedAt.Time
	}
	if r.FinishedAt.Valid {
		run.FinishedAt = &r.FinishedAt.Time
	}
	return run
}

// CreateRun inserts a new run row; its state is run.State as given.
func (s *Store) CreateRun(ctx context.Context, run domain.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, project_id, state, created_at, token_budget, tokens_used)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.RunID, run.ProjectID, run.State, run.CreatedAt, run.TokenBudget, run.TokensUsed)
	if err != nil {
		return apperrors.NewDatabaseError("create run", err)
	}
	return nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM runs WHERE run_id = $1`, runID)
	if err == sql.ErrNoRows {
		return domain.Run{}, apperrors.NewNotFoundError("run")
	}
	if err != nil {
		return domain.Run{}, apperrors.NewDatabaseError("get run", err)
	}
	return row.toDomain(), nil
}

// SetRunState is the Supervisor's sole means of mutating Run.state; the
// Supervisor is the single writer, so this performs an unconditional update
// under the caller's held run lock.
func (s *Store) SetRunState(ctx context.Context, runID string, state domain.RunState) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET state = $1 WHERE run_id = $2`, state, runID)
	if err != nil {
		return apperrors.NewDatabaseError("set run state", err)
	}
	return nil
}

type phaseRow struct {
	PhaseID           string `db:"phase_id"`
	RunID             string `db:"run_id"`
	PhaseIndex        int    `db:"phase_index"`
	Goal              string `db:"goal"`
	Category          string `db:"category"`
	Complexity        string `db:"complexity"`
	Deliverables      []byte `db:"deliverables"`
	Scope             []byte `db:"scope"`
	State             string `db:"state"`
	AttemptsUsed      int    `db:"attempts_used"`
	MaxAttempts       int    `db:"max_attempts"`
	LastFailureReason string `db:"last_failure_reason"`
	LastFingerprint   string `db:"last_fingerprint"`
}

func (r phaseRow) toDomain() (domain.Phase, error) {
	var deliverables []string
	if len(r.Deliverables) > 0 {
		if err := json.Unmarshal(r.Deliverables, &deliverables); err != nil {
			return domain.Phase{}, err
		}
	}
	var scope domain.Scope
	if len(r.Scope) > 0 {
		if err := json.Unmarshal(r.Scope, &scope); err != nil {
			return domain.Phase{}, err
		}
	}
	return domain.Phase{
		PhaseID:           r.PhaseID,
		RunID:             r.RunID,
		PhaseIndex:        r.PhaseIndex,
		Goal:              r.Goal,
		Category:          domain.Category(r.Category),
		Complexity:        domain.Complexity(r.Complexity),
		Deliverables:      deliverables,
		Scope:             scope,
		State:             domain.PhaseState(r.State),
		AttemptsUsed:      r.AttemptsUsed,
		MaxAttempts:       r.MaxAttempts,
		LastFailureReason: r.LastFailureReason,
		LastFingerprint:   r.LastFingerprint,
	}, nil
}

// CreatePhase inserts a new phase row.
func (s *Store) CreatePhase(ctx context.Context, phase domain.Phase) error {
	deliverables, err := json.Marshal(phase.Deliverables)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal deliverables")
	}
	scope, err := json.Marshal(phase.Scope)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal scope")
	}
	maxAttempts := phase.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO phases (phase_id, run_id, phase_index, goal, category, complexity,
			deliverables, scope, state, attempts_used, max_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		phase.PhaseID, phase.RunID, phase.PhaseIndex, phase.Goal, phase.Category,
		phase.Complexity, deliverables, scope, phase.State, phase.AttemptsUsed, maxAttempts)
	if err != nil {
		return apperrors.NewDatabaseError("create phase", err)
	}
	return nil
}

// NextQueuedPhase returns the lowest phase_index phase in state QUEUED for
// run_id, or apperrors.ErrorTypeNotFound if none remain.
func (s *Store) NextQueuedPhase(ctx context.Context, runID string) (domain.Phase, error) {
	var row phaseRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM phases WHERE run_id = $1 AND state = $2
		ORDER BY phase_index ASC LIMIT 1`, runID, domain.PhaseQueued)
	if err == sql.ErrNoRows {
		return domain.Phase{}, apperrors.NewNotFoundError("queued phase")
	}
	if err != nil {
		return domain.Phase{}, apperrors.NewDatabaseError("next queued phase", err)
	}
	return row.toDomain()
}

// PhaseFilter narrows FailedPhases to a run, or across all runs when RunID
// is empty (used by the Batch Drain Controller's candidate selection).
type PhaseFilter struct {
	RunID string
}

// FailedPhases returns every phase in state FAILED matching filter, ordered
// by phase_index for stable, deterministic drain-candidate selection.
func (s *Store) FailedPhases(ctx context.Context, filter PhaseFilter) ([]domain.Phase, error) {
	query := `SELECT * FROM phases WHERE state = $1`
	args := []interface{}{domain.PhaseFailed}
	if filter.RunID != "" {
		query += ` AND run_id = $2`
		args = append(args, filter.RunID)
	}
	query += ` ORDER BY phase_index ASC`

	var rows []phaseRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apperrors.NewDatabaseError("failed phases", err)
	}
	phases := make([]domain.Phase, 0, len(rows))
	for _, r := range rows {
		p, err := r.toDomain()
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "decode phase row")
		}
		phases = append(phases, p)
	}
	return phases, nil
}

// maxStaleRereads bounds the StalePhaseState CAS retry loop.
const maxStaleRereads = 5

// SetPhaseState performs a compare-and-swap on phase.state, retrying a
// bounded number of times on StalePhaseState (a concurrent writer moved the
// row between read and write) before surfacing the conflict. A persistent
// conflict past the bound is ConflictingWriter, which is fatal.
func (s *Store) SetPhaseState(ctx context.Context, phaseID string, expected, next domain.PhaseState) error {
	for attempt := 0; attempt < maxStaleRereads; attempt++ {
		res, err := s.db.ExecContext(ctx, `
			UPDATE phases SET state = $1 WHERE phase_id = $2 AND state = $3`,
			next, phaseID, expected)
		if err != nil {
			return apperrors.NewDatabaseError("set phase state", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return apperrors.NewDatabaseError("set phase state rows affected", err)
		}
		if affected == 1 {
			return nil
		}

		var row phaseRow
		if err := s.db.GetContext(ctx, &row, `SELECT * FROM phases WHERE phase_id = $1`, phaseID); err != nil {
			return apperrors.NewDatabaseError("reread phase state", err)
		}
		if domain.PhaseState(row.State) == expected {
			// Row matches but the update missed — transient, retry.
			continue
		}
		expected = domain.PhaseState(row.State)
	}
	return apperrors.New(apperrors.ErrorTypeConflict, fmt.Sprintf("conflicting writer detected for phase %s", phaseID))
}

type attemptRow struct {
	AttemptID    string       `db:"attempt_id"`
	PhaseID      string       `db:"phase_id"`
	AttemptIndex int          `db:"attempt_index"`
	Role         string       `db:"role"`
	ModelID      string       `db:"model_id"`
	StartedAt    time.Time    `db:"started_at"`
	FinishedAt   sql.NullTime `db:"finished_at"`
	Outcome      string       `db:"outcome"`
	TokensIn     int64        `db:"tokens_in"`
	TokensOut    int64        `db:"tokens_out"`
	ErrorDigest  string       `db:"error_digest"`
}

func (r attemptRow) toDomain() domain.Attempt {
	a := domain.Attempt{
		AttemptID:    r.AttemptID,
		PhaseID:      r.PhaseID,
		AttemptIndex: r.AttemptIndex,
		Role:         domain.Role(r.Role),
		ModelID:      r.ModelID,
		StartedAt:    r.StartedAt,
		Outcome:      domain.AttemptOutcome(r.Outcome),
		TokensIn:     r.TokensIn,
		TokensOut:    r.TokensOut,
		ErrorDigest:  r.ErrorDigest,
	}
	if r.FinishedAt.Valid {
		a.FinishedAt = &r.FinishedAt.Time
	}
	return a
}

// RecordAttempt appends an attempt row. Attempts are append-only: this
// never updates an existing row.
func (s *Store) RecordAttempt(ctx context.Context, attempt domain.Attempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (attempt_id, phase_id, attempt_index, role, model_id,
			started_at, finished_at, outcome, tokens_in, tokens_out, error_digest)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		attempt.AttemptID, attempt.PhaseID, attempt.AttemptIndex, attempt.Role, attempt.ModelID,
		attempt.StartedAt, attempt.FinishedAt, attempt.Outcome, attempt.TokensIn, attempt.TokensOut,
		attempt.ErrorDigest)
	if err != nil {
		return apperrors.NewDatabaseError("record attempt", err)
	}
	return nil
}

// PhaseAttempts returns every attempt for phase_id, ordered by attempt_index.
func (s *Store) PhaseAttempts(ctx context.Context, phaseID string) ([]domain.Attempt, error) {
	var rows []attemptRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM attempts WHERE phase_id = $1 ORDER BY attempt_index ASC`, phaseID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("phase attempts", err)
	}
	attempts := make([]domain.Attempt, 0, len(rows))
	for _, r := range rows {
		attempts = append(attempts, r.toDomain())
	}
	return attempts, nil
}
