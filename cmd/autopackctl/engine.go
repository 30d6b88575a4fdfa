package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-logr/zapr"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/hshk99/autopack/internal/config"
	"github.com/hshk99/autopack/internal/database"
	apperrors "github.com/hshk99/autopack/internal/errors"
	"github.com/hshk99/autopack/pkg/apply"
	"github.com/hshk99/autopack/pkg/approval"
	"github.com/hshk99/autopack/pkg/artifact"
	"github.com/hshk99/autopack/pkg/domain"
	"github.com/hshk99/autopack/pkg/executor"
	"github.com/hshk99/autopack/pkg/finalizer"
	"github.com/hshk99/autopack/pkg/governance"
	"github.com/hshk99/autopack/pkg/llm"
	"github.com/hshk99/autopack/pkg/pendingmoves"
	"github.com/hshk99/autopack/pkg/policy"
	"github.com/hshk99/autopack/pkg/router"
	"github.com/hshk99/autopack/pkg/store"
	"github.com/hshk99/autopack/pkg/testbaseline"
)

// engineDeps is the subset of cmd/autopack-engine's wiring graph the CLI
// subcommands need: a Run/Phase Store and a Phase Executor, built the
// same way cmd/autopack-engine builds them, minus the HTTP surface.
type engineDeps struct {
	cfg      *config.Config
	dbConfig *database.Config
	sqlDB    *sql.DB
	logger   *logrus.Logger
	store    *store.Store
	policies *policy.Store
	executor *executor.Executor
	cleanup  func()
}

func wireEngine(path string) (*engineDeps, error) {
	logger := logrus.StandardLogger()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(parseLevel(cfg.Logging.Level))

	dbConfig := database.DefaultConfig()
	dbConfig.LoadFromEnv()
	sqlDB, err := database.Connect(dbConfig, logger)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeConfig, "failed to connect to database")
	}

	runStore := store.New(sqlDB, dbConfig, logger)

	policies, err := policy.Load(cfg.Workspace.PolicyFile)
	if err != nil {
		sqlDB.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeConfig, "failed to load routing/protection policy")
	}

	var quota router.QuotaChecker = router.AlwaysAllow{}
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		quota = router.NewRedisQuotaChecker(redisClient, 100)
	}
	rt := router.New(policies, quota)
	gate := governance.New(policies)

	zapLogger, err := zap.NewProduction()
	if err != nil {
		sqlDB.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to build zap logger")
	}
	auditLog := zapr.NewLogger(zapLogger)

	approvalStore := approval.NewSQLStore(sqlDB)
	approvalGateway := approval.New(approvalStore, approval.NoopNotifier{}, approval.NewAuditClient(nil, auditLog))

	layout := artifact.NewLayout(cfg.Workspace.RunsRoot)
	pendingQueue := pendingmoves.New(artifact.PendingMovesFile(cfg.Workspace.RunsRoot))
	applier := apply.New(layout, pendingQueue)
	protection := policies.GetProtectionPolicy()
	applier.SetProtectionPolicy(&protection)

	baselineStore := testbaseline.NewSQLStore(sqlDB)
	baseline := testbaseline.New(testbaseline.GoTestRunner{}, baselineStore)

	fin := finalizer.New()
	builder := llm.NewBreakerCaller("builder", &llm.Fake{})

	ex := executor.New(runStore, rt, gate, approvalGateway, applier, baseline, fin, builder, nil)

	cleanup := func() {
		sqlDB.Close()
		if redisClient != nil {
			redisClient.Close()
		}
	}

	return &engineDeps{
		cfg: cfg, dbConfig: dbConfig, sqlDB: sqlDB, logger: logger,
		store: runStore, policies: policies, executor: ex, cleanup: cleanup,
	}, nil
}

func parseLevel(level string) logrus.Level {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel
	}
	return parsed
}

// noopBuilder never produces a real patch; every CLI-driven attempt (drain
// replay) runs against the same deterministic fake cmd/autopack-engine
// falls back to when no provider SDK is wired.
func noopBuilder(ctx context.Context, phase domain.Phase, sel router.Selection, hints []domain.LearningHint, retrieval string, caller llm.Caller) (domain.PatchProposal, llm.Response, error) {
	resp, err := caller.Call(ctx, llm.Request{Role: "Builder", Goal: "drain replay"})
	return domain.PatchProposal{ProposalID: phase.PhaseID + "-drain", AttemptID: phase.PhaseID, Format: domain.PatchFormatUnifiedDiff}, resp, err
}

const drainApprovalTimeout = 15 * time.Minute
