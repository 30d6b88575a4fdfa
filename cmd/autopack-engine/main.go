// Command autopack-engine is the long-running process that owns the
// Run/Phase Store, drives runs through the Run Supervisor, and serves the
// two control-plane callbacks spec.md §6 names as real, wired handlers:
// the approval-decision webhook and the /health identity check.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
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
	"github.com/hshk99/autopack/pkg/drain"
	"github.com/hshk99/autopack/pkg/executor"
	"github.com/hshk99/autopack/pkg/finalizer"
	"github.com/hshk99/autopack/pkg/governance"
	"github.com/hshk99/autopack/pkg/llm"
	"github.com/hshk99/autopack/pkg/metrics"
	"github.com/hshk99/autopack/pkg/pendingmoves"
	"github.com/hshk99/autopack/pkg/policy"
	"github.com/hshk99/autopack/pkg/router"
	"github.com/hshk99/autopack/pkg/shared/logging"
	"github.com/hshk99/autopack/pkg/store"
	"github.com/hshk99/autopack/pkg/supervisor"
	"github.com/hshk99/autopack/pkg/telemetry"
	"github.com/hshk99/autopack/pkg/testbaseline"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the engine's YAML config file")
	flag.Parse()

	logger := logrus.StandardLogger()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to load config")
	}
	logger.SetLevel(parseLevel(cfg.Logging.Level))

	zapLogger, err := zap.NewProduction()
	if err != nil {
		logger.WithError(err).Fatal("failed to build zap logger")
	}
	defer zapLogger.Sync()
	auditLog := zapr.NewLogger(zapLogger)

	dbConfig := database.DefaultConfig()
	dbConfig.LoadFromEnv()
	sqlDB, err := database.Connect(dbConfig, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to database")
	}
	defer sqlDB.Close()

	runStore := store.New(sqlDB, dbConfig, logger)

	policies, err := policy.Load(cfg.Workspace.PolicyFile)
	if err != nil {
		logger.WithError(err).Fatal("failed to load routing/protection policy")
	}

	var quota router.QuotaChecker = router.AlwaysAllow{}
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		quota = router.NewRedisQuotaChecker(redisClient, 100)
	}
	rt := router.New(policies, quota)
	gate := governance.New(policies)

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

	builder := llm.NewBreakerCaller("builder", newLLMCaller(cfg))
	var auditor llm.Caller
	if cfg.LLM.Provider != "fake" {
		auditor = llm.NewBreakerCaller("auditor", newLLMCaller(cfg))
	}

	ex := executor.New(runStore, rt, gate, approvalGateway, applier, baseline, fin, builder, auditor)

	sink, err := telemetry.Open(telemetrySinkPath(cfg))
	if err != nil {
		logger.WithError(err).Fatal("failed to open telemetry sink")
	}
	defer sink.Close()

	metricsServer := metrics.NewServer(cfg.Server.MetricsPort, logger)
	metricsServer.StartAsync()

	drainLimits := domain.DrainLimits{
		PhaseTimeout:            cfg.Drain.PhaseTimeout,
		MaxTotalMinutes:         cfg.Drain.MaxTotalMinutes,
		MaxTimeoutsPerRun:       cfg.Drain.MaxTimeoutsPerRun,
		MaxAttemptsPerPhase:     cfg.Drain.MaxAttemptsPerPhase,
		MaxFingerprintRepeats:   cfg.Drain.MaxFingerprintRepeats,
		MaxConsecutiveZeroYield: cfg.Drain.MaxConsecutiveZeroYield,
	}
	var fingerprintCache drain.FingerprintCache
	if cfg.Redis.Addr != "" {
		fingerprintCache = drain.NewRedisCache(redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr}), "autopack:drain")
	}
	drainController := drain.New(drainLimits, fingerprintCache, cfg.Drain.BatchSize)
	_ = drainController // not used by the engine itself; cmd/autopackctl's "drain" subcommand builds its own Controller

	super := supervisor.New(runStore, runStore, ex, approvalGateway, logger)
	super.SetTelemetry(sink)

	webhookRouter := buildRouter(cfg, dbConfig, approvalGateway, logger)

	srv := &http.Server{Addr: ":" + cfg.Server.WebhookPort, Handler: webhookRouter}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithFields(logging.NewFields().Component("engine").Error(err).ToLogrus()).
				Error("webhook server stopped")
		}
	}()

	_ = super // not driven here: nothing in the engine calls RunRun, and no HTTP endpoint starts a run

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	_ = metricsServer.Stop(ctx)
}

// buildRouter serves the two control-plane callbacks spec.md §6 names:
// the approval-decision webhook and the database-identity /health check.
func buildRouter(cfg *config.Config, dbConfig *database.Config, gateway *approval.Gateway, logger *logrus.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"identity": database.HealthFingerprint(dbConfig),
		})
	})

	r.Post("/approval/decision/{approvalID}", func(w http.ResponseWriter, req *http.Request) {
		approvalID := chi.URLParam(req, "approvalID")
		var body struct {
			Decision domain.ApprovalDecision `json:"decision"`
			Actor    string                  `json:"actor"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "invalid decision payload", http.StatusBadRequest)
			return
		}

		decided, err := gateway.Decide(req.Context(), approvalID, body.Decision, body.Actor, time.Now())
		if err != nil {
			if apperrors.IsNotFound(err) {
				http.Error(w, "approval not found", http.StatusNotFound)
				return
			}
			logger.WithFields(logging.NewFields().Component("engine").Operation("approval_decision").Error(err).ToLogrus()).
				Error("failed to record approval decision")
			http.Error(w, "failed to record decision", http.StatusInternalServerError)
			return
		}

		// The Supervisor records the APPROVAL telemetry row once it resumes
		// this phase, since it is the one caller with the phase's run_id.

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(decided)
	})

	return r
}

func telemetrySinkPath(cfg *config.Config) string {
	return cfg.Workspace.RunsRoot + "/telemetry.jsonl"
}

func parseLevel(level string) logrus.Level {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel
	}
	return parsed
}

// newLLMCaller returns the Builder/Auditor caller for cfg.LLM.Provider. No
// concrete provider SDK is wired (spec.md §1's named-interface boundary);
// every provider name resolves to the deterministic fake until a real
// client is plugged in behind llm.Caller.
func newLLMCaller(cfg *config.Config) llm.Caller {
	return &llm.Fake{}
}
