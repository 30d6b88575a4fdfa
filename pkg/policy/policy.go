// Package policy is the Policy Store (C1): routing strategies, risk
// scoring inputs, protected/retention policy, and budgets, loaded once from
// declarative YAML and kept fresh via an fsnotify watch.
package policy

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/open-policy-agent/opa/rego"
	"gopkg.in/yaml.v3"

	apperrors "github.com/hshk99/autopack/internal/errors"
	"github.com/hshk99/autopack/pkg/domain"
)

// Strategy is the closed set of model-routing strategies.
type Strategy string

const (
	StrategyBestFirst   Strategy = "best_first"
	StrategyProgressive Strategy = "progressive"
	StrategyCheapFirst  Strategy = "cheap_first"
)

// Escalation names the model a role escalates to after a given attempt count.
type Escalation struct {
	Builder      string `yaml:"builder" json:"builder"`
	Auditor      string `yaml:"auditor" json:"auditor"`
	AfterAttempts int   `yaml:"after_attempts" json:"after_attempts"`
}

// RoutingPolicy is the per-category model-routing configuration.
type RoutingPolicy struct {
	Strategy        Strategy    `yaml:"strategy" json:"strategy" validate:"required,oneof=best_first progressive cheap_first"`
	BuilderPrimary  string      `yaml:"builder_primary" json:"builder_primary" validate:"required"`
	AuditorPrimary  string      `yaml:"auditor_primary" json:"auditor_primary" validate:"required"`
	SecondaryAuditor string     `yaml:"secondary_auditor,omitempty" json:"secondary_auditor,omitempty"`
	DualAudit       bool        `yaml:"dual_audit" json:"dual_audit"`
	EscalateTo      *Escalation `yaml:"escalate_to,omitempty" json:"escalate_to,omitempty"`
	QuotaEnforced   bool        `yaml:"quota_enforcement" json:"quota_enforcement"`
}

// RetentionWindow is the closed set of retention horizons.
type RetentionWindow string

const (
	RetentionShort     RetentionWindow = "short_term"
	RetentionMedium    RetentionWindow = "medium_term"
	RetentionLong      RetentionWindow = "long_term"
	RetentionPermanent RetentionWindow = "permanent"
)

// RetentionWindows maps the closed retention windows to their durations.
// database retention is a disabled placeholder per spec.md §6.
var RetentionWindows = map[RetentionWindow]time.Duration{
	RetentionShort:  30 * 24 * time.Hour,
	RetentionMedium: 90 * 24 * time.Hour,
	RetentionLong:   180 * 24 * time.Hour,
}

// SubsystemOverride narrows a protection-category behavior for one named
// subsystem (e.g. Tidy skips protected paths entirely; Storage Optimizer
// may scan but not delete).
type SubsystemOverride struct {
	Subsystem  string `yaml:"subsystem" json:"subsystem"`
	CanScan    bool   `yaml:"can_scan" json:"can_scan"`
	CanDelete  bool   `yaml:"can_delete" json:"can_delete"`
}

// ProtectionCategory groups protected-path globs under one named policy
// category (SOT docs, source code, databases, VCS, config, audit trails,
// active state).
type ProtectionCategory struct {
	Name      string          `yaml:"name" json:"name" validate:"required"`
	Globs     []string        `yaml:"globs" json:"globs"`
	Retention RetentionWindow `yaml:"retention" json:"retention"`
}

// ProtectionPolicy is the single source of truth for protected paths and
// retention; no subsystem may re-declare a protected path.
type ProtectionPolicy struct {
	Categories []ProtectionCategory `yaml:"categories" json:"categories"`
	Overrides  []SubsystemOverride  `yaml:"overrides" json:"overrides"`

	compiledRego *rego.PreparedEvalQuery
}

// AllProtectedGlobs flattens every category's globs.
func (p *ProtectionPolicy) AllProtectedGlobs() []string {
	var out []string
	for _, c := range p.Categories {
		out = append(out, c.Globs...)
	}
	return out
}

// IsProtected reports whether path matches any protected-path glob. This
// is the single source of truth every subsystem's protected-path check
// must consult instead of re-declaring its own list.
func (p *ProtectionPolicy) IsProtected(path string) bool {
	return MatchAny(p.AllProtectedGlobs(), path)
}

// EvaluateRego runs the operator-supplied declarative protected-path rule
// (the documented escape hatch, spec.md §4.1/§4.5) against the given input.
// With no compiled query, or a result that is not a boolean, it resolves
// to "false" (no additional protection asserted); an evaluation error is
// returned alongside false for the caller to handle. This path only ever
// adds protection, it never removes the Go-native evaluation's verdict.
func (p *ProtectionPolicy) EvaluateRego(ctx context.Context, input map[string]interface{}) (bool, error) {
	if p.compiledRego == nil {
		return false, nil
	}
	rs, err := p.compiledRego.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	if b, ok := rs[0].Expressions[0].Value.(bool); ok {
		return b, nil
	}
	return false, nil
}

// Budgets is the run/phase budget configuration.
type Budgets struct {
	TokenBudgetDefault    int64  `yaml:"token_budget_default" json:"token_budget_default"`
	CoverageBaselinePolicy string `yaml:"coverage_baseline_policy" json:"coverage_baseline_policy" validate:"omitempty,oneof=strict lenient"`
}

// Config is the full, validated policy-store configuration as loaded from
// the declarative policy file.
type Config struct {
	Routing    map[domain.Category]RoutingPolicy `yaml:"routing" json:"routing"`
	Protection ProtectionPolicy                  `yaml:"protection" json:"protection"`
	Budgets    Budgets                            `yaml:"budgets" json:"budgets"`
	RegoPolicy string                             `yaml:"rego_policy,omitempty" json:"rego_policy,omitempty"`
}

var validate = validator.New()

// defaultRoutingPolicy is the fallback for unknown/unconfigured categories
// (spec.md §4.1: "unknown categories fall back to other → progressive").
func defaultRoutingPolicy() RoutingPolicy {
	return RoutingPolicy{
		Strategy:       StrategyProgressive,
		BuilderPrimary: "default-builder",
		AuditorPrimary: "default-auditor",
	}
}

// Store is the Policy Store: loaded once, then kept fresh by an fsnotify
// watch under a mutex so a reload is never observed half-applied.
type Store struct {
	mu     sync.RWMutex
	path   string
	config *Config
	watcher *fsnotify.Watcher
}

// Load reads and validates the policy file at path, building a Store.
func Load(path string) (*Store, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, config: cfg}, nil
}

func loadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeConfig, "failed to read policy file: %s", path)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeConfig, "failed to parse policy file: %s", path)
	}

	if cfg.Budgets.CoverageBaselinePolicy == "" {
		cfg.Budgets.CoverageBaselinePolicy = "lenient"
	}

	for cat, rp := range cfg.Routing {
		if err := validate.Struct(rp); err != nil {
			return nil, apperrors.Wrapf(err, apperrors.ErrorTypeConfig, "invalid routing policy for category %s: %v", cat, err)
		}
	}

	if cfg.RegoPolicy != "" {
		q, err := rego.New(
			rego.Query("data.autopack.protection.protected"),
			rego.Module("protection.rego", cfg.RegoPolicy),
		).PrepareForEval(context.Background())
		if err != nil {
			return nil, apperrors.Wrapf(err, apperrors.ErrorTypeConfig, "failed to compile rego protection policy: %v", err)
		}
		cfg.Protection.compiledRego = &q
	}

	return &cfg, nil
}

// GetRoutingPolicy returns the routing policy for category, falling back to
// CategoryOther's policy (or the hardcoded default) for unknown categories.
func (s *Store) GetRoutingPolicy(category domain.Category) RoutingPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rp, ok := s.config.Routing[category]; ok {
		return rp
	}
	if rp, ok := s.config.Routing[domain.CategoryOther]; ok {
		return rp
	}
	return defaultRoutingPolicy()
}

// GetProtectionPolicy returns the single source of truth for protected
// paths, retention windows, and subsystem overrides.
func (s *Store) GetProtectionPolicy() ProtectionPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.Protection
}

// GetBudgets returns the run/phase budget configuration.
func (s *Store) GetBudgets() Budgets {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.Budgets
}

// Watch starts an fsnotify watch on the policy file; stale policy must
// never persist across a file edit. onError receives reload failures
// (the prior, still-valid config is retained on error).
func (s *Store) Watch(onError func(error)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to start policy watcher")
	}
	if err := w.Add(s.path); err != nil {
		w.Close()
		return apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "failed to watch policy file: %s", s.path)
	}
	s.watcher = w

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := loadConfig(s.path)
				if err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}
				s.mu.Lock()
				s.config = cfg
				s.mu.Unlock()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(fmt.Errorf("policy watcher error: %w", err))
				}
			}
		}
	}()
	return nil
}

// Close stops the fsnotify watch, if running.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
