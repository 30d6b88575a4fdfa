// Package router is the Model Router (C4): given (category, attempt_index,
// role) it returns a model id and a token budget under one of three
// declarative routing strategies, consulting a pluggable quota checker
// before ever committing to a best_first model.
package router

import (
	"context"
	"time"

	apperrors "github.com/hshk99/autopack/internal/errors"
	"github.com/hshk99/autopack/pkg/domain"
	"github.com/hshk99/autopack/pkg/policy"
)

// Selection is the Model Router's verdict for one attempt.
type Selection struct {
	ModelID     string
	TokenBudget int
}

// budgetLadders are the token-budget escalation ladders keyed by
// complexity, indexed by attempt_index (1-based, clamped to the last rung).
var budgetLadders = map[domain.Complexity][]int{
	domain.ComplexityLow:    {8000, 12000, 16000},
	domain.ComplexityMedium: {12000, 16000, 24000},
	domain.ComplexityHigh:   {16000, 24000, 32000},
}

func budgetFor(complexity domain.Complexity, attemptIndex int) int {
	ladder, ok := budgetLadders[complexity]
	if !ok {
		ladder = budgetLadders[domain.ComplexityMedium]
	}
	idx := attemptIndex - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(ladder) {
		idx = len(ladder) - 1
	}
	return ladder[idx]
}

// QuotaChecker tracks and enforces per-(category, model) quota. The
// default implementation is Redis-backed so quota state survives process
// restarts and is shared across a multi-process deployment; tests may
// substitute an in-memory implementation.
type QuotaChecker interface {
	// Allow reports whether a call against model for category is within
	// quota. The Redis-backed implementation counts every call it is asked
	// about, refused ones included.
	Allow(ctx context.Context, category domain.Category, modelID string) (bool, error)
}

// AlwaysAllow is a QuotaChecker that never blocks, used when no quota
// enforcement is configured.
type AlwaysAllow struct{}

// Allow always reports true.
func (AlwaysAllow) Allow(ctx context.Context, category domain.Category, modelID string) (bool, error) {
	return true, nil
}

// Router selects a model and token budget per attempt under the active
// routing policy.
type Router struct {
	policies *policy.Store
	quota    QuotaChecker
}

// New builds a Router consulting policies for routing decisions and quota
// for best_first/escalated-tier quota enforcement.
func New(policies *policy.Store, quota QuotaChecker) *Router {
	if quota == nil {
		quota = AlwaysAllow{}
	}
	return &Router{policies: policies, quota: quota}
}

// SelectModel returns the model id and token budget for one attempt, per
// spec.md §4.4's strategy rules. best_first never downgrades: a quota
// block surfaces as ErrorTypeQuotaBlocked instead of substituting a
// weaker model.
func (r *Router) SelectModel(ctx context.Context, category domain.Category, attemptIndex int, role domain.Role, complexity domain.Complexity) (Selection, error) {
	rp := r.policies.GetRoutingPolicy(category)
	tokenBudget := budgetFor(complexity, attemptIndex)

	primary := rp.BuilderPrimary
	if role == domain.RoleAuditor {
		primary = rp.AuditorPrimary
	}

	switch rp.Strategy {
	case policy.StrategyBestFirst:
		if rp.QuotaEnforced {
			ok, err := r.quota.Allow(ctx, category, primary)
			if err != nil {
				return Selection{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "quota check failed")
			}
			if !ok {
				return Selection{}, apperrors.New(apperrors.ErrorTypeQuotaBlocked,
					"quota exhausted for best_first model "+primary)
			}
		}
		return Selection{ModelID: primary, TokenBudget: tokenBudget}, nil

	case policy.StrategyProgressive:
		modelID := primary
		escalated := false
		if rp.EscalateTo != nil && attemptIndex >= rp.EscalateTo.AfterAttempts {
			if role == domain.RoleAuditor {
				modelID = rp.EscalateTo.Auditor
			} else {
				modelID = rp.EscalateTo.Builder
			}
			escalated = true
		}
		if escalated && rp.QuotaEnforced {
			ok, err := r.quota.Allow(ctx, category, modelID)
			if err != nil {
				return Selection{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "quota check failed")
			}
			if !ok {
				return Selection{}, apperrors.New(apperrors.ErrorTypeQuotaBlocked,
					"quota exhausted for escalated model "+modelID)
			}
		}
		return Selection{ModelID: modelID, TokenBudget: tokenBudget}, nil

	case policy.StrategyCheapFirst:
		modelID := primary
		if rp.EscalateTo != nil && attemptIndex >= rp.EscalateTo.AfterAttempts {
			if role == domain.RoleAuditor {
				modelID = rp.EscalateTo.Auditor
			} else {
				modelID = rp.EscalateTo.Builder
			}
		}
		if rp.QuotaEnforced {
			ok, err := r.quota.Allow(ctx, category, modelID)
			if err != nil {
				return Selection{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "quota check failed")
			}
			if !ok {
				// cheap_first permits downgrade back to the primary tier.
				modelID = primary
			}
		}
		return Selection{ModelID: modelID, TokenBudget: tokenBudget}, nil

	default:
		return Selection{}, apperrors.New(apperrors.ErrorTypeConfig, "unknown routing strategy: "+string(rp.Strategy))
	}
}

// quotaWindow is the fixed window used by the Redis quota checker.
const quotaWindow = time.Hour
