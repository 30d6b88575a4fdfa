// Package governance is the Risk Scorer & Governance gate (C5): it scores
// a PatchProposal against its phase's scope, enforces default-deny on
// protected paths, and renders a ruling (AUTO_APPROVE / REQUIRE_APPROVAL /
// REJECT) that the Phase Executor must honor before any write happens.
package governance

import (
	"context"
	"strings"

	apperrors "github.com/hshk99/autopack/internal/errors"
	"github.com/hshk99/autopack/pkg/domain"
	"github.com/hshk99/autopack/pkg/policy"
)

// categoryFloors are the minimum risk level a category's proposals start
// at, regardless of what the signals alone would imply.
var categoryFloors = map[domain.Category]domain.RiskLevel{
	domain.CategorySecurityAuthChange:   domain.RiskHigh,
	domain.CategorySchemaContractChange: domain.RiskHigh,
	domain.CategoryExternalFeatureReuse: domain.RiskHigh,
}

var riskRank = map[domain.RiskLevel]int{
	domain.RiskLow:      0,
	domain.RiskMedium:   1,
	domain.RiskHigh:     2,
	domain.RiskCritical: 3,
}

func maxRisk(a, b domain.RiskLevel) domain.RiskLevel {
	if riskRank[b] > riskRank[a] {
		return b
	}
	return a
}

// largeDeletionFileThreshold and largeDeletionTotalThreshold are the
// single-file and proposal-wide deletion-line floors from spec.md §4.5.
const (
	largeDeletionFileThreshold  = 200
	largeDeletionTotalThreshold = 1000
	crossModuleThreshold        = 3
	smallDiffOperationLimit     = 3
)

// Gate evaluates PatchProposals against phase scope and the Policy
// Store's protection/routing policy.
type Gate struct {
	policies *policy.Store
}

// New builds a Gate consulting policies for protected paths and
// best_first routing strategy (which refuses auto-approval outright).
func New(policies *policy.Store) *Gate {
	return &Gate{policies: policies}
}

func topLevelArea(p string) string {
	p = strings.TrimPrefix(p, "/")
	if idx := strings.Index(p, "/"); idx >= 0 {
		return p[:idx]
	}
	return p
}

func countDeletionLines(format domain.PatchFormat, op domain.PatchOperation) int {
	if op.Op == domain.OpDelete {
		return 0 // whole-file deletion is captured by Destructive, not a line count
	}
	if format != domain.PatchFormatUnifiedDiff {
		return 0
	}
	n := 0
	for _, line := range strings.Split(op.ContentOrHunks, "\n") {
		if strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---") {
			n++
		}
	}
	return n
}

// Evaluate scores proposal against phase and returns the RiskAssessment
// and governance ruling. Out-of-scope paths are rejected outright, with
// no approval path; everything else defaults to REQUIRE_APPROVAL unless
// every narrow auto-approval condition holds.
func (g *Gate) Evaluate(ctx context.Context, proposal domain.PatchProposal, phase domain.Phase) (domain.RiskAssessment, domain.Ruling, error) {
	for _, op := range proposal.Operations {
		if !phase.Scope.InAllowedPaths(op.Path) {
			return domain.RiskAssessment{
				ProposalID:       proposal.ProposalID,
				RiskLevel:        domain.RiskCritical,
				DecisionCategory: domain.DecisionAmbiguous,
				RequiresApproval: true,
			}, domain.RulingReject, nil
		}
	}

	signals := domain.RiskSignals{}
	protection := g.policies.GetProtectionPolicy()
	areas := map[string]bool{}
	totalDeletions := 0

	for _, op := range proposal.Operations {
		if phase.Scope.InProtectedPaths(op.Path) || protection.IsProtected(op.Path) {
			signals.ProtectedHits++
		}
		if op.Op == domain.OpDelete {
			signals.Destructive = true
		}
		deletions := countDeletionLines(proposal.Format, op)
		totalDeletions += deletions
		if deletions > largeDeletionFileThreshold {
			signals.LargeDeletionLines = deletions
		}
		areas[topLevelArea(op.Path)] = true
	}
	if totalDeletions > largeDeletionTotalThreshold && signals.LargeDeletionLines == 0 {
		signals.LargeDeletionLines = totalDeletions
	}
	if len(areas) >= crossModuleThreshold {
		signals.CrossModule = true
	}

	risk := domain.RiskLow
	if floor, ok := categoryFloors[phase.Category]; ok {
		risk = floor
	}
	if signals.ProtectedHits > 0 {
		risk = maxRisk(risk, domain.RiskCritical)
	}
	if signals.LargeDeletionLines > 0 {
		risk = maxRisk(risk, domain.RiskHigh)
	}
	if signals.CrossModule {
		risk = maxRisk(risk, domain.RiskMedium)
	}

	// Second-pass declarative rule: additive only, never downgrades.
	regoInput := map[string]interface{}{
		"category": string(phase.Category),
		"paths":    operationPaths(proposal.Operations),
	}
	regoHit, err := protection.EvaluateRego(ctx, regoInput)
	if err != nil {
		// Default-deny: an evaluation error never resolves to AUTO_APPROVE.
		return domain.RiskAssessment{
			ProposalID:       proposal.ProposalID,
			RiskLevel:        maxRisk(risk, domain.RiskHigh),
			DecisionCategory: domain.DecisionAmbiguous,
			Signals:          signals,
			RequiresApproval: true,
		}, domain.RulingRequireApproval, apperrors.Wrap(err, apperrors.ErrorTypePolicyViolation, "rego protection evaluation failed")
	}
	if regoHit {
		risk = maxRisk(risk, domain.RiskCritical)
		signals.ProtectedHits++
	}

	decision := decisionCategoryFor(risk)
	requiresApproval := risk != domain.RiskLow

	bestFirst := g.policies.GetRoutingPolicy(phase.Category).Strategy == policy.StrategyBestFirst

	ruling := domain.RulingRequireApproval
	switch {
	case risk == domain.RiskLow && !bestFirst && !signals.CrossModule && !signals.Destructive &&
		len(proposal.Operations) <= smallDiffOperationLimit:
		ruling = domain.RulingAutoApprove
		requiresApproval = false
	default:
		ruling = domain.RulingRequireApproval
		requiresApproval = true
	}

	return domain.RiskAssessment{
		ProposalID:       proposal.ProposalID,
		RiskLevel:        risk,
		DecisionCategory: decision,
		Signals:          signals,
		RequiresApproval: requiresApproval,
	}, ruling, nil
}

func decisionCategoryFor(risk domain.RiskLevel) domain.DecisionCategory {
	switch risk {
	case domain.RiskLow:
		return domain.DecisionClearFix
	case domain.RiskMedium:
		return domain.DecisionThreshold
	case domain.RiskHigh:
		return domain.DecisionRisky
	default:
		return domain.DecisionAmbiguous
	}
}

func operationPaths(ops []domain.PatchOperation) []string {
	paths := make([]string, len(ops))
	for i, op := range ops {
		paths[i] = op.Path
	}
	return paths
}
