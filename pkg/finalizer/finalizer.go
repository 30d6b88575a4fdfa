// Package finalizer is the Phase Finalizer (C9): the sole authority that
// may transition a phase to COMPLETE. It evaluates all four gates every
// time and accumulates every blocking reason rather than stopping at the
// first one, composing the Risk Scorer/Governance Gate (C5), Approval
// Gateway (C6), Governed Apply (C7), and Test Baseline Tracker (C8)
// outputs for one attempt.
package finalizer

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hshk99/autopack/pkg/domain"
	"github.com/hshk99/autopack/pkg/testbaseline"
)

// CoverageBaselinePolicy controls Gate 1's behavior when no coverage
// baseline is available for a project.
type CoverageBaselinePolicy string

const (
	// CoverageStrict treats a missing baseline as blocking.
	CoverageStrict CoverageBaselinePolicy = "strict"
	// CoverageLenient (the default) treats a missing baseline as a 0
	// delta, i.e. non-blocking.
	CoverageLenient CoverageBaselinePolicy = "lenient"
)

// Input bundles everything Finalize needs for one attempt's gates, drawn
// from the components that ran earlier in the same attempt.
type Input struct {
	Phase    domain.Phase
	Proposal domain.PatchProposal
	Apply    domain.ApplyResult

	TestDelta testbaseline.DeltaResult

	Risk            domain.RiskAssessment
	ApprovalGranted bool // true when Risk.RequiresApproval and the Approval Gateway recorded APPROVED

	// CoverageDelta is the change in test coverage this attempt produced.
	// CoverageBaselineAvailable is false when the project has no recorded
	// coverage baseline to compare against.
	CoverageDelta             float64
	CoverageBaselineAvailable bool

	CoveragePolicy CoverageBaselinePolicy

	WorkspaceRoot string
}

// Finalizer evaluates the four gates and decides whether a phase completes.
type Finalizer struct{}

// New builds a Finalizer. It holds no state: every gate is a pure function
// of its Input.
func New() *Finalizer {
	return &Finalizer{}
}

// Finalize runs Gate 0 through Gate 3 against in unconditionally, so a
// caller always sees every reason a phase was blocked rather than just the
// first gate that tripped. A BLOCKED outcome with attempts remaining
// signals the caller (the Executor) to retry; with no attempts remaining
// it is the caller's responsibility to transition the phase to FAILED
// instead.
func (f *Finalizer) Finalize(ctx context.Context, in Input) domain.FinalizerDecision {
	decision := domain.FinalizerDecision{
		PhaseID:   in.Phase.PhaseID,
		AttemptID: in.Proposal.AttemptID,
	}

	decision.Gate0CI = gateCI(in.TestDelta)
	decision.Gate1Quality = gateQuality(in)
	decision.Gate2Deliver = gateDeliverables(in)
	decision.Gate3Symbols = gateSymbols(in)

	for _, gate := range []domain.GateResult{decision.Gate0CI, decision.Gate1Quality, decision.Gate2Deliver, decision.Gate3Symbols} {
		if !gate.Passed {
			decision.Outcome = domain.FinalizerBlocked
			decision.Reasons = append(decision.Reasons, gate.Reasons...)
		}
	}
	if decision.Outcome == "" {
		decision.Outcome = domain.FinalizerComplete
	}
	return decision
}

// gateCI is Gate 0: the deduped CI delta (new failures after one flaky
// retry) must be empty.
func gateCI(delta testbaseline.DeltaResult) domain.GateResult {
	if len(delta.NewFailures) == 0 {
		return domain.GateResult{Passed: true}
	}
	return domain.GateResult{
		Passed:  false,
		Reasons: []string{"new test failures: " + strings.Join(delta.NewFailures, ", ")},
	}
}

// gateQuality is Gate 1: risk must not exceed HIGH unless approved, and
// coverage must not regress below the available baseline (or below 0
// under the lenient no-baseline policy).
func gateQuality(in Input) domain.GateResult {
	var reasons []string

	if in.Risk.RiskLevel == domain.RiskCritical && !in.ApprovalGranted {
		reasons = append(reasons, "risk level CRITICAL requires approval")
	}
	if in.Risk.RequiresApproval && !in.ApprovalGranted {
		reasons = append(reasons, "proposal requires approval and none was granted")
	}

	policy := in.CoveragePolicy
	if policy == "" {
		policy = CoverageLenient
	}
	switch {
	case in.CoverageBaselineAvailable:
		if in.CoverageDelta < 0 {
			reasons = append(reasons, "coverage delta regressed below baseline")
		}
	case policy == CoverageStrict:
		reasons = append(reasons, "no coverage baseline available under strict policy")
	default:
		// lenient with no baseline: delta is treated as 0, non-blocking.
	}

	if len(reasons) > 0 {
		return domain.GateResult{Passed: false, Reasons: reasons}
	}
	return domain.GateResult{Passed: true}
}

// gateDeliverables is Gate 2: every declared deliverable path must exist,
// be non-empty, and lie under the phase's allowed paths.
func gateDeliverables(in Input) domain.GateResult {
	var reasons []string
	for _, rel := range in.Phase.Deliverables {
		if !in.Phase.Scope.InAllowedPaths(rel) {
			reasons = append(reasons, "deliverable outside allowed paths: "+rel)
			continue
		}
		abs := filepath.Join(in.WorkspaceRoot, rel)
		info, err := os.Stat(abs)
		if err != nil {
			reasons = append(reasons, "deliverable missing: "+rel)
			continue
		}
		if info.Size() == 0 {
			reasons = append(reasons, "deliverable empty: "+rel)
		}
	}
	if len(reasons) > 0 {
		return domain.GateResult{Passed: false, Reasons: reasons}
	}
	return domain.GateResult{Passed: true}
}

var testCasePattern = regexp.MustCompile(`(?m)^\s*func\s+Test\w+\s*\(`)

// gateSymbols is Gate 3: every symbol the proposal declared must resolve
// somewhere in the files this attempt changed or added, and any test
// deliverable must contain at least one test case.
func gateSymbols(in Input) domain.GateResult {
	var reasons []string
	touched := append(append([]string{}, in.Apply.ChangedFiles...), in.Apply.AddedFiles...)

	var haystacks []string
	for _, rel := range touched {
		data, err := os.ReadFile(filepath.Join(in.WorkspaceRoot, rel))
		if err != nil {
			continue
		}
		haystacks = append(haystacks, string(data))
	}

	for _, symbol := range in.Proposal.SymbolManifest {
		if !symbolResolves(symbol, haystacks) {
			reasons = append(reasons, "symbol not found: "+symbol)
		}
	}

	for _, rel := range in.Phase.Deliverables {
		if !isTestDeliverable(rel) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(in.WorkspaceRoot, rel))
		if err != nil {
			reasons = append(reasons, "test deliverable unreadable: "+rel)
			continue
		}
		if !testCasePattern.Match(data) {
			reasons = append(reasons, "test deliverable has no test case: "+rel)
		}
	}

	if len(reasons) > 0 {
		return domain.GateResult{Passed: false, Reasons: reasons}
	}
	return domain.GateResult{Passed: true}
}

func symbolResolves(symbol string, haystacks []string) bool {
	pattern := `\b` + regexp.QuoteMeta(symbol) + `\b`
	re := regexp.MustCompile(pattern)
	for _, h := range haystacks {
		if re.MatchString(h) {
			return true
		}
	}
	return false
}

func isTestDeliverable(rel string) bool {
	return strings.HasSuffix(rel, "_test.go")
}
