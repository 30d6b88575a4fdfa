package executor_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "github.com/hshk99/autopack/internal/errors"
	"github.com/hshk99/autopack/pkg/apply"
	"github.com/hshk99/autopack/pkg/artifact"
	"github.com/hshk99/autopack/pkg/domain"
	"github.com/hshk99/autopack/pkg/executor"
	"github.com/hshk99/autopack/pkg/finalizer"
	"github.com/hshk99/autopack/pkg/governance"
	"github.com/hshk99/autopack/pkg/llm"
	"github.com/hshk99/autopack/pkg/policy"
	"github.com/hshk99/autopack/pkg/router"
	"github.com/hshk99/autopack/pkg/testbaseline"
)

const docsPolicy = `
routing:
  docs:
    strategy: cheap_first
    builder_primary: small-model
    auditor_primary: small-model
protection:
  categories:
    - name: vcs
      globs: [".git/**"]
      retention: permanent
`

func loadPolicy(yamlContent string) *policy.Store {
	dir, err := os.MkdirTemp("", "executor-policy")
	Expect(err).NotTo(HaveOccurred())
	path := filepath.Join(dir, "policy.yaml")
	Expect(os.WriteFile(path, []byte(yamlContent), 0644)).To(Succeed())
	store, err := policy.Load(path)
	Expect(err).NotTo(HaveOccurred())
	return store
}

// fakePhaseStore is an in-memory PhaseStore.
type fakePhaseStore struct {
	mu       sync.Mutex
	states   map[string]domain.PhaseState
	attempts map[string][]domain.Attempt
}

func newFakePhaseStore() *fakePhaseStore {
	return &fakePhaseStore{states: map[string]domain.PhaseState{}, attempts: map[string][]domain.Attempt{}}
}

func (s *fakePhaseStore) SetPhaseState(ctx context.Context, phaseID string, expected, next domain.PhaseState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[phaseID] = next
	return nil
}

func (s *fakePhaseStore) RecordAttempt(ctx context.Context, attempt domain.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[attempt.PhaseID] = append(s.attempts[attempt.PhaseID], attempt)
	return nil
}

func (s *fakePhaseStore) PhaseAttempts(ctx context.Context, phaseID string) ([]domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Attempt, len(s.attempts[phaseID]))
	copy(out, s.attempts[phaseID])
	return out, nil
}

// fakeApprovals is an ApprovalOpener that always opens successfully. Tests
// that want to simulate a resumed, already-decided phase populate
// decided[phaseID] directly rather than going through Open/Poll.
type fakeApprovals struct {
	mu      sync.Mutex
	opened  []string
	decided map[string]domain.ApprovalRequest
}

func (f *fakeApprovals) Open(ctx context.Context, approvalID, phaseID, proposalID string, risk domain.RiskAssessment, timeout time.Duration, now time.Time) (domain.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, approvalID)
	return domain.ApprovalRequest{ApprovalID: approvalID, PhaseID: phaseID, ProposalID: proposalID}, nil
}

func (f *fakeApprovals) Poll(ctx context.Context, approvalID string, now time.Time) (domain.ApprovalRequest, error) {
	return domain.ApprovalRequest{ApprovalID: approvalID}, nil
}

func (f *fakeApprovals) FindByPhase(ctx context.Context, phaseID string) (domain.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.decided[phaseID]
	if !ok {
		return domain.ApprovalRequest{}, apperrors.NewNotFoundError("approval request")
	}
	return req, nil
}

// fakeTestRunner scripts a sequence of RunAndDelta results/errors.
type fakeTestRunner struct {
	results []testbaseline.DeltaResult
	errs    []error
	calls   int
}

func (f *fakeTestRunner) RunAndDelta(ctx context.Context, runID, workspaceRoot string) (testbaseline.DeltaResult, error) {
	i := f.calls
	f.calls++
	var res testbaseline.DeltaResult
	if len(f.results) > 0 {
		if i >= len(f.results) {
			i = len(f.results) - 1
		}
		res = f.results[i]
	}
	var err error
	if len(f.errs) > 0 {
		j := f.calls - 1
		if j >= len(f.errs) {
			j = len(f.errs) - 1
		}
		err = f.errs[j]
	}
	return res, err
}

func testPhase(workspace string) domain.Phase {
	return domain.Phase{
		PhaseID:     "phase-1",
		RunID:       "run-1",
		Category:    domain.CategoryDocs,
		Complexity:  domain.ComplexityLow,
		Scope:       domain.NewScope([]string{"docs/"}, nil, nil),
		State:       domain.PhaseQueued,
		MaxAttempts: 3,
	}
}

func docsBuilderFn(proposal domain.PatchProposal, resp llm.Response) executor.BuilderFn {
	return func(ctx context.Context, phase domain.Phase, sel router.Selection, hints []domain.LearningHint, retrieval string, caller llm.Caller) (domain.PatchProposal, llm.Response, error) {
		callResp, err := caller.Call(ctx, llm.Request{})
		if err != nil {
			return domain.PatchProposal{}, callResp, err
		}
		if callResp.StopReason == "" {
			callResp = resp
		}
		return proposal, callResp, nil
	}
}

func newExecutor(store *fakePhaseStore, approvals *fakeApprovals, tests *fakeTestRunner, runsRoot string, builder, auditor llm.Caller) *executor.Executor {
	p := loadPolicy(docsPolicy)
	r := router.New(p, nil)
	gate := governance.New(p)
	applier := apply.New(artifact.NewLayout(runsRoot), nil)
	fin := finalizer.New()
	return executor.New(store, r, gate, approvals, applier, tests, fin, builder, auditor)
}

var _ = Describe("Executor", func() {
	var (
		workspace string
		runsRoot  string
		store     *fakePhaseStore
		approvals *fakeApprovals
		tests     *fakeTestRunner
	)

	BeforeEach(func() {
		var err error
		workspace, err = os.MkdirTemp("", "executor-workspace")
		Expect(err).NotTo(HaveOccurred())
		runsRoot, err = os.MkdirTemp("", "executor-runs")
		Expect(err).NotTo(HaveOccurred())
		store = newFakePhaseStore()
		approvals = &fakeApprovals{}
		tests = &fakeTestRunner{results: []testbaseline.DeltaResult{{}}}
	})

	AfterEach(func() {
		os.RemoveAll(workspace)
		os.RemoveAll(runsRoot)
	})

	docsProposal := func() domain.PatchProposal {
		return domain.PatchProposal{
			ProposalID: "prop-1",
			AttemptID:  "attempt-1",
			Format:     domain.PatchFormatStructuredEdits,
			Operations: []domain.PatchOperation{{Op: domain.OpCreate, Path: "docs/x.md", ContentOrHunks: "# hi"}},
		}
	}

	It("rejects a phase missing a phase_id at preflight", func() {
		builder := &llm.Fake{}
		ex := newExecutor(store, approvals, tests, runsRoot, builder, nil)
		phase := testPhase(workspace)
		phase.PhaseID = ""

		_, err := ex.RunAttempt(context.Background(), phase, docsBuilderFn(docsProposal(), llm.Response{}), workspace, time.Minute)
		Expect(err).To(HaveOccurred())
	})

	It("rejects a phase with an empty scope at preflight", func() {
		builder := &llm.Fake{}
		ex := newExecutor(store, approvals, tests, runsRoot, builder, nil)
		phase := testPhase(workspace)
		phase.Scope = domain.Scope{}

		_, err := ex.RunAttempt(context.Background(), phase, docsBuilderFn(docsProposal(), llm.Response{}), workspace, time.Minute)
		Expect(err).To(HaveOccurred())
	})

	It("rejects a phase already parked in APPROVAL_PENDING", func() {
		builder := &llm.Fake{}
		ex := newExecutor(store, approvals, tests, runsRoot, builder, nil)
		phase := testPhase(workspace)
		phase.State = domain.PhaseApprovalPending

		_, err := ex.RunAttempt(context.Background(), phase, docsBuilderFn(docsProposal(), llm.Response{}), workspace, time.Minute)
		Expect(err).To(HaveOccurred())
	})

	It("drives a clean docs phase through to COMPLETE", func() {
		builder := &llm.Fake{Responses: []llm.Response{{StopReason: llm.StopComplete}}}
		ex := newExecutor(store, approvals, tests, runsRoot, builder, nil)
		phase := testPhase(workspace)

		res, err := ex.RunAttempt(context.Background(), phase, docsBuilderFn(docsProposal(), llm.Response{StopReason: llm.StopComplete}), workspace, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(domain.OutcomeOK))
		Expect(res.Phase.State).To(Equal(domain.PhaseComplete))
		Expect(res.FinalizerResult.Outcome).To(Equal(domain.FinalizerComplete))

		data, rerr := os.ReadFile(filepath.Join(workspace, "docs/x.md"))
		Expect(rerr).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal("# hi"))
	})

	It("retries with attempts_used incremented when the Builder call fails", func() {
		builder := &llm.Fake{Errors: []error{apperrors.New(apperrors.ErrorTypeInternal, "builder blew up")}}
		ex := newExecutor(store, approvals, tests, runsRoot, builder, nil)
		phase := testPhase(workspace)

		res, err := ex.RunAttempt(context.Background(), phase, docsBuilderFn(docsProposal(), llm.Response{}), workspace, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(domain.OutcomeBuilderFail))
		Expect(res.Phase.AttemptsUsed).To(Equal(1))
		Expect(res.Phase.State).NotTo(Equal(domain.PhaseFailed))
	})

	It("transitions to FAILED once attempts are exhausted", func() {
		builder := &llm.Fake{Errors: []error{apperrors.New(apperrors.ErrorTypeInternal, "builder blew up")}}
		ex := newExecutor(store, approvals, tests, runsRoot, builder, nil)
		phase := testPhase(workspace)
		phase.MaxAttempts = 1
		phase.AttemptsUsed = 0

		res, err := ex.RunAttempt(context.Background(), phase, docsBuilderFn(docsProposal(), llm.Response{}), workspace, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Phase.State).To(Equal(domain.PhaseFailed))
	})

	It("retries transparently on a transient provider error then succeeds", func() {
		flaky := &flakyCaller{
			failUntil: 1,
			err:       apperrors.New(apperrors.ErrorTypeNetwork, "connection reset"),
			resp:      llm.Response{StopReason: llm.StopComplete},
		}
		ex := newExecutor(store, approvals, tests, runsRoot, flaky, nil)
		phase := testPhase(workspace)

		res, err := ex.RunAttempt(context.Background(), phase, docsBuilderFn(docsProposal(), llm.Response{StopReason: llm.StopComplete}), workspace, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(domain.OutcomeOK))
		Expect(flaky.calls).To(BeNumerically(">=", 2))
	})

	It("parks in APPROVAL_PENDING without incrementing attempts_used when governance requires approval", func() {
		builder := &llm.Fake{Responses: []llm.Response{{StopReason: llm.StopComplete}}}
		ex := newExecutor(store, approvals, tests, runsRoot, builder, nil)
		phase := testPhase(workspace)
		phase.Category = domain.CategorySecurityAuthChange
		phase.Scope = domain.NewScope([]string{"src/"}, nil, nil)

		proposal := domain.PatchProposal{
			ProposalID: "prop-2",
			AttemptID:  "attempt-2",
			Format:     domain.PatchFormatStructuredEdits,
			Operations: []domain.PatchOperation{{Op: domain.OpCreate, Path: "src/auth.go", ContentOrHunks: "package auth"}},
		}

		res, err := ex.RunAttempt(context.Background(), phase, docsBuilderFn(proposal, llm.Response{StopReason: llm.StopComplete}), workspace, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.ParkedApproval).NotTo(BeNil())
		Expect(res.Phase.State).To(Equal(domain.PhaseApprovalPending))
		Expect(res.Phase.AttemptsUsed).To(Equal(0))
		Expect(approvals.opened).To(HaveLen(1))
	})

	It("completes a resumed attempt once its phase already carries an APPROVED decision, without opening a second approval", func() {
		builder := &llm.Fake{Responses: []llm.Response{{StopReason: llm.StopComplete}}}
		ex := newExecutor(store, approvals, tests, runsRoot, builder, nil)
		phase := testPhase(workspace)
		phase.Category = domain.CategorySecurityAuthChange
		phase.Scope = domain.NewScope([]string{"src/"}, nil, nil)

		proposal := domain.PatchProposal{
			ProposalID: "prop-2",
			AttemptID:  "attempt-2",
			Format:     domain.PatchFormatStructuredEdits,
			Operations: []domain.PatchOperation{{Op: domain.OpCreate, Path: "src/auth.go", ContentOrHunks: "package auth"}},
		}
		builderFn := docsBuilderFn(proposal, llm.Response{StopReason: llm.StopComplete})

		// First attempt parks, exactly like the test above.
		res, err := ex.RunAttempt(context.Background(), phase, builderFn, workspace, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Phase.State).To(Equal(domain.PhaseApprovalPending))
		Expect(approvals.opened).To(HaveLen(1))

		// An operator approves; the Supervisor would move the phase back
		// to EXECUTING and re-invoke RunAttempt from preflight.
		approvals.decided = map[string]domain.ApprovalRequest{
			phase.PhaseID: {ApprovalID: res.ParkedApproval.ApprovalID, PhaseID: phase.PhaseID, Decision: domain.ApprovalApproved},
		}
		resumed := res.Phase
		resumed.State = domain.PhaseExecuting

		res, err = ex.RunAttempt(context.Background(), resumed, builderFn, workspace, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(domain.OutcomeOK))
		Expect(res.Phase.State).To(Equal(domain.PhaseComplete))
		Expect(res.FinalizerResult.Outcome).To(Equal(domain.FinalizerComplete))
		Expect(approvals.opened).To(HaveLen(1), "resuming an already-approved phase must not open a second approval")
	})

	It("rolls back and retries when tests regress", func() {
		builder := &llm.Fake{Responses: []llm.Response{{StopReason: llm.StopComplete}}}
		tests.errs = []error{apperrors.New(apperrors.ErrorTypeInternal, "suite failed")}
		ex := newExecutor(store, approvals, tests, runsRoot, builder, nil)
		phase := testPhase(workspace)

		res, err := ex.RunAttempt(context.Background(), phase, docsBuilderFn(docsProposal(), llm.Response{StopReason: llm.StopComplete}), workspace, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(domain.OutcomeTestRegression))
		Expect(res.Phase.AttemptsUsed).To(Equal(1))
	})

	It("rolls back and retries on an Auditor critical finding", func() {
		builder := &llm.Fake{Responses: []llm.Response{{StopReason: llm.StopComplete}}}
		auditor := &llm.Fake{Responses: []llm.Response{{StopReason: llm.StopError}}}
		ex := newExecutor(store, approvals, tests, runsRoot, builder, auditor)
		phase := testPhase(workspace)

		res, err := ex.RunAttempt(context.Background(), phase, docsBuilderFn(docsProposal(), llm.Response{StopReason: llm.StopComplete}), workspace, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(domain.OutcomeQualityBlock))
		Expect(res.Phase.AttemptsUsed).To(Equal(1))
	})

	It("retries with BLOCKED finalizer result when new test failures survive", func() {
		builder := &llm.Fake{Responses: []llm.Response{{StopReason: llm.StopComplete}}}
		tests.results = []testbaseline.DeltaResult{{NewFailures: []string{"pkg.TestX"}}}
		ex := newExecutor(store, approvals, tests, runsRoot, builder, nil)
		phase := testPhase(workspace)

		res, err := ex.RunAttempt(context.Background(), phase, docsBuilderFn(docsProposal(), llm.Response{StopReason: llm.StopComplete}), workspace, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.FinalizerResult.Outcome).To(Equal(domain.FinalizerBlocked))
		Expect(res.Outcome).To(Equal(domain.OutcomeDeliverablesFail))
		Expect(res.Phase.AttemptsUsed).To(Equal(1))
	})

	It("falls back to structured_edits when scope exceeds the continuation file limit on truncation", func() {
		builder := &llm.Fake{Responses: []llm.Response{{StopReason: llm.StopMaxTokens}}}
		ex := newExecutor(store, approvals, tests, runsRoot, builder, nil)
		phase := testPhase(workspace)
		var allowed []string
		for i := 0; i < 31; i++ {
			allowed = append(allowed, "docs/")
		}
		phase.Scope = domain.NewScope(allowed, nil, nil)

		fn := func(ctx context.Context, p domain.Phase, sel router.Selection, hints []domain.LearningHint, retrieval string, caller llm.Caller) (domain.PatchProposal, llm.Response, error) {
			resp, err := caller.Call(ctx, llm.Request{})
			prop := domain.PatchProposal{ProposalID: "prop-3", AttemptID: "attempt-3", Format: domain.PatchFormatUnifiedDiff}
			return prop, resp, err
		}

		_, err := ex.RunAttempt(context.Background(), phase, fn, workspace, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(builder.Calls()).To(Equal(1))
	})

	It("folds Memory Interface snippets into deep retrieval from the third attempt onward", func() {
		builder := &llm.Fake{Responses: []llm.Response{{StopReason: llm.StopComplete}}}
		ex := newExecutor(store, approvals, tests, runsRoot, builder, nil)
		ex.SetMemory(fakeRetriever{snippets: []domain.Snippet{{Source: "prior-run", Content: "use the repository pattern"}}})

		phase := testPhase(workspace)
		phase.AttemptsUsed = 2 // next attempt is index 3

		var seenRetrieval string
		fn := func(ctx context.Context, p domain.Phase, sel router.Selection, hints []domain.LearningHint, retrieval string, caller llm.Caller) (domain.PatchProposal, llm.Response, error) {
			seenRetrieval = retrieval
			resp, err := caller.Call(ctx, llm.Request{})
			return docsProposal(), resp, err
		}

		_, err := ex.RunAttempt(context.Background(), phase, fn, workspace, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(seenRetrieval).To(ContainSubstring("use the repository pattern"))
	})

	It("treats a Memory Interface retrieval failure as no context rather than an attempt failure", func() {
		builder := &llm.Fake{Responses: []llm.Response{{StopReason: llm.StopComplete}}}
		ex := newExecutor(store, approvals, tests, runsRoot, builder, nil)
		ex.SetMemory(fakeRetriever{err: apperrors.New(apperrors.ErrorTypeNetwork, "vector store unreachable")})

		phase := testPhase(workspace)
		phase.AttemptsUsed = 2

		res, err := ex.RunAttempt(context.Background(), phase, docsBuilderFn(docsProposal(), llm.Response{StopReason: llm.StopComplete}), workspace, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(domain.OutcomeOK))
	})
})

// fakeRetriever scripts a memory.Retriever's RetrieveContext result for
// testing the Executor's non-fatal consultation of it.
type fakeRetriever struct {
	snippets []domain.Snippet
	err      error
}

func (f fakeRetriever) RetrieveContext(ctx context.Context, projectID, runID, taskType string, budgetChars int) ([]domain.Snippet, error) {
	return f.snippets, f.err
}

// flakyCaller errors on the first failUntil calls, then succeeds, letting
// a test drive the Executor's own provider-retry path (as opposed to
// llm.Fake's scripted-sequence semantics, which are a poor fit for
// "fails N times then succeeds").
type flakyCaller struct {
	failUntil int
	err       error
	resp      llm.Response
	calls     int
}

func (f *flakyCaller) Call(ctx context.Context, req llm.Request) (llm.Response, error) {
	f.calls++
	if f.calls <= f.failUntil {
		return llm.Response{}, f.err
	}
	return f.resp, nil
}
