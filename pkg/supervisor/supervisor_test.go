package supervisor_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "github.com/hshk99/autopack/internal/errors"
	"github.com/hshk99/autopack/pkg/domain"
	"github.com/hshk99/autopack/pkg/executor"
	"github.com/hshk99/autopack/pkg/supervisor"
)

type fakeRunStore struct {
	mu     sync.Mutex
	run    domain.Run
	queue  []domain.Phase
	states map[string]domain.PhaseState
}

func newFakeRunStore(run domain.Run, queue []domain.Phase) *fakeRunStore {
	states := map[string]domain.PhaseState{}
	for _, p := range queue {
		states[p.PhaseID] = p.State
	}
	return &fakeRunStore{run: run, queue: queue, states: states}
}

func (f *fakeRunStore) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	return f.run, nil
}

func (f *fakeRunStore) SetRunState(ctx context.Context, runID string, state domain.RunState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.run.State = state
	return nil
}

func (f *fakeRunStore) AcquireRunLock(ctx context.Context, runID string) error { return nil }
func (f *fakeRunStore) ReleaseRunLock(ctx context.Context, runID string) error { return nil }

func (f *fakeRunStore) NextQueuedPhase(ctx context.Context, runID string) (domain.Phase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.queue {
		if f.states[p.PhaseID] == domain.PhaseQueued {
			return p, nil
		}
	}
	return domain.Phase{}, apperrors.NewNotFoundError("queued phase")
}

func (f *fakeRunStore) SetPhaseState(ctx context.Context, phaseID string, expected, next domain.PhaseState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[phaseID] = next
	return nil
}

type fakePhaseRunner struct {
	mu    sync.Mutex
	plans map[string][]executor.Result
	calls map[string]int
}

func newFakePhaseRunner() *fakePhaseRunner {
	return &fakePhaseRunner{plans: map[string][]executor.Result{}, calls: map[string]int{}}
}

func (f *fakePhaseRunner) RunAttempt(ctx context.Context, phase domain.Phase, proposalFn executor.BuilderFn, workspaceRoot string, approvalTimeout time.Duration) (executor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls[phase.PhaseID]
	f.calls[phase.PhaseID] = i + 1
	plan := f.plans[phase.PhaseID]
	if i >= len(plan) {
		return plan[len(plan)-1], nil
	}
	return plan[i], nil
}

type fakeApprovalPoller struct {
	mu        sync.Mutex
	decisions []domain.ApprovalDecision
	calls     int
}

func (f *fakeApprovalPoller) Poll(ctx context.Context, approvalID string, now time.Time) (domain.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.decisions[f.calls]
	if f.calls < len(f.decisions)-1 {
		f.calls++
	}
	return domain.ApprovalRequest{ApprovalID: approvalID, Decision: d}, nil
}

func testPhase(id string, idx int) domain.Phase {
	return domain.Phase{
		PhaseID:    id,
		RunID:      "run-1",
		PhaseIndex: idx,
		Category:   domain.CategoryDocs,
		Complexity: domain.ComplexityLow,
		State:      domain.PhaseQueued,
	}
}

var _ = Describe("Supervisor", func() {
	var run domain.Run

	BeforeEach(func() {
		run = domain.Run{RunID: "run-1", State: domain.RunQueued}
	})

	It("drives every queued phase to completion and finishes the run DONE_SUCCESS", func() {
		p1, p2 := testPhase("p-1", 0), testPhase("p-2", 1)
		store := newFakeRunStore(run, []domain.Phase{p1, p2})
		runner := newFakePhaseRunner()
		runner.plans["p-1"] = []executor.Result{{Outcome: domain.OutcomeOK, Phase: func() domain.Phase { p := p1; p.State = domain.PhaseComplete; return p }()}}
		runner.plans["p-2"] = []executor.Result{{Outcome: domain.OutcomeOK, Phase: func() domain.Phase { p := p2; p.State = domain.PhaseComplete; return p }()}}

		store.states["p-1"] = domain.PhaseQueued
		store.states["p-2"] = domain.PhaseQueued
		// a completed phase must stop being "queued" from the store's point
		// of view once driven, mirroring the Executor's own CAS transition.
		var doneOrder []string
		sup := supervisor.New(store, store, runner, &fakeApprovalPoller{}, nil)

		finished, err := sup.RunRun(context.Background(), "run-1", supervisor.RunOptions{
			Callbacks: supervisor.Callbacks{
				OnPhaseDone: func(p domain.Phase, outcome domain.AttemptOutcome) {
					doneOrder = append(doneOrder, p.PhaseID)
					store.mu.Lock()
					store.states[p.PhaseID] = domain.PhaseComplete
					store.mu.Unlock()
				},
			},
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(finished.State).To(Equal(domain.RunDoneSuccess))
		Expect(doneOrder).To(Equal([]string{"p-1", "p-2"}))
	})

	It("marks the run DONE_FAILED when a phase ends FAILED", func() {
		p1 := testPhase("p-1", 0)
		store := newFakeRunStore(run, []domain.Phase{p1})
		runner := newFakePhaseRunner()
		failedPhase := p1
		failedPhase.State = domain.PhaseFailed
		runner.plans["p-1"] = []executor.Result{{Outcome: domain.OutcomeApplyFail, Phase: failedPhase}}

		sup := supervisor.New(store, store, runner, &fakeApprovalPoller{}, nil)
		finished, err := sup.RunRun(context.Background(), "run-1", supervisor.RunOptions{
			Callbacks: supervisor.Callbacks{
				OnPhaseDone: func(p domain.Phase, outcome domain.AttemptOutcome) {
					store.mu.Lock()
					store.states[p.PhaseID] = domain.PhaseFailed
					store.mu.Unlock()
				},
			},
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(finished.State).To(Equal(domain.RunDoneFailed))
	})

	It("resumes a phase parked in APPROVAL_PENDING once approved, without a second OnApprovalRequested", func() {
		p1 := testPhase("p-1", 0)
		store := newFakeRunStore(run, []domain.Phase{p1})
		runner := newFakePhaseRunner()

		pending := p1
		pending.State = domain.PhaseApprovalPending
		approval := domain.ApprovalRequest{ApprovalID: "appr-1", PhaseID: "p-1", Decision: domain.ApprovalPending}

		resumed := p1
		resumed.State = domain.PhaseExecuting
		complete := p1
		complete.State = domain.PhaseComplete

		runner.plans["p-1"] = []executor.Result{
			{Outcome: domain.OutcomeApprovalTimeout, ParkedApproval: &approval, Phase: pending},
			{Outcome: domain.OutcomeOK, Phase: complete},
		}

		poller := &fakeApprovalPoller{decisions: []domain.ApprovalDecision{domain.ApprovalApproved}}
		sup := supervisor.New(store, store, runner, poller, nil)
		sup.SetApprovalPollInterval(time.Millisecond)

		var approvalsRequested int
		finished, err := sup.RunRun(context.Background(), "run-1", supervisor.RunOptions{
			Callbacks: supervisor.Callbacks{
				OnApprovalRequested: func(req domain.ApprovalRequest) { approvalsRequested++ },
				OnPhaseDone: func(p domain.Phase, outcome domain.AttemptOutcome) {
					store.mu.Lock()
					store.states[p.PhaseID] = domain.PhaseComplete
					store.mu.Unlock()
				},
			},
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(approvalsRequested).To(Equal(1))
		Expect(finished.State).To(Equal(domain.RunDoneSuccess))
		Expect(store.states["p-1"]).To(Equal(domain.PhaseComplete))
	})

	It("fails the phase and the run when an approval is denied", func() {
		p1 := testPhase("p-1", 0)
		store := newFakeRunStore(run, []domain.Phase{p1})
		runner := newFakePhaseRunner()

		pending := p1
		pending.State = domain.PhaseApprovalPending
		approval := domain.ApprovalRequest{ApprovalID: "appr-1", PhaseID: "p-1", Decision: domain.ApprovalPending}
		runner.plans["p-1"] = []executor.Result{{Outcome: domain.OutcomeApprovalTimeout, ParkedApproval: &approval, Phase: pending}}

		poller := &fakeApprovalPoller{decisions: []domain.ApprovalDecision{domain.ApprovalDenied}}
		sup := supervisor.New(store, store, runner, poller, nil)
		sup.SetApprovalPollInterval(time.Millisecond)

		var doneOutcome domain.AttemptOutcome
		finished, err := sup.RunRun(context.Background(), "run-1", supervisor.RunOptions{
			Callbacks: supervisor.Callbacks{
				OnPhaseDone: func(p domain.Phase, outcome domain.AttemptOutcome) {
					doneOutcome = outcome
					store.mu.Lock()
					store.states[p.PhaseID] = domain.PhaseFailed
					store.mu.Unlock()
				},
			},
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(doneOutcome).To(Equal(domain.OutcomeApprovalDenied))
		Expect(finished.State).To(Equal(domain.RunDoneFailed))
		Expect(store.states["p-1"]).To(Equal(domain.PhaseFailed))
	})

	It("stops the run DONE_ABORTED when the kill switch trips before the next phase", func() {
		p1, p2 := testPhase("p-1", 0), testPhase("p-2", 1)
		store := newFakeRunStore(run, []domain.Phase{p1, p2})
		runner := newFakePhaseRunner()
		complete := p1
		complete.State = domain.PhaseComplete
		runner.plans["p-1"] = []executor.Result{{Outcome: domain.OutcomeOK, Phase: complete}}

		killAfterFirst := 0
		sup := supervisor.New(store, store, runner, &fakeApprovalPoller{}, nil)
		finished, err := sup.RunRun(context.Background(), "run-1", supervisor.RunOptions{
			Kill: func() bool {
				killAfterFirst++
				return killAfterFirst > 1
			},
			Callbacks: supervisor.Callbacks{
				OnPhaseDone: func(p domain.Phase, outcome domain.AttemptOutcome) {
					store.mu.Lock()
					store.states[p.PhaseID] = domain.PhaseComplete
					store.mu.Unlock()
				},
			},
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(finished.State).To(Equal(domain.RunDoneAborted))
		Expect(runner.calls).To(HaveKey("p-1"))
		Expect(runner.calls).NotTo(HaveKey("p-2"))
	})

	It("records a PHASE_OUTCOME telemetry row for each driven phase when a recorder is wired", func() {
		p1 := testPhase("p-1", 0)
		store := newFakeRunStore(run, []domain.Phase{p1})
		runner := newFakePhaseRunner()
		complete := p1
		complete.State = domain.PhaseComplete
		runner.plans["p-1"] = []executor.Result{{Outcome: domain.OutcomeOK, Phase: complete}}

		recorder := &fakeTelemetryRecorder{}
		sup := supervisor.New(store, store, runner, &fakeApprovalPoller{}, nil)
		sup.SetTelemetry(recorder)

		_, err := sup.RunRun(context.Background(), "run-1", supervisor.RunOptions{
			Callbacks: supervisor.Callbacks{
				OnPhaseDone: func(p domain.Phase, outcome domain.AttemptOutcome) {
					store.mu.Lock()
					store.states[p.PhaseID] = domain.PhaseComplete
					store.mu.Unlock()
				},
			},
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(recorder.events).To(HaveLen(1))
		Expect(recorder.events[0].RunID).To(Equal("run-1"))
		Expect(recorder.events[0].PhaseID).To(Equal("p-1"))
		Expect(recorder.events[0].Kind).To(Equal(domain.EventPhaseOutcome))
	})
})

type fakeTelemetryRecorder struct {
	mu     sync.Mutex
	events []domain.TelemetryEvent
}

func (f *fakeTelemetryRecorder) Record(ctx context.Context, event domain.TelemetryEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}
