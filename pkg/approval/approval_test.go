package approval_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hshk99/autopack/pkg/approval"
	"github.com/hshk99/autopack/pkg/domain"
)

// fakeStore is an in-memory approval.Store for gateway-logic tests; the
// Postgres-backed SQLStore is covered separately in store_test.go.
type fakeStore struct {
	mu       sync.Mutex
	requests map[string]domain.ApprovalRequest
}

func newFakeStore() *fakeStore {
	return &fakeStore{requests: map[string]domain.ApprovalRequest{}}
}

func (f *fakeStore) CreateApprovalRequest(ctx context.Context, req domain.ApprovalRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[req.ApprovalID] = req
	return nil
}

func (f *fakeStore) GetApprovalRequest(ctx context.Context, approvalID string) (domain.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[approvalID]
	if !ok {
		return domain.ApprovalRequest{}, errNotFound
	}
	return req, nil
}

func (f *fakeStore) UpdateApprovalDecision(ctx context.Context, approvalID string, decision domain.ApprovalDecision, decidedBy string, decidedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	req := f.requests[approvalID]
	req.Decision = decision
	req.DecidedBy = decidedBy
	req.DecidedAt = &decidedAt
	f.requests[approvalID] = req
	return nil
}

func (f *fakeStore) LatestApprovalForPhase(ctx context.Context, phaseID string) (domain.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest domain.ApprovalRequest
	found := false
	for _, req := range f.requests {
		if req.PhaseID != phaseID {
			continue
		}
		if !found || req.CreatedAt.After(latest.CreatedAt) {
			latest = req
			found = true
		}
	}
	if !found {
		return domain.ApprovalRequest{}, errNotFound
	}
	return latest, nil
}

type notFoundError struct{}

func (notFoundError) Error() string { return "approval request not found" }

var errNotFound = notFoundError{}

type fakeNotifier struct {
	notified []domain.ApprovalRequest
}

func (n *fakeNotifier) Notify(ctx context.Context, req domain.ApprovalRequest) error {
	n.notified = append(n.notified, req)
	return nil
}

var _ = Describe("Gateway", func() {
	var (
		store    *fakeStore
		notifier *fakeNotifier
		gateway  *approval.Gateway
		now      time.Time
	)

	BeforeEach(func() {
		store = newFakeStore()
		notifier = &fakeNotifier{}
		gateway = approval.New(store, notifier, nil)
		now = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	})

	It("opens a PENDING request, persists it, and notifies", func() {
		risk := domain.RiskAssessment{ProposalID: "p1", RiskLevel: domain.RiskHigh}
		req, err := gateway.Open(context.Background(), "a1", "phase-1", "p1", risk, 0, now)
		Expect(err).NotTo(HaveOccurred())
		Expect(req.Decision).To(Equal(domain.ApprovalPending))
		Expect(req.ExpiresAt).To(Equal(now.Add(domain.DefaultApprovalTimeout)))
		Expect(notifier.notified).To(HaveLen(1))
	})

	It("auto-expires a PENDING request to TIMED_OUT on Poll past its deadline", func() {
		risk := domain.RiskAssessment{ProposalID: "p1", RiskLevel: domain.RiskMedium}
		_, err := gateway.Open(context.Background(), "a1", "phase-1", "p1", risk, time.Minute, now)
		Expect(err).NotTo(HaveOccurred())

		req, err := gateway.Poll(context.Background(), "a1", now.Add(2*time.Minute))
		Expect(err).NotTo(HaveOccurred())
		Expect(req.Decision).To(Equal(domain.ApprovalTimedOut))
		Expect(req.DecidedBy).To(Equal("system"))
	})

	It("Poll leaves an unexpired PENDING request untouched", func() {
		risk := domain.RiskAssessment{ProposalID: "p1", RiskLevel: domain.RiskMedium}
		_, err := gateway.Open(context.Background(), "a1", "phase-1", "p1", risk, time.Hour, now)
		Expect(err).NotTo(HaveOccurred())

		req, err := gateway.Poll(context.Background(), "a1", now.Add(time.Minute))
		Expect(err).NotTo(HaveOccurred())
		Expect(req.Decision).To(Equal(domain.ApprovalPending))
	})

	It("Decide records an APPROVED decision", func() {
		risk := domain.RiskAssessment{ProposalID: "p1", RiskLevel: domain.RiskLow}
		_, err := gateway.Open(context.Background(), "a1", "phase-1", "p1", risk, time.Hour, now)
		Expect(err).NotTo(HaveOccurred())

		req, err := gateway.Decide(context.Background(), "a1", domain.ApprovalApproved, "alice", now.Add(time.Minute))
		Expect(err).NotTo(HaveOccurred())
		Expect(req.Decision).To(Equal(domain.ApprovalApproved))
		Expect(req.DecidedBy).To(Equal("alice"))
	})

	It("rejects a second Decide on an already-decided request", func() {
		risk := domain.RiskAssessment{ProposalID: "p1", RiskLevel: domain.RiskLow}
		_, err := gateway.Open(context.Background(), "a1", "phase-1", "p1", risk, time.Hour, now)
		Expect(err).NotTo(HaveOccurred())

		_, err = gateway.Decide(context.Background(), "a1", domain.ApprovalApproved, "alice", now.Add(time.Minute))
		Expect(err).NotTo(HaveOccurred())

		_, err = gateway.Decide(context.Background(), "a1", domain.ApprovalDenied, "bob", now.Add(2*time.Minute))
		Expect(err).To(HaveOccurred())
	})

	It("refuses a Decide after the deadline has already passed and marks it TIMED_OUT instead", func() {
		risk := domain.RiskAssessment{ProposalID: "p1", RiskLevel: domain.RiskLow}
		_, err := gateway.Open(context.Background(), "a1", "phase-1", "p1", risk, time.Minute, now)
		Expect(err).NotTo(HaveOccurred())

		req, err := gateway.Decide(context.Background(), "a1", domain.ApprovalApproved, "alice", now.Add(2*time.Minute))
		Expect(err).To(HaveOccurred())
		Expect(req.Decision).To(Equal(domain.ApprovalTimedOut))
	})

	It("rejects an invalid decision value", func() {
		risk := domain.RiskAssessment{ProposalID: "p1", RiskLevel: domain.RiskLow}
		_, err := gateway.Open(context.Background(), "a1", "phase-1", "p1", risk, time.Hour, now)
		Expect(err).NotTo(HaveOccurred())

		_, err = gateway.Decide(context.Background(), "a1", domain.ApprovalPending, "alice", now)
		Expect(err).To(HaveOccurred())
	})
})
