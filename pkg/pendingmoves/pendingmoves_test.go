package pendingmoves_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hshk99/autopack/pkg/domain"
	"github.com/hshk99/autopack/pkg/pendingmoves"
)

var _ = Describe("Queue", func() {
	var (
		dir  string
		path string
		ctx  context.Context
	)

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "pendingmoves")
		Expect(err).NotTo(HaveOccurred())
		path = filepath.Join(dir, "tidy_pending_moves.json")
		ctx = context.Background()
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	It("enqueues a failed move and persists it to disk", func() {
		q := pendingmoves.New(path)
		Expect(q.Enqueue(ctx, "a.log", "archive/misc/a.log", "move", "io_locked", errors.New("EBUSY"))).To(Succeed())

		Expect(path).To(BeAnExistingFile())

		due, err := q.LoadDueItems(ctx, time.Now().Add(time.Second))
		Expect(err).NotTo(HaveOccurred())
		Expect(due).To(HaveLen(1))
		Expect(due[0].Src).To(Equal("a.log"))
		Expect(due[0].Status).To(Equal(domain.MovePending))
	})

	It("collapses a repeated enqueue of the same move onto one stable ID", func() {
		q := pendingmoves.New(path)
		Expect(q.Enqueue(ctx, "a.log", "archive/misc/a.log", "move", "first", errors.New("EBUSY"))).To(Succeed())
		Expect(q.Enqueue(ctx, "a.log", "archive/misc/a.log", "move", "second", errors.New("EBUSY again"))).To(Succeed())

		due, err := q.LoadDueItems(ctx, time.Now().Add(time.Second))
		Expect(err).NotTo(HaveOccurred())
		Expect(due).To(HaveLen(1))
		Expect(due[0].Reason).To(Equal("second"))
	})

	It("does not return an item before its next_eligible_at", func() {
		q := pendingmoves.New(path)
		Expect(q.Enqueue(ctx, "a.log", "archive/misc/a.log", "move", "r", errors.New("EBUSY"))).To(Succeed())

		due, err := q.LoadDueItems(ctx, time.Now().Add(-time.Hour))
		Expect(err).NotTo(HaveOccurred())
		Expect(due).To(BeEmpty())
	})

	It("backs off exponentially on repeated failure and marks succeeded on success", func() {
		q := pendingmoves.New(path)
		Expect(q.Enqueue(ctx, "a.log", "archive/misc/a.log", "move", "r", errors.New("EBUSY"))).To(Succeed())

		due, err := q.LoadDueItems(ctx, time.Now().Add(time.Second))
		Expect(err).NotTo(HaveOccurred())
		Expect(due).To(HaveLen(1))
		id := due[0].ID

		now := time.Now()
		Expect(q.MarkOutcome(ctx, id, now, errors.New("still locked"))).To(Succeed())

		due, err = q.LoadDueItems(ctx, now.Add(time.Minute))
		Expect(err).NotTo(HaveOccurred())
		Expect(due).To(BeEmpty(), "next_eligible_at should be pushed out by the 5-minute base backoff")

		due, err = q.LoadDueItems(ctx, now.Add(10*time.Minute))
		Expect(err).NotTo(HaveOccurred())
		Expect(due).To(HaveLen(1))
		Expect(due[0].AttemptCount).To(Equal(1))

		Expect(q.MarkOutcome(ctx, id, now, nil)).To(Succeed())
		due, err = q.LoadDueItems(ctx, now.Add(24*time.Hour))
		Expect(err).NotTo(HaveOccurred())
		Expect(due).To(BeEmpty(), "a succeeded item is no longer pending")
	})

	It("abandons an item once it exceeds the maximum retry count", func() {
		q := pendingmoves.New(path)
		Expect(q.Enqueue(ctx, "a.log", "archive/misc/a.log", "move", "r", errors.New("EBUSY"))).To(Succeed())

		due, err := q.LoadDueItems(ctx, time.Now().Add(time.Second))
		Expect(err).NotTo(HaveOccurred())
		id := due[0].ID

		now := time.Now()
		for i := 0; i < 10; i++ {
			Expect(q.MarkOutcome(ctx, id, now, errors.New("still locked"))).To(Succeed())
			now = now.Add(25 * time.Hour)
		}

		due, err = q.LoadDueItems(ctx, now.Add(24*time.Hour))
		Expect(err).NotTo(HaveOccurred())
		Expect(due).To(BeEmpty(), "abandoned items are never due")
	})

	It("abandons an item once it exceeds 30 days since first enqueued, even under the attempt cap", func() {
		q := pendingmoves.New(path)
		Expect(q.Enqueue(ctx, "a.log", "archive/misc/a.log", "move", "r", errors.New("EBUSY"))).To(Succeed())

		due, err := q.LoadDueItems(ctx, time.Now().Add(time.Second))
		Expect(err).NotTo(HaveOccurred())
		id := due[0].ID

		far := time.Now().Add(31 * 24 * time.Hour)
		Expect(q.MarkOutcome(ctx, id, far, errors.New("still locked"))).To(Succeed())

		due, err = q.LoadDueItems(ctx, far.Add(24*time.Hour))
		Expect(err).NotTo(HaveOccurred())
		Expect(due).To(BeEmpty())
	})

	It("returns a not-found error when marking an outcome for an unknown item", func() {
		q := pendingmoves.New(path)
		err := q.MarkOutcome(ctx, "does-not-exist", time.Now(), errors.New("x"))
		Expect(err).To(HaveOccurred())
	})

	It("survives a fresh Queue instance reading the same path (durability across process runs)", func() {
		q1 := pendingmoves.New(path)
		Expect(q1.Enqueue(ctx, "a.log", "archive/misc/a.log", "move", "r", errors.New("EBUSY"))).To(Succeed())

		q2 := pendingmoves.New(path)
		due, err := q2.LoadDueItems(ctx, time.Now().Add(time.Second))
		Expect(err).NotTo(HaveOccurred())
		Expect(due).To(HaveLen(1))
	})
})
