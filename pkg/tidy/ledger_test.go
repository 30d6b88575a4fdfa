package tidy_test

import (
	"context"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hshk99/autopack/pkg/tidy"
)

var _ = Describe("FileLedger", func() {
	It("reports Has false for an entry never appended", func() {
		path := filepath.Join(GinkgoT().TempDir(), "sot.jsonl")
		ledger, err := tidy.NewFileLedger(path)
		Expect(err).NotTo(HaveOccurred())

		has, err := ledger.Has(context.Background(), "runs/r1/proofs/p1.json", "abc123")
		Expect(err).NotTo(HaveOccurred())
		Expect(has).To(BeFalse())
	})

	It("reports Has true for an entry appended earlier in the same ledger", func() {
		path := filepath.Join(GinkgoT().TempDir(), "sot.jsonl")
		ledger, err := tidy.NewFileLedger(path)
		Expect(err).NotTo(HaveOccurred())

		Expect(ledger.Append(context.Background(), tidy.LedgerEntry{
			SourcePath:  "runs/r1/proofs/p1.json",
			ContentHash: "abc123",
			DestPath:    "sot/proofs/p1.json",
			RoutedAt:    time.Now(),
		})).To(Succeed())

		has, err := ledger.Has(context.Background(), "runs/r1/proofs/p1.json", "abc123")
		Expect(err).NotTo(HaveOccurred())
		Expect(has).To(BeTrue())
	})

	It("rebuilds its dedup index from an existing ledger file on reopen", func() {
		path := filepath.Join(GinkgoT().TempDir(), "sot.jsonl")
		first, err := tidy.NewFileLedger(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Append(context.Background(), tidy.LedgerEntry{
			SourcePath:  "runs/r1/proofs/p1.json",
			ContentHash: "abc123",
			DestPath:    "sot/proofs/p1.json",
			RoutedAt:    time.Now(),
		})).To(Succeed())

		reopened, err := tidy.NewFileLedger(path)
		Expect(err).NotTo(HaveOccurred())
		has, err := reopened.Has(context.Background(), "runs/r1/proofs/p1.json", "abc123")
		Expect(err).NotTo(HaveOccurred())
		Expect(has).To(BeTrue())
	})

	It("appends a second distinct entry without losing the first", func() {
		path := filepath.Join(GinkgoT().TempDir(), "sot.jsonl")
		ledger, err := tidy.NewFileLedger(path)
		Expect(err).NotTo(HaveOccurred())

		Expect(ledger.Append(context.Background(), tidy.LedgerEntry{
			SourcePath: "runs/r1/proofs/p1.json", ContentHash: "abc123", RoutedAt: time.Now(),
		})).To(Succeed())
		Expect(ledger.Append(context.Background(), tidy.LedgerEntry{
			SourcePath: "runs/r1/proofs/p2.json", ContentHash: "def456", RoutedAt: time.Now(),
		})).To(Succeed())

		has1, _ := ledger.Has(context.Background(), "runs/r1/proofs/p1.json", "abc123")
		has2, _ := ledger.Has(context.Background(), "runs/r1/proofs/p2.json", "def456")
		Expect(has1).To(BeTrue())
		Expect(has2).To(BeTrue())
	})
})
