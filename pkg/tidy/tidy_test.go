package tidy_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hshk99/autopack/pkg/policy"
	"github.com/hshk99/autopack/pkg/tidy"
)

// fakeLedger is an in-memory Ledger keyed by (source_path, content_hash).
type fakeLedger struct {
	mu      sync.Mutex
	entries map[string]tidy.LedgerEntry
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{entries: map[string]tidy.LedgerEntry{}}
}

func (l *fakeLedger) key(sourcePath, contentHash string) string {
	return sourcePath + "|" + contentHash
}

func (l *fakeLedger) Has(ctx context.Context, sourcePath, contentHash string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[l.key(sourcePath, contentHash)]
	return ok, nil
}

func (l *fakeLedger) Append(ctx context.Context, entry tidy.LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.key(entry.SourcePath, entry.ContentHash)] = entry
	return nil
}

func protectionPolicy(globs ...string) *policy.ProtectionPolicy {
	return &policy.ProtectionPolicy{Categories: []policy.ProtectionCategory{{Name: "vcs", Globs: globs}}}
}

var _ = Describe("Consolidator", func() {
	var (
		source      string
		archiveRoot string
		ctx         context.Context
	)

	BeforeEach(func() {
		var err error
		source, err = os.MkdirTemp("", "tidy-source")
		Expect(err).NotTo(HaveOccurred())
		archiveRoot, err = os.MkdirTemp("", "tidy-archive")
		Expect(err).NotTo(HaveOccurred())
		ctx = context.Background()
	})

	AfterEach(func() {
		os.RemoveAll(source)
		os.RemoveAll(archiveRoot)
	})

	It("routes a .log file to archive/logs by extension", func() {
		Expect(os.WriteFile(filepath.Join(source, "build.log"), []byte("log output"), 0644)).To(Succeed())

		c := tidy.New(protectionPolicy(), newFakeLedger(), nil)
		result, err := c.RunFiles(ctx, source, archiveRoot)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Routed).To(HaveLen(1))

		_, statErr := os.Stat(filepath.Join(archiveRoot, "archive/logs", "build.log"))
		Expect(statErr).NotTo(HaveOccurred())
		_, stillThere := os.Stat(filepath.Join(source, "build.log"))
		Expect(stillThere).To(HaveOccurred(), "the source file should have been moved, not copied")
	})

	It("routes an unmatched file to archive/misc", func() {
		Expect(os.WriteFile(filepath.Join(source, "mystery.bin"), []byte("data"), 0644)).To(Succeed())

		c := tidy.New(protectionPolicy(), newFakeLedger(), nil)
		result, err := c.RunFiles(ctx, source, archiveRoot)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Routed).To(HaveLen(1))

		_, statErr := os.Stat(filepath.Join(archiveRoot, "archive/misc", "mystery.bin"))
		Expect(statErr).NotTo(HaveOccurred())
	})

	It("never touches a protected path", func() {
		Expect(os.WriteFile(filepath.Join(source, "secrets.log"), []byte("x"), 0644)).To(Succeed())

		c := tidy.New(protectionPolicy(filepath.Join(source, "secrets.log")), newFakeLedger(), nil)
		result, err := c.RunFiles(ctx, source, archiveRoot)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Routed).To(BeEmpty())

		_, stillThere := os.Stat(filepath.Join(source, "secrets.log"))
		Expect(stillThere).NotTo(HaveOccurred(), "the protected file must not have been moved")
	})

	It("is idempotent: a repeated pass over the same content skips the ledger entry", func() {
		Expect(os.WriteFile(filepath.Join(source, "build.log"), []byte("same content"), 0644)).To(Succeed())
		ledger := newFakeLedger()

		c1 := tidy.New(protectionPolicy(), ledger, nil)
		res1, err := c1.RunFiles(ctx, source, archiveRoot)
		Expect(err).NotTo(HaveOccurred())
		Expect(res1.Routed).To(HaveLen(1))

		// Simulate a second run with the same logical input re-appearing.
		Expect(os.WriteFile(filepath.Join(source, "build.log"), []byte("same content"), 0644)).To(Succeed())
		c2 := tidy.New(protectionPolicy(), ledger, nil)
		res2, err := c2.RunFiles(ctx, source, archiveRoot)
		Expect(err).NotTo(HaveOccurred())
		Expect(res2.Routed).To(BeEmpty())
		Expect(res2.Skipped).To(HaveLen(1))
	})

	It("classifies a non-active database file and archives it by disposition", func() {
		Expect(os.WriteFile(filepath.Join(source, "autopack.db"), []byte("active"), 0644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(source, "autopack_backup.db"), []byte("old"), 0644)).To(Succeed())

		c := tidy.New(protectionPolicy(), newFakeLedger(), nil)
		result, err := c.RunDatabaseFiles(ctx, source, archiveRoot)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Routed).To(HaveLen(1))

		_, activeStillThere := os.Stat(filepath.Join(source, "autopack.db"))
		Expect(activeStillThere).NotTo(HaveOccurred(), "the single active database file must never move")

		_, archived := os.Stat(filepath.Join(archiveRoot, "databases", "backup", "autopack_backup.db"))
		Expect(archived).NotTo(HaveOccurred())
	})

	It("routes a known root directory per the declarative routing table", func() {
		dir := filepath.Join(source, "checkpoints")
		Expect(os.MkdirAll(dir, 0755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dir, "save-before-phase-1"), []byte("snap"), 0644)).To(Succeed())

		c := tidy.New(protectionPolicy(), newFakeLedger(), nil)
		result, err := c.RunDirectories(ctx, source, archiveRoot)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Routed).To(HaveLen(1))

		_, archived := os.Stat(filepath.Join(archiveRoot, "checkpoints", "save-before-phase-1"))
		Expect(archived).NotTo(HaveOccurred())
	})

	It("routes an unknown root directory to archive/misc/root_directories/<name>/", func() {
		dir := filepath.Join(source, "scratchpad")
		Expect(os.MkdirAll(dir, 0755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hmm"), 0644)).To(Succeed())

		c := tidy.New(protectionPolicy(), newFakeLedger(), nil)
		result, err := c.RunDirectories(ctx, source, archiveRoot)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Routed).To(HaveLen(1))

		_, archived := os.Stat(filepath.Join(archiveRoot, "misc", "root_directories", "scratchpad", "notes.txt"))
		Expect(archived).NotTo(HaveOccurred())
	})

	It("leaves the source untouched and the ledger unwritten in dry-run mode", func() {
		Expect(os.WriteFile(filepath.Join(source, "build.log"), []byte("log output"), 0644)).To(Succeed())
		ledger := newFakeLedger()

		c := tidy.New(protectionPolicy(), ledger, nil)
		c.SetDryRun(true)
		result, err := c.RunFiles(ctx, source, archiveRoot)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Routed).To(HaveLen(1), "dry-run still reports what it would route")

		_, stillThere := os.Stat(filepath.Join(source, "build.log"))
		Expect(stillThere).NotTo(HaveOccurred(), "dry-run must not move the source file")
		_, archived := os.Stat(filepath.Join(archiveRoot, "archive/logs", "build.log"))
		Expect(archived).To(HaveOccurred(), "dry-run must not create the archived copy")
		Expect(ledger.entries).To(BeEmpty(), "dry-run must not write a ledger entry")
	})
})
