// Package tidy is the Tidy Consolidator (C12): it routes run-local
// artifacts into source-of-truth ledgers and archive buckets under strict
// allowlists, deduplicating by content hash, and never touches a path the
// Policy Store's protection categories cover.
package tidy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/hshk99/autopack/internal/errors"
	"github.com/hshk99/autopack/pkg/policy"
)

// Classification is the closed set of database-file dispositions spec.md
// §4.12 names: everything but the single active file is archived under
// one of these buckets.
type Classification string

const (
	ClassTelemetrySeed  Classification = "telemetry-seed"
	ClassLegacy         Classification = "legacy"
	ClassBackup         Classification = "backup"
	ClassDebugSnapshot  Classification = "debug-snapshot"
	ClassTestArtifact   Classification = "test-artifact"
	ClassMisc           Classification = "misc"
)

// Rule is one explicit routing classifier: a file routes to Dest, relative
// to the archive root, when its name matches NamePattern (a
// filepath.Match-style glob) and its extension is in Exts; an empty
// NamePattern or Exts matches any file.
type Rule struct {
	Exts        []string
	NamePattern string
	Dest        string
}

// DefaultRules are the routing classifiers for run-local artifacts that
// are not the active database file. Unmatched files fall through to
// archive/misc/.
var DefaultRules = []Rule{
	{Exts: []string{".log"}, Dest: "archive/logs"},
	{Exts: []string{".md"}, NamePattern: "*SUMMARY*", Dest: "sot/summaries"},
	{Exts: []string{".json"}, NamePattern: "*proof*", Dest: "sot/proofs"},
	{Exts: []string{".diag", ".diagnostics"}, Dest: "archive/diagnostics"},
}

// DirectoryRoute maps a root directory name to its archive or project
// destination. A name absent from the table, or claimed by two rules at
// once, routes to archive/misc/root_directories/<name>/.
type DirectoryRoute struct {
	Name string
	Dest string
}

// DefaultDirectoryRoutes is the declarative root-directory routing table.
var DefaultDirectoryRoutes = []DirectoryRoute{
	{Name: "runs", Dest: "archive/runs"},
	{Name: "checkpoints", Dest: "archive/checkpoints"},
	{Name: "tmp", Dest: "archive/misc"},
}

// activeDBName is the one database file permitted to remain active at the
// configured root.
const activeDBName = "autopack.db"

// LedgerEntry is one source-of-truth addition: a routed file paired with
// its content hash and originating path, so a repeated run with the same
// inputs can recognize it already landed and skip re-adding it.
type LedgerEntry struct {
	SourcePath  string    `json:"source_path"`
	ContentHash string    `json:"content_hash"`
	DestPath    string    `json:"dest_path"`
	RoutedAt    time.Time `json:"routed_at"`
}

// Ledger is the append-only SOT record Tidy writes into and deduplicates
// against; a concrete implementation persists it (e.g. to a JSON file or
// the run store), Tidy only needs this narrow read/append contract.
type Ledger interface {
	Has(ctx context.Context, sourcePath, contentHash string) (bool, error)
	Append(ctx context.Context, entry LedgerEntry) error
}

// MoveEnqueuer is the Pending Moves Queue's write surface Tidy falls back
// to when a move fails because the destination filesystem holds a lock.
type MoveEnqueuer interface {
	Enqueue(ctx context.Context, src, dest, action, reason string, cause error) error
}

// noopEnqueuer discards enqueue requests; used when no queue is wired.
type noopEnqueuer struct{}

func (noopEnqueuer) Enqueue(context.Context, string, string, string, string, error) error {
	return nil
}

// Clock lets tests control "now" without relying on wall-clock time.
type Clock func() time.Time

// Consolidator runs one Tidy pass: classify, dedupe, move, ledger.
type Consolidator struct {
	protection *policy.ProtectionPolicy
	ledger     Ledger
	moves      MoveEnqueuer
	rules      []Rule
	dirRoutes  []DirectoryRoute
	clock      Clock
	dryRun     bool
}

// New builds a Consolidator. protection is consulted before every move so
// Tidy can never touch a protected path; moves may be nil (failed moves
// are then simply reported, not queued for retry).
func New(protection *policy.ProtectionPolicy, ledger Ledger, moves MoveEnqueuer) *Consolidator {
	if moves == nil {
		moves = noopEnqueuer{}
	}
	return &Consolidator{
		protection: protection,
		ledger:     ledger,
		moves:      moves,
		rules:      DefaultRules,
		dirRoutes:  DefaultDirectoryRoutes,
		clock:      time.Now,
	}
}

// SetDryRun toggles preview mode: routeFile still classifies, hashes, and
// consults the ledger for a skip, but never moves a file or appends a
// ledger entry, so `autopackctl tidy --dry-run` is a read-only report.
func (c *Consolidator) SetDryRun(dryRun bool) {
	c.dryRun = dryRun
}

func (c *Consolidator) now() time.Time {
	if c.clock == nil {
		return time.Now()
	}
	return c.clock()
}

// Result tallies one pass's outcome for observability.
type Result struct {
	Routed   []LedgerEntry
	Skipped  []string // already in the ledger (idempotent no-op)
	Deferred []string // move failed, handed to the Pending Moves Queue
}

// RunFiles classifies and routes every file under sourceRoot into
// archiveRoot, skipping anything the protection policy covers.
func (c *Consolidator) RunFiles(ctx context.Context, sourceRoot, archiveRoot string) (Result, error) {
	var result Result

	entries, err := os.ReadDir(sourceRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return result, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to list tidy source root")
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		rel := entry.Name()
		srcPath := filepath.Join(sourceRoot, rel)

		if c.protection != nil && c.protection.IsProtected(srcPath) {
			continue
		}

		destDir := c.classify(rel)
		destPath := filepath.Join(archiveRoot, destDir, rel)
		if err := c.routeFile(ctx, srcPath, destPath, &result); err != nil {
			return result, err
		}
	}
	return result, nil
}

// RunDatabaseFiles enforces the single-active-file rule at dbRoot: every
// file there except activeDBName is classified and archived.
func (c *Consolidator) RunDatabaseFiles(ctx context.Context, dbRoot, archiveRoot string) (Result, error) {
	var result Result

	entries, err := os.ReadDir(dbRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return result, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to list database root")
	}

	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == activeDBName {
			continue
		}
		srcPath := filepath.Join(dbRoot, entry.Name())
		if c.protection != nil && c.protection.IsProtected(srcPath) {
			continue
		}
		class := classifyDatabaseFile(entry.Name())
		dest := filepath.Join(archiveRoot, "databases", string(class), entry.Name())
		if err := c.routeFile(ctx, srcPath, dest, &result); err != nil {
			return result, err
		}
	}
	return result, nil
}

// RunDirectories routes top-level run-local directories per the
// declarative directory-routing table; an unrouted or conflicting name
// lands under archive/misc/root_directories/<name>/.
func (c *Consolidator) RunDirectories(ctx context.Context, root, archiveRoot string) (Result, error) {
	var result Result

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return result, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to list directory routing root")
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		srcPath := filepath.Join(root, entry.Name())
		if c.protection != nil && c.protection.IsProtected(srcPath) {
			continue
		}
		dest := c.routeDirectory(entry.Name(), archiveRoot)
		if err := c.routeDirTree(ctx, srcPath, dest, &result); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (c *Consolidator) classify(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	for _, rule := range c.rules {
		if rule.NamePattern != "" {
			if ok, _ := filepath.Match(rule.NamePattern, name); !ok {
				continue
			}
		}
		if len(rule.Exts) > 0 {
			matched := false
			for _, e := range rule.Exts {
				if e == ext {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		return rule.Dest
	}
	return "archive/misc"
}

func classifyDatabaseFile(name string) Classification {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "seed"):
		return ClassTelemetrySeed
	case strings.Contains(lower, "legacy"):
		return ClassLegacy
	case strings.Contains(lower, "backup") || strings.HasSuffix(lower, ".bak"):
		return ClassBackup
	case strings.Contains(lower, "debug") || strings.Contains(lower, "snapshot"):
		return ClassDebugSnapshot
	case strings.Contains(lower, "test"):
		return ClassTestArtifact
	default:
		return ClassMisc
	}
}

func (c *Consolidator) routeDirectory(name, archiveRoot string) string {
	var match *DirectoryRoute
	for i, route := range c.dirRoutes {
		if route.Name == name {
			if match != nil {
				return filepath.Join(archiveRoot, "misc", "root_directories", name)
			}
			match = &c.dirRoutes[i]
		}
	}
	if match == nil {
		return filepath.Join(archiveRoot, "misc", "root_directories", name)
	}
	return filepath.Join(archiveRoot, strings.TrimPrefix(match.Dest, "archive/"))
}

func (c *Consolidator) routeDirTree(ctx context.Context, srcDir, destDir string, result *Result) error {
	return filepath.WalkDir(srcDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		return c.routeFile(ctx, path, filepath.Join(destDir, rel), result)
	})
}

// routeFile hashes src, checks the ledger for an idempotent skip, then
// moves src to dest and appends a ledger entry. A locked-destination move
// failure is handed to the Pending Moves Queue instead of failing the pass.
func (c *Consolidator) routeFile(ctx context.Context, src, dest string, result *Result) error {
	hash, err := contentHash(src)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to hash tidy candidate: "+src)
	}

	if c.ledger != nil {
		already, err := c.ledger.Has(ctx, src, hash)
		if err != nil {
			return err
		}
		if already {
			result.Skipped = append(result.Skipped, src)
			return nil
		}
	}

	entry := LedgerEntry{SourcePath: src, ContentHash: hash, DestPath: dest, RoutedAt: c.now()}
	if c.dryRun {
		result.Routed = append(result.Routed, entry)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to create archive directory")
	}
	if err := moveFile(src, dest); err != nil {
		if isLockedErr(err) {
			_ = c.moves.Enqueue(ctx, src, dest, "move", "destination locked", err)
			result.Deferred = append(result.Deferred, src)
			return nil
		}
		return apperrors.Wrap(err, apperrors.ErrorTypeIOLocked, "failed to move tidy candidate: "+src)
	}

	if c.ledger != nil {
		if err := c.ledger.Append(ctx, entry); err != nil {
			return err
		}
	}
	result.Routed = append(result.Routed, entry)
	return nil
}

func contentHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func isLockedErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "being used by another process") ||
		strings.Contains(msg, "permission denied")
}
