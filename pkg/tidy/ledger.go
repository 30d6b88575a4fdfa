package tidy

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sync"

	apperrors "github.com/hshk99/autopack/internal/errors"
)

// FileLedger is the append-only JSON-lines SOT ledger spec.md §6 describes
// ("append-only Markdown/JSON with embedded source_path + content hash,
// never mutated in place"). It keeps an in-memory index of every
// (source_path, content_hash) pair it has already seen so Has is O(1)
// without re-reading the file per call.
type FileLedger struct {
	mu   sync.Mutex
	path string
	seen map[string]bool
}

// NewFileLedger opens (or creates) the ledger file at path and replays it
// to rebuild the in-memory dedup index.
func NewFileLedger(path string) (*FileLedger, error) {
	l := &FileLedger{path: path, seen: map[string]bool{}}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeIOLocked, "open ledger file")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry LedgerEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		l.seen[l.key(entry.SourcePath, entry.ContentHash)] = true
	}
	return l, nil
}

func (l *FileLedger) key(sourcePath, contentHash string) string {
	return sourcePath + "|" + contentHash
}

// Has reports whether sourcePath at contentHash was already routed.
func (l *FileLedger) Has(ctx context.Context, sourcePath, contentHash string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seen[l.key(sourcePath, contentHash)], nil
}

// Append records entry and marks it seen. The file is opened in append
// mode per call so a concurrent reader never observes a partial line.
func (l *FileLedger) Append(ctx context.Context, entry LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeIOLocked, "open ledger file for append")
	}
	defer f.Close()

	row, err := json.Marshal(entry)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "encode ledger entry")
	}
	if _, err := f.Write(append(row, '\n')); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeIOLocked, "append ledger entry")
	}
	l.seen[l.key(entry.SourcePath, entry.ContentHash)] = true
	return nil
}
