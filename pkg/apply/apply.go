// Package apply is Governed Apply (C7): it applies a Builder's
// PatchProposal to the workspace under fail-closed preconditions (scope
// containment, protected-path exclusion, symbol preservation), taking a
// rollback save point before any mutation.
package apply

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	apperrors "github.com/hshk99/autopack/internal/errors"
	"github.com/hshk99/autopack/pkg/artifact"
	"github.com/hshk99/autopack/pkg/domain"
	"github.com/hshk99/autopack/pkg/policy"
)

// MoveEnqueuer is the Pending Moves Queue's write surface, consumed when a
// delete or rename fails with an IO_LOCKED classification. Apply depends
// only on this narrow interface, not the queue's implementation.
type MoveEnqueuer interface {
	Enqueue(ctx context.Context, src, dest, action, reason string, cause error) error
}

// noopEnqueuer discards enqueue requests; used when no queue is wired.
type noopEnqueuer struct{}

func (noopEnqueuer) Enqueue(context.Context, string, string, string, string, error) error {
	return nil
}

// Applier is Governed Apply. It never writes outside the run's
// artifact-layout checkpoints directory or the caller-supplied workspace
// root.
type Applier struct {
	layout     *artifact.Layout
	moves      MoveEnqueuer
	protection *policy.ProtectionPolicy
}

// New builds an Applier. moves may be nil, in which case IO_LOCKED
// failures are simply classified and returned without queuing a retry.
func New(layout *artifact.Layout, moves MoveEnqueuer) *Applier {
	if moves == nil {
		moves = noopEnqueuer{}
	}
	return &Applier{layout: layout, moves: moves}
}

// SetProtectionPolicy wires the Policy Store's global protected-path list
// (the same single source of truth governance.go and pkg/tidy consult) as
// a second, independent fail-closed check: a phase whose own Scope omits a
// global protected glob still can't write through it. nil clears it back
// to scope-only checking.
func (a *Applier) SetProtectionPolicy(p *policy.ProtectionPolicy) {
	a.protection = p
}

// Apply applies proposal's operations under workspaceRoot, after taking a
// save point of every targeted file. Preconditions are fail-closed: any
// operation outside phase.Scope's allowed paths, or targeting a protected
// path, aborts before any write happens.
func (a *Applier) Apply(ctx context.Context, proposal domain.PatchProposal, phase domain.Phase, workspaceRoot string) (domain.ApplyResult, error) {
	for _, op := range proposal.Operations {
		if !phase.Scope.InAllowedPaths(op.Path) {
			return domain.ApplyResult{}, apperrors.New(apperrors.ErrorTypePolicyViolation, "OUTSIDE_SCOPE: "+op.Path)
		}
		if phase.Scope.InProtectedPaths(op.Path) || (a.protection != nil && a.protection.IsProtected(op.Path)) {
			return domain.ApplyResult{}, apperrors.New(apperrors.ErrorTypePolicyViolation, "PROTECTED_PATH: "+op.Path)
		}
	}

	targeted := make([]string, len(proposal.Operations))
	for i, op := range proposal.Operations {
		targeted[i] = op.Path
	}

	savePointID := "save-before-" + phase.PhaseID
	savePointPath := a.layout.CheckpointSavePoint(phase.RunID, phase.PhaseID)
	if err := snapshot(workspaceRoot, savePointPath, targeted); err != nil {
		return domain.ApplyResult{}, err
	}

	result := domain.ApplyResult{SavePointID: savePointID}
	for _, op := range proposal.Operations {
		abs := filepath.Join(workspaceRoot, op.Path)
		_, existedBefore := statExists(abs)

		switch op.Op {
		case domain.OpDelete:
			if err := a.remove(ctx, workspaceRoot, op.Path); err != nil {
				_ = restore(workspaceRoot, savePointPath, targeted)
				return domain.ApplyResult{}, err
			}
			result.DeletedFiles = append(result.DeletedFiles, op.Path)

		case domain.OpCreate, domain.OpModify:
			content, err := a.render(proposal.Format, abs, op)
			if err != nil {
				_ = restore(workspaceRoot, savePointPath, targeted)
				return domain.ApplyResult{}, err
			}
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				_ = restore(workspaceRoot, savePointPath, targeted)
				return domain.ApplyResult{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to create parent directory: "+op.Path)
			}
			if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
				_ = restore(workspaceRoot, savePointPath, targeted)
				return domain.ApplyResult{}, apperrors.Wrap(err, apperrors.ErrorTypeApplyConflict, "failed to write file: "+op.Path)
			}
			result.BytesWritten += int64(len(content))
			if existedBefore {
				result.ChangedFiles = append(result.ChangedFiles, op.Path)
			} else {
				result.AddedFiles = append(result.AddedFiles, op.Path)
			}
		}
	}

	if err := a.checkSymbolManifest(workspaceRoot, proposal, result); err != nil {
		_ = restore(workspaceRoot, savePointPath, targeted)
		return domain.ApplyResult{}, err
	}

	return result, nil
}

// render produces the post-apply content for a create/modify operation:
// the literal content for structured_edits, or the result of applying a
// unified-diff hunk set against the file's current content.
func (a *Applier) render(format domain.PatchFormat, abs string, op domain.PatchOperation) (string, error) {
	if format == domain.PatchFormatStructuredEdits {
		return op.ContentOrHunks, nil
	}

	hunks, err := parseUnifiedDiff(op.ContentOrHunks)
	if err != nil {
		return "", err
	}
	var original string
	if op.Op == domain.OpModify {
		data, err := os.ReadFile(abs)
		if err != nil {
			return "", apperrors.Wrap(err, apperrors.ErrorTypeApplyConflict, "failed to read file to apply diff: "+abs)
		}
		original = string(data)
	}
	return applyUnifiedDiff(original, hunks)
}

// remove deletes path under workspaceRoot, classifying a locking failure
// as IO_LOCKED and enqueuing a retry instead of failing the whole apply.
// With no queue wired (New with nil moves) the IO_LOCKED error is returned.
func (a *Applier) remove(ctx context.Context, workspaceRoot, relPath string) error {
	abs := filepath.Join(workspaceRoot, relPath)
	err := os.Remove(abs)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	if isLockedErr(err) {
		if _, noQueue := a.moves.(noopEnqueuer); noQueue {
			return apperrors.Wrap(err, apperrors.ErrorTypeIOLocked, "IO_LOCKED: "+relPath)
		}
		if enqErr := a.moves.Enqueue(ctx, abs, "", "delete", "IO_LOCKED on delete", err); enqErr != nil {
			return apperrors.Wrap(enqErr, apperrors.ErrorTypeIOLocked, "failed to enqueue locked delete for retry: "+relPath)
		}
		return nil
	}
	return apperrors.Wrap(err, apperrors.ErrorTypeApplyConflict, "failed to delete file: "+relPath)
}

// checkSymbolManifest verifies every declared symbol still resolves as an
// identifier somewhere in the files this apply touched. A manifest entry
// that no longer appears anywhere is SYMBOL_LOST.
func (a *Applier) checkSymbolManifest(workspaceRoot string, proposal domain.PatchProposal, result domain.ApplyResult) error {
	if len(proposal.SymbolManifest) == 0 {
		return nil
	}
	var haystacks []string
	for _, rel := range append(append([]string{}, result.ChangedFiles...), result.AddedFiles...) {
		data, err := os.ReadFile(filepath.Join(workspaceRoot, rel))
		if err != nil {
			continue
		}
		haystacks = append(haystacks, string(data))
	}
	for _, symbol := range proposal.SymbolManifest {
		if !symbolResolves(symbol, haystacks) {
			return apperrors.New(apperrors.ErrorTypeSymbolFail, "SYMBOL_LOST: "+symbol)
		}
	}
	return nil
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

func statExists(abs string) (os.FileInfo, bool) {
	info, err := os.Stat(abs)
	if err != nil {
		return nil, false
	}
	return info, true
}

// isLockedErr reports whether err looks like a platform file-locking
// failure (Windows sharing violation, EBUSY) rather than a genuine I/O
// error - the distinction that routes a failure to the Pending Moves
// Queue instead of failing the phase attempt outright.
func isLockedErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "being used by another process") ||
		strings.Contains(msg, "resource busy") ||
		strings.Contains(msg, "device or resource busy") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "access is denied")
}

// Rollback restores workspaceRoot's tracked files to their savePointID
// snapshot, undoing an apply whose post-apply gates failed.
func (a *Applier) Rollback(ctx context.Context, savePointID, runID, phaseID, workspaceRoot string, touched []string) error {
	savePointPath := a.layout.CheckpointSavePoint(runID, phaseID)
	return restore(workspaceRoot, savePointPath, touched)
}
