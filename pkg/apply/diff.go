package apply

import (
	"bufio"
	"strings"

	apperrors "github.com/hshk99/autopack/internal/errors"
)

// hunk is one `@@ -a,b +c,d @@` unified-diff section: a sequence of
// context/added/removed lines to apply at a given location in the
// original file.
type hunk struct {
	lines []diffLine
}

type diffLine struct {
	kind byte // ' ' context, '+' added, '-' removed
	text string
}

// parseUnifiedDiff splits a single-file unified-diff body (no ---/+++
// file headers required - PatchOperation.Path already names the file)
// into its hunks. Lines outside any "@@" header are ignored, so a caller
// may pass either a bare hunk body or a full `diff -u`-style block.
func parseUnifiedDiff(body string) ([]hunk, error) {
	var hunks []hunk
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var cur *hunk
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "@@"):
			hunks = append(hunks, hunk{})
			cur = &hunks[len(hunks)-1]
		case strings.HasPrefix(line, "--- ") || strings.HasPrefix(line, "+++ "):
			// file header, not hunk content
			continue
		case cur == nil:
			// content before any "@@" header; tolerate leading blank lines
			if strings.TrimSpace(line) == "" {
				continue
			}
			return nil, apperrors.New(apperrors.ErrorTypeApplyConflict, "unified diff content before first hunk header")
		case strings.HasPrefix(line, "+"):
			cur.lines = append(cur.lines, diffLine{kind: '+', text: line[1:]})
		case strings.HasPrefix(line, "-"):
			cur.lines = append(cur.lines, diffLine{kind: '-', text: line[1:]})
		case strings.HasPrefix(line, " "):
			cur.lines = append(cur.lines, diffLine{kind: ' ', text: line[1:]})
		case line == "":
			cur.lines = append(cur.lines, diffLine{kind: ' ', text: ""})
		default:
			return nil, apperrors.New(apperrors.ErrorTypeApplyConflict, "malformed unified diff line: "+line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeApplyConflict, "failed to scan unified diff")
	}
	return hunks, nil
}

// applyUnifiedDiff applies hunks to original's content, matching each
// hunk's context/removed lines by content search rather than trusting the
// declared line numbers (the Builder's line numbers are frequently stale
// by the time a hunk lands, so we re-anchor against actual content). A
// hunk whose context cannot be located is a MERGE_CONFLICT.
func applyUnifiedDiff(original string, hunks []hunk) (string, error) {
	origLines := splitLines(original)
	var out []string
	cursor := 0

	for _, h := range hunks {
		stable := stableLines(h.lines)
		start := cursor
		if len(stable) > 0 {
			idx := indexOfSequence(origLines, stable, cursor)
			if idx < 0 {
				return "", apperrors.New(apperrors.ErrorTypeApplyConflict, "hunk context not found in current file content")
			}
			start = idx
		}
		out = append(out, origLines[cursor:start]...)
		cursor = start

		for _, dl := range h.lines {
			switch dl.kind {
			case ' ':
				if cursor >= len(origLines) || origLines[cursor] != dl.text {
					return "", apperrors.New(apperrors.ErrorTypeApplyConflict, "hunk context mismatch")
				}
				out = append(out, dl.text)
				cursor++
			case '-':
				if cursor >= len(origLines) || origLines[cursor] != dl.text {
					return "", apperrors.New(apperrors.ErrorTypeApplyConflict, "hunk removal line mismatch")
				}
				cursor++
			case '+':
				out = append(out, dl.text)
			}
		}
	}
	out = append(out, origLines[cursor:]...)
	return strings.Join(out, "\n"), nil
}

// stableLines returns the hunk's context/removed lines in order - the
// portion of the hunk that must already exist verbatim in the file - used
// to re-anchor the hunk against the current content instead of trusting
// the Builder's declared line numbers.
func stableLines(lines []diffLine) []string {
	var out []string
	for _, dl := range lines {
		if dl.kind == ' ' || dl.kind == '-' {
			out = append(out, dl.text)
		}
	}
	return out
}

// indexOfSequence finds the first index at or after from where lines
// contains seq as a contiguous run, anchoring a hunk unambiguously even
// when its first stable line (e.g. a blank context line) recurs
// throughout the file.
func indexOfSequence(lines []string, seq []string, from int) int {
	if len(seq) == 0 {
		return from
	}
	for i := from; i+len(seq) <= len(lines); i++ {
		match := true
		for j, want := range seq {
			if lines[i+j] != want {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
