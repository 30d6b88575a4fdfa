package testbaseline

import (
	"bufio"
	"context"
	"encoding/json"
	"os/exec"

	apperrors "github.com/hshk99/autopack/internal/errors"
)

// testEvent mirrors the subset of `go test -json` event fields this
// package cares about: https://pkg.go.dev/cmd/test2json's TestEvent.
type testEvent struct {
	Action  string `json:"Action"`
	Package string `json:"Package"`
	Test    string `json:"Test"`
}

// GoTestRunner shells out to `go test -json ./...` under a workspace root
// and reports every test ID that ended in a "fail" action. Go is the
// target language for this engine's own phase code, so this is the
// default Runner adapter.
type GoTestRunner struct {
	// Packages is the package pattern passed to `go test`. Defaults to
	// "./..." when empty.
	Packages string
}

// Run executes `go test -json` under workspaceRoot and returns the set of
// failing test IDs, formatted as "package.Test" (or just "package" for a
// build/package-level failure with no specific test name).
func (r GoTestRunner) Run(ctx context.Context, workspaceRoot string) ([]string, error) {
	pattern := r.Packages
	if pattern == "" {
		pattern = "./..."
	}

	cmd := exec.CommandContext(ctx, "go", "test", "-json", pattern)
	cmd.Dir = workspaceRoot

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to open go test stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to start go test")
	}

	var failures []string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var ev testEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			// go test -json interleaves non-JSON build output on rare
			// toolchain errors; skip lines that don't parse.
			continue
		}
		if ev.Action != "fail" {
			continue
		}
		failures = append(failures, testID(ev))
	}
	scanErr := scanner.Err()

	// go test exits non-zero whenever any test fails; that is expected
	// and not itself a Runner failure, so the wait error is only
	// surfaced when no "fail" event was parsed (go test exited non-zero
	// without reporting any failing test or package).
	waitErr := cmd.Wait()
	if scanErr != nil {
		return nil, apperrors.Wrap(scanErr, apperrors.ErrorTypeInternal, "failed to scan go test output")
	}
	if waitErr != nil && len(failures) == 0 {
		return nil, apperrors.Wrap(waitErr, apperrors.ErrorTypeTestRegression, "go test failed to run")
	}
	return failures, nil
}

func testID(ev testEvent) string {
	if ev.Test == "" {
		return ev.Package
	}
	return ev.Package + "." + ev.Test
}
