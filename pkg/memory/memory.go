// Package memory defines the Memory Interface (C16): a read-only
// retrieval contract consumed by Builder prompts. This package never
// ships a vector-store backend — only the interface and a no-op default,
// per the engine's explicit scope boundary.
package memory

import (
	"context"

	"github.com/hshk99/autopack/pkg/domain"
)

// Retriever is the external Memory Interface's read-only contract.
// Returned snippets are advisory; a caller must treat any error as
// non-fatal and continue with whatever context it already has.
type Retriever interface {
	RetrieveContext(ctx context.Context, projectID, runID, taskType string, budgetChars int) ([]domain.Snippet, error)
}

// Noop is the default Retriever: it never has context to offer, and
// never fails. Consulting it is equivalent to skipping retrieval.
type Noop struct{}

func (Noop) RetrieveContext(ctx context.Context, projectID, runID, taskType string, budgetChars int) ([]domain.Snippet, error) {
	return nil, nil
}
