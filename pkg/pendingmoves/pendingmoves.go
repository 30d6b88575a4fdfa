// Package pendingmoves is the Pending Moves Queue (C11): a durable JSON
// queue of filesystem moves that failed because the destination filesystem
// held a lock (Windows EBUSY/sharing violations and similar), retried with
// exponential backoff until they succeed or are abandoned. The Tidy
// consolidator owns this queue; Governed Apply only enqueues into it.
package pendingmoves

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	apperrors "github.com/hshk99/autopack/internal/errors"
	"github.com/hshk99/autopack/pkg/domain"
)

// backoffBase and backoffCap bound the retry schedule: next_eligible_at =
// now + base*2^(attempt_count-1), capped at 24h (spec.md §4.11).
const (
	backoffBase = 5 * time.Minute
	backoffCap  = 24 * time.Hour

	// maxAttempts and maxAge bound how long an item is retried before it
	// is abandoned, whichever limit is hit first.
	maxAttempts = 10
	maxAge      = 30 * 24 * time.Hour
)

// Clock lets tests control "now" without relying on wall-clock time.
type Clock func() time.Time

// Queue is the file-backed Pending Moves Queue. A single mutex protects
// every read-modify-write cycle; persistence is a temp-file-then-rename so
// a crash mid-write never corrupts the on-disk queue (grounded on the
// same write-then-rename shape the file delivery channel uses for its own
// durable writes).
type Queue struct {
	mu    sync.Mutex
	path  string
	clock Clock
}

// New builds a Queue backed by the JSON file at path (created on first
// Enqueue if it does not yet exist).
func New(path string) *Queue {
	return &Queue{path: path, clock: time.Now}
}

func (q *Queue) now() time.Time {
	if q.clock == nil {
		return time.Now()
	}
	return q.clock()
}

// stableID derives a content-stable identifier from the move's identity
// so the same logical move enqueued across separate process runs collapses
// onto the same queue entry instead of duplicating it.
func stableID(src, dest, action string) string {
	sum := sha256.Sum256([]byte(action + "\x00" + src + "\x00" + dest))
	return hex.EncodeToString(sum[:])
}

// Enqueue records a failed move, or bumps the existing entry's retry
// bookkeeping if the same (src, dest, action) is already queued. It
// satisfies pkg/apply's MoveEnqueuer interface.
func (q *Queue) Enqueue(ctx context.Context, src, dest, action, reason string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue, err := q.load()
	if err != nil {
		return err
	}

	id := stableID(src, dest, action)
	now := q.now()
	var lastError string
	if cause != nil {
		lastError = cause.Error()
	}

	for i, item := range queue.Items {
		if item.ID == id {
			if item.Status != domain.MovePending {
				// A previously terminal entry being re-reported: reopen it.
				queue.Items[i].Status = domain.MovePending
				queue.Items[i].FirstEnqueuedAt = now
				queue.Items[i].AttemptCount = 0
			}
			queue.Items[i].Reason = reason
			queue.Items[i].LastError = lastError
			queue.Items[i].NextEligibleAt = now
			return q.persist(queue)
		}
	}

	queue.Items = append(queue.Items, domain.PendingMoveItem{
		ID:              id,
		Src:             src,
		Dest:            dest,
		Action:          action,
		Status:          domain.MovePending,
		Reason:          reason,
		AttemptCount:    0,
		FirstEnqueuedAt: now,
		NextEligibleAt:  now,
		LastError:       lastError,
	})
	return q.persist(queue)
}

// LoadDueItems returns every pending item whose next_eligible_at has
// elapsed, in queue order. The queue is the single source of truth for
// retry state; it is never rebuilt from filesystem state.
func (q *Queue) LoadDueItems(ctx context.Context, now time.Time) ([]domain.PendingMoveItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue, err := q.load()
	if err != nil {
		return nil, err
	}
	var due []domain.PendingMoveItem
	for _, item := range queue.Items {
		if item.Status == domain.MovePending && !item.NextEligibleAt.After(now) {
			due = append(due, item)
		}
	}
	return due, nil
}

// MarkOutcome records the result of one retry attempt against itemID: on
// success the item is marked succeeded; on failure attempt_count is
// incremented and next_eligible_at recomputed, or the item is abandoned
// once it exceeds maxAttempts retries or maxAge since first enqueued.
func (q *Queue) MarkOutcome(ctx context.Context, itemID string, now time.Time, outcomeErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue, err := q.load()
	if err != nil {
		return err
	}

	for i, item := range queue.Items {
		if item.ID != itemID {
			continue
		}
		if outcomeErr == nil {
			queue.Items[i].Status = domain.MoveSucceeded
			queue.Items[i].LastError = ""
			return q.persist(queue)
		}

		item.AttemptCount++
		item.LastError = outcomeErr.Error()
		if item.AttemptCount >= maxAttempts || now.Sub(item.FirstEnqueuedAt) >= maxAge {
			item.Status = domain.MoveAbandoned
		} else {
			item.NextEligibleAt = now.Add(nextBackoff(item.AttemptCount))
		}
		queue.Items[i] = item
		return q.persist(queue)
	}
	return apperrors.NewNotFoundError("pending move item")
}

// nextBackoff computes base*2^(attemptCount-1), capped at backoffCap.
func nextBackoff(attemptCount int) time.Duration {
	if attemptCount < 1 {
		attemptCount = 1
	}
	delay := backoffBase
	for i := 1; i < attemptCount; i++ {
		delay *= 2
		if delay >= backoffCap {
			return backoffCap
		}
	}
	return delay
}

func (q *Queue) load() (domain.PendingMoveQueue, error) {
	data, err := os.ReadFile(q.path)
	if os.IsNotExist(err) {
		return domain.PendingMoveQueue{SchemaVersion: domain.PendingMoveQueueSchemaVersion, QueueID: stableQueueID(q.path)}, nil
	}
	if err != nil {
		return domain.PendingMoveQueue{}, apperrors.Wrap(err, apperrors.ErrorTypeIOLocked, "failed to read pending moves queue")
	}
	var queue domain.PendingMoveQueue
	if err := json.Unmarshal(data, &queue); err != nil {
		return domain.PendingMoveQueue{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to parse pending moves queue")
	}
	return queue, nil
}

// persist writes queue atomically: a temp file in the same directory,
// fsync'd then renamed over the final path, so a crash mid-write can never
// leave a half-written queue file behind.
func (q *Queue) persist(queue domain.PendingMoveQueue) error {
	queue.SchemaVersion = domain.PendingMoveQueueSchemaVersion
	if queue.QueueID == "" {
		queue.QueueID = stableQueueID(q.path)
	}

	data, err := json.MarshalIndent(queue, "", "  ")
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to marshal pending moves queue")
	}

	dir := filepath.Dir(q.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeIOLocked, "failed to create pending moves queue directory")
	}

	tmp, err := os.CreateTemp(dir, ".tidy_pending_moves-*.json.tmp")
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeIOLocked, "failed to write temporary file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return apperrors.Wrap(err, apperrors.ErrorTypeIOLocked, "failed to write temporary file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return apperrors.Wrap(err, apperrors.ErrorTypeIOLocked, "failed to sync temporary file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return apperrors.Wrap(err, apperrors.ErrorTypeIOLocked, "failed to close temporary file")
	}
	if err := os.Rename(tmpPath, q.path); err != nil {
		os.Remove(tmpPath)
		return apperrors.Wrap(err, apperrors.ErrorTypeIOLocked, "failed to rename temporary file over pending moves queue")
	}
	return nil
}

func stableQueueID(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:8])
}
