// Package pending implements the pending-message queue (C8): durable
// per-issue messages appended while no session is active, collected into
// the next execution's effective prompt, and marked dispatched only after
// that execution's engine call returns successfully (spec.md §4.8).
// Grounded on storage.Store's shape (a thin Go struct wrapping a
// persistence handle); spec.md's own wording for collectPending's join
// format is followed directly since no pack example does prompt
// concatenation.
package pending

import (
	"context"
	"strings"

	"github.com/orchestra-labs/issue-orchestrator/internal/models"
	"github.com/orchestra-labs/issue-orchestrator/internal/storage"
)

// Queue wraps a Store with the pending-message business rules.
type Queue struct {
	store *storage.Store
}

// New builds a Queue backed by store.
func New(store *storage.Store) *Queue {
	return &Queue{store: store}
}

// Enqueue durably appends content for issueID.
func (q *Queue) Enqueue(ctx context.Context, issueID, content string) (models.PendingMessage, error) {
	return q.store.EnqueuePending(ctx, issueID, content)
}

// GetPending returns undispatched messages for issueID in insertion order.
func (q *Queue) GetPending(ctx context.Context, issueID string) ([]models.PendingMessage, error) {
	return q.store.GetPending(ctx, issueID)
}

// MarkDispatched flips dispatched=1 for ids. Callers must only invoke this
// after the engine call consuming the messages has returned successfully,
// except for the restartIssue discard path (spec.md §4.9), which marks
// dispatched without delivery.
func (q *Queue) MarkDispatched(ctx context.Context, ids []string) error {
	return q.store.MarkDispatched(ctx, ids)
}

// Collected is the result of joining a base prompt with queued pending
// messages (spec.md §4.8 collectPending).
type Collected struct {
	EffectivePrompt string
	PendingIDs      []string
}

// CollectPending joins basePrompt with pending message contents,
// separated by blank lines, and returns the ids so the caller can defer
// marking them dispatched until the engine call succeeds.
func (q *Queue) CollectPending(ctx context.Context, issueID, basePrompt string) (Collected, error) {
	msgs, err := q.GetPending(ctx, issueID)
	if err != nil {
		return Collected{}, err
	}
	if len(msgs) == 0 {
		return Collected{EffectivePrompt: basePrompt}, nil
	}

	parts := []string{basePrompt}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.Content)
		ids = append(ids, m.ID)
	}
	return Collected{
		EffectivePrompt: strings.Join(parts, "\n\n"),
		PendingIDs:      ids,
	}, nil
}
