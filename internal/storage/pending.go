package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/orchestra-labs/issue-orchestrator/internal/models"
)

type pendingRow struct {
	ID         string `db:"id"`
	IssueID    string `db:"issue_id"`
	Content    string `db:"content"`
	CreatedAt  string `db:"created_at"`
	Dispatched int    `db:"dispatched"`
}

// EnqueuePending durably appends a pending message for issueID
// (spec.md §4.8: "enqueue(issueId, content) when no active session").
func (s *Store) EnqueuePending(ctx context.Context, issueID, content string) (models.PendingMessage, error) {
	msg := models.PendingMessage{
		ID:        s.ids.New(),
		IssueID:   issueID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	query := s.bindVar(`INSERT INTO pending_messages (id, issue_id, content, created_at, dispatched)
		VALUES (?, ?, ?, ?, 0)`)
	if _, err := s.db.ExecContext(ctx, query, msg.ID, msg.IssueID, msg.Content, msg.CreatedAt.Format(time.RFC3339Nano)); err != nil {
		return models.PendingMessage{}, fmt.Errorf("storage: enqueue pending: %w", err)
	}
	return msg, nil
}

// GetPending returns undispatched rows for issueID in insertion order.
func (s *Store) GetPending(ctx context.Context, issueID string) ([]models.PendingMessage, error) {
	query := s.bindVar(`SELECT id, issue_id, content, created_at, dispatched
		FROM pending_messages WHERE issue_id = ? AND dispatched = 0 ORDER BY id ASC`)
	var rows []pendingRow
	if err := s.db.SelectContext(ctx, &rows, query, issueID); err != nil {
		return nil, fmt.Errorf("storage: get pending: %w", err)
	}
	out := make([]models.PendingMessage, 0, len(rows))
	for _, r := range rows {
		createdAt, _ := time.Parse(time.RFC3339Nano, r.CreatedAt)
		out = append(out, models.PendingMessage{
			ID: r.ID, IssueID: r.IssueID, Content: r.Content,
			CreatedAt: createdAt, Dispatched: r.Dispatched != 0,
		})
	}
	return out, nil
}

// MarkDispatched flips dispatched=1 for the given ids. Must only be
// called after the engine call consuming them has returned successfully
// (spec.md §4.8), or, for restartIssue's explicit discard path, after
// the caller has decided to drop the messages without delivery.
func (s *Store) MarkDispatched(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := s.bindVar(fmt.Sprintf(`UPDATE pending_messages SET dispatched = 1 WHERE id IN (%s)`, strings.Join(placeholders, ", ")))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("storage: mark dispatched: %w", err)
	}
	return nil
}
