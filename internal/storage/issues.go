package storage

import (
	"context"
	"fmt"

	"github.com/orchestra-labs/issue-orchestrator/internal/models"
)

// issueRow mirrors models.Issue for sqlx scanning.
type issueRow struct {
	ID                string  `db:"id"`
	ProjectID         string  `db:"project_id"`
	StatusID          string  `db:"status_id"`
	SessionStatus     string  `db:"session_status"`
	EngineType        string  `db:"engine_type"`
	Model             string  `db:"model"`
	Prompt            string  `db:"prompt"`
	ExternalSessionID *string `db:"external_session_id"`
	DevMode           int     `db:"dev_mode"`
	PermissionMode    string  `db:"permission_mode"`
	LastError         *string `db:"last_error"`
}

func (r issueRow) toModel() models.Issue {
	iss := models.Issue{
		ID:             r.ID,
		ProjectID:      r.ProjectID,
		StatusID:       models.IssueStatusID(r.StatusID),
		SessionStatus:  models.SessionStatus(r.SessionStatus),
		EngineType:     models.EngineType(r.EngineType),
		Model:          r.Model,
		Prompt:         r.Prompt,
		DevMode:        r.DevMode != 0,
		PermissionMode: models.PermissionMode(r.PermissionMode),
	}
	if r.ExternalSessionID != nil {
		iss.ExternalSessionID = *r.ExternalSessionID
	}
	if r.LastError != nil {
		iss.LastError = *r.LastError
	}
	return iss
}

// UpsertIssue writes the full row for issue, creating it if absent. Used
// the first time executeIssue/followUpIssue touches an issue id (spec.md
// §4.9 holds Issue fields in memory during a run; this is the durable
// mirror needed for the startup reconciliation sweep, spec.md §9).
func (s *Store) UpsertIssue(ctx context.Context, issue models.Issue) error {
	devMode := 0
	if issue.DevMode {
		devMode = 1
	}
	var extSession, lastErr *string
	if issue.ExternalSessionID != "" {
		extSession = &issue.ExternalSessionID
	}
	if issue.LastError != "" {
		lastErr = &issue.LastError
	}

	query := s.bindVar(`INSERT INTO issues
		(id, project_id, status_id, session_status, engine_type, model, prompt, external_session_id, dev_mode, permission_mode, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			project_id = excluded.project_id,
			status_id = excluded.status_id,
			session_status = excluded.session_status,
			engine_type = excluded.engine_type,
			model = excluded.model,
			prompt = excluded.prompt,
			external_session_id = excluded.external_session_id,
			dev_mode = excluded.dev_mode,
			permission_mode = excluded.permission_mode,
			last_error = excluded.last_error`)
	_, err := s.db.ExecContext(ctx, query,
		issue.ID, issue.ProjectID, string(issue.StatusID), string(issue.SessionStatus),
		string(issue.EngineType), issue.Model, issue.Prompt, extSession, devMode,
		string(issue.PermissionMode), lastErr,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert issue: %w", err)
	}
	return nil
}

// GetIssue returns the stored issue row, or ErrNotFound.
func (s *Store) GetIssue(ctx context.Context, issueID string) (models.Issue, error) {
	query := s.bindVar(`SELECT id, project_id, status_id, session_status, engine_type, model, prompt,
		external_session_id, dev_mode, permission_mode, last_error FROM issues WHERE id = ?`)
	var row issueRow
	if err := s.db.GetContext(ctx, &row, query, issueID); err != nil {
		if isNoRows(err) {
			return models.Issue{}, ErrNotFound
		}
		return models.Issue{}, fmt.Errorf("storage: get issue: %w", err)
	}
	return row.toModel(), nil
}

// UpdateSessionState persists a sessionStatus/externalSessionId/lastError
// transition without touching the issue's other fields.
func (s *Store) UpdateSessionState(ctx context.Context, issueID string, status models.SessionStatus, externalSessionID, lastError string) error {
	var extSession, lastErr *string
	if externalSessionID != "" {
		extSession = &externalSessionID
	}
	if lastError != "" {
		lastErr = &lastError
	}
	query := s.bindVar(`UPDATE issues SET session_status = ?, external_session_id = COALESCE(?, external_session_id), last_error = ? WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, string(status), extSession, lastErr, issueID)
	if err != nil {
		return fmt.Errorf("storage: update session state: %w", err)
	}
	return nil
}

// ListBySessionStatuses returns every issue whose session_status is one of
// statuses, used by the startup reconciliation sweep (spec.md §9).
func (s *Store) ListBySessionStatuses(ctx context.Context, statuses []models.SessionStatus) ([]models.Issue, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	query := s.bindVar(fmt.Sprintf(`SELECT id, project_id, status_id, session_status, engine_type, model, prompt,
		external_session_id, dev_mode, permission_mode, last_error FROM issues WHERE session_status IN (%s)`,
		joinPlaceholders(placeholders)))
	var rows []issueRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("storage: list by session status: %w", err)
	}
	out := make([]models.Issue, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func joinPlaceholders(ph []string) string {
	out := ph[0]
	for _, p := range ph[1:] {
		out += ", " + p
	}
	return out
}
