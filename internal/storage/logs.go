package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/orchestra-labs/issue-orchestrator/internal/models"
)

// nonDevEntryTypes mirrors spec.md §4.7: "if not devMode, entryType ∈
// {user-message, assistant-message, system-message}" excluded at the SQL
// level for speed.
var nonDevEntryTypes = []models.EntryType{
	models.EntryUserMessage,
	models.EntryAssistantMessage,
	models.EntrySystemMessage,
}

const toolDetailContentCap = 5000

type logRow struct {
	ID                string  `db:"id"`
	IssueID           string  `db:"issue_id"`
	TurnIndex         int     `db:"turn_index"`
	EntryIndex        int     `db:"entry_index"`
	EntryType         string  `db:"entry_type"`
	Content           string  `db:"content"`
	Metadata          *string `db:"metadata"`
	ReplyToMessageID  *string `db:"reply_to_message_id"`
	Timestamp         *string `db:"timestamp"`
	Visible           int     `db:"visible"`
}

type toolRow struct {
	ID         string `db:"id"`
	LogID      string `db:"log_id"`
	IssueID    string `db:"issue_id"`
	ToolName   *string `db:"tool_name"`
	ToolCallID *string `db:"tool_call_id"`
	Kind       *string `db:"kind"`
	IsResult   int     `db:"is_result"`
	Raw        string  `db:"raw"`
}

// toolDetailBlob is the compact JSON blob stored per tool-use entry
// (spec.md §4.7): toolName, toolCallId, kind, isResult, toolAction,
// metadata, content truncated to 5000 chars.
type toolDetailBlob struct {
	ToolName   string             `json:"toolName,omitempty"`
	ToolCallID string             `json:"toolCallId,omitempty"`
	Kind       string             `json:"kind,omitempty"`
	IsResult   bool               `json:"isResult,omitempty"`
	ToolAction *models.ToolAction `json:"toolAction,omitempty"`
	Metadata   models.Metadata    `json:"metadata,omitempty"`
	Content    string             `json:"content,omitempty"`
}

// PersistLogEntry inserts entry at (turnIndex, entryIndex) with visible=1
// and returns a new entry stamped with a fresh messageId (the input is
// never mutated, per spec.md §4.7). On any failure it logs a warning and
// returns nil. Persistence failures never propagate to the
// caller; the event is still delivered with a null messageId.
func (s *Store) PersistLogEntry(ctx context.Context, issueID, executionID string, entry models.NormalizedEntry, entryIndex, turnIndex int, replyToMessageID string) *models.NormalizedEntry {
	out := entry
	out.MessageID = s.ids.New()
	out.TurnIndex = turnIndex
	out.EntryIndex = entryIndex
	out.Content = strings.TrimSpace(out.Content)
	if replyToMessageID != "" {
		out.ReplyToMessageID = replyToMessageID
	}
	ts := time.Now().UTC()
	if out.Timestamp == nil {
		out.Timestamp = &ts
	}

	var metaJSON *string
	if len(out.Metadata) > 0 {
		b, err := json.Marshal(out.Metadata)
		if err != nil {
			s.logger.Warn("marshal metadata failed", "issue_id", issueID, "error", err)
			return nil
		}
		str := string(b)
		metaJSON = &str
	}
	var replyPtr *string
	if out.ReplyToMessageID != "" {
		replyPtr = &out.ReplyToMessageID
	}
	tsStr := out.Timestamp.Format(time.RFC3339Nano)

	query := s.bindVar(`INSERT INTO issue_logs
		(id, issue_id, turn_index, entry_index, entry_type, content, metadata, reply_to_message_id, timestamp, visible)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`)
	err := s.observe("persist_log_entry", func() error {
		_, err := s.db.ExecContext(ctx, query,
			out.MessageID, issueID, turnIndex, entryIndex, string(out.EntryType), out.Content,
			metaJSON, replyPtr, tsStr,
		)
		return err
	})
	if err != nil {
		s.logger.Warn("persist log entry failed", "issue_id", issueID, "execution_id", executionID, "error", err)
		return nil
	}
	return &out
}

// PersistToolDetail stores the compact tool-detail blob for a tool-use
// entry already written by PersistLogEntry. Returns the tool-detail row
// id, or "" if logID is empty or entry isn't a tool-use entry.
func (s *Store) PersistToolDetail(ctx context.Context, logID, issueID string, entry models.NormalizedEntry) string {
	if logID == "" || entry.EntryType != models.EntryToolUse {
		return ""
	}

	content := entry.Content
	if len(content) > toolDetailContentCap {
		content = content[:toolDetailContentCap]
	}
	blob := toolDetailBlob{
		Kind:       string(entry.EntryType),
		IsResult:   entry.Metadata.Bool(models.MetaIsResult),
		ToolAction: entry.ToolAction,
		Metadata:   entry.Metadata,
		Content:    content,
	}
	if name, ok := entry.Metadata.String(models.MetaToolName); ok {
		blob.ToolName = name
	}
	if callID, ok := entry.Metadata.String(models.MetaToolCallID); ok {
		blob.ToolCallID = callID
	}
	raw, err := json.Marshal(blob)
	if err != nil {
		s.logger.Warn("marshal tool detail failed", "issue_id", issueID, "error", err)
		return ""
	}

	id := s.ids.New()
	var toolName, toolCallID *string
	if blob.ToolName != "" {
		toolName = &blob.ToolName
	}
	if blob.ToolCallID != "" {
		toolCallID = &blob.ToolCallID
	}
	isResult := 0
	if blob.IsResult {
		isResult = 1
	}

	query := s.bindVar(`INSERT INTO issue_logs_tools
		(id, log_id, issue_id, tool_name, tool_call_id, kind, is_result, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, id, logID, issueID, toolName, toolCallID, blob.Kind, isResult, string(raw)); err != nil {
		s.logger.Warn("persist tool detail failed", "issue_id", issueID, "error", err)
		return ""
	}
	return id
}

// GetNextTurnIndex returns max(turnIndex)+1 for issueID, or 0 if no rows
// exist yet.
func (s *Store) GetNextTurnIndex(ctx context.Context, issueID string) (int, error) {
	query := s.bindVar(`SELECT COALESCE(MAX(turn_index), -1) FROM issue_logs WHERE issue_id = ?`)
	var max int
	if err := s.db.GetContext(ctx, &max, query, issueID); err != nil {
		return 0, fmt.Errorf("storage: get next turn index: %w", err)
	}
	return max + 1, nil
}

// GetLogsOpts parameterizes GetLogsFromDb (spec.md §4.7).
type GetLogsOpts struct {
	Cursor *Cursor // forward: rows strictly after this pair
	Before *Cursor // reverse: rows strictly before this pair
	Limit  int
}

// GetLogsFromDb is the primary read path: cursor/before pagination with
// visibility filtering, SQL-level entry-type narrowing for non-dev mode,
// and a second-stage in-memory isVisibleForMode filter for subtype rules.
// Reverse queries are sorted descending at the SQL level then reversed in
// memory so the return contract is always ascending (spec.md §4.7).
func (s *Store) GetLogsFromDb(ctx context.Context, issueID string, devMode bool, opts GetLogsOpts) ([]models.NormalizedEntry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	// Overfetch to absorb the second-stage isVisibleForMode filter.
	fetchLimit := limit*2 + 1

	var conds []string
	var args []any
	conds = append(conds, "issue_id = ?")
	args = append(args, issueID)
	conds = append(conds, "visible = 1")

	if !devMode {
		placeholders := make([]string, len(nonDevEntryTypes))
		for i, t := range nonDevEntryTypes {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		conds = append(conds, fmt.Sprintf("entry_type IN (%s)", strings.Join(placeholders, ", ")))
	}

	reverse := opts.Before != nil
	if opts.Cursor != nil {
		conds = append(conds, "(turn_index > ? OR (turn_index = ? AND entry_index > ?))")
		args = append(args, opts.Cursor.TurnIndex, opts.Cursor.TurnIndex, opts.Cursor.EntryIndex)
	} else if opts.Before != nil {
		conds = append(conds, "(turn_index < ? OR (turn_index = ? AND entry_index < ?))")
		args = append(args, opts.Before.TurnIndex, opts.Before.TurnIndex, opts.Before.EntryIndex)
	}

	order := "turn_index ASC, entry_index ASC"
	if reverse {
		order = "turn_index DESC, entry_index DESC"
	}

	query := fmt.Sprintf(
		`SELECT id, issue_id, turn_index, entry_index, entry_type, content, metadata, reply_to_message_id, timestamp, visible
		 FROM issue_logs WHERE %s ORDER BY %s LIMIT ?`,
		strings.Join(conds, " AND "), order,
	)
	args = append(args, fetchLimit)

	var rows []logRow
	err := s.observe("get_logs_from_db", func() error {
		return s.db.SelectContext(ctx, &rows, s.bindVar(query), args...)
	})
	if err != nil {
		return nil, fmt.Errorf("storage: get logs: %w", err)
	}
	if reverse {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}

	entries := make([]models.NormalizedEntry, 0, len(rows))
	for _, r := range rows {
		entry, err := s.hydrateRow(ctx, r)
		if err != nil {
			s.logger.Warn("hydrate log row failed", "id", r.ID, "error", err)
			continue
		}
		if !isVisibleForMode(entry, devMode) {
			continue
		}
		entries = append(entries, entry)
	}
	if len(entries) > limit {
		if reverse {
			entries = entries[len(entries)-limit:]
		} else {
			entries = entries[:limit]
		}
	}
	return entries, nil
}

// hydrateRow joins the tool-detail row (if any) and reconstructs
// toolAction; if the base row's content/metadata is empty, it restores
// from the tool-detail raw blob (spec.md §4.7).
func (s *Store) hydrateRow(ctx context.Context, r logRow) (models.NormalizedEntry, error) {
	entry := models.NormalizedEntry{
		MessageID:  r.ID,
		EntryType:  models.EntryType(r.EntryType),
		Content:    r.Content,
		TurnIndex:  r.TurnIndex,
		EntryIndex: r.EntryIndex,
	}
	if r.ReplyToMessageID != nil {
		entry.ReplyToMessageID = *r.ReplyToMessageID
	}
	if r.Timestamp != nil {
		if t, err := time.Parse(time.RFC3339Nano, *r.Timestamp); err == nil {
			entry.Timestamp = &t
		}
	}
	if r.Metadata != nil && *r.Metadata != "" {
		var meta models.Metadata
		if err := json.Unmarshal([]byte(*r.Metadata), &meta); err == nil {
			entry.Metadata = meta
		}
	}

	if entry.EntryType != models.EntryToolUse {
		return entry, nil
	}

	var tr toolRow
	query := s.bindVar(`SELECT id, log_id, issue_id, tool_name, tool_call_id, kind, is_result, raw
		FROM issue_logs_tools WHERE log_id = ? LIMIT 1`)
	if err := s.db.GetContext(ctx, &tr, query, r.ID); err != nil {
		if isNoRows(err) {
			return entry, nil
		}
		return entry, err
	}

	var blob toolDetailBlob
	if err := json.Unmarshal([]byte(tr.Raw), &blob); err != nil {
		return entry, nil
	}
	if blob.ToolAction != nil {
		entry.ToolAction = blob.ToolAction
	}
	if entry.Content == "" {
		entry.Content = blob.Content
	}
	if len(entry.Metadata) == 0 {
		entry.Metadata = blob.Metadata
	}
	return entry, nil
}

// isVisibleForMode applies the second-stage subtype filter from
// spec.md §4.7: in non-dev mode, only command_output and
// compact_boundary system messages pass.
func isVisibleForMode(entry models.NormalizedEntry, devMode bool) bool {
	if devMode {
		return true
	}
	if entry.EntryType != models.EntrySystemMessage {
		return true
	}
	subtype, _ := entry.Metadata.String(models.MetaSubtype)
	return subtype == "command_output" || subtype == "compact_boundary"
}
