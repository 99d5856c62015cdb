// Package models holds the value types shared across the orchestrator:
// normalized log entries, issues, tool actions, pending messages, and
// engine availability reports. None of these types own behavior beyond
// small, pure helpers. The packages that mutate them (issueengine,
// storage, procmgr) live elsewhere.
package models

import "time"

// EntryType is the kind of a NormalizedEntry.
type EntryType string

const (
	EntryUserMessage      EntryType = "user-message"
	EntryAssistantMessage EntryType = "assistant-message"
	EntryToolUse          EntryType = "tool-use"
	EntrySystemMessage    EntryType = "system-message"
	EntryErrorMessage     EntryType = "error-message"
	EntryThinking         EntryType = "thinking"
	EntryLoading          EntryType = "loading"
	EntryTokenUsage       EntryType = "token-usage"
)

// Metadata is the free-form key/value bag carried on every entry. Recognized
// keys are documented in spec.md §3; unknown keys pass through untouched.
type Metadata map[string]any

// Recognized metadata keys. Callers should prefer the typed accessors below
// over touching the map directly.
const (
	MetaToolName       = "toolName"
	MetaToolCallID     = "toolCallId"
	MetaIsResult       = "isResult"
	MetaSubtype        = "subtype"
	MetaStreaming      = "streaming"
	MetaTurnCompleted  = "turnCompleted"
	MetaResultSubtype  = "resultSubtype"
	MetaDuration       = "duration"
	MetaPending        = "pending"
	MetaDone           = "done"
)

func (m Metadata) String(key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (m Metadata) Bool(key string) bool {
	if m == nil {
		return false
	}
	v, ok := m[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// NormalizedEntry is the uniform unit the whole pipeline traffics in
// (spec.md §3). MessageID is assigned at persistence time, so entries
// produced by a normalizer carry an empty MessageID until C7 stamps one.
type NormalizedEntry struct {
	MessageID         string    `json:"messageId"`
	ReplyToMessageID  string    `json:"replyToMessageId,omitempty"`
	EntryType         EntryType `json:"entryType"`
	Content           string    `json:"content"`
	TurnIndex         int       `json:"turnIndex"`
	EntryIndex        int       `json:"entryIndex"`
	Timestamp         *time.Time `json:"timestamp,omitempty"`
	Metadata          Metadata  `json:"metadata,omitempty"`
	ToolAction        *ToolAction `json:"toolAction,omitempty"`
}

// ToolActionKind tags the variant carried by a ToolAction.
type ToolActionKind string

const (
	ToolActionFileRead   ToolActionKind = "file-read"
	ToolActionFileEdit   ToolActionKind = "file-edit"
	ToolActionCommandRun ToolActionKind = "command-run"
	ToolActionSearch     ToolActionKind = "search"
	ToolActionWebFetch   ToolActionKind = "web-fetch"
	ToolActionTool       ToolActionKind = "tool"
	ToolActionOther      ToolActionKind = "other"
)

// CommandCategory buckets a command-run ToolAction for filtering/presentation,
// grounded on the risk-bucketing AnalyzeCommand/dangerousPatterns table in
// internal/tools/security/shell_parser.go.
type CommandCategory string

const (
	CommandCategoryRead    CommandCategory = "read"
	CommandCategoryWrite   CommandCategory = "write"
	CommandCategoryNetwork CommandCategory = "network"
	CommandCategoryOther   CommandCategory = "other"
)

// ToolAction is a tagged variant; only the fields relevant to Kind are
// populated. Present iff EntryType == EntryToolUse.
type ToolAction struct {
	Kind ToolActionKind `json:"kind"`

	// file-read / file-edit
	Path string `json:"path,omitempty"`

	// command-run
	Command  string          `json:"command,omitempty"`
	Category CommandCategory `json:"category,omitempty"`
	Result   *string         `json:"result,omitempty"`

	// search
	Query string `json:"query,omitempty"`

	// web-fetch
	URL string `json:"url,omitempty"`

	// tool (generic/unrecognized tool call)
	Name string         `json:"name,omitempty"`
	Args map[string]any `json:"args,omitempty"`

	// other
	Description string `json:"description,omitempty"`
}
