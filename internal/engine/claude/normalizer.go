// Package claude implements the streaming-JSON engine shape (spec.md §4.2,
// §4.3): a Claude-like CLI that speaks one JSON object per line on both
// stdin and stdout, with control_request/control_response handshakes
// interleaved on stdout.
package claude

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/orchestra-labs/issue-orchestrator/internal/engine/normalize"
	"github.com/orchestra-labs/issue-orchestrator/internal/models"
)

// rawMessage is the tag-dispatch envelope every streaming-JSON line shares.
type rawMessage struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype"`
	Message json.RawMessage `json:"message"`

	// result-kind fields
	DurationMs  int64            `json:"duration_ms"`
	InputTokens int64            `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	CostUSD     float64          `json:"cost_usd"`
	IsError     bool             `json:"is_error"`
	Errors      []resultErrEntry `json:"errors"`

	CWD       string `json:"cwd"`
	SessionID string `json:"session_id"`
}

type resultErrEntry struct {
	Kind    string `json:"kind"`
	Summary string `json:"summary"`
	Message string `json:"message"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`

	// tool_use
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`

	// tool_result
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type envelopeMessage struct {
	ID      string         `json:"id"`
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

// Normalizer implements normalize.Normalizer for the streaming-JSON shape.
// Normalizer is stateful only in its filter set, which must not be shared
// across concurrent executions (spec.md §5).
type Normalizer struct {
	Filter *normalize.FilterSet
}

// NewNormalizer builds a Normalizer with the given operator filter rules.
func NewNormalizer(rules []normalize.WriteFilterRule) *Normalizer {
	return &Normalizer{Filter: normalize.NewFilterSet(rules)}
}

// Parse implements normalize.Normalizer. It is total: malformed JSON never
// panics, it degrades to a system-message carrying the raw line.
func (n *Normalizer) Parse(rawLine string) (out []models.NormalizedEntry) {
	trimmed := strings.TrimSpace(rawLine)
	if trimmed == "" {
		return nil
	}

	var msg rawMessage
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		return normalize.FallbackEntry(rawLine)
	}

	switch msg.Type {
	case "system":
		return n.parseSystem(msg)
	case "assistant":
		return n.parseAssistant(msg)
	case "user":
		return n.parseUser(msg)
	case "result":
		return n.parseResult(msg)
	case "error":
		return []models.NormalizedEntry{{
			EntryType: models.EntryErrorMessage,
			Content:   rawLine,
		}}
	default:
		// Unknown but well-formed JSON: still a diagnostic system-message,
		// not an error. Only truly invalid JSON falls back to raw-line.
		return []models.NormalizedEntry{{
			EntryType: models.EntrySystemMessage,
			Content:   rawLine,
			Metadata:  models.Metadata{models.MetaSubtype: msg.Type},
		}}
	}
}

func (n *Normalizer) parseSystem(msg rawMessage) []models.NormalizedEntry {
	switch msg.Subtype {
	case "init", "compact_boundary", "hook_response":
		return []models.NormalizedEntry{{
			EntryType: models.EntrySystemMessage,
			Content:   fmt.Sprintf("system: %s", msg.Subtype),
			Metadata:  models.Metadata{models.MetaSubtype: msg.Subtype},
		}}
	default:
		return []models.NormalizedEntry{{
			EntryType: models.EntrySystemMessage,
			Content:   fmt.Sprintf("system: %s", msg.Subtype),
			Metadata:  models.Metadata{models.MetaSubtype: msg.Subtype},
		}}
	}
}

func (n *Normalizer) parseAssistant(msg rawMessage) []models.NormalizedEntry {
	var env envelopeMessage
	if len(msg.Message) > 0 {
		_ = json.Unmarshal(msg.Message, &env)
	}

	var out []models.NormalizedEntry
	var textParts []string
	for _, block := range env.Content {
		switch block.Type {
		case "text":
			textParts = append(textParts, block.Text)
		case "tool_use":
			if n.Filter.ShouldSuppressToolUse(block.Name, block.ID) {
				continue
			}
			action := classifyToolUse(block.Name, block.Input)
			out = append(out, models.NormalizedEntry{
				EntryType:  models.EntryToolUse,
				Content:    block.Name,
				Metadata:   models.Metadata{models.MetaToolName: block.Name, models.MetaToolCallID: block.ID},
				ToolAction: action,
			})
		}
	}
	if len(textParts) > 0 {
		joined := strings.Join(textParts, "")
		// Text entries are emitted before tool-use entries in the same
		// message, matching scenario 1's expected ordering.
		out = append([]models.NormalizedEntry{{
			EntryType: models.EntryAssistantMessage,
			Content:   joined,
		}}, out...)
	}
	return out
}

func (n *Normalizer) parseUser(msg rawMessage) []models.NormalizedEntry {
	var env envelopeMessage
	if len(msg.Message) > 0 {
		_ = json.Unmarshal(msg.Message, &env)
	}

	var out []models.NormalizedEntry
	for _, block := range env.Content {
		if block.Type != "tool_result" {
			continue
		}
		if n.Filter.ShouldSuppressToolResult(block.ToolUseID) {
			continue
		}
		content := stringifyContent(block.Content)
		if stripped, ok := stripLocalCommandOutput(content); ok {
			out = append(out, models.NormalizedEntry{
				EntryType: models.EntrySystemMessage,
				Content:   stripped,
				Metadata:  models.Metadata{models.MetaSubtype: "command_output"},
			})
			continue
		}
		entryType := models.EntryToolUse
		if block.IsError {
			entryType = models.EntryErrorMessage
		}
		out = append(out, models.NormalizedEntry{
			EntryType: entryType,
			Content:   content,
			Metadata: models.Metadata{
				models.MetaIsResult:   true,
				models.MetaToolCallID: block.ToolUseID,
			},
		})
	}
	return out
}

func (n *Normalizer) parseResult(msg rawMessage) []models.NormalizedEntry {
	summary := fmt.Sprintf("duration=%dms input_tokens=%d output_tokens=%d cost_usd=%.4f",
		msg.DurationMs, msg.InputTokens, msg.OutputTokens, msg.CostUSD)

	if msg.Subtype == "success" && !msg.IsError {
		return []models.NormalizedEntry{{
			EntryType: models.EntrySystemMessage,
			Content:   summary,
			Metadata:  models.Metadata{models.MetaResultSubtype: msg.Subtype, models.MetaDuration: msg.DurationMs},
		}}
	}

	content := summary
	if len(msg.Errors) > 0 {
		first := msg.Errors[0]
		text := first.Summary
		if text == "" {
			text = first.Message
		}
		if len(text) > 300 {
			text = text[:300]
		}
		content = fmt.Sprintf("%s | %s: %s", summary, first.Kind, text)
	}
	return []models.NormalizedEntry{{
		EntryType: models.EntryErrorMessage,
		Content:   content,
		Metadata:  models.Metadata{models.MetaResultSubtype: msg.Subtype, models.MetaDuration: msg.DurationMs},
	}}
}

func classifyToolUse(name string, input map[string]any) *models.ToolAction {
	return normalize.ClassifyTool(name, input)
}

// stringifyContent renders a tool_result's content field, which the vendor
// CLI may emit as either a bare JSON string or a structured array/object.
func stringifyContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// stripLocalCommandOutput removes the "<local-command-stdout>...</...>"
// wrapper some engines use around locally-echoed output, yielding a
// command_output system-message per spec.md §4.2.
func stripLocalCommandOutput(content string) (string, bool) {
	const open = "<local-command-stdout>"
	if !strings.HasPrefix(strings.TrimSpace(content), open) {
		return content, false
	}
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, open)
	if idx := strings.Index(trimmed, "</"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed), true
}
