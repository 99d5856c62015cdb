// Package codex implements the JSON-RPC engine shape (spec.md §4.2, §4.3):
// an "app-server" style CLI that emits JSON-RPC-lite notifications on
// stdout, dispatched on method rather than a type tag.
package codex

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/orchestra-labs/issue-orchestrator/internal/engine/normalize"
	"github.com/orchestra-labs/issue-orchestrator/internal/models"
)

type rawNotification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type itemPayload struct {
	Item struct {
		Type    string         `json:"type"`
		ID      string         `json:"id"`
		Command string         `json:"command"`
		Path    string         `json:"path"`
		Text    string         `json:"text"`
		Output  string         `json:"output"`
		Stderr  string         `json:"stderr"`
		ExitCode int           `json:"exitCode"`
		DurationMs int64       `json:"durationMs"`
		Input   map[string]any `json:"input"`
	} `json:"item"`
	Delta string `json:"delta"`
}

type turnPayload struct {
	Turn struct {
		ID    string `json:"id"`
		Usage struct {
			InputTokens  int64 `json:"inputTokens"`
			OutputTokens int64 `json:"outputTokens"`
		} `json:"usage"`
	} `json:"turn"`
}

type threadStatusPayload struct {
	Status string `json:"status"`
}

type errorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	WillRetry bool   `json:"willRetry"`
}

// Normalizer implements normalize.Normalizer for the JSON-RPC shape.
type Normalizer struct {
	Filter *normalize.FilterSet
}

// NewNormalizer builds a Normalizer with the given operator filter rules.
func NewNormalizer(rules []normalize.WriteFilterRule) *Normalizer {
	return &Normalizer{Filter: normalize.NewFilterSet(rules)}
}

// Parse implements normalize.Normalizer.
func (n *Normalizer) Parse(rawLine string) []models.NormalizedEntry {
	trimmed := strings.TrimSpace(rawLine)
	if trimmed == "" {
		return nil
	}

	var note rawNotification
	if err := json.Unmarshal([]byte(trimmed), &note); err != nil {
		return normalize.FallbackEntry(rawLine)
	}
	if note.Method == "" {
		return normalize.FallbackEntry(rawLine)
	}

	switch note.Method {
	case "item/agentMessage/delta":
		return n.parseDelta(note.Params)
	case "item/started":
		return n.parseItem(note.Params, false)
	case "item/completed":
		return n.parseItem(note.Params, true)
	case "turn/started":
		return nil
	case "turn/completed":
		return n.parseTurnCompleted(note.Params)
	case "thread/started":
		return []models.NormalizedEntry{{EntryType: models.EntrySystemMessage, Content: "thread started"}}
	case "thread/status/changed":
		return n.parseThreadStatus(note.Params)
	case "error":
		return n.parseError(note.Params)
	default:
		return []models.NormalizedEntry{{
			EntryType: models.EntrySystemMessage,
			Content:   rawLine,
			Metadata:  models.Metadata{models.MetaSubtype: note.Method},
		}}
	}
}

func (n *Normalizer) parseDelta(raw json.RawMessage) []models.NormalizedEntry {
	var p itemPayload
	_ = json.Unmarshal(raw, &p)
	if p.Delta == "" {
		return nil
	}
	return []models.NormalizedEntry{{
		EntryType: models.EntryAssistantMessage,
		Content:   p.Delta,
		Metadata:  models.Metadata{models.MetaStreaming: true},
	}}
}

func (n *Normalizer) parseItem(raw json.RawMessage, completed bool) []models.NormalizedEntry {
	var p itemPayload
	_ = json.Unmarshal(raw, &p)

	switch p.Item.Type {
	case "reasoning":
		return nil
	case "agentMessage":
		content := p.Item.Text
		meta := models.Metadata{}
		if !completed {
			meta[models.MetaStreaming] = true
		} else {
			meta[models.MetaIsResult] = true
			content = p.Item.Output
			if content == "" {
				content = p.Item.Text
			}
		}
		return []models.NormalizedEntry{{EntryType: models.EntryAssistantMessage, Content: content, Metadata: meta}}
	case "commandExecution":
		if n.Filter.ShouldSuppressToolUse("commandExecution", p.Item.ID) {
			return nil
		}
		if !completed {
			return []models.NormalizedEntry{{
				EntryType: models.EntryToolUse,
				Content:   p.Item.Command,
				Metadata:  models.Metadata{models.MetaToolCallID: p.Item.ID, models.MetaStreaming: true},
				ToolAction: &models.ToolAction{
					Kind:     models.ToolActionCommandRun,
					Command:  p.Item.Command,
					Category: normalize.ClassifyCommand(p.Item.Command),
				},
			}}
		}
		result := combinedOutput(p)
		return []models.NormalizedEntry{{
			EntryType: models.EntryToolUse,
			Content:   result,
			Metadata: models.Metadata{
				models.MetaToolCallID: p.Item.ID,
				models.MetaIsResult:   true,
				models.MetaDuration:   p.Item.DurationMs,
			},
			ToolAction: &models.ToolAction{
				Kind:     models.ToolActionCommandRun,
				Command:  p.Item.Command,
				Category: normalize.ClassifyCommand(p.Item.Command),
				Result:   &result,
			},
		}}
	case "fileChange":
		if n.Filter.ShouldSuppressToolUse("fileChange", p.Item.ID) {
			return nil
		}
		meta := models.Metadata{models.MetaToolCallID: p.Item.ID}
		if completed {
			meta[models.MetaIsResult] = true
		} else {
			meta[models.MetaStreaming] = true
		}
		return []models.NormalizedEntry{{
			EntryType:  models.EntryToolUse,
			Content:    p.Item.Path,
			Metadata:   meta,
			ToolAction: &models.ToolAction{Kind: models.ToolActionFileEdit, Path: p.Item.Path},
		}}
	default:
		return nil
	}
}

func combinedOutput(p itemPayload) string {
	var sb strings.Builder
	sb.WriteString(p.Item.Output)
	if p.Item.Stderr != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(p.Item.Stderr)
	}
	return sb.String()
}

// formatUsage renders a token count ≥1000 as "12.5k", else the raw integer.
func formatUsage(n int64) string {
	if n >= 1000 {
		return fmt.Sprintf("%.1fk", float64(n)/1000.0)
	}
	return fmt.Sprintf("%d", n)
}

func (n *Normalizer) parseTurnCompleted(raw json.RawMessage) []models.NormalizedEntry {
	var p turnPayload
	_ = json.Unmarshal(raw, &p)
	content := fmt.Sprintf("%s input · %s output", formatUsage(p.Turn.Usage.InputTokens), formatUsage(p.Turn.Usage.OutputTokens))
	return []models.NormalizedEntry{{
		EntryType: models.EntrySystemMessage,
		Content:   content,
		Metadata:  models.Metadata{models.MetaTurnCompleted: true},
	}}
}

func (n *Normalizer) parseThreadStatus(raw json.RawMessage) []models.NormalizedEntry {
	var p threadStatusPayload
	_ = json.Unmarshal(raw, &p)
	if p.Status == "systemError" {
		return []models.NormalizedEntry{{EntryType: models.EntryErrorMessage, Content: "thread status: systemError"}}
	}
	return []models.NormalizedEntry{{EntryType: models.EntrySystemMessage, Content: "thread status: " + p.Status}}
}

func (n *Normalizer) parseError(raw json.RawMessage) []models.NormalizedEntry {
	var p errorPayload
	_ = json.Unmarshal(raw, &p)
	return []models.NormalizedEntry{{
		EntryType: models.EntryErrorMessage,
		Content:   p.Message,
		Metadata:  models.Metadata{"code": p.Code, "willRetry": p.WillRetry},
	}}
}
