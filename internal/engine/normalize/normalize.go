// Package normalize defines the per-engine log normalization contract (C2):
// a pure function from one raw stdout line to zero, one, or many
// models.NormalizedEntry values, plus the shared write-filter and
// command-classification helpers every engine normalizer uses.
package normalize

import (
	"strings"

	"github.com/orchestra-labs/issue-orchestrator/internal/models"
)

// Normalizer parses one raw line of engine stdout into normalized entries.
// Implementations must be total: no input may cause a panic, and invalid
// JSON degrades to a single system-message entry rather than an error
// (spec.md §4.2, testable property 4).
type Normalizer interface {
	Parse(rawLine string) []models.NormalizedEntry
}

// WriteFilterRule is an operator-supplied censorship rule: Type names the
// field to compare (for rule type "tool-name", the tool's name) and Match
// is the value it must equal. A matching tool_use entry is suppressed,
// along with its matching tool_result.
type WriteFilterRule struct {
	Type    string // currently only "tool-name" is defined
	Match   string
	Enabled bool
}

// FilterSet tracks in-flight suppressed tool-call ids for one reader loop.
// Not safe for concurrent use. Each execution owns exactly one instance,
// matching spec.md §5's "filteredToolCallIds... owned by a single reader
// loop; no external sharing."
type FilterSet struct {
	rules       []WriteFilterRule
	filteredIDs map[string]struct{}
}

// NewFilterSet builds a FilterSet from operator rules, ignoring disabled ones.
func NewFilterSet(rules []WriteFilterRule) *FilterSet {
	fs := &FilterSet{filteredIDs: map[string]struct{}{}}
	for _, r := range rules {
		if r.Enabled {
			fs.rules = append(fs.rules, r)
		}
	}
	return fs
}

// ShouldSuppressToolUse reports whether a tool_use with the given name/id
// matches a filter rule; if so it remembers the id so the matching
// tool_result is suppressed too.
func (fs *FilterSet) ShouldSuppressToolUse(toolName, toolCallID string) bool {
	for _, r := range fs.rules {
		if r.Type == "tool-name" && r.Match == toolName {
			if toolCallID != "" {
				fs.filteredIDs[toolCallID] = struct{}{}
			}
			return true
		}
	}
	return false
}

// ShouldSuppressToolResult reports whether a tool_result with the given
// call id was previously suppressed, consuming (removing) the id so a
// later, unrelated result with the same id is not also swallowed.
func (fs *FilterSet) ShouldSuppressToolResult(toolCallID string) bool {
	if toolCallID == "" {
		return false
	}
	if _, ok := fs.filteredIDs[toolCallID]; ok {
		delete(fs.filteredIDs, toolCallID)
		return true
	}
	return false
}

// FallbackEntry builds the diagnostic fallback entry used when a line is
// non-blank but not valid JSON (spec.md §4.2). Blank/whitespace input
// returns nil, matching the "blank input returns empty" contract.
func FallbackEntry(rawLine string) []models.NormalizedEntry {
	trimmed := strings.TrimSpace(rawLine)
	if trimmed == "" {
		return nil
	}
	return []models.NormalizedEntry{{
		EntryType: models.EntrySystemMessage,
		Content:   rawLine,
	}}
}
