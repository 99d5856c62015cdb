package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-labs/issue-orchestrator/internal/models"
)

func TestFallbackEntryBlankReturnsNil(t *testing.T) {
	assert.Nil(t, FallbackEntry(""))
	assert.Nil(t, FallbackEntry("   \t  "))
}

func TestFallbackEntryNonBlankReturnsSystemMessage(t *testing.T) {
	entries := FallbackEntry("not json at all")
	require.Len(t, entries, 1)
	assert.Equal(t, models.EntrySystemMessage, entries[0].EntryType)
	assert.Equal(t, "not json at all", entries[0].Content)
}

func TestFilterSetIgnoresDisabledRules(t *testing.T) {
	fs := NewFilterSet([]WriteFilterRule{
		{Type: "tool-name", Match: "Bash", Enabled: false},
	})
	assert.False(t, fs.ShouldSuppressToolUse("Bash", "call-1"))
}

func TestFilterSetSuppressesMatchingToolUseAndResult(t *testing.T) {
	fs := NewFilterSet([]WriteFilterRule{
		{Type: "tool-name", Match: "Bash", Enabled: true},
	})

	assert.True(t, fs.ShouldSuppressToolUse("Bash", "call-1"))
	assert.False(t, fs.ShouldSuppressToolUse("Read", "call-2"))

	assert.True(t, fs.ShouldSuppressToolResult("call-1"))
	assert.False(t, fs.ShouldSuppressToolResult("call-2"))
}

func TestFilterSetResultConsumesID(t *testing.T) {
	fs := NewFilterSet([]WriteFilterRule{
		{Type: "tool-name", Match: "Bash", Enabled: true},
	})
	fs.ShouldSuppressToolUse("Bash", "call-1")

	assert.True(t, fs.ShouldSuppressToolResult("call-1"))
	assert.False(t, fs.ShouldSuppressToolResult("call-1"), "second lookup for the same id must not match again")
}

func TestFilterSetResultEmptyIDNeverSuppressed(t *testing.T) {
	fs := NewFilterSet(nil)
	assert.False(t, fs.ShouldSuppressToolResult(""))
}

func TestFilterSetWithoutIDStillSuppressesUse(t *testing.T) {
	fs := NewFilterSet([]WriteFilterRule{
		{Type: "tool-name", Match: "Bash", Enabled: true},
	})
	assert.True(t, fs.ShouldSuppressToolUse("Bash", ""))
}
