package claude

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-labs/issue-orchestrator/internal/engine/normalize"
	"github.com/orchestra-labs/issue-orchestrator/internal/models"
)

func TestParseBlankLineReturnsNil(t *testing.T) {
	n := NewNormalizer(nil)
	assert.Nil(t, n.Parse("   "))
}

func TestParseInvalidJSONFallsBack(t *testing.T) {
	n := NewNormalizer(nil)
	out := n.Parse("not json")
	require.Len(t, out, 1)
	assert.Equal(t, models.EntrySystemMessage, out[0].EntryType)
	assert.Equal(t, "not json", out[0].Content)
}

func TestParseAssistantTextThenToolUse(t *testing.T) {
	n := NewNormalizer(nil)
	line := `{"type":"assistant","message":{"role":"assistant","content":[
		{"type":"text","text":"looking into it"},
		{"type":"tool_use","id":"call-1","name":"Bash","input":{"command":"ls"}}
	]}}`
	out := n.Parse(line)
	require.Len(t, out, 2)
	assert.Equal(t, models.EntryAssistantMessage, out[0].EntryType)
	assert.Equal(t, "looking into it", out[0].Content)
	assert.Equal(t, models.EntryToolUse, out[1].EntryType)
	require.NotNil(t, out[1].ToolAction)
	assert.Equal(t, models.ToolActionCommandRun, out[1].ToolAction.Kind)
}

func TestParseAssistantToolUseSuppressedByFilter(t *testing.T) {
	n := NewNormalizer([]normalize.WriteFilterRule{
		{Type: "tool-name", Match: "Bash", Enabled: true},
	})
	line := `{"type":"assistant","message":{"content":[
		{"type":"tool_use","id":"call-1","name":"Bash","input":{"command":"ls"}}
	]}}`
	out := n.Parse(line)
	assert.Empty(t, out)
}

func TestParseUserToolResultSuppressedWhenToolUseWasFiltered(t *testing.T) {
	n := NewNormalizer([]normalize.WriteFilterRule{
		{Type: "tool-name", Match: "Bash", Enabled: true},
	})
	useLine := `{"type":"assistant","message":{"content":[
		{"type":"tool_use","id":"call-1","name":"Bash","input":{"command":"ls"}}
	]}}`
	require.Empty(t, n.Parse(useLine))

	resultLine := `{"type":"user","message":{"content":[
		{"type":"tool_result","tool_use_id":"call-1","content":"file.txt"}
	]}}`
	assert.Empty(t, n.Parse(resultLine))
}

func TestParseUserToolResultError(t *testing.T) {
	n := NewNormalizer(nil)
	line := `{"type":"user","message":{"content":[
		{"type":"tool_result","tool_use_id":"call-1","content":"boom","is_error":true}
	]}}`
	out := n.Parse(line)
	require.Len(t, out, 1)
	assert.Equal(t, models.EntryErrorMessage, out[0].EntryType)
	assert.Equal(t, "boom", out[0].Content)
}

func TestParseUserToolResultStripsLocalCommandOutput(t *testing.T) {
	n := NewNormalizer(nil)
	line := `{"type":"user","message":{"content":[
		{"type":"tool_result","tool_use_id":"call-1","content":"<local-command-stdout>hello</local-command-stdout>"}
	]}}`
	out := n.Parse(line)
	require.Len(t, out, 1)
	assert.Equal(t, models.EntrySystemMessage, out[0].EntryType)
	assert.Equal(t, "hello", out[0].Content)
	subtype, _ := out[0].Metadata.String(models.MetaSubtype)
	assert.Equal(t, "command_output", subtype)
}

func TestParseResultSuccess(t *testing.T) {
	n := NewNormalizer(nil)
	line := `{"type":"result","subtype":"success","duration_ms":120,"input_tokens":10,"output_tokens":20,"cost_usd":0.01}`
	out := n.Parse(line)
	require.Len(t, out, 1)
	assert.Equal(t, models.EntrySystemMessage, out[0].EntryType)
}

func TestParseResultError(t *testing.T) {
	n := NewNormalizer(nil)
	line := `{"type":"result","subtype":"error","is_error":true,"errors":[{"kind":"timeout","summary":"took too long"}]}`
	out := n.Parse(line)
	require.Len(t, out, 1)
	assert.Equal(t, models.EntryErrorMessage, out[0].EntryType)
	assert.Contains(t, out[0].Content, "timeout: took too long")
}

func TestParseErrorType(t *testing.T) {
	n := NewNormalizer(nil)
	line := `{"type":"error"}`
	out := n.Parse(line)
	require.Len(t, out, 1)
	assert.Equal(t, models.EntryErrorMessage, out[0].EntryType)
}

func TestParseUnknownTypeIsSystemMessageWithSubtype(t *testing.T) {
	n := NewNormalizer(nil)
	line := `{"type":"future_type","subtype":"whatever"}`
	out := n.Parse(line)
	require.Len(t, out, 1)
	assert.Equal(t, models.EntrySystemMessage, out[0].EntryType)
	subtype, ok := out[0].Metadata.String(models.MetaSubtype)
	require.True(t, ok)
	assert.Equal(t, "future_type", subtype)
}
