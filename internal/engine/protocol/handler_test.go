package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) LogIO(direction, line string) {
	r.lines = append(r.lines, direction+":"+line)
}

func TestTruncateForLogShortStringUnchanged(t *testing.T) {
	assert.Equal(t, "short", truncateForLog("short"))
}

func TestTruncateForLogLongStringTruncated(t *testing.T) {
	long := strings.Repeat("a", ioLogTruncateChars+50)
	got := truncateForLog(long)
	assert.True(t, strings.HasSuffix(got, "...(truncated)"))
	assert.Less(t, len(got), len(long))
}

func TestSanitizeForLogKeepsOnlyWhitelistedFields(t *testing.T) {
	line := `{"type":"result","subtype":"success","secret_field":"leak-me","duration_ms":5}`
	got := sanitizeForLog(line)
	assert.Contains(t, got, "duration_ms")
	assert.NotContains(t, got, "leak-me")
}

func TestSanitizeForLogNonObjectLinePassesThrough(t *testing.T) {
	assert.Equal(t, "plain text line", sanitizeForLog("plain text line"))
}

func TestSanitizeForLogInvalidJSONFallsBackToTruncate(t *testing.T) {
	got := sanitizeForLog(`{not valid json`)
	assert.Equal(t, `{not valid json`, got)
}

func TestLogIfEnabledNilLoggerIsNoop(t *testing.T) {
	assert.NotPanics(t, func() { LogIfEnabled(nil, "in", "anything") })
}

func TestLogIfEnabledForwardsSanitizedLine(t *testing.T) {
	rec := &recordingLogger{}
	LogIfEnabled(rec, "in", `{"type":"result","subtype":"success","secret_field":"leak-me"}`)
	assert.Len(t, rec.lines, 1)
	assert.NotContains(t, rec.lines[0], "leak-me")
}
