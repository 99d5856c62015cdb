// Package protocol implements the two stdio protocol shapes engines speak
// (spec.md §4.3): a handshake-free streaming-JSON handler with inline
// control-request interception, and a JSON-RPC handler with a waiter map
// keyed by request id, grounded directly on
// internal/mcp/transport_stdio.go's StdioTransport.
package protocol

import (
	"encoding/json"
	"strings"
)

// Handler is the capability set shared by both protocol shapes
// (spec.md §4.3): {sendUserMessage, interrupt, close, wrapStdout}.
type Handler interface {
	// SendUserMessage writes a new user turn to the child's stdin.
	SendUserMessage(text string) error
	// Interrupt asks the child to stop the in-flight turn. Best effort:
	// failures are swallowed by JSON-RPC handlers, per spec.md §4.3.
	Interrupt()
	// Close ends stdin. Idempotent.
	Close() error
}

// ioLogTruncateChars bounds the diagnostic dump enabled by LOG_EXECUTOR_IO
// (spec.md §4.3, §6).
const ioLogTruncateChars = 1200

// truncateForLog truncates s to ioLogTruncateChars runes for the I/O
// diagnostic dump, the behavior grounded on transport_stdio.go's
// logStderr (which logs raw lines) generalized with the spec's truncation
// and result-payload sanitization requirements.
func truncateForLog(s string) string {
	r := []rune(s)
	if len(r) <= ioLogTruncateChars {
		return s
	}
	return string(r[:ioLogTruncateChars]) + "...(truncated)"
}

// resultSummaryWhitelist lists the only fields kept when sanitizing a
// result-shaped message before it is written to the I/O diagnostic log
// (spec.md §4.3: "result messages are sanitized first, keeping only a
// whitelist of summary fields").
var resultSummaryWhitelist = map[string]bool{
	"type": true, "subtype": true, "duration_ms": true,
	"input_tokens": true, "output_tokens": true, "cost_usd": true,
	"is_error": true, "method": true,
}

// sanitizeForLog strips a JSON object line down to the summary whitelist
// before logging, leaving non-object lines untouched.
func sanitizeForLog(line string) string {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return truncateForLog(line)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return truncateForLog(line)
	}
	kept := map[string]json.RawMessage{}
	for k, v := range obj {
		if resultSummaryWhitelist[k] {
			kept[k] = v
		}
	}
	out, err := json.Marshal(kept)
	if err != nil {
		return truncateForLog(line)
	}
	return truncateForLog(string(out))
}

// IOLogger is implemented by the issue engine's logging scope; both
// protocol handlers call it for every inbound/outbound line when the
// diagnostic flag is enabled.
type IOLogger interface {
	LogIO(direction string, line string)
}

// LogIfEnabled writes a direction-tagged, truncated-and-sanitized line to
// logger if non-nil. Call sites pass nil when diagnostics are off so this
// is a no-op in the hot path.
func LogIfEnabled(logger IOLogger, direction, line string) {
	if logger == nil {
		return
	}
	logger.LogIO(direction, sanitizeForLog(line))
}
