package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// controlRequestFrame is the out-of-band frame a streaming-JSON child may
// send interleaved with its normal output (spec.md §4.3, Control request
// in the GLOSSARY).
type controlRequestFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request"`
}

type controlRequestBody struct {
	Subtype string         `json:"subtype"`
	Input   map[string]any `json:"input"`
}

// StreamingHandler owns a child's stdin/stdout for the streaming-JSON
// protocol shape. It is handshake-free: sendUserMessage writes directly,
// and control requests are intercepted and auto-responded inline as lines
// are scanned, never reaching the caller's filtered stream.
type StreamingHandler struct {
	stdin  io.WriteCloser
	reader *bufio.Scanner

	logger  IOLogger
	nextReq atomic.Int64

	closeOnce sync.Once
	writeMu   sync.Mutex
}

// NewStreamingHandler wraps an already-started child's stdin/stdout pipes.
func NewStreamingHandler(stdin io.WriteCloser, stdout io.Reader, logger IOLogger) *StreamingHandler {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &StreamingHandler{stdin: stdin, reader: scanner, logger: logger}
}

func (h *StreamingHandler) writeLine(v any) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	LogIfEnabled(h.logger, "out", string(data))
	_, err = h.stdin.Write(append(data, '\n'))
	return err
}

// SendUserMessage implements Handler.
func (h *StreamingHandler) SendUserMessage(text string) error {
	return h.writeLine(map[string]any{
		"type":    "user",
		"message": map[string]any{"role": "user", "content": text},
	})
}

// Interrupt implements Handler: writes a control_request with
// subtype "interrupt". The response (if any) is consumed transparently by
// WrapStdout like any other control frame.
func (h *StreamingHandler) Interrupt() {
	id := fmt.Sprintf("int-%d", h.nextReq.Add(1))
	_ = h.writeLine(map[string]any{
		"type":       "control_request",
		"request_id": id,
		"request":    map[string]any{"subtype": "interrupt"},
	})
}

// Close implements Handler. Idempotent.
func (h *StreamingHandler) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = h.stdin.Close()
	})
	return err
}

// WrapStdout returns a channel of filtered, newline-delimited stdout
// lines with control_request frames intercepted and auto-responded to
// rather than forwarded downstream (spec.md §4.3, testable property 5).
// The channel is closed when stdout reaches EOF or the scanner errors.
func (h *StreamingHandler) WrapStdout() <-chan string {
	out := make(chan string, 64)
	go func() {
		defer close(out)
		for h.reader.Scan() {
			line := h.reader.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			LogIfEnabled(h.logger, "in", line)
			if h.tryHandleControlRequest(line) {
				continue
			}
			out <- line
		}
	}()
	return out
}

// tryHandleControlRequest reports whether line was a control_request and,
// if so, writes the appropriate control_response.
func (h *StreamingHandler) tryHandleControlRequest(line string) bool {
	var frame controlRequestFrame
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		return false
	}
	if frame.Type != "control_request" || frame.RequestID == "" || len(frame.Request) == 0 {
		return false
	}

	var body controlRequestBody
	_ = json.Unmarshal(frame.Request, &body)

	switch body.Subtype {
	case "can_use_tool":
		input := body.Input
		if input == nil {
			input = map[string]any{}
		}
		_ = h.writeLine(map[string]any{
			"type": "control_response",
			"response": map[string]any{
				"subtype":     "success",
				"request_id":  frame.RequestID,
				"response": map[string]any{
					"behavior":     "allow",
					"updatedInput": input,
				},
			},
		})
	case "hook_callback":
		_ = h.writeLine(map[string]any{
			"type": "control_response",
			"response": map[string]any{
				"subtype":    "success",
				"request_id": frame.RequestID,
				"response": map[string]any{
					"hookSpecificOutput": map[string]any{
						"hookEventName":      "PreToolUse",
						"permissionDecision": "allow",
					},
				},
			},
		})
	default:
		_ = h.writeLine(map[string]any{
			"type": "control_response",
			"response": map[string]any{
				"subtype":    "error",
				"request_id": frame.RequestID,
				"error":      fmt.Sprintf("unknown control request subtype %q", body.Subtype),
			},
		})
	}
	return true
}
