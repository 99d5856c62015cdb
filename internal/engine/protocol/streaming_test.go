package protocol

import (
	"bufio"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStreamingPipes() (stdinR *io.PipeReader, stdoutW *io.PipeWriter, h *StreamingHandler) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	h = NewStreamingHandler(stdinW, stdoutR, nil)
	return stdinR, stdoutW, h
}

func readOneLine(t *testing.T, r io.Reader) string {
	t.Helper()
	scanner := bufio.NewScanner(r)
	require.True(t, scanner.Scan())
	return scanner.Text()
}

func TestStreamingSendUserMessage(t *testing.T) {
	stdinR, _, h := newStreamingPipes()
	defer h.Close()

	go func() { _ = h.SendUserMessage("hello there") }()

	line := readOneLine(t, stdinR)
	var frame map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &frame))
	assert.Equal(t, "user", frame["type"])
}

func TestStreamingInterruptWritesControlRequest(t *testing.T) {
	stdinR, _, h := newStreamingPipes()
	defer h.Close()

	go h.Interrupt()

	line := readOneLine(t, stdinR)
	var frame map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &frame))
	assert.Equal(t, "control_request", frame["type"])
	req := frame["request"].(map[string]any)
	assert.Equal(t, "interrupt", req["subtype"])
}

func TestWrapStdoutForwardsNormalLines(t *testing.T) {
	_, stdoutW, h := newStreamingPipes()
	defer h.Close()

	out := h.WrapStdout()
	go func() {
		_, _ = stdoutW.Write([]byte(`{"type":"assistant"}` + "\n"))
		stdoutW.Close()
	}()

	select {
	case line := <-out:
		assert.Contains(t, line, "assistant")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded line")
	}
}

func TestWrapStdoutInterceptsCanUseToolControlRequest(t *testing.T) {
	stdinR, stdoutW, h := newStreamingPipes()
	defer h.Close()

	out := h.WrapStdout()
	go func() {
		frame := map[string]any{
			"type":       "control_request",
			"request_id": "req-1",
			"request":    map[string]any{"subtype": "can_use_tool", "input": map[string]any{"foo": "bar"}},
		}
		data, _ := json.Marshal(frame)
		_, _ = stdoutW.Write(append(data, '\n'))
	}()

	respLine := readOneLine(t, stdinR)
	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(respLine), &resp))
	assert.Equal(t, "control_response", resp["type"])

	select {
	case line := <-out:
		t.Fatalf("control_request frame must not be forwarded downstream: %s", line)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWrapStdoutRespondsErrorForUnknownSubtype(t *testing.T) {
	stdinR, stdoutW, h := newStreamingPipes()
	defer h.Close()

	_ = h.WrapStdout()
	go func() {
		frame := map[string]any{
			"type":       "control_request",
			"request_id": "req-2",
			"request":    map[string]any{"subtype": "mystery"},
		}
		data, _ := json.Marshal(frame)
		_, _ = stdoutW.Write(append(data, '\n'))
	}()

	respLine := readOneLine(t, stdinR)
	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(respLine), &resp))
	inner := resp["response"].(map[string]any)
	assert.Equal(t, "error", inner["subtype"])
}

func TestStreamingCloseIsIdempotent(t *testing.T) {
	_, _, h := newStreamingPipes()
	assert.NoError(t, h.Close())
	assert.NoError(t, h.Close())
}
