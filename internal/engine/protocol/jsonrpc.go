package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orchestra-labs/issue-orchestrator/internal/orcherrors"
)

// JSONRPCTimeout is the deadline for one Call before it fails with a
// TimeoutError (spec.md §5).
const JSONRPCTimeout = 15 * time.Second

type jsonrpcRequest struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type jsonrpcNotify struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *jsonrpcError   `json:"error"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JSONRPCHandler implements the explicit-handshake protocol shape (spec.md
// §4.3), grounded directly on internal/mcp/transport_stdio.go's
// StdioTransport: a shared single-reader loop over stdout routes each
// line either to a waiter map keyed by id or to a notifications channel
// for the normalizer.
type JSONRPCHandler struct {
	stdin  io.WriteCloser
	reader *bufio.Scanner
	logger IOLogger

	pendingMu sync.Mutex
	pending   map[int64]chan *jsonrpcResponse

	notifications chan string
	nextID        atomic.Int64

	writeMu   sync.Mutex
	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewJSONRPCHandler wraps an already-started child's stdin/stdout pipes
// and starts its reader loop.
func NewJSONRPCHandler(stdin io.WriteCloser, stdout io.Reader, logger IOLogger) *JSONRPCHandler {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	h := &JSONRPCHandler{
		stdin:         stdin,
		reader:        scanner,
		logger:        logger,
		pending:       make(map[int64]chan *jsonrpcResponse),
		notifications: make(chan string, 256),
		stopCh:        make(chan struct{}),
	}
	h.wg.Add(1)
	go h.readLoop()
	return h
}

// Notifications returns the stream of non-response lines, each the raw
// JSON-RPC notification line for the normalizer to parse.
func (h *JSONRPCHandler) Notifications() <-chan string {
	return h.notifications
}

func (h *JSONRPCHandler) readLoop() {
	defer h.wg.Done()
	defer close(h.notifications)

	for h.reader.Scan() {
		select {
		case <-h.stopCh:
			return
		default:
		}
		line := h.reader.Text()
		if line == "" {
			continue
		}
		LogIfEnabled(h.logger, "in", line)
		h.processLine(line)
	}
}

func (h *JSONRPCHandler) processLine(line string) {
	var resp jsonrpcResponse
	if err := json.Unmarshal([]byte(line), &resp); err == nil && resp.ID != nil {
		h.pendingMu.Lock()
		ch, ok := h.pending[*resp.ID]
		if ok {
			delete(h.pending, *resp.ID)
		}
		h.pendingMu.Unlock()
		if ok {
			select {
			case ch <- &resp:
			default:
			}
		}
		return
	}

	select {
	case h.notifications <- line:
	default:
		// Downstream reader is behind; dropping here mirrors
		// transport_stdio.go's "notification channel full, dropping"
		// behavior rather than blocking the child's stdout pump.
	}
}

func (h *JSONRPCHandler) writeLine(data []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	LogIfEnabled(h.logger, "out", string(data))
	_, err := h.stdin.Write(append(data, '\n'))
	return err
}

// Call sends a request and blocks until the matching response arrives, the
// context is cancelled, or JSONRPCTimeout elapses.
func (h *JSONRPCHandler) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := h.nextID.Add(1)

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, orcherrors.Wrap(orcherrors.KindProtocol, "marshal params", err)
		}
	}

	respCh := make(chan *jsonrpcResponse, 1)
	h.pendingMu.Lock()
	h.pending[id] = respCh
	h.pendingMu.Unlock()
	defer func() {
		h.pendingMu.Lock()
		delete(h.pending, id)
		h.pendingMu.Unlock()
	}()

	data, err := json.Marshal(jsonrpcRequest{ID: id, Method: method, Params: paramsJSON})
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindProtocol, "marshal request", err)
	}
	if err := h.writeLine(data); err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindProtocol, "write request", err)
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, orcherrors.New(orcherrors.KindProtocol, fmt.Sprintf("%s: rpc error %d: %s", method, resp.Error.Code, resp.Error.Message))
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, orcherrors.Wrap(orcherrors.KindTimeout, method+" cancelled", ctx.Err())
	case <-time.After(JSONRPCTimeout):
		return nil, orcherrors.New(orcherrors.KindTimeout, fmt.Sprintf("%s timed out after %s", method, JSONRPCTimeout))
	case <-h.stopCh:
		return nil, orcherrors.New(orcherrors.KindProtocol, "transport closed")
	}
}

// Notify sends a fire-and-forget notification.
func (h *JSONRPCHandler) Notify(method string, params any) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return orcherrors.Wrap(orcherrors.KindProtocol, "marshal params", err)
		}
	}
	data, err := json.Marshal(jsonrpcNotify{Method: method, Params: paramsJSON})
	if err != nil {
		return orcherrors.Wrap(orcherrors.KindProtocol, "marshal notification", err)
	}
	return h.writeLine(data)
}

// SendUserMessage implements Handler by sending a startTurn notification
// that carries only the prompt. It does not include a thread id and does
// not wait for a response. Callers are expected to have completed
// Initialize/NewThread first.
func (h *JSONRPCHandler) SendUserMessage(text string) error {
	return h.Notify("startTurn", map[string]any{"prompt": text})
}

// Interrupt implements Handler: best-effort, failures swallowed
// (spec.md §4.3 "failures are swallowed (best effort)").
func (h *JSONRPCHandler) Interrupt() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = h.Call(ctx, "interrupt", nil)
}

// Close implements Handler. Idempotent.
func (h *JSONRPCHandler) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.stopCh)
		err = h.stdin.Close()
	})
	return err
}

// Initialize runs the handshake sequence named in spec.md §4.3:
// initialize -> initialized -> newThread|resumeThread -> startTurn.
// On success it returns the thread id to be exported as externalSessionId.
func (h *JSONRPCHandler) Initialize(ctx context.Context, clientInfo map[string]any, resumeThreadID, prompt string) (threadID string, err error) {
	if _, err := h.Call(ctx, "initialize", map[string]any{"clientInfo": clientInfo}); err != nil {
		return "", err
	}
	if err := h.Notify("initialized", map[string]any{}); err != nil {
		return "", orcherrors.Wrap(orcherrors.KindProtocol, "notify initialized", err)
	}

	var threadResult struct {
		ThreadID string `json:"threadId"`
	}
	if resumeThreadID != "" {
		raw, err := h.Call(ctx, "resumeThread", map[string]any{"threadId": resumeThreadID})
		if err != nil {
			return "", orcherrors.Wrap(orcherrors.KindSessionMissing, "resumeThread", err)
		}
		if err := json.Unmarshal(raw, &threadResult); err != nil {
			return "", orcherrors.Wrap(orcherrors.KindProtocol, "unmarshal resumeThread result", err)
		}
	} else {
		raw, err := h.Call(ctx, "newThread", map[string]any{})
		if err != nil {
			return "", err
		}
		if err := json.Unmarshal(raw, &threadResult); err != nil {
			return "", orcherrors.Wrap(orcherrors.KindProtocol, "unmarshal newThread result", err)
		}
	}

	if _, err := h.Call(ctx, "startTurn", map[string]any{"threadId": threadResult.ThreadID, "prompt": prompt}); err != nil {
		return "", err
	}
	return threadResult.ThreadID, nil
}

// ListModels paginates model/list by cursor until nextCursor is empty.
func (h *JSONRPCHandler) ListModels(ctx context.Context) ([]map[string]any, error) {
	var models []map[string]any
	cursor := ""
	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		raw, err := h.Call(ctx, "model/list", params)
		if err != nil {
			return models, err
		}
		var page struct {
			Models     []map[string]any `json:"models"`
			NextCursor string           `json:"nextCursor"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return models, orcherrors.Wrap(orcherrors.KindProtocol, "unmarshal model/list page", err)
		}
		models = append(models, page.Models...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return models, nil
}

// Wait blocks until the reader loop has exited (child closed stdout).
func (h *JSONRPCHandler) Wait() {
	h.wg.Wait()
}
