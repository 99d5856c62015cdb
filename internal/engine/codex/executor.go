// Package codex implements the JSON-RPC engine executor (spec.md §4.4,
// "Codex-like"). Spawn plumbing mirrors claude.Executor's structure
// (itself grounded on internal/tools/exec/manager.go's pipe sequencing);
// the distinguishing piece is the explicit RPC handshake in Spawn/
// SpawnFollowUp driven by protocol.JSONRPCHandler.Initialize.
package codex

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/orchestra-labs/issue-orchestrator/internal/engine"
	"github.com/orchestra-labs/issue-orchestrator/internal/engine/normalize"
	"github.com/orchestra-labs/issue-orchestrator/internal/engine/protocol"
	"github.com/orchestra-labs/issue-orchestrator/internal/models"
	"github.com/orchestra-labs/issue-orchestrator/internal/orcherrors"
	"github.com/orchestra-labs/issue-orchestrator/internal/safeenv"
)

// BinaryName is the default CLI binary probed for spawn/availability.
const BinaryName = "codex"

// CancelGrace is the soft-interrupt-to-hard-kill window (spec §4.4).
const CancelGrace = 5 * time.Second

// clientInfo identifies this orchestrator to the app-server during the
// initialize handshake (spec §4.3).
var clientInfo = map[string]any{"name": "issue-orchestrator", "version": "1"}

// Executor implements engine.Executor for the JSON-RPC protocol.
type Executor struct {
	binary string
}

// NewExecutor builds a codex Executor, defaulting to BinaryName.
func NewExecutor(binary string) *Executor {
	if binary == "" {
		binary = BinaryName
	}
	return &Executor{binary: binary}
}

func (e *Executor) EngineType() models.EngineType { return models.EngineCodex }

func (e *Executor) spawn(ctx context.Context, opts engine.SpawnOpts, builder *safeenv.Builder) (*engine.SpawnedProcess, *protocol.JSONRPCHandler, error) {
	spec := builder.Build(e.binary, []string{"app-server"}, opts.WorkingDir, nil)

	cmd := exec.CommandContext(ctx, spec.Program, spec.Args...)
	cmd.Dir = spec.Cwd
	cmd.Env = spec.EnvSlice()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, orcherrors.Wrap(orcherrors.KindProtocol, "stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, orcherrors.Wrap(orcherrors.KindProtocol, "stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, orcherrors.Wrap(orcherrors.KindProtocol, "stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, orcherrors.Wrap(orcherrors.KindExitNonZero, "start codex", err)
	}
	go drainStderr(stderr, opts.IOLogger)

	handler := protocol.NewJSONRPCHandler(stdin, stdout, opts.IOLogger)
	return &engine.SpawnedProcess{Cmd: cmd, Handler: handler}, handler, nil
}

func (e *Executor) Spawn(ctx context.Context, opts engine.SpawnOpts, builder *safeenv.Builder) (*engine.SpawnedProcess, error) {
	sp, handler, err := e.spawn(ctx, opts, builder)
	if err != nil {
		return nil, err
	}
	threadID, err := handler.Initialize(ctx, clientInfo, "", opts.Prompt)
	if err != nil {
		_ = handler.Close()
		return nil, err
	}
	sp.ExternalSessionID = threadID
	sp.Stdout = handler.Notifications()
	return sp, nil
}

// SpawnFollowUp resumes an existing thread via resumeThread RPC (spec §4.4:
// "the executor signals 'missing external session id' (a typed error)" on
// a stale id, surfaced here as orcherrors.KindSessionMissing so the issue
// engine can fall back to a fresh spawn).
func (e *Executor) SpawnFollowUp(ctx context.Context, opts engine.SpawnOpts, builder *safeenv.Builder) (*engine.SpawnedProcess, error) {
	if opts.ExternalSessionID == "" {
		return nil, orcherrors.New(orcherrors.KindSessionMissing, "codex follow-up without external session id")
	}
	sp, handler, err := e.spawn(ctx, opts, builder)
	if err != nil {
		return nil, err
	}
	threadID, err := handler.Initialize(ctx, clientInfo, opts.ExternalSessionID, opts.Prompt)
	if err != nil {
		_ = handler.Close()
		return nil, err
	}
	sp.ExternalSessionID = threadID
	sp.Stdout = handler.Notifications()
	return sp, nil
}

// Cancel drives the RPC interrupt (best-effort), then hard-kills after
// CancelGrace if the child hasn't exited.
func (e *Executor) Cancel(ctx context.Context, sp *engine.SpawnedProcess) error {
	if sp == nil || sp.Cmd == nil || sp.Cmd.Process == nil {
		return nil
	}
	sp.Handler.Interrupt()

	done := make(chan struct{})
	go func() {
		_ = sp.Cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(CancelGrace):
		_ = sp.Cmd.Process.Kill()
		<-done
	}
	return sp.Handler.Close()
}

// GetAvailability probes `codex --version` within AvailabilityBudget.
func (e *Executor) GetAvailability(ctx context.Context) models.EngineAvailability {
	probeCtx, cancel := context.WithTimeout(ctx, engine.AvailabilityBudget)
	defer cancel()

	out, err := exec.CommandContext(probeCtx, e.binary, "--version").Output()
	if err != nil {
		// Fall back to the package-runner invocation (spec §4.4: "fall back
		// to a known alternative invocation ... if the direct binary is
		// absent"), mirroring npx/uvx-style fallbacks other engines use.
		out, err = exec.CommandContext(probeCtx, "npx", "-y", e.binary, "--version").Output()
		if err != nil {
			return models.EngineAvailability{
				EngineType: models.EngineCodex,
				Installed:  false,
				Error:      err.Error(),
				AuthStatus: models.AuthStatusUnknown,
			}
		}
	}

	binaryPath, _ := exec.LookPath(e.binary)
	return models.EngineAvailability{
		EngineType: models.EngineCodex,
		Installed:  true,
		Version:    strings.TrimSpace(string(out)),
		BinaryPath: binaryPath,
		AuthStatus: authStatus(),
	}
}

func authStatus() models.AuthStatus {
	if safeenv.HasAPIKey("OPENAI_API_KEY") {
		return models.AuthStatusAuthenticated
	}
	if home, err := os.UserHomeDir(); err == nil {
		if _, err := os.Stat(filepath.Join(home, ".codex", "auth.json")); err == nil {
			return models.AuthStatusAuthenticated
		}
	}
	return models.AuthStatusUnauthenticated
}

// GetModels performs a short-lived RPC session: initialize -> initialized
// -> model/list (paginated) -> kill (spec §4.4).
func (e *Executor) GetModels(ctx context.Context) ([]models.Model, error) {
	probeCtx, cancel := context.WithTimeout(ctx, engine.AvailabilityBudget)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, e.binary, "app-server")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindProtocol, "stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindProtocol, "stdout pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindExitNonZero, "start codex for model list", err)
	}
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	handler := protocol.NewJSONRPCHandler(stdin, stdout, nil)
	defer handler.Close()

	if _, err := handler.Call(probeCtx, "initialize", map[string]any{"clientInfo": clientInfo}); err != nil {
		return nil, err
	}
	if err := handler.Notify("initialized", map[string]any{}); err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindProtocol, "notify initialized", err)
	}

	raw, err := handler.ListModels(probeCtx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Model, 0, len(raw))
	for _, m := range raw {
		id, _ := m["id"].(string)
		name, _ := m["displayName"].(string)
		if name == "" {
			name = id
		}
		out = append(out, models.Model{ID: id, DisplayName: name, EngineType: models.EngineCodex})
	}
	return out, nil
}

// NewNormalizer builds a fresh Normalizer for one execution's reader loop.
func (e *Executor) NewNormalizer(rules []normalize.WriteFilterRule) normalize.Normalizer {
	return NewNormalizer(rules)
}

func drainStderr(r interface{ Read([]byte) (int, error) }, logger protocol.IOLogger) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			protocol.LogIfEnabled(logger, "stderr", string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}
