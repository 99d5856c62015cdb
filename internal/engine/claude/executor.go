// Package claude implements the streaming-JSON engine executor and
// normalizer (spec.md §4.2/§4.3/§4.4, "Claude-like"). Spawn/cancel/
// availability plumbing is grounded on internal/tools/exec/manager.go's
// buildCommand+StdinPipe/StdoutPipe/StderrPipe sequencing, generalized
// from a synchronous shell command to a long-lived stdio subprocess
// speaking the streaming-JSON protocol.
package claude

import (
	"context"
	"fmt"
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
const BinaryName = "claude"

// CancelGrace is the soft-interrupt-to-hard-kill window (spec §4.4).
const CancelGrace = 5 * time.Second

// Executor implements engine.Executor for the streaming-JSON protocol.
type Executor struct {
	binary string
}

// NewExecutor builds a claude Executor, defaulting to BinaryName.
func NewExecutor(binary string) *Executor {
	if binary == "" {
		binary = BinaryName
	}
	return &Executor{binary: binary}
}

func (e *Executor) EngineType() models.EngineType { return models.EngineClaude }

func (e *Executor) baseArgs(opts engine.SpawnOpts) []string {
	args := []string{"--output-format", "stream-json", "--input-format", "stream-json", "--verbose"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	switch opts.PermissionMode {
	case models.PermissionModePlan:
		args = append(args, "--permission-mode", "plan")
	case models.PermissionModeAuto:
		args = append(args, "--permission-mode", "acceptEdits")
	}
	return args
}

func (e *Executor) spawn(ctx context.Context, opts engine.SpawnOpts, builder *safeenv.Builder, args []string) (*engine.SpawnedProcess, error) {
	spec := builder.Build(e.binary, args, opts.WorkingDir, nil)

	cmd := exec.CommandContext(ctx, spec.Program, spec.Args...)
	cmd.Dir = spec.Cwd
	cmd.Env = spec.EnvSlice()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindProtocol, "stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindProtocol, "stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindProtocol, "stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindExitNonZero, "start claude", err)
	}
	go drainStderr(stderr, opts.IOLogger)

	handler := protocol.NewStreamingHandler(stdin, stdout, opts.IOLogger)
	if err := handler.SendUserMessage(opts.Prompt); err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindProtocol, "send initial user message", err)
	}

	return &engine.SpawnedProcess{
		Cmd:     cmd,
		Stdout:  handler.WrapStdout(),
		Handler: handler,
	}, nil
}

func (e *Executor) Spawn(ctx context.Context, opts engine.SpawnOpts, builder *safeenv.Builder) (*engine.SpawnedProcess, error) {
	return e.spawn(ctx, opts, builder, e.baseArgs(opts))
}

// SpawnFollowUp resumes an existing session via --resume, per spec §4.4's
// "either via a --resume <id> flag or via resumeThread RPC" (this engine
// takes the flag path).
func (e *Executor) SpawnFollowUp(ctx context.Context, opts engine.SpawnOpts, builder *safeenv.Builder) (*engine.SpawnedProcess, error) {
	if opts.ExternalSessionID == "" {
		return nil, orcherrors.New(orcherrors.KindSessionMissing, "claude follow-up without external session id")
	}
	args := append(e.baseArgs(opts), "--resume", opts.ExternalSessionID)
	return e.spawn(ctx, opts, builder, args)
}

// Cancel drives the protocol-level interrupt, then hard-kills after
// CancelGrace if the child hasn't exited (spec §4.4).
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

// GetAvailability probes `claude --version` within AvailabilityBudget and
// infers auth status from ANTHROPIC_API_KEY or a known config file in HOME
// (spec §4.4).
func (e *Executor) GetAvailability(ctx context.Context) models.EngineAvailability {
	probeCtx, cancel := context.WithTimeout(ctx, engine.AvailabilityBudget)
	defer cancel()

	out, err := exec.CommandContext(probeCtx, e.binary, "--version").Output()
	if err != nil {
		return models.EngineAvailability{
			EngineType: models.EngineClaude,
			Installed:  false,
			Error:      err.Error(),
			AuthStatus: models.AuthStatusUnknown,
		}
	}

	binaryPath, _ := exec.LookPath(e.binary)
	return models.EngineAvailability{
		EngineType: models.EngineClaude,
		Installed:  true,
		Version:    strings.TrimSpace(string(out)),
		BinaryPath: binaryPath,
		AuthStatus: authStatus(),
	}
}

func authStatus() models.AuthStatus {
	if safeenv.HasAPIKey("ANTHROPIC_API_KEY") {
		return models.AuthStatusAuthenticated
	}
	if home, err := os.UserHomeDir(); err == nil {
		if _, err := os.Stat(filepath.Join(home, ".claude", "config.json")); err == nil {
			return models.AuthStatusAuthenticated
		}
	}
	return models.AuthStatusUnauthenticated
}

// GetModels returns a static table: this engine's CLI has no RPC model
// listing endpoint, so spec §4.4's "either ... or" resolves to the static
// branch here.
func (e *Executor) GetModels(ctx context.Context) ([]models.Model, error) {
	return []models.Model{
		{ID: "claude-opus-4", DisplayName: "Claude Opus 4", EngineType: models.EngineClaude},
		{ID: "claude-sonnet-4", DisplayName: "Claude Sonnet 4", EngineType: models.EngineClaude},
		{ID: "claude-haiku-4", DisplayName: "Claude Haiku 4", EngineType: models.EngineClaude},
	}, nil
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
			protocol.LogIfEnabled(logger, "stderr", fmt.Sprintf("%s", buf[:n]))
		}
		if err != nil {
			return
		}
	}
}
