package issueengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/orchestra-labs/issue-orchestrator/internal/engine"
	"github.com/orchestra-labs/issue-orchestrator/internal/engine/normalize"
	"github.com/orchestra-labs/issue-orchestrator/internal/eventbus"
	"github.com/orchestra-labs/issue-orchestrator/internal/models"
	"github.com/orchestra-labs/issue-orchestrator/internal/orcherrors"
	"github.com/orchestra-labs/issue-orchestrator/internal/pending"
	"github.com/orchestra-labs/issue-orchestrator/internal/procmgr"
	"github.com/orchestra-labs/issue-orchestrator/internal/safeenv"
	"github.com/orchestra-labs/issue-orchestrator/internal/storage"
	"github.com/orchestra-labs/issue-orchestrator/internal/telemetry"
)

// procGroup is the single process-manager group this engine registers
// subprocesses under (spec.md §4.5 describes per-group concurrency caps;
// the issue engine itself already caps concurrency to one execution per
// issue via its state machine, so no group limit is set here).
const procGroup = "engine"

// Engine is the central coordinator described in spec.md §4.9.
type Engine struct {
	registry   *engine.Registry
	pm         *procmgr.Manager
	store      *storage.Store
	pending    *pending.Queue
	bus        *eventbus.Bus
	envBuilder *safeenv.Builder
	ops        *opQueue
	states     *registry
	filters    []normalize.WriteFilterRule
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer
}

// New builds an Engine wired to its collaborators. metrics/tracer may be
// nil, in which case observations and spans are silently dropped/no-op.
func New(reg *engine.Registry, pm *procmgr.Manager, store *storage.Store, pq *pending.Queue, bus *eventbus.Bus, envBuilder *safeenv.Builder, filters []normalize.WriteFilterRule, metrics *telemetry.Metrics, tracer *telemetry.Tracer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer, _ = telemetry.NewTracer(telemetry.TraceConfig{})
	}
	return &Engine{
		registry:   reg,
		pm:         pm,
		store:      store,
		pending:    pq,
		bus:        bus,
		envBuilder: envBuilder,
		ops:        newOpQueue(),
		states:     newRegistry(),
		filters:    filters,
		metrics:    metrics,
		tracer:     tracer,
		logger:     logger.With("component", "issueengine"),
	}
}

// ExecuteRequest parameterizes ExecuteIssue (spec.md §4.9).
type ExecuteRequest struct {
	EngineType     models.EngineType
	Prompt         string
	WorkingDir     string
	Model          string
	PermissionMode models.PermissionMode
}

// BusyAction chooses what followUpIssue does when an execution is active.
type BusyAction string

const (
	BusyActionQueue  BusyAction = "queue"
	BusyActionCancel BusyAction = "cancel"
)

// FollowUpRequest parameterizes FollowUpIssue.
type FollowUpRequest struct {
	Prompt         string
	Model          string
	PermissionMode models.PermissionMode
	BusyAction     BusyAction
}

// FollowUpResult reports whether the prompt was queued rather than run.
type FollowUpResult struct {
	Queued bool
}

// ExecuteIssue runs the full spawn/read/settle cycle described in spec.md
// §4.9 under issueID's serialization lane.
func (e *Engine) ExecuteIssue(ctx context.Context, issueID string, req ExecuteRequest) error {
	return e.ops.Run(ctx, issueID, func(ctx context.Context) error {
		return e.doExecute(ctx, issueID, req)
	})
}

// CancelIssue looks up the active execution (if any) and drives the
// executor's cancel path to completion.
func (e *Engine) CancelIssue(ctx context.Context, issueID string) (models.SessionStatus, error) {
	var status models.SessionStatus
	err := e.ops.Run(ctx, issueID, func(ctx context.Context) error {
		s, err := e.doCancel(ctx, issueID)
		status = s
		return err
	})
	return status, err
}

// FollowUpIssue implements spec.md §4.9's followUpIssue: queue or cancel
// when busy, otherwise resume via the stored externalSessionId (or start
// fresh if the executor reports the session is gone).
func (e *Engine) FollowUpIssue(ctx context.Context, issueID string, req FollowUpRequest) (FollowUpResult, error) {
	var result FollowUpResult
	err := e.ops.Run(ctx, issueID, func(ctx context.Context) error {
		st := e.loadOrCreate(ctx, issueID)

		if st.active() {
			if req.BusyAction == BusyActionCancel {
				if _, err := e.doCancel(ctx, issueID); err != nil {
					return err
				}
			} else {
				return e.queueFollowUp(ctx, st, req.Prompt, &result)
			}
		}

		st.mu.Lock()
		engineType := st.issue.EngineType
		model := req.Model
		if model == "" {
			model = st.issue.Model
		}
		permissionMode := req.PermissionMode
		if permissionMode == "" {
			permissionMode = st.issue.PermissionMode
		}
		st.mu.Unlock()

		if engineType == "" {
			return orcherrors.New(orcherrors.KindProtocol, "follow-up on an issue with no prior execution")
		}

		return e.doExecute(ctx, issueID, ExecuteRequest{
			EngineType: engineType, Prompt: req.Prompt, Model: model, PermissionMode: permissionMode,
		})
	})
	return result, err
}

// RestartIssue re-spawns a fresh execution with the issue's stored prompt.
// Permitted only from {failed, cancelled}; discards pending messages.
func (e *Engine) RestartIssue(ctx context.Context, issueID string) error {
	return e.ops.Run(ctx, issueID, func(ctx context.Context) error {
		st := e.loadOrCreate(ctx, issueID)

		st.mu.Lock()
		status := st.issue.SessionStatus
		engineType := st.issue.EngineType
		prompt := st.issue.Prompt
		model := st.issue.Model
		permissionMode := st.issue.PermissionMode
		st.mu.Unlock()

		if status != models.SessionStatusFailed && status != models.SessionStatusCancelled {
			return orcherrors.ErrRestartNotPermitted
		}
		if engineType == "" {
			return orcherrors.New(orcherrors.KindProtocol, "restart on an issue with no engine type set")
		}

		queued, err := e.pending.GetPending(ctx, issueID)
		if err != nil {
			return err
		}
		if len(queued) > 0 {
			ids := make([]string, len(queued))
			for i, m := range queued {
				ids[i] = m.ID
			}
			if err := e.pending.MarkDispatched(ctx, ids); err != nil {
				return err
			}
		}

		return e.doExecute(ctx, issueID, ExecuteRequest{
			EngineType: engineType, Prompt: prompt, Model: model, PermissionMode: permissionMode,
		})
	})
}

// CancelAll fans out hard cancels across every issue with an active
// execution (spec.md §4.9), grounded on x/sync/errgroup's fan-out+join.
func (e *Engine) CancelAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, st := range e.states.all() {
		if !st.active() {
			continue
		}
		issueID := st.issue.ID
		g.Go(func() error {
			_, err := e.CancelIssue(gctx, issueID)
			if err != nil && !errors.Is(err, orcherrors.ErrNoActiveExecution) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// HasActiveProcessForIssue reports whether issueID has a tracked
// running/pending subprocess.
func (e *Engine) HasActiveProcessForIssue(issueID string) bool {
	st, ok := e.states.get(issueID)
	return ok && st.active()
}

// IsTurnInFlight is a synonym for HasActiveProcessForIssue (spec.md §4.9:
// "direct lookups in the active process map").
func (e *Engine) IsTurnInFlight(issueID string) bool {
	return e.HasActiveProcessForIssue(issueID)
}

// GetSlashCommands returns the slash commands the active (or most recent)
// execution reported, if any.
func (e *Engine) GetSlashCommands(issueID string) []string {
	st, ok := e.states.get(issueID)
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]string(nil), st.slashCommands...)
}

// loadOrCreate returns the in-memory state for issueID, seeding it from
// the durable issues table on first touch this process.
func (e *Engine) loadOrCreate(ctx context.Context, issueID string) *issueState {
	return e.states.getOrCreate(issueID, func() models.Issue {
		if iss, err := e.store.GetIssue(ctx, issueID); err == nil {
			return iss
		}
		return models.Issue{ID: issueID}
	})
}

func (e *Engine) doExecute(ctx context.Context, issueID string, req ExecuteRequest) error {
	st := e.states.getOrCreate(issueID, func() models.Issue {
		if iss, err := e.store.GetIssue(ctx, issueID); err == nil {
			return iss
		}
		return models.Issue{ID: issueID, EngineType: req.EngineType, Model: req.Model, Prompt: req.Prompt, PermissionMode: req.PermissionMode}
	})

	if st.active() {
		return orcherrors.New(orcherrors.KindConcurrencyLimit, "issue already has an active execution")
	}

	st.mu.Lock()
	st.issue.EngineType = req.EngineType
	st.issue.Model = req.Model
	st.issue.Prompt = req.Prompt
	st.issue.PermissionMode = req.PermissionMode
	externalSessionID := st.issue.ExternalSessionID
	st.mu.Unlock()

	ex, ok := e.registry.Get(req.EngineType)
	if !ok {
		return orcherrors.New(orcherrors.KindProtocol, "unknown engine type "+string(req.EngineType))
	}

	collected, err := e.pending.CollectPending(ctx, issueID, req.Prompt)
	if err != nil {
		return err
	}
	e.metrics.PendingQueueDepthSet(issueID, len(collected.PendingIDs))

	return e.spawn(ctx, st, ex, req, collected, externalSessionID)
}

// spawn performs the synchronous part of an execution (steps 4-6 of
// spec.md §4.9's executeIssue) and launches the reader loop plus
// settlement (steps 7-8) in a detached goroutine, so the per-issue lock is
// held only for setup, not for the subprocess's full lifetime.
func (e *Engine) spawn(ctx context.Context, st *issueState, ex engine.Executor, req ExecuteRequest, collected pending.Collected, externalSessionID string) error {
	issueID := st.issue.ID
	spanCtx, span := e.tracer.TraceSpawn(ctx, issueID, string(req.EngineType))
	defer span.End()
	ctx = spanCtx
	startedAt := time.Now()

	st.mu.Lock()
	turnIndex := st.turnIndex
	st.turnIndex++
	st.entryIndex = 0
	st.mu.Unlock()

	userEntry := models.NormalizedEntry{EntryType: models.EntryUserMessage, Content: collected.EffectivePrompt}
	persisted := e.store.PersistLogEntry(ctx, issueID, "", userEntry, 0, turnIndex, "")
	userMessageID := ""
	live := userEntry
	live.TurnIndex, live.EntryIndex = turnIndex, 0
	if persisted != nil {
		userMessageID = persisted.MessageID
		live = *persisted
	}
	st.ring.Append(live)
	e.bus.PublishLog(issueID, "", live)

	st.mu.Lock()
	st.entryIndex = 1
	st.userMessageID = userMessageID
	st.mu.Unlock()

	e.setSessionStatus(ctx, st, models.SessionStatusPending, "")

	executionID := uuid.NewString()
	normalizer := ex.NewNormalizer(e.filters)
	spawnOpts := engine.SpawnOpts{
		IssueID: issueID, Prompt: collected.EffectivePrompt, WorkingDir: req.WorkingDir,
		Model: req.Model, PermissionMode: req.PermissionMode, ExternalSessionID: externalSessionID,
	}

	engineName := string(ex.EngineType())
	e.metrics.ExecutionStarted(engineName)

	var sp *engine.SpawnedProcess
	var err error
	if externalSessionID != "" {
		sp, err = ex.SpawnFollowUp(ctx, spawnOpts, e.envBuilder)
		if err != nil && (orcherrors.Is(err, orcherrors.KindSessionMissing) || errors.Is(err, orcherrors.ErrExternalSessionMissing)) {
			e.logger.Warn("external session missing, falling back to fresh spawn", "issue_id", issueID)
			spawnOpts.ExternalSessionID = ""
			sp, err = ex.Spawn(ctx, spawnOpts, e.envBuilder)
		}
	} else {
		sp, err = ex.Spawn(ctx, spawnOpts, e.envBuilder)
	}
	if err != nil {
		e.tracer.RecordError(span, err)
		e.settleFailed(ctx, st, executionID, engineName, startedAt, "spawn failed: "+err.Error())
		return err
	}

	if _, err := e.pm.Register(executionID, sp.Cmd, procmgr.Meta{IssueID: issueID, EngineType: engineName}, procGroup); err != nil {
		_ = ex.Cancel(ctx, sp)
		e.tracer.RecordError(span, err)
		e.settleFailed(ctx, st, executionID, engineName, startedAt, "register failed: "+err.Error())
		return err
	}

	st.mu.Lock()
	st.procID = executionID
	st.executionID = executionID
	st.normalizer = normalizer
	st.sp = sp
	st.cancelRequested = false
	st.startedAt = startedAt
	if sp.ExternalSessionID != "" {
		st.issue.ExternalSessionID = sp.ExternalSessionID
	}
	st.mu.Unlock()

	e.setSessionStatus(ctx, st, models.SessionStatusRunning, "")

	go e.runExecutionBackground(context.Background(), st, sp, normalizer, executionID, engineName, turnIndex, startedAt, collected.PendingIDs)
	return nil
}

func (e *Engine) settleFailed(ctx context.Context, st *issueState, executionID, engineName string, startedAt time.Time, lastError string) {
	st.mu.Lock()
	st.procID = ""
	st.normalizer = nil
	st.sp = nil
	st.mu.Unlock()
	e.setSessionStatus(ctx, st, models.SessionStatusFailed, lastError)
	e.bus.PublishSettled(st.issue.ID, executionID, models.SessionStatusFailed, lastError)
	e.metrics.ExecutionSettled(engineName, string(models.SessionStatusFailed), time.Since(startedAt).Seconds())
}

// doCancel assumes issueID's serialization lane is already held by the
// caller. It sets cancelRequested before driving the executor's interrupt
// so the background settlement goroutine (spawned from spawn) knows not
// to re-emit a completed/failed transition once the reader loop drains.
func (e *Engine) doCancel(ctx context.Context, issueID string) (models.SessionStatus, error) {
	st, ok := e.states.get(issueID)
	if !ok {
		return models.SessionStatusNone, orcherrors.ErrNoActiveExecution
	}

	st.mu.Lock()
	sp := st.sp
	engineType := st.issue.EngineType
	if sp == nil {
		status := st.issue.SessionStatus
		st.mu.Unlock()
		return status, orcherrors.ErrNoActiveExecution
	}
	st.cancelRequested = true
	executionID := st.executionID
	startedAt := st.startedAt
	st.mu.Unlock()

	_, span := e.tracer.TraceSettle(ctx, issueID, string(models.SessionStatusCancelled))
	defer span.End()

	if ex, ok := e.registry.Get(engineType); ok {
		if err := ex.Cancel(ctx, sp); err != nil {
			e.logger.Warn("executor cancel failed", "issue_id", issueID, "error", err)
			e.tracer.RecordError(span, err)
		}
	}

	e.setSessionStatus(ctx, st, models.SessionStatusCancelled, "")
	e.bus.PublishSettled(issueID, executionID, models.SessionStatusCancelled, "")
	e.metrics.ExecutionSettled(string(engineType), string(models.SessionStatusCancelled), time.Since(startedAt).Seconds())
	return models.SessionStatusCancelled, nil
}

func (e *Engine) queueFollowUp(ctx context.Context, st *issueState, prompt string, result *FollowUpResult) error {
	issueID := st.issue.ID
	if _, err := e.pending.Enqueue(ctx, issueID, prompt); err != nil {
		return err
	}

	marker := models.NormalizedEntry{
		EntryType: models.EntryUserMessage,
		Content:   prompt,
		Metadata:  models.Metadata{"type": "pending"},
	}

	st.mu.Lock()
	turnIndex := st.turnIndex - 1
	if turnIndex < 0 {
		turnIndex = 0
	}
	entryIndex := st.entryIndex
	st.entryIndex++
	executionID := st.executionID
	st.mu.Unlock()

	persisted := e.store.PersistLogEntry(ctx, issueID, executionID, marker, entryIndex, turnIndex, "")
	live := marker
	if persisted != nil {
		live = *persisted
	} else {
		live.TurnIndex, live.EntryIndex = turnIndex, entryIndex
	}
	st.ring.Append(live)
	e.bus.PublishLog(issueID, executionID, live)
	result.Queued = true
	return nil
}

// runReaderLoop drains sp.Stdout, normalizing/persisting/publishing each
// entry, until the channel closes (child exit or EOF). A panicking
// normalizer degrades to a single system-message entry rather than
// killing the reader loop (spec.md §4.9 failure semantics).
func (e *Engine) runReaderLoop(ctx context.Context, st *issueState, sp *engine.SpawnedProcess, normalizer normalize.Normalizer, executionID string, turnIndex int) (sawError bool, lastErrorText string) {
	issueID := st.issue.ID
	for line := range sp.Stdout {
		for _, entry := range parseLine(normalizer, line) {
			st.mu.Lock()
			entryIndex := st.entryIndex
			st.entryIndex++
			replyTo := ""
			if entry.EntryType == models.EntryAssistantMessage || entry.EntryType == models.EntryToolUse {
				replyTo = st.userMessageID
			}
			st.mu.Unlock()

			if entry.EntryType == models.EntryErrorMessage {
				sawError = true
				lastErrorText = entry.Content
			}

			persisted := e.store.PersistLogEntry(ctx, issueID, executionID, entry, entryIndex, turnIndex, replyTo)
			var live models.NormalizedEntry
			if persisted != nil {
				live = *persisted
				if live.EntryType == models.EntryToolUse {
					e.store.PersistToolDetail(ctx, live.MessageID, issueID, live)
				}
			} else {
				live = entry
				live.TurnIndex, live.EntryIndex = turnIndex, entryIndex
				if replyTo != "" {
					live.ReplyToMessageID = replyTo
				}
			}
			st.ring.Append(live)
			e.bus.PublishLog(issueID, executionID, live)
		}
	}
	return sawError, lastErrorText
}

func parseLine(normalizer normalize.Normalizer, line string) (entries []models.NormalizedEntry) {
	defer func() {
		if r := recover(); r != nil {
			entries = []models.NormalizedEntry{{EntryType: models.EntrySystemMessage, Content: line}}
		}
	}()
	return normalizer.Parse(line)
}

// runExecutionBackground is steps 7-8 of executeIssue, run outside the
// per-issue lock so cancelIssue/followUpIssue can still acquire it while a
// long execution is in flight.
func (e *Engine) runExecutionBackground(ctx context.Context, st *issueState, sp *engine.SpawnedProcess, normalizer normalize.Normalizer, executionID, engineName string, turnIndex int, startedAt time.Time, pendingIDs []string) {
	issueID := st.issue.ID
	sawError, lastErrorText := e.runReaderLoop(ctx, st, sp, normalizer, executionID, turnIndex)

	st.mu.Lock()
	cancelled := st.cancelRequested
	procID := st.procID
	st.mu.Unlock()

	var exitCode int
	if cancelled {
		exitCode = -1
		e.pm.MarkKilled(procID, exitCode)
	} else {
		exitCode = procmgr.Wait(sp.Cmd)
		e.pm.MarkExited(procID, exitCode)
	}
	e.pm.Remove(procID)

	st.mu.Lock()
	st.procID = ""
	st.normalizer = nil
	st.sp = nil
	st.cancelRequested = false
	st.mu.Unlock()

	if cancelled {
		// doCancel already performed the authoritative status transition
		// and settled event once the executor confirmed the child was dead.
		return
	}

	if err := e.pending.MarkDispatched(ctx, pendingIDs); err != nil {
		e.logger.Warn("mark dispatched failed", "issue_id", issueID, "error", err)
	}
	e.metrics.PendingQueueDepthSet(issueID, 0)

	var finalStatus models.SessionStatus
	var lastErr string
	if exitCode == 0 && !sawError {
		finalStatus = models.SessionStatusCompleted
	} else {
		lastErr = lastErrorText
		if lastErr == "" {
			lastErr = fmt.Sprintf("exit code %d", exitCode)
		}
		finalStatus = models.SessionStatusFailed
	}

	_, span := e.tracer.TraceSettle(ctx, issueID, string(finalStatus))
	defer span.End()

	e.setSessionStatus(ctx, st, finalStatus, lastErr)
	e.bus.PublishSettled(issueID, executionID, finalStatus, lastErr)
	e.metrics.ExecutionSettled(engineName, string(finalStatus), time.Since(startedAt).Seconds())
}

func (e *Engine) setSessionStatus(ctx context.Context, st *issueState, status models.SessionStatus, lastError string) {
	st.mu.Lock()
	st.issue.SessionStatus = status
	if lastError != "" {
		st.issue.LastError = lastError
	} else if status.IsActive() {
		st.issue.LastError = ""
	}
	issueCopy := st.issue
	executionID := st.executionID
	st.mu.Unlock()

	if err := e.store.UpsertIssue(ctx, issueCopy); err != nil {
		e.logger.Warn("persist issue state failed", "issue_id", issueCopy.ID, "error", err)
	}
	e.bus.PublishState(issueCopy.ID, executionID, status, issueCopy.LastError)
}
