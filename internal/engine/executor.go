// Package engine defines the per-engine Executor capability set (C4) and
// the registry mapping engineType to implementation (spec.md §4.4,
// Design Notes "Polymorphism across engines"). Concrete executors live in
// the claude and codex subpackages.
package engine

import (
	"context"
	"os/exec"
	"time"

	"github.com/orchestra-labs/issue-orchestrator/internal/engine/normalize"
	"github.com/orchestra-labs/issue-orchestrator/internal/engine/protocol"
	"github.com/orchestra-labs/issue-orchestrator/internal/models"
	"github.com/orchestra-labs/issue-orchestrator/internal/safeenv"
)

// AvailabilityBudget bounds a single getAvailability probe (spec §5).
const AvailabilityBudget = 10 * time.Second

// SpawnOpts parameterizes spawn/spawnFollowUp.
type SpawnOpts struct {
	IssueID           string
	Prompt            string
	WorkingDir        string
	Model             string
	PermissionMode    models.PermissionMode
	ExternalSessionID string // set only for spawnFollowUp
	IOLogger          protocol.IOLogger
}

// SpawnedProcess is what a successful spawn returns to the issue engine.
type SpawnedProcess struct {
	Cmd               *exec.Cmd
	Stdout            <-chan string // forward-only, already filtered by the protocol handler
	Handler           protocol.Handler
	ExternalSessionID string // non-empty once the engine reports a thread/session id
}

// Executor is the per-engine capability set (spec §4.4).
type Executor interface {
	EngineType() models.EngineType
	Spawn(ctx context.Context, opts SpawnOpts, builder *safeenv.Builder) (*SpawnedProcess, error)
	SpawnFollowUp(ctx context.Context, opts SpawnOpts, builder *safeenv.Builder) (*SpawnedProcess, error)
	Cancel(ctx context.Context, sp *SpawnedProcess) error
	GetAvailability(ctx context.Context) models.EngineAvailability
	GetModels(ctx context.Context) ([]models.Model, error)

	// NewNormalizer builds a fresh, stateful normalizer for one execution's
	// reader loop (spec §4.2's filteredToolCallIds is "owned by a single
	// reader loop; no external sharing" per spec §5, so one instance per
	// spawn rather than a shared NormalizeLog method).
	NewNormalizer(rules []normalize.WriteFilterRule) normalize.Normalizer
}

// Registry maps engineType to its Executor.
type Registry struct {
	executors map[models.EngineType]Executor
}

// NewRegistry builds a registry from the given executors.
func NewRegistry(executors ...Executor) *Registry {
	r := &Registry{executors: make(map[models.EngineType]Executor, len(executors))}
	for _, e := range executors {
		r.executors[e.EngineType()] = e
	}
	return r
}

// Get returns the executor for t, if registered.
func (r *Registry) Get(t models.EngineType) (Executor, bool) {
	e, ok := r.executors[t]
	return e, ok
}

// GetAvailable runs every registered executor's probe concurrently and
// returns once all have reported (spec §4.4: "getAvailable() runs all
// probes in parallel").
func (r *Registry) GetAvailable(ctx context.Context) []models.EngineAvailability {
	type result struct {
		idx int
		rep models.EngineAvailability
	}
	executors := make([]Executor, 0, len(r.executors))
	for _, e := range r.executors {
		executors = append(executors, e)
	}

	ch := make(chan result, len(executors))
	for i, e := range executors {
		go func(i int, e Executor) {
			ch <- result{idx: i, rep: e.GetAvailability(ctx)}
		}(i, e)
	}

	out := make([]models.EngineAvailability, len(executors))
	for range executors {
		r := <-ch
		out[r.idx] = r.rep
	}
	return out
}
