package issueengine

import (
	"sync"
	"time"

	"github.com/orchestra-labs/issue-orchestrator/internal/engine"
	"github.com/orchestra-labs/issue-orchestrator/internal/engine/normalize"
	"github.com/orchestra-labs/issue-orchestrator/internal/logbuffer"
	"github.com/orchestra-labs/issue-orchestrator/internal/models"
)

// issueState is the in-memory record the engine keeps per issue. The
// fields spec.md §4.9 describes as four parallel maps (entryCounters,
// turnIndexes, userMessageIds, lastErrors) are consolidated here into one
// struct per issue, guarded by its own mutex, rather than kept as four
// separately-locked maps. procmgr.Entry does the same consolidation for
// per-process bookkeeping.
type issueState struct {
	mu sync.Mutex

	issue models.Issue

	ring       *logbuffer.Ring
	normalizer normalize.Normalizer // non-nil only while an execution is in flight

	executionID   string // current/most recent execution id
	procID        string // procmgr entry id of the active subprocess, "" if idle
	turnIndex     int    // next turn index to assign
	entryIndex    int    // next entryIndex within the current turn
	userMessageID string // most recent user-message id, for replyTo back-links
	slashCommands []string

	sp              *engine.SpawnedProcess // non-nil only while an execution is in flight
	cancelRequested bool                   // set by doCancel, read by runExecutionBackground
	startedAt       time.Time              // spawn time of the current/most recent execution

	devMode bool
}

func newIssueState(issue models.Issue) *issueState {
	return &issueState{
		issue:   issue,
		ring:    logbuffer.New(logbuffer.DefaultCapacity),
		devMode: issue.DevMode,
	}
}

// active reports whether this issue currently has a running/pending
// execution, i.e. a subprocess tracked by the process manager.
func (st *issueState) active() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.procID != ""
}

// Registry groups the issue states behind one RWMutex, keyed by issue id.
type registry struct {
	mu     sync.RWMutex
	issues map[string]*issueState
}

func newRegistry() *registry {
	return &registry{issues: make(map[string]*issueState)}
}

// getOrCreate returns the existing state for id, or seeds one from
// fallback (used the first time executeIssue touches an id this process
// has not seen since startup).
func (r *registry) getOrCreate(id string, fallback func() models.Issue) *issueState {
	r.mu.RLock()
	st, ok := r.issues[id]
	r.mu.RUnlock()
	if ok {
		return st
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.issues[id]; ok {
		return st
	}
	st = newIssueState(fallback())
	r.issues[id] = st
	return st
}

func (r *registry) get(id string) (*issueState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.issues[id]
	return st, ok
}

func (r *registry) all() []*issueState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*issueState, 0, len(r.issues))
	for _, st := range r.issues {
		out = append(out, st)
	}
	return out
}
