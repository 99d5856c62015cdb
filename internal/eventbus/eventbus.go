// Package eventbus implements the event fan-out described in spec.md §4.10:
// multiple subscribers per (eventKind, issueId) keyed channel, each with
// its own buffered channel. Publish sends without blocking and drops the
// event for a subscriber whose buffer is full, so a slow consumer can't
// stall a publisher. Grounded on internal/agent/event_sink.go's ChanSink (select
// with a default case drops on a full channel) and event_emitter.go's
// monotonic per-publisher sequence counter.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/orchestra-labs/issue-orchestrator/internal/models"
)

// Kind tags the event channel, matching spec.md §4.10's enumeration.
type Kind string

const (
	KindIssueUpdated    Kind = "issueUpdated"
	KindIssueLog        Kind = "issueLog"
	KindIssueStateChange Kind = "issueStateChange"
	KindIssueSettled    Kind = "issueSettled"
	KindIssueActivity   Kind = "issueActivity"
	KindChangesSummary  Kind = "changesSummary"
)

// Event is the envelope delivered to subscribers. ExecutionID lets
// consumers ignore a stale terminal event from a superseded execution
// (spec.md §4.10).
type Event struct {
	Kind        Kind
	IssueID     string
	ExecutionID string
	Sequence    uint64
	Time        time.Time

	Log    *models.NormalizedEntry
	State  *StatePayload
	Error  string
}

// StatePayload carries a session-status transition.
type StatePayload struct {
	SessionStatus models.SessionStatus
	LastError     string
}

// subscriberBuffer is the channel capacity each subscriber gets before
// events start being dropped, mirroring ChanSink's "buffered to avoid
// blocking" guidance.
const subscriberBuffer = 256

type subscriber struct {
	id      uint64
	issueID string // empty means "all issues"
	ch      chan Event
}

// Bus is the multi-subscriber broadcaster described in spec.md §4.10.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Kind][]*subscriber
	nextSubID   atomic.Uint64
	sequence    atomic.Uint64
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[Kind][]*subscriber)}
}

// Subscription is returned by Subscribe; call Unsubscribe when done.
type Subscription struct {
	bus  *Bus
	kind Kind
	id   uint64
	Ch   <-chan Event
}

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subscribers[s.kind]
	for i, sub := range subs {
		if sub.id == s.id {
			close(sub.ch)
			s.bus.subscribers[s.kind] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Subscribe registers a new subscriber for kind, optionally scoped to one
// issue (issueID == "" subscribes to every issue's events of that kind).
func (b *Bus) Subscribe(kind Kind, issueID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{
		id:      b.nextSubID.Add(1),
		issueID: issueID,
		ch:      make(chan Event, subscriberBuffer),
	}
	b.subscribers[kind] = append(b.subscribers[kind], sub)
	return &Subscription{bus: b, kind: kind, id: sub.id, Ch: sub.ch}
}

// Publish fans out an event to every matching subscriber. It is
// synchronous from the publisher's goroutine (spec.md §4.10) but never
// blocks: each subscriber send uses a non-blocking select, dropping the
// event for subscribers whose buffer is full rather than stalling the
// reader loop that called Publish.
func (b *Bus) Publish(e Event) {
	e.Sequence = b.sequence.Add(1)
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	subs := append([]*subscriber(nil), b.subscribers[e.Kind]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.issueID != "" && sub.issueID != e.IssueID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// Subscriber buffer full: drop rather than block the publisher,
			// matching ChanSink.Emit's default-case drop.
		}
	}
}

// PublishLog is a convenience wrapper for the hot path: one normalized
// entry, for one issue/execution.
func (b *Bus) PublishLog(issueID, executionID string, entry models.NormalizedEntry) {
	b.Publish(Event{Kind: KindIssueLog, IssueID: issueID, ExecutionID: executionID, Log: &entry})
}

// PublishState announces a session-status transition.
func (b *Bus) PublishState(issueID, executionID string, status models.SessionStatus, lastError string) {
	b.Publish(Event{
		Kind: KindIssueStateChange, IssueID: issueID, ExecutionID: executionID,
		State: &StatePayload{SessionStatus: status, LastError: lastError},
	})
}

// PublishSettled announces an execution has reached a terminal state.
func (b *Bus) PublishSettled(issueID, executionID string, status models.SessionStatus, lastError string) {
	b.Publish(Event{
		Kind: KindIssueSettled, IssueID: issueID, ExecutionID: executionID,
		State: &StatePayload{SessionStatus: status, LastError: lastError},
	})
}
