package storage

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// idSource produces lexicographically sortable ids (spec.md GLOSSARY:
// "ULID: 128-bit lexicographically sortable identifier used for
// messageId"). ulid.Monotonic's entropy source is not safe for concurrent
// use, so every call is serialized behind a mutex.
type idSource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newIDSource() *idSource {
	return &idSource{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (s *idSource) New() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}
