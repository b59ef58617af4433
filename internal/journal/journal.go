// Package journal records monitor state changes and fans them out to listeners.
package journal

import (
	"sync"
	"time"
)

// Kind identifies what happened.
type Kind string

const (
	Started           Kind = "started"
	Stopped           Kind = "stopped"
	Saved             Kind = "saved"
	Skipped           Kind = "skipped"
	CaptureFailed     Kind = "capture_failed"
	CaptureSuppressed Kind = "capture_suppressed"
	PersistFailed     Kind = "persist_failed"
)

// Event is one journal entry.
type Event struct {
	Kind        Kind      `json:"kind"`
	Time        time.Time `json:"time"`
	Path        string    `json:"path,omitempty"`
	Score       *float64  `json:"score,omitempty"` // nil when no comparison was made
	Fingerprint string    `json:"fingerprint,omitempty"`
	Error       string    `json:"error,omitempty"`
	TraceID     string    `json:"trace_id,omitempty"`
}

// Store keeps a bounded history of events and publishes each one on a channel.
type Store struct {
	mu       sync.RWMutex
	ring     []Event
	next     int
	full     bool
	eventsCh chan Event
	now      func() time.Time
}

// NewStore creates a store holding the last maxEvents events.
func NewStore(maxEvents, eventBuffer int) *Store {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	if eventBuffer < 0 {
		eventBuffer = 0
	}
	return &Store{
		ring:     make([]Event, maxEvents),
		eventsCh: make(chan Event, eventBuffer),
		now:      time.Now,
	}
}

// Emit records an event and publishes it (non-blocking). A zero Time is stamped.
func (s *Store) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = s.now()
	}

	s.mu.Lock()
	s.ring[s.next] = ev
	s.next = (s.next + 1) % len(s.ring)
	if s.next == 0 {
		s.full = true
	}
	s.mu.Unlock()

	select {
	case s.eventsCh <- ev:
	default:
	}
}

// Events returns the channel of published events.
func (s *Store) Events() <-chan Event {
	return s.eventsCh
}

// Recent returns up to n events, oldest first. n <= 0 returns everything held.
func (s *Store) Recent(n int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	size := s.next
	if s.full {
		size = len(s.ring)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Event, 0, n)
	start := s.next - n
	if start < 0 {
		start += len(s.ring)
	}
	for i := 0; i < n; i++ {
		out = append(out, s.ring[(start+i)%len(s.ring)])
	}
	return out
}
