// Package resilience provides the circuit breaker guarding capture and the
// retry loop guarding persistence.
package resilience

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// State represents circuit breaker state
type State uint32

const (
	Closed   State = iota // normal operation
	Open                  // failing fast
	HalfOpen              // one probe allowed through
)

func (s State) String() string {
	return [...]string{"closed", "open", "half-open"}[s]
}

// ErrOpen is returned by Allow while the breaker is open.
var ErrOpen = errors.New("circuit breaker open")

// Breaker implements the circuit breaker pattern with atomic state.
// A capture loop calls Allow before each attempt and reports the outcome
// with Success or Failure.
type Breaker struct {
	cfg           Config
	now           func() time.Time
	state         atomic.Uint32
	failures      atomic.Int32
	successes     atomic.Int32
	lastFailure   atomic.Int64 // unix nano
	onStateChange func(from, to State)
}

// New creates a breaker with config.
func New(cfg Config) *Breaker {
	b := &Breaker{cfg: cfg.withDefaults(), now: time.Now}
	b.state.Store(uint32(Closed))
	return b
}

// WithHook sets a state change callback (metrics, journal).
func (b *Breaker) WithHook(fn func(from, to State)) *Breaker {
	b.onStateChange = fn
	return b
}

// WithClock replaces the time source used for the reset timeout.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Allow returns nil if a call may proceed.
func (b *Breaker) Allow() error {
	if State(b.state.Load()) != Open {
		return nil
	}
	if b.now().Sub(time.Unix(0, b.lastFailure.Load())) >= b.cfg.ResetTimeout {
		b.transition(HalfOpen)
		return nil
	}
	return ErrOpen
}

// Success records a successful call.
func (b *Breaker) Success() {
	switch State(b.state.Load()) {
	case HalfOpen:
		if b.successes.Add(1) >= int32(b.cfg.HalfOpenSuccesses) {
			b.transition(Closed)
		}
	case Closed:
		b.failures.Store(0)
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.lastFailure.Store(b.now().UnixNano())
	count := b.failures.Add(1)

	switch State(b.state.Load()) {
	case HalfOpen:
		b.transition(Open)
	case Closed:
		if count >= int32(b.cfg.Threshold) {
			b.transition(Open)
		}
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	return int(b.failures.Load())
}

// Reset forces the breaker closed. Called when a new monitoring session starts.
func (b *Breaker) Reset() {
	b.transition(Closed)
	b.failures.Store(0)
}

func (b *Breaker) transition(to State) {
	from := State(b.state.Swap(uint32(to)))
	if from == to {
		return
	}

	switch to {
	case Closed:
		b.failures.Store(0)
		b.successes.Store(0)
		slog.Info("circuit breaker closed", "name", b.cfg.Name)
	case Open:
		b.successes.Store(0)
		slog.Warn("circuit breaker opened", "name", b.cfg.Name, "failures", b.failures.Load(), "retry_in", b.cfg.ResetTimeout)
	case HalfOpen:
		b.successes.Store(0)
		slog.Info("circuit breaker half-open", "name", b.cfg.Name)
	}

	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}
