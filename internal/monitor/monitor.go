// Package monitor runs the capture, compare and save loop over a screen region.
package monitor

import (
	"context"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/deltashot/internal/archive"
	"github.com/GriffinCanCode/deltashot/internal/config"
	apperrors "github.com/GriffinCanCode/deltashot/internal/errors"
	"github.com/GriffinCanCode/deltashot/internal/journal"
	"github.com/GriffinCanCode/deltashot/internal/resilience"
	"github.com/GriffinCanCode/deltashot/internal/screen"
	"github.com/GriffinCanCode/deltashot/internal/similarity"
	"github.com/GriffinCanCode/deltashot/internal/syncx"
	"github.com/GriffinCanCode/deltashot/internal/trace"
)

// Capturer grabs the pixels of a region.
type Capturer interface {
	Capture(ctx context.Context, r screen.Region) (image.Image, error)
}

// Judge scores two captures and classifies the score.
type Judge interface {
	Similarity(a, b image.Image) (float64, error)
	Classify(score float64) similarity.Verdict
}

// Sink writes a capture into a directory and returns the file path.
type Sink interface {
	Save(ctx context.Context, img image.Image, dir string) (string, error)
}

// Clock paces the loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Recorder receives loop metrics.
type Recorder interface {
	Cycle(outcome string)
	Similarity(score float64)
	CaptureDuration(d time.Duration)
	PersistDuration(d time.Duration)
	Running(on bool)
	BreakerState(state uint32)
}

// Archiver indexes saved captures.
type Archiver interface {
	Add(rec archive.Record)
}

// Emitter publishes state changes.
type Emitter interface {
	Emit(ev journal.Event)
}

// Config tunes the loop.
type Config struct {
	Interval    time.Duration
	Breaker     resilience.Config
	Retry       resilience.RetryConfig
	Fingerprint bool // attach a perceptual hash to saved records
}

// DefaultConfig returns a one-second cadence with the default breaker and retry policy.
func DefaultConfig() Config {
	return Config{
		Interval: DefaultInterval,
		Breaker:  resilience.DefaultConfig(),
		Retry:    resilience.DefaultRetryConfig(),
	}
}

// Status is a point-in-time view of the monitor.
type Status struct {
	Running       bool           `json:"running"`
	Region        *screen.Region `json:"region"`
	Destination   string         `json:"destination"`
	Saved         uint64         `json:"saved"`
	Skipped       uint64         `json:"skipped"`
	Failed        uint64         `json:"failed"`
	LastSavedPath string         `json:"last_saved_path,omitempty"`
	LastSavedAt   *time.Time     `json:"last_saved_at,omitempty"`
	LastScore     *float64       `json:"last_score,omitempty"`
	Breaker       string         `json:"breaker"`
}

type counters struct {
	saved, skipped, failed uint64
	lastPath               string
	lastAt                 time.Time
	lastScore              *float64
}

// Monitor owns the session settings, the baseline and the loop goroutine.
type Monitor struct {
	capturer Capturer
	judge    Judge
	sink     Sink
	cfg      Config
	clock    Clock
	rec      Recorder
	archiver Archiver
	emitter  Emitter
	onState  func(running bool)

	breaker  *resilience.Breaker
	settings *syncx.RWGuard[config.Settings]
	baseline *syncx.RWGuard[image.Image]
	stats    *syncx.RWGuard[counters]

	lifecycle sync.Mutex // serializes Start and Stop
	cancel    context.CancelFunc
	done      chan struct{}
	running   atomic.Bool
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(m *Monitor) { m.clock = c } }

// WithRecorder attaches metrics.
func WithRecorder(r Recorder) Option { return func(m *Monitor) { m.rec = r } }

// WithArchiver attaches an index of saved files.
func WithArchiver(a Archiver) Option { return func(m *Monitor) { m.archiver = a } }

// WithEmitter attaches an event sink.
func WithEmitter(e Emitter) Option { return func(m *Monitor) { m.emitter = e } }

// WithStateHook is called with the new state after every Start and Stop transition.
func WithStateHook(fn func(running bool)) Option { return func(m *Monitor) { m.onState = fn } }

// New creates an idle monitor.
func New(capturer Capturer, judge Judge, sink Sink, cfg Config, opts ...Option) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	m := &Monitor{
		capturer: capturer,
		judge:    judge,
		sink:     sink,
		cfg:      cfg,
		clock:    realClock{},
		rec:      nopRecorder{},
		archiver: nopArchiver{},
		emitter:  nopEmitter{},
		onState:  func(bool) {},
		settings: syncx.NewGuard(config.Settings{}),
		baseline: syncx.NewGuard[image.Image](nil),
		stats:    syncx.NewGuard(counters{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.breaker = resilience.New(cfg.Breaker).WithClock(m.clock.Now).WithHook(func(_, to resilience.State) {
		m.rec.BreakerState(uint32(to))
	})
	return m
}

// SetRegion sets the region for the next session.
func (m *Monitor) SetRegion(r screen.Region) error {
	if err := r.Validate(); err != nil {
		return err
	}
	m.settings.Write(func(s *config.Settings) { s.Region = &r })
	slog.Info("region selected", "region", r.String())
	return nil
}

// SetDestination sets the output directory for the next session.
func (m *Monitor) SetDestination(dir string) error {
	if dir == "" {
		return apperrors.New(apperrors.InvalidArgument, "destination must not be empty")
	}
	m.settings.Write(func(s *config.Settings) { s.Destination = dir })
	slog.Info("destination selected", "dir", dir)
	return nil
}

// Apply replaces both settings, as when the settings file is reloaded.
func (m *Monitor) Apply(s config.Settings) error {
	if s.Region != nil {
		if err := s.Region.Validate(); err != nil {
			return err
		}
		r := *s.Region
		s.Region = &r
	}
	m.settings.Set(s)
	return nil
}

// Settings returns a copy of the current settings.
func (m *Monitor) Settings() config.Settings {
	s := m.settings.Get()
	if s.Region != nil {
		r := *s.Region
		s.Region = &r
	}
	return s
}

// Start begins a session. Starting while running is a no-op.
func (m *Monitor) Start() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.cancel != nil {
		return nil
	}

	s := m.Settings()
	if s.Region == nil {
		return apperrors.Rejected(apperrors.ReasonNoRegion, "select a region first")
	}
	if s.Destination == "" {
		return apperrors.Rejected(apperrors.ReasonNoDestination, "select a destination first")
	}

	m.baseline.Zero()
	m.breaker.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	ctx, span := trace.StartSpan(ctx, "monitor_session")
	sess := session{region: *s.Region, dir: s.Destination, span: span}
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	m.running.Store(true)

	trace.Logger(ctx).Info("monitoring started", "region", sess.region.String(), "dir", sess.dir, "interval", m.cfg.Interval)
	m.rec.Running(true)
	m.emitter.Emit(journal.Event{Kind: journal.Started, Time: m.clock.Now(), TraceID: span.Ctx.TraceID})
	m.onState(true)

	go m.run(ctx, sess, done)
	return nil
}

// Stop ends the session and waits for the loop to exit. No file is written
// after Stop returns. Stopping while idle is a no-op.
func (m *Monitor) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel, m.done = nil, nil
	m.running.Store(false)
	m.baseline.Zero()

	slog.Info("monitoring stopped")
	m.rec.Running(false)
	m.emitter.Emit(journal.Event{Kind: journal.Stopped, Time: m.clock.Now()})
	m.onState(false)
}

// IsRunning reports whether a session is active.
func (m *Monitor) IsRunning() bool {
	return m.running.Load()
}

// Status returns a snapshot of settings, state and counters.
func (m *Monitor) Status() Status {
	s := m.Settings()
	c := m.stats.Get()
	st := Status{
		Running:       m.IsRunning(),
		Region:        s.Region,
		Destination:   s.Destination,
		Saved:         c.saved,
		Skipped:       c.skipped,
		Failed:        c.failed,
		LastSavedPath: c.lastPath,
		LastScore:     c.lastScore,
		Breaker:       m.breaker.State().String(),
	}
	if !c.lastAt.IsZero() {
		at := c.lastAt
		st.LastSavedAt = &at
	}
	return st
}

// Close stops any session, then writes out records the archiver is still
// holding.
func (m *Monitor) Close() {
	m.Stop()
	if f, ok := m.archiver.(interface{ Flush() }); ok {
		f.Flush()
	}
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type nopRecorder struct{}

func (nopRecorder) Cycle(string)                  {}
func (nopRecorder) Similarity(float64)            {}
func (nopRecorder) CaptureDuration(time.Duration) {}
func (nopRecorder) PersistDuration(time.Duration) {}
func (nopRecorder) Running(bool)                  {}
func (nopRecorder) BreakerState(uint32)           {}

type nopArchiver struct{}

func (nopArchiver) Add(archive.Record) {}

type nopEmitter struct{}

func (nopEmitter) Emit(journal.Event) {}
