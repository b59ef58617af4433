package monitor

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/deltashot/internal/archive"
	"github.com/GriffinCanCode/deltashot/internal/config"
	apperrors "github.com/GriffinCanCode/deltashot/internal/errors"
	"github.com/GriffinCanCode/deltashot/internal/journal"
	"github.com/GriffinCanCode/deltashot/internal/resilience"
	"github.com/GriffinCanCode/deltashot/internal/screen"
	"github.com/GriffinCanCode/deltashot/internal/similarity"
)

var testRegion = screen.Region{Top: 0, Left: 0, Width: 48, Height: 32}

// stepClock releases the loop's wait only when the test calls tick.
type stepClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []chan time.Time
	waits   chan struct{}
}

func newStepClock() *stepClock {
	return &stepClock{
		now:   time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
		waits: make(chan struct{}, 64),
	}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	c.pending = append(c.pending, ch)
	c.mu.Unlock()
	c.waits <- struct{}{}
	return ch
}

func (c *stepClock) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	for _, ch := range c.pending {
		ch <- c.now
	}
	c.pending = nil
}

// waitCycle blocks until the loop finishes a cycle and starts waiting.
func (c *stepClock) waitCycle(t *testing.T) {
	t.Helper()
	select {
	case <-c.waits:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a monitor cycle")
	}
}

type frame struct {
	img   image.Image
	err   error
	panic bool
}

type scriptCapturer struct {
	mu     sync.Mutex
	frames []frame
	calls  int
}

func (c *scriptCapturer) Capture(context.Context, screen.Region) (image.Image, error) {
	c.mu.Lock()
	f := c.frames[min(c.calls, len(c.frames)-1)]
	c.calls++
	c.mu.Unlock()
	if f.panic {
		panic("capture backend exploded")
	}
	return f.img, f.err
}

func (c *scriptCapturer) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// recordingJudge returns scripted scores and remembers which baseline each call saw.
type recordingJudge struct {
	mu     sync.Mutex
	scores []float64
	err    error
	bases  []image.Image
}

func (j *recordingJudge) Similarity(a, _ image.Image) (float64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.bases = append(j.bases, a)
	if j.err != nil {
		return 0, j.err
	}
	return j.scores[min(len(j.bases)-1, len(j.scores)-1)], nil
}

func (j *recordingJudge) Classify(score float64) similarity.Verdict {
	return similarity.NewJudge(similarity.DefaultThreshold).Classify(score)
}

func (j *recordingJudge) Bases() []image.Image {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]image.Image(nil), j.bases...)
}

// countingSink wraps a real sink and can fail on scripted calls.
type countingSink struct {
	mu    sync.Mutex
	inner *archive.Sink
	errs  []error
	calls int
	paths []string
}

func (s *countingSink) Save(ctx context.Context, img image.Image, dir string) (string, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	path, err := s.inner.Save(ctx, img, dir)
	if err == nil {
		s.mu.Lock()
		s.paths = append(s.paths, path)
		s.mu.Unlock()
	}
	return path, err
}

func (s *countingSink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeArchiver struct {
	mu   sync.Mutex
	recs []archive.Record
}

func (a *fakeArchiver) Add(rec archive.Record) {
	a.mu.Lock()
	a.recs = append(a.recs, rec)
	a.mu.Unlock()
}

func solid(c color.RGBA) *image.RGBA {
	img := image.NewRGBA(testRegion.Rect())
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, 255
	}
	return img
}

func textured(seed int) *image.RGBA {
	img := image.NewRGBA(testRegion.Rect())
	for i := 0; i < len(img.Pix); i += 4 {
		v := uint8((i*7919 + seed*104729) % 251)
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = v, v/2, 255-v, 255
	}
	return img
}

type harness struct {
	m       *Monitor
	clk     *stepClock
	capt    *scriptCapturer
	sink    *countingSink
	journal *journal.Store
	arch    *fakeArchiver
	dir     string
	states  []bool
}

func newHarness(t *testing.T, capt *scriptCapturer, judge Judge, cfg Config) *harness {
	t.Helper()
	h := &harness{
		clk:     newStepClock(),
		capt:    capt,
		sink:    &countingSink{inner: archive.NewSink()},
		journal: journal.NewStore(100, 0),
		arch:    &fakeArchiver{},
		dir:     t.TempDir(),
	}
	if judge == nil {
		judge = similarity.NewJudge(similarity.DefaultThreshold)
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry = resilience.RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	}
	if cfg.Breaker.Threshold == 0 {
		cfg.Breaker = resilience.Config{Threshold: 100, ResetTimeout: time.Hour}
	}
	h.m = New(capt, judge, h.sink, cfg,
		WithClock(h.clk),
		WithEmitter(h.journal),
		WithArchiver(h.arch),
		WithStateHook(func(on bool) { h.states = append(h.states, on) }),
	)
	require.NoError(t, h.m.SetRegion(testRegion))
	require.NoError(t, h.m.SetDestination(h.dir))
	t.Cleanup(h.m.Close)
	return h
}

// session starts the monitor, runs n cycles and stops it.
func (h *harness) session(t *testing.T, n int) {
	t.Helper()
	require.NoError(t, h.m.Start())
	for i := 0; i < n; i++ {
		if i > 0 {
			h.clk.tick()
		}
		h.clk.waitCycle(t)
	}
	h.m.Stop()
}

func (h *harness) kinds() []journal.Kind {
	var out []journal.Kind
	for _, ev := range h.journal.Recent(0) {
		out = append(out, ev.Kind)
	}
	return out
}

func (h *harness) files(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestStartRejected(t *testing.T) {
	tests := []struct {
		name   string
		region *screen.Region
		dir    string
		reason string
	}{
		{"nothing selected", nil, "", apperrors.ReasonNoRegion},
		{"no region", nil, "/tmp", apperrors.ReasonNoRegion},
		{"no destination", &testRegion, "", apperrors.ReasonNoDestination},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(&scriptCapturer{frames: []frame{{img: solid(color.RGBA{})}}}, similarity.NewJudge(0), archive.NewSink(), DefaultConfig())
			require.NoError(t, m.Apply(config.Settings{Region: tt.region, Destination: tt.dir}))

			err := m.Start()
			require.Error(t, err)
			appErr, ok := apperrors.As(err)
			require.True(t, ok)
			assert.Equal(t, apperrors.StartRejected, appErr.Code)
			assert.Equal(t, tt.reason, appErr.Reason())
			assert.False(t, m.IsRunning())
		})
	}
}

func TestStaticScreenSavesOnce(t *testing.T) {
	img := textured(1)
	h := newHarness(t, &scriptCapturer{frames: []frame{{img: img}}}, nil, Config{})

	h.session(t, 3)

	assert.Len(t, h.files(t), 1)
	want := []journal.Kind{journal.Started, journal.Saved, journal.Skipped, journal.Skipped, journal.Stopped}
	if diff := cmp.Diff(want, h.kinds()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}

	st := h.m.Status()
	assert.False(t, st.Running)
	assert.EqualValues(t, 1, st.Saved)
	assert.EqualValues(t, 2, st.Skipped)
	require.NotNil(t, st.LastScore)
	assert.Equal(t, 1.0, *st.LastScore)
}

func TestChangedScreenSavesEachChange(t *testing.T) {
	frames := []frame{{img: solid(color.RGBA{R: 10})}, {img: textured(2)}, {img: textured(3)}}
	h := newHarness(t, &scriptCapturer{frames: frames}, nil, Config{})

	h.session(t, 3)

	assert.Len(t, h.files(t), 3)
}

func TestCaptureFailurePreservesBaseline(t *testing.T) {
	a, b := textured(1), textured(2)
	capt := &scriptCapturer{frames: []frame{
		{img: a},
		{err: apperrors.New(apperrors.CaptureFailed, "display asleep")},
		{img: b},
	}}
	judge := &recordingJudge{scores: []float64{0.2}}
	h := newHarness(t, capt, judge, Config{})

	h.session(t, 3)

	assert.Len(t, h.files(t), 2)
	bases := judge.Bases()
	require.Len(t, bases, 1)
	assert.True(t, bases[0] == image.Image(a), "cycle 3 must compare against the cycle 1 capture")

	want := []journal.Kind{journal.Started, journal.Saved, journal.CaptureFailed, journal.Saved, journal.Stopped}
	if diff := cmp.Diff(want, h.kinds()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	assert.EqualValues(t, 1, h.m.Status().Failed)
}

func TestSkipKeepsBaseline(t *testing.T) {
	a, b, c := textured(1), textured(2), textured(3)
	judge := &recordingJudge{scores: []float64{0.99}}
	h := newHarness(t, &scriptCapturer{frames: []frame{{img: a}, {img: b}, {img: c}}}, judge, Config{})

	h.session(t, 3)

	assert.Len(t, h.files(t), 1)
	bases := judge.Bases()
	require.Len(t, bases, 2)
	for i, base := range bases {
		assert.True(t, base == image.Image(a), "comparison %d used a skipped frame as baseline", i)
	}
}

func TestThresholdBoundaryIsDifferent(t *testing.T) {
	judge := &recordingJudge{scores: []float64{0.95}}
	h := newHarness(t, &scriptCapturer{frames: []frame{{img: textured(1)}, {img: textured(2)}}}, judge, Config{})

	h.session(t, 2)

	assert.Len(t, h.files(t), 2)
}

func TestPersistFailureKeepsBaseline(t *testing.T) {
	a, b := textured(1), textured(2)
	judge := &recordingJudge{scores: []float64{0.99}}
	h := newHarness(t, &scriptCapturer{frames: []frame{{img: a}, {img: b}}}, judge, Config{})
	h.sink.errs = []error{apperrors.New(apperrors.PersistFailed, "destination removed")}

	h.session(t, 2)

	// The failed save leaves no baseline, so cycle 2 saves without comparing.
	assert.Empty(t, judge.Bases())
	assert.Len(t, h.files(t), 1)
	assert.Equal(t, 2, h.sink.Calls(), "non-retryable errors are not retried")

	want := []journal.Kind{journal.Started, journal.PersistFailed, journal.Saved, journal.Stopped}
	if diff := cmp.Diff(want, h.kinds()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestPersistRetriesTransientErrors(t *testing.T) {
	h := newHarness(t, &scriptCapturer{frames: []frame{{img: textured(1)}}}, nil, Config{})
	busy := apperrors.Wrap(syscall.EBUSY, apperrors.PersistFailed, "rename").Retryable()
	h.sink.errs = []error{busy, busy}

	h.session(t, 1)

	assert.Equal(t, 3, h.sink.Calls())
	assert.Len(t, h.files(t), 1)
}

func TestJudgeErrorCountsAsDifferent(t *testing.T) {
	judge := &recordingJudge{err: similarity.ErrSizeMismatch}
	h := newHarness(t, &scriptCapturer{frames: []frame{{img: textured(1)}}}, judge, Config{})

	h.session(t, 2)

	assert.Len(t, h.files(t), 2)
}

// blockingCapturer holds the first capture until released, ignoring cancellation.
type blockingCapturer struct {
	entered chan struct{}
	release chan struct{}
	img     image.Image
}

func (c *blockingCapturer) Capture(context.Context, screen.Region) (image.Image, error) {
	close(c.entered)
	<-c.release
	return c.img, nil
}

func TestStopDuringCaptureWritesNothing(t *testing.T) {
	capt := &blockingCapturer{entered: make(chan struct{}), release: make(chan struct{}), img: textured(1)}
	dir := t.TempDir()
	sink := &countingSink{inner: archive.NewSink()}
	m := New(capt, similarity.NewJudge(0), sink, DefaultConfig(), WithClock(newStepClock()))
	require.NoError(t, m.SetRegion(testRegion))
	require.NoError(t, m.SetDestination(dir))

	require.NoError(t, m.Start())
	<-capt.entered

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a capture was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(capt.release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	assert.False(t, m.IsRunning())
	assert.Equal(t, 0, sink.Calls())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBreakerSuppressesCapture(t *testing.T) {
	capt := &scriptCapturer{frames: []frame{{err: errors.New("no display")}}}
	h := newHarness(t, capt, nil, Config{Breaker: resilience.Config{Threshold: 2, ResetTimeout: time.Hour}})

	h.session(t, 4)

	assert.Equal(t, 2, capt.Calls())
	want := []journal.Kind{
		journal.Started, journal.CaptureFailed, journal.CaptureFailed,
		journal.CaptureSuppressed, journal.CaptureSuppressed, journal.Stopped,
	}
	if diff := cmp.Diff(want, h.kinds()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	assert.Equal(t, "open", h.m.Status().Breaker)
}

func TestBreakerProbesAfterReset(t *testing.T) {
	capt := &scriptCapturer{frames: []frame{{err: errors.New("no display")}, {img: textured(1)}}}
	h := newHarness(t, capt, nil, Config{Breaker: resilience.Config{Threshold: 1, ResetTimeout: 2 * time.Second}})

	// Each tick advances the step clock by one second: fail, suppressed, probe.
	h.session(t, 3)

	want := []journal.Kind{journal.Started, journal.CaptureFailed, journal.CaptureSuppressed, journal.Saved, journal.Stopped}
	if diff := cmp.Diff(want, h.kinds()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	assert.Equal(t, "closed", h.m.Status().Breaker)
}

func TestPanicInCycleIsRecovered(t *testing.T) {
	capt := &scriptCapturer{frames: []frame{{panic: true}, {img: textured(1)}}}
	h := newHarness(t, capt, nil, Config{})

	h.session(t, 2)

	assert.Len(t, h.files(t), 1)
	st := h.m.Status()
	assert.EqualValues(t, 1, st.Failed)
	assert.EqualValues(t, 1, st.Saved)
}

func TestStartStopIdempotentAndRestartClearsBaseline(t *testing.T) {
	img := textured(1)
	h := newHarness(t, &scriptCapturer{frames: []frame{{img: img}}}, nil, Config{})

	require.NoError(t, h.m.Start())
	require.NoError(t, h.m.Start(), "start while running is a no-op")
	h.clk.waitCycle(t)
	h.m.Stop()
	h.m.Stop()

	// Same frame, new session: the baseline was cleared so it is saved again.
	h.session(t, 1)

	assert.Len(t, h.files(t), 2)
	want := []journal.Kind{journal.Started, journal.Saved, journal.Stopped, journal.Started, journal.Saved, journal.Stopped}
	if diff := cmp.Diff(want, h.kinds()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	assert.Equal(t, []bool{true, false, true, false}, h.states)
}

func TestSettingsChangesApplyToNextSession(t *testing.T) {
	h := newHarness(t, &scriptCapturer{frames: []frame{{img: textured(1)}, {img: textured(2)}}}, nil, Config{})
	require.NoError(t, h.m.Start())
	h.clk.waitCycle(t)

	other := t.TempDir()
	require.NoError(t, h.m.SetDestination(other))
	h.clk.tick()
	h.clk.waitCycle(t)
	h.m.Stop()

	entries, err := os.ReadDir(other)
	require.NoError(t, err)
	assert.Empty(t, entries, "running session must keep its destination")
	assert.Len(t, h.files(t), 2)
	assert.Equal(t, other, h.m.Settings().Destination)
}

func TestSetRegionAndDestinationValidation(t *testing.T) {
	m := New(&scriptCapturer{}, similarity.NewJudge(0), archive.NewSink(), DefaultConfig())

	err := m.SetRegion(screen.Region{Width: 0, Height: 10})
	assert.True(t, apperrors.IsCode(err, apperrors.InvalidArgument), "got %v", err)
	err = m.SetDestination("")
	assert.True(t, apperrors.IsCode(err, apperrors.InvalidArgument), "got %v", err)

	require.NoError(t, m.SetRegion(testRegion))
	s := m.Settings()
	s.Region.Width = 1
	assert.Equal(t, testRegion.Width, m.Settings().Region.Width, "Settings must return a copy")
}

func TestSavedRecordsAreArchived(t *testing.T) {
	frames := []frame{{img: textured(1)}, {img: textured(2)}}
	judge := &recordingJudge{scores: []float64{0.4}}
	h := newHarness(t, &scriptCapturer{frames: frames}, judge, Config{Fingerprint: true})

	h.session(t, 2)

	h.arch.mu.Lock()
	defer h.arch.mu.Unlock()
	require.Len(t, h.arch.recs, 2)
	first, second := h.arch.recs[0], h.arch.recs[1]
	assert.False(t, first.HasScore)
	assert.True(t, second.HasScore)
	assert.Equal(t, 0.4, second.Score)
	assert.Equal(t, testRegion.Width, first.Width)
	assert.Equal(t, testRegion.Height, first.Height)
	assert.NotEmpty(t, first.Fingerprint)
	assert.Less(t, first.Name, second.Name)

	saved := h.journal.Recent(0)[2]
	assert.Equal(t, journal.Saved, saved.Kind)
	assert.Equal(t, second.Path, saved.Path)
	assert.NotEmpty(t, saved.TraceID)
}

func TestCloseFlushesBufferedRecords(t *testing.T) {
	idx := archive.NewMemoryIndex()
	clk := newStepClock()
	m := New(&scriptCapturer{frames: []frame{{img: textured(1)}}}, similarity.NewJudge(0), archive.NewSink(), DefaultConfig(),
		WithClock(clk),
		WithArchiver(archive.NewBatcher(idx, 100, time.Hour)),
	)
	require.NoError(t, m.SetRegion(testRegion))
	require.NoError(t, m.SetDestination(t.TempDir()))

	require.NoError(t, m.Start())
	clk.waitCycle(t)

	recs, err := idx.List(0)
	require.NoError(t, err)
	require.Empty(t, recs, "record should still be buffered")

	m.Close()
	assert.False(t, m.IsRunning())
	recs, err = idx.List(0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, strings.HasPrefix(recs[0].Name, "screenshot_"))
}
