package monitor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/GriffinCanCode/deltashot/internal/archive"
	"github.com/GriffinCanCode/deltashot/internal/journal"
	"github.com/GriffinCanCode/deltashot/internal/resilience"
	"github.com/GriffinCanCode/deltashot/internal/screen"
	"github.com/GriffinCanCode/deltashot/internal/similarity"
	"github.com/GriffinCanCode/deltashot/internal/trace"
)

// session is the immutable snapshot a loop runs with.
type session struct {
	region screen.Region
	dir    string
	span   *trace.Span
}

// run executes cycles until ctx is cancelled. Cycles never overlap.
func (m *Monitor) run(ctx context.Context, sess session, done chan<- struct{}) {
	defer close(done)
	defer func() {
		sess.span.End()
		trace.Logger(ctx).Debug("monitor loop exited", "span", sess.span)
	}()

	for {
		outcome := m.safeCycle(ctx, sess)
		if outcome != outcomeCancelled {
			m.rec.Cycle(outcome)
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.cfg.Interval):
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (m *Monitor) safeCycle(ctx context.Context, sess session) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("monitor cycle panicked", "panic", r, "stack", string(debug.Stack()))
			m.stats.Write(func(c *counters) { c.failed++ })
			outcome = outcomePanicked
		}
	}()
	return m.cycle(ctx, sess)
}

func (m *Monitor) cycle(ctx context.Context, sess session) string {
	ctx, span := trace.StartSpan(ctx, "monitor_cycle")
	defer span.End()
	log := trace.Logger(ctx)

	if err := m.breaker.Allow(); err != nil {
		log.Debug("capture suppressed", "breaker", m.breaker.State())
		m.stats.Write(func(c *counters) { c.failed++ })
		m.emit(journal.Event{Kind: journal.CaptureSuppressed, Error: err.Error()}, span)
		return outcomeSuppressed
	}

	start := time.Now()
	img, err := m.capturer.Capture(ctx, sess.region)
	m.rec.CaptureDuration(time.Since(start))
	if ctx.Err() != nil {
		return outcomeCancelled
	}
	if err == nil && img == nil {
		err = errors.New("capturer returned no image")
	}
	if err != nil {
		m.breaker.Failure()
		log.Warn("capture failed", "error", err, "region", sess.region.String(), "consecutive", m.breaker.Failures())
		m.stats.Write(func(c *counters) { c.failed++ })
		m.emit(journal.Event{Kind: journal.CaptureFailed, Error: err.Error()}, span)
		return outcomeCaptureFailed
	}
	m.breaker.Success()

	var score *float64
	if base := m.baseline.Get(); base != nil {
		s, err := m.judge.Similarity(base, img)
		if err != nil {
			log.Debug("comparison failed, treating capture as changed", "error", err)
		} else {
			score = &s
			m.rec.Similarity(s)
			if m.judge.Classify(s) == similarity.Similar {
				m.stats.Write(func(c *counters) {
					c.skipped++
					c.lastScore = score
				})
				span.SetAttr("score", s)
				m.emit(journal.Event{Kind: journal.Skipped, Score: score}, span)
				return outcomeSkipped
			}
		}
	}

	path, err := m.persist(ctx, img, sess.dir)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeCancelled
		}
		log.Error("failed to save capture", "error", err, "dir", sess.dir)
		m.stats.Write(func(c *counters) { c.failed++ })
		m.emit(journal.Event{Kind: journal.PersistFailed, Score: score, Error: err.Error()}, span)
		return outcomePersistFailed
	}

	m.baseline.Set(img)
	now := m.clock.Now()
	m.stats.Write(func(c *counters) {
		c.saved++
		c.lastPath = path
		c.lastAt = now
		c.lastScore = score
	})

	rec := m.record(img, path, now, score)
	m.archiver.Add(rec)
	log.Info("capture saved", "path", path, "score", scoreAttr(score))
	m.emit(journal.Event{Kind: journal.Saved, Path: path, Score: score, Fingerprint: rec.Fingerprint}, span)
	return outcomeSaved
}

// persist saves img, retrying transient failures. It gives up without
// writing once the session is cancelled.
func (m *Monitor) persist(ctx context.Context, img image.Image, dir string) (string, error) {
	start := time.Now()
	defer func() { m.rec.PersistDuration(time.Since(start)) }()

	var path string
	err := resilience.Retry(ctx, m.cfg.Retry, func() error {
		p, err := m.sink.Save(ctx, img, dir)
		if err != nil {
			return err
		}
		path = p
		return nil
	})
	return path, err
}

func (m *Monitor) record(img image.Image, path string, at time.Time, score *float64) archive.Record {
	b := img.Bounds()
	rec := archive.Record{
		Name:    filepath.Base(path),
		Path:    path,
		SavedAt: at,
		Width:   b.Dx(),
		Height:  b.Dy(),
	}
	if score != nil {
		rec.Score = *score
		rec.HasScore = true
	}
	if m.cfg.Fingerprint {
		fp, err := similarity.Fingerprint(img)
		if err != nil {
			slog.Debug("fingerprint failed", "error", err)
		} else {
			rec.Fingerprint = fp
		}
	}
	return rec
}

func (m *Monitor) emit(ev journal.Event, span *trace.Span) {
	ev.Time = m.clock.Now()
	ev.TraceID = span.Ctx.TraceID
	m.emitter.Emit(ev)
}

func scoreAttr(score *float64) string {
	if score == nil {
		return "none"
	}
	return fmt.Sprintf("%.4f", *score)
}
