package archive

import (
	"context"
	"sync"
	"time"

	"github.com/GriffinCanCode/deltashot/internal/trace"
)

// Batcher defaults
const (
	DefaultBatcherMaxSize    = 20
	DefaultBatcherFlushDelay = 2 * time.Second
)

// Batcher accumulates index records and writes them in batches. Batches are
// written one at a time, in the order their records were added.
type Batcher struct {
	index      Index
	maxSize    int
	flushDelay time.Duration

	mu      sync.Mutex // held across index writes
	pending []Record
	timer   *time.Timer
	stopped bool
}

// NewBatcher creates a record batcher in front of index.
func NewBatcher(index Index, maxSize int, flushDelay time.Duration) *Batcher {
	if maxSize <= 0 {
		maxSize = DefaultBatcherMaxSize
	}
	if flushDelay <= 0 {
		flushDelay = DefaultBatcherFlushDelay
	}
	return &Batcher{index: index, maxSize: maxSize, flushDelay: flushDelay}
}

// Add queues rec. A full batch is written before Add returns; a partial one
// is written flushDelay after its first record. After Stop every record is
// written immediately.
func (b *Batcher) Add(rec Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = append(b.pending, rec)
	switch {
	case b.stopped || len(b.pending) >= b.maxSize:
		b.writeLocked()
	case b.timer == nil:
		b.timer = time.AfterFunc(b.flushDelay, b.Flush)
	}
}

// Flush writes any pending records.
func (b *Batcher) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeLocked()
}

// Stop writes the remainder; later Adds bypass batching.
func (b *Batcher) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	b.writeLocked()
}

func (b *Batcher) writeLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 {
		return
	}
	batch := b.pending
	b.pending = nil

	ctx, span := trace.StartSpan(context.Background(), "index_batch_write")
	defer span.End()
	span.SetAttr("count", len(batch))

	log := trace.Logger(ctx)
	if err := b.index.Put(batch...); err != nil {
		span.SetAttr("error", err.Error())
		log.Warn("index batch write failed", "error", err, "count", len(batch))
		return
	}
	log.Debug("index batch written", "count", len(batch))
}
