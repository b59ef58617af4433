package monitor

import "time"

// DefaultInterval is the pause between the end of one cycle and the start of the next.
const DefaultInterval = time.Second

// Cycle outcomes, used as metric labels.
const (
	outcomeSaved         = "saved"
	outcomeSkipped       = "skipped"
	outcomeCaptureFailed = "capture_failed"
	outcomeSuppressed    = "capture_suppressed"
	outcomePersistFailed = "persist_failed"
	outcomePanicked      = "panicked"
	outcomeCancelled     = "cancelled"
)
