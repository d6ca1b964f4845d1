package core

import "time"

// Quota policy. These are fixed policy values, not derived from each other.
const (
	MaxBusy       = 8 * time.Hour
	Window        = 24 * time.Hour
	BlockDuration = 15 * time.Hour

	MaxBusyMs       = int64(MaxBusy / time.Millisecond)
	WindowMs        = int64(Window / time.Millisecond)
	BlockDurationMs = int64(BlockDuration / time.Millisecond)
)

// Warnings attached to results when a downstream step failed without
// failing the primary transition.
const (
	WarnPropagationDropped = "propagation_dropped"
	WarnHistoryFailed      = "history_failed"
)
