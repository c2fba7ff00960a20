package ridecast

import (
	"log/slog"
	"time"
)

// SweepResult describes one scheduled retention sweep.
type SweepResult struct {
	// Deleted is how many streams the sweep removed.
	Deleted int

	// Window is the retention window the sweep applied.
	Window time.Duration

	// FinishedAt is when the sweep completed.
	FinishedAt time.Time

	// Err joins the per-stream failures, if any. Deleted is still accurate
	// when Err is non-nil.
	Err error
}

// invokeCallbackSafe calls a sweep callback with panic recovery.
// Panics are logged but do not propagate.
func invokeCallbackSafe(cb func(SweepResult), result SweepResult, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("sweep callback panicked",
				"panic", r,
				"deleted", result.Deleted,
			)
		}
	}()
	cb(result)
}
