// Package quota implements the rolling busy-time window kept per subject.
//
// The functions in this file are pure: they take a window and the current
// time and return the next window. Service applies them against a store.
package quota

import (
	"time"

	"github.com/mistakeknot/engage/internal/core"
)

// Fresh returns a new, empty, enabled window starting at now.
func Fresh(subject string, now time.Time) core.QuotaWindow {
	return core.QuotaWindow{
		Subject:     subject,
		WindowStart: now,
		Enabled:     true,
	}
}

// Refresh resets a window that is at least core.Window old. A pending
// cooldown survives the reset. The bool reports whether w changed.
func Refresh(w core.QuotaWindow, now time.Time) (core.QuotaWindow, bool) {
	if now.Sub(w.WindowStart) < core.Window {
		return w, false
	}
	w.WindowStart = now
	w.CumulativeBusyMs = 0
	if w.ReenableAt != nil && now.Before(*w.ReenableAt) {
		w.Enabled = false
	} else {
		w.Enabled = true
		w.ReenableAt = nil
	}
	return w, true
}

// Remaining is the busy time still grantable in the window, never negative.
func Remaining(w core.QuotaWindow) int64 {
	return max(0, core.MaxBusyMs-w.CumulativeBusyMs)
}

// Block disables the window and starts the cooldown at now.
func Block(w core.QuotaWindow, now time.Time) core.QuotaWindow {
	at := now.Add(core.BlockDuration)
	w.Enabled = false
	w.ReenableAt = &at
	return w
}

// Charge adds ms to the window, clamps the total and blocks the window once
// the quota is used up.
func Charge(w core.QuotaWindow, ms int64, now time.Time) core.QuotaWindow {
	w.CumulativeBusyMs = clamp(w.CumulativeBusyMs + ms)
	if w.CumulativeBusyMs >= core.MaxBusyMs {
		w = Block(w, now)
	}
	return w
}

// Recompute replaces the window total with the sum of the intervals'
// effective durations and re-applies the enable rule. An existing cooldown
// is never pushed further out.
func Recompute(w core.QuotaWindow, intervals []core.Allocation, now time.Time) core.QuotaWindow {
	var total int64
	for _, a := range intervals {
		total += a.EffectiveMs()
	}
	w.CumulativeBusyMs = clamp(total)
	switch {
	case w.CumulativeBusyMs >= core.MaxBusyMs:
		w.Enabled = false
		if w.ReenableAt == nil {
			at := now.Add(core.BlockDuration)
			w.ReenableAt = &at
		}
	case w.ReenableAt != nil && !now.Before(*w.ReenableAt):
		w.Enabled = true
		w.ReenableAt = nil
	}
	return w
}

// Enable re-opens the window unless the cooldown is still running.
func Enable(w core.QuotaWindow, now time.Time) (core.QuotaWindow, error) {
	if w.ReenableAt != nil && now.Before(*w.ReenableAt) {
		return w, &core.CooldownError{Kind: core.ErrTooEarly, Subject: w.Subject, ReenableAt: w.ReenableAt}
	}
	w.Enabled = true
	w.ReenableAt = nil
	return w, nil
}

func clamp(ms int64) int64 {
	return min(max(ms, 0), core.MaxBusyMs)
}

func sameWindow(a, b core.QuotaWindow) bool {
	if !a.WindowStart.Equal(b.WindowStart) || a.CumulativeBusyMs != b.CumulativeBusyMs || a.Enabled != b.Enabled {
		return false
	}
	if (a.ReenableAt == nil) != (b.ReenableAt == nil) {
		return false
	}
	return a.ReenableAt == nil || a.ReenableAt.Equal(*b.ReenableAt)
}
