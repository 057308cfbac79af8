// Package integrity maintains the sticky flags that gate bar processing:
// gap detection (session-aware via an injected calendar), stale-feed
// detection, and redundant-source disagreement. A violation here is sticky
// and only clears on explicit operator action, never on restart, so the
// persisted arm-state is the system of record, not this package's memory.
package integrity

import (
	"sync"
	"time"

	"capitalkernel/internal/calendar"
	"capitalkernel/internal/core"
)

// Config configures one engine's integrity checks.
type Config struct {
	Cal            calendar.Calendar
	Timeframe      time.Duration
	StaleThreshold time.Duration
	StrictMode     bool // zero gaps permitted
}

// Verdict reports the result of checking one bar.
type Verdict struct {
	OK     bool
	Reason string
	Sticky bool // true when this verdict must persist as a disarm, not a one-off reject
}

// Engine tracks per-engine integrity state in memory; the sticky disarm
// itself is persisted by the caller via the arm-state store, not here.
type Engine struct {
	cfg Config

	mu          sync.Mutex
	lastBarEnd  time.Time
	haveLast    bool
	violated    bool
	violationReason string
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// CheckBar evaluates one bar against completeness, gap, and staleness rules.
// now is the current wall-clock time from the injected clock, used for
// staleness; it need not equal bar.EndTs.
func (e *Engine) CheckBar(bar core.Bar, now time.Time, live bool) Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.violated {
		return Verdict{OK: false, Reason: e.violationReason, Sticky: true}
	}

	if live && !bar.IsComplete {
		return e.stick("incomplete bar in live mode")
	}

	if e.haveLast && e.cfg.StrictMode {
		expected := e.cfg.Cal.NextBarBoundary(e.lastBarEnd, e.cfg.Timeframe)
		if bar.EndTs.After(expected) && e.cfg.Cal.IsSessionOpen(expected) {
			return e.stick("bar gap detected in strict mode")
		}
	}

	if e.haveLast {
		since := now.Sub(e.lastBarEnd)
		if e.cfg.StaleThreshold > 0 && since > e.cfg.StaleThreshold {
			return e.stick("stale feed: no bar within threshold")
		}
	}

	e.lastBarEnd = bar.EndTs
	e.haveLast = true
	return Verdict{OK: true}
}

// CheckDisagreement compares two redundant readings of the same instant and
// halts (sticky) if they disagree beyond tolerance.
func (e *Engine) CheckDisagreement(primary, secondary core.Bar, tolerance core.Money) Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()

	delta, err := primary.Close.Sub(secondary.Close)
	if err != nil {
		return e.stick("disagreement check overflow")
	}
	if delta.Abs().Cmp(tolerance) > 0 {
		return e.stick("feed disagreement across redundant sources")
	}
	return Verdict{OK: true}
}

// stick records a sticky violation and returns the corresponding verdict.
// Callers are responsible for persisting the IntegrityViolation disarm
// reason to the arm-state store; this method only tracks in-memory state for
// the lifetime of the process.
func (e *Engine) stick(reason string) Verdict {
	e.violated = true
	e.violationReason = reason
	return Verdict{OK: false, Reason: reason, Sticky: true}
}

// Violated reports whether this engine's integrity has been stuck by a
// prior violation.
func (e *Engine) Violated() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.violated, e.violationReason
}

// Clear is the explicit operator action that resets in-memory violation
// state. It does not touch the persisted arm-state; the caller must clear
// that separately once an operator has confirmed.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.violated = false
	e.violationReason = ""
}
