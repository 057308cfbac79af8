// Package risk implements the hard limit checks the gateway consults before
// any broker submission. Every function here is pure: given the same
// portfolio snapshot, intent, limits, and marks it always returns the same
// verdict, and it never trusts a verdict supplied by the caller.
package risk

import (
	"time"

	"capitalkernel/internal/core"
)

// Limits is the configured set of hard caps a single engine must respect.
type Limits struct {
	DailyLossLimit        core.Money
	MaxDrawdown           float64 // fraction, e.g. 0.1 == 10%
	SymbolExposureCap     core.Money
	AggregateExposureCap  core.Money
	RejectStormThreshold  int
	RejectStormWindow     time.Duration
	PDTProtected          bool
}

// Snapshot is the portfolio/market state the risk engine evaluates an intent
// against. It is assembled by the caller from the portfolio package and
// market marks; the risk engine never reaches into storage itself.
type Snapshot struct {
	RealizedPnLToday core.Money
	UnrealizedPnL    core.Money
	EquityPeak       core.Money
	EquityNow        core.Money
	SymbolExposure   map[string]core.Money // |position_i * mark_i| per symbol, pre-intent
	AggregateExposure core.Money
	IntentMarkPrice  core.Money
	RoundTripTradesIn5Days int
}

// Verdict is the outcome of evaluating one intent.
type Verdict struct {
	Allow  bool
	Reason string
	Halt   bool // true when the breach is severe enough to halt rather than merely reject
}

func reject(reason string) Verdict { return Verdict{Allow: false, Reason: reason} }
func halt(reason string) Verdict   { return Verdict{Allow: false, Reason: reason, Halt: true} }
func allow() Verdict               { return Verdict{Allow: true} }

// Evaluate applies every hard limit in turn and returns the first verdict
// that would block the intent, or an allow verdict if none trips.
func Evaluate(limits Limits, snap Snapshot, intent core.Intent) Verdict {
	dailyPnL, err := snap.RealizedPnLToday.Add(snap.UnrealizedPnL)
	if err != nil {
		return halt("daily pnl overflow")
	}
	if limits.DailyLossLimit > 0 {
		if dailyPnL.Cmp(limits.DailyLossLimit.Neg()) < 0 {
			return halt("daily loss limit breached")
		}
	}

	if limits.MaxDrawdown > 0 && !snap.EquityPeak.IsZero() {
		peak := snap.EquityPeak.Decimal()
		now := snap.EquityNow.Decimal()
		drawdown := peak.Sub(now).Div(peak)
		dd, _ := drawdown.Float64()
		if dd > limits.MaxDrawdown {
			return halt("drawdown limit breached")
		}
	}

	if limits.SymbolExposureCap > 0 {
		existing := snap.SymbolExposure[intent.Symbol]
		projected, err := existing.Add(projectedExposure(intent, snap.IntentMarkPrice))
		if err != nil {
			return halt("symbol exposure overflow")
		}
		if projected.Cmp(limits.SymbolExposureCap) > 0 {
			return reject("symbol exposure cap breached")
		}
	}

	if limits.AggregateExposureCap > 0 {
		projected, err := snap.AggregateExposure.Add(projectedExposure(intent, snap.IntentMarkPrice))
		if err != nil {
			return halt("aggregate exposure overflow")
		}
		if projected.Cmp(limits.AggregateExposureCap) > 0 {
			return reject("aggregate exposure cap breached")
		}
	}

	if limits.PDTProtected && snap.RoundTripTradesIn5Days > 3 {
		return reject("pattern day trader limit breached")
	}

	return allow()
}

// projectedExposure is |qty * mark|, the notional a single intent adds to a
// symbol's exposure if filled in full.
func projectedExposure(intent core.Intent, mark core.Money) core.Money {
	notional, err := mark.MulQty(intent.Qty)
	if err != nil {
		// overflow surfaces as a very large exposure, tripping the cap
		// rather than silently under-counting.
		return core.Money(1<<62 - 1)
	}
	return notional.Abs()
}

// RejectStorm tracks rejection counts in a rolling window per engine and
// reports whether the configured threshold has been exceeded, which the
// caller must turn into a sticky IntegrityViolation disarm rather than a
// plain rejection.
type RejectStorm struct {
	window     time.Duration
	threshold  int
	timestamps map[string][]time.Time
}

func NewRejectStorm(window time.Duration, threshold int) *RejectStorm {
	return &RejectStorm{window: window, threshold: threshold, timestamps: make(map[string][]time.Time)}
}

// Record registers a rejection for engineID at now and reports whether the
// rolling count within the window exceeds the configured threshold.
func (r *RejectStorm) Record(engineID string, now time.Time) bool {
	cutoff := now.Add(-r.window)
	kept := r.timestamps[engineID][:0]
	for _, ts := range r.timestamps[engineID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	r.timestamps[engineID] = kept
	return len(kept) > r.threshold
}
