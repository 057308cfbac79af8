package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"capitalkernel/internal/core"
)

func money(t *testing.T, s string) core.Money {
	t.Helper()
	m, err := core.ParseMoney(s)
	require.NoError(t, err)
	return m
}

func TestEvaluateAllowsWithinLimits(t *testing.T) {
	limits := Limits{DailyLossLimit: money(t, "1000"), MaxDrawdown: 0.2, SymbolExposureCap: money(t, "50000"), AggregateExposureCap: money(t, "100000")}
	snap := Snapshot{
		RealizedPnLToday: money(t, "10"),
		UnrealizedPnL:    money(t, "-5"),
		EquityPeak:       money(t, "10000"),
		EquityNow:        money(t, "9900"),
		SymbolExposure:   map[string]core.Money{"BTCUSDT": money(t, "1000")},
		IntentMarkPrice:  money(t, "50"),
	}
	intent := core.Intent{Symbol: "BTCUSDT", Side: core.SideBuy, Qty: 10_000_000}

	v := Evaluate(limits, snap, intent)
	require.True(t, v.Allow)
}

func TestEvaluateHaltsOnDailyLossBreach(t *testing.T) {
	limits := Limits{DailyLossLimit: money(t, "100")}
	snap := Snapshot{RealizedPnLToday: money(t, "-50"), UnrealizedPnL: money(t, "-60")}
	v := Evaluate(limits, snap, core.Intent{Symbol: "BTCUSDT", Qty: 1_000_000})
	require.False(t, v.Allow)
	require.True(t, v.Halt)
}

func TestEvaluateHaltsOnDrawdownBreach(t *testing.T) {
	limits := Limits{MaxDrawdown: 0.1}
	snap := Snapshot{EquityPeak: money(t, "10000"), EquityNow: money(t, "8000")}
	v := Evaluate(limits, snap, core.Intent{Symbol: "BTCUSDT", Qty: 1_000_000})
	require.False(t, v.Allow)
	require.True(t, v.Halt)
}

func TestEvaluateRejectsSymbolExposureCap(t *testing.T) {
	limits := Limits{SymbolExposureCap: money(t, "100")}
	snap := Snapshot{SymbolExposure: map[string]core.Money{"BTCUSDT": money(t, "90")}, IntentMarkPrice: money(t, "1")}
	v := Evaluate(limits, snap, core.Intent{Symbol: "BTCUSDT", Qty: 20_000_000})
	require.False(t, v.Allow)
	require.False(t, v.Halt)
	require.Contains(t, v.Reason, "exposure")
}

func TestEvaluateRejectsPDTBreach(t *testing.T) {
	limits := Limits{PDTProtected: true}
	snap := Snapshot{RoundTripTradesIn5Days: 4}
	v := Evaluate(limits, snap, core.Intent{Symbol: "BTCUSDT", Qty: 1_000_000})
	require.False(t, v.Allow)
	require.Contains(t, v.Reason, "pattern day trader")
}

func TestRejectStormTripsAfterThreshold(t *testing.T) {
	rs := NewRejectStorm(time.Minute, 3)
	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	require.False(t, rs.Record("MAIN", base))
	require.False(t, rs.Record("MAIN", base.Add(5*time.Second)))
	require.False(t, rs.Record("MAIN", base.Add(10*time.Second)))
	require.True(t, rs.Record("MAIN", base.Add(15*time.Second)))
}

func TestRejectStormWindowExpires(t *testing.T) {
	rs := NewRejectStorm(time.Minute, 1)
	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	require.False(t, rs.Record("MAIN", base))
	require.False(t, rs.Record("MAIN", base.Add(2*time.Minute)))
}
