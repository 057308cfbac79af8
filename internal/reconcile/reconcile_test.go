package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"capitalkernel/internal/core"
	"capitalkernel/internal/portfolio"
	"capitalkernel/internal/store"
)

func newStoreWithRun(t *testing.T) (store.Store, string) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "r.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	require.NoError(t, s.UpsertEngine(ctx, "MAIN", "main", 1_000_000))
	require.NoError(t, s.CreateRun(ctx, core.Run{RunID: "r1", EngineID: "MAIN", Mode: core.ModePaper, Status: core.RunCreated, ConfigHash: "h", GitHash: "g", HostFingerprint: "f"}))
	return s, "r1"
}

func TestRunCleanWhenPositionsMatch(t *testing.T) {
	st, runID := newStoreWithRun(t)
	ctx := context.Background()
	p := portfolio.New(core.ZeroMoney)
	require.NoError(t, p.ApplyFill(core.Fill{Symbol: "BTCUSDT", Side: core.SideBuy, Qty: 1_000_000, Price: core.Money(50_000_000_000)}))

	snap := Snapshot{
		CapturedAt: time.Now().UTC(),
		Positions:  []BrokerPosition{{Symbol: "BTCUSDT", Qty: 1_000_000, HasProtectiveStop: true}},
	}

	res, err := Run(ctx, st, runID, "MAIN-", snap, p, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, core.VerdictClean, res.Verdict)
}

func TestRunCriticalWhenPositionDiverges(t *testing.T) {
	st, runID := newStoreWithRun(t)
	ctx := context.Background()
	p := portfolio.New(core.ZeroMoney)
	require.NoError(t, p.ApplyFill(core.Fill{Symbol: "BTCUSDT", Side: core.SideBuy, Qty: 1_000_000, Price: core.Money(50_000_000_000)}))

	snap := Snapshot{
		CapturedAt: time.Now().UTC(),
		Positions:  []BrokerPosition{{Symbol: "BTCUSDT", Qty: 2_000_000, HasProtectiveStop: true}},
	}

	res, err := Run(ctx, st, runID, "MAIN-", snap, p, time.Now().UTC())
	require.Error(t, err)
	require.Equal(t, core.VerdictDirty, res.Verdict)
	require.Len(t, res.Findings, 1)
	require.Equal(t, SeverityCritical, res.Findings[0].Severity)
}

func TestRunCriticalWhenNoProtectiveStop(t *testing.T) {
	st, runID := newStoreWithRun(t)
	ctx := context.Background()
	p := portfolio.New(core.ZeroMoney)
	require.NoError(t, p.ApplyFill(core.Fill{Symbol: "ETHUSDT", Side: core.SideBuy, Qty: 1_000_000, Price: core.Money(3_000_000_000)}))

	snap := Snapshot{
		CapturedAt: time.Now().UTC(),
		Positions:  []BrokerPosition{{Symbol: "ETHUSDT", Qty: 1_000_000, HasProtectiveStop: false}},
	}

	res, err := Run(ctx, st, runID, "MAIN-", snap, p, time.Now().UTC())
	require.Error(t, err)
	require.Equal(t, core.VerdictDirty, res.Verdict)
}

// fakePlacer records every PlaceOrder call and fails the first N before
// succeeding, letting tests force Enforce's repair attempt to fail so the
// flatten fallback is exercised.
type fakePlacer struct {
	failFirstN int
	calls      []core.Intent
}

func (f *fakePlacer) PlaceOrder(ctx context.Context, clientOrderID string, intent core.Intent) (string, error) {
	f.calls = append(f.calls, intent)
	if len(f.calls) <= f.failFirstN {
		return "", errors.New("broker refused")
	}
	return "B-" + clientOrderID, nil
}

func TestEnforceRepairsProtectiveStopAndPersistsDrift(t *testing.T) {
	st, runID := newStoreWithRun(t)
	ctx := context.Background()
	p := portfolio.New(core.ZeroMoney)
	require.NoError(t, p.ApplyFill(core.Fill{Symbol: "ETHUSDT", Side: core.SideBuy, Qty: 1_000_000, Price: core.Money(3_000_000_000)}))

	snap := Snapshot{
		CapturedAt: time.Now().UTC(),
		Positions:  []BrokerPosition{{Symbol: "ETHUSDT", Qty: 1_000_000, HasProtectiveStop: false}},
	}

	placer := &fakePlacer{}
	now := time.Now().UTC()
	res, err := Enforce(ctx, st, runID, "MAIN-", snap, p, placer, now)
	require.Error(t, err)
	require.Equal(t, core.VerdictDirty, res.Verdict)

	require.Len(t, placer.calls, 1)
	require.Equal(t, core.OrderStop, placer.calls[0].OrderType)
	require.Equal(t, core.SideSell, placer.calls[0].Side)

	arm, err := st.GetArmState(ctx)
	require.NoError(t, err)
	require.Equal(t, core.Disarmed, arm.State)
	require.Equal(t, core.ReasonReconcileDrift, arm.Reason)
}

func TestEnforceFallsBackToFlattenWhenRepairFails(t *testing.T) {
	st, runID := newStoreWithRun(t)
	ctx := context.Background()
	p := portfolio.New(core.ZeroMoney)
	require.NoError(t, p.ApplyFill(core.Fill{Symbol: "ETHUSDT", Side: core.SideSell, Qty: 1_000_000, Price: core.Money(3_000_000_000)}))

	snap := Snapshot{
		CapturedAt: time.Now().UTC(),
		Positions:  []BrokerPosition{{Symbol: "ETHUSDT", Qty: -1_000_000, HasProtectiveStop: false}},
	}

	placer := &fakePlacer{failFirstN: 1}
	now := time.Now().UTC()
	_, err := Enforce(ctx, st, runID, "MAIN-", snap, p, placer, now)
	require.Error(t, err)

	require.Len(t, placer.calls, 2)
	require.Equal(t, core.OrderStop, placer.calls[0].OrderType)
	require.Equal(t, core.OrderMarket, placer.calls[1].OrderType)
	require.Equal(t, core.SideBuy, placer.calls[1].Side) // short position flattens by buying

	arm, err := st.GetArmState(ctx)
	require.NoError(t, err)
	require.Equal(t, core.ReasonReconcileDrift, arm.Reason)
}

func TestFreshCheckpointFalseWhenNone(t *testing.T) {
	st, runID := newStoreWithRun(t)
	ctx := context.Background()
	fresh, err := FreshCheckpoint(ctx, st, runID, time.Minute, time.Now().UTC())
	require.NoError(t, err)
	require.False(t, fresh)
}

func TestFreshCheckpointTrueAfterCleanRun(t *testing.T) {
	st, runID := newStoreWithRun(t)
	ctx := context.Background()
	p := portfolio.New(core.ZeroMoney)
	now := time.Now().UTC()
	snap := Snapshot{CapturedAt: now}
	_, err := Run(ctx, st, runID, "MAIN-", snap, p, now)
	require.NoError(t, err)

	fresh, err := FreshCheckpoint(ctx, st, runID, time.Minute, now)
	require.NoError(t, err)
	require.True(t, fresh)
}
