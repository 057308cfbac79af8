package gateway

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"capitalkernel/internal/core"
	"capitalkernel/internal/errkind"
	"capitalkernel/internal/risk"
	"capitalkernel/internal/store"
)

type fakeBroker struct {
	brokerID string
	err      error
}

func (f *fakeBroker) PlaceOrder(ctx context.Context, clientOrderID string, intent core.Intent) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.brokerID, nil
}

// flakyBroker fails with BrokerTransient the first failCount calls, then
// succeeds, to exercise the gateway's retry pipeline.
type flakyBroker struct {
	brokerID  string
	failCount int
	calls     int
}

func (f *flakyBroker) PlaceOrder(ctx context.Context, clientOrderID string, intent core.Intent) (string, error) {
	f.calls++
	if f.calls <= f.failCount {
		return "", errkind.New(errkind.BrokerTransient, "venue timeout", nil)
	}
	return f.brokerID, nil
}

func newReadyRun(t *testing.T, mode core.RunMode) (store.Store, string) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "g.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	require.NoError(t, s.UpsertEngine(ctx, "MAIN", "main", 1_000_000))
	require.NoError(t, s.CreateRun(ctx, core.Run{RunID: "r1", EngineID: "MAIN", Mode: mode, Status: core.RunCreated, ConfigHash: "h", GitHash: "g", HostFingerprint: "f"}))
	now := time.Now().UTC()
	require.NoError(t, s.TransitionRun(ctx, "r1", core.RunArmed, now))
	require.NoError(t, s.TransitionRun(ctx, "r1", core.RunRunning, now))
	require.NoError(t, s.SetArmState(ctx, core.Armed, core.ReasonNone, now))
	return s, "r1"
}

func TestSubmitRejectsWhenDisarmed(t *testing.T) {
	st, runID := newReadyRun(t, core.ModePaper)
	ctx := context.Background()
	require.NoError(t, st.SetArmState(ctx, core.Disarmed, core.ReasonManualDisarm, time.Now().UTC()))

	gw := New(Deps{Store: st, Broker: &fakeBroker{brokerID: "B1"}, Clock: core.SystemClock{}})
	_, err := gw.Submit(ctx, runID, core.Intent{IntentID: "i1", Symbol: "BTCUSDT", Qty: 1_000_000})
	require.Error(t, err)
	var rej Rejected
	require.ErrorAs(t, err, &rej)
}

func TestSubmitSucceedsAndPersistsOutboxAndBrokerMap(t *testing.T) {
	st, runID := newReadyRun(t, core.ModePaper)
	ctx := context.Background()

	gw := New(Deps{Store: st, Broker: &fakeBroker{brokerID: "B1"}, Clock: core.SystemClock{}})
	ack, err := gw.Submit(ctx, runID, core.Intent{IntentID: "i1", Symbol: "BTCUSDT", Qty: 1_000_000})
	require.NoError(t, err)
	require.Equal(t, "B1", ack.BrokerOrderID)

	brokerID, err := st.BrokerIDFor(ctx, ack.ClientOrderID)
	require.NoError(t, err)
	require.Equal(t, "B1", brokerID)
}

func TestSubmitIsIdempotentOnRetry(t *testing.T) {
	st, runID := newReadyRun(t, core.ModePaper)
	ctx := context.Background()

	gw := New(Deps{Store: st, Broker: &fakeBroker{brokerID: "B1"}, Clock: core.SystemClock{}})
	intent := core.Intent{IntentID: "i1", Symbol: "BTCUSDT", Qty: 1_000_000}
	ack1, err := gw.Submit(ctx, runID, intent)
	require.NoError(t, err)

	ack2, err := gw.Submit(ctx, runID, intent)
	require.NoError(t, err)
	require.Equal(t, ack1.ClientOrderID, ack2.ClientOrderID)
	require.Equal(t, ack1.BrokerOrderID, ack2.BrokerOrderID)
}

func TestSubmitRejectsLiveWithoutFreshReconcile(t *testing.T) {
	st, runID := newReadyRun(t, core.ModeLive)
	ctx := context.Background()

	gw := New(Deps{Store: st, Broker: &fakeBroker{brokerID: "B1"}, Clock: core.SystemClock{}, FreshnessBound: time.Minute})
	_, err := gw.Submit(ctx, runID, core.Intent{IntentID: "i1", Symbol: "BTCUSDT", Qty: 1_000_000})
	require.Error(t, err)
	var rej Rejected
	require.ErrorAs(t, err, &rej)
}

func TestSubmitRejectsOnRiskVerdict(t *testing.T) {
	st, runID := newReadyRun(t, core.ModePaper)
	ctx := context.Background()

	gw := New(Deps{
		Store: st, Broker: &fakeBroker{brokerID: "B1"}, Clock: core.SystemClock{},
		Risk: risk.Limits{SymbolExposureCap: mustMoney(t, "1")},
		RiskSnapshot: func(ctx context.Context, symbol string) (risk.Snapshot, error) {
			return risk.Snapshot{IntentMarkPrice: mustMoney(t, "100")}, nil
		},
	})
	_, err := gw.Submit(ctx, runID, core.Intent{IntentID: "i1", Symbol: "BTCUSDT", Qty: 1_000_000})
	require.Error(t, err)
	var rej Rejected
	require.ErrorAs(t, err, &rej)
}

func TestSubmitFailsOutboxRowOnBrokerPermanentError(t *testing.T) {
	st, runID := newReadyRun(t, core.ModePaper)
	ctx := context.Background()
	brokerErr := errkind.New(errkind.BrokerPermanent, "venue rejected", nil)

	gw := New(Deps{Store: st, Broker: &fakeBroker{err: brokerErr}, Clock: core.SystemClock{}})
	_, err := gw.Submit(ctx, runID, core.Intent{IntentID: "i1", Symbol: "BTCUSDT", Qty: 1_000_000})
	require.Error(t, err)

	entry, err := st.GetOutbox(ctx, core.ClientOrderID("", "i1", runID))
	require.NoError(t, err)
	require.Equal(t, core.OutboxFailed, entry.Status)
}

func TestSubmitRetriesBrokerTransientThenSucceeds(t *testing.T) {
	st, runID := newReadyRun(t, core.ModePaper)
	ctx := context.Background()
	broker := &flakyBroker{brokerID: "B1", failCount: 2}

	gw := New(Deps{Store: st, Broker: broker, Clock: core.SystemClock{}})
	ack, err := gw.Submit(ctx, runID, core.Intent{IntentID: "i1", Symbol: "BTCUSDT", Qty: 1_000_000})
	require.NoError(t, err)
	require.Equal(t, "B1", ack.BrokerOrderID)
	require.Equal(t, 3, broker.calls)
}

func TestSubmitGivesUpAfterMaxRetriesOnPersistentTransientError(t *testing.T) {
	st, runID := newReadyRun(t, core.ModePaper)
	ctx := context.Background()
	broker := &flakyBroker{brokerID: "B1", failCount: 100}

	gw := New(Deps{Store: st, Broker: broker, Clock: core.SystemClock{}})
	_, err := gw.Submit(ctx, runID, core.Intent{IntentID: "i1", Symbol: "BTCUSDT", Qty: 1_000_000})
	require.Error(t, err)
	require.Equal(t, errkind.BrokerTransient, errkind.KindOf(err))

	entry, err := st.GetOutbox(ctx, core.ClientOrderID("", "i1", runID))
	require.NoError(t, err)
	require.Equal(t, core.OutboxPending, entry.Status)
}

func TestSubmitRespectsRateLimiterBurst(t *testing.T) {
	st, runID := newReadyRun(t, core.ModePaper)
	ctx := context.Background()
	broker := &fakeBroker{brokerID: "B1"}

	limiter := rate.NewLimiter(rate.Limit(1000), 1) // burst of 1: second call must wait briefly
	gw := New(Deps{Store: st, Broker: broker, Clock: core.SystemClock{}, RateLimiter: limiter})

	_, err := gw.Submit(ctx, runID, core.Intent{IntentID: "i1", Symbol: "BTCUSDT", Qty: 1_000_000})
	require.NoError(t, err)

	_, err = gw.Submit(ctx, runID, core.Intent{IntentID: "i2", Symbol: "BTCUSDT", Qty: 1_000_000})
	require.NoError(t, err) // waited out its reservation instead of being rejected
}

func TestSubmitRateLimiterContextCancelYieldsBrokerTransient(t *testing.T) {
	st, runID := newReadyRun(t, core.ModePaper)
	broker := &fakeBroker{brokerID: "B1"}

	// burst of 1, consumed by the first call; the second has nothing left
	// and must wait about 10s, longer than its context deadline, so the
	// limiter's Wait fails with an error rather than the broker ever being
	// called. The deadline leaves the store reads before the wait unaffected.
	limiter := rate.NewLimiter(rate.Limit(1)/10, 1)
	gw := New(Deps{Store: st, Broker: broker, Clock: core.SystemClock{}, RateLimiter: limiter})

	ctx := context.Background()
	_, err := gw.Submit(ctx, runID, core.Intent{IntentID: "i1", Symbol: "BTCUSDT", Qty: 1_000_000})
	require.NoError(t, err)

	cancelCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = gw.Submit(cancelCtx, runID, core.Intent{IntentID: "i2", Symbol: "BTCUSDT", Qty: 1_000_000})
	require.Error(t, err)
	require.Equal(t, errkind.BrokerTransient, errkind.KindOf(err))
}

func TestSubmitTripsRejectStormIntoStickyDisarm(t *testing.T) {
	st, runID := newReadyRun(t, core.ModePaper)
	ctx := context.Background()

	gw := New(Deps{
		Store: st, Broker: &fakeBroker{brokerID: "B1"}, Clock: core.SystemClock{},
		EngineID: "MAIN",
		Risk:     risk.Limits{SymbolExposureCap: mustMoney(t, "1")},
		RiskSnapshot: func(ctx context.Context, symbol string) (risk.Snapshot, error) {
			return risk.Snapshot{IntentMarkPrice: mustMoney(t, "100")}, nil
		},
		RejectStorm: risk.NewRejectStorm(time.Minute, 2),
	})

	intent := core.Intent{IntentID: "i1", Symbol: "BTCUSDT", Qty: 1_000_000}
	for i := 0; i < 2; i++ {
		_, err := gw.Submit(ctx, runID, intent)
		require.Error(t, err)
		var rej Rejected
		require.ErrorAs(t, err, &rej)
	}

	// the third rejection trips the threshold (> 2) and escalates.
	_, err := gw.Submit(ctx, runID, intent)
	require.Error(t, err)
	require.Equal(t, errkind.DataIntegrity, errkind.KindOf(err))

	arm, err := st.GetArmState(ctx)
	require.NoError(t, err)
	require.Equal(t, core.Disarmed, arm.State)
	require.Equal(t, core.ReasonIntegrityViolation, arm.Reason)
}

func mustMoney(t *testing.T, s string) core.Money {
	t.Helper()
	m, err := core.ParseMoney(s)
	require.NoError(t, err)
	return m
}
