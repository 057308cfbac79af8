package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func TestGuardedIncrementHelpersNoopWithoutInit(t *testing.T) {
	m := &MetricsHolder{}
	ctx := context.Background()

	require.NotPanics(t, func() {
		m.IncOutboxEnqueued(ctx)
		m.IncOutboxAcked(ctx)
		m.IncOutboxFailed(ctx)
		m.IncInboxApplied(ctx)
		m.IncSubmitRejected(ctx, "some-reason")
		m.ObserveGatewayLatency(ctx, 12.5)
	})
}

func TestGuardedIncrementHelpersRecordAfterInit(t *testing.T) {
	m := &MetricsHolder{equityMap: make(map[string]float64), reconcileDrift: make(map[string]float64), armStateMap: make(map[string]int64), deadmanAgeMap: make(map[string]float64)}
	provider := sdkmetric.NewMeterProvider()
	meter := provider.Meter("test")
	require.NoError(t, m.InitMetrics(meter))

	ctx := context.Background()
	require.NotPanics(t, func() {
		m.IncOutboxEnqueued(ctx)
		m.IncOutboxAcked(ctx)
		m.IncOutboxFailed(ctx)
		m.IncInboxApplied(ctx)
		m.IncSubmitRejected(ctx, "reject_storm")
		m.ObserveGatewayLatency(ctx, 42.0)
	})
}
