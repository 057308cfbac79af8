package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOutboxEnqueuedTotal = "capitalkernel_outbox_enqueued_total"
	MetricOutboxAckedTotal    = "capitalkernel_outbox_acked_total"
	MetricOutboxFailedTotal   = "capitalkernel_outbox_failed_total"
	MetricInboxAppliedTotal   = "capitalkernel_inbox_applied_total"
	MetricSubmitRejectedTotal = "capitalkernel_submit_rejected_total"
	MetricGatewayLatency      = "capitalkernel_gateway_submit_latency_ms"
	MetricEquity              = "capitalkernel_equity"
	MetricRealizedPnL         = "capitalkernel_pnl_realized_total"
	MetricReconcileDrift      = "capitalkernel_reconcile_drift"
	MetricArmState            = "capitalkernel_arm_state"
	MetricDeadmanAge          = "capitalkernel_deadman_age_seconds"
)

// MetricsHolder holds initialized instruments, one set per running process.
type MetricsHolder struct {
	OutboxEnqueuedTotal metric.Int64Counter
	OutboxAckedTotal    metric.Int64Counter
	OutboxFailedTotal   metric.Int64Counter
	InboxAppliedTotal   metric.Int64Counter
	SubmitRejectedTotal metric.Int64Counter
	GatewayLatency      metric.Float64Histogram
	Equity              metric.Float64ObservableGauge
	ReconcileDrift       metric.Float64ObservableGauge
	ArmState            metric.Int64ObservableGauge
	DeadmanAge           metric.Float64ObservableGauge

	mu             sync.RWMutex
	equityMap      map[string]float64
	reconcileDrift map[string]float64
	armStateMap    map[string]int64
	deadmanAgeMap  map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			equityMap:      make(map[string]float64),
			reconcileDrift: make(map[string]float64),
			armStateMap:    make(map[string]int64),
			deadmanAgeMap:  make(map[string]float64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OutboxEnqueuedTotal, err = meter.Int64Counter(MetricOutboxEnqueuedTotal, metric.WithDescription("Outbox rows created"))
	if err != nil {
		return err
	}
	m.OutboxAckedTotal, err = meter.Int64Counter(MetricOutboxAckedTotal, metric.WithDescription("Outbox rows reaching ACKED"))
	if err != nil {
		return err
	}
	m.OutboxFailedTotal, err = meter.Int64Counter(MetricOutboxFailedTotal, metric.WithDescription("Outbox rows reaching FAILED"))
	if err != nil {
		return err
	}
	m.InboxAppliedTotal, err = meter.Int64Counter(MetricInboxAppliedTotal, metric.WithDescription("Inbox rows applied to portfolio"))
	if err != nil {
		return err
	}
	m.SubmitRejectedTotal, err = meter.Int64Counter(MetricSubmitRejectedTotal, metric.WithDescription("Gateway submit rejections by reason"))
	if err != nil {
		return err
	}
	m.GatewayLatency, err = meter.Float64Histogram(MetricGatewayLatency, metric.WithDescription("Time from intent to broker ack"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.Equity, err = meter.Float64ObservableGauge(MetricEquity, metric.WithDescription("Portfolio equity per engine"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for eng, val := range m.equityMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("engine_id", eng)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.ReconcileDrift, err = meter.Float64ObservableGauge(MetricReconcileDrift, metric.WithDescription("Last reconcile position divergence percent"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for eng, val := range m.reconcileDrift {
				obs.Observe(val, metric.WithAttributes(attribute.String("engine_id", eng)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.ArmState, err = meter.Int64ObservableGauge(MetricArmState, metric.WithDescription("Arm state (1=armed, 0=disarmed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for eng, val := range m.armStateMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("engine_id", eng)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.DeadmanAge, err = meter.Float64ObservableGauge(MetricDeadmanAge, metric.WithDescription("Seconds since last heartbeat"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for eng, val := range m.deadmanAgeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("engine_id", eng)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Counter/histogram helpers, guarded against a nil instrument so domain code
// can call them unconditionally even when InitMetrics was never run (as in
// most unit tests, which construct a bare MetricsHolder or never call
// Setup).

func (m *MetricsHolder) IncOutboxEnqueued(ctx context.Context) {
	if m.OutboxEnqueuedTotal != nil {
		m.OutboxEnqueuedTotal.Add(ctx, 1)
	}
}

func (m *MetricsHolder) IncOutboxAcked(ctx context.Context) {
	if m.OutboxAckedTotal != nil {
		m.OutboxAckedTotal.Add(ctx, 1)
	}
}

func (m *MetricsHolder) IncOutboxFailed(ctx context.Context) {
	if m.OutboxFailedTotal != nil {
		m.OutboxFailedTotal.Add(ctx, 1)
	}
}

func (m *MetricsHolder) IncInboxApplied(ctx context.Context) {
	if m.InboxAppliedTotal != nil {
		m.InboxAppliedTotal.Add(ctx, 1)
	}
}

func (m *MetricsHolder) IncSubmitRejected(ctx context.Context, reason string) {
	if m.SubmitRejectedTotal != nil {
		m.SubmitRejectedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (m *MetricsHolder) ObserveGatewayLatency(ctx context.Context, ms float64) {
	if m.GatewayLatency != nil {
		m.GatewayLatency.Record(ctx, ms)
	}
}

// Helpers to update observable state.

func (m *MetricsHolder) SetEquity(engineID string, equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equityMap[engineID] = equity
}

func (m *MetricsHolder) SetReconcileDrift(engineID string, pct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconcileDrift[engineID] = pct
}

func (m *MetricsHolder) SetArmState(engineID string, armed bool) {
	val := int64(0)
	if armed {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armStateMap[engineID] = val
}

func (m *MetricsHolder) SetDeadmanAge(engineID string, seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadmanAgeMap[engineID] = seconds
}
