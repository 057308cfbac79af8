// Package reconcile compares a broker snapshot against internal state and
// produces the checkpoint that is the only trustable proof of a clean
// system: the gateway refuses LIVE submission without a recent CLEAN
// checkpoint.
package reconcile

import (
	"context"
	"time"

	"capitalkernel/internal/armstate"
	"capitalkernel/internal/core"
	"capitalkernel/internal/errkind"
	"capitalkernel/internal/portfolio"
	"capitalkernel/internal/store"
)

// missingProtectiveStopDetail is the Finding.Detail produced for an open
// position the broker reports with no resting protective stop; Enforce
// matches on it to know which findings are eligible for repair/flatten.
const missingProtectiveStopDetail = "open position has no resting protective stop at broker"

// Severity classifies one diff finding.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityCritical Severity = "CRITICAL"
)

// BrokerOrder is one order as reported in a broker snapshot.
type BrokerOrder struct {
	ClientOrderID string
	Status        string
}

// BrokerPosition is one position as reported in a broker snapshot.
type BrokerPosition struct {
	Symbol string
	Qty    int64 // micros
	HasProtectiveStop bool
}

// Snapshot is the normalized broker state reconcile compares against
// internal records.
type Snapshot struct {
	CapturedAt time.Time
	Account    string
	Orders     []BrokerOrder
	Fills      []string // broker fill IDs observed
	Positions  []BrokerPosition
}

// Finding is one diff result between broker and internal state.
type Finding struct {
	Severity Severity
	Subject  string // e.g. "BTCUSDT" or a client_order_id
	Detail   string
}

// Result is the full outcome of one reconcile pass.
type Result struct {
	Findings []Finding
	Verdict  core.ReconcileVerdict
}

// worstSeverity is INFO < WARN < CRITICAL.
func worstSeverity(findings []Finding) Severity {
	worst := SeverityInfo
	for _, f := range findings {
		if f.Severity == SeverityCritical {
			return SeverityCritical
		}
		if f.Severity == SeverityWarn {
			worst = SeverityWarn
		}
	}
	return worst
}

// Run performs one reconcile pass: normalize (implicit in Snapshot's shape),
// diff broker orders/positions against the local portfolio scoped by the
// engine's client_order_id prefix, classify, and write a checkpoint. It
// rejects non-monotonic snapshots at the store layer (WriteReconcileCheckpoint
// enforces strictly increasing watermark).
func Run(ctx context.Context, st store.Store, runID, enginePrefix string, snap Snapshot, local *portfolio.Portfolio, now time.Time) (Result, error) {
	var findings []Finding

	for _, pos := range snap.Positions {
		localQty := local.NetQty(pos.Symbol)
		if localQty != pos.Qty {
			findings = append(findings, Finding{
				Severity: SeverityCritical,
				Subject:  pos.Symbol,
				Detail:   "position size diverges between broker and internal portfolio",
			})
		}
		if pos.Qty != 0 && !pos.HasProtectiveStop {
			findings = append(findings, Finding{
				Severity: SeverityCritical,
				Subject:  pos.Symbol,
				Detail:   missingProtectiveStopDetail,
			})
		}
	}

	for _, order := range snap.Orders {
		if len(order.ClientOrderID) < len(enginePrefix) || order.ClientOrderID[:len(enginePrefix)] != enginePrefix {
			continue // not ours; another engine's order, out of scope
		}
		if order.Status == "REJECTED" {
			findings = append(findings, Finding{Severity: SeverityWarn, Subject: order.ClientOrderID, Detail: "broker reports rejected order not yet reflected internally"})
		}
	}

	verdict := core.VerdictClean
	if worstSeverity(findings) != SeverityInfo {
		verdict = core.VerdictDirty
	}

	resultHash := core.DeterministicHash(runID, snap.CapturedAt.Format(time.RFC3339Nano), string(verdict))
	checkpoint := core.ReconcileCheckpoint{
		RunID:             runID,
		Verdict:           verdict,
		SnapshotWatermark: snap.CapturedAt,
		ResultHash:        resultHash,
		CreatedAt:         now,
	}
	if err := st.WriteReconcileCheckpoint(ctx, checkpoint); err != nil {
		return Result{}, err
	}

	if verdict == core.VerdictDirty {
		return Result{Findings: findings, Verdict: verdict}, errkind.New(errkind.ReconcileDirty, "reconcile found CRITICAL or WARN divergence", nil)
	}
	return Result{Findings: findings, Verdict: verdict}, nil
}

// OrderPlacer is the narrow broker capability Enforce needs to repair or
// flatten a position that failed reconciliation. It is declared
// independently of gateway.BrokerAdapter (same shape) rather than imported,
// since gateway already depends on this package for FreshCheckpoint.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, clientOrderID string, intent core.Intent) (string, error)
}

// Enforce runs Run and, on a DIRTY verdict, attempts the protective-stop
// invariant's repair-then-flatten fallback for every missing-protective-stop
// finding, then persists ReasonReconcileDrift to arm-state unconditionally
// so the run stays disarmed across restart regardless of whether repair or
// flatten succeeded. Run's own checkpoint write and ReconcileDirty error are
// preserved; Enforce only adds the side effects a bare Run call never had.
func Enforce(ctx context.Context, st store.Store, runID, enginePrefix string, snap Snapshot, local *portfolio.Portfolio, broker OrderPlacer, now time.Time) (Result, error) {
	result, runErr := Run(ctx, st, runID, enginePrefix, snap, local, now)
	if runErr == nil {
		return result, nil
	}
	if errkind.KindOf(runErr) != errkind.ReconcileDirty {
		return result, runErr
	}

	for _, f := range result.Findings {
		if f.Severity == SeverityCritical && f.Detail == missingProtectiveStopDetail {
			_ = protectOrFlatten(ctx, broker, runID, f.Subject, local, now)
		}
	}

	if err := armstate.DisarmForReconcileDrift(ctx, st, now); err != nil {
		return result, err
	}
	return result, runErr
}

// protectOrFlatten first attempts to re-place a protective stop for symbol's
// current net quantity; if the broker refuses or is unreachable, it falls
// back to flattening the position with an opposite-side market order.
// Client order ids are derived deterministically from runID/symbol/now so a
// retried Enforce call against the same finding replays idempotently at the
// broker rather than placing a second order.
func protectOrFlatten(ctx context.Context, broker OrderPlacer, runID, symbol string, local *portfolio.Portfolio, now time.Time) error {
	net := local.NetQty(symbol)
	if net == 0 {
		return nil
	}
	qty := net
	exitSide := core.SideSell // a long position exits (stop or flatten) by selling
	if net < 0 {
		qty = -net
		exitSide = core.SideBuy
	}

	repairID := core.DeterministicHash(runID, symbol, "protective-stop-repair", now.Format(time.RFC3339Nano))
	if _, err := broker.PlaceOrder(ctx, repairID, core.Intent{
		IntentID: repairID, RunID: runID, Symbol: symbol, Side: exitSide, Qty: qty, OrderType: core.OrderStop,
	}); err == nil {
		return nil
	}

	flattenID := core.DeterministicHash(runID, symbol, "protective-flatten", now.Format(time.RFC3339Nano))
	_, err := broker.PlaceOrder(ctx, flattenID, core.Intent{
		IntentID: flattenID, RunID: runID, Symbol: symbol, Side: exitSide, Qty: qty, OrderType: core.OrderMarket,
	})
	return err
}

// FreshCheckpoint reports whether the latest checkpoint is CLEAN and within
// freshnessBound of now, the only condition under which the gateway may
// treat reconcile as passing.
func FreshCheckpoint(ctx context.Context, st store.Store, runID string, freshnessBound time.Duration, now time.Time) (bool, error) {
	cp, found, err := st.LatestReconcileCheckpoint(ctx, runID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if cp.Verdict != core.VerdictClean {
		return false, nil
	}
	return !cp.SnapshotWatermark.Before(now.Add(-freshnessBound)), nil
}
