// Package orchestrator drives one run, bar by bar: advance integrity,
// invoke the strategy, forward emitted intents through the gateway, poll
// the broker for inbound fills, dedupe and apply them to the portfolio,
// and emit audit events for every step. It is the only thing a process that
// embeds the kernel needs to wire PAPER and LIVE trading (the CLI itself
// drives no bar loop), sharing the gateway and broker-adapter shape the
// backtest uses in replay.
package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"capitalkernel/internal/armstate"
	"capitalkernel/internal/audit"
	"capitalkernel/internal/backtest"
	"capitalkernel/internal/core"
	"capitalkernel/internal/errkind"
	"capitalkernel/internal/gateway"
	"capitalkernel/internal/integrity"
	"capitalkernel/internal/portfolio"
	"capitalkernel/internal/store"
	"capitalkernel/pkg/concurrency"
	"capitalkernel/pkg/telemetry"
)

// BrokerEventSource is polled once per bar for fills the broker has reported
// since the last poll. Implementations must be safe to call repeatedly;
// dedup is the orchestrator's job, via the inbox.
type BrokerEventSource interface {
	PollFills(ctx context.Context) ([]core.Fill, error)
}

// Deps bundles everything one orchestrator needs to drive a run.
type Deps struct {
	Store        store.Store
	RunID        string
	EngineID     string
	EnginePrefix string
	Integrity    *integrity.Engine
	Gateway      *gateway.Gateway
	Broker       BrokerEventSource
	Portfolio    *portfolio.Portfolio
	Audit        *audit.Writer
	Clock        core.Clock
	// Dispatch bounds how many of one bar's target positions are
	// submitted to the gateway concurrently. Distinct symbols have no
	// ordering dependency between them, so fanning them out lets the
	// bar-budget be spent on RTT to the broker instead of on sequential
	// round-trips. Nil runs targets sequentially on the calling
	// goroutine, which is still correct, just not concurrent.
	Dispatch *concurrency.WorkerPool
}

// Orchestrator drives a single run. It never transitions RUNNING to
// STOPPED on its own; only an operator action does that. Halting, by
// contrast, is something the orchestrator is allowed to do itself when a
// sticky violation or risk halt requires it.
type Orchestrator struct {
	deps Deps
}

func New(deps Deps) *Orchestrator {
	return &Orchestrator{deps: deps}
}

// RunBar advances the run by one bar: integrity check, strategy invocation,
// intent submission, inbound fill polling and application, and a
// heartbeat stamp. It returns the first error encountered; callers
// typically log and continue to the next bar rather than abort the run,
// except on a store-unreachable error.
func (o *Orchestrator) RunBar(ctx context.Context, bar core.Bar, strat backtest.Strategy) error {
	now := o.deps.Clock.Now()

	verdict := o.deps.Integrity.CheckBar(bar, now, true)
	if _, err := o.deps.Audit.Emit(ctx, "integrity", "bar_checked", map[string]interface{}{"symbol": bar.Symbol, "ok": verdict.OK, "reason": verdict.Reason}, now); err != nil {
		return err
	}

	if verdict.Sticky {
		if err := armstate.DisarmForIntegrityViolation(ctx, o.deps.Store, now); err != nil {
			return errkind.New(errkind.Unreachable, "persisting integrity violation disarm failed", err)
		}
	}

	if verdict.OK {
		if err := o.submitTargets(ctx, bar, strat.OnBar(bar, o.deps.Portfolio), now); err != nil {
			return err
		}
	}

	if err := o.pollAndApply(ctx, now); err != nil {
		return err
	}

	return armstate.Heartbeat(ctx, o.deps.Store, o.deps.RunID, now)
}

// submitTargets fans the bar's target positions out across the dispatch
// pool when one is configured. Each target touches a distinct symbol, the
// portfolio and audit writer already serialize their own state, and the
// gateway's outbox insert is the transactional boundary per intent, so no
// additional locking is needed here beyond collecting the first error.
func (o *Orchestrator) submitTargets(ctx context.Context, bar core.Bar, targets []core.TargetPosition, now time.Time) error {
	if o.deps.Dispatch == nil || len(targets) <= 1 {
		for _, target := range targets {
			if err := o.submitTarget(ctx, bar, target, now); err != nil {
				return err
			}
		}
		return nil
	}

	var (
		mu       sync.Mutex
		firstErr error
		wg       sync.WaitGroup
	)
	for _, target := range targets {
		target := target
		wg.Add(1)
		if err := o.deps.Dispatch.Submit(func() {
			defer wg.Done()
			if err := o.submitTarget(ctx, bar, target, now); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}); err != nil {
			wg.Done()
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
		}
	}
	wg.Wait()
	return firstErr
}

func (o *Orchestrator) submitTarget(ctx context.Context, bar core.Bar, target core.TargetPosition, now time.Time) error {
	net := o.deps.Portfolio.NetQty(target.Symbol)
	delta := target.TargetQty - net
	if delta == 0 {
		return nil
	}
	side := core.SideBuy
	qty := delta
	if delta < 0 {
		side = core.SideSell
		qty = -delta
	}

	intentID := core.DeterministicHash(bar.Symbol, bar.EndTs.UTC().Format(time.RFC3339Nano), target.Symbol)
	intent := core.Intent{IntentID: intentID, RunID: o.deps.RunID, EngineID: o.deps.EngineID, Symbol: target.Symbol, Side: side, Qty: qty, OrderType: core.OrderMarket}

	ack, err := o.deps.Gateway.Submit(ctx, o.deps.RunID, intent)
	if err != nil {
		if rej, ok := err.(gateway.Rejected); ok {
			_, auditErr := o.deps.Audit.Emit(ctx, "gateway", "intent_rejected", map[string]interface{}{"symbol": target.Symbol, "reason": rej.Reason}, now)
			return auditErr
		}
		return err
	}

	_, err = o.deps.Audit.Emit(ctx, "gateway", "intent_submitted", map[string]interface{}{
		"symbol": target.Symbol, "side": side, "qty": qty,
		"client_order_id": ack.ClientOrderID, "broker_order_id": ack.BrokerOrderID,
	}, now)
	return err
}

// pollAndApply polls the broker for inbound fills, dedupes each against the
// inbox, and applies first-time fills to the portfolio, stamping
// applied_at only after the in-memory apply succeeds so a crash between the
// two leaves the entry recoverable by RecoverUnapplied.
func (o *Orchestrator) pollAndApply(ctx context.Context, now time.Time) error {
	fills, err := o.deps.Broker.PollFills(ctx)
	if err != nil {
		return errkind.New(errkind.BrokerTransient, "broker poll failed", err)
	}

	for _, fill := range fills {
		if err := o.applyOneFill(ctx, fill, now); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) applyOneFill(ctx context.Context, fill core.Fill, now time.Time) error {
	payload, err := json.Marshal(fill)
	if err != nil {
		return errkind.New(errkind.ValidationError, "fill not marshalable", err)
	}

	firstTime, err := o.deps.Store.InsertInboxIfNew(ctx, core.InboxEntry{
		BrokerMessageID: fill.BrokerFillID, RunID: o.deps.RunID, MessagePayload: payload, ReceivedAt: now,
	})
	if err != nil {
		return errkind.New(errkind.Unreachable, "inbox insert failed", err)
	}
	if !firstTime {
		return nil // already applied in a prior pass; the broker re-reported it
	}

	if err := o.deps.Portfolio.ApplyFill(fill); err != nil {
		return err
	}
	if err := o.deps.Store.MarkInboxApplied(ctx, fill.BrokerFillID, now); err != nil {
		return errkind.New(errkind.Unreachable, "inbox mark-applied failed", err)
	}
	telemetry.GetGlobalMetrics().IncInboxApplied(ctx)

	if fill.ClientOrderID != "" {
		// A broker lifecycle event (this fill) is what actually confirms
		// the order, so the SENT -> ACKED transition happens here, not at
		// the moment the gateway placed it.
		if err := o.deps.Store.UpdateOutboxStatus(ctx, fill.ClientOrderID, core.OutboxAcked, now); err != nil {
			return errkind.New(errkind.Unreachable, "outbox acked transition failed", err)
		}
		telemetry.GetGlobalMetrics().IncOutboxAcked(ctx)
	}

	_, err = o.deps.Audit.Emit(ctx, "portfolio", "fill_applied", map[string]interface{}{
		"symbol": fill.Symbol, "side": fill.Side, "qty": fill.Qty, "price": fill.Price.String(), "broker_fill_id": fill.BrokerFillID,
	}, now)
	return err
}

// RecoverUnapplied replays every inbox row not yet marked applied, in
// received-at order, against the portfolio. Call this once at process
// start before serving any bar, so a crash between portfolio apply and
// MarkInboxApplied does not lose or duplicate a fill.
func (o *Orchestrator) RecoverUnapplied(ctx context.Context, now time.Time) error {
	entries, err := o.deps.Store.UnappliedInbox(ctx, o.deps.RunID)
	if err != nil {
		return errkind.New(errkind.Unreachable, "unapplied-inbox read failed", err)
	}
	for _, entry := range entries {
		var fill core.Fill
		if err := json.Unmarshal(entry.MessagePayload, &fill); err != nil {
			return errkind.New(errkind.DataIntegrity, "unapplied inbox payload not decodable", err)
		}
		if err := o.deps.Portfolio.ApplyFill(fill); err != nil {
			return err
		}
		if err := o.deps.Store.MarkInboxApplied(ctx, entry.BrokerMessageID, now); err != nil {
			return errkind.New(errkind.Unreachable, "inbox mark-applied failed during recovery", err)
		}
	}
	return nil
}
