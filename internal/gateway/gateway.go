// Package gateway is the submission choke-point: the only code path allowed
// to place a broker order. Every gate input — arm-state, run status,
// reconcile freshness, risk verdict, integrity state — is read here from its
// system of record; no caller may pass a verdict in and have it trusted.
package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/time/rate"

	"capitalkernel/internal/armstate"
	"capitalkernel/internal/core"
	"capitalkernel/internal/errkind"
	"capitalkernel/internal/integrity"
	"capitalkernel/internal/portfolio"
	"capitalkernel/internal/reconcile"
	"capitalkernel/internal/risk"
	"capitalkernel/internal/store"
	"capitalkernel/pkg/telemetry"
)

// maxDrainIterations bounds how many stale PENDING rows Submit will work
// through before reaching the row it just enqueued. ClaimNextOutboxRows
// claims oldest-first, so a row left PENDING by a prior BrokerTransient
// failure is claimed ahead of a fresh one; this cap keeps a persistently
// failing old row from turning one Submit call into an unbounded loop.
const maxDrainIterations = 16

// placeOrderPipeline retries a broker submission up to 3 times, backing
// off 100ms-2s, but only on BrokerTransient — the broker has already
// echoed the client_order_id for idempotent replay, so retrying here
// before falling back to async outbox redispatch is safe. BrokerPermanent,
// SecurityRefusal, and every other kind fail the attempt immediately.
var placeOrderPipeline = failsafe.With[string](retrypolicy.NewBuilder[string]().
	HandleIf(func(_ string, err error) bool {
		return err != nil && errkind.KindOf(err) == errkind.BrokerTransient
	}).
	WithBackoff(100*time.Millisecond, 2*time.Second).
	WithMaxRetries(3).
	Build())

// BrokerAdapter is the interface every broker transport (paper, mock, or a
// real venue connector) must satisfy. No package outside gateway may
// reference a concrete adapter type; this is what makes the choke-point
// non-forgeable.
type BrokerAdapter interface {
	PlaceOrder(ctx context.Context, clientOrderID string, intent core.Intent) (brokerOrderID string, err error)
}

// Ack is returned on successful submission.
type Ack struct {
	ClientOrderID string
	BrokerOrderID string
}

// Rejected carries the reason gate evaluation or the broker refused an
// intent.
type Rejected struct {
	Reason string
}

func (r Rejected) Error() string { return "rejected: " + r.Reason }

// Deps bundles the gateway's read-only gate sources. FreshnessBound and
// EnginePrefix are per-engine configuration, not caller-suppliable state.
type Deps struct {
	Store          store.Store
	Risk           risk.Limits
	RiskSnapshot   func(ctx context.Context, symbol string) (risk.Snapshot, error)
	Integrity      *integrity.Engine
	Broker         BrokerAdapter
	Portfolio      *portfolio.Portfolio
	FreshnessBound time.Duration
	EnginePrefix   string
	EngineID       string
	Clock          core.Clock
	// RateLimiter throttles outbound PlaceOrder calls so a strategy bug
	// emitting many intents in one bar cannot hammer the venue past its
	// own rate limit. Nil disables throttling (e.g. broker.Mock in tests).
	RateLimiter *rate.Limiter
	// RejectStorm tracks risk-engine rejections in a rolling window; a
	// burst past its threshold escalates from a plain Rejected into a
	// sticky IntegrityViolation disarm. Nil disables storm detection.
	RejectStorm *risk.RejectStorm
}

// Gateway is the non-forgeable submission choke-point. Submit is re-entrant
// across runs but serializes per run through runMus, so the claim-then-place
// sequence for one run's outbox never interleaves with another Submit call
// targeting the same run.
type Gateway struct {
	deps   Deps
	runMus sync.Map // map[string]*sync.Mutex
}

func New(deps Deps) *Gateway {
	return &Gateway{deps: deps}
}

func (g *Gateway) runMutex(runID string) *sync.Mutex {
	v, _ := g.runMus.LoadOrStore(runID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Submit runs every gate in order and, only if all pass, persists an outbox
// row, derives a stable client_order_id, invokes the broker, and upserts the
// id mapping. It returns Ack on success or Rejected (never a panic, never a
// forgeable bypass) when any gate is closed.
func (g *Gateway) Submit(ctx context.Context, runID string, intent core.Intent) (Ack, error) {
	now := g.deps.Clock.Now()

	arm, err := g.deps.Store.GetArmState(ctx)
	if err != nil {
		return Ack{}, errkind.New(errkind.Unreachable, "arm-state unreadable", err)
	}
	if arm.State != core.Armed {
		return Ack{}, Rejected{Reason: "arm-state is not ARMED"}
	}

	run, err := g.deps.Store.GetRun(ctx, runID)
	if err != nil {
		return Ack{}, errkind.New(errkind.Unreachable, "run unreadable", err)
	}
	if run.Status != core.RunRunning {
		return Ack{}, Rejected{Reason: "run is not RUNNING"}
	}

	if g.deps.Integrity != nil {
		if violated, reason := g.deps.Integrity.Violated(); violated {
			return Ack{}, Rejected{Reason: "integrity engine disarmed: " + reason}
		}
	}

	if run.Mode == core.ModeLive {
		fresh, err := reconcile.FreshCheckpoint(ctx, g.deps.Store, runID, g.deps.FreshnessBound, now)
		if err != nil {
			return Ack{}, errkind.New(errkind.Unreachable, "reconcile checkpoint unreadable", err)
		}
		if !fresh {
			return Ack{}, Rejected{Reason: "no fresh CLEAN reconcile checkpoint"}
		}
	}

	if g.deps.RiskSnapshot != nil {
		snap, err := g.deps.RiskSnapshot(ctx, intent.Symbol)
		if err != nil {
			return Ack{}, errkind.New(errkind.Unreachable, "risk snapshot unreadable", err)
		}
		verdict := risk.Evaluate(g.deps.Risk, snap, intent)
		if !verdict.Allow {
			if verdict.Halt {
				_ = armstate.ManualDisarm(ctx, g.deps.Store, now)
				return Ack{}, errkind.New(errkind.DataIntegrity, "risk engine halt: "+verdict.Reason, nil)
			}
			if g.deps.RejectStorm != nil && g.deps.RejectStorm.Record(g.deps.EngineID, now) {
				_ = armstate.DisarmForIntegrityViolation(ctx, g.deps.Store, now)
				telemetry.GetGlobalMetrics().IncSubmitRejected(ctx, "reject_storm")
				return Ack{}, errkind.New(errkind.DataIntegrity, "reject storm threshold exceeded: "+verdict.Reason, nil)
			}
			telemetry.GetGlobalMetrics().IncSubmitRejected(ctx, verdict.Reason)
			return Ack{}, Rejected{Reason: verdict.Reason}
		}
	}

	clientOrderID := core.ClientOrderID(g.deps.EnginePrefix, intent.IntentID, runID)

	payload, err := marshalIntent(intent)
	if err != nil {
		return Ack{}, errkind.New(errkind.ValidationError, "intent not marshalable", err)
	}

	created, err := g.deps.Store.EnqueueOutbox(ctx, core.OutboxEntry{
		IdempotencyKey: clientOrderID,
		RunID:          runID,
		OrderPayload:   payload,
		Status:         core.OutboxPending,
		CreatedAt:      now,
	})
	if err != nil {
		return Ack{}, errkind.New(errkind.Unreachable, "outbox enqueue failed", err)
	}
	if !created {
		// already enqueued by a prior attempt (crash-replay); look up the
		// broker id if one was already assigned rather than resubmitting.
		if brokerID, err := g.deps.Store.BrokerIDFor(ctx, clientOrderID); err == nil {
			return Ack{ClientOrderID: clientOrderID, BrokerOrderID: brokerID}, nil
		}
	} else {
		telemetry.GetGlobalMetrics().IncOutboxEnqueued(ctx)
	}

	return g.claimAndPlace(ctx, runID, clientOrderID, now)
}

// claimAndPlace serializes on runID's mutex and repeatedly claims the
// oldest PENDING outbox row for the run, moving it CLAIMED -> SENT (broker
// placed it) or CLAIMED -> PENDING/FAILED (broker rejected or transiently
// failed), until the row matching clientOrderID itself has been processed.
// A row other than our own may be claimed first because
// ClaimNextOutboxRows orders oldest-first; we still place it so the queue
// drains in order rather than starving behind it.
func (g *Gateway) claimAndPlace(ctx context.Context, runID, clientOrderID string, now time.Time) (Ack, error) {
	mu := g.runMutex(runID)
	mu.Lock()
	defer mu.Unlock()

	for i := 0; i < maxDrainIterations; i++ {
		claimed, err := g.deps.Store.ClaimNextOutboxRows(ctx, runID, clientOrderID, 1)
		if err != nil {
			return Ack{}, errkind.New(errkind.Unreachable, "outbox claim failed", err)
		}
		if len(claimed) == 0 {
			// another Submit's drain may already have placed our row.
			if brokerID, err := g.deps.Store.BrokerIDFor(ctx, clientOrderID); err == nil {
				return Ack{ClientOrderID: clientOrderID, BrokerOrderID: brokerID}, nil
			}
			return Ack{}, errkind.New(errkind.Unreachable, "outbox claim returned no rows for a just-enqueued entry", nil)
		}

		row := claimed[0]
		brokerOrderID, placeErr := g.placeClaimedRow(ctx, row, now)
		if row.IdempotencyKey != clientOrderID {
			continue
		}
		if placeErr != nil {
			return Ack{}, placeErr
		}
		return Ack{ClientOrderID: clientOrderID, BrokerOrderID: brokerOrderID}, nil
	}
	return Ack{}, errkind.New(errkind.Unreachable, "outbox drain exceeded iteration bound without reaching own row", nil)
}

// placeClaimedRow invokes the broker for one already-CLAIMED row and
// records the outcome: SENT on broker acceptance (the lifecycle ACKED
// transition happens later, from a fill event carrying the matching
// client_order_id), or PENDING/FAILED on failure per statusForBrokerError.
func (g *Gateway) placeClaimedRow(ctx context.Context, row core.OutboxEntry, now time.Time) (string, error) {
	var intent core.Intent
	if err := json.Unmarshal(row.OrderPayload, &intent); err != nil {
		_ = g.deps.Store.UpdateOutboxStatus(ctx, row.IdempotencyKey, core.OutboxFailed, now)
		telemetry.GetGlobalMetrics().IncOutboxFailed(ctx)
		return "", errkind.New(errkind.DataIntegrity, "claimed outbox payload not decodable", err)
	}

	if g.deps.RateLimiter != nil {
		if err := g.deps.RateLimiter.Wait(ctx); err != nil {
			_ = g.deps.Store.UpdateOutboxStatus(ctx, row.IdempotencyKey, core.OutboxPending, now)
			return "", errkind.New(errkind.BrokerTransient, "rate limit wait failed", err)
		}
	}

	start := now
	brokerOrderID, err := placeOrderPipeline.GetWithExecution(func(exec failsafe.Execution[string]) (string, error) {
		return g.deps.Broker.PlaceOrder(ctx, row.IdempotencyKey, intent)
	})
	telemetry.GetGlobalMetrics().ObserveGatewayLatency(ctx, g.deps.Clock.Now().Sub(start).Seconds()*1000)
	if err != nil {
		kind := errkind.KindOf(err)
		_ = g.deps.Store.UpdateOutboxStatus(ctx, row.IdempotencyKey, statusForBrokerError(kind), now)
		if kind != errkind.BrokerTransient {
			telemetry.GetGlobalMetrics().IncOutboxFailed(ctx)
		}
		return "", err
	}

	if err := g.deps.Store.UpdateOutboxStatus(ctx, row.IdempotencyKey, core.OutboxSent, now); err != nil {
		return "", errkind.New(errkind.Unreachable, "outbox status update failed", err)
	}
	if err := g.deps.Store.UpsertBrokerMap(ctx, row.IdempotencyKey, brokerOrderID, now); err != nil {
		return "", errkind.New(errkind.Unreachable, "broker map upsert failed", err)
	}

	return brokerOrderID, nil
}

func marshalIntent(intent core.Intent) ([]byte, error) {
	return json.Marshal(intent)
}

func statusForBrokerError(kind errkind.Kind) core.OutboxStatus {
	if kind == errkind.BrokerTransient {
		return core.OutboxPending // dispatcher retries with the unchanged idempotency key
	}
	return core.OutboxFailed
}
