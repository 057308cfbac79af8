// Package broker supplies the two concrete BrokerAdapter implementations
// the kernel runs end to end without a live venue connection: a paper
// fill simulator sharing the backtest's worst-case fill rule, and a mock
// adapter for deterministic test acks with configurable latency/failure
// injection.
package broker

import (
	"context"
	"sync"
	"time"

	"capitalkernel/internal/core"
	"capitalkernel/internal/errkind"
)

// Paper is an in-memory fill simulator used by the live orchestrator in
// PAPER mode. It applies the same worst-case same-bar fill rule as the
// backtest engine against a fed bar stream, so PAPER and BACKTEST share
// execution semantics end to end.
type Paper struct {
	mu          sync.Mutex
	latestBar   map[string]core.Bar
	slippageBps int64 // proportional, always applied against the account, never in its favor
}

// NewPaper builds a simulator applying slippageBps basis points of
// proportional slippage against whichever side of the bar is worst-case for
// the account. A negative value is normalized to its absolute value here as
// a last line of defense; config.LoadConfig rejects it outright so this
// should never trigger outside a test.
func NewPaper(slippageBps int64) *Paper {
	if slippageBps < 0 {
		slippageBps = -slippageBps
	}
	return &Paper{latestBar: make(map[string]core.Bar), slippageBps: slippageBps}
}

// FeedBar updates the latest known bar for a symbol, used to resolve fills.
func (p *Paper) FeedBar(bar core.Bar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latestBar[bar.Symbol] = bar
}

// PlaceOrder simulates an immediate fill at the worst-case price within the
// latest known bar: BUY fills at high * (1 + slippageBps/10000), SELL fills
// at low * (1 - slippageBps/10000), matching the backtest's
// ambiguity-resolution rule. The broker order id is content-derived from the
// client order id so replays of the same intent resolve to the same
// simulated fill.
func (p *Paper) PlaceOrder(ctx context.Context, clientOrderID string, intent core.Intent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	bar, ok := p.latestBar[intent.Symbol]
	if !ok {
		return "", errkind.New(errkind.BrokerTransient, "no bar fed yet for symbol "+intent.Symbol, nil)
	}

	if _, err := p.fillPrice(bar, intent.Side); err != nil {
		return "", err
	}

	return core.DeterministicHash(clientOrderID, "paper-fill")[:16], nil
}

// FillPrice resolves the simulated fill price for side against the latest
// fed bar for symbol, for callers (the orchestrator's inbox-apply step)
// that need the actual price after PlaceOrder acks.
func (p *Paper) FillPrice(symbol string, side core.Side) (core.Money, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bar, ok := p.latestBar[symbol]
	if !ok {
		return 0, errkind.New(errkind.BrokerTransient, "no bar fed yet for symbol "+symbol, nil)
	}
	return p.fillPrice(bar, side)
}

func (p *Paper) fillPrice(bar core.Bar, side core.Side) (core.Money, error) {
	if side == core.SideBuy {
		offset, err := bar.High.MulBps(p.slippageBps)
		if err != nil {
			return 0, err
		}
		return bar.High.Add(offset)
	}
	offset, err := bar.Low.MulBps(p.slippageBps)
	if err != nil {
		return 0, err
	}
	return bar.Low.Sub(offset)
}

// Mock is a deterministic test double: acks are immediate unless configured
// otherwise, with optional injected latency and failure, grounded on the
// teacher's client-order-id-keyed idempotency test harness.
type Mock struct {
	mu          sync.Mutex
	clientOrder map[string]string // client_order_id -> broker_order_id, for idempotent replay

	Latency  time.Duration
	FailNext bool
	FailKind errkind.Kind
}

func NewMock() *Mock {
	return &Mock{clientOrder: make(map[string]string)}
}

func (m *Mock) PlaceOrder(ctx context.Context, clientOrderID string, intent core.Intent) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.clientOrder[clientOrderID]; ok {
		return existing, nil // idempotent: broker must honor client_order_id
	}

	if m.Latency > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(m.Latency):
		}
	}

	if m.FailNext {
		m.FailNext = false
		kind := m.FailKind
		if kind == "" {
			kind = errkind.BrokerTransient
		}
		return "", errkind.New(kind, "mock broker injected failure", nil)
	}

	brokerID := core.DeterministicHash(clientOrderID, "mock-ack")[:16]
	m.clientOrder[clientOrderID] = brokerID
	return brokerID, nil
}
