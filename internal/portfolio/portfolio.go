// Package portfolio tracks cash, lots, and exposure per engine from applied
// fills. It is the single place position state is mutated; the gateway and
// risk engine only ever read through its accessors.
package portfolio

import (
	"sync"

	"capitalkernel/internal/core"
)

// Lot is one FIFO-ordered open quantity at a cost basis.
type Lot struct {
	Qty       int64 // micros, always positive; sign is carried by Side
	Side      core.Side
	CostBasis core.Money // price per unit at open
}

// Position is the FIFO lot queue and realized PnL for one symbol.
type Position struct {
	Symbol       string
	Lots         []Lot
	RealizedPnL  core.Money
}

// Portfolio holds cash and per-symbol positions for one engine. All mutation
// goes through ApplyFill; reads are served under a read lock so the risk
// engine and reconcile engine can snapshot concurrently with fill
// application.
type Portfolio struct {
	mu        sync.RWMutex
	cash      core.Money
	positions map[string]*Position
}

// New creates a portfolio starting from startingCash.
func New(startingCash core.Money) *Portfolio {
	return &Portfolio{cash: startingCash, positions: make(map[string]*Position)}
}

// Cash returns the current cash balance.
func (p *Portfolio) Cash() core.Money {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash
}

// Position returns a copy of the named symbol's position, or a zero-value
// position if none is open.
func (p *Portfolio) Position(symbol string) Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[symbol]
	if !ok {
		return Position{Symbol: symbol}
	}
	lots := make([]Lot, len(pos.Lots))
	copy(lots, pos.Lots)
	return Position{Symbol: pos.Symbol, Lots: lots, RealizedPnL: pos.RealizedPnL}
}

// NetQty returns the signed net quantity for symbol: positive for long,
// negative for short.
func (p *Portfolio) NetQty(symbol string) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[symbol]
	if !ok {
		return 0
	}
	var net int64
	for _, lot := range pos.Lots {
		if lot.Side == core.SideBuy {
			net += lot.Qty
		} else {
			net -= lot.Qty
		}
	}
	return net
}

// Equity returns cash plus the mark-to-market value of every open position,
// given a map of symbol to current mark price. Symbols with no mark are
// valued at their last cost basis.
func (p *Portfolio) Equity(marks map[string]core.Money) (core.Money, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	equity := p.cash
	for symbol, pos := range p.positions {
		mark, ok := marks[symbol]
		if !ok && len(pos.Lots) > 0 {
			mark = pos.Lots[len(pos.Lots)-1].CostBasis
		}
		var net int64
		for _, lot := range pos.Lots {
			if lot.Side == core.SideBuy {
				net += lot.Qty
			} else {
				net -= lot.Qty
			}
		}
		notional, err := mark.MulQty(net)
		if err != nil {
			return 0, err
		}
		equity, err = equity.Add(notional)
		if err != nil {
			return 0, err
		}
	}
	return equity, nil
}

// ApplyFill applies one broker fill to the portfolio under FIFO lot
// accounting: a fill on the same side as the open lots extends the queue; a
// fill on the opposite side closes lots oldest-first, realizing PnL on each
// matched chunk. The caller (the orchestrator, via inbox dedup) is
// responsible for ensuring a fill is applied at most once; ApplyFill itself
// performs no idempotency check.
func (p *Portfolio) ApplyFill(fill core.Fill) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[fill.Symbol]
	if !ok {
		pos = &Position{Symbol: fill.Symbol}
		p.positions[fill.Symbol] = pos
	}

	notional, err := fill.Price.MulQty(fill.Qty)
	if err != nil {
		return err
	}
	if fill.Side == core.SideBuy {
		p.cash, err = p.cash.Sub(notional)
	} else {
		p.cash, err = p.cash.Add(notional)
	}
	if err != nil {
		return err
	}
	p.cash, err = p.cash.Sub(fill.Fee)
	if err != nil {
		return err
	}

	remaining := fill.Qty
	var newLots []Lot
	for _, lot := range pos.Lots {
		if remaining == 0 || lot.Side == fill.Side {
			newLots = append(newLots, lot)
			continue
		}
		// opposite side: close this lot oldest-first
		closeQty := lot.Qty
		if closeQty > remaining {
			closeQty = remaining
		}
		realized, err := realizedPnL(lot, fill, closeQty)
		if err != nil {
			return err
		}
		pos.RealizedPnL, err = pos.RealizedPnL.Add(realized)
		if err != nil {
			return err
		}
		remaining -= closeQty
		if lot.Qty > closeQty {
			newLots = append(newLots, Lot{Qty: lot.Qty - closeQty, Side: lot.Side, CostBasis: lot.CostBasis})
		}
	}
	if remaining > 0 {
		newLots = append(newLots, Lot{Qty: remaining, Side: fill.Side, CostBasis: fill.Price})
	}
	pos.Lots = newLots
	return nil
}

// realizedPnL computes the PnL realized by closing closeQty of lot against
// the opposite-side fill price.
func realizedPnL(lot Lot, fill core.Fill, closeQty int64) (core.Money, error) {
	entryNotional, err := lot.CostBasis.MulQty(closeQty)
	if err != nil {
		return 0, err
	}
	exitNotional, err := fill.Price.MulQty(closeQty)
	if err != nil {
		return 0, err
	}
	if lot.Side == core.SideBuy {
		return exitNotional.Sub(entryNotional)
	}
	return entryNotional.Sub(exitNotional)
}

// TotalRealizedPnL sums realized PnL across all symbols.
func (p *Portfolio) TotalRealizedPnL() (core.Money, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var total core.Money
	var err error
	for _, pos := range p.positions {
		total, err = total.Add(pos.RealizedPnL)
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}
