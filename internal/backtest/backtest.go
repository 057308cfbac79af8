// Package backtest replays bars in canonical order through the same
// strategy contract and gateway shape live trading uses, with a simulated
// broker standing in for the real one. Same-bar fill ambiguity always
// resolves worst-case for the account; replays with identical inputs
// produce byte-identical artifacts.
//
// A replay still goes through the gateway's arm-state and run-status gates,
// so the caller must arm and begin the run (CREATED -> ARMED -> RUNNING,
// arm-state ARMED) before calling Run, exactly as it would for paper or
// live trading.
package backtest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"capitalkernel/internal/audit"
	"capitalkernel/internal/broker"
	"capitalkernel/internal/core"
	"capitalkernel/internal/gateway"
	"capitalkernel/internal/integrity"
	"capitalkernel/internal/portfolio"
	"capitalkernel/internal/risk"
	"capitalkernel/internal/store"
)

const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Strategy emits target positions per bar against the portfolio's current
// state; it never sees gate verdicts, only market and portfolio state.
type Strategy interface {
	OnBar(bar core.Bar, pos *portfolio.Portfolio) []core.TargetPosition
}

// Config configures one replay.
type Config struct {
	RunID        string
	EngineID     string
	EnginePrefix string
	StartingCash core.Money
	SlippageBps  int64 // must be non-negative; config load rejects a negative value, and broker.NewPaper takes its absolute value
	RiskLimits   risk.Limits
	Integrity    integrity.Config
}

// OrderRecord is one row of orders.csv.
type OrderRecord struct {
	Seq           int
	BarEndTs      string
	ClientOrderID string
	Symbol        string
	Side          string
	Qty           int64
}

// FillRecord is one row of fills.csv.
type FillRecord struct {
	Seq           int
	BarEndTs      string
	ClientOrderID string
	Symbol        string
	Side          string
	Qty           int64
	Price         string
}

// EquityPoint is one row of equity_curve.csv.
type EquityPoint struct {
	BarEndTs string
	Equity   string
}

// Manifest is the run's manifest.json content.
type Manifest struct {
	GitHash         string            `json:"git_hash"`
	ConfigHash      string            `json:"config_hash"`
	ConfigJSON      json.RawMessage   `json:"config_json"`
	HostFingerprint string            `json:"host_fingerprint"`
	Seed            int64             `json:"seed"`
	DataVersions    map[string]string `json:"data_versions"`
}

// Result bundles every artifact one replay produces.
type Result struct {
	Orders   []OrderRecord
	Fills    []FillRecord
	Equity   []EquityPoint
	Manifest Manifest
}

// Runner drives one deterministic replay. It is not safe for concurrent use;
// a backtest is a single ordered pass over a fixed clock.
type Runner struct {
	cfg       Config
	st        store.Store
	clock     *core.FixedClock
	integrity *integrity.Engine
	paper     *broker.Paper
	gw        *gateway.Gateway
	portfolio *portfolio.Portfolio
	auditW    *audit.Writer

	marks      map[string]core.Money
	equityPeak core.Money

	orderSeq int
	result   Result
}

// NewRunner wires a replay's portfolio, integrity engine, simulated broker,
// and gateway from cfg. st must already have the engine and run (in RUNNING
// status, with arm-state ARMED) for cfg.RunID.
func NewRunner(ctx context.Context, st store.Store, cfg Config, startAt time.Time, auditPath string) (*Runner, error) {
	clock := core.NewFixedClock(startAt)
	integrityEngine := integrity.New(cfg.Integrity)
	paper := broker.NewPaper(cfg.SlippageBps)
	pf := portfolio.New(cfg.StartingCash)

	auditW, err := audit.NewWriter(ctx, st, cfg.RunID, auditPath, nil)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		cfg: cfg, st: st, clock: clock, integrity: integrityEngine, paper: paper,
		portfolio: pf, auditW: auditW, marks: make(map[string]core.Money),
	}

	r.gw = gateway.New(gateway.Deps{
		Store:        st,
		Risk:         cfg.RiskLimits,
		RiskSnapshot: r.riskSnapshot,
		Integrity:    integrityEngine,
		Broker:       paper,
		Portfolio:    pf,
		EnginePrefix: cfg.EnginePrefix,
		Clock:        clock,
	})

	return r, nil
}

// riskSnapshot assembles a risk.Snapshot from the replay's current portfolio
// and mark state. It is passed to the gateway as Deps.RiskSnapshot so every
// submitted intent is risk-checked exactly as it would be live.
func (r *Runner) riskSnapshot(ctx context.Context, symbol string) (risk.Snapshot, error) {
	realized, err := r.portfolio.TotalRealizedPnL()
	if err != nil {
		return risk.Snapshot{}, err
	}
	equity, err := r.portfolio.Equity(r.marks)
	if err != nil {
		return risk.Snapshot{}, err
	}
	if equity.Cmp(r.equityPeak) > 0 {
		r.equityPeak = equity
	}

	exposure := make(map[string]core.Money)
	var aggregate core.Money
	for sym, mark := range r.marks {
		net := r.portfolio.NetQty(sym)
		notional, err := mark.MulQty(net)
		if err != nil {
			return risk.Snapshot{}, err
		}
		notional = notional.Abs()
		exposure[sym] = notional
		aggregate, err = aggregate.Add(notional)
		if err != nil {
			return risk.Snapshot{}, err
		}
	}

	return risk.Snapshot{
		RealizedPnLToday:  realized,
		EquityPeak:        r.equityPeak,
		EquityNow:         equity,
		SymbolExposure:    exposure,
		AggregateExposure: aggregate,
		IntentMarkPrice:   r.marks[symbol],
	}, nil
}

// Run replays bars in canonical (end_ts, symbol) order through the
// integrity engine, strategy, and gateway, accumulating artifacts as it
// goes.
func (r *Runner) Run(ctx context.Context, bars []core.Bar, strat Strategy) (Result, error) {
	ordered := make([]core.Bar, len(bars))
	copy(ordered, bars)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Less(ordered[j]) })

	for _, bar := range ordered {
		r.clock.Set(bar.EndTs)

		verdict := r.integrity.CheckBar(bar, bar.EndTs, false)
		if _, err := r.auditW.Emit(ctx, "integrity", "bar_checked", map[string]interface{}{"symbol": bar.Symbol, "ok": verdict.OK}, bar.EndTs); err != nil {
			return r.result, err
		}
		if !verdict.OK {
			continue
		}

		r.paper.FeedBar(bar)
		r.marks[bar.Symbol] = bar.Close

		targets := strat.OnBar(bar, r.portfolio)
		for _, target := range targets {
			if err := r.applyTarget(ctx, bar, target); err != nil {
				return r.result, err
			}
		}

		equity, err := r.portfolio.Equity(r.marks)
		if err != nil {
			return r.result, err
		}
		r.result.Equity = append(r.result.Equity, EquityPoint{BarEndTs: bar.EndTs.UTC().Format(tsLayout), Equity: equity.String()})
	}

	return r.result, nil
}

func (r *Runner) applyTarget(ctx context.Context, bar core.Bar, target core.TargetPosition) error {
	net := r.portfolio.NetQty(target.Symbol)
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

	intentID := core.DeterministicHash(bar.Symbol, bar.EndTs.UTC().Format(tsLayout), strconv.FormatInt(target.TargetQty, 10))
	intent := core.Intent{IntentID: intentID, RunID: r.cfg.RunID, EngineID: r.cfg.EngineID, Symbol: target.Symbol, Side: side, Qty: qty, OrderType: core.OrderMarket}

	ack, err := r.gw.Submit(ctx, r.cfg.RunID, intent)
	if err != nil {
		if _, ok := err.(gateway.Rejected); ok {
			return nil // rejected intents are not replay errors; the replay continues
		}
		return err
	}

	r.orderSeq++
	r.result.Orders = append(r.result.Orders, OrderRecord{
		Seq: r.orderSeq, BarEndTs: bar.EndTs.UTC().Format(tsLayout),
		ClientOrderID: ack.ClientOrderID, Symbol: target.Symbol, Side: string(side), Qty: qty,
	})

	price, err := r.paper.FillPrice(target.Symbol, side)
	if err != nil {
		return err
	}
	if err := r.portfolio.ApplyFill(core.Fill{BrokerFillID: ack.BrokerOrderID, ClientOrderID: ack.ClientOrderID, Symbol: target.Symbol, Side: side, Qty: qty, Price: price, FilledAt: bar.EndTs}); err != nil {
		return err
	}
	r.result.Fills = append(r.result.Fills, FillRecord{
		Seq: r.orderSeq, BarEndTs: bar.EndTs.UTC().Format(tsLayout),
		ClientOrderID: ack.ClientOrderID, Symbol: target.Symbol, Side: string(side), Qty: qty, Price: price.String(),
	})
	return nil
}

// WriteArtifacts persists manifest.json, orders.csv, fills.csv, and
// equity_curve.csv into dir, with stable column orders and deterministic
// row ordering so identical replays produce byte-identical files.
func WriteArtifacts(dir string, result Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeManifest(filepath.Join(dir, "manifest.json"), result.Manifest); err != nil {
		return err
	}
	if err := writeOrders(filepath.Join(dir, "orders.csv"), result.Orders); err != nil {
		return err
	}
	if err := writeFills(filepath.Join(dir, "fills.csv"), result.Fills); err != nil {
		return err
	}
	return writeEquity(filepath.Join(dir, "equity_curve.csv"), result.Equity)
}

func writeManifest(path string, m Manifest) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func writeOrders(path string, rows []OrderRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	defer w.Flush()
	if err := w.Write([]string{"seq", "bar_end_ts", "client_order_id", "symbol", "side", "qty"}); err != nil {
		return err
	}
	for _, r := range rows {
		if err := w.Write([]string{strconv.Itoa(r.Seq), r.BarEndTs, r.ClientOrderID, r.Symbol, r.Side, strconv.FormatInt(r.Qty, 10)}); err != nil {
			return err
		}
	}
	return nil
}

func writeFills(path string, rows []FillRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	defer w.Flush()
	if err := w.Write([]string{"seq", "bar_end_ts", "client_order_id", "symbol", "side", "qty", "price"}); err != nil {
		return err
	}
	for _, r := range rows {
		if err := w.Write([]string{strconv.Itoa(r.Seq), r.BarEndTs, r.ClientOrderID, r.Symbol, r.Side, strconv.FormatInt(r.Qty, 10), r.Price}); err != nil {
			return err
		}
	}
	return nil
}

func writeEquity(path string, rows []EquityPoint) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	defer w.Flush()
	if err := w.Write([]string{"bar_end_ts", "equity"}); err != nil {
		return err
	}
	for _, r := range rows {
		if err := w.Write([]string{r.BarEndTs, r.Equity}); err != nil {
			return err
		}
	}
	return nil
}
