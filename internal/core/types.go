package core

import "time"

// RunMode is the closed set of modes a run can execute under.
type RunMode string

const (
	ModeBacktest RunMode = "BACKTEST"
	ModePaper    RunMode = "PAPER"
	ModeLive     RunMode = "LIVE"
)

// RunStatus is the closed set of lifecycle states for a run.
type RunStatus string

const (
	RunCreated RunStatus = "CREATED"
	RunArmed   RunStatus = "ARMED"
	RunRunning RunStatus = "RUNNING"
	RunStopped RunStatus = "STOPPED"
	RunHalted  RunStatus = "HALTED"
)

// Run is a single execution of an engine, scoped to one mode and lifecycle.
type Run struct {
	RunID           string
	EngineID        string
	Mode            RunMode
	Status          RunStatus
	ConfigHash      string
	GitHash         string
	HostFingerprint string
	ArmedAt         *time.Time
	RunningAt       *time.Time
	StoppedAt       *time.Time
	HaltedAt        *time.Time
	LastHeartbeat   *time.Time
}

// OutboxStatus is the closed set of states an outbox row moves through.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "PENDING"
	OutboxClaimed OutboxStatus = "CLAIMED"
	OutboxSent    OutboxStatus = "SENT"
	OutboxAcked   OutboxStatus = "ACKED"
	OutboxFailed  OutboxStatus = "FAILED"
)

// OutboxEntry is a durable record of intent to submit, cancel, or replace a
// broker order. Every broker-bound action originates here before the gateway
// invokes the adapter.
type OutboxEntry struct {
	IdempotencyKey string
	RunID          string
	OrderPayload   []byte
	Status         OutboxStatus
	CreatedAt      time.Time
	ClaimedAt      *time.Time
	ClaimedBy      string
	SentAt         *time.Time
}

// InboxEntry dedupes broker-originated events before they are applied to the
// portfolio.
type InboxEntry struct {
	BrokerMessageID string
	RunID           string
	MessagePayload  []byte
	ReceivedAt      time.Time
	AppliedAt       *time.Time
}

// BrokerOrderMap links a client order id (the outbox idempotency key) to the
// broker's own order id, once known.
type BrokerOrderMap struct {
	InternalID   string
	BrokerID     string
	RegisteredAt time.Time
}

// ArmStateValue is the closed set of states for the singleton arm-state row.
type ArmStateValue string

const (
	Armed    ArmStateValue = "ARMED"
	Disarmed ArmStateValue = "DISARMED"
)

// DisarmReason is the closed set of reasons a disarm can carry.
type DisarmReason string

const (
	ReasonBootDefault        DisarmReason = "BootDefault"
	ReasonManualDisarm        DisarmReason = "ManualDisarm"
	ReasonDeadmanHalt         DisarmReason = "DeadmanHalt"
	ReasonIntegrityViolation  DisarmReason = "IntegrityViolation"
	ReasonReconcileDrift      DisarmReason = "ReconcileDrift"
	ReasonNone                DisarmReason = ""
)

// ArmState is the singleton row recording whether the process may submit
// broker actions.
type ArmState struct {
	State     ArmStateValue
	Reason    DisarmReason
	UpdatedAt time.Time
}

// ReconcileVerdict is the closed set of outcomes a reconcile pass can produce.
type ReconcileVerdict string

const (
	VerdictClean ReconcileVerdict = "CLEAN"
	VerdictDirty ReconcileVerdict = "DIRTY"
)

// ReconcileCheckpoint is an append-only record of a completed reconcile pass.
// Arming reads only the latest checkpoint per run.
type ReconcileCheckpoint struct {
	RunID             string
	Verdict           ReconcileVerdict
	SnapshotWatermark time.Time
	ResultHash        string
	CreatedAt         time.Time
}

// AuditEvent is one entry in the hash-chained append-only audit log.
// RowUUID is an opaque, informational row key only: it plays no part in
// hash_self/hash_prev and two differently-generated RowUUIDs for the same
// logical event never affect chain verification.
type AuditEvent struct {
	EventID   string
	RowUUID   string
	RunID     string
	Ts        time.Time
	Topic     string
	EventType string
	Payload   []byte
	HashPrev  string
	HashSelf  string
}

// Bar is one OHLCV candle in the canonical feed.
type Bar struct {
	Symbol         string
	Timeframe      string
	EndTs          time.Time
	Open           Money
	High           Money
	Low            Money
	Close          Money
	Volume         Money
	IsComplete     bool
	DayID          string
	RejectWindowID string
}

// Less gives the deterministic total order over bars: (end_ts, symbol).
func (b Bar) Less(other Bar) bool {
	if !b.EndTs.Equal(other.EndTs) {
		return b.EndTs.Before(other.EndTs)
	}
	return b.Symbol < other.Symbol
}

// Side is the closed set of order sides.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType is the closed set of order types the gateway accepts.
type OrderType string

const (
	OrderMarket     OrderType = "MARKET"
	OrderLimit      OrderType = "LIMIT"
	OrderStop       OrderType = "STOP"
	OrderStopLimit  OrderType = "STOP_LIMIT"
)

// Intent is a caller's request to take a broker action; it never carries the
// gate verdicts the gateway is responsible for deriving.
type Intent struct {
	IntentID     string
	RunID        string
	EngineID     string
	Symbol       string
	Side         Side
	Qty          int64 // micros
	OrderType    OrderType
	LimitPrice   Money
	StopPrice    Money
	ParentTag    string
}

// TargetPosition is what a strategy emits per symbol on each bar.
type TargetPosition struct {
	Symbol    string
	TargetQty int64 // micros
}

// Fill is one broker-reported execution.
type Fill struct {
	BrokerFillID string
	ClientOrderID string
	Symbol       string
	Side         Side
	Qty          int64 // micros
	Price        Money
	Fee          Money
	FilledAt     time.Time
}
