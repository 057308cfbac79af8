// Package store implements the durable outbox/inbox/runs/audit/arm-state/
// reconcile-checkpoint/broker-map tables the kernel depends on for crash-safe,
// idempotent broker interaction.
package store

import (
	"context"
	"time"

	"capitalkernel/internal/core"
)

// Store is the persistence boundary every other package depends on. The
// live deployment is backed by Postgres (FOR UPDATE SKIP LOCKED, partial
// unique indexes, CHECK constraints); a SQLite-backed variant implements the
// same interface for local backtests that need crash-recovery semantics
// without a running Postgres instance.
type Store interface {
	// Engines
	UpsertEngine(ctx context.Context, engineID, displayName string, capMicros int64) error
	GetEngine(ctx context.Context, engineID string) (displayName string, capMicros int64, err error)

	// Runs
	CreateRun(ctx context.Context, run core.Run) error
	GetRun(ctx context.Context, runID string) (core.Run, error)
	TransitionRun(ctx context.Context, runID string, to core.RunStatus, now time.Time) error
	StampHeartbeat(ctx context.Context, runID string, now time.Time) error
	// LiveRunsArmedOrRunning lists every LIVE-mode run currently ARMED or
	// RUNNING, across all engines. `db migrate` consults this before
	// applying schema changes against a database a live deployment still
	// depends on.
	LiveRunsArmedOrRunning(ctx context.Context) ([]core.Run, error)

	// Outbox
	EnqueueOutbox(ctx context.Context, entry core.OutboxEntry) (created bool, err error)
	ClaimNextOutboxRows(ctx context.Context, runID, claimedBy string, limit int) ([]core.OutboxEntry, error)
	UpdateOutboxStatus(ctx context.Context, idempotencyKey string, status core.OutboxStatus, now time.Time) error
	GetOutbox(ctx context.Context, idempotencyKey string) (core.OutboxEntry, error)
	ReleaseClaimedOutbox(ctx context.Context, claimedBy string) error

	// Inbox
	InsertInboxIfNew(ctx context.Context, entry core.InboxEntry) (firstTime bool, err error)
	MarkInboxApplied(ctx context.Context, brokerMessageID string, now time.Time) error
	UnappliedInbox(ctx context.Context, runID string) ([]core.InboxEntry, error)

	// Broker order map
	UpsertBrokerMap(ctx context.Context, internalID, brokerID string, now time.Time) error
	BrokerIDFor(ctx context.Context, internalID string) (string, error)

	// Arm-state singleton
	GetArmState(ctx context.Context) (core.ArmState, error)
	SetArmState(ctx context.Context, state core.ArmStateValue, reason core.DisarmReason, now time.Time) error

	// Reconcile checkpoints
	WriteReconcileCheckpoint(ctx context.Context, cp core.ReconcileCheckpoint) error
	LatestReconcileCheckpoint(ctx context.Context, runID string) (core.ReconcileCheckpoint, bool, error)

	// Audit
	AppendAuditEvent(ctx context.Context, ev core.AuditEvent, sequence int64) error
	LatestAuditEvent(ctx context.Context, runID string) (ev core.AuditEvent, sequence int64, found bool, err error)
	AllAuditEvents(ctx context.Context, runID string) ([]core.AuditEvent, error)

	Close() error
}

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "store: not found" }
