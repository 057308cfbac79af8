package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"capitalkernel/internal/core"
	"capitalkernel/internal/errkind"
)

// sqliteSchema mirrors Schema's tables and CHECK/partial-unique constraints,
// translated to SQLite types. Used by the embedded backtest-local store,
// which runs single-threaded and therefore needs no FOR UPDATE SKIP LOCKED
// equivalent — claims are serialized by the caller's own transaction.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS engines (
    engine_id TEXT PRIMARY KEY,
    display_name TEXT NOT NULL,
    allocation_cap_micros INTEGER NOT NULL CHECK (allocation_cap_micros > 0),
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    engine_id TEXT NOT NULL REFERENCES engines(engine_id),
    mode TEXT NOT NULL CHECK (mode IN ('BACKTEST','PAPER','LIVE')),
    status TEXT NOT NULL CHECK (status IN ('CREATED','ARMED','RUNNING','STOPPED','HALTED')),
    config_hash TEXT NOT NULL,
    git_hash TEXT NOT NULL,
    host_fingerprint TEXT NOT NULL,
    armed_at TEXT, running_at TEXT, stopped_at TEXT, halted_at TEXT, last_heartbeat TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS runs_live_exclusive_idx
    ON runs (engine_id) WHERE mode='LIVE' AND status IN ('ARMED','RUNNING');

CREATE TABLE IF NOT EXISTS outbox (
    idempotency_key TEXT PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES runs(run_id),
    order_payload BLOB NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('PENDING','CLAIMED','SENT','ACKED','FAILED')),
    created_at TEXT NOT NULL,
    claimed_at TEXT, claimed_by TEXT, sent_at TEXT
);

CREATE TABLE IF NOT EXISTS inbox (
    broker_message_id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES runs(run_id),
    message_payload BLOB NOT NULL,
    received_at TEXT NOT NULL,
    applied_at TEXT
);

CREATE TABLE IF NOT EXISTS broker_order_map (
    internal_id TEXT PRIMARY KEY REFERENCES outbox(idempotency_key),
    broker_id TEXT NOT NULL UNIQUE,
    registered_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS arm_state (
    singleton INTEGER PRIMARY KEY CHECK (singleton=1),
    state TEXT NOT NULL CHECK (state IN ('ARMED','DISARMED')),
    reason TEXT NOT NULL CHECK (reason IN ('BootDefault','ManualDisarm','DeadmanHalt','IntegrityViolation','ReconcileDrift','')),
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS reconcile_checkpoints (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(run_id),
    verdict TEXT NOT NULL CHECK (verdict IN ('CLEAN','DIRTY')),
    snapshot_watermark TEXT NOT NULL,
    result_hash TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_events (
    event_id TEXT PRIMARY KEY,
    row_uuid TEXT NOT NULL,
    run_id TEXT NOT NULL REFERENCES runs(run_id),
    ts TEXT NOT NULL,
    topic TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB NOT NULL,
    hash_prev TEXT NOT NULL,
    hash_self TEXT NOT NULL,
    sequence INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS audit_events_run_seq_idx ON audit_events (run_id, sequence);
`

const sqliteTimeLayout = time.RFC3339Nano

// SQLiteStore is the embedded backtest-local Store, sharing the same
// Store interface and constraint discipline as PostgresStore but backed by a
// single-file SQLite database (WAL mode for crash recovery across
// replay restarts).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errkind.New(errkind.Unreachable, "sqlite-open-failed", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, errkind.New(errkind.Unreachable, "sqlite-wal-failed", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, errkind.New(errkind.Unreachable, "sqlite-fk-failed", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, errkind.New(errkind.Unreachable, "sqlite-schema-failed", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func classifySqliteError(err error) error {
	if err == nil {
		return nil
	}
	// go-sqlite3 surfaces constraint violations as plain errors carrying
	// "CHECK constraint failed", "FOREIGN KEY constraint failed", or
	// "UNIQUE constraint failed" in their message; there is no typed error
	// to switch on without importing the driver's internal result-code type.
	msg := err.Error()
	switch {
	case contains(msg, "CHECK constraint failed"):
		return errkind.New(errkind.ValidationError, "check-violation", err)
	case contains(msg, "FOREIGN KEY constraint failed"):
		return errkind.New(errkind.ValidationError, "fk-violation", err)
	case contains(msg, "UNIQUE constraint failed"):
		return errkind.New(errkind.StateConflict, "unique-violation", err)
	default:
		return errkind.New(errkind.BrokerTransient, "sqlite-error", err)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func (s *SQLiteStore) UpsertEngine(ctx context.Context, engineID, displayName string, capMicros int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engines (engine_id, display_name, allocation_cap_micros) VALUES (?,?,?)
		ON CONFLICT(engine_id) DO UPDATE SET display_name=excluded.display_name, allocation_cap_micros=excluded.allocation_cap_micros
	`, engineID, displayName, capMicros)
	return classifySqliteError(err)
}

func (s *SQLiteStore) GetEngine(ctx context.Context, engineID string) (string, int64, error) {
	var name string
	var cap int64
	err := s.db.QueryRowContext(ctx, `SELECT display_name, allocation_cap_micros FROM engines WHERE engine_id=?`, engineID).Scan(&name, &cap)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, ErrNotFound
	}
	return name, cap, classifySqliteError(err)
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run core.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, engine_id, mode, status, config_hash, git_hash, host_fingerprint)
		VALUES (?,?,?,?,?,?,?)
	`, run.RunID, run.EngineID, string(run.Mode), string(run.Status), run.ConfigHash, run.GitHash, run.HostFingerprint)
	return classifySqliteError(err)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (core.Run, error) {
	var r core.Run
	var mode, status string
	var armedAt, runningAt, stoppedAt, haltedAt, heartbeat sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, engine_id, mode, status, config_hash, git_hash, host_fingerprint,
		       armed_at, running_at, stopped_at, halted_at, last_heartbeat
		FROM runs WHERE run_id=?
	`, runID).Scan(&r.RunID, &r.EngineID, &mode, &status, &r.ConfigHash, &r.GitHash, &r.HostFingerprint,
		&armedAt, &runningAt, &stoppedAt, &haltedAt, &heartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Run{}, ErrNotFound
	}
	if err != nil {
		return core.Run{}, classifySqliteError(err)
	}
	r.Mode = core.RunMode(mode)
	r.Status = core.RunStatus(status)
	r.ArmedAt = parseNullTime(armedAt)
	r.RunningAt = parseNullTime(runningAt)
	r.StoppedAt = parseNullTime(stoppedAt)
	r.HaltedAt = parseNullTime(haltedAt)
	r.LastHeartbeat = parseNullTime(heartbeat)
	return r, nil
}

func (s *SQLiteStore) LiveRunsArmedOrRunning(ctx context.Context) ([]core.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, engine_id, mode, status, config_hash, git_hash, host_fingerprint,
		       armed_at, running_at, stopped_at, halted_at, last_heartbeat
		FROM runs WHERE mode='LIVE' AND status IN ('ARMED','RUNNING')
	`)
	if err != nil {
		return nil, classifySqliteError(err)
	}
	defer rows.Close()

	var out []core.Run
	for rows.Next() {
		var r core.Run
		var mode, status string
		var armedAt, runningAt, stoppedAt, haltedAt, heartbeat sql.NullString
		if err := rows.Scan(&r.RunID, &r.EngineID, &mode, &status, &r.ConfigHash, &r.GitHash, &r.HostFingerprint,
			&armedAt, &runningAt, &stoppedAt, &haltedAt, &heartbeat); err != nil {
			return nil, classifySqliteError(err)
		}
		r.Mode = core.RunMode(mode)
		r.Status = core.RunStatus(status)
		r.ArmedAt = parseNullTime(armedAt)
		r.RunningAt = parseNullTime(runningAt)
		r.StoppedAt = parseNullTime(stoppedAt)
		r.HaltedAt = parseNullTime(haltedAt)
		r.LastHeartbeat = parseNullTime(heartbeat)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySqliteError(err)
	}
	return out, nil
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(sqliteTimeLayout, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func (s *SQLiteStore) TransitionRun(ctx context.Context, runID string, to core.RunStatus, now time.Time) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !legalTransition[run.Status][to] {
		return errkind.New(errkind.StateConflict, "illegal-run-transition:"+string(run.Status)+"->"+string(to), nil)
	}
	var col string
	switch to {
	case core.RunArmed:
		col = "armed_at"
	case core.RunRunning:
		col = "running_at"
	case core.RunStopped:
		col = "stopped_at"
	case core.RunHalted:
		col = "halted_at"
	}
	if col != "" {
		_, err = s.db.ExecContext(ctx, `UPDATE runs SET status=?, `+col+`=? WHERE run_id=?`, string(to), now.Format(sqliteTimeLayout), runID)
	} else {
		_, err = s.db.ExecContext(ctx, `UPDATE runs SET status=? WHERE run_id=?`, string(to), runID)
	}
	return classifySqliteError(err)
}

func (s *SQLiteStore) StampHeartbeat(ctx context.Context, runID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET last_heartbeat=? WHERE run_id=?`, now.Format(sqliteTimeLayout), runID)
	return classifySqliteError(err)
}

func (s *SQLiteStore) EnqueueOutbox(ctx context.Context, entry core.OutboxEntry) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (idempotency_key, run_id, order_payload, status, created_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`, entry.IdempotencyKey, entry.RunID, entry.OrderPayload, string(entry.Status), entry.CreatedAt.Format(sqliteTimeLayout))
	if err != nil {
		return false, classifySqliteError(err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) ClaimNextOutboxRows(ctx context.Context, runID, claimedBy string, limit int) ([]core.OutboxEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifySqliteError(err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT idempotency_key FROM outbox WHERE run_id=? AND status='PENDING' ORDER BY created_at LIMIT ?
	`, runID, limit)
	if err != nil {
		return nil, classifySqliteError(err)
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return nil, classifySqliteError(err)
		}
		keys = append(keys, k)
	}
	rows.Close()

	var claimed []core.OutboxEntry
	now := time.Now().UTC()
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `UPDATE outbox SET status='CLAIMED', claimed_at=?, claimed_by=? WHERE idempotency_key=?`, now.Format(sqliteTimeLayout), claimedBy, k); err != nil {
			return nil, classifySqliteError(err)
		}
		claimed = append(claimed, core.OutboxEntry{IdempotencyKey: k, RunID: runID, Status: core.OutboxClaimed, ClaimedAt: &now, ClaimedBy: claimedBy})
	}
	if err := tx.Commit(); err != nil {
		return nil, classifySqliteError(err)
	}
	return claimed, nil
}

func (s *SQLiteStore) UpdateOutboxStatus(ctx context.Context, idempotencyKey string, status core.OutboxStatus, now time.Time) error {
	var err error
	if status == core.OutboxSent {
		_, err = s.db.ExecContext(ctx, `UPDATE outbox SET status=?, sent_at=? WHERE idempotency_key=?`, string(status), now.Format(sqliteTimeLayout), idempotencyKey)
	} else {
		_, err = s.db.ExecContext(ctx, `UPDATE outbox SET status=? WHERE idempotency_key=?`, string(status), idempotencyKey)
	}
	return classifySqliteError(err)
}

func (s *SQLiteStore) GetOutbox(ctx context.Context, idempotencyKey string) (core.OutboxEntry, error) {
	var e core.OutboxEntry
	var status string
	var createdAt string
	var claimedAt, sentAt sql.NullString
	var claimedBy sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT idempotency_key, run_id, order_payload, status, created_at, claimed_at, claimed_by, sent_at
		FROM outbox WHERE idempotency_key=?
	`, idempotencyKey).Scan(&e.IdempotencyKey, &e.RunID, &e.OrderPayload, &status, &createdAt, &claimedAt, &claimedBy, &sentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.OutboxEntry{}, ErrNotFound
	}
	if err != nil {
		return core.OutboxEntry{}, classifySqliteError(err)
	}
	e.Status = core.OutboxStatus(status)
	if t, perr := time.Parse(sqliteTimeLayout, createdAt); perr == nil {
		e.CreatedAt = t
	}
	e.ClaimedAt = parseNullTime(claimedAt)
	e.SentAt = parseNullTime(sentAt)
	if claimedBy.Valid {
		e.ClaimedBy = claimedBy.String
	}
	return e, nil
}

func (s *SQLiteStore) ReleaseClaimedOutbox(ctx context.Context, claimedBy string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET status='PENDING', claimed_at=NULL, claimed_by=NULL WHERE claimed_by=? AND status='CLAIMED'`, claimedBy)
	return classifySqliteError(err)
}

func (s *SQLiteStore) InsertInboxIfNew(ctx context.Context, entry core.InboxEntry) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO inbox (broker_message_id, run_id, message_payload, received_at)
		VALUES (?,?,?,?)
		ON CONFLICT(broker_message_id) DO NOTHING
	`, entry.BrokerMessageID, entry.RunID, entry.MessagePayload, entry.ReceivedAt.Format(sqliteTimeLayout))
	if err != nil {
		return false, classifySqliteError(err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) MarkInboxApplied(ctx context.Context, brokerMessageID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE inbox SET applied_at=? WHERE broker_message_id=?`, now.Format(sqliteTimeLayout), brokerMessageID)
	return classifySqliteError(err)
}

func (s *SQLiteStore) UnappliedInbox(ctx context.Context, runID string) ([]core.InboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT broker_message_id, run_id, message_payload, received_at, applied_at
		FROM inbox WHERE run_id=? AND applied_at IS NULL ORDER BY received_at
	`, runID)
	if err != nil {
		return nil, classifySqliteError(err)
	}
	defer rows.Close()

	var entries []core.InboxEntry
	for rows.Next() {
		var e core.InboxEntry
		var receivedAt string
		var appliedAt sql.NullString
		if err := rows.Scan(&e.BrokerMessageID, &e.RunID, &e.MessagePayload, &receivedAt, &appliedAt); err != nil {
			return nil, classifySqliteError(err)
		}
		if t, perr := time.Parse(sqliteTimeLayout, receivedAt); perr == nil {
			e.ReceivedAt = t
		}
		e.AppliedAt = parseNullTime(appliedAt)
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *SQLiteStore) UpsertBrokerMap(ctx context.Context, internalID, brokerID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO broker_order_map (internal_id, broker_id, registered_at) VALUES (?,?,?)
		ON CONFLICT(internal_id) DO UPDATE SET broker_id=excluded.broker_id
	`, internalID, brokerID, now.Format(sqliteTimeLayout))
	return classifySqliteError(err)
}

func (s *SQLiteStore) BrokerIDFor(ctx context.Context, internalID string) (string, error) {
	var brokerID string
	err := s.db.QueryRowContext(ctx, `SELECT broker_id FROM broker_order_map WHERE internal_id=?`, internalID).Scan(&brokerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return brokerID, classifySqliteError(err)
}

func (s *SQLiteStore) GetArmState(ctx context.Context) (core.ArmState, error) {
	var st core.ArmState
	var state, reason, updatedAt string
	err := s.db.QueryRowContext(ctx, `SELECT state, reason, updated_at FROM arm_state WHERE singleton=1`).Scan(&state, &reason, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ArmState{}, ErrNotFound
	}
	if err != nil {
		return core.ArmState{}, classifySqliteError(err)
	}
	st.State = core.ArmStateValue(state)
	st.Reason = core.DisarmReason(reason)
	if t, perr := time.Parse(sqliteTimeLayout, updatedAt); perr == nil {
		st.UpdatedAt = t
	}
	return st, nil
}

func (s *SQLiteStore) SetArmState(ctx context.Context, state core.ArmStateValue, reason core.DisarmReason, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO arm_state (singleton, state, reason, updated_at) VALUES (1,?,?,?)
		ON CONFLICT(singleton) DO UPDATE SET state=excluded.state, reason=excluded.reason, updated_at=excluded.updated_at
	`, string(state), string(reason), now.Format(sqliteTimeLayout))
	return classifySqliteError(err)
}

func (s *SQLiteStore) WriteReconcileCheckpoint(ctx context.Context, cp core.ReconcileCheckpoint) error {
	latest, found, err := s.LatestReconcileCheckpoint(ctx, cp.RunID)
	if err != nil {
		return err
	}
	if found && !cp.SnapshotWatermark.After(latest.SnapshotWatermark) {
		return errkind.New(errkind.ValidationError, "non-monotonic-watermark", nil)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reconcile_checkpoints (run_id, verdict, snapshot_watermark, result_hash, created_at)
		VALUES (?,?,?,?,?)
	`, cp.RunID, string(cp.Verdict), cp.SnapshotWatermark.Format(sqliteTimeLayout), cp.ResultHash, cp.CreatedAt.Format(sqliteTimeLayout))
	return classifySqliteError(err)
}

func (s *SQLiteStore) LatestReconcileCheckpoint(ctx context.Context, runID string) (core.ReconcileCheckpoint, bool, error) {
	var cp core.ReconcileCheckpoint
	var verdict, watermark, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, verdict, snapshot_watermark, result_hash, created_at
		FROM reconcile_checkpoints WHERE run_id=? ORDER BY snapshot_watermark DESC LIMIT 1
	`, runID).Scan(&cp.RunID, &verdict, &watermark, &cp.ResultHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ReconcileCheckpoint{}, false, nil
	}
	if err != nil {
		return core.ReconcileCheckpoint{}, false, classifySqliteError(err)
	}
	cp.Verdict = core.ReconcileVerdict(verdict)
	cp.SnapshotWatermark, _ = time.Parse(sqliteTimeLayout, watermark)
	cp.CreatedAt, _ = time.Parse(sqliteTimeLayout, createdAt)
	return cp, true, nil
}

func (s *SQLiteStore) AppendAuditEvent(ctx context.Context, ev core.AuditEvent, sequence int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_id, row_uuid, run_id, ts, topic, event_type, payload, hash_prev, hash_self, sequence)
		VALUES (?,?,?,?,?,?,?,?,?,?)
	`, ev.EventID, ev.RowUUID, ev.RunID, ev.Ts.Format(sqliteTimeLayout), ev.Topic, ev.EventType, ev.Payload, ev.HashPrev, ev.HashSelf, sequence)
	return classifySqliteError(err)
}

func (s *SQLiteStore) LatestAuditEvent(ctx context.Context, runID string) (core.AuditEvent, int64, bool, error) {
	var ev core.AuditEvent
	var ts string
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT event_id, row_uuid, run_id, ts, topic, event_type, payload, hash_prev, hash_self, sequence
		FROM audit_events WHERE run_id=? ORDER BY sequence DESC LIMIT 1
	`, runID).Scan(&ev.EventID, &ev.RowUUID, &ev.RunID, &ts, &ev.Topic, &ev.EventType, &ev.Payload, &ev.HashPrev, &ev.HashSelf, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return core.AuditEvent{}, 0, false, nil
	}
	if err != nil {
		return core.AuditEvent{}, 0, false, classifySqliteError(err)
	}
	ev.Ts, _ = time.Parse(sqliteTimeLayout, ts)
	return ev, seq, true, nil
}

func (s *SQLiteStore) AllAuditEvents(ctx context.Context, runID string) ([]core.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, row_uuid, run_id, ts, topic, event_type, payload, hash_prev, hash_self
		FROM audit_events WHERE run_id=? ORDER BY sequence ASC
	`, runID)
	if err != nil {
		return nil, classifySqliteError(err)
	}
	defer rows.Close()

	var events []core.AuditEvent
	for rows.Next() {
		var ev core.AuditEvent
		var ts string
		if err := rows.Scan(&ev.EventID, &ev.RowUUID, &ev.RunID, &ts, &ev.Topic, &ev.EventType, &ev.Payload, &ev.HashPrev, &ev.HashSelf); err != nil {
			return nil, classifySqliteError(err)
		}
		ev.Ts, _ = time.Parse(sqliteTimeLayout, ts)
		events = append(events, ev)
	}
	return events, nil
}

var _ Store = (*SQLiteStore)(nil)
var _ Store = (*PostgresStore)(nil)
