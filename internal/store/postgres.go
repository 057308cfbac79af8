package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"capitalkernel/internal/core"
	"capitalkernel/internal/errkind"
)

// PostgresStore is the live-deployment Store backed by a pgxpool.Pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and applies the schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errkind.New(errkind.Unreachable, "pg-connect-failed", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, errkind.New(errkind.Unreachable, "pg-schema-apply-failed", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) UpsertEngine(ctx context.Context, engineID, displayName string, capMicros int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO engines (engine_id, display_name, allocation_cap_micros)
		VALUES ($1, $2, $3)
		ON CONFLICT (engine_id) DO UPDATE SET display_name = $2, allocation_cap_micros = $3
	`, engineID, displayName, capMicros)
	if err != nil {
		return classifyPgError(err)
	}
	return nil
}

func (s *PostgresStore) GetEngine(ctx context.Context, engineID string) (string, int64, error) {
	var name string
	var cap int64
	err := s.pool.QueryRow(ctx, `SELECT display_name, allocation_cap_micros FROM engines WHERE engine_id=$1`, engineID).Scan(&name, &cap)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, ErrNotFound
	}
	if err != nil {
		return "", 0, classifyPgError(err)
	}
	return name, cap, nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run core.Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (run_id, engine_id, mode, status, config_hash, git_hash, host_fingerprint)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, run.RunID, run.EngineID, string(run.Mode), string(run.Status), run.ConfigHash, run.GitHash, run.HostFingerprint)
	if err != nil {
		return classifyPgError(err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (core.Run, error) {
	var r core.Run
	var mode, status string
	err := s.pool.QueryRow(ctx, `
		SELECT run_id, engine_id, mode, status, config_hash, git_hash, host_fingerprint,
		       armed_at, running_at, stopped_at, halted_at, last_heartbeat
		FROM runs WHERE run_id=$1
	`, runID).Scan(&r.RunID, &r.EngineID, &mode, &status, &r.ConfigHash, &r.GitHash, &r.HostFingerprint,
		&r.ArmedAt, &r.RunningAt, &r.StoppedAt, &r.HaltedAt, &r.LastHeartbeat)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Run{}, ErrNotFound
	}
	if err != nil {
		return core.Run{}, classifyPgError(err)
	}
	r.Mode = core.RunMode(mode)
	r.Status = core.RunStatus(status)
	return r, nil
}

func (s *PostgresStore) LiveRunsArmedOrRunning(ctx context.Context) ([]core.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, engine_id, mode, status, config_hash, git_hash, host_fingerprint,
		       armed_at, running_at, stopped_at, halted_at, last_heartbeat
		FROM runs WHERE mode='LIVE' AND status IN ('ARMED','RUNNING')
	`)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	var out []core.Run
	for rows.Next() {
		var r core.Run
		var mode, status string
		if err := rows.Scan(&r.RunID, &r.EngineID, &mode, &status, &r.ConfigHash, &r.GitHash, &r.HostFingerprint,
			&r.ArmedAt, &r.RunningAt, &r.StoppedAt, &r.HaltedAt, &r.LastHeartbeat); err != nil {
			return nil, classifyPgError(err)
		}
		r.Mode = core.RunMode(mode)
		r.Status = core.RunStatus(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError(err)
	}
	return out, nil
}

// legalTransition is the closed DAG described in spec §4.3.
var legalTransition = map[core.RunStatus]map[core.RunStatus]bool{
	core.RunCreated: {core.RunArmed: true, core.RunHalted: true},
	core.RunArmed:   {core.RunRunning: true, core.RunStopped: true, core.RunHalted: true},
	core.RunRunning: {core.RunStopped: true, core.RunHalted: true},
	core.RunStopped: {core.RunArmed: true, core.RunHalted: true},
}

func (s *PostgresStore) TransitionRun(ctx context.Context, runID string, to core.RunStatus, now time.Time) error {
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

	query := `UPDATE runs SET status=$1`
	args := []interface{}{string(to)}
	if col != "" {
		query += `, ` + col + `=$2 WHERE run_id=$3`
		args = append(args, now, runID)
	} else {
		query += ` WHERE run_id=$2`
		args = append(args, runID)
	}

	_, err = s.pool.Exec(ctx, query, args...)
	if err != nil {
		return classifyPgError(err)
	}
	return nil
}

func (s *PostgresStore) StampHeartbeat(ctx context.Context, runID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE runs SET last_heartbeat=$1 WHERE run_id=$2`, now, runID)
	if err != nil {
		return classifyPgError(err)
	}
	return nil
}

func (s *PostgresStore) EnqueueOutbox(ctx context.Context, entry core.OutboxEntry) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO outbox (idempotency_key, run_id, order_payload, status, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, entry.IdempotencyKey, entry.RunID, entry.OrderPayload, string(entry.Status), entry.CreatedAt)
	if err != nil {
		return false, classifyPgError(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ClaimNextOutboxRows(ctx context.Context, runID, claimedBy string, limit int) ([]core.OutboxEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT idempotency_key FROM outbox
		WHERE run_id=$1 AND status='PENDING'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`, runID, limit)
	if err != nil {
		return nil, classifyPgError(err)
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return nil, classifyPgError(err)
		}
		keys = append(keys, k)
	}
	rows.Close()

	var claimed []core.OutboxEntry
	for _, k := range keys {
		now := time.Now().UTC()
		_, err := tx.Exec(ctx, `UPDATE outbox SET status='CLAIMED', claimed_at=$1, claimed_by=$2 WHERE idempotency_key=$3`, now, claimedBy, k)
		if err != nil {
			return nil, classifyPgError(err)
		}
		claimed = append(claimed, core.OutboxEntry{IdempotencyKey: k, RunID: runID, Status: core.OutboxClaimed, ClaimedAt: &now, ClaimedBy: claimedBy})
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classifyPgError(err)
	}
	return claimed, nil
}

func (s *PostgresStore) UpdateOutboxStatus(ctx context.Context, idempotencyKey string, status core.OutboxStatus, now time.Time) error {
	var err error
	if status == core.OutboxSent {
		_, err = s.pool.Exec(ctx, `UPDATE outbox SET status=$1, sent_at=$2 WHERE idempotency_key=$3`, string(status), now, idempotencyKey)
	} else {
		_, err = s.pool.Exec(ctx, `UPDATE outbox SET status=$1 WHERE idempotency_key=$2`, string(status), idempotencyKey)
	}
	if err != nil {
		return classifyPgError(err)
	}
	return nil
}

func (s *PostgresStore) GetOutbox(ctx context.Context, idempotencyKey string) (core.OutboxEntry, error) {
	var e core.OutboxEntry
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT idempotency_key, run_id, order_payload, status, created_at, claimed_at, claimed_by, sent_at
		FROM outbox WHERE idempotency_key=$1
	`, idempotencyKey).Scan(&e.IdempotencyKey, &e.RunID, &e.OrderPayload, &status, &e.CreatedAt, &e.ClaimedAt, &e.ClaimedBy, &e.SentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.OutboxEntry{}, ErrNotFound
	}
	if err != nil {
		return core.OutboxEntry{}, classifyPgError(err)
	}
	e.Status = core.OutboxStatus(status)
	return e, nil
}

func (s *PostgresStore) ReleaseClaimedOutbox(ctx context.Context, claimedBy string) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET status='PENDING', claimed_at=NULL, claimed_by=NULL WHERE claimed_by=$1 AND status='CLAIMED'`, claimedBy)
	if err != nil {
		return classifyPgError(err)
	}
	return nil
}

func (s *PostgresStore) InsertInboxIfNew(ctx context.Context, entry core.InboxEntry) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO inbox (broker_message_id, run_id, message_payload, received_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (broker_message_id) DO NOTHING
	`, entry.BrokerMessageID, entry.RunID, entry.MessagePayload, entry.ReceivedAt)
	if err != nil {
		return false, classifyPgError(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) MarkInboxApplied(ctx context.Context, brokerMessageID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE inbox SET applied_at=$1 WHERE broker_message_id=$2`, now, brokerMessageID)
	if err != nil {
		return classifyPgError(err)
	}
	return nil
}

func (s *PostgresStore) UnappliedInbox(ctx context.Context, runID string) ([]core.InboxEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT broker_message_id, run_id, message_payload, received_at, applied_at
		FROM inbox WHERE run_id=$1 AND applied_at IS NULL ORDER BY received_at
	`, runID)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	var entries []core.InboxEntry
	for rows.Next() {
		var e core.InboxEntry
		if err := rows.Scan(&e.BrokerMessageID, &e.RunID, &e.MessagePayload, &e.ReceivedAt, &e.AppliedAt); err != nil {
			return nil, classifyPgError(err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *PostgresStore) UpsertBrokerMap(ctx context.Context, internalID, brokerID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO broker_order_map (internal_id, broker_id, registered_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (internal_id) DO UPDATE SET broker_id=$2
	`, internalID, brokerID, now)
	if err != nil {
		return classifyPgError(err)
	}
	return nil
}

func (s *PostgresStore) BrokerIDFor(ctx context.Context, internalID string) (string, error) {
	var brokerID string
	err := s.pool.QueryRow(ctx, `SELECT broker_id FROM broker_order_map WHERE internal_id=$1`, internalID).Scan(&brokerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", classifyPgError(err)
	}
	return brokerID, nil
}

func (s *PostgresStore) GetArmState(ctx context.Context) (core.ArmState, error) {
	var st core.ArmState
	var state, reason string
	err := s.pool.QueryRow(ctx, `SELECT state, reason, updated_at FROM arm_state WHERE singleton=true`).Scan(&state, &reason, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ArmState{}, ErrNotFound
	}
	if err != nil {
		return core.ArmState{}, classifyPgError(err)
	}
	st.State = core.ArmStateValue(state)
	st.Reason = core.DisarmReason(reason)
	return st, nil
}

func (s *PostgresStore) SetArmState(ctx context.Context, state core.ArmStateValue, reason core.DisarmReason, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO arm_state (singleton, state, reason, updated_at)
		VALUES (true, $1, $2, $3)
		ON CONFLICT (singleton) DO UPDATE SET state=$1, reason=$2, updated_at=$3
	`, string(state), string(reason), now)
	if err != nil {
		return classifyPgError(err)
	}
	return nil
}

func (s *PostgresStore) WriteReconcileCheckpoint(ctx context.Context, cp core.ReconcileCheckpoint) error {
	latest, found, err := s.LatestReconcileCheckpoint(ctx, cp.RunID)
	if err != nil {
		return err
	}
	if found && !cp.SnapshotWatermark.After(latest.SnapshotWatermark) {
		return errkind.New(errkind.ValidationError, "non-monotonic-watermark", nil)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO reconcile_checkpoints (run_id, verdict, snapshot_watermark, result_hash, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, cp.RunID, string(cp.Verdict), cp.SnapshotWatermark, cp.ResultHash, cp.CreatedAt)
	if err != nil {
		return classifyPgError(err)
	}
	return nil
}

func (s *PostgresStore) LatestReconcileCheckpoint(ctx context.Context, runID string) (core.ReconcileCheckpoint, bool, error) {
	var cp core.ReconcileCheckpoint
	var verdict string
	err := s.pool.QueryRow(ctx, `
		SELECT run_id, verdict, snapshot_watermark, result_hash, created_at
		FROM reconcile_checkpoints WHERE run_id=$1 ORDER BY snapshot_watermark DESC LIMIT 1
	`, runID).Scan(&cp.RunID, &verdict, &cp.SnapshotWatermark, &cp.ResultHash, &cp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ReconcileCheckpoint{}, false, nil
	}
	if err != nil {
		return core.ReconcileCheckpoint{}, false, classifyPgError(err)
	}
	cp.Verdict = core.ReconcileVerdict(verdict)
	return cp, true, nil
}

func (s *PostgresStore) AppendAuditEvent(ctx context.Context, ev core.AuditEvent, sequence int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_events (event_id, row_uuid, run_id, ts, topic, event_type, payload, hash_prev, hash_self, sequence)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, ev.EventID, ev.RowUUID, ev.RunID, ev.Ts, ev.Topic, ev.EventType, ev.Payload, ev.HashPrev, ev.HashSelf, sequence)
	if err != nil {
		return classifyPgError(err)
	}
	return nil
}

func (s *PostgresStore) LatestAuditEvent(ctx context.Context, runID string) (core.AuditEvent, int64, bool, error) {
	var ev core.AuditEvent
	var seq int64
	err := s.pool.QueryRow(ctx, `
		SELECT event_id, row_uuid, run_id, ts, topic, event_type, payload, hash_prev, hash_self, sequence
		FROM audit_events WHERE run_id=$1 ORDER BY sequence DESC LIMIT 1
	`, runID).Scan(&ev.EventID, &ev.RowUUID, &ev.RunID, &ev.Ts, &ev.Topic, &ev.EventType, &ev.Payload, &ev.HashPrev, &ev.HashSelf, &seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.AuditEvent{}, 0, false, nil
	}
	if err != nil {
		return core.AuditEvent{}, 0, false, classifyPgError(err)
	}
	return ev, seq, true, nil
}

func (s *PostgresStore) AllAuditEvents(ctx context.Context, runID string) ([]core.AuditEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, row_uuid, run_id, ts, topic, event_type, payload, hash_prev, hash_self
		FROM audit_events WHERE run_id=$1 ORDER BY sequence ASC
	`, runID)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	var events []core.AuditEvent
	for rows.Next() {
		var ev core.AuditEvent
		if err := rows.Scan(&ev.EventID, &ev.RowUUID, &ev.RunID, &ev.Ts, &ev.Topic, &ev.EventType, &ev.Payload, &ev.HashPrev, &ev.HashSelf); err != nil {
			return nil, classifyPgError(err)
		}
		events = append(events, ev)
	}
	return events, nil
}
