package store

// Schema is the Postgres DDL for the persistent store: durable
// outbox/inbox/runs/audit/arm-state/reconcile-checkpoint/broker-map tables
// with enumerated-state CHECK constraints and partial-unique indexes.
//
// `db migrate` applies this verbatim; it is intentionally a single static
// string rather than a migration-framework chain because the kernel owns
// exactly one schema version per deployment (see DESIGN.md).
const Schema = `
CREATE TABLE IF NOT EXISTS engines (
    engine_id             TEXT PRIMARY KEY,
    display_name          TEXT NOT NULL,
    allocation_cap_micros BIGINT NOT NULL CHECK (allocation_cap_micros > 0),
    created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS runs (
    run_id            TEXT PRIMARY KEY,
    engine_id         TEXT NOT NULL REFERENCES engines(engine_id),
    mode              TEXT NOT NULL CHECK (mode IN ('BACKTEST','PAPER','LIVE')),
    status            TEXT NOT NULL CHECK (status IN ('CREATED','ARMED','RUNNING','STOPPED','HALTED')),
    config_hash       TEXT NOT NULL,
    git_hash          TEXT NOT NULL,
    host_fingerprint  TEXT NOT NULL,
    armed_at          TIMESTAMPTZ,
    running_at        TIMESTAMPTZ,
    stopped_at        TIMESTAMPTZ,
    halted_at         TIMESTAMPTZ,
    last_heartbeat    TIMESTAMPTZ
);

-- LIVE exclusivity: at most one row per engine_id with mode=LIVE and an active status.
CREATE UNIQUE INDEX IF NOT EXISTS runs_live_exclusive_idx
    ON runs (engine_id)
    WHERE mode = 'LIVE' AND status IN ('ARMED','RUNNING');

CREATE TABLE IF NOT EXISTS outbox (
    idempotency_key TEXT PRIMARY KEY,
    run_id          TEXT NOT NULL REFERENCES runs(run_id),
    order_payload   BYTEA NOT NULL,
    status          TEXT NOT NULL CHECK (status IN ('PENDING','CLAIMED','SENT','ACKED','FAILED')),
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    claimed_at      TIMESTAMPTZ,
    claimed_by      TEXT,
    sent_at         TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS outbox_run_status_idx ON outbox (run_id, status, created_at);

CREATE TABLE IF NOT EXISTS inbox (
    broker_message_id TEXT PRIMARY KEY,
    run_id            TEXT NOT NULL REFERENCES runs(run_id),
    message_payload   BYTEA NOT NULL,
    received_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    applied_at        TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS inbox_unapplied_idx ON inbox (run_id, broker_message_id) WHERE applied_at IS NULL;

CREATE TABLE IF NOT EXISTS broker_order_map (
    internal_id   TEXT PRIMARY KEY REFERENCES outbox(idempotency_key) ON DELETE RESTRICT,
    broker_id     TEXT NOT NULL UNIQUE,
    registered_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS arm_state (
    singleton   BOOLEAN PRIMARY KEY DEFAULT true CHECK (singleton),
    state       TEXT NOT NULL CHECK (state IN ('ARMED','DISARMED')),
    reason      TEXT NOT NULL CHECK (reason IN ('BootDefault','ManualDisarm','DeadmanHalt','IntegrityViolation','ReconcileDrift','')),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS reconcile_checkpoints (
    id                 BIGSERIAL PRIMARY KEY,
    run_id             TEXT NOT NULL REFERENCES runs(run_id),
    verdict            TEXT NOT NULL CHECK (verdict IN ('CLEAN','DIRTY')),
    snapshot_watermark TIMESTAMPTZ NOT NULL,
    result_hash        TEXT NOT NULL,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS reconcile_checkpoints_run_idx ON reconcile_checkpoints (run_id, snapshot_watermark DESC);

CREATE TABLE IF NOT EXISTS audit_events (
    event_id   TEXT PRIMARY KEY,
    row_uuid   TEXT NOT NULL,
    run_id     TEXT NOT NULL REFERENCES runs(run_id),
    ts         TIMESTAMPTZ NOT NULL,
    topic      TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload    BYTEA NOT NULL,
    hash_prev  TEXT NOT NULL,
    hash_self  TEXT NOT NULL,
    sequence   BIGINT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS audit_events_run_seq_idx ON audit_events (run_id, sequence);
`
