// Package audit implements the append-only, hash-chained event log. Every
// entry's hash_self commits to the previous entry's hash and its own
// canonical payload, so a single-byte mutation of any payload or hash in
// the chain is detectable by recomputing from the origin. The sequence
// number goes into the event id only; topic, event type and timestamp are
// not covered by hash_self.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"capitalkernel/internal/core"
	"capitalkernel/internal/errkind"
	"capitalkernel/internal/store"
)

const genesisHash = "genesis"

// Writer commits audit events to both the JSONL file and the persistent
// store in the same logical operation. It is safe for concurrent use within
// a single run; hash-chaining is serialized by an internal mutex.
type Writer struct {
	st     store.Store
	runID  string
	file   *os.File
	mu     sync.Mutex
	logger core.ILogger
}

// NewWriter opens (or creates) the JSONL file at path and resumes the chain
// from the store's latest event for runID, or starts from genesis if none
// exists.
func NewWriter(ctx context.Context, st store.Store, runID, path string, logger core.ILogger) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errkind.New(errkind.Unreachable, "audit-file-open-failed", err)
	}
	return &Writer{st: st, runID: runID, file: f, logger: logger}, nil
}

// jsonlRecord is the on-disk JSONL shape for one audit event.
type jsonlRecord struct {
	EventID   string          `json:"event_id"`
	RowUUID   string          `json:"row_uuid"`
	RunID     string          `json:"run_id"`
	Ts        time.Time       `json:"ts"`
	Topic     string          `json:"topic"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	HashPrev  string          `json:"hash_prev"`
	HashSelf  string          `json:"hash_self"`
	Sequence  int64           `json:"sequence"`
}

// Emit appends one event to the chain: it reads the latest event's hash
// (from the store, the durable source of truth), derives hash_self, writes
// the JSONL line, and persists the row, in that order, so a crash between
// disk write and store write is recoverable from the store's last sequence.
func (w *Writer) Emit(ctx context.Context, topic, eventType string, payload interface{}, now time.Time) (core.AuditEvent, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	canonical, err := canonicalize(payload)
	if err != nil {
		return core.AuditEvent{}, errkind.New(errkind.ValidationError, "audit-payload-not-canonicalizable", err)
	}

	prevHash := genesisHash
	var seq int64 = 1
	if latest, lastSeq, found, err := w.st.LatestAuditEvent(ctx, w.runID); err != nil {
		return core.AuditEvent{}, err
	} else if found {
		prevHash = latest.HashSelf
		seq = lastSeq + 1
	}

	selfHash := core.DeterministicHash(prevHash, string(canonical))
	eventID := core.AuditEventID(prevHash, string(canonical), seq)

	ev := core.AuditEvent{
		EventID:   eventID,
		RowUUID:   uuid.New().String(),
		RunID:     w.runID,
		Ts:        now,
		Topic:     topic,
		EventType: eventType,
		Payload:   canonical,
		HashPrev:  prevHash,
		HashSelf:  selfHash,
	}

	rec := jsonlRecord{
		EventID: ev.EventID, RowUUID: ev.RowUUID, RunID: ev.RunID, Ts: ev.Ts, Topic: ev.Topic, EventType: ev.EventType,
		Payload: canonical, HashPrev: ev.HashPrev, HashSelf: ev.HashSelf, Sequence: seq,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return core.AuditEvent{}, errkind.New(errkind.Unreachable, "audit-marshal-failed", err)
	}
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		return core.AuditEvent{}, errkind.New(errkind.Unreachable, "audit-disk-write-failed", err)
	}
	if err := w.file.Sync(); err != nil {
		return core.AuditEvent{}, errkind.New(errkind.Unreachable, "audit-disk-sync-failed", err)
	}

	if err := w.st.AppendAuditEvent(ctx, ev, seq); err != nil {
		if w.logger != nil {
			w.logger.Error("audit event written to disk but store append failed; chain is now ahead of the store", "run_id", w.runID, "sequence", seq, "error", err)
		}
		return core.AuditEvent{}, err
	}

	return ev, nil
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	return w.file.Close()
}

// canonicalize renders payload as JSON via a round-trip through a generic
// map, relying on encoding/json's guarantee that object keys are marshaled
// in sorted order, so hash_self is stable regardless of field insertion
// order or struct tag position.
func canonicalize(payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// VerifyResult reports the outcome of replaying a chain from genesis.
type VerifyResult struct {
	OK          bool
	BreakIndex  int // 0-based index of the first event whose hash doesn't match; -1 if OK
	BreakReason string
}

// Verify recomputes the chain for runID from the store's persisted events
// and reports the index of the first break, if any.
func Verify(ctx context.Context, st store.Store, runID string) (VerifyResult, error) {
	events, err := st.AllAuditEvents(ctx, runID)
	if err != nil {
		return VerifyResult{}, err
	}

	prevHash := genesisHash
	for i, ev := range events {
		if ev.HashPrev != prevHash {
			return VerifyResult{OK: false, BreakIndex: i, BreakReason: fmt.Sprintf("hash_prev mismatch at index %d", i)}, nil
		}
		expected := core.DeterministicHash(prevHash, string(ev.Payload))
		if expected != ev.HashSelf {
			return VerifyResult{OK: false, BreakIndex: i, BreakReason: fmt.Sprintf("hash_self mismatch at index %d", i)}, nil
		}
		prevHash = ev.HashSelf
	}
	return VerifyResult{OK: true, BreakIndex: -1}, nil
}
