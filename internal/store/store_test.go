package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"capitalkernel/internal/core"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunLifecycleLegalTransitions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertEngine(ctx, "MAIN", "main", 1_000_000))
	run := core.Run{RunID: "r1", EngineID: "MAIN", Mode: core.ModePaper, Status: core.RunCreated, ConfigHash: "h", GitHash: "g", HostFingerprint: "f"}
	require.NoError(t, s.CreateRun(ctx, run))

	now := time.Now().UTC()
	require.NoError(t, s.TransitionRun(ctx, "r1", core.RunArmed, now))
	require.NoError(t, s.TransitionRun(ctx, "r1", core.RunRunning, now))

	got, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, core.RunRunning, got.Status)
}

func TestRunLifecycleRejectsIllegalTransition(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.UpsertEngine(ctx, "MAIN", "main", 1_000_000))
	run := core.Run{RunID: "r1", EngineID: "MAIN", Mode: core.ModePaper, Status: core.RunCreated, ConfigHash: "h", GitHash: "g", HostFingerprint: "f"}
	require.NoError(t, s.CreateRun(ctx, run))

	err := s.TransitionRun(ctx, "r1", core.RunRunning, time.Now())
	require.Error(t, err)
}

func TestLiveRunsArmedOrRunningIgnoresPaperAndStopped(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.UpsertEngine(ctx, "MAIN", "main", 1_000_000))

	now := time.Now().UTC()
	require.NoError(t, s.CreateRun(ctx, core.Run{RunID: "live-armed", EngineID: "MAIN", Mode: core.ModeLive, Status: core.RunCreated, ConfigHash: "h", GitHash: "g", HostFingerprint: "f"}))
	require.NoError(t, s.TransitionRun(ctx, "live-armed", core.RunArmed, now))

	require.NoError(t, s.CreateRun(ctx, core.Run{RunID: "paper-running", EngineID: "MAIN", Mode: core.ModePaper, Status: core.RunCreated, ConfigHash: "h", GitHash: "g", HostFingerprint: "f"}))
	require.NoError(t, s.TransitionRun(ctx, "paper-running", core.RunArmed, now))
	require.NoError(t, s.TransitionRun(ctx, "paper-running", core.RunRunning, now))

	require.NoError(t, s.CreateRun(ctx, core.Run{RunID: "live-stopped", EngineID: "MAIN", Mode: core.ModeLive, Status: core.RunCreated, ConfigHash: "h", GitHash: "g", HostFingerprint: "f"}))
	require.NoError(t, s.TransitionRun(ctx, "live-stopped", core.RunArmed, now))
	require.NoError(t, s.TransitionRun(ctx, "live-stopped", core.RunRunning, now))
	require.NoError(t, s.TransitionRun(ctx, "live-stopped", core.RunStopped, now))

	live, err := s.LiveRunsArmedOrRunning(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Equal(t, "live-armed", live[0].RunID)
}

func TestOutboxIdempotentEnqueue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.UpsertEngine(ctx, "MAIN", "main", 1_000_000))
	run := core.Run{RunID: "r1", EngineID: "MAIN", Mode: core.ModePaper, Status: core.RunCreated, ConfigHash: "h", GitHash: "g", HostFingerprint: "f"}
	require.NoError(t, s.CreateRun(ctx, run))

	entry := core.OutboxEntry{IdempotencyKey: "key1", RunID: "r1", OrderPayload: []byte("{}"), Status: core.OutboxPending, CreatedAt: time.Now().UTC()}
	created, err := s.EnqueueOutbox(ctx, entry)
	require.NoError(t, err)
	require.True(t, created)

	created, err = s.EnqueueOutbox(ctx, entry)
	require.NoError(t, err)
	require.False(t, created, "duplicate enqueue must not create a second row")
}

func TestOutboxClaimUsesSkipLockedSemantics(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.UpsertEngine(ctx, "MAIN", "main", 1_000_000))
	run := core.Run{RunID: "r1", EngineID: "MAIN", Mode: core.ModePaper, Status: core.RunCreated, ConfigHash: "h", GitHash: "g", HostFingerprint: "f"}
	require.NoError(t, s.CreateRun(ctx, run))

	_, err := s.EnqueueOutbox(ctx, core.OutboxEntry{IdempotencyKey: "k1", RunID: "r1", OrderPayload: []byte("{}"), Status: core.OutboxPending, CreatedAt: time.Now().UTC()})
	require.NoError(t, err)

	claimed, err := s.ClaimNextOutboxRows(ctx, "r1", "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, core.OutboxClaimed, claimed[0].Status)

	claimedAgain, err := s.ClaimNextOutboxRows(ctx, "r1", "worker-2", 10)
	require.NoError(t, err)
	require.Empty(t, claimedAgain)
}

func TestInboxAppliesOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.UpsertEngine(ctx, "MAIN", "main", 1_000_000))
	run := core.Run{RunID: "r1", EngineID: "MAIN", Mode: core.ModePaper, Status: core.RunCreated, ConfigHash: "h", GitHash: "g", HostFingerprint: "f"}
	require.NoError(t, s.CreateRun(ctx, run))

	entry := core.InboxEntry{BrokerMessageID: "F1", RunID: "r1", MessagePayload: []byte("{}"), ReceivedAt: time.Now().UTC()}
	first, err := s.InsertInboxIfNew(ctx, entry)
	require.NoError(t, err)
	require.True(t, first)

	second, err := s.InsertInboxIfNew(ctx, entry)
	require.NoError(t, err)
	require.False(t, second)
}

func TestReconcileCheckpointRejectsNonMonotonicWatermark(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.UpsertEngine(ctx, "MAIN", "main", 1_000_000))
	run := core.Run{RunID: "r1", EngineID: "MAIN", Mode: core.ModePaper, Status: core.RunCreated, ConfigHash: "h", GitHash: "g", HostFingerprint: "f"}
	require.NoError(t, s.CreateRun(ctx, run))

	now := time.Now().UTC()
	require.NoError(t, s.WriteReconcileCheckpoint(ctx, core.ReconcileCheckpoint{RunID: "r1", Verdict: core.VerdictClean, SnapshotWatermark: now, ResultHash: "h1", CreatedAt: now}))

	err := s.WriteReconcileCheckpoint(ctx, core.ReconcileCheckpoint{RunID: "r1", Verdict: core.VerdictClean, SnapshotWatermark: now, ResultHash: "h2", CreatedAt: now})
	require.Error(t, err)
}

func TestArmStateSingleton(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetArmState(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	now := time.Now().UTC()
	require.NoError(t, s.SetArmState(ctx, core.Disarmed, core.ReasonBootDefault, now))
	st, err := s.GetArmState(ctx)
	require.NoError(t, err)
	require.Equal(t, core.Disarmed, st.State)
	require.Equal(t, core.ReasonBootDefault, st.Reason)
}

func TestBrokerOrderMapRejectsMissingOutboxRow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	// No outbox row with internal_id "ghost" exists; FK should reject.
	err := s.UpsertBrokerMap(ctx, "ghost", "B1", time.Now().UTC())
	require.Error(t, err)
}
