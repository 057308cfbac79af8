// Package armstate owns the singleton arm-state row and the deadman
// heartbeat watchdog. Boot policy always leaves the process DISARMED: a
// persisted ARMED state becomes DISARMED/BootDefault, and an already
// DISARMED state keeps its reason, so a crash never silently resumes in an
// armed state.
package armstate

import (
	"context"
	"time"

	"capitalkernel/internal/core"
	"capitalkernel/internal/store"
)

// ApplyBootPolicy loads the persisted arm-state and enforces the boot
// invariant: if it was ARMED, force DISARMED/BootDefault; if it was already
// DISARMED, its reason (DeadmanHalt, IntegrityViolation, ReconcileDrift, or
// otherwise) is preserved untouched — a boot never clears a sticky reason.
func ApplyBootPolicy(ctx context.Context, st store.Store, now time.Time) (core.ArmState, error) {
	existing, err := st.GetArmState(ctx)
	if err != nil {
		if err == store.ErrNotFound {
			if setErr := st.SetArmState(ctx, core.Disarmed, core.ReasonBootDefault, now); setErr != nil {
				return core.ArmState{}, setErr
			}
			return core.ArmState{State: core.Disarmed, Reason: core.ReasonBootDefault, UpdatedAt: now}, nil
		}
		return core.ArmState{}, err
	}

	if existing.State == core.Disarmed {
		return existing, nil // already disarmed: reason is preserved untouched
	}

	if err := st.SetArmState(ctx, core.Disarmed, core.ReasonBootDefault, now); err != nil {
		return core.ArmState{}, err
	}
	return core.ArmState{State: core.Disarmed, Reason: core.ReasonBootDefault, UpdatedAt: now}, nil
}

// Deadman watches a run's heartbeat against a TTL and disarms the system
// with DeadmanHalt when the heartbeat has expired. It is driven by the
// injected clock, never by wall-clock time directly, so backtests and tests
// can exercise expiry deterministically.
type Deadman struct {
	st  store.Store
	ttl time.Duration
}

func NewDeadman(st store.Store, ttl time.Duration) *Deadman {
	return &Deadman{st: st, ttl: ttl}
}

// Check inspects runID's last heartbeat against now and disarms if expired.
// It reports whether a disarm was newly triggered by this call.
func (d *Deadman) Check(ctx context.Context, runID string, now time.Time) (bool, error) {
	run, err := d.st.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.LastHeartbeat == nil {
		return false, nil
	}
	if now.Sub(*run.LastHeartbeat) <= d.ttl {
		return false, nil
	}

	arm, err := d.st.GetArmState(ctx)
	if err == nil && arm.State == core.Disarmed && arm.Reason == core.ReasonDeadmanHalt {
		return false, nil // already tripped
	}
	if err := d.st.SetArmState(ctx, core.Disarmed, core.ReasonDeadmanHalt, now); err != nil {
		return false, err
	}
	return true, nil
}

// Heartbeat stamps the run's last_heartbeat, the only thing that keeps the
// deadman from tripping. Called by the orchestrator on every bar.
func Heartbeat(ctx context.Context, st store.Store, runID string, now time.Time) error {
	return st.StampHeartbeat(ctx, runID, now)
}

// ManualDisarm is the only path an operator uses to clear a sticky
// violation or force a halt outside the deadman/integrity/reconcile paths.
func ManualDisarm(ctx context.Context, st store.Store, now time.Time) error {
	return st.SetArmState(ctx, core.Disarmed, core.ReasonManualDisarm, now)
}

// DisarmForIntegrityViolation persists a sticky IntegrityViolation disarm so
// it survives restart, per the integrity engine's in-memory violation (see
// integrity.Engine.stick) and the gateway's reject-storm trip.
func DisarmForIntegrityViolation(ctx context.Context, st store.Store, now time.Time) error {
	return st.SetArmState(ctx, core.Disarmed, core.ReasonIntegrityViolation, now)
}

// DisarmForReconcileDrift persists a sticky ReconcileDrift disarm so a
// DIRTY or CRITICAL reconcile finding survives restart rather than only
// living in the rejected checkpoint write.
func DisarmForReconcileDrift(ctx context.Context, st store.Store, now time.Time) error {
	return st.SetArmState(ctx, core.Disarmed, core.ReasonReconcileDrift, now)
}

// Arm transitions the singleton to ARMED. Callers (the lifecycle package)
// are responsible for running the full arm-preflight before calling this;
// armstate itself performs no gate checks.
func Arm(ctx context.Context, st store.Store, now time.Time) error {
	return st.SetArmState(ctx, core.Armed, core.ReasonNone, now)
}
