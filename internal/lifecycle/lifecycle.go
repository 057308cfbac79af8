// Package lifecycle drives the run state machine and the arm-preflight gate
// an operator must clear before a run may transition to ARMED. The
// transition DAG itself is enforced at the store layer; this package adds
// the preflight evidence checks the spec requires before even attempting
// the transition.
package lifecycle

import (
	"context"
	"time"

	"capitalkernel/internal/core"
	"capitalkernel/internal/errkind"
	"capitalkernel/internal/store"
)

// ArmRequest carries the operator-supplied evidence arm-preflight checks
// against the run's actual recorded state; none of these fields are trusted
// verdicts, they are raw inputs the preflight re-derives and verifies.
type ArmRequest struct {
	RunID              string
	EffectiveConfigHash string
	SecretsScanClean   bool
	DailyLossLimit     core.Money
	MaxDrawdown        float64
	FreshnessBound     time.Duration
	LiveConfirmation   string // required only for LIVE: "ARM LIVE <account_last4> <daily_loss_limit>"
	AccountLast4       string
}

// ArmPreflight re-derives every condition spec §4.3 requires before a run
// may transition CREATED/STOPPED → ARMED, and performs the transition only
// if every condition holds.
func ArmPreflight(ctx context.Context, st store.Store, req ArmRequest, now time.Time) error {
	run, err := st.GetRun(ctx, req.RunID)
	if err != nil {
		return errkind.New(errkind.Unreachable, "run unreadable", err)
	}
	if run.Status != core.RunCreated && run.Status != core.RunStopped {
		return errkind.New(errkind.PreconditionFailed, "run is not in CREATED or STOPPED", nil)
	}

	cp, found, err := st.LatestReconcileCheckpoint(ctx, req.RunID)
	if err != nil {
		return errkind.New(errkind.Unreachable, "reconcile checkpoint unreadable", err)
	}
	switch {
	case !found:
		return errkind.New(errkind.PreconditionFailed, "reconcile-missing", nil)
	case cp.Verdict != core.VerdictClean:
		return errkind.New(errkind.PreconditionFailed, "reconcile-dirty", nil)
	case cp.SnapshotWatermark.Before(now.Add(-req.FreshnessBound)):
		return errkind.New(errkind.PreconditionFailed, "reconcile-stale", nil)
	}

	if run.Mode == core.ModeLive {
		if req.DailyLossLimit <= 0 || req.MaxDrawdown <= 0 {
			return errkind.New(errkind.PreconditionFailed, "LIVE mode requires positive daily_loss_limit and max_drawdown", nil)
		}
		expected := "ARM LIVE " + req.AccountLast4 + " " + req.DailyLossLimit.String()
		if req.LiveConfirmation != expected {
			return errkind.New(errkind.SecurityRefusal, "missing or incorrect LIVE arm confirmation string", nil)
		}
	}

	if req.EffectiveConfigHash != run.ConfigHash {
		return errkind.New(errkind.PreconditionFailed, "config_hash does not match the run's pinned hash", nil)
	}
	if !req.SecretsScanClean {
		return errkind.New(errkind.SecurityRefusal, "secrets scan on effective config is not clean", nil)
	}

	return st.TransitionRun(ctx, req.RunID, core.RunArmed, now)
}

// Begin transitions an armed run to RUNNING.
func Begin(ctx context.Context, st store.Store, runID string, now time.Time) error {
	return st.TransitionRun(ctx, runID, core.RunRunning, now)
}

// Stop transitions an armed or running run to STOPPED. Per spec, this is
// operator-only: the orchestrator must never flip RUNNING→STOPPED on its
// own shutdown.
func Stop(ctx context.Context, st store.Store, runID string, now time.Time) error {
	return st.TransitionRun(ctx, runID, core.RunStopped, now)
}

// Halt transitions any run status to HALTED. Halts are always allowed,
// including from the orchestrator on unrecoverable error.
func Halt(ctx context.Context, st store.Store, runID string, now time.Time) error {
	return st.TransitionRun(ctx, runID, core.RunHalted, now)
}
