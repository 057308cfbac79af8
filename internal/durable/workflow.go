// Package durable wraps one orchestrator bar-tick as a DBOS durable
// workflow of a single step, so a bar interrupted by a process crash is
// attempted again rather than dropped; the repeated attempt relies on the
// outbox/inbox dedupe inside RunBar, not on finer-grained steps. This
// mirrors the teacher's internal/engine/durable package, the workflow
// itself carrying no state of its own beyond what DBOS persists.
package durable

import (
	"context"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"capitalkernel/internal/backtest"
	"capitalkernel/internal/core"
	"capitalkernel/internal/orchestrator"
)

// BarInput is the workflow input for one bar tick. It is passed through
// DBOS's durable input/output encoding, so every field must be
// serializable; Orchestrator and Strategy are injected by the caller at
// registration time via a closure, not carried in the input itself.
type BarInput struct {
	Bar core.Bar
}

// Workflows bundles the orchestrator and strategy a durable bar-workflow
// runs against. One Workflows per running engine.
type Workflows struct {
	orch  *orchestrator.Orchestrator
	strat backtest.Strategy
}

func NewWorkflows(orch *orchestrator.Orchestrator, strat backtest.Strategy) *Workflows {
	return &Workflows{orch: orch, strat: strat}
}

// OnBar is the durable workflow DBOS registers and replays. It runs the
// whole bar as a single step: RunBar is already transactionally safe on
// its own (outbox/inbox dedupe), so the workflow boundary only needs to
// guarantee the step itself is attempted at least once and not silently
// dropped by a crash between bars.
func (w *Workflows) OnBar(ctx dbos.DBOSContext, input any) (any, error) {
	bar := input.(*BarInput).Bar

	_, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		return nil, w.orch.RunBar(stepCtx, bar, w.strat)
	})
	return nil, err
}

// Engine drives a run's bars through the durable workflow instead of a
// bare orchestrator call, giving crash-resumable at-least-once semantics
// on top of the Postgres-backed outbox/inbox the orchestrator already
// keeps. Nothing in this package constructs the dbos.DBOSContext itself —
// that is process-lifetime configuration (database DSN, app name) owned
// by whatever long-running process embeds the orchestrator, the same
// boundary cmd/capitalkernel already draws around internal/orchestrator
// itself (see DESIGN.md).
type Engine struct {
	dbosCtx   dbos.DBOSContext
	workflows *Workflows
}

func NewEngine(dbosCtx dbos.DBOSContext, workflows *Workflows) *Engine {
	return &Engine{dbosCtx: dbosCtx, workflows: workflows}
}

func (e *Engine) Start() error { return e.dbosCtx.Launch() }

func (e *Engine) Stop() error {
	e.dbosCtx.Shutdown(30 * time.Second)
	return nil
}

// RunBar starts the durable workflow for one bar and blocks for its
// result, giving callers the same synchronous contract orchestrator.RunBar
// has today.
func (e *Engine) RunBar(bar core.Bar) error {
	handle, err := e.dbosCtx.RunWorkflow(e.dbosCtx, e.workflows.OnBar, &BarInput{Bar: bar})
	if err != nil {
		return err
	}
	_, err = handle.GetResult()
	return err
}
