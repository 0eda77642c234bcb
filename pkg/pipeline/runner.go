package pipeline

import (
	"context"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/runner"
)

// Runner binds an orchestrator (or any drainer) to the process
// lifecycle so shutdown drains calls before exiting.
type Runner struct {
	orch Orchestrator
	lc   *runner.LifecycleRunner
}

func NewRunner(orch Orchestrator, hooks runner.Hooks) *Runner {
	drainer := DrainerFunc(func() error { return orch.Stop() })
	return &Runner{orch: orch, lc: runner.NewLifecycleRunner(drainer, hooks, 0)}
}

// NewDrainRunner wraps an arbitrary drainer, used by the engine whose
// drain spans the transport and every live session, not one
// orchestrator.
func NewDrainRunner(drainer runner.Drainer, hooks runner.Hooks, timeout time.Duration) *Runner {
	return &Runner{lc: runner.NewLifecycleRunner(drainer, hooks, timeout)}
}

func (r *Runner) Run(ctx context.Context) error { return r.lc.Run(ctx) }
func (r *Runner) Stop() error                   { return r.lc.Stop() }

func (r *Runner) Restart(ctx context.Context) error {
	_ = r.lc.Stop()
	return r.lc.Run(ctx)
}

type DrainerFunc func() error

func (r DrainerFunc) Drain() error { return r() }
