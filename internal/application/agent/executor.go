package agent

import (
	"context"

	"github.com/cloudrpa/fleet/internal/domain"
)

// ProgressFunc reports executor progress back to the agent. Progress is a
// percentage in [0,100]; currentNode names the workflow step being executed.
// Safe to call from the executor goroutine until Execute returns.
type ProgressFunc func(progress int, currentNode string)

// Executor runs one workflow to completion. The agent owns the surrounding
// lifecycle: claiming, leasing, settling and cancellation. Implementations
// must honor ctx, which ends on cooperative cancellation, execution timeout
// and forced shutdown. The returned bytes are stored verbatim as the job
// result.
type Executor interface {
	Execute(ctx context.Context, job *domain.Job, progress ProgressFunc) ([]byte, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, job *domain.Job, progress ProgressFunc) ([]byte, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, job *domain.Job, progress ProgressFunc) ([]byte, error) {
	return f(ctx, job, progress)
}
