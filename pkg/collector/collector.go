package collector

import (
	"context"

	"meter-collector/internal/tasks"
)

// Options re-exposes the tasks.Options type for external callers.
type Options = tasks.Options

// Run starts the collector with the given options using the internal tasks
// implementation. It blocks until ctx is canceled.
func Run(ctx context.Context, opts Options) error {
	return tasks.InitAndRunCollector(ctx, opts)
}
