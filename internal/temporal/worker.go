package temporal

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// StartWorker creates and starts a Temporal worker.
func StartWorker(c client.Client, taskQueue string) (worker.Worker, error) {
	w := worker.New(c, taskQueue, worker.Options{})

	w.RegisterWorkflow(ResolveWorkflow)
	w.RegisterActivity(ResolveActivity)

	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}
	return w, nil
}

// Submit starts a resolution workflow and waits for its result.
func Submit(ctx context.Context, c client.Client, taskQueue string, input ResolveInput) (*ResolveOutput, error) {
	opts := client.StartWorkflowOptions{
		ID:        "lazyrunner-" + input.RunID,
		TaskQueue: taskQueue,
	}
	run, err := c.ExecuteWorkflow(ctx, opts, ResolveWorkflow, input)
	if err != nil {
		return nil, fmt.Errorf("start workflow: %w", err)
	}
	var out ResolveOutput
	if err := run.Get(ctx, &out); err != nil {
		return nil, fmt.Errorf("workflow %s: %w", run.GetID(), err)
	}
	return &out, nil
}
