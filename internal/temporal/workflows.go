package temporal

import (
	"fmt"
	"time"

	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// DefaultTimeout bounds one resolution request when the input sets none.
const DefaultTimeout = 30 * time.Minute

// ResolveInput holds the workflow parameters. Parameters is the complete,
// already assembled tree in the disk cache codec.
type ResolveInput struct {
	RunID      string
	Modules    []string
	Parameters []byte
	Timeout    time.Duration
}

// ResultSummary describes one requested result. Results themselves stay in
// the worker's caches; only a preview travels back.
type ResultSummary struct {
	Module  string
	Key     string
	Type    string
	Preview string
}

// ResolveOutput holds the workflow result.
type ResolveOutput struct {
	RunID    string
	Results  []ResultSummary
	Duration time.Duration
}

// ResolveWorkflow runs one resolution request as a single activity. The
// activity is attempted once: module failures are not retried.
func ResolveWorkflow(ctx workflow.Context, input ResolveInput) (*ResolveOutput, error) {
	timeout := input.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         &sdktemporal.RetryPolicy{MaximumAttempts: 1},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var out ResolveOutput
	if err := workflow.ExecuteActivity(ctx, ResolveActivity, input).Get(ctx, &out); err != nil {
		return nil, fmt.Errorf("resolve %v: %w", input.Modules, err)
	}
	return &out, nil
}
