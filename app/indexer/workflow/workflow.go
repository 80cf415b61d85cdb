// Package workflow runs indexing cycles as Temporal workflows so a schedule can drive them across
// worker restarts.
package workflow

import (
	"context"
	"errors"
	"time"

	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/mycelix-network/playsettle/pkg/faults"
	"github.com/mycelix-network/playsettle/pkg/indexer"
)

const (
	IndexCycleWorkflowName = "IndexCycleWorkflow"
	IndexCycleActivityName = "IndexCycle"
	IndexCycleScheduleID   = "indexcycle"

	// errTypeInvariant marks failures retrying cannot fix.
	errTypeInvariant = "Invariant"
)

// Cycler runs one indexing cycle. *indexer.Indexer satisfies it.
type Cycler interface {
	IndexNewEvents(ctx context.Context) (int, error)
	Status() indexer.Status
}

// CycleResult is what one workflow run reports.
type CycleResult struct {
	Events      int    `json:"events"`
	LastIndexed uint64 `json:"last_indexed"`
	// Skipped is set when another cycle already held the indexer.
	Skipped bool `json:"skipped"`
}

// Activities carries the dependencies of the indexing activities.
type Activities struct {
	Logger  *zap.Logger
	Indexer Cycler
}

// IndexCycle runs a single cycle. Source errors are returned as-is so Temporal retries them;
// invariant errors are non-retryable.
func (a *Activities) IndexCycle(ctx context.Context) (CycleResult, error) {
	n, err := a.Indexer.IndexNewEvents(ctx)
	switch {
	case err == nil:
		return CycleResult{Events: n, LastIndexed: a.Indexer.Status().LastIndexed}, nil
	case errors.Is(err, indexer.ErrCycleInProgress):
		a.Logger.Debug("Indexing cycle already running, skipping")
		return CycleResult{Skipped: true, LastIndexed: a.Indexer.Status().LastIndexed}, nil
	case errors.Is(err, faults.ErrInvariant):
		return CycleResult{}, sdktemporal.NewNonRetryableApplicationError(err.Error(), errTypeInvariant, err)
	default:
		return CycleResult{}, err
	}
}

// Context holds the workflow configuration.
type Context struct {
	// ActivityTimeout bounds one attempt; it should exceed the RPC timeout.
	ActivityTimeout time.Duration
	MaxAttempts     int32
}

// IndexCycleWorkflow runs IndexCycle with a short retry budget. A run that exhausts it fails and
// the next scheduled tick starts over from the stored checkpoint.
func (wc *Context) IndexCycleWorkflow(ctx workflow.Context) (CycleResult, error) {
	timeout := wc.ActivityTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	attempts := wc.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &sdktemporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        10 * time.Second,
			MaximumAttempts:        attempts,
			NonRetryableErrorTypes: []string{errTypeInvariant},
		},
	})

	var result CycleResult
	if err := workflow.ExecuteActivity(ctx, IndexCycleActivityName).Get(ctx, &result); err != nil {
		return CycleResult{}, err
	}
	if result.Events > 0 {
		workflow.GetLogger(ctx).Info("Indexed events", "events", result.Events, "lastIndexed", result.LastIndexed)
	}
	return result, nil
}
