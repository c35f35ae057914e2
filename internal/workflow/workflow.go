// Package workflow implements the Temporal workflow layer of spec
// §4.6: a per-(program_id, event_type) child collector state machine
// and a parent orchestrator that starts one child per side of an
// order's lifecycle. All side effects are delegated to
// internal/activities; the workflow functions themselves are pure,
// deterministic state transitions over model.ChildState /
// model.ParentState.
package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/dlncollector/backfill/internal/model"
)

const (
	// MaxIterationsPerRun bounds the durable history size of a single
	// workflow execution; the loop continues-as-new once it is hit.
	MaxIterationsPerRun = 50

	// PauseWaitTimeout bounds how long the workflow waits for a resume
	// signal before giving up and returning in the paused state.
	PauseWaitTimeout = 24 * time.Hour

	SignalPause  = "pause"
	SignalResume = "resume"
	QueryState   = "get_state"
)

// rpcActivityOptions configures activities that talk to the chain RPC
// pool: long timeouts, per-minute heartbeats, and the rpc task queue.
func rpcActivityOptions(ctx workflow.Context, taskQueue string, timeout time.Duration) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		TaskQueue:           taskQueue,
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    0, // unlimited; only non-retryable errors end the retries
		},
	})
}

// dbActivityOptions configures activities against the store: short
// timeouts, higher throughput, the db task queue.
func dbActivityOptions(ctx workflow.Context, taskQueue string) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		TaskQueue:           taskQueue,
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    500 * time.Millisecond,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Second,
			MaximumAttempts:    5,
		},
	})
}

// ChildInput is a child collector's start (or continue-as-new) input.
type ChildInput struct {
	ProgramID    string
	EventType    model.EventType
	Target       uint64
	SigBatchSize int
	TxBatchSize  int
	BatchDelay   time.Duration
	MainQueue    string
	RPCQueue     string
	DBQueue      string
	Resume       *model.ChildState
}
