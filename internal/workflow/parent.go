package workflow

import (
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/workflow"

	"github.com/dlncollector/backfill/internal/activities"
	"github.com/dlncollector/backfill/internal/model"
)

// ParentInput configures the orchestrator per spec §4.6: it always
// starts exactly two children, one per side of an order's lifecycle.
type ParentInput struct {
	SourceProgramID      string
	DestinationProgramID string
	TargetCreated        uint64
	TargetFulfilled      uint64
	SigBatchSize         int
	TxBatchSize          int
	BatchDelay           time.Duration
	Parallel             bool
	MainQueue            string
	RPCQueue             string
	DBQueue              string
}

// ParentOrchestratorWorkflow initializes the database then starts the
// created/fulfilled child collectors, concurrently or sequentially per
// in.Parallel, and requests their cancellation when it itself closes.
func ParentOrchestratorWorkflow(ctx workflow.Context, in ParentInput) (model.ParentState, error) {
	state := model.ParentState{
		Status:    model.StatusInitializing,
		Children:  make(map[model.EventType]model.ChildRef),
		StartedAt: workflow.Now(ctx),
	}

	if err := workflow.SetQueryHandler(ctx, QueryState, func() (model.ParentState, error) {
		return state, nil
	}); err != nil {
		return state, err
	}

	var a *activities.Activities
	dbCtx := dbActivityOptions(ctx, in.DBQueue)
	if err := workflow.ExecuteActivity(dbCtx, a.InitializeDatabase).Get(ctx, nil); err != nil {
		state.Status = model.StatusError
		return state, err
	}

	state.Status = model.StatusCollecting

	createdOpts := childWorkflowOptions("collector-created-" + in.SourceProgramID)
	fulfilledOpts := childWorkflowOptions("collector-fulfilled-" + in.DestinationProgramID)

	createdInput := ChildInput{
		ProgramID: in.SourceProgramID, EventType: model.EventCreated, Target: in.TargetCreated,
		SigBatchSize: in.SigBatchSize, TxBatchSize: in.TxBatchSize, BatchDelay: in.BatchDelay,
		MainQueue: in.MainQueue, RPCQueue: in.RPCQueue, DBQueue: in.DBQueue,
	}
	fulfilledInput := ChildInput{
		ProgramID: in.DestinationProgramID, EventType: model.EventFulfilled, Target: in.TargetFulfilled,
		SigBatchSize: in.SigBatchSize, TxBatchSize: in.TxBatchSize, BatchDelay: in.BatchDelay,
		MainQueue: in.MainQueue, RPCQueue: in.RPCQueue, DBQueue: in.DBQueue,
	}

	createdCtx := workflow.WithChildOptions(ctx, createdOpts)
	fulfilledCtx := workflow.WithChildOptions(ctx, fulfilledOpts)

	createdFuture := workflow.ExecuteChildWorkflow(createdCtx, ChildCollectorWorkflow, createdInput)
	state.Children[model.EventCreated] = model.ChildRef{
		WorkflowID: createdOpts.WorkflowID, EventType: model.EventCreated, StartedAt: workflow.Now(ctx),
	}

	if !in.Parallel {
		var createdState model.ChildState
		err := createdFuture.Get(ctx, &createdState)
		recordChildResult(ctx, &state, model.EventCreated, createdState, err)
	}

	fulfilledFuture := workflow.ExecuteChildWorkflow(fulfilledCtx, ChildCollectorWorkflow, fulfilledInput)
	state.Children[model.EventFulfilled] = model.ChildRef{
		WorkflowID: fulfilledOpts.WorkflowID, EventType: model.EventFulfilled, StartedAt: workflow.Now(ctx),
	}

	if in.Parallel {
		var createdState, fulfilledState model.ChildState
		createdErr := createdFuture.Get(ctx, &createdState)
		recordChildResult(ctx, &state, model.EventCreated, createdState, createdErr)
		fulfilledErr := fulfilledFuture.Get(ctx, &fulfilledState)
		recordChildResult(ctx, &state, model.EventFulfilled, fulfilledState, fulfilledErr)
	} else {
		var fulfilledState model.ChildState
		err := fulfilledFuture.Get(ctx, &fulfilledState)
		recordChildResult(ctx, &state, model.EventFulfilled, fulfilledState, err)
	}

	state.Status = model.StatusCompleted
	for _, ref := range state.Children {
		if ref.FinalStatus == model.StatusError {
			state.Status = model.StatusError
			break
		}
	}
	return state, nil
}

func childWorkflowOptions(workflowID string) workflow.ChildWorkflowOptions {
	return workflow.ChildWorkflowOptions{
		WorkflowID:        workflowID,
		ParentClosePolicy: enumspb.PARENT_CLOSE_POLICY_REQUEST_CANCEL,
	}
}

func recordChildResult(ctx workflow.Context, state *model.ParentState, eventType model.EventType, childState model.ChildState, err error) {
	ref := state.Children[eventType]
	ref.CompletedAt = workflow.Now(ctx)
	if err != nil {
		ref.FinalStatus = model.StatusError
	} else {
		ref.FinalStatus = childState.Status
	}
	state.Children[eventType] = ref
}
