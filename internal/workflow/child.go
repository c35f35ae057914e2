package workflow

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/workflow"

	"github.com/dlncollector/backfill/internal/activities"
	"github.com/dlncollector/backfill/internal/model"
)

// ChildCollectorWorkflow runs one (program_id, event_type)'s
// collection loop per spec §4.6. It continues-as-new every
// MaxIterationsPerRun iterations to keep its durable history bounded,
// carrying its ChildState verbatim into the next run.
func ChildCollectorWorkflow(ctx workflow.Context, in ChildInput) (model.ChildState, error) {
	logger := workflow.GetLogger(ctx)

	state := restoreOrInitialize(ctx, in)
	if state.Status == model.StatusCompleted || state.Status == model.StatusError {
		return state, nil
	}

	paused := false
	pauseCh := workflow.GetSignalChannel(ctx, SignalPause)
	resumeCh := workflow.GetSignalChannel(ctx, SignalResume)

	if err := workflow.SetQueryHandler(ctx, QueryState, func() (model.ChildState, error) {
		return state, nil
	}); err != nil {
		return state, err
	}

	drainSignals := func() {
		for {
			var ignored bool
			if ok := pauseCh.ReceiveAsync(&ignored); ok {
				paused = true
				state.Status = model.StatusPaused
				continue
			}
			if ok := resumeCh.ReceiveAsync(&ignored); ok {
				paused = false
				if state.TotalCollected < state.TargetCount {
					state.Status = model.StatusCollecting
				}
				continue
			}
			break
		}
	}

	iterationsThisRun := 0
	for state.TotalCollected < state.TargetCount {
		drainSignals()

		if paused {
			selector := workflow.NewSelector(ctx)
			resumed := false
			timer := workflow.NewTimer(ctx, PauseWaitTimeout)
			selector.AddFuture(timer, func(workflow.Future) {})
			selector.AddReceive(resumeCh, func(c workflow.ReceiveChannel, more bool) {
				var ignored bool
				c.Receive(ctx, &ignored)
				resumed = true
			})
			selector.Select(ctx)
			if !resumed {
				state.Status = model.StatusPaused
				return state, nil
			}
			paused = false
			state.Status = model.StatusCollecting
			continue
		}

		if iterationsThisRun >= MaxIterationsPerRun {
			return state, workflow.NewContinueAsNewError(ctx, ChildCollectorWorkflow, ChildInput{
				ProgramID: in.ProgramID, EventType: in.EventType, Target: in.Target,
				SigBatchSize: in.SigBatchSize, TxBatchSize: in.TxBatchSize, BatchDelay: in.BatchDelay,
				MainQueue: in.MainQueue, RPCQueue: in.RPCQueue, DBQueue: in.DBQueue,
				Resume: &state,
			})
		}

		var a *activities.Activities
		rpcCtx := rpcActivityOptions(ctx, in.RPCQueue, 3*time.Minute)

		var page activities.FetchSignaturesBatchResult
		if err := workflow.ExecuteActivity(rpcCtx, a.FetchSignaturesBatch, activities.FetchSignaturesBatchInput{
			ProgramID: in.ProgramID,
			Before:    state.LastSignature,
			Limit:     in.SigBatchSize,
		}).Get(ctx, &page); err != nil {
			state.Status = model.StatusError
			state.ErrorMessage = err.Error()
			return state, err
		}

		if len(page.Signatures) == 0 && page.ErroredCount == 0 {
			state.Status = model.StatusCompleted
			break
		}
		// signatures_processed counts every attempted signature, valid or
		// on-chain-errored; only the valid ones continue to fetch/parse.
		state.SignaturesProcessed += uint64(len(page.Signatures) + page.ErroredCount)
		state.SignaturesWithErrors += uint64(page.ErroredCount)
		if page.ErroredCount > 0 {
			note := fmt.Sprintf("page ending %s: %d signature(s) skipped (on-chain error)", page.LastSignature, page.ErroredCount)
			if state.ErrorMessage == "" {
				state.ErrorMessage = note
			} else {
				state.ErrorMessage += "; " + note
			}
		}

		if len(page.Signatures) == 0 {
			// Whole page was on-chain errors: nothing to parse, but the
			// cursor still advanced. Counts as a loop iteration for
			// continue-as-new purposes same as a normal batch would.
			state.LastSignature = page.LastSignature
			state.IterationCount++
			iterationsThisRun++
			if err := workflow.Sleep(ctx, in.BatchDelay); err != nil {
				return state, err
			}
			continue
		}

		for start := 0; start < len(page.Signatures); start += in.TxBatchSize {
			drainSignals()
			if paused {
				break
			}

			end := start + in.TxBatchSize
			if end > len(page.Signatures) {
				end = len(page.Signatures)
			}
			batch := page.Signatures[start:end]

			parseCtx := rpcActivityOptions(ctx, in.RPCQueue, 10*time.Minute)
			var parsed activities.FetchAndParseResult
			if err := workflow.ExecuteActivity(parseCtx, a.FetchAndParseTransactions, activities.FetchAndParseInput{
				Signatures: batch,
				ProgramID:  in.ProgramID,
				EventType:  in.EventType,
			}).Get(ctx, &parsed); err != nil {
				state.Status = model.StatusError
				state.ErrorMessage = err.Error()
				return state, err
			}
			state.TransactionsProcessed += uint64(parsed.ProcessedCount)

			lastInBatch := batch[len(batch)-1]
			storeCtx := dbActivityOptions(ctx, in.DBQueue)
			var stored activities.StoreEventsResult
			if err := workflow.ExecuteActivity(storeCtx, a.StoreEvents, activities.StoreEventsInput{
				Events:        parsed.Events,
				ProgramID:     in.ProgramID,
				EventType:     in.EventType,
				LastSignature: lastInBatch,
			}).Get(ctx, &stored); err != nil {
				state.Status = model.StatusError
				state.ErrorMessage = err.Error()
				return state, err
			}

			state.EventsInserted += uint64(stored.InsertedCount)
			state.DuplicatesSkipped += uint64(stored.DuplicateCount)
			state.TotalCollected = stored.TotalCollected
			state.LastSignature = lastInBatch
			state.LastUpdateAt = workflow.Now(ctx)

			if err := workflow.Sleep(ctx, in.BatchDelay); err != nil {
				return state, err
			}
			if state.TotalCollected >= state.TargetCount {
				break
			}
		}

		state.IterationCount++
		iterationsThisRun++
		if err := workflow.Sleep(ctx, in.BatchDelay); err != nil {
			return state, err
		}
	}

	if state.TotalCollected >= state.TargetCount && state.Status != model.StatusError {
		state.Status = model.StatusCompleted
	}
	logger.Info("child collector finished", "program_id", in.ProgramID, "event_type", in.EventType, "status", state.Status)
	return state, nil
}

func restoreOrInitialize(ctx workflow.Context, in ChildInput) model.ChildState {
	if in.Resume != nil {
		return *in.Resume
	}

	state := model.ChildState{
		Status:      model.StatusInitializing,
		ProgramID:   in.ProgramID,
		EventType:   in.EventType,
		TargetCount: in.Target,
		StartedAt:   workflow.Now(ctx),
	}

	var a *activities.Activities
	var progress activities.ProgressResult
	dbCtx := dbActivityOptions(ctx, in.DBQueue)
	if err := workflow.ExecuteActivity(dbCtx, a.GetProgress, in.ProgramID, in.EventType).Get(ctx, &progress); err == nil {
		state.LastSignature = progress.LastSignature
		state.TotalCollected = progress.TotalCollected
	}

	if state.TotalCollected >= state.TargetCount {
		state.Status = model.StatusCompleted
	} else {
		state.Status = model.StatusCollecting
	}
	state.LastUpdateAt = workflow.Now(ctx)
	return state
}
