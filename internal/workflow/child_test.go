package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/testsuite"

	"github.com/dlncollector/backfill/internal/activities"
	"github.com/dlncollector/backfill/internal/model"
)

type ChildWorkflowTestSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite
}

func TestChildWorkflowTestSuite(t *testing.T) {
	suite.Run(t, new(ChildWorkflowTestSuite))
}

func (s *ChildWorkflowTestSuite) TestCompletesWhenTargetAlreadyMet() {
	env := s.NewTestWorkflowEnvironment()
	var a *activities.Activities

	env.OnActivity(a.GetProgress, mock.Anything, "program1", model.EventCreated).
		Return(activities.ProgressResult{LastSignature: "sigZ", TotalCollected: 10}, nil)

	env.ExecuteWorkflow(ChildCollectorWorkflow, ChildInput{
		ProgramID: "program1", EventType: model.EventCreated, Target: 10,
		SigBatchSize: 100, TxBatchSize: 10, BatchDelay: time.Millisecond,
		RPCQueue: "rpc", DBQueue: "db",
	})

	s.True(env.IsWorkflowCompleted())
	s.NoError(env.GetWorkflowError())

	var result model.ChildState
	s.NoError(env.GetWorkflowResult(&result))
	s.Equal(model.StatusCompleted, result.Status)
}

func (s *ChildWorkflowTestSuite) TestCompletesWhenSignaturePageIsEmpty() {
	env := s.NewTestWorkflowEnvironment()
	var a *activities.Activities

	env.OnActivity(a.GetProgress, mock.Anything, "program1", model.EventCreated).
		Return(activities.ProgressResult{}, nil)
	env.OnActivity(a.FetchSignaturesBatch, mock.Anything, activities.FetchSignaturesBatchInput{
		ProgramID: "program1", Before: "", Limit: 100,
	}).Return(activities.FetchSignaturesBatchResult{}, nil)

	env.ExecuteWorkflow(ChildCollectorWorkflow, ChildInput{
		ProgramID: "program1", EventType: model.EventCreated, Target: 10,
		SigBatchSize: 100, TxBatchSize: 10, BatchDelay: time.Millisecond,
		RPCQueue: "rpc", DBQueue: "db",
	})

	s.True(env.IsWorkflowCompleted())
	s.NoError(env.GetWorkflowError())

	var result model.ChildState
	s.NoError(env.GetWorkflowResult(&result))
	s.Equal(model.StatusCompleted, result.Status)
	require.Zero(s.T(), result.TotalCollected)
}

func (s *ChildWorkflowTestSuite) TestPartialPageErrorsAreSkippedButCounted() {
	env := s.NewTestWorkflowEnvironment()
	var a *activities.Activities

	env.OnActivity(a.GetProgress, mock.Anything, "program1", model.EventCreated).
		Return(activities.ProgressResult{}, nil)
	env.OnActivity(a.FetchSignaturesBatch, mock.Anything, activities.FetchSignaturesBatchInput{
		ProgramID: "program1", Before: "", Limit: 100,
	}).Return(activities.FetchSignaturesBatchResult{
		Signatures: []string{"sig1"}, ErroredCount: 1, LastSignature: "sig2", HasMore: false,
	}, nil)
	env.OnActivity(a.FetchAndParseTransactions, mock.Anything, activities.FetchAndParseInput{
		Signatures: []string{"sig1"}, ProgramID: "program1", EventType: model.EventCreated,
	}).Return(activities.FetchAndParseResult{ProcessedCount: 1}, nil)
	env.OnActivity(a.StoreEvents, mock.Anything, activities.StoreEventsInput{
		ProgramID: "program1", EventType: model.EventCreated, LastSignature: "sig1",
	}).Return(activities.StoreEventsResult{InsertedCount: 1, TotalCollected: 10}, nil)

	env.ExecuteWorkflow(ChildCollectorWorkflow, ChildInput{
		ProgramID: "program1", EventType: model.EventCreated, Target: 10,
		SigBatchSize: 100, TxBatchSize: 10, BatchDelay: time.Millisecond,
		RPCQueue: "rpc", DBQueue: "db",
	})

	s.True(env.IsWorkflowCompleted())
	s.NoError(env.GetWorkflowError())

	var result model.ChildState
	s.NoError(env.GetWorkflowResult(&result))
	s.Equal(model.StatusCompleted, result.Status)
	s.EqualValues(2, result.SignaturesProcessed)
	s.EqualValues(1, result.SignaturesWithErrors)
	s.Contains(result.ErrorMessage, "1 signature(s) skipped")
}

func (s *ChildWorkflowTestSuite) TestAllErroredPageAdvancesCursorWithoutCompleting() {
	env := s.NewTestWorkflowEnvironment()
	var a *activities.Activities

	env.OnActivity(a.GetProgress, mock.Anything, "program1", model.EventCreated).
		Return(activities.ProgressResult{}, nil)
	env.OnActivity(a.FetchSignaturesBatch, mock.Anything, activities.FetchSignaturesBatchInput{
		ProgramID: "program1", Before: "", Limit: 100,
	}).Return(activities.FetchSignaturesBatchResult{
		ErroredCount: 3, LastSignature: "sig3", HasMore: true,
	}, nil).Once()
	env.OnActivity(a.FetchSignaturesBatch, mock.Anything, activities.FetchSignaturesBatchInput{
		ProgramID: "program1", Before: "sig3", Limit: 100,
	}).Return(activities.FetchSignaturesBatchResult{}, nil)

	env.ExecuteWorkflow(ChildCollectorWorkflow, ChildInput{
		ProgramID: "program1", EventType: model.EventCreated, Target: 10,
		SigBatchSize: 100, TxBatchSize: 10, BatchDelay: time.Millisecond,
		RPCQueue: "rpc", DBQueue: "db",
	})

	s.True(env.IsWorkflowCompleted())
	s.NoError(env.GetWorkflowError())

	var result model.ChildState
	s.NoError(env.GetWorkflowResult(&result))
	s.Equal(model.StatusCompleted, result.Status)
	s.EqualValues(3, result.SignaturesProcessed)
	s.EqualValues(3, result.SignaturesWithErrors)
	s.EqualValues(1, result.IterationCount)
	s.Equal("sig3", result.LastSignature)
}

func (s *ChildWorkflowTestSuite) TestOneBatchAdvancesCheckpoint() {
	env := s.NewTestWorkflowEnvironment()
	var a *activities.Activities

	env.OnActivity(a.GetProgress, mock.Anything, "program1", model.EventCreated).
		Return(activities.ProgressResult{}, nil)
	env.OnActivity(a.FetchSignaturesBatch, mock.Anything, activities.FetchSignaturesBatchInput{
		ProgramID: "program1", Before: "", Limit: 100,
	}).Return(activities.FetchSignaturesBatchResult{
		Signatures: []string{"sig1", "sig2"}, LastSignature: "sig2", HasMore: false,
	}, nil)
	env.OnActivity(a.FetchAndParseTransactions, mock.Anything, activities.FetchAndParseInput{
		Signatures: []string{"sig1", "sig2"}, ProgramID: "program1", EventType: model.EventCreated,
	}).Return(activities.FetchAndParseResult{ProcessedCount: 2}, nil)
	env.OnActivity(a.StoreEvents, mock.Anything, activities.StoreEventsInput{
		ProgramID: "program1", EventType: model.EventCreated, LastSignature: "sig2",
	}).Return(activities.StoreEventsResult{InsertedCount: 1, TotalCollected: 10}, nil)

	env.ExecuteWorkflow(ChildCollectorWorkflow, ChildInput{
		ProgramID: "program1", EventType: model.EventCreated, Target: 10,
		SigBatchSize: 100, TxBatchSize: 10, BatchDelay: time.Millisecond,
		RPCQueue: "rpc", DBQueue: "db",
	})

	s.True(env.IsWorkflowCompleted())
	s.NoError(env.GetWorkflowError())

	var result model.ChildState
	s.NoError(env.GetWorkflowResult(&result))
	s.Equal(model.StatusCompleted, result.Status)
	s.EqualValues(10, result.TotalCollected)
	s.Equal("sig2", result.LastSignature)
}
