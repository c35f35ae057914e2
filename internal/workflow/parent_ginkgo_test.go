package workflow

import (
	"errors"
	"testing"
	"time"

	ginkgo "github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"github.com/stretchr/testify/mock"
	"go.temporal.io/sdk/testsuite"

	"github.com/dlncollector/backfill/internal/activities"
	"github.com/dlncollector/backfill/internal/model"
)

func TestParentOrchestratorGinkgoSuite(t *testing.T) {
	gomega.RegisterFailHandler(ginkgo.Fail)
	ginkgo.RunSpecs(t, "parent orchestrator workflow suite")
}

var _ = ginkgo.Describe("ParentOrchestratorWorkflow", func() {
	var (
		wts testsuite.WorkflowTestSuite
		env *testsuite.TestWorkflowEnvironment
		act *activities.Activities
	)

	ginkgo.BeforeEach(func() {
		env = wts.NewTestWorkflowEnvironment()
		env.OnActivity(act.InitializeDatabase, mock.Anything).Return(nil)
	})

	ginkgo.It("runs both children sequentially and completes when neither errors", func() {
		env.OnWorkflow(ChildCollectorWorkflow, mock.Anything, mock.MatchedBy(func(in ChildInput) bool {
			return in.EventType == model.EventCreated
		})).Return(model.ChildState{Status: model.StatusCompleted, TotalCollected: 10}, nil)
		env.OnWorkflow(ChildCollectorWorkflow, mock.Anything, mock.MatchedBy(func(in ChildInput) bool {
			return in.EventType == model.EventFulfilled
		})).Return(model.ChildState{Status: model.StatusCompleted, TotalCollected: 8}, nil)

		env.ExecuteWorkflow(ParentOrchestratorWorkflow, ParentInput{
			SourceProgramID: "source1", DestinationProgramID: "dest1",
			TargetCreated: 10, TargetFulfilled: 8,
			SigBatchSize: 100, TxBatchSize: 10, BatchDelay: time.Millisecond,
			Parallel: false, MainQueue: "main", RPCQueue: "rpc", DBQueue: "db",
		})

		gomega.Expect(env.IsWorkflowCompleted()).To(gomega.BeTrue())
		gomega.Expect(env.GetWorkflowError()).NotTo(gomega.HaveOccurred())

		var result model.ParentState
		gomega.Expect(env.GetWorkflowResult(&result)).To(gomega.Succeed())
		gomega.Expect(result.Status).To(gomega.Equal(model.StatusCompleted))
		gomega.Expect(result.Children).To(gomega.HaveLen(2))
		gomega.Expect(result.Children[model.EventCreated].FinalStatus).To(gomega.Equal(model.StatusCompleted))
		gomega.Expect(result.Children[model.EventFulfilled].FinalStatus).To(gomega.Equal(model.StatusCompleted))
	})

	ginkgo.It("marks the parent errored when a child collector fails", func() {
		env.OnWorkflow(ChildCollectorWorkflow, mock.Anything, mock.MatchedBy(func(in ChildInput) bool {
			return in.EventType == model.EventCreated
		})).Return(model.ChildState{}, errors.New("rpc endpoint exhausted"))
		env.OnWorkflow(ChildCollectorWorkflow, mock.Anything, mock.MatchedBy(func(in ChildInput) bool {
			return in.EventType == model.EventFulfilled
		})).Return(model.ChildState{Status: model.StatusCompleted}, nil)

		env.ExecuteWorkflow(ParentOrchestratorWorkflow, ParentInput{
			SourceProgramID: "source1", DestinationProgramID: "dest1",
			TargetCreated: 10, TargetFulfilled: 8,
			SigBatchSize: 100, TxBatchSize: 10, BatchDelay: time.Millisecond,
			Parallel: true, MainQueue: "main", RPCQueue: "rpc", DBQueue: "db",
		})

		var result model.ParentState
		gomega.Expect(env.GetWorkflowResult(&result)).To(gomega.Succeed())
		gomega.Expect(result.Status).To(gomega.Equal(model.StatusError))
		gomega.Expect(result.Children[model.EventCreated].FinalStatus).To(gomega.Equal(model.StatusError))
		gomega.Expect(result.Children[model.EventFulfilled].FinalStatus).To(gomega.Equal(model.StatusCompleted))
	})
})
