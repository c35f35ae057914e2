package workflow

import (
	"time"

	"go.temporal.io/sdk/workflow"

	"github.com/dlncollector/backfill/internal/activities"
)

// HealthCheckWorkflow is the supplemented health surface of SPEC_FULL
// §9: a short-lived workflow wrapping check_rpc_health so a health
// probe is observable the same way collection runs are (workflow
// history, not a bare synchronous activity call from the CLI).
func HealthCheckWorkflow(ctx workflow.Context, rpcQueue string) (activities.HealthResult, error) {
	var a *activities.Activities
	activityCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		TaskQueue:           rpcQueue,
		StartToCloseTimeout: 30 * time.Second,
	})

	var result activities.HealthResult
	err := workflow.ExecuteActivity(activityCtx, a.CheckRPCHealth).Get(ctx, &result)
	return result, err
}
