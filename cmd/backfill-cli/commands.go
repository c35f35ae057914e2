package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	"github.com/dlncollector/backfill/internal/config"
	"github.com/dlncollector/backfill/internal/model"
	wf "github.com/dlncollector/backfill/internal/workflow"
)

var startCommand = &cli.Command{
	Name:  "start",
	Usage: "begin the parent orchestrator workflow (idempotent if already running)",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return cli.Exit(err, 1)
		}
		tc, err := client.Dial(client.Options{HostPort: cfg.Workflow.Address, Namespace: cfg.Workflow.Namespace})
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer tc.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_, err = tc.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
			ID:        parentWorkflowID,
			TaskQueue: cfg.Workflow.MainQueue,
		}, wf.ParentOrchestratorWorkflow, wf.ParentInput{
			SourceProgramID:      cfg.Chain.SourceProgramID,
			DestinationProgramID: cfg.Chain.DestinationProgramID,
			TargetCreated:        cfg.Collection.TargetCreated,
			TargetFulfilled:      cfg.Collection.TargetFulfilled,
			SigBatchSize:         cfg.Collection.SignaturesBatch,
			TxBatchSize:          cfg.Collection.TxBatch,
			BatchDelay:           cfg.Collection.BatchDelay,
			Parallel:             cfg.Collection.Parallel,
			MainQueue:            cfg.Workflow.MainQueue,
			RPCQueue:             cfg.Workflow.RPCQueue,
			DBQueue:              cfg.Workflow.DBQueue,
		})
		var alreadyStarted *serviceerror.WorkflowExecutionAlreadyStarted
		if err != nil && !errors.As(err, &alreadyStarted) {
			return cli.Exit(err, 1)
		}
		fmt.Println("backfill started (or already running)")
		return nil
	},
}

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "print parent and child collector state",
	Action: func(c *cli.Context) error {
		return printStatus(c)
	},
}

func printStatus(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err, 1)
	}
	tc, err := client.Dial(client.Options{HostPort: cfg.Workflow.Address, Namespace: cfg.Workflow.Namespace})
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer tc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var parentState model.ParentState
	resp, err := tc.QueryWorkflow(ctx, parentWorkflowID, "", wf.QueryState)
	if err != nil {
		return cli.Exit(fmt.Errorf("query parent: %w", err), 1)
	}
	if err := resp.Get(&parentState); err != nil {
		return cli.Exit(err, 1)
	}
	fmt.Printf("parent: status=%s started=%s\n", parentState.Status, parentState.StartedAt.Format(time.RFC3339))

	for eventType, ref := range parentState.Children {
		var childState model.ChildState
		resp, err := tc.QueryWorkflow(ctx, ref.WorkflowID, "", wf.QueryState)
		if err != nil {
			fmt.Printf("  %s: query failed: %v\n", eventType, err)
			continue
		}
		if err := resp.Get(&childState); err != nil {
			fmt.Printf("  %s: decode failed: %v\n", eventType, err)
			continue
		}
		pct := 0.0
		if childState.TargetCount > 0 {
			pct = 100 * float64(childState.TotalCollected) / float64(childState.TargetCount)
		}
		fmt.Printf("  %s: status=%s collected=%d/%d (%.1f%%) last_signature=%s\n",
			eventType, childState.Status, childState.TotalCollected, childState.TargetCount, pct, childState.LastSignature)
	}
	return nil
}

var watchCommand = &cli.Command{
	Name:  "watch",
	Usage: "print status on a 5s refresh until interrupted",
	Action: func(c *cli.Context) error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			if err := printStatus(c); err != nil {
				return err
			}
			fmt.Println()
			<-ticker.C
		}
	},
}

var pauseCommand = &cli.Command{
	Name:  "pause",
	Usage: "signal both child collectors to pause",
	Action: func(c *cli.Context) error { return signalChildren(c, wf.SignalPause) },
}

var resumeCommand = &cli.Command{
	Name:  "resume",
	Usage: "signal both child collectors to resume",
	Action: func(c *cli.Context) error { return signalChildren(c, wf.SignalResume) },
}

func signalChildren(c *cli.Context, signalName string) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err, 1)
	}
	tc, err := client.Dial(client.Options{HostPort: cfg.Workflow.Address, Namespace: cfg.Workflow.Namespace})
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer tc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, eventType := range []model.EventType{model.EventCreated, model.EventFulfilled} {
		workflowID := childWorkflowIDFor(cfg, eventType)
		if err := tc.SignalWorkflow(ctx, workflowID, "", signalName, nil); err != nil {
			fmt.Printf("signal %s -> %s failed: %v\n", signalName, workflowID, err)
			continue
		}
		fmt.Printf("signaled %s -> %s\n", signalName, workflowID)
	}
	return nil
}

// childWorkflowIDFor mirrors the workflow ID construction in
// internal/workflow.ParentOrchestratorWorkflow, which suffixes each
// child's well-known prefix with the program ID it watches.
func childWorkflowIDFor(cfg *config.Config, eventType model.EventType) string {
	if eventType == model.EventCreated {
		return createdWorkflowID + "-" + cfg.Chain.SourceProgramID
	}
	return fulfilledWorkflowID + "-" + cfg.Chain.DestinationProgramID
}

var cancelCommand = &cli.Command{
	Name:  "cancel",
	Usage: "request cancellation of the parent orchestrator (and, by policy, its children)",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return cli.Exit(err, 1)
		}
		tc, err := client.Dial(client.Options{HostPort: cfg.Workflow.Address, Namespace: cfg.Workflow.Namespace})
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer tc.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := tc.CancelWorkflow(ctx, parentWorkflowID, ""); err != nil {
			return cli.Exit(err, 1)
		}
		fmt.Println("cancellation requested")
		return nil
	},
}

var healthCommand = &cli.Command{
	Name:  "health",
	Usage: "run a one-shot health check workflow against the rpc pool",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return cli.Exit(err, 1)
		}
		tc, err := client.Dial(client.Options{HostPort: cfg.Workflow.Address, Namespace: cfg.Workflow.Namespace})
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer tc.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		run, err := tc.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
			ID:        fmt.Sprintf("health-check-%d", time.Now().UnixNano()),
			TaskQueue: cfg.Workflow.MainQueue,
		}, wf.HealthCheckWorkflow, cfg.Workflow.RPCQueue)
		if err != nil {
			return cli.Exit(err, 1)
		}

		var result healthResult
		if err := run.Get(ctx, &result); err != nil {
			return cli.Exit(err, 1)
		}
		if !result.Healthy {
			fmt.Println("unhealthy")
			return cli.Exit("rpc pool is unhealthy", 1)
		}
		fmt.Printf("healthy: slot=%d latency=%.1fms\n", result.Slot, result.LatencyMS)
		return nil
	},
}

// healthResult mirrors activities.HealthResult's exported fields
// without importing the activities package into the CLI, which has no
// other reason to depend on it directly.
type healthResult struct {
	Healthy   bool
	Slot      uint64
	LatencyMS float64
}
