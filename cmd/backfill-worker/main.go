// backfill-worker runs the Temporal worker(s), the push fan-out SSE
// server and the Prometheus metrics server for the Solana order-event
// backfill engine, per spec §6/§9's worker modes.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ethlog "github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/dlncollector/backfill/internal/activities"
	"github.com/dlncollector/backfill/internal/config"
	"github.com/dlncollector/backfill/internal/fetcher"
	"github.com/dlncollector/backfill/internal/logging"
	"github.com/dlncollector/backfill/internal/metrics"
	"github.com/dlncollector/backfill/internal/parser"
	"github.com/dlncollector/backfill/internal/pushfanout"
	"github.com/dlncollector/backfill/internal/rpcpool"
	"github.com/dlncollector/backfill/internal/store"
	"github.com/dlncollector/backfill/internal/tokendir"
	wf "github.com/dlncollector/backfill/internal/workflow"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, _, err := logging.Init(logging.Options{Level: "info"})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	poolConfigs := make([]rpcpool.Config, 0, len(cfg.Chain.Endpoints))
	for _, ep := range cfg.Chain.Endpoints {
		poolConfigs = append(poolConfigs, rpcpool.Config{URL: ep.URL, Name: ep.Name, MaxRPS: ep.MaxRPS, Priority: ep.Priority})
	}
	pool, err := rpcpool.New(poolConfigs, time.Duration(cfg.Chain.TimeoutMS)*time.Millisecond)
	if err != nil {
		return fmt.Errorf("init rpc pool: %w", err)
	}

	f := fetcher.New(pool)
	dir := tokendir.NewStatic(nil, time.Duration(cfg.Chain.TokenPriceStalenessMS)*time.Millisecond)
	p := parser.New(dir)

	chStore, err := store.Open(ctx, store.Config{
		Addr:               cfg.Database.URL,
		Database:           cfg.Database.Database,
		User:               cfg.Database.User,
		Password:           cfg.Database.Password,
		AsyncInsert:        cfg.Database.AsyncInsert,
		WaitForAsyncInsert: cfg.Database.WaitForAsyncInsert,
	})
	if err != nil {
		return fmt.Errorf("open clickhouse: %w", err)
	}
	defer chStore.Close()
	if err := chStore.InitializeDatabase(ctx); err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}

	m := metrics.New()
	acts := activities.New(pool, f, p, chStore, m)

	temporalClient, err := client.Dial(client.Options{HostPort: cfg.Workflow.Address, Namespace: cfg.Workflow.Namespace})
	if err != nil {
		return fmt.Errorf("dial temporal: %w", err)
	}
	defer temporalClient.Close()

	workers, err := buildWorkers(temporalClient, cfg, acts)
	if err != nil {
		return fmt.Errorf("build workers: %w", err)
	}
	for _, w := range workers {
		if err := w.Start(); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
		defer w.Stop()
	}

	pushServer := startPushServer(ctx, cfg, chStore, pool, p, m, log)
	defer pushServer.Close()

	metricsServer := startMetricsServer(ctx, m, log)
	defer metricsServer.Close()

	log.Info("backfill-worker started", "mode", cfg.Worker.Mode)
	<-ctx.Done()
	log.Info("backfill-worker shutting down")
	return nil
}

func buildWorkers(c client.Client, cfg *config.Config, acts *activities.Activities) ([]worker.Worker, error) {
	var workers []worker.Worker

	newWorker := func(taskQueue string) worker.Worker {
		return worker.New(c, taskQueue, worker.Options{
			MaxConcurrentActivityExecutionSize: maxOr(cfg.Worker.MaxActivities, 50),
			MaxConcurrentWorkflowTaskExecutionSize: maxOr(cfg.Worker.MaxWorkflowTasks, 50),
		})
	}

	registerWorkflows := func(w worker.Worker) {
		w.RegisterWorkflow(wf.ChildCollectorWorkflow)
		w.RegisterWorkflow(wf.ParentOrchestratorWorkflow)
		w.RegisterWorkflow(wf.HealthCheckWorkflow)
	}
	registerActivities := func(w worker.Worker) {
		w.RegisterActivity(acts.InitializeDatabase)
		w.RegisterActivity(acts.GetProgress)
		w.RegisterActivity(acts.FetchSignaturesBatch)
		w.RegisterActivity(acts.FetchAndParseTransactions)
		w.RegisterActivity(acts.StoreEvents)
		w.RegisterActivity(acts.GetOrderCounts)
		w.RegisterActivity(acts.CheckRPCHealth)
	}

	switch cfg.Worker.Mode {
	case config.ModeFull:
		w := newWorker(cfg.Workflow.MainQueue)
		registerWorkflows(w)
		registerActivities(w)
		workers = append(workers, w)
		if cfg.Workflow.RPCQueue != cfg.Workflow.MainQueue {
			rpcW := newWorker(cfg.Workflow.RPCQueue)
			registerActivities(rpcW)
			workers = append(workers, rpcW)
		}
		if cfg.Workflow.DBQueue != cfg.Workflow.MainQueue {
			dbW := newWorker(cfg.Workflow.DBQueue)
			registerActivities(dbW)
			workers = append(workers, dbW)
		}
	case config.ModeWorkflow:
		w := newWorker(cfg.Workflow.MainQueue)
		registerWorkflows(w)
		workers = append(workers, w)
	case config.ModeRPC:
		w := newWorker(cfg.Workflow.RPCQueue)
		registerActivities(w)
		workers = append(workers, w)
	case config.ModeDB:
		w := newWorker(cfg.Workflow.DBQueue)
		registerActivities(w)
		workers = append(workers, w)
	default:
		return nil, fmt.Errorf("unrecognized worker mode %q", cfg.Worker.Mode)
	}
	return workers, nil
}

func startPushServer(ctx context.Context, cfg *config.Config, s store.Store, pool *rpcpool.Pool, p *parser.Parser, m *metrics.Metrics, log ethlog.Logger) *http.Server {
	b := pushfanout.NewBroadcaster(pushfanout.Config{
		BroadcastPeriod: cfg.Push.BroadcastPeriod,
		HeartbeatPeriod: cfg.Push.HeartbeatPeriod,
		Checkpoints: []pushfanout.CheckpointRef{
			{Label: "created", ProgramID: cfg.Chain.SourceProgramID, EventType: "created"},
			{Label: "fulfilled", ProgramID: cfg.Chain.DestinationProgramID, EventType: "fulfilled"},
		},
	}, s, pool, p, m)

	mux := http.NewServeMux()
	mux.Handle("/stream", b)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Push.Port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("push server stopped", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	return srv
}

func startMetricsServer(ctx context.Context, m *metrics.Metrics, log ethlog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: ":9090", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	return srv
}

func maxOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
