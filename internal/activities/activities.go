// Package activities binds the RPC pool, fetcher, parser and store
// into the Temporal activity surface of spec §4.5. Every method is an
// idempotent unit the workflow layer composes into the collection
// loop; none hold workflow-visible state themselves.
package activities

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/dlncollector/backfill/internal/fetcher"
	"github.com/dlncollector/backfill/internal/metrics"
	"github.com/dlncollector/backfill/internal/model"
	"github.com/dlncollector/backfill/internal/parser"
	"github.com/dlncollector/backfill/internal/rpcpool"
	"github.com/dlncollector/backfill/internal/store"
)

const heartbeatBand = 75 // within spec's 50-100 item heartbeat band

// Activities holds the process-wide singletons the activity methods
// are bound to. It is constructed once at worker start and registered
// with worker.RegisterActivity, never reached through a package-level
// global.
type Activities struct {
	Pool    *rpcpool.Pool
	Fetcher *fetcher.Fetcher
	Parser  *parser.Parser
	Store   store.Store
	Metrics *metrics.Metrics
}

func New(pool *rpcpool.Pool, f *fetcher.Fetcher, p *parser.Parser, s store.Store, m *metrics.Metrics) *Activities {
	return &Activities{Pool: pool, Fetcher: f, Parser: p, Store: s, Metrics: m}
}

// recordPoolOutcome wraps a pool acquire/report pair with the
// rpc_pool_requests_total / rpc_pool_failures_total counters, a no-op
// when Metrics is nil (e.g. in unit tests that construct Activities
// directly).
func (a *Activities) recordPoolOutcome(endpoint string, err error) {
	if a.Metrics == nil {
		return
	}
	a.Metrics.RecordPoolRequest(endpoint)
	if err != nil {
		a.Metrics.RecordPoolFailure(endpoint)
	}
}

// snapshotsToMetrics adapts rpcpool.Snapshot to metrics.EndpointSnapshot,
// kept here rather than in metrics itself to avoid metrics depending on
// rpcpool's full type.
func snapshotsToMetrics(snaps []rpcpool.Snapshot) []metrics.EndpointSnapshot {
	out := make([]metrics.EndpointSnapshot, 0, len(snaps))
	for _, s := range snaps {
		circuit := 0.0
		switch s.State {
		case rpcpool.CircuitOpen:
			circuit = 1
		case rpcpool.CircuitHalfOpen:
			circuit = 0.5
		}
		out = append(out, metrics.EndpointSnapshot{
			Name:         s.Name,
			CircuitValue: circuit,
			ApproxRPS:    s.ApproxRPS,
			AvgLatencyMS: s.AvgLatencyMS,
		})
	}
	return out
}

// classify wraps an underlying error per §4.5's fixed classification:
// retryable errors propagate as-is so Temporal's retry policy handles
// them, non-retryable ones are wrapped so the activity (and the
// workflow awaiting it) fails permanently.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if rpcpool.Classify(err) == rpcpool.NonRetryable {
		return temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("%s: %v", op, err), "NonRetryable", err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// InitializeDatabase ensures the orders and collection_progress tables
// exist. It is itself idempotent: re-running it against an
// already-initialized store is a no-op.
func (a *Activities) InitializeDatabase(ctx context.Context) error {
	type initializer interface {
		InitializeDatabase(context.Context) error
	}
	init, ok := a.Store.(initializer)
	if !ok {
		return nil // in-memory fake has nothing to create
	}
	if err := init.InitializeDatabase(ctx); err != nil {
		return classify("initialize_database", err)
	}
	return nil
}

// ProgressResult is get_progress's serialized output. TotalCollected
// is re-queried authoritatively from the store rather than trusted
// from the checkpoint row, per §4.5.
type ProgressResult struct {
	LastSignature  string
	TotalCollected uint64
}

func (a *Activities) GetProgress(ctx context.Context, programID string, eventType model.EventType) (ProgressResult, error) {
	rec, err := a.Store.GetProgress(ctx, programID, eventType)
	if err != nil {
		return ProgressResult{}, classify("get_progress", err)
	}

	stats, err := a.Store.TotalStats(ctx)
	if err != nil {
		return ProgressResult{}, classify("get_progress: total_stats", err)
	}

	total := stats.CreatedCount
	if eventType == model.EventFulfilled {
		total = stats.FulfilledCount
	}
	return ProgressResult{LastSignature: rec.LastSignature, TotalCollected: total}, nil
}

// FetchSignaturesBatchInput is fetch_signatures_batch's input.
type FetchSignaturesBatchInput struct {
	ProgramID string
	Before    string // empty means "from the newest signature"
	Limit     int
}

// FetchSignaturesBatchResult is fetch_signatures_batch's output.
// HasMore is true exactly when the raw page was full (len == limit,
// counting errored signatures too), the weakest-but-sufficient signal
// that older signatures may remain. Signatures holds only the valid
// entries (no on-chain error per spec's "valid <- page without
// per-signature errors" rule); ErroredCount is how many were dropped.
// LastSignature always tracks the raw page's last entry, valid or
// not, since it is the pagination cursor for the next page.
type FetchSignaturesBatchResult struct {
	Signatures    []string
	ErroredCount  int
	LastSignature string
	HasMore       bool
}

func (a *Activities) FetchSignaturesBatch(ctx context.Context, in FetchSignaturesBatchInput) (FetchSignaturesBatchResult, error) {
	activity.RecordHeartbeat(ctx, "fetch_signatures_batch:start")

	ep, err := a.Pool.Acquire(ctx)
	if err != nil {
		return FetchSignaturesBatchResult{}, classify("fetch_signatures_batch: acquire", err)
	}

	addr, err := solana.PublicKeyFromBase58(in.ProgramID)
	if err != nil {
		return FetchSignaturesBatchResult{}, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("fetch_signatures_batch: invalid program id %q", in.ProgramID), "NonRetryable", err)
	}

	limit := in.Limit
	opts := &rpc.GetSignaturesForAddressOpts{Limit: &limit}
	if in.Before != "" {
		before, err := solana.SignatureFromBase58(in.Before)
		if err != nil {
			return FetchSignaturesBatchResult{}, temporal.NewNonRetryableApplicationError(
				fmt.Sprintf("fetch_signatures_batch: invalid before signature %q", in.Before), "NonRetryable", err)
		}
		opts.Before = before
	}

	start := time.Now()
	sigs, err := ep.Client.GetSignaturesForAddressWithOpts(ctx, addr, opts)
	if err != nil {
		a.Pool.ReportFailure(ep, err)
		a.recordPoolOutcome(ep.Name, err)
		return FetchSignaturesBatchResult{}, classify("fetch_signatures_batch", err)
	}
	a.Pool.ReportSuccess(ep, time.Since(start))
	a.recordPoolOutcome(ep.Name, nil)

	out := FetchSignaturesBatchResult{Signatures: make([]string, 0, len(sigs)), HasMore: len(sigs) == limit}
	for i, s := range sigs {
		if i%heartbeatBand == 0 {
			activity.RecordHeartbeat(ctx, fmt.Sprintf("fetch_signatures_batch:%d/%d", i, len(sigs)))
		}
		sig := s.Signature.String()
		out.LastSignature = sig // tracks the raw page, valid or not: it is the next page's cursor
		if s.Err != nil {
			out.ErroredCount++
			continue
		}
		out.Signatures = append(out.Signatures, sig)
	}
	return out, nil
}

// FetchAndParseInput is fetch_and_parse_transactions's input.
type FetchAndParseInput struct {
	Signatures []string
	ProgramID  string
	EventType  model.EventType
}

// FetchAndParseResult is fetch_and_parse_transactions's output. Events
// are serialized with integer amounts as decimal strings (§4.5's
// serialization boundary rule); OrderEvent.UnmarshalJSON decodes them
// again on the consuming side.
type FetchAndParseResult struct {
	Events        []*model.OrderEvent
	ProcessedCount int
	ErrorCount     int
}

func (a *Activities) FetchAndParseTransactions(ctx context.Context, in FetchAndParseInput) (FetchAndParseResult, error) {
	activity.RecordHeartbeat(ctx, "fetch_and_parse_transactions:fetching")

	results, err := a.Fetcher.Fetch(ctx, in.Signatures, fetcher.Options{
		Phase: "fetch_and_parse",
		OnHeartbeat: func(hb fetcher.Heartbeat) {
			activity.RecordHeartbeat(ctx, fmt.Sprintf("%s:%d/%d", hb.Phase, hb.Completed, hb.Total))
		},
	})
	if err != nil {
		return FetchAndParseResult{}, classify("fetch_and_parse_transactions: fetch", err)
	}

	activity.RecordHeartbeat(ctx, "fetch_and_parse_transactions:parsing")

	var out FetchAndParseResult
	for i, tx := range results {
		if tx == nil {
			out.ErrorCount++
			if a.Metrics != nil {
				a.Metrics.RecordParseOutcome("failed")
			}
			continue
		}
		events, err := a.Parser.Parse(tx, in.ProgramID, in.EventType)
		if err != nil {
			out.ErrorCount++
			if a.Metrics != nil {
				a.Metrics.RecordParseOutcome("failed")
			}
			continue
		}
		out.ProcessedCount++
		out.Events = append(out.Events, events...)
		if a.Metrics != nil {
			if len(events) == 0 {
				a.Metrics.RecordParseOutcome("no_events")
			} else {
				a.Metrics.RecordParseOutcome("success")
			}
		}
		if i%heartbeatBand == 0 {
			activity.RecordHeartbeat(ctx, fmt.Sprintf("fetch_and_parse_transactions:parsed:%d/%d", i, len(results)))
		}
	}
	return out, nil
}

// StoreEventsInput is store_events's input.
type StoreEventsInput struct {
	Events        []*model.OrderEvent
	ProgramID     string
	EventType     model.EventType
	LastSignature string
}

// StoreEventsResult is store_events's output.
type StoreEventsResult struct {
	InsertedCount  int
	DuplicateCount int
	TotalCollected uint64
}

func (a *Activities) StoreEvents(ctx context.Context, in StoreEventsInput) (StoreEventsResult, error) {
	inserted, duplicates, err := a.Store.Insert(ctx, in.Events)
	if err != nil {
		return StoreEventsResult{}, classify("store_events: insert", err)
	}

	stats, err := a.Store.TotalStats(ctx)
	if err != nil {
		return StoreEventsResult{}, classify("store_events: total_stats", err)
	}
	total := stats.CreatedCount
	if in.EventType == model.EventFulfilled {
		total = stats.FulfilledCount
	}

	if err := a.Store.UpdateCheckpoint(ctx, model.CheckpointRecord{
		ProgramID:      in.ProgramID,
		EventType:      in.EventType,
		LastSignature:  in.LastSignature,
		TotalCollected: total,
		UpdatedAt:      time.Now(),
	}); err != nil {
		return StoreEventsResult{}, classify("store_events: checkpoint", err)
	}

	return StoreEventsResult{InsertedCount: inserted, DuplicateCount: duplicates, TotalCollected: total}, nil
}

// OrderCountsResult is get_order_counts's output.
type OrderCountsResult struct {
	Created   uint64
	Fulfilled uint64
	Total     uint64
}

func (a *Activities) GetOrderCounts(ctx context.Context) (OrderCountsResult, error) {
	stats, err := a.Store.TotalStats(ctx)
	if err != nil {
		return OrderCountsResult{}, classify("get_order_counts", err)
	}
	if a.Metrics != nil {
		a.Metrics.RecordOrderCounts(stats.CreatedCount, stats.FulfilledCount)
	}
	return OrderCountsResult{
		Created:   stats.CreatedCount,
		Fulfilled: stats.FulfilledCount,
		Total:     stats.CreatedCount + stats.FulfilledCount,
	}, nil
}

// HealthResult is check_rpc_health's output. This activity never
// fails: an unreachable endpoint is reported as unhealthy, not as an
// activity error, so health checks never trip the workflow's retry
// policy.
type HealthResult struct {
	Healthy   bool
	Slot      uint64
	LatencyMS float64
	PoolStats []rpcpool.Snapshot
}

func (a *Activities) CheckRPCHealth(ctx context.Context) (HealthResult, error) {
	result := HealthResult{PoolStats: a.Pool.Stats()}
	if a.Metrics != nil {
		a.Metrics.RecordEndpointSnapshots(snapshotsToMetrics(result.PoolStats))
	}

	ep, err := a.Pool.Acquire(ctx)
	if err != nil {
		return result, nil
	}

	start := time.Now()
	slot, err := ep.Client.GetSlot(ctx, rpc.CommitmentConfirmed)
	latency := time.Since(start)
	a.recordPoolOutcome(ep.Name, err)
	if err != nil {
		a.Pool.ReportFailure(ep, err)
		return result, nil
	}
	a.Pool.ReportSuccess(ep, latency)

	result.Healthy = true
	result.Slot = slot
	result.LatencyMS = float64(latency.Milliseconds())
	return result, nil
}
