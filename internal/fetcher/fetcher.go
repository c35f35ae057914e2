// Package fetcher implements the parallel signature-to-transaction
// fetch pipeline: adaptive concurrency, retrying batched and
// individual strategies, and progress/heartbeat callbacks consumed by
// the activities layer to keep long-running Temporal activities from
// being declared timed out.
package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/dlncollector/backfill/internal/rpcpool"
)

const (
	defaultMaxRetries     = 3
	defaultBatchSize      = 50
	minConcurrency        = 2
	maxConcurrency        = 20
	heartbeatEvery         = 75 // within the 50-100 item band of §4.2
	adjustDownFactor      = 0.7
	highFailureRate       = 0.10
	highRetryRate         = 0.20
	lowFailureRate        = 0.01
	lowRetryRate          = 0.05
	maxJitterFraction     = 0.30
)

// FetchResult is one fetched-and-decoded Solana transaction, the
// binding of spec §4.2's "transactions[]" output to solana-go's
// result shape.
type FetchResult struct {
	Signature   string
	Slot        uint64
	BlockTime   time.Time
	LogMessages []string
	Transaction *solana.Transaction
	Meta        *rpc.TransactionMeta
}

// Heartbeat is emitted every 50-100 completed items.
type Heartbeat struct {
	Phase       string
	Completed   int
	Total       int
	SuccessRate float64
}

// ProgressFunc and HeartbeatFunc are the caller-supplied callbacks;
// either may be nil.
type ProgressFunc func(completed, total int)
type HeartbeatFunc func(Heartbeat)

// Options configures one Fetch call.
type Options struct {
	Concurrency    int
	MaxRetries     int
	RetryBaseDelay time.Duration
	UseBatchAPI    bool
	BatchSize      int
	Phase          string
	OnProgress     ProgressFunc
	OnHeartbeat    HeartbeatFunc
}

func (o *Options) setDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 250 * time.Millisecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.Phase == "" {
		o.Phase = "fetch"
	}
}

// Fetcher drives signature->transaction fetches against a Pool.
type Fetcher struct {
	pool *rpcpool.Pool
}

func New(pool *rpcpool.Pool) *Fetcher {
	return &Fetcher{pool: pool}
}

// Fetch fetches every signature and returns a same-length slice,
// with a nil entry for any signature that exhausted its retries.
func (f *Fetcher) Fetch(ctx context.Context, signatures []string, opts Options) ([]*FetchResult, error) {
	opts.setDefaults()
	results := make([]*FetchResult, len(signatures))
	if len(signatures) == 0 {
		return results, nil
	}

	inFlight := mapset.NewSet[string]()
	concurrency := f.seedConcurrency(opts.Concurrency)

	var completed int64
	var successCount int64

	onItemDone := func(ok bool) {
		c := atomic.AddInt64(&completed, 1)
		if ok {
			atomic.AddInt64(&successCount, 1)
		}
		if opts.OnProgress != nil {
			opts.OnProgress(int(c), len(signatures))
		}
		if opts.OnHeartbeat != nil && c%heartbeatEvery == 0 {
			opts.OnHeartbeat(Heartbeat{
				Phase:       opts.Phase,
				Completed:   int(c),
				Total:       len(signatures),
				SuccessRate: float64(atomic.LoadInt64(&successCount)) / float64(c),
			})
		}
	}

	if opts.UseBatchAPI {
		return results, f.fetchBatched(ctx, signatures, results, &concurrency, opts, inFlight, onItemDone)
	}
	return results, f.fetchIndividual(ctx, signatures, results, &concurrency, opts, inFlight, onItemDone)
}

// seedConcurrency implements §4.2's start = min(requested, 3 ×
// healthy_endpoints), bounded to [minConcurrency, maxConcurrency].
func (f *Fetcher) seedConcurrency(requested int) atomic.Int64 {
	if requested <= 0 {
		requested = maxConcurrency
	}
	healthy := f.pool.HealthyCount()
	if healthy <= 0 {
		healthy = 1
	}
	start := requested
	if cap := 3 * healthy; cap < start {
		start = cap
	}
	if start < minConcurrency {
		start = minConcurrency
	}
	if start > maxConcurrency {
		start = maxConcurrency
	}
	var c atomic.Int64
	c.Store(int64(start))
	return c
}

func adjustConcurrency(c *atomic.Int64, failureRate, retryRate float64) {
	cur := c.Load()
	switch {
	case failureRate > highFailureRate || retryRate > highRetryRate:
		next := int64(float64(cur) * adjustDownFactor)
		if next < minConcurrency {
			next = minConcurrency
		}
		c.Store(next)
	case failureRate < lowFailureRate && retryRate < lowRetryRate:
		next := cur + 1
		if next > maxConcurrency {
			next = maxConcurrency
		}
		c.Store(next)
	}
}

// fetchIndividual fans out one signature per task, processed in waves
// sized by the current adaptive concurrency.
func (f *Fetcher) fetchIndividual(
	ctx context.Context,
	signatures []string,
	results []*FetchResult,
	concurrency *atomic.Int64,
	opts Options,
	inFlight mapset.Set[string],
	onDone func(bool),
) error {
	for start := 0; start < len(signatures); {
		wave := int(concurrency.Load())
		end := start + wave
		if end > len(signatures) {
			end = len(signatures)
		}

		var failures, retried int64
		g, gctx := errgroup.WithContext(ctx)
		sem := semaphore.NewWeighted(int64(wave))
		for i := start; i < end; i++ {
			i := i
			sig := signatures[i]
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			g.Go(func() error {
				defer sem.Release(1)
				inFlight.Add(sig)
				defer inFlight.Remove(sig)

				res, retries, err := f.fetchOneWithRetry(gctx, sig, opts)
				if retries > 0 {
					atomic.AddInt64(&retried, 1)
				}
				if err != nil {
					atomic.AddInt64(&failures, 1)
					onDone(false)
					return nil
				}
				results[i] = res
				onDone(true)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		n := float64(end - start)
		adjustConcurrency(concurrency, float64(failures)/n, float64(retried)/n)
		start = end
	}
	return nil
}

// fetchOneWithRetry performs the per-signature retry loop with
// exponential backoff + jitter, matching the Individual strategy's
// "re-enqueue with incremented retry count" rule.
func (f *Fetcher) fetchOneWithRetry(ctx context.Context, sig string, opts Options) (*FetchResult, int, error) {
	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		res, err := f.fetchOne(ctx, sig)
		if err == nil {
			return res, attempt, nil
		}
		lastErr = err
		if rpcpool.Classify(err) == rpcpool.NonRetryable {
			return nil, attempt, err
		}
		if attempt == opts.MaxRetries {
			break
		}
		if err := sleepBackoff(ctx, opts.RetryBaseDelay, attempt); err != nil {
			return nil, attempt, err
		}
	}
	return nil, opts.MaxRetries, fmt.Errorf("fetcher: %s: exhausted retries: %w", sig, lastErr)
}

func (f *Fetcher) fetchOne(ctx context.Context, sig string) (*FetchResult, error) {
	ep, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	signature, err := solana.SignatureFromBase58(sig)
	if err != nil {
		f.pool.ReportFailure(ep, err)
		return nil, fmt.Errorf("invalid signature %q: %w", sig, err)
	}

	maxVersion := uint64(0)
	out, err := ep.Client.GetTransaction(ctx, signature, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	latency := time.Since(start)
	if err != nil {
		f.pool.ReportFailure(ep, err)
		return nil, err
	}
	f.pool.ReportSuccess(ep, latency)

	tx, err := out.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("decode transaction %s: %w", sig, err)
	}

	var blockTime time.Time
	if out.BlockTime != nil {
		blockTime = out.BlockTime.Time()
	}

	var logs []string
	if out.Meta != nil {
		logs = out.Meta.LogMessages
	}

	return &FetchResult{
		Signature:   sig,
		Slot:        out.Slot,
		BlockTime:   blockTime,
		LogMessages: logs,
		Transaction: tx,
		Meta:        out.Meta,
	}, nil
}

func sleepBackoff(ctx context.Context, base time.Duration, attempt int) error {
	delay := base * time.Duration(int64(1)<<uint(attempt))
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	jitter := time.Duration(rand.Float64() * maxJitterFraction * float64(delay))
	select {
	case <-time.After(delay + jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// batchEnvelope/batchReply model the hand-rolled Solana JSON-RPC batch
// request/response arrays used by the Batched strategy, since
// solana-go does not expose an ergonomic batch call.
type batchEnvelope struct {
	Jsonrpc string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type batchReply struct {
	ID     int                        `json:"id"`
	Result *rpc.GetTransactionResult  `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// fetchBatched partitions signatures into fixed-size runs, processed
// in waves sized by the current adaptive concurrency; each run is
// POSTed as one JSON-RPC batch array against one endpoint per attempt.
func (f *Fetcher) fetchBatched(
	ctx context.Context,
	signatures []string,
	results []*FetchResult,
	concurrency *atomic.Int64,
	opts Options,
	inFlight mapset.Set[string],
	onDone func(bool),
) error {
	runs := partition(signatures, opts.BatchSize)

	for start := 0; start < len(runs); {
		wave := int(concurrency.Load())
		end := start + wave
		if end > len(runs) {
			end = len(runs)
		}

		var failedRuns, retriedRuns int64
		g, gctx := errgroup.WithContext(ctx)
		sem := semaphore.NewWeighted(int64(wave))
		for i := start; i < end; i++ {
			run := runs[i]
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			g.Go(func() error {
				defer sem.Release(1)
				for _, sig := range run.signatures {
					inFlight.Add(sig)
				}
				defer func() {
					for _, sig := range run.signatures {
						inFlight.Remove(sig)
					}
				}()

				fetched, retries, err := f.fetchRunWithRetry(gctx, run, opts)
				if retries > 0 {
					atomic.AddInt64(&retriedRuns, 1)
				}
				if err != nil {
					atomic.AddInt64(&failedRuns, 1)
					for _, idx := range run.indices {
						onDone(false)
						_ = idx
					}
					return nil
				}
				for j, idx := range run.indices {
					results[idx] = fetched[j]
					onDone(fetched[j] != nil)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		n := float64(end - start)
		adjustConcurrency(concurrency, float64(failedRuns)/n, float64(retriedRuns)/n)
		start = end
	}
	return nil
}

type run struct {
	signatures []string
	indices    []int
}

func partition(signatures []string, size int) []run {
	runs := make([]run, 0, (len(signatures)+size-1)/size)
	for i := 0; i < len(signatures); i += size {
		end := i + size
		if end > len(signatures) {
			end = len(signatures)
		}
		indices := make([]int, end-i)
		for j := range indices {
			indices[j] = i + j
		}
		runs = append(runs, run{signatures: signatures[i:end], indices: indices})
	}
	return runs
}

func (f *Fetcher) fetchRunWithRetry(ctx context.Context, r run, opts Options) ([]*FetchResult, int, error) {
	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		out, err := f.fetchRunOnce(ctx, r)
		if err == nil {
			return out, attempt, nil
		}
		lastErr = err
		if rpcpool.Classify(err) == rpcpool.NonRetryable {
			return nil, attempt, err
		}
		if attempt == opts.MaxRetries {
			break
		}
		if err := sleepBackoff(ctx, opts.RetryBaseDelay, attempt); err != nil {
			return nil, attempt, err
		}
	}
	return nil, opts.MaxRetries, fmt.Errorf("fetcher: batch of %d: exhausted retries: %w", len(r.signatures), lastErr)
}

func (f *Fetcher) fetchRunOnce(ctx context.Context, r run) ([]*FetchResult, error) {
	ep, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	envelope := make([]batchEnvelope, len(r.signatures))
	maxVersion := 0
	for i, sig := range r.signatures {
		envelope[i] = batchEnvelope{
			Jsonrpc: "2.0",
			ID:      i,
			Method:  "getTransaction",
			Params: []interface{}{
				sig,
				map[string]interface{}{
					"encoding":                       "base64",
					"commitment":                     "confirmed",
					"maxSupportedTransactionVersion": maxVersion,
				},
			},
		}
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal batch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		f.pool.ReportFailure(ep, err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		reportErr := fmt.Errorf("batch request to %s: status %d", ep.Name, resp.StatusCode)
		f.pool.ReportFailure(ep, reportErr)
		return nil, reportErr
	}

	var replies []batchReply
	if err := json.NewDecoder(resp.Body).Decode(&replies); err != nil {
		f.pool.ReportFailure(ep, err)
		return nil, fmt.Errorf("decode batch response: %w", err)
	}
	f.pool.ReportSuccess(ep, latency)

	byID := make(map[int]batchReply, len(replies))
	for _, rep := range replies {
		byID[rep.ID] = rep
	}

	out := make([]*FetchResult, len(r.signatures))
	for i, sig := range r.signatures {
		rep, ok := byID[i]
		if !ok || rep.Error != nil || rep.Result == nil {
			continue
		}
		tx, err := rep.Result.Transaction.GetTransaction()
		if err != nil {
			continue
		}
		var blockTime time.Time
		if rep.Result.BlockTime != nil {
			blockTime = rep.Result.BlockTime.Time()
		}
		var logs []string
		if rep.Result.Meta != nil {
			logs = rep.Result.Meta.LogMessages
		}
		out[i] = &FetchResult{
			Signature:   sig,
			Slot:        rep.Result.Slot,
			BlockTime:   blockTime,
			LogMessages: logs,
			Transaction: tx,
			Meta:        rep.Result.Meta,
		}
	}
	return out, nil
}

