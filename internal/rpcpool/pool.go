// Package rpcpool implements the multi-endpoint Solana RPC connection
// pool: round-robin selection with headroom/circuit-breaker
// eligibility, per-endpoint token-bucket rate limiting, and the
// centralized error classification shared with the activities layer.
package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
)

// ErrNoEndpoints is returned when a pool is constructed with nothing
// to select from.
var ErrNoEndpoints = errors.New("rpcpool: no endpoints configured")

// Config seeds one endpoint at construction time.
type Config struct {
	URL      string
	Name     string
	MaxRPS   float64
	Priority int
}

// Pool is the process-wide singleton connection pool. It is
// constructed once at worker start and passed into activities by
// constructor injection, never reached via an ambient global.
type Pool struct {
	endpoints []*Endpoint
	cursor    uint64
	mu        sync.Mutex // guards cursor rotation only
	timeout   time.Duration
}

// New builds a Pool from the configured endpoints, each bound to its
// own *rpc.Client created by rpc.New with that package's defaults.
// timeout is stored on the Pool; no call made through the pool applies it.
func New(configs []Config, timeout time.Duration) (*Pool, error) {
	if len(configs) == 0 {
		return nil, ErrNoEndpoints
	}
	endpoints := make([]*Endpoint, 0, len(configs))
	for _, c := range configs {
		client := rpc.New(c.URL)
		endpoints = append(endpoints, NewEndpoint(c.URL, c.Name, c.MaxRPS, c.Priority, client))
	}
	return &Pool{endpoints: endpoints, timeout: timeout}, nil
}

// Acquire selects an eligible endpoint per §4.1's selection rule:
// rank by availability (not open, within rate-limit headroom) first,
// then round-robin among eligible endpoints; if none is eligible,
// promote the open endpoint with the oldest last_failure to
// half-open; as a last resort return the first configured endpoint.
// Acquire blocks until the selected endpoint's token bucket has
// capacity, honoring ctx cancellation.
func (p *Pool) Acquire(ctx context.Context) (*Endpoint, error) {
	ep := p.selectEndpoint()
	if err := ep.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rpcpool: acquire %s: %w", ep.Name, err)
	}
	return ep, nil
}

func (p *Pool) selectEndpoint() *Endpoint {
	now := time.Now()

	n := len(p.endpoints)
	start := p.nextCursor()
	for i := 0; i < n; i++ {
		ep := p.endpoints[(start+i)%n]
		if ep.eligible(now) {
			return ep
		}
	}

	// Nothing eligible: promote the open endpoint with the oldest
	// last_failure to half-open.
	var oldest *Endpoint
	for _, ep := range p.endpoints {
		ep.mu.Lock()
		isOpen := ep.state == CircuitOpen
		lastFailure := ep.lastFailure
		ep.mu.Unlock()
		if !isOpen {
			continue
		}
		if oldest == nil || lastFailure.Before(oldestLastFailure(oldest)) {
			oldest = ep
		}
	}
	if oldest != nil {
		oldest.mu.Lock()
		oldest.maybeHalfOpenLocked(time.Now())
		oldest.mu.Unlock()
		return oldest
	}

	return p.endpoints[0]
}

func oldestLastFailure(e *Endpoint) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastFailure
}

func (p *Pool) nextCursor() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.cursor
	p.cursor++
	return int(c % uint64(len(p.endpoints)))
}

// ReportSuccess records a successful call against ep.
func (p *Pool) ReportSuccess(ep *Endpoint, latency time.Duration) {
	ep.reportSuccess(latency)
}

// ReportFailure records a failed call against ep. The classification
// of err is left to the caller (activities layer); the breaker only
// needs to know that the attempt failed.
func (p *Pool) ReportFailure(ep *Endpoint, err error) {
	ep.reportFailure()
}

// Stats returns a snapshot of every endpoint's observability fields.
func (p *Pool) Stats() []Snapshot {
	out := make([]Snapshot, len(p.endpoints))
	for i, ep := range p.endpoints {
		out[i] = ep.snapshot()
	}
	return out
}

// Endpoints exposes the underlying endpoint list, e.g. for the
// fetcher to pick a batch-API target directly.
func (p *Pool) Endpoints() []*Endpoint {
	return p.endpoints
}

// HealthyCount reports how many endpoints are not currently open, used
// by the fetcher's adaptive concurrency seed (§4.2).
func (p *Pool) HealthyCount() int {
	count := 0
	for _, ep := range p.endpoints {
		ep.mu.Lock()
		if ep.state != CircuitOpen {
			count++
		}
		ep.mu.Unlock()
	}
	return count
}
