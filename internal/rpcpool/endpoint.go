package rpcpool

import (
	"sync"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/time/rate"
)

// CircuitState is the per-endpoint breaker state of spec §4.1.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Value returns the Prometheus-friendly {0, 0.5, 1} encoding per §4.8.
func (s CircuitState) Value() float64 {
	switch s {
	case CircuitHalfOpen:
		return 0.5
	case CircuitOpen:
		return 1
	default:
		return 0
	}
}

const (
	defaultFailureThreshold    = 5
	defaultRecoveryTimeout     = 30 * time.Second
	defaultHalfOpenQuota       = 3
	defaultFailureWindow       = 60 * time.Second
	defaultHeadroomFraction    = 0.8
	defaultHeadroomWindow      = 1000 * time.Millisecond
	recentTimestampRetention   = 2 * time.Second
	maxRecentLatencies         = 100
	sustainedSuccessFullReset  = 10
)

// Endpoint is one configured RPC provider plus its mutable circuit and
// rate-limit state (spec §3 PoolEndpoint).
type Endpoint struct {
	URL      string
	Name     string
	MaxRPS   float64
	Priority int

	Client *rpc.Client

	mu                sync.Mutex
	state             CircuitState
	failureTimestamps []time.Time
	consecutiveOK     int
	halfOpenSuccesses int
	lastFailure       time.Time
	lastSuccess       time.Time

	requestCount int64
	failureCount int64
	recentTS     []time.Time
	recentLat    []time.Duration

	limiter *rate.Limiter
}

// NewEndpoint constructs an Endpoint in the closed state, ready for
// use by a Pool.
func NewEndpoint(url, name string, maxRPS float64, priority int, client *rpc.Client) *Endpoint {
	if maxRPS <= 0 {
		maxRPS = 10
	}
	return &Endpoint{
		URL:      url,
		Name:     name,
		MaxRPS:   maxRPS,
		Priority: priority,
		Client:   client,
		state:    CircuitClosed,
		limiter:  rate.NewLimiter(rate.Limit(maxRPS), int(maxRPS)+1),
	}
}

// eligible reports whether the endpoint may currently be selected:
// its circuit must not be open, and it must have headroom under the
// 1000ms / 0.8×max_rps policy.
func (e *Endpoint) eligible(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == CircuitOpen {
		return false
	}
	return e.hasHeadroomLocked(now)
}

func (e *Endpoint) hasHeadroomLocked(now time.Time) bool {
	cutoff := now.Add(-defaultHeadroomWindow)
	count := 0
	for _, ts := range e.recentTS {
		if ts.After(cutoff) {
			count++
		}
	}
	return float64(count) < defaultHeadroomFraction*e.MaxRPS
}

// recordAttemptLocked appends now to the trailing-timestamp ring
// buffer, pruning anything older than the 2s retention window.
func (e *Endpoint) recordAttemptLocked(now time.Time) {
	e.recentTS = append(e.recentTS, now)
	cutoff := now.Add(-recentTimestampRetention)
	i := 0
	for i < len(e.recentTS) && e.recentTS[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		e.recentTS = e.recentTS[i:]
	}
}

// reportSuccess records a successful call and advances the circuit
// breaker per §4.1.
func (e *Endpoint) reportSuccess(latency time.Duration) {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	e.requestCount++
	e.lastSuccess = now
	e.recordAttemptLocked(now)
	e.recentLat = append(e.recentLat, latency)
	if len(e.recentLat) > maxRecentLatencies {
		e.recentLat = e.recentLat[len(e.recentLat)-maxRecentLatencies:]
	}

	switch e.state {
	case CircuitHalfOpen:
		e.halfOpenSuccesses++
		if e.halfOpenSuccesses >= defaultHalfOpenQuota {
			e.state = CircuitClosed
			e.halfOpenSuccesses = 0
			e.failureTimestamps = nil
			e.consecutiveOK = 0
		}
	case CircuitClosed:
		e.consecutiveOK++
		if len(e.failureTimestamps) > 0 {
			e.failureTimestamps = e.failureTimestamps[:len(e.failureTimestamps)-1]
		}
		if e.consecutiveOK >= sustainedSuccessFullReset {
			e.failureTimestamps = nil
		}
	}
}

// reportFailure records a failed call and advances the circuit breaker.
func (e *Endpoint) reportFailure() {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	e.requestCount++
	e.failureCount++
	e.lastFailure = now
	e.recordAttemptLocked(now)
	e.consecutiveOK = 0

	switch e.state {
	case CircuitHalfOpen:
		e.state = CircuitOpen
		e.halfOpenSuccesses = 0
	case CircuitClosed:
		cutoff := now.Add(-defaultFailureWindow)
		kept := e.failureTimestamps[:0]
		for _, ts := range e.failureTimestamps {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		e.failureTimestamps = append(kept, now)
		if len(e.failureTimestamps) >= defaultFailureThreshold {
			e.state = CircuitOpen
		}
	}
}

// maybeHalfOpenLocked flips an open circuit to half-open once
// recovery_timeout has elapsed since the last failure. Caller must
// hold e.mu.
func (e *Endpoint) maybeHalfOpenLocked(now time.Time) {
	if e.state == CircuitOpen && now.Sub(e.lastFailure) >= defaultRecoveryTimeout {
		e.state = CircuitHalfOpen
		e.halfOpenSuccesses = 0
	}
}

// Snapshot is a point-in-time read of one endpoint's observability
// fields (spec §4.1 Observability, §4.8 Metrics).
type Snapshot struct {
	Name          string
	URL           string
	State         CircuitState
	RequestCount  int64
	FailureCount  int64
	AvgLatencyMS  float64
	ApproxRPS     float64
}

func (e *Endpoint) snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	var avg float64
	if n := len(e.recentLat); n > 0 {
		var sum time.Duration
		for _, d := range e.recentLat {
			sum += d
		}
		avg = float64(sum.Milliseconds()) / float64(n)
	}

	cutoff := time.Now().Add(-time.Second)
	rps := 0
	for _, ts := range e.recentTS {
		if ts.After(cutoff) {
			rps++
		}
	}

	return Snapshot{
		Name:         e.Name,
		URL:          e.URL,
		State:        e.state,
		RequestCount: e.requestCount,
		FailureCount: e.failureCount,
		AvgLatencyMS: avg,
		ApproxRPS:    float64(rps),
	}
}
