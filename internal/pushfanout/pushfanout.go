// Package pushfanout is the unidirectional Server-Sent Events fan-out
// of spec §4.7: an http.Handler that hands each client a stream of
// periodic snapshots, backed internally by the teacher's event.Feed /
// event.SubscriptionScope idiom (core/txpool.go) rather than a
// broadcast channel of our own invention.
package pushfanout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/event"

	"github.com/dlncollector/backfill/internal/metrics"
	"github.com/dlncollector/backfill/internal/model"
	"github.com/dlncollector/backfill/internal/parser"
	"github.com/dlncollector/backfill/internal/rpcpool"
	"github.com/dlncollector/backfill/internal/store"
)

// Snapshot is the payload of every `update` SSE event.
type Snapshot struct {
	Stats               store.TotalStats          `json:"stats"`
	CollectionProgress  map[string]ProgressEntry   `json:"collection_progress"`
	RecentOrders        []*model.OrderEvent        `json:"recent_orders"`
	TopTokens           []store.TopToken           `json:"top_tokens"`
	DailyVolumes        []store.DailyVolume        `json:"daily_volumes"`
	PoolStats           []rpcpool.Snapshot         `json:"pool_stats"`
	ParseStats          ParseStatsView             `json:"parse_stats"`
	Timestamp           time.Time                  `json:"timestamp"`
}

// ProgressEntry is one (program_id, event_type) checkpoint's public view.
type ProgressEntry struct {
	LastSignature  string `json:"last_signature"`
	TotalCollected uint64 `json:"total_collected"`
}

// ParseStatsView is parser.Stats.Snapshot's public serialization.
type ParseStatsView struct {
	Total         int64            `json:"total"`
	Success       int64            `json:"success"`
	Failed        int64            `json:"failed"`
	NoEvents      int64            `json:"no_events"`
	UnknownTokens map[string]int64 `json:"unknown_tokens"`
}

const (
	recentOrdersLimit = 20
	topTokensLimit    = 10
	dailyVolumesDays  = 14
)

// Config names the (program_id, event_type) pairs the broadcast
// snapshot reports progress for.
type Config struct {
	BroadcastPeriod time.Duration
	HeartbeatPeriod time.Duration
	Checkpoints     []CheckpointRef
}

// CheckpointRef identifies one collector whose progress appears in
// every broadcast snapshot.
type CheckpointRef struct {
	ProgramID string
	EventType model.EventType
	Label     string
}

// Broadcaster owns the feed clients subscribe to and the ticker that
// drives periodic snapshot construction. The ticker is started on the
// first client connection and stopped on the last disconnect, guarded
// by mu + a plain refcount (spec §4.7's lifecycle rule; single-threaded
// cooperative scheduling is sufficient per §5).
type Broadcaster struct {
	cfg     Config
	store   store.Store
	pool    *rpcpool.Pool
	parser  *parser.Parser
	metrics *metrics.Metrics

	feed event.Feed
	subs event.SubscriptionScope

	mu          sync.Mutex
	clientCount int
	stopTicker  chan struct{}

	nextClientID atomic.Uint64
}

func NewBroadcaster(cfg Config, s store.Store, pool *rpcpool.Pool, p *parser.Parser, m *metrics.Metrics) *Broadcaster {
	if cfg.BroadcastPeriod <= 0 {
		cfg.BroadcastPeriod = 2 * time.Second
	}
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = 30 * time.Second
	}
	return &Broadcaster{cfg: cfg, store: s, pool: pool, parser: p, metrics: m}
}

// subscribe registers ch and starts the broadcast ticker if this is
// the first client. The returned function must be called exactly
// once, on disconnect, to unsubscribe and stop the ticker if this was
// the last client.
func (b *Broadcaster) subscribe(ch chan<- Snapshot) (unsubscribe func()) {
	sub := b.subs.Track(b.feed.Subscribe(ch))

	b.mu.Lock()
	b.clientCount++
	if b.clientCount == 1 {
		b.stopTicker = make(chan struct{})
		go b.runTicker(b.stopTicker)
	}
	count := b.clientCount
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.SetPushClients(count)
	}

	return func() {
		sub.Unsubscribe()
		b.mu.Lock()
		b.clientCount--
		if b.clientCount == 0 && b.stopTicker != nil {
			close(b.stopTicker)
			b.stopTicker = nil
		}
		count := b.clientCount
		b.mu.Unlock()
		if b.metrics != nil {
			b.metrics.SetPushClients(count)
		}
	}
}

func (b *Broadcaster) runTicker(stop chan struct{}) {
	ticker := time.NewTicker(b.cfg.BroadcastPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.feed.Send(b.buildSnapshot())
		}
	}
}

func (b *Broadcaster) newClientID() uint64 {
	return b.nextClientID.Add(1)
}

func (b *Broadcaster) buildSnapshot() Snapshot {
	ctx := context.Background()
	snap := Snapshot{Timestamp: time.Now(), CollectionProgress: make(map[string]ProgressEntry)}

	if stats, err := b.store.TotalStats(ctx); err == nil {
		snap.Stats = stats
		if b.metrics != nil {
			b.metrics.RecordOrderCounts(stats.CreatedCount, stats.FulfilledCount)
		}
	}

	for _, ref := range b.cfg.Checkpoints {
		rec, err := b.store.GetProgress(ctx, ref.ProgramID, ref.EventType)
		if err != nil {
			continue
		}
		snap.CollectionProgress[ref.Label] = ProgressEntry{
			LastSignature:  rec.LastSignature,
			TotalCollected: rec.TotalCollected,
		}
	}

	if recent, err := b.store.RecentOrders(ctx, recentOrdersLimit); err == nil {
		snap.RecentOrders = recent
	}

	if tokens, err := b.store.TopTokens(ctx, topTokensLimit); err == nil {
		snap.TopTokens = tokens
	}

	if volumes, err := b.store.DailyVolumes(ctx, dailyVolumesDays); err == nil {
		snap.DailyVolumes = volumes
	}

	if b.pool != nil {
		snap.PoolStats = b.pool.Stats()
		if b.metrics != nil {
			b.metrics.RecordEndpointSnapshots(poolSnapshotsToMetrics(b.pool.Stats()))
		}
	}

	if b.parser != nil {
		total, success, failed, noEvents, unknown := b.parser.Stats().Snapshot()
		snap.ParseStats = ParseStatsView{Total: total, Success: success, Failed: failed, NoEvents: noEvents, UnknownTokens: unknown}
	}

	return snap
}

// poolSnapshotsToMetrics adapts rpcpool.Snapshot to metrics.EndpointSnapshot
// so metrics stays free of a direct rpcpool import.
func poolSnapshotsToMetrics(snaps []rpcpool.Snapshot) []metrics.EndpointSnapshot {
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
