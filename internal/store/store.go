// Package store is the idempotent persistence layer: a
// ReplacingMergeTree-backed `orders` table with a bloom-filter-backed
// pre-check in front of the authoritative FINAL dedup query, a
// `collection_progress` checkpoint table, and the aggregate read
// queries consumed by the push fan-out.
package store

import (
	"context"
	"time"

	"github.com/dlncollector/backfill/internal/model"
)

// Store is the interface activities and the push fan-out depend on.
// The ClickHouse-backed implementation is in clickhouse.go; an
// in-memory fake satisfying the same interface lives in memory.go for
// unit tests that should not require a live ClickHouse instance.
type Store interface {
	// Insert stores events, skipping any (signature, event_type) pair
	// already present in `orders FINAL`, and returns how many rows
	// were newly inserted vs. already present.
	Insert(ctx context.Context, events []*model.OrderEvent) (inserted, duplicates int, err error)

	GetProgress(ctx context.Context, programID string, eventType model.EventType) (model.CheckpointRecord, error)
	UpdateCheckpoint(ctx context.Context, rec model.CheckpointRecord) error

	TotalStats(ctx context.Context) (TotalStats, error)
	DailyVolumes(ctx context.Context, days int) ([]DailyVolume, error)
	TopTokens(ctx context.Context, limit int) ([]TopToken, error)
	RecentOrders(ctx context.Context, limit int) ([]*model.OrderEvent, error)

	Close() error
}

// TotalStats is the aggregate count/sum-USD per event type.
type TotalStats struct {
	CreatedCount     uint64
	CreatedVolumeUSD float64
	FulfilledCount   uint64
	FulfilledVolUSD  float64
}

// DailyVolume is one day's bucketed counts/sums for one event type.
type DailyVolume struct {
	Day       time.Time
	EventType model.EventType
	Count     uint64
	VolumeUSD float64
}

// TopToken is a give_token_symbol grouping ordered by USD volume desc.
type TopToken struct {
	Symbol    string
	VolumeUSD float64
	Count     uint64
}
