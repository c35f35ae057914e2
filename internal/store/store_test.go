package store

import (
	"context"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"github.com/dlncollector/backfill/internal/model"
)

func newEvent(signature string, eventType model.EventType, blockTime time.Time) *model.OrderEvent {
	return &model.OrderEvent{
		EventType:       eventType,
		Signature:       signature,
		Slot:            100,
		BlockTime:       blockTime,
		Maker:           "maker1",
		GiveTokenSymbol: "USDC",
		GiveAmount:      uint256.NewInt(1_000_000),
		GiveAmountUSD:   1.0,
		FulfilledAmount: uint256.NewInt(500_000),
	}
}

func TestMemoryInsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	ev := newEvent("sig1", model.EventCreated, time.Now())
	inserted, duplicates, err := s.Insert(ctx, []*model.OrderEvent{ev})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if inserted != 1 || duplicates != 0 {
		t.Fatalf("first insert: got inserted=%d duplicates=%d, want 1,0", inserted, duplicates)
	}

	inserted, duplicates, err = s.Insert(ctx, []*model.OrderEvent{ev})
	if err != nil {
		t.Fatalf("re-insert: %v", err)
	}
	if inserted != 0 || duplicates != 1 {
		t.Fatalf("re-insert: got inserted=%d duplicates=%d, want 0,1", inserted, duplicates)
	}
}

func TestMemoryInsertDistinguishesEventTypeWithinSameSignature(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	created := newEvent("sig1", model.EventCreated, time.Now())
	fulfilled := newEvent("sig1", model.EventFulfilled, time.Now())

	inserted, duplicates, err := s.Insert(ctx, []*model.OrderEvent{created, fulfilled})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if inserted != 2 || duplicates != 0 {
		t.Fatalf("got inserted=%d duplicates=%d, want 2,0 (distinct keys by event_type)", inserted, duplicates)
	}
}

func TestMemoryCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	rec, err := s.GetProgress(ctx, "program1", model.EventCreated)
	if err != nil {
		t.Fatalf("get progress (cold): %v", err)
	}
	if rec.TotalCollected != 0 || rec.LastSignature != "" {
		t.Fatalf("expected zero-value checkpoint on cold read, got %+v", rec)
	}

	want := model.CheckpointRecord{
		ProgramID:      "program1",
		EventType:      model.EventCreated,
		LastSignature:  "sigABC",
		TotalCollected: 42,
	}
	if err := s.UpdateCheckpoint(ctx, want); err != nil {
		t.Fatalf("update checkpoint: %v", err)
	}

	got, err := s.GetProgress(ctx, "program1", model.EventCreated)
	if err != nil {
		t.Fatalf("get progress (warm): %v", err)
	}
	if got.LastSignature != want.LastSignature || got.TotalCollected != want.TotalCollected {
		t.Fatalf("checkpoint round trip mismatch: got %+v, want %+v", got, want)
	}

	other, err := s.GetProgress(ctx, "program1", model.EventFulfilled)
	if err != nil {
		t.Fatalf("get progress (other event type): %v", err)
	}
	if other.TotalCollected != 0 {
		t.Fatalf("expected event-type isolation, got %+v", other)
	}
}

func TestMemoryTotalStats(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	events := []*model.OrderEvent{
		newEvent("sig1", model.EventCreated, time.Now()),
		newEvent("sig2", model.EventCreated, time.Now()),
		newEvent("sig1", model.EventFulfilled, time.Now()),
	}
	if _, _, err := s.Insert(ctx, events); err != nil {
		t.Fatalf("insert: %v", err)
	}

	stats, err := s.TotalStats(ctx)
	if err != nil {
		t.Fatalf("total stats: %v", err)
	}
	if stats.CreatedCount != 2 {
		t.Fatalf("created count = %d, want 2", stats.CreatedCount)
	}
	if stats.FulfilledCount != 1 {
		t.Fatalf("fulfilled count = %d, want 1", stats.FulfilledCount)
	}
}

func TestMemoryTopTokensOrderedByVolumeDescending(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	usdc := newEvent("sig1", model.EventCreated, time.Now())
	usdc.GiveTokenSymbol = "USDC"
	usdc.GiveAmountUSD = 10

	sol := newEvent("sig2", model.EventCreated, time.Now())
	sol.GiveTokenSymbol = "SOL"
	sol.GiveAmountUSD = 500

	if _, _, err := s.Insert(ctx, []*model.OrderEvent{usdc, sol}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	top, err := s.TopTokens(ctx, 10)
	if err != nil {
		t.Fatalf("top tokens: %v", err)
	}
	if len(top) != 2 || top[0].Symbol != "SOL" {
		t.Fatalf("expected SOL first by volume, got %+v", top)
	}
}

func TestMemoryRecentOrdersRespectsLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	now := time.Now()
	events := []*model.OrderEvent{
		newEvent("sig1", model.EventCreated, now.Add(-2*time.Hour)),
		newEvent("sig2", model.EventCreated, now.Add(-1*time.Hour)),
		newEvent("sig3", model.EventCreated, now),
	}
	if _, _, err := s.Insert(ctx, events); err != nil {
		t.Fatalf("insert: %v", err)
	}

	recent, err := s.RecentOrders(ctx, 2)
	if err != nil {
		t.Fatalf("recent orders: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("got %d recent orders, want 2", len(recent))
	}
	if recent[0].Signature != "sig3" {
		t.Fatalf("expected most recent first, got %s", recent[0].Signature)
	}
}
