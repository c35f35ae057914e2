package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dlncollector/backfill/internal/model"
)

// Memory is an in-process Store used by unit tests that exercise
// §8's invariants without a live ClickHouse instance. It implements
// the same dedup and FINAL-read semantics the production store
// promises, minus persistence across process restarts.
type Memory struct {
	mu          sync.Mutex
	orders      map[model.Key]*model.OrderEvent
	checkpoints map[string]model.CheckpointRecord // keyed by programID+"|"+eventType
}

func NewMemory() *Memory {
	return &Memory{
		orders:      make(map[model.Key]*model.OrderEvent),
		checkpoints: make(map[string]model.CheckpointRecord),
	}
}

func checkpointKey(programID string, eventType model.EventType) string {
	return programID + "|" + string(eventType)
}

func (m *Memory) Insert(_ context.Context, events []*model.OrderEvent) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inserted, duplicates := 0, 0
	for _, ev := range events {
		key := ev.Key()
		if existing, ok := m.orders[key]; ok {
			if ev.Version > existing.Version {
				m.orders[key] = ev
			}
			duplicates++
			continue
		}
		m.orders[key] = ev
		inserted++
	}
	return inserted, duplicates, nil
}

func (m *Memory) GetProgress(_ context.Context, programID string, eventType model.EventType) (model.CheckpointRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.checkpoints[checkpointKey(programID, eventType)]
	if !ok {
		return model.CheckpointRecord{ProgramID: programID, EventType: eventType}, nil
	}
	return rec, nil
}

func (m *Memory) UpdateCheckpoint(_ context.Context, rec model.CheckpointRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	m.checkpoints[checkpointKey(rec.ProgramID, rec.EventType)] = rec
	return nil
}

func (m *Memory) TotalStats(_ context.Context) (TotalStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out TotalStats
	for _, ev := range m.orders {
		switch ev.EventType {
		case model.EventCreated:
			out.CreatedCount++
			out.CreatedVolumeUSD += ev.GiveAmountUSD
		case model.EventFulfilled:
			out.FulfilledCount++
			out.FulfilledVolUSD += ev.FulfilledAmountUSD
		}
	}
	return out, nil
}

func (m *Memory) DailyVolumes(_ context.Context, days int) ([]DailyVolume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().AddDate(0, 0, -days)
	buckets := make(map[string]*DailyVolume)
	for _, ev := range m.orders {
		if ev.BlockTime.Before(cutoff) {
			continue
		}
		day := ev.BlockTime.Truncate(24 * time.Hour)
		k := day.String() + string(ev.EventType)
		b, ok := buckets[k]
		if !ok {
			b = &DailyVolume{Day: day, EventType: ev.EventType}
			buckets[k] = b
		}
		b.Count++
		b.VolumeUSD += ev.GiveAmountUSD + ev.FulfilledAmountUSD
	}
	out := make([]DailyVolume, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.After(out[j].Day) })
	return out, nil
}

func (m *Memory) TopTokens(_ context.Context, limit int) ([]TopToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byToken := make(map[string]*TopToken)
	for _, ev := range m.orders {
		if ev.EventType != model.EventCreated || ev.GiveTokenSymbol == "" {
			continue
		}
		t, ok := byToken[ev.GiveTokenSymbol]
		if !ok {
			t = &TopToken{Symbol: ev.GiveTokenSymbol}
			byToken[ev.GiveTokenSymbol] = t
		}
		t.VolumeUSD += ev.GiveAmountUSD
		t.Count++
	}
	out := make([]TopToken, 0, len(byToken))
	for _, t := range byToken {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VolumeUSD > out[j].VolumeUSD })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) RecentOrders(_ context.Context, limit int) ([]*model.OrderEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.OrderEvent, 0, len(m.orders))
	for _, ev := range m.orders {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockTime.After(out[j].BlockTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
