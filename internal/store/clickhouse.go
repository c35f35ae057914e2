package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/holiman/uint256"

	"github.com/dlncollector/backfill/internal/model"
)

// Config names the ClickHouse endpoint and credentials (spec §6
// database.*).
type Config struct {
	Addr               string
	Database           string
	User               string
	Password           string
	AsyncInsert        bool
	WaitForAsyncInsert bool
}

// ClickHouseStore is the production Store backed by a pooled
// clickhouse-go/v2 native-protocol connection.
type ClickHouseStore struct {
	conn   driver.Conn
	bloom  *dedupFilters
	asyncInsert        bool
	waitForAsyncInsert bool
}

// Open connects to ClickHouse and returns a Store ready for use. It
// does not create tables: InitializeDatabase does that separately so
// the activity retains its own idempotent, observable lifecycle.
func Open(ctx context.Context, cfg Config) (*ClickHouseStore, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"async_insert":          boolToUint8(cfg.AsyncInsert),
			"wait_for_async_insert": boolToUint8(cfg.WaitForAsyncInsert),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("store: ping clickhouse: %w", err)
	}
	return &ClickHouseStore{
		conn:               conn,
		bloom:              newDedupFilters(),
		asyncInsert:        cfg.AsyncInsert,
		waitForAsyncInsert: cfg.WaitForAsyncInsert,
	}, nil
}

// seedDedupFilters marks every (signature, event_type) pair already
// present in `orders` into the bloom filters. Without this, a fresh
// process restart starts every filter empty, and the bloom miss short
// circuit in Insert would skip the authoritative existingKeys query
// for rows that are in fact already stored, duplicating them.
func (s *ClickHouseStore) seedDedupFilters(ctx context.Context) error {
	rows, err := s.conn.Query(ctx, `SELECT DISTINCT signature, event_type FROM orders`)
	if err != nil {
		return fmt.Errorf("store: seed dedup filters: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sig, et string
		if err := rows.Scan(&sig, &et); err != nil {
			return fmt.Errorf("store: seed dedup filters scan: %w", err)
		}
		s.bloom.Mark(model.Key{Signature: sig, EventType: model.EventType(et)})
	}
	return rows.Err()
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// InitializeDatabase creates the two durable tables of §4.4 if they
// do not already exist.
func (s *ClickHouseStore) InitializeDatabase(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			order_id               FixedString(64),
			event_type             LowCardinality(String),
			signature              String,
			slot                   UInt64,
			block_time             DateTime,
			version                Int64,
			maker                  String,
			give_token_address     String,
			give_token_symbol      String,
			give_amount            String,
			give_amount_usd        Float64,
			give_chain_id          Nullable(UInt64),
			take_token_address     String,
			take_token_symbol      String,
			take_amount            String,
			take_amount_usd        Float64,
			take_chain_id          Nullable(UInt64),
			receiver               String,
			taker                  String,
			fulfilled_amount       String,
			fulfilled_amount_usd   Float64
		) ENGINE = ReplacingMergeTree(version)
		PARTITION BY toYYYYMM(block_time)
		ORDER BY (signature, event_type)`,

		`CREATE TABLE IF NOT EXISTS collection_progress (
			program_id      String,
			event_type      LowCardinality(String),
			last_signature  String,
			total_collected UInt64,
			updated_at      DateTime
		) ENGINE = ReplacingMergeTree(updated_at)
		ORDER BY (program_id, event_type)`,
	}
	for _, stmt := range statements {
		if err := s.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: initialize: %w", err)
		}
	}
	if err := s.seedDedupFilters(ctx); err != nil {
		return err
	}
	return nil
}

// Insert implements spec §4.4's insert algorithm: collect distinct
// signatures, query `orders FINAL` for existing (signature,
// event_type) pairs (after an advisory bloom pre-check), filter the
// input, batch-insert the remainder.
func (s *ClickHouseStore) Insert(ctx context.Context, events []*model.OrderEvent) (int, int, error) {
	if len(events) == 0 {
		return 0, 0, nil
	}

	needsCheck := make([]*model.OrderEvent, 0, len(events))
	definitelyNew := make([]*model.OrderEvent, 0, len(events))
	for _, ev := range events {
		if s.bloom.Seen(ev.Key()) {
			needsCheck = append(needsCheck, ev)
		} else {
			definitelyNew = append(definitelyNew, ev)
		}
	}

	existing, err := s.existingKeys(ctx, needsCheck)
	if err != nil {
		return 0, 0, err
	}

	toInsert := make([]*model.OrderEvent, 0, len(events))
	toInsert = append(toInsert, definitelyNew...)
	duplicates := 0
	for _, ev := range needsCheck {
		if existing[ev.Key()] {
			duplicates++
			continue
		}
		toInsert = append(toInsert, ev)
	}

	if len(toInsert) == 0 {
		return 0, duplicates, nil
	}

	if err := s.batchInsert(ctx, toInsert); err != nil {
		return 0, duplicates, err
	}
	for _, ev := range toInsert {
		s.bloom.Mark(ev.Key())
	}

	return len(toInsert), duplicates, nil
}

func (s *ClickHouseStore) existingKeys(ctx context.Context, events []*model.OrderEvent) (map[model.Key]bool, error) {
	if len(events) == 0 {
		return nil, nil
	}
	sigs := make([]string, 0, len(events))
	seen := make(map[string]bool, len(events))
	for _, ev := range events {
		if !seen[ev.Signature] {
			seen[ev.Signature] = true
			sigs = append(sigs, ev.Signature)
		}
	}

	rows, err := s.conn.Query(ctx,
		`SELECT signature, event_type FROM orders FINAL WHERE signature IN (?)`, sigs)
	if err != nil {
		return nil, fmt.Errorf("store: existing keys query: %w", err)
	}
	defer rows.Close()

	existing := make(map[model.Key]bool)
	for rows.Next() {
		var sig, et string
		if err := rows.Scan(&sig, &et); err != nil {
			return nil, fmt.Errorf("store: scan existing key: %w", err)
		}
		existing[model.Key{Signature: sig, EventType: model.EventType(et)}] = true
	}
	return existing, rows.Err()
}

func (s *ClickHouseStore) batchInsert(ctx context.Context, events []*model.OrderEvent) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO orders")
	if err != nil {
		return fmt.Errorf("store: prepare batch: %w", err)
	}
	now := time.Now().Unix()
	for _, ev := range events {
		version := ev.Version
		if version == 0 {
			version = now
		}
		if err := batch.Append(
			ev.OrderIDHex(),
			string(ev.EventType),
			ev.Signature,
			ev.Slot,
			ev.BlockTime,
			version,
			ev.Maker,
			ev.GiveTokenAddress,
			ev.GiveTokenSymbol,
			decString(ev.GiveAmount),
			ev.GiveAmountUSD,
			ev.GiveChainID,
			ev.TakeTokenAddress,
			ev.TakeTokenSymbol,
			decString(ev.TakeAmount),
			ev.TakeAmountUSD,
			ev.TakeChainID,
			ev.Receiver,
			ev.Taker,
			decString(ev.FulfilledAmount),
			ev.FulfilledAmountUSD,
		); err != nil {
			return fmt.Errorf("store: append row %s: %w", ev.Signature, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("store: send batch: %w", err)
	}
	return nil
}

func decString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// GetProgress reads the checkpoint for (programID, eventType),
// returning a zero-value record (not an error) when none exists yet.
func (s *ClickHouseStore) GetProgress(ctx context.Context, programID string, eventType model.EventType) (model.CheckpointRecord, error) {
	row := s.conn.QueryRow(ctx,
		`SELECT last_signature, total_collected, updated_at
		 FROM collection_progress FINAL
		 WHERE program_id = ? AND event_type = ?`,
		programID, string(eventType))

	var rec model.CheckpointRecord
	rec.ProgramID = programID
	rec.EventType = eventType
	if err := row.Scan(&rec.LastSignature, &rec.TotalCollected, &rec.UpdatedAt); err != nil {
		return rec, nil // no checkpoint yet: safe zero value
	}
	return rec, nil
}

// UpdateCheckpoint writes a new checkpoint version; the
// ReplacingMergeTree engine keeps only the highest `updated_at` per
// (program_id, event_type) at merge time, and FINAL reads see it
// immediately.
func (s *ClickHouseStore) UpdateCheckpoint(ctx context.Context, rec model.CheckpointRecord) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO collection_progress")
	if err != nil {
		return fmt.Errorf("store: prepare checkpoint batch: %w", err)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	if err := batch.Append(rec.ProgramID, string(rec.EventType), rec.LastSignature, rec.TotalCollected, rec.UpdatedAt); err != nil {
		return fmt.Errorf("store: append checkpoint: %w", err)
	}
	return batch.Send()
}

// TotalStats implements §4.4's aggregate read.
func (s *ClickHouseStore) TotalStats(ctx context.Context) (TotalStats, error) {
	var out TotalStats
	row := s.conn.QueryRow(ctx, `
		SELECT
			countIf(event_type = 'created'),
			sumIf(give_amount_usd, event_type = 'created'),
			countIf(event_type = 'fulfilled'),
			sumIf(fulfilled_amount_usd, event_type = 'fulfilled')
		FROM orders FINAL`)
	if err := row.Scan(&out.CreatedCount, &out.CreatedVolumeUSD, &out.FulfilledCount, &out.FulfilledVolUSD); err != nil {
		return TotalStats{}, nil // safe zero result per §4.4 failure semantics
	}
	return out, nil
}

// DailyVolumes implements §4.4's aggregate read.
func (s *ClickHouseStore) DailyVolumes(ctx context.Context, days int) ([]DailyVolume, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT toDate(block_time) AS day, event_type, count(), sum(give_amount_usd + fulfilled_amount_usd)
		FROM orders FINAL
		WHERE block_time >= now() - INTERVAL ? DAY
		GROUP BY day, event_type
		ORDER BY day DESC`, days)
	if err != nil {
		return nil, nil
	}
	defer rows.Close()

	var out []DailyVolume
	for rows.Next() {
		var dv DailyVolume
		var et string
		if err := rows.Scan(&dv.Day, &et, &dv.Count, &dv.VolumeUSD); err != nil {
			return nil, nil
		}
		dv.EventType = model.EventType(et)
		out = append(out, dv)
	}
	return out, nil
}

// TopTokens implements §4.4's aggregate read.
func (s *ClickHouseStore) TopTokens(ctx context.Context, limit int) ([]TopToken, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT give_token_symbol, sum(give_amount_usd) AS vol, count()
		FROM orders FINAL
		WHERE event_type = 'created' AND give_token_symbol != ''
		GROUP BY give_token_symbol
		ORDER BY vol DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, nil
	}
	defer rows.Close()

	var out []TopToken
	for rows.Next() {
		var t TopToken
		if err := rows.Scan(&t.Symbol, &t.VolumeUSD, &t.Count); err != nil {
			return nil, nil
		}
		out = append(out, t)
	}
	return out, nil
}

// RecentOrders implements §4.4's aggregate read. Per Open Question
// (b), a fulfilled row is enriched with the give-side details of its
// created counterpart via an ANY LEFT JOIN on order_id, since the
// fulfilled event itself carries only the take/fulfillment side.
func (s *ClickHouseStore) RecentOrders(ctx context.Context, limit int) ([]*model.OrderEvent, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT
		       o.order_id, o.event_type, o.signature, o.slot, o.block_time,
		       if(o.event_type = 'created', o.maker, c.maker) AS maker,
		       if(o.event_type = 'created', o.give_token_symbol, c.give_token_symbol) AS give_token_symbol,
		       if(o.event_type = 'created', o.give_amount_usd, c.give_amount_usd) AS give_amount_usd,
		       o.taker, o.fulfilled_amount_usd
		FROM orders FINAL AS o
		ANY LEFT JOIN orders FINAL AS c
		       ON c.order_id = o.order_id AND c.event_type = 'created'
		ORDER BY o.block_time DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, nil
	}
	defer rows.Close()

	var out []*model.OrderEvent
	for rows.Next() {
		ev := &model.OrderEvent{}
		var orderIDHex, et string
		if err := rows.Scan(&orderIDHex, &et, &ev.Signature, &ev.Slot, &ev.BlockTime,
			&ev.Maker, &ev.GiveTokenSymbol, &ev.GiveAmountUSD,
			&ev.Taker, &ev.FulfilledAmountUSD); err != nil {
			return nil, nil
		}
		ev.EventType = model.EventType(et)
		out = append(out, ev)
	}
	return out, nil
}

func (s *ClickHouseStore) Close() error {
	return s.conn.Close()
}
