// Package tokendir resolves Solana mint addresses to a symbol, decimal
// count and an estimate USD price. The lookup sits behind an interface
// so a database-backed directory can later replace the static table
// without the parser knowing the difference.
package tokendir

import (
	"sync"
	"time"
)

// defaultStalenessWindow bounds how long a priced Entry is trusted
// before Lookup (and so AmountUSD) reports it stale.
const defaultStalenessWindow = 24 * time.Hour

// Entry is what the directory knows about one mint. AsOf marks when
// PriceUSD was last known good; the zero value means "never priced
// live," which Lookup always reports as stale regardless of window.
type Entry struct {
	Symbol   string
	Decimals uint8
	PriceUSD float64
	AsOf     time.Time
}

// Directory resolves a mint address to its Entry. Stale reports
// whether the returned price should be treated as a fallback rather
// than a live quote, per the PriceStale observability flag carried on
// every parsed event.
type Directory interface {
	Lookup(mint string) (entry Entry, stale bool, ok bool)
}

// wellKnown is the built-in table of the mints this system expects to
// see most often on Solana DLN routes. Prices are rough static
// estimates, not live quotes, and every lookup through Static is
// flagged stale accordingly.
var wellKnown = map[string]Entry{
	"So11111111111111111111111111111111111111112": {Symbol: "SOL", Decimals: 9, PriceUSD: 150.0},
	"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v": {Symbol: "USDC", Decimals: 6, PriceUSD: 1.0},
	"Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB": {Symbol: "USDT", Decimals: 6, PriceUSD: 1.0},
	"mSoLzYCxHdYgdzU16g5QSh3i5K3z3KZK7ytfqcJm7So":  {Symbol: "mSOL", Decimals: 9, PriceUSD: 160.0},
	"7dHbWXmci3dT8UFYWYZweBLXgycu7Y3iL6trKn1Y7ARj": {Symbol: "stSOL", Decimals: 9, PriceUSD: 158.0},
}

// Static is the concurrency-safe built-in Directory. The table is
// fixed at construction from rough estimates with no AsOf, so it is
// always stale; Put lets an operator push a freshly-timestamped
// correction that stays fresh until stalenessWindow elapses.
type Static struct {
	mu              sync.RWMutex
	entries         map[string]Entry
	stalenessWindow time.Duration
}

// NewStatic builds a Static directory seeded with the well-known
// table, optionally overridden/extended by extra. A zero
// stalenessWindow falls back to defaultStalenessWindow.
func NewStatic(extra map[string]Entry, stalenessWindow time.Duration) *Static {
	if stalenessWindow <= 0 {
		stalenessWindow = defaultStalenessWindow
	}
	entries := make(map[string]Entry, len(wellKnown)+len(extra))
	for k, v := range wellKnown {
		entries[k] = v
	}
	for k, v := range extra {
		entries[k] = v
	}
	return &Static{entries: entries, stalenessWindow: stalenessWindow}
}

// Lookup implements Directory. stale is true when the entry has never
// been priced live (AsOf is zero) or its AsOf has aged past the
// configured staleness window.
func (s *Static) Lookup(mint string) (Entry, bool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[mint]
	if !ok {
		return entry, true, false
	}
	stale := entry.AsOf.IsZero() || time.Since(entry.AsOf) > s.stalenessWindow
	return entry, stale, true
}

// Put adds or overrides an entry at runtime, e.g. from an operator
// correcting a price that has drifted too far from reality. A zero
// AsOf on entry is stamped with time.Now so the override counts as
// freshly priced.
func (s *Static) Put(mint string, entry Entry) {
	if entry.AsOf.IsZero() {
		entry.AsOf = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[mint] = entry
}

// AmountUSD converts a raw base-unit amount for mint into a USD
// estimate, returning ok=false when the mint is unknown.
func AmountUSD(dir Directory, mint string, rawAmount float64) (usd float64, stale bool, ok bool) {
	entry, stale, ok := dir.Lookup(mint)
	if !ok {
		return 0, stale, false
	}
	scaled := rawAmount
	for i := uint8(0); i < entry.Decimals; i++ {
		scaled /= 10
	}
	return scaled * entry.PriceUSD, stale, true
}
