package tokendir

import (
	"testing"
	"time"
)

func TestStaticLookup(t *testing.T) {
	cases := map[string]struct {
		mint    string
		wantOK  bool
		wantSym string
	}{
		"known sol":    {mint: "So11111111111111111111111111111111111111112", wantOK: true, wantSym: "SOL"},
		"known usdc":   {mint: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", wantOK: true, wantSym: "USDC"},
		"unknown mint": {mint: "not-a-real-mint", wantOK: false},
	}

	dir := NewStatic(nil, time.Hour)
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			entry, stale, ok := dir.Lookup(tc.mint)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if !stale {
				t.Fatalf("built-in entries with no AsOf must always report stale")
			}
			if ok && entry.Symbol != tc.wantSym {
				t.Fatalf("symbol = %q, want %q", entry.Symbol, tc.wantSym)
			}
		})
	}
}

func TestStaticPutOverridesEntry(t *testing.T) {
	dir := NewStatic(nil, time.Hour)
	dir.Put("So11111111111111111111111111111111111111112", Entry{Symbol: "SOL", Decimals: 9, PriceUSD: 200})

	entry, stale, ok := dir.Lookup("So11111111111111111111111111111111111111112")
	if !ok || entry.PriceUSD != 200 {
		t.Fatalf("expected overridden price 200, got %+v ok=%v", entry, ok)
	}
	if stale {
		t.Fatalf("a freshly Put entry within the staleness window must not report stale")
	}
}

func TestStaticPutEntryAgesOutOfWindow(t *testing.T) {
	dir := NewStatic(nil, time.Millisecond)
	dir.Put("So11111111111111111111111111111111111111112", Entry{Symbol: "SOL", Decimals: 9, PriceUSD: 200})
	time.Sleep(5 * time.Millisecond)

	_, stale, ok := dir.Lookup("So11111111111111111111111111111111111111112")
	if !ok {
		t.Fatalf("expected lookup to succeed")
	}
	if !stale {
		t.Fatalf("expected entry older than the staleness window to report stale")
	}
}

func TestAmountUSD(t *testing.T) {
	dir := NewStatic(nil, time.Hour)

	usd, stale, ok := AmountUSD(dir, "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", 5_000_000)
	if !ok || !stale {
		t.Fatalf("expected ok+stale, got ok=%v stale=%v", ok, stale)
	}
	if usd != 5.0 {
		t.Fatalf("usd = %v, want 5.0", usd)
	}

	if _, _, ok := AmountUSD(dir, "unknown", 100); ok {
		t.Fatalf("expected unknown mint to fail lookup")
	}
}
