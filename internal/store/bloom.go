package store

import (
	"hash/fnv"
	"sync"

	"github.com/holiman/bloomfilter/v2"

	"github.com/dlncollector/backfill/internal/model"
)

// dedupFilters keeps one advisory bloom filter per event type, created
// on first use. A miss skips the `orders FINAL` round
// trip entirely; a hit still falls through to the authoritative
// query, since the filter is advisory only (spec §4.4's insert
// algorithm step 2).
type dedupFilters struct {
	mu      sync.Mutex
	filters map[model.Key]*bloomfilter.Filter
}

func newDedupFilters() *dedupFilters {
	return &dedupFilters{filters: make(map[model.Key]*bloomfilter.Filter)}
}

const (
	bloomExpectedElements = 2_000_000
	bloomFalsePositive    = 0.01
)

func keyHash(key model.Key) bloomfilter.Hash64 {
	h := fnv.New64a()
	h.Write([]byte(key.Signature))
	h.Write([]byte(key.EventType))
	return bloomfilter.Hash64(h.Sum64())
}

func (d *dedupFilters) filterFor(eventType model.EventType) *bloomfilter.Filter {
	scopeKey := model.Key{EventType: eventType}
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.filters[scopeKey]
	if !ok {
		f, _ = bloomfilter.NewOptimal(bloomExpectedElements, bloomFalsePositive)
		d.filters[scopeKey] = f
	}
	return f
}

// Mark records key as present after a confirmed insert or an
// authoritative-query hit.
func (d *dedupFilters) Mark(key model.Key) {
	d.filterFor(key.EventType).Add(keyHash(key))
}

// Seen reports whether key may already be present in its event type's
// filter; false means it is definitely absent.
func (d *dedupFilters) Seen(key model.Key) bool {
	f := d.filterFor(key.EventType)
	return f.Contains(keyHash(key))
}
