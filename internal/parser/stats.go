package parser

import "sync"

// Stats are the process-wide, observability-only parse counters of
// spec §4.3/§3. They tolerate lossy concurrent increments: no
// correctness dependency rests on them.
type Stats struct {
	mu            sync.Mutex
	Total         int64
	Success       int64
	Failed        int64
	NoEvents      int64
	UnknownTokens map[string]int64
}

// NewStats returns a zeroed Stats ready for concurrent use.
func NewStats() *Stats {
	return &Stats{UnknownTokens: make(map[string]int64)}
}

func (s *Stats) recordTotal() {
	s.mu.Lock()
	s.Total++
	s.mu.Unlock()
}

func (s *Stats) recordSuccess(events int) {
	s.mu.Lock()
	s.Success++
	if events == 0 {
		s.NoEvents++
	}
	s.mu.Unlock()
}

func (s *Stats) recordFailed() {
	s.mu.Lock()
	s.Failed++
	s.mu.Unlock()
}

func (s *Stats) recordUnknownToken(mint string) {
	if mint == "" {
		return
	}
	s.mu.Lock()
	s.UnknownTokens[mint]++
	s.mu.Unlock()
}

// Snapshot copies the counters for safe external reads (e.g. by the
// push fan-out's parse_stats payload).
func (s *Stats) Snapshot() (total, success, failed, noEvents int64, unknownTokens map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]int64, len(s.UnknownTokens))
	for k, v := range s.UnknownTokens {
		cp[k] = v
	}
	return s.Total, s.Success, s.Failed, s.NoEvents, cp
}
