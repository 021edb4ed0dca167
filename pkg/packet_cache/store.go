package packet_cache

import "sync"

// store maps keys to entries. Hot path callers only ever try its lock,
// maintenance callers block on it.
type store struct {
	mu  sync.RWMutex
	m   map[uint32]*entry
	max int
}

func newStore(maxEntries int) *store {
	return &store{
		// One spare slot so the map never grows right at the cap.
		m:   make(map[uint32]*entry, maxEntries+1),
		max: maxEntries,
	}
}

// full must be called with mu held.
func (s *store) full() bool {
	return len(s.m) >= s.max
}
