package packet_cache

import "sync/atomic"

// counters are diagnostics only, they are not kept in sync with the store.
type counters struct {
	hits             atomic.Uint64
	misses           atomic.Uint64
	deferredInserts  atomic.Uint64
	deferredLookups  atomic.Uint64
	lookupCollisions atomic.Uint64
	insertCollisions atomic.Uint64
	ttlTooShort      atomic.Uint64
}

// Stats is a snapshot of the cache counters.
type Stats struct {
	Entries          int    `json:"entries" yaml:"entries"`
	MaxEntries       int    `json:"max_entries" yaml:"max_entries"`
	Hits             uint64 `json:"hits" yaml:"hits"`
	Misses           uint64 `json:"misses" yaml:"misses"`
	DeferredInserts  uint64 `json:"deferred_inserts" yaml:"deferred_inserts"`
	DeferredLookups  uint64 `json:"deferred_lookups" yaml:"deferred_lookups"`
	LookupCollisions uint64 `json:"lookup_collisions" yaml:"lookup_collisions"`
	InsertCollisions uint64 `json:"insert_collisions" yaml:"insert_collisions"`
	TTLTooShort      uint64 `json:"ttl_too_short" yaml:"ttl_too_short"`
}

func (c *Cache) Stats() Stats {
	return Stats{
		Entries:          c.Len(),
		MaxEntries:       c.opts.MaxEntries,
		Hits:             c.stats.hits.Load(),
		Misses:           c.stats.misses.Load(),
		DeferredInserts:  c.stats.deferredInserts.Load(),
		DeferredLookups:  c.stats.deferredLookups.Load(),
		LookupCollisions: c.stats.lookupCollisions.Load(),
		InsertCollisions: c.stats.insertCollisions.Load(),
		TTLTooShort:      c.stats.ttlTooShort.Load(),
	}
}
