package packet_cache

import "github.com/prometheus/client_golang/prometheus"

type collector struct {
	c *Cache

	entries    *prometheus.Desc
	maxEntries *prometheus.Desc
	hits       *prometheus.Desc
	misses     *prometheus.Desc
	deferred   *prometheus.Desc
	collisions *prometheus.Desc
	tooShort   *prometheus.Desc
}

// NewCollector exports the counters of c. constLabels may be nil.
func NewCollector(c *Cache, constLabels prometheus.Labels) prometheus.Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc("packet_cache_"+name, help, labels, constLabels)
	}
	return &collector{
		c:          c,
		entries:    desc("entries", "The number of cached responses"),
		maxEntries: desc("max_entries", "The configured capacity"),
		hits:       desc("hits_total", "Lookups answered from the cache"),
		misses:     desc("misses_total", "Lookups that found no usable entry"),
		deferred:   desc("deferred_total", "Operations dropped because the cache lock was busy", "op"),
		collisions: desc("collisions_total", "Key hits whose query identity did not match", "op"),
		tooShort:   desc("ttl_too_short_total", "Responses not cached because their TTL was below the minimum"),
	}
}

func (m *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.entries
	ch <- m.maxEntries
	ch <- m.hits
	ch <- m.misses
	ch <- m.deferred
	ch <- m.collisions
	ch <- m.tooShort
}

func (m *collector) Collect(ch chan<- prometheus.Metric) {
	s := m.c.Stats()
	gauge := func(d *prometheus.Desc, v int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge(m.entries, s.Entries)
	gauge(m.maxEntries, s.MaxEntries)
	counter(m.hits, s.Hits)
	counter(m.misses, s.Misses)
	counter(m.deferred, s.DeferredInserts, "insert")
	counter(m.deferred, s.DeferredLookups, "lookup")
	counter(m.collisions, s.InsertCollisions, "insert")
	counter(m.collisions, s.LookupCollisions, "lookup")
	counter(m.tooShort, s.TTLTooShort)
}
