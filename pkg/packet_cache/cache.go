// Package packet_cache stores packed DNS responses keyed by a 32-bit
// fingerprint of the query and replays them with aged TTLs.
//
// Lookups and inserts never wait for the store lock: if it cannot be taken
// immediately the operation is dropped and counted as deferred. Maintenance
// (PurgeExpired, Expunge, ExpungeByName) takes the lock and may wait.
package packet_cache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"
	"time"

	"github.com/miekg/dns"

	"github.com/pmkol/packetcache/pkg/dnsutils"
)

const defaultMaxTTL = 86400

type Opts struct {
	// MaxEntries is the hard cap on stored entries. Default is 1.
	MaxEntries int

	// MaxTTL caps the TTL of any cached response. Default is 86400.
	MaxTTL uint32

	// MinTTL makes responses with a smaller TTL non-cacheable.
	MinTTL uint32

	// FailureTTL is used for SERVFAIL and REFUSED responses.
	// Zero disables caching of those.
	FailureTTL uint32

	// StaleTTL is subtracted from the TTL window of an expired entry to
	// compute the age replayed into a stale answer.
	StaleTTL uint32
}

func (opts *Opts) init() {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1
	}
	if opts.MaxTTL == 0 {
		opts.MaxTTL = defaultMaxTTL
	}
}

type Cache struct {
	opts  Opts
	now   func() time.Time
	s     *store
	stats counters
}

func New(opts Opts) *Cache {
	opts.init()
	return &Cache{
		opts: opts,
		now:  time.Now,
		s:    newStore(opts.MaxEntries),
	}
}

// Opts returns the options c was built with, defaults applied.
func (c *Cache) Opts() Opts {
	return c.opts
}

// Insert caches resp under key. It is best-effort: non-cacheable responses,
// a full cache and lock contention all make it a no-op.
func (c *Cache) Insert(key uint32, id Identity, resp []byte, rcode int, extras ...Extra) {
	if len(resp) < dnsutils.HeaderSize {
		return
	}

	ttl, ok := c.selectTTL(resp, rcode)
	if !ok {
		return
	}

	if !c.s.mu.TryRLock() {
		c.stats.deferredInserts.Add(1)
		return
	}
	full := c.s.full()
	c.s.mu.RUnlock()
	if full {
		return
	}

	now := c.now().Unix()
	id.Name = dns.CanonicalName(id.Name)
	ne := &entry{
		Identity: id,
		packet:   bytes.Clone(resp),
		added:    now,
		validity: now + int64(ttl),
		extras:   slices.Clone(extras),
	}

	if !c.s.mu.TryLock() {
		c.stats.deferredInserts.Add(1)
		return
	}
	defer c.s.mu.Unlock()

	old, ok := c.s.m[key]
	if !ok {
		// Other inserts may have filled the store since the check above.
		if c.s.full() {
			return
		}
		c.s.m[key] = ne
		return
	}

	// Never override a live entry of another query.
	if old.validity > now && !old.Identity.equal(id) {
		c.stats.insertCollisions.Add(1)
		return
	}

	// Keep the longer-lived one.
	if ne.validity <= old.validity {
		return
	}
	c.s.m[key] = ne
}

func (c *Cache) selectTTL(resp []byte, rcode int) (uint32, bool) {
	if rcode == dns.RcodeServerFailure || rcode == dns.RcodeRefused {
		return c.opts.FailureTTL, c.opts.FailureTTL != 0
	}

	ttl, ok := dnsutils.MinTTL(resp)
	if !ok {
		return 0, false
	}
	if ttl > c.opts.MaxTTL {
		ttl = c.opts.MaxTTL
	}
	if ttl < c.opts.MinTTL {
		c.stats.ttlTooShort.Add(1)
		return 0, false
	}
	return ttl, true
}

// Get looks q up and on a hit writes the cached response into dst with the
// transaction ID set to id and, unless skipAging, TTLs reduced by the
// entry's age. Entries expired for less than allowExpired seconds are
// served as stale answers.
//
// n is the length of the response written to dst. key is the fingerprint of q
// and is valid whenever err is nil. err is only returned for a malformed q.
func (c *Cache) Get(q *Query, id uint16, dst []byte, allowExpired uint32, skipAging bool) (n int, key uint32, ok bool, err error) {
	key, err = q.Key()
	if err != nil {
		return 0, 0, false, err
	}

	now := c.now().Unix()
	n, age, ok := c.copyOut(q, key, id, dst, allowExpired, now)
	if !ok {
		return 0, key, false, nil
	}

	if !skipAging {
		// Records before a malformed one are aged; the copy is still served.
		_ = dnsutils.AgeInPlace(dst[:n], age)
	}
	c.stats.hits.Add(1)
	return n, key, true, nil
}

func (c *Cache) copyOut(q *Query, key uint32, id uint16, dst []byte, allowExpired uint32, now int64) (n int, age uint32, ok bool) {
	if !c.s.mu.TryRLock() {
		c.stats.deferredLookups.Add(1)
		return 0, 0, false
	}
	defer c.s.mu.RUnlock()

	e, found := c.s.m[key]
	if !found {
		c.stats.misses.Add(1)
		return 0, 0, false
	}

	stale := false
	if e.validity < now {
		if now-e.validity >= int64(allowExpired) {
			c.stats.misses.Add(1)
			return 0, 0, false
		}
		stale = true
	}

	n = len(e.packet)
	if len(dst) < n || n < dnsutils.HeaderSize {
		return 0, 0, false
	}

	if !e.Identity.equal(q.Identity) {
		c.stats.lookupCollisions.Add(1)
		return 0, 0, false
	}

	binary.BigEndian.PutUint16(dst[0:2], id)
	copy(dst[2:dnsutils.HeaderSize], e.packet[2:dnsutils.HeaderSize])

	if n > dnsutils.HeaderSize {
		// The name is restamped from the query so the answer carries the
		// client's exact spelling.
		nameEnd := dnsutils.HeaderSize + len(q.wireName)
		if n < nameEnd {
			return 0, 0, false
		}
		copy(dst[dnsutils.HeaderSize:nameEnd], q.wireName)
		copy(dst[nameEnd:n], e.packet[nameEnd:])
	}

	var a int64
	if stale {
		a = (e.validity - e.added) - int64(c.opts.StaleTTL)
	} else {
		a = now - e.added
	}
	if a < 0 {
		a = 0
	}
	return n, uint32(a), true
}

// IsFull reports whether the cache holds MaxEntries entries.
func (c *Cache) IsFull() bool {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	return c.s.full()
}

// Len returns the number of stored entries.
func (c *Cache) Len() int {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	return len(c.s.m)
}

// String returns "size/max".
func (c *Cache) String() string {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	return fmt.Sprintf("%d/%d", len(c.s.m), c.s.max)
}
