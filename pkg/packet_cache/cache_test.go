package packet_cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	c := New(Opts{})
	assert.Equal(t, 1, c.Opts().MaxEntries)
	assert.Equal(t, uint32(86400), c.Opts().MaxTTL)
	assert.Equal(t, "0/1", c.String())
}

func TestCache_RoundTrip(t *testing.T) {
	c, _ := newTestCache(Opts{MaxEntries: 16})
	q := mustQuery(t, newQueryMsg("example.com.", dns.TypeA), false)
	resp := aReply(t, "example.com.", 300)
	insert(t, c, q, resp, dns.RcodeSuccess)

	dst := make([]byte, 512)
	n, _, ok, err := c.Get(q, testID, dst, 0, true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, len(resp), n)
	assert.Equal(t, []byte{0x42, 0x42}, dst[:2])
	assert.Equal(t, resp[2:], dst[2:n])
	assert.Equal(t, uint64(1), c.Stats().Hits)
}

func TestCache_Aging(t *testing.T) {
	c, clk := newTestCache(Opts{MaxEntries: 16})
	q := mustQuery(t, newQueryMsg("example.com.", dns.TypeA), false)
	insert(t, c, q, aReply(t, "example.com.", 300), dns.RcodeSuccess)

	clk.advance(100)
	m := lookup(t, c, q, 0, false)
	require.NotNil(t, m)
	assert.Equal(t, uint32(200), m.Answer[0].Header().Ttl)

	m = lookup(t, c, q, 0, true)
	require.NotNil(t, m)
	assert.Equal(t, uint32(300), m.Answer[0].Header().Ttl)

	// At the validity boundary the entry is still fresh.
	clk.advance(200)
	m = lookup(t, c, q, 0, false)
	require.NotNil(t, m)
	assert.Equal(t, uint32(0), m.Answer[0].Header().Ttl)
}

func TestCache_Stale(t *testing.T) {
	c, clk := newTestCache(Opts{MaxEntries: 16, StaleTTL: 3})
	q := mustQuery(t, newQueryMsg("example.com.", dns.TypeA), false)
	insert(t, c, q, aReply(t, "example.com.", 10), dns.RcodeSuccess)

	clk.advance(11)
	assert.Nil(t, lookup(t, c, q, 0, false))
	assert.Nil(t, lookup(t, c, q, 1, false))

	m := lookup(t, c, q, 5, false)
	require.NotNil(t, m)
	assert.Equal(t, uint32(3), m.Answer[0].Header().Ttl)

	// The stale TTL does not decay with time.
	clk.advance(3)
	m = lookup(t, c, q, 5, false)
	require.NotNil(t, m)
	assert.Equal(t, uint32(3), m.Answer[0].Header().Ttl)

	clk.advance(1)
	assert.Nil(t, lookup(t, c, q, 5, false))

	st := c.Stats()
	assert.Equal(t, uint64(2), st.Hits)
	assert.Equal(t, uint64(3), st.Misses)
}

func TestCache_StaleTTLLongerThanWindow(t *testing.T) {
	c, clk := newTestCache(Opts{MaxEntries: 16, StaleTTL: 60})
	q := mustQuery(t, newQueryMsg("example.com.", dns.TypeA), false)
	insert(t, c, q, aReply(t, "example.com.", 10), dns.RcodeSuccess)

	clk.advance(20)
	m := lookup(t, c, q, 3600, false)
	require.NotNil(t, m)
	assert.Equal(t, uint32(10), m.Answer[0].Header().Ttl)
}

func TestCache_TTLSelection(t *testing.T) {
	tests := []struct {
		name     string
		opts     Opts
		resp     func(t *testing.T) []byte
		rcode    int
		wantTTL  int64 // 0 means not cached
		tooShort uint64
	}{
		{
			name: "min record ttl",
			opts: Opts{},
			resp: func(t *testing.T) []byte {
				return reply(t, "example.com.", dns.TypeA, dns.RcodeSuccess,
					"example.com. 300 IN A 192.0.2.1", "example.com. 120 IN A 192.0.2.2")
			},
			wantTTL: 120,
		},
		{
			name:    "clamped to max",
			opts:    Opts{MaxTTL: 60},
			resp:    func(t *testing.T) []byte { return aReply(t, "example.com.", 3600) },
			wantTTL: 60,
		},
		{
			name:     "below min",
			opts:     Opts{MinTTL: 100},
			resp:     func(t *testing.T) []byte { return aReply(t, "example.com.", 50) },
			tooShort: 1,
		},
		{
			name:     "clamped below min",
			opts:     Opts{MaxTTL: 30, MinTTL: 60},
			resp:     func(t *testing.T) []byte { return aReply(t, "example.com.", 3600) },
			tooShort: 1,
		},
		{
			name: "no records",
			opts: Opts{},
			resp: func(t *testing.T) []byte { return reply(t, "example.com.", dns.TypeA, dns.RcodeSuccess) },
		},
		{
			name: "nxdomain without soa",
			opts: Opts{FailureTTL: 30},
			resp: func(t *testing.T) []byte {
				return reply(t, "example.com.", dns.TypeA, dns.RcodeNameError)
			},
			rcode: dns.RcodeNameError,
		},
		{
			name:    "servfail",
			opts:    Opts{FailureTTL: 30},
			resp:    func(t *testing.T) []byte { return reply(t, "example.com.", dns.TypeA, dns.RcodeServerFailure) },
			rcode:   dns.RcodeServerFailure,
			wantTTL: 30,
		},
		{
			name: "refused ignores record ttl",
			opts: Opts{FailureTTL: 30},
			resp: func(t *testing.T) []byte {
				return reply(t, "example.com.", dns.TypeA, dns.RcodeRefused, "example.com. 300 IN A 192.0.2.1")
			},
			rcode:   dns.RcodeRefused,
			wantTTL: 30,
		},
		{
			name:  "servfail disabled",
			opts:  Opts{},
			resp:  func(t *testing.T) []byte { return reply(t, "example.com.", dns.TypeA, dns.RcodeServerFailure) },
			rcode: dns.RcodeServerFailure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.MaxEntries = 16
			c, _ := newTestCache(tt.opts)
			q := mustQuery(t, newQueryMsg("example.com.", dns.TypeA), false)
			k := insert(t, c, q, tt.resp(t), tt.rcode)

			if tt.wantTTL == 0 {
				assert.Equal(t, 0, c.Len())
			} else {
				assert.Equal(t, tt.wantTTL, entryTTL(t, c, k))
			}
			assert.Equal(t, tt.tooShort, c.Stats().TTLTooShort)
		})
	}
}

func TestCache_HeaderOnlyAnswer(t *testing.T) {
	c, _ := newTestCache(Opts{MaxEntries: 16, FailureTTL: 30})
	q := mustQuery(t, newQueryMsg("example.com.", dns.TypeA), false)
	resp := pack(t, new(dns.Msg).SetRcode(newQueryMsg("example.com.", dns.TypeA), dns.RcodeServerFailure))[:12]
	resp[5] = 0 // qdcount
	insert(t, c, q, resp, dns.RcodeServerFailure)

	dst := make([]byte, 64)
	n, _, ok, err := c.Get(q, testID, dst, 0, false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 12, n)
	assert.Equal(t, resp[2:], dst[2:n])
}

func TestCache_RestampsQueryName(t *testing.T) {
	c, _ := newTestCache(Opts{MaxEntries: 16})
	insert(t, c, mustQuery(t, newQueryMsg("www.example.com.", dns.TypeA), false),
		aReply(t, "www.example.com.", 300), dns.RcodeSuccess)

	q := mustQuery(t, newQueryMsg("WWW.Example.COM.", dns.TypeA), false)
	m := lookup(t, c, q, 0, false)
	require.NotNil(t, m)
	assert.Equal(t, "WWW.Example.COM.", m.Question[0].Name)
}

func TestCache_BufferTooSmall(t *testing.T) {
	c, _ := newTestCache(Opts{MaxEntries: 16})
	q := mustQuery(t, newQueryMsg("example.com.", dns.TypeA), false)
	resp := aReply(t, "example.com.", 300)
	insert(t, c, q, resp, dns.RcodeSuccess)

	n, _, ok, err := c.Get(q, testID, make([]byte, len(resp)-1), 0, false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, n)

	_, _, ok, err = c.Get(q, testID, make([]byte, len(resp)), 0, false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCache_TransportIsolation(t *testing.T) {
	c, _ := newTestCache(Opts{MaxEntries: 16})
	m := newQueryMsg("example.com.", dns.TypeA)
	insert(t, c, mustQuery(t, m, false), aReply(t, "example.com.", 300), dns.RcodeSuccess)

	assert.NotNil(t, lookup(t, c, mustQuery(t, m, false), 0, false))
	assert.Nil(t, lookup(t, c, mustQuery(t, m, true), 0, false))
}

func TestCache_QtypeIsolation(t *testing.T) {
	c, _ := newTestCache(Opts{MaxEntries: 16})
	qa := mustQuery(t, newQueryMsg("example.com.", dns.TypeA), false)
	qaaaa := mustQuery(t, newQueryMsg("example.com.", dns.TypeAAAA), false)
	aaaa := reply(t, "example.com.", dns.TypeAAAA, dns.RcodeSuccess, "example.com. 300 IN AAAA 2001:db8::1")

	keyA := insert(t, c, qa, aReply(t, "example.com.", 300), dns.RcodeSuccess)
	keyAAAA := insert(t, c, qaaaa, aaaa, dns.RcodeSuccess)
	assert.NotEqual(t, keyA, keyAAAA)
	assert.Equal(t, 2, c.Len())
	assert.Zero(t, c.Stats().InsertCollisions)

	r := lookup(t, c, qa, 0, false)
	require.NotNil(t, r)
	require.Len(t, r.Answer, 1)
	assert.Equal(t, dns.TypeA, r.Answer[0].Header().Rrtype)

	r = lookup(t, c, qaaaa, 0, false)
	require.NotNil(t, r)
	require.Len(t, r.Answer, 1)
	assert.Equal(t, dns.TypeAAAA, r.Answer[0].Header().Rrtype)
	assert.Equal(t, uint64(2), c.Stats().Hits)
}

func TestCache_InsertCollision(t *testing.T) {
	c, clk := newTestCache(Opts{MaxEntries: 16})
	qa := mustQuery(t, newQueryMsg("a.example.", dns.TypeA), false)
	qb := mustQuery(t, newQueryMsg("b.example.", dns.TypeA), false)
	keyA, err := qa.Key()
	require.NoError(t, err)

	insert(t, c, qa, aReply(t, "a.example.", 100), dns.RcodeSuccess)

	// Same key, other identity, longer TTL: the live entry stays.
	c.Insert(keyA, qb.Identity, aReply(t, "b.example.", 1000), dns.RcodeSuccess)
	assert.Equal(t, uint64(1), c.Stats().InsertCollisions)
	assert.NotNil(t, lookup(t, c, qa, 0, false))
	assert.Equal(t, int64(100), entryTTL(t, c, keyA))

	// Once expired it can be replaced.
	clk.advance(101)
	c.Insert(keyA, qb.Identity, aReply(t, "b.example.", 1000), dns.RcodeSuccess)
	assert.Equal(t, uint64(1), c.Stats().InsertCollisions)
	info := c.Entries()
	require.Len(t, info, 1)
	assert.Equal(t, "b.example.", info[0].Name)
}

func TestCache_LookupCollision(t *testing.T) {
	c, _ := newTestCache(Opts{MaxEntries: 16})
	qa := mustQuery(t, newQueryMsg("a.example.", dns.TypeA), false)
	qb := mustQuery(t, newQueryMsg("b.example.", dns.TypeA), false)
	keyA, err := qa.Key()
	require.NoError(t, err)

	c.Insert(keyA, qb.Identity, aReply(t, "b.example.", 100), dns.RcodeSuccess)
	assert.Nil(t, lookup(t, c, qa, 0, false))

	st := c.Stats()
	assert.Equal(t, uint64(1), st.LookupCollisions)
	assert.Zero(t, st.Hits)
}

func TestCache_KeepsLongerTTL(t *testing.T) {
	for _, order := range [][]uint32{{100, 200}, {200, 100}} {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			c, _ := newTestCache(Opts{MaxEntries: 16})
			q := mustQuery(t, newQueryMsg("example.com.", dns.TypeA), false)
			var k uint32
			for _, ttl := range order {
				k = insert(t, c, q, aReply(t, "example.com.", ttl), dns.RcodeSuccess)
			}
			assert.Equal(t, int64(200), entryTTL(t, c, k))
			m := lookup(t, c, q, 0, true)
			require.NotNil(t, m)
			assert.Equal(t, uint32(200), m.Answer[0].Header().Ttl)
		})
	}
}

func TestCache_Capacity(t *testing.T) {
	c, _ := newTestCache(Opts{MaxEntries: 3})
	var queries []*Query
	for i := range 4 {
		name := fmt.Sprintf("n%d.example.", i)
		q := mustQuery(t, newQueryMsg(name, dns.TypeA), false)
		insert(t, c, q, aReply(t, name, 300), dns.RcodeSuccess)
		queries = append(queries, q)
	}

	assert.Equal(t, 3, c.Len())
	assert.True(t, c.IsFull())
	assert.Equal(t, "3/3", c.String())
	assert.Nil(t, lookup(t, c, queries[3], 0, false))
	for _, q := range queries[:3] {
		assert.NotNil(t, lookup(t, c, q, 0, false))
	}
}

func TestCache_Deferred(t *testing.T) {
	c, _ := newTestCache(Opts{MaxEntries: 16})
	q := mustQuery(t, newQueryMsg("example.com.", dns.TypeA), false)
	resp := aReply(t, "example.com.", 300)

	c.s.mu.Lock()
	insert(t, c, q, resp, dns.RcodeSuccess)
	assert.Nil(t, lookup(t, c, q, 0, false))
	c.s.mu.Unlock()

	st := c.Stats()
	assert.Equal(t, uint64(1), st.DeferredInserts)
	assert.Equal(t, uint64(1), st.DeferredLookups)
	assert.Zero(t, st.Misses)
	assert.Zero(t, c.Len())

	// A reader blocks inserts but not lookups.
	insert(t, c, q, resp, dns.RcodeSuccess)
	c.s.mu.RLock()
	insert(t, c, q, aReply(t, "example.com.", 600), dns.RcodeSuccess)
	assert.NotNil(t, lookup(t, c, q, 0, false))
	c.s.mu.RUnlock()

	assert.Equal(t, uint64(2), c.Stats().DeferredInserts)
}

func TestCache_Concurrent(t *testing.T) {
	c := New(Opts{MaxEntries: 64, StaleTTL: 1})

	type pair struct {
		q    *Query
		key  uint32
		resp []byte
	}
	pairs := make([]pair, 0, 256)
	for i := range 128 {
		name := fmt.Sprintf("n%d.example.", i)
		for _, tcp := range []bool{false, true} {
			q := mustQuery(t, newQueryMsg(name, dns.TypeA), tcp)
			k, err := q.Key()
			require.NoError(t, err)
			pairs = append(pairs, pair{q: q, key: k, resp: aReply(t, name, uint32(1+i%5))})
		}
	}

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dst := make([]byte, 512)
			for i := range 1000 {
				p := pairs[(w*31+i)%len(pairs)]
				c.Insert(p.key, p.q.Identity, p.resp, dns.RcodeSuccess)
				_, _, _, err := c.Get(p.q, uint16(i), dst, 2, false)
				assert.NoError(t, err)
				switch i % 100 {
				case 0:
					c.PurgeExpired(32)
				case 50:
					c.ExpungeByName("example.", dns.TypeANY, true)
				}
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 64)
}
