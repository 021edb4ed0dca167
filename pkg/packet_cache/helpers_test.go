package packet_cache

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

const testID = 0x4242

type fakeClock struct {
	sec int64
}

func (f *fakeClock) now() time.Time {
	return time.Unix(f.sec, 0)
}

func (f *fakeClock) advance(d int64) {
	f.sec += d
}

func newTestCache(opts Opts) (*Cache, *fakeClock) {
	c := New(opts)
	clk := &fakeClock{sec: 1_700_000_000}
	c.now = clk.now
	return c, clk
}

func newQueryMsg(name string, qtype uint16) *dns.Msg {
	m := new(dns.Msg).SetQuestion(name, qtype)
	m.Id = 1
	return m
}

func pack(t *testing.T, m *dns.Msg) []byte {
	t.Helper()
	b, err := m.Pack()
	require.NoError(t, err)
	return b
}

func mustQuery(t *testing.T, m *dns.Msg, tcp bool) *Query {
	t.Helper()
	q, err := NewQuery(pack(t, m), tcp)
	require.NoError(t, err)
	return q
}

func withECS(m *dns.Msg, subnet string) *dns.Msg {
	opt := new(dns.OPT)
	opt.Hdr.Name = "."
	opt.Hdr.Rrtype = dns.TypeOPT
	opt.SetUDPSize(1232)
	opt.Option = append(opt.Option, &dns.EDNS0_SUBNET{
		Code:          dns.EDNS0SUBNET,
		Family:        1,
		SourceNetmask: 24,
		Address:       net.ParseIP(subnet).To4(),
	})
	m.Extra = append(m.Extra, opt)
	return m
}

// reply packs a response to name/qtype holding rrs (zone file syntax).
func reply(t *testing.T, name string, qtype uint16, rcode int, rrs ...string) []byte {
	t.Helper()
	r := new(dns.Msg).SetRcode(newQueryMsg(name, qtype), rcode)
	r.Id = 0xdead
	for _, s := range rrs {
		rr, err := dns.NewRR(s)
		require.NoError(t, err)
		r.Answer = append(r.Answer, rr)
	}
	return pack(t, r)
}

func aReply(t *testing.T, name string, ttl uint32) []byte {
	t.Helper()
	rr := &dns.A{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
		A:   net.IPv4(192, 0, 2, 1),
	}
	r := new(dns.Msg).SetReply(newQueryMsg(name, dns.TypeA))
	r.Id = 0xdead
	r.Answer = append(r.Answer, rr)
	return pack(t, r)
}

func insert(t *testing.T, c *Cache, q *Query, resp []byte, rcode int, extras ...Extra) uint32 {
	t.Helper()
	key, err := q.Key()
	require.NoError(t, err)
	c.Insert(key, q.Identity, resp, rcode, extras...)
	return key
}

// lookup returns the unpacked cached answer for q, or nil on a miss.
func lookup(t *testing.T, c *Cache, q *Query, allowExpired uint32, skipAging bool) *dns.Msg {
	t.Helper()
	buf := make([]byte, dns.MaxMsgSize)
	n, key, ok, err := c.Get(q, testID, buf, allowExpired, skipAging)
	require.NoError(t, err)
	wantKey, err := q.Key()
	require.NoError(t, err)
	require.Equal(t, wantKey, key)
	if !ok {
		return nil
	}
	m := new(dns.Msg)
	require.NoError(t, m.Unpack(buf[:n]))
	require.Equal(t, uint16(testID), m.Id)
	return m
}

func entryTTL(t *testing.T, c *Cache, key uint32) int64 {
	t.Helper()
	for _, e := range c.Entries() {
		if e.Key == key {
			return e.Validity.Unix() - e.Added.Unix()
		}
	}
	t.Fatalf("no entry for key %08x", key)
	return 0
}
