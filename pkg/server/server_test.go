package server

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	C "github.com/pmkol/packetcache/pkg/query_context"
)

// testHandler answers with n A records, as a raw response if raw is set.
type testHandler struct {
	n   int
	raw bool
}

func (h *testHandler) ServeDNS(_ context.Context, qCtx *C.Context) error {
	r := new(dns.Msg).SetReply(qCtx.Q())
	for i := range h.n {
		r.Answer = append(r.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: qCtx.Q().Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   net.IPv4(10, 0, byte(i>>8), byte(i)),
		})
	}
	if !h.raw {
		qCtx.SetResponse(r)
		return nil
	}
	b, err := r.Pack()
	if err != nil {
		return err
	}
	qCtx.SetRawResponse(b, nil)
	return nil
}

func startUDP(t *testing.T, h *testHandler) (string, *Server, chan error) {
	t.Helper()
	s, err := NewServer(ServerOpts{DNSHandler: h})
	require.NoError(t, err)
	pc, err := ListenUDP(context.Background(), "127.0.0.1:0", false)
	require.NoError(t, err)
	errC := make(chan error, 1)
	go func() { errC <- s.ServeUDP(pc) }()
	return pc.LocalAddr().String(), s, errC
}

func startTCP(t *testing.T, h *testHandler) (string, *Server, chan error) {
	t.Helper()
	s, err := NewServer(ServerOpts{DNSHandler: h})
	require.NoError(t, err)
	l, err := ListenTCP(context.Background(), "127.0.0.1:0", false, false)
	require.NoError(t, err)
	errC := make(chan error, 1)
	go func() { errC <- s.ServeTCP(l) }()
	return l.Addr().String(), s, errC
}

func waitClosed(t *testing.T, s *Server, errC chan error) {
	t.Helper()
	s.Close()
	select {
	case err := <-errC:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(time.Second):
		t.Fatal("server did not exit")
	}
}

func TestServer_UDP(t *testing.T) {
	for _, raw := range []bool{false, true} {
		t.Run(fmt.Sprintf("raw=%v", raw), func(t *testing.T) {
			addr, s, errC := startUDP(t, &testHandler{n: 2, raw: raw})
			defer waitClosed(t, s, errC)

			c := &dns.Client{Net: "udp", Timeout: time.Second}
			q := new(dns.Msg).SetQuestion("example.com.", dns.TypeA)
			r, _, err := c.Exchange(q, addr)
			require.NoError(t, err)
			assert.Equal(t, q.Id, r.Id)
			assert.Len(t, r.Answer, 2)
		})
	}
}

func TestServer_UDPTruncate(t *testing.T) {
	addr, s, errC := startUDP(t, &testHandler{n: 100})
	defer waitClosed(t, s, errC)

	c := &dns.Client{Net: "udp", Timeout: time.Second}
	q := new(dns.Msg).SetQuestion("example.com.", dns.TypeA)
	r, _, err := c.Exchange(q, addr)
	require.NoError(t, err)
	assert.True(t, r.Truncated)
	assert.Less(t, len(r.Answer), 100)
}

func TestServer_TCP(t *testing.T) {
	for _, raw := range []bool{false, true} {
		t.Run(fmt.Sprintf("raw=%v", raw), func(t *testing.T) {
			addr, s, errC := startTCP(t, &testHandler{n: 100, raw: raw})
			defer waitClosed(t, s, errC)

			c := &dns.Client{Net: "tcp", Timeout: time.Second}
			conn, err := c.Dial(addr)
			require.NoError(t, err)
			defer conn.Close()

			// Several queries over one connection.
			for i := range 3 {
				q := new(dns.Msg).SetQuestion(fmt.Sprintf("n%d.example.", i), dns.TypeA)
				r, _, err := c.ExchangeWithConn(q, conn)
				require.NoError(t, err)
				assert.Equal(t, q.Id, r.Id)
				assert.False(t, r.Truncated)
				assert.Len(t, r.Answer, 100)
			}
		})
	}
}

func TestServer_MissingHandler(t *testing.T) {
	s, err := NewServer(ServerOpts{})
	require.NoError(t, err)
	pc, err := ListenUDP(context.Background(), "127.0.0.1:0", false)
	require.NoError(t, err)
	assert.ErrorIs(t, s.ServeUDP(pc), errMissingDNSHandler)
}

func TestListen_ReusePort(t *testing.T) {
	l1, err := ListenTCP(context.Background(), "127.0.0.1:0", true, false)
	require.NoError(t, err)
	defer l1.Close()

	l2, err := ListenTCP(context.Background(), l1.Addr().String(), true, false)
	if err != nil {
		t.Skipf("SO_REUSEPORT not supported: %v", err)
	}
	l2.Close()
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := NewServer(ServerOpts{DNSHandler: &testHandler{n: 1}, MetricsReg: reg})
	require.NoError(t, err)
	pc, err := ListenUDP(context.Background(), "127.0.0.1:0", false)
	require.NoError(t, err)
	errC := make(chan error, 1)
	go func() { errC <- s.ServeUDP(pc) }()
	defer waitClosed(t, s, errC)

	c := &dns.Client{Net: "udp", Timeout: time.Second}
	_, _, err = c.Exchange(new(dns.Msg).SetQuestion("example.com.", dns.TypeA), pc.LocalAddr().String())
	require.NoError(t, err)

	// Garbage is counted, then dropped.
	conn, err := net.Dial("udp", pc.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte{1, 2, 3})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(s.metrics.invalid.WithLabelValues(C.ProtocolUDP)) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.queries.WithLabelValues(C.ProtocolUDP)))
	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = NewServer(ServerOpts{DNSHandler: &testHandler{}, MetricsReg: reg})
	assert.Error(t, err)
}
