package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/packetcache/pkg/dnsutils"
	"github.com/pmkol/packetcache/pkg/pool"
	C "github.com/pmkol/packetcache/pkg/query_context"
	"github.com/pmkol/packetcache/pkg/utils"
)

const (
	defaultTCPIdleTimeout = time.Second * 10
	tcpFirstReadTimeout   = time.Millisecond * 500
)

// ServeTCP accepts connections from l until s is closed. Queries on one
// connection are answered in order. l is closed when ServeTCP returns.
func (s *Server) ServeTCP(l net.Listener) error {
	defer l.Close()

	if s.opts.DNSHandler == nil {
		return errMissingDNSHandler
	}
	if !s.track(l) {
		return ErrServerClosed
	}
	defer s.untrack(l)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		c, err := l.Accept()
		if err != nil {
			if s.Closed() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("unexpected listener err: %w", err)
		}
		go s.handleConnTCP(ctx, c)
	}
}

func (s *Server) handleConnTCP(ctx context.Context, c net.Conn) {
	defer c.Close()
	if !s.track(c) {
		return
	}
	defer s.untrack(c)

	s.metrics.tcpConns.Inc()
	defer s.metrics.tcpConns.Dec()

	meta := C.NewRequestMeta(utils.GetAddrFromAddr(c.RemoteAddr()))
	meta.SetProtocol(C.ProtocolTCP)

	// Clients that connect but stay silent are dropped early.
	c.SetReadDeadline(time.Now().Add(min(s.opts.IdleTimeout, tcpFirstReadTimeout)))
	for {
		buf, err := dnsutils.ReadRawMsgFromTCP(c)
		if err != nil {
			return
		}
		s.metrics.queries.WithLabelValues(C.ProtocolTCP).Inc()

		q := new(dns.Msg)
		if err := q.Unpack(buf.Bytes()); err != nil {
			buf.Release()
			s.metrics.invalid.WithLabelValues(C.ProtocolTCP).Inc()
			s.opts.Logger.Debug("invalid msg", zap.Error(err), zap.Stringer("from", c.RemoteAddr()))
			return
		}
		s.handleQueryTCP(ctx, c, meta, q, buf)
		c.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
	}
}

// handleQueryTCP takes the ownership of rawQ.
func (s *Server) handleQueryTCP(ctx context.Context, c net.Conn, meta *C.RequestMeta, q *dns.Msg, rawQ *pool.Buffer) {
	defer rawQ.Release()
	s.handle(ctx, C.NewContext(q, rawQ.Bytes(), meta), 0, func(b []byte) (int, error) {
		return dnsutils.WriteRawMsgToTCP(c, b)
	})
}
