package server

import (
	"context"
	"fmt"
	"net"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/packetcache/pkg/pool"
	C "github.com/pmkol/packetcache/pkg/query_context"
	"github.com/pmkol/packetcache/pkg/utils"
)

// ServeUDP serves queries from c until s is closed. Each query is handled
// in its own goroutine. c is closed when ServeUDP returns.
func (s *Server) ServeUDP(c net.PacketConn) error {
	defer c.Close()

	if s.opts.DNSHandler == nil {
		return errMissingDNSHandler
	}
	if !s.track(c) {
		return ErrServerClosed
	}
	defer s.untrack(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readBuf := pool.GetBuf(dns.MaxMsgSize)
	defer readBuf.Release()
	rb := readBuf.Bytes()

	for {
		n, from, err := c.ReadFrom(rb)
		if err != nil {
			if s.Closed() {
				return ErrServerClosed
			}
			return fmt.Errorf("unexpected read err: %w", err)
		}
		s.metrics.queries.WithLabelValues(C.ProtocolUDP).Inc()

		q := new(dns.Msg)
		if err := q.Unpack(rb[:n]); err != nil {
			s.metrics.invalid.WithLabelValues(C.ProtocolUDP).Inc()
			s.opts.Logger.Debug("invalid msg", zap.Error(err), zap.Binary("msg", rb[:n]), zap.Stringer("from", from))
			continue
		}

		// rb is reused by the next read.
		rawQ := pool.GetBuf(n)
		copy(rawQ.Bytes(), rb[:n])
		go s.handleQueryUDP(ctx, c, from, q, rawQ)
	}
}

// handleQueryUDP takes the ownership of rawQ.
func (s *Server) handleQueryUDP(ctx context.Context, c net.PacketConn, from net.Addr, q *dns.Msg, rawQ *pool.Buffer) {
	defer rawQ.Release()

	meta := C.NewRequestMeta(utils.GetAddrFromAddr(from))
	meta.SetProtocol(C.ProtocolUDP)
	qCtx := C.NewContext(q, rawQ.Bytes(), meta)
	s.handle(ctx, qCtx, udpSize(q), func(b []byte) (int, error) {
		return c.WriteTo(b, from)
	})
}

// udpSize is the largest response the client of q accepts over udp.
func udpSize(q *dns.Msg) int {
	if opt := q.IsEdns0(); opt != nil && opt.UDPSize() > dns.MinMsgSize {
		return int(opt.UDPSize())
	}
	return dns.MinMsgSize
}
