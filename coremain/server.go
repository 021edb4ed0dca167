package coremain

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go4.org/netipx"
	"golang.org/x/sync/errgroup"

	"github.com/pmkol/packetcache/pkg/executable_seq"
	"github.com/pmkol/packetcache/pkg/server"
	"github.com/pmkol/packetcache/pkg/server/dns_handler"
)

func (m *Core) startServers(idx int, cfg *ServerConfig) error {
	if len(cfg.Listeners) == 0 {
		return errors.New("no server listener is configured")
	}

	entry, err := executable_seq.BuildExecutableChain(cfg.Exec, m.execs)
	if err != nil {
		return fmt.Errorf("failed to build entry chain, %w", err)
	}

	allowed, err := parseAllowedClients(cfg.AllowedClients)
	if err != nil {
		return fmt.Errorf("invalid allowed clients, %w", err)
	}

	h, err := dns_handler.NewEntryHandler(dns_handler.EntryHandlerOpts{
		Logger:         m.logger,
		Entry:          entry,
		QueryTimeout:   time.Duration(cfg.Timeout) * time.Second,
		AllowedClients: allowed,
	})
	if err != nil {
		return fmt.Errorf("failed to init entry handler, %w", err)
	}

	s, err := server.NewServer(server.ServerOpts{
		Logger:      m.logger,
		DNSHandler:  h,
		IdleTimeout: time.Duration(cfg.IdleTimeout) * time.Second,
		MetricsReg:  prometheus.WrapRegistererWith(prometheus.Labels{"server": strconv.Itoa(idx)}, m.metricsReg),
	})
	if err != nil {
		return fmt.Errorf("failed to init server, %w", err)
	}

	serves := make([]func() error, 0, len(cfg.Listeners))
	for _, lc := range cfg.Listeners {
		serve, err := m.listen(s, lc)
		if err != nil {
			s.Close()
			return fmt.Errorf("failed to start listener %s://%s, %w", lc.Protocol, lc.Addr, err)
		}
		serves = append(serves, serve)
	}

	m.sc.Attach(func(closeSignal <-chan struct{}) {
		g, ctx := errgroup.WithContext(context.Background())
		for _, serve := range serves {
			g.Go(serve)
		}
		g.Go(func() error {
			select {
			case <-ctx.Done():
			case <-closeSignal:
			}
			s.Close()
			return nil
		})
		if err := g.Wait(); err != nil && !errors.Is(err, server.ErrServerClosed) {
			m.sc.SendCloseSignal(err)
		}
	})
	return nil
}

// listen opens the socket of lc. The returned func serves it with s.
func (m *Core) listen(s *server.Server, lc *ServerListenerConfig) (func() error, error) {
	if len(lc.Addr) == 0 {
		return nil, errors.New("no address to bind")
	}

	ctx := context.Background()
	switch lc.Protocol {
	case "", "udp":
		if lc.ProxyProtocol {
			return nil, errors.New("proxy protocol is tcp only")
		}
		c, err := server.ListenUDP(ctx, lc.Addr, lc.ReusePort)
		if err != nil {
			return nil, err
		}
		m.logger.Info("udp server started", zap.Stringer("addr", c.LocalAddr()))
		return func() error { return s.ServeUDP(c) }, nil
	case "tcp":
		l, err := server.ListenTCP(ctx, lc.Addr, lc.ReusePort, lc.ProxyProtocol)
		if err != nil {
			return nil, err
		}
		m.logger.Info("tcp server started", zap.Stringer("addr", l.Addr()))
		return func() error { return s.ServeTCP(l) }, nil
	default:
		return nil, fmt.Errorf("unknown protocol: [%s]", lc.Protocol)
	}
}

// parseAllowedClients returns nil if ss is empty.
func parseAllowedClients(ss []string) (*netipx.IPSet, error) {
	if len(ss) == 0 {
		return nil, nil
	}
	var b netipx.IPSetBuilder
	for _, s := range ss {
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, err
			}
			b.AddPrefix(p.Masked())
			continue
		}
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, err
		}
		b.Add(a.Unmap())
	}
	return b.IPSet()
}
