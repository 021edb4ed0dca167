package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmkol/packetcache/pkg/pool"
	C "github.com/pmkol/packetcache/pkg/query_context"
	D "github.com/pmkol/packetcache/pkg/server/dns_handler"
)

var (
	ErrServerClosed      = errors.New("server closed")
	errMissingDNSHandler = errors.New("missing dns handler")
	errNoResponse        = errors.New("no response")
)

type ServerOpts struct {
	// Logger optionally specifies a logger for the server logging.
	// A nil Logger will disable the logging.
	Logger *zap.Logger

	// DNSHandler is required.
	DNSHandler D.Handler

	// IdleTimeout limits the maximum time period that a tcp connection
	// can idle. Default is 10s.
	IdleTimeout time.Duration

	// MetricsReg, if not nil, exports the metrics of the server.
	MetricsReg prometheus.Registerer
}

func (opts *ServerOpts) init() {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultTCPIdleTimeout
	}
}

type metrics struct {
	queries  *prometheus.CounterVec
	invalid  *prometheus.CounterVec
	tcpConns prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "server_queries_total",
			Help: "Queries received",
		}, []string{"protocol"}),
		invalid: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "server_invalid_queries_total",
			Help: "Received packets that could not be decoded",
		}, []string{"protocol"}),
		tcpConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "server_tcp_connections",
			Help: "Open tcp connections",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.queries, m.invalid, m.tcpConns} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Server serves dns queries on udp sockets and tcp listeners. One Server
// may serve any number of them.
type Server struct {
	opts    ServerOpts
	metrics *metrics

	mu     sync.Mutex
	closed bool
	active map[io.Closer]struct{}
}

func NewServer(opts ServerOpts) (*Server, error) {
	opts.init()
	m, err := newMetrics(opts.MetricsReg)
	if err != nil {
		return nil, err
	}
	return &Server{
		opts:    opts,
		metrics: m,
		active:  make(map[io.Closer]struct{}),
	}, nil
}

// Closed returns true if server was closed.
func (s *Server) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// track registers c to be closed with s. It returns false if s is closed.
func (s *Server) track(c io.Closer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.active[c] = struct{}{}
	return true
}

func (s *Server) untrack(c io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, c)
}

// Close closes the Server and all its listeners and connections.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	active := s.active
	s.active = nil
	s.mu.Unlock()

	for c := range active {
		_ = c.Close()
	}
}

// handle runs the handler on qCtx and writes its response with write.
// Responses built as a msg are cut to maxSize if it is > 0. Raw responses
// are written as is.
func (s *Server) handle(ctx context.Context, qCtx *C.Context, maxSize int, write func(b []byte) (int, error)) {
	defer qCtx.ReleaseRawR()

	if err := s.opts.DNSHandler.ServeDNS(ctx, qCtx); err != nil {
		s.opts.Logger.Warn("handler err", qCtx.InfoField(), zap.Error(err))
		return
	}

	b, release, err := packResponse(qCtx, maxSize)
	if err != nil {
		if !errors.Is(err, errNoResponse) {
			s.opts.Logger.Error("failed to pack response", qCtx.InfoField(), zap.Error(err))
		}
		return
	}
	defer release()

	if _, err := write(b); err != nil {
		s.opts.Logger.Debug("failed to write response", qCtx.InfoField(), zap.Stringer("client", qCtx.ReqMeta().GetClientAddr()), zap.Error(err))
	}
}

func packResponse(qCtx *C.Context, maxSize int) (b []byte, release func(), err error) {
	if raw := qCtx.RawR(); raw != nil {
		return raw, func() {}, nil
	}
	r := qCtx.R()
	if r == nil {
		return nil, nil, errNoResponse
	}
	r.Id = qCtx.Q().Id
	if maxSize > 0 {
		r.Truncate(maxSize)
	}
	b, buf, err := pool.PackBuffer(r)
	if err != nil {
		return nil, nil, err
	}
	return b, buf.Release, nil
}
