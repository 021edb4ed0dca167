package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

const defaultTimeout = time.Second * 5

// Upstream is a dns server queries are forwarded to.
type Upstream interface {
	ExchangeContext(ctx context.Context, q *dns.Msg) (*dns.Msg, error)
	Address() string
}

type Opt struct {
	// Timeout of one exchange, used when ctx has no deadline.
	// Default is 5s.
	Timeout time.Duration

	// Logger is used for logging. Default is a noop logger.
	Logger *zap.Logger
}

// NewUpstream parses addr, "[udp://|tcp://]host[:port]", and returns
// an Upstream for it. Default scheme is udp and default port is 53.
// A udp upstream retries truncated answers over tcp.
func NewUpstream(addr string, opt Opt) (Upstream, error) {
	network := "udp"
	hostPort := addr
	if scheme, rest, ok := strings.Cut(addr, "://"); ok {
		switch scheme {
		case "udp", "tcp":
			network = scheme
		default:
			return nil, fmt.Errorf("unsupported protocol %s", scheme)
		}
		hostPort = rest
	}
	if len(hostPort) == 0 {
		return nil, errors.New("empty upstream address")
	}
	if _, _, err := net.SplitHostPort(hostPort); err != nil {
		hostPort = net.JoinHostPort(strings.Trim(hostPort, "[]"), "53")
	}

	if opt.Timeout <= 0 {
		opt.Timeout = defaultTimeout
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}

	u := &clientUpstream{
		address:  addr,
		hostPort: hostPort,
		logger:   opt.Logger,
		tcp:      &dns.Client{Net: "tcp", Timeout: opt.Timeout},
	}
	if network == "udp" {
		u.udp = &dns.Client{Net: "udp", Timeout: opt.Timeout, UDPSize: dns.DefaultMsgSize}
	}
	return u, nil
}

type clientUpstream struct {
	address  string
	hostPort string
	logger   *zap.Logger
	udp      *dns.Client // nil for tcp upstreams
	tcp      *dns.Client
}

func (u *clientUpstream) Address() string {
	return u.address
}

func (u *clientUpstream) ExchangeContext(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	if u.udp != nil {
		r, _, err := u.udp.ExchangeContext(ctx, q, u.hostPort)
		if err != nil {
			return nil, err
		}
		if !r.Truncated {
			return r, nil
		}
		u.logger.Debug("truncated udp response, retrying over tcp", zap.String("addr", u.address))
	}
	r, _, err := u.tcp.ExchangeContext(ctx, q, u.hostPort)
	return r, err
}
