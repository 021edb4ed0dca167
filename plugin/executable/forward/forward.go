package forward

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pmkol/packetcache/coremain"
	"github.com/pmkol/packetcache/pkg/bundled_upstream"
	"github.com/pmkol/packetcache/pkg/executable_seq"
	"github.com/pmkol/packetcache/pkg/query_context"
	"github.com/pmkol/packetcache/pkg/upstream"
)

const PluginType = "forward"

func init() {
	coremain.RegNewPluginFunc(PluginType, Init, func() any { return new(Args) })
}

var _ coremain.ExecutablePlugin = (*forward)(nil)

type Args struct {
	// Upstream addrs, "[udp://|tcp://]host[:port]". Queries are sent to
	// all of them at once.
	Upstream []string `yaml:"upstream"`

	// Timeout (sec) of one upstream exchange. Default is 5.
	Timeout int `yaml:"timeout"`
}

type forward struct {
	*coremain.BP
	upstreams []upstream.Upstream
	sf        singleflight.Group
}

func Init(bp *coremain.BP, args any) (coremain.Plugin, error) {
	return newForward(bp, args.(*Args))
}

func newForward(bp *coremain.BP, args *Args) (*forward, error) {
	if len(args.Upstream) == 0 {
		return nil, errors.New("no upstream is configured")
	}
	f := &forward{BP: bp}
	for _, addr := range args.Upstream {
		u, err := upstream.NewUpstream(addr, upstream.Opt{
			Timeout: time.Duration(args.Timeout) * time.Second,
			Logger:  bp.L(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init upstream %s: %w", addr, err)
		}
		f.upstreams = append(f.upstreams, u)
	}
	return f, nil
}

func (f *forward) Exec(ctx context.Context, qCtx *query_context.Context, next executable_seq.ExecutableChainNode) error {
	r, err := f.exchange(ctx, qCtx)
	if err != nil {
		return err
	}
	qCtx.SetResponse(r)
	return executable_seq.ExecChainNode(ctx, qCtx, next)
}

// exchange forwards the query. Identical queries in flight share one
// exchange, each gets its own copy of the response.
func (f *forward) exchange(ctx context.Context, qCtx *query_context.Context) (*dns.Msg, error) {
	q := qCtx.Q()
	key, ok := flightKey(qCtx)
	if !ok {
		r, _, err := bundled_upstream.ExchangeParallel(ctx, q, f.upstreams, f.L())
		return r, err
	}

	v, err, shared := f.sf.Do(key, func() (any, error) {
		r, u, err := bundled_upstream.ExchangeParallel(ctx, q, f.upstreams, f.L())
		if err != nil {
			return nil, err
		}
		f.L().Debug("upstream answered", qCtx.InfoField(), zap.String("addr", u.Address()))
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	r := v.(*dns.Msg)
	if shared {
		r = r.Copy()
	}
	r.Id = q.Id
	return r, nil
}

// flightKey is the query without its transaction id.
func flightKey(qCtx *query_context.Context) (string, bool) {
	raw := qCtx.RawQ()
	if len(raw) < 2 {
		return "", false
	}
	return string(raw[2:]), true
}
