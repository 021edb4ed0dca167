package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmkol/packetcache/coremain"
	"github.com/pmkol/packetcache/pkg/dnsutils"
	"github.com/pmkol/packetcache/pkg/executable_seq"
	"github.com/pmkol/packetcache/pkg/packet_cache"
	"github.com/pmkol/packetcache/pkg/pool"
	"github.com/pmkol/packetcache/pkg/query_context"
	"github.com/pmkol/packetcache/pkg/utils"
)

const PluginType = "cache"

func init() {
	coremain.RegNewPluginFunc(PluginType, Init, func() any { return new(Args) })
}

const (
	defaultSize               = 1024
	defaultFailureTTL         = 60
	defaultCleanerInterval    = 60
	defaultCleaningPercentage = 100
)

var _ coremain.ExecutablePlugin = (*cachePlugin)(nil)

type Args struct {
	Size   int    `yaml:"size"`
	MaxTTL uint32 `yaml:"max_ttl"`
	MinTTL uint32 `yaml:"min_ttl"`

	// FailureTTL is the TTL of SERVFAIL and REFUSED answers.
	// Default is 60, 0 disables caching them.
	FailureTTL *uint32 `yaml:"failure_ttl"`

	// StaleTTL, if set, lets expired answers be served for StaleTTL
	// seconds, with this TTL, when the rest of the chain fails.
	StaleTTL uint32 `yaml:"stale_ttl"`

	// CleanerInterval (sec) between purges of expired entries.
	// Default is 60, 0 disables the cleaner.
	CleanerInterval *int `yaml:"cleaner_interval"`

	// CleaningPercentage of the capacity a purge tries to free.
	// Default is 100, which removes all expired entries.
	CleaningPercentage int `yaml:"cleaning_percentage"`
}

type cachePlugin struct {
	*coremain.BP
	backend *packet_cache.Cache

	staleServed prometheus.Counter

	apiOnce sync.Once
	mux     *http.ServeMux

	closeOnce   sync.Once
	closeNotify chan struct{}
}

func Init(bp *coremain.BP, args any) (coremain.Plugin, error) {
	return newCachePlugin(bp, args.(*Args))
}

func newCachePlugin(bp *coremain.BP, args *Args) (*cachePlugin, error) {
	utils.SetDefaultNum(&args.Size, defaultSize)
	utils.SetDefaultNum(&args.CleaningPercentage, defaultCleaningPercentage)
	if !utils.CheckNumRange(args.CleaningPercentage, 1, 100) {
		return nil, fmt.Errorf("invalid cleaning_percentage %d", args.CleaningPercentage)
	}
	failureTTL := uint32(defaultFailureTTL)
	if args.FailureTTL != nil {
		failureTTL = *args.FailureTTL
	}
	cleanerInterval := defaultCleanerInterval
	if args.CleanerInterval != nil {
		cleanerInterval = *args.CleanerInterval
	}

	c := &cachePlugin{
		BP: bp,
		backend: packet_cache.New(packet_cache.Opts{
			MaxEntries: args.Size,
			MaxTTL:     args.MaxTTL,
			MinTTL:     args.MinTTL,
			FailureTTL: failureTTL,
			StaleTTL:   args.StaleTTL,
		}),
		staleServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_stale_served_total",
			Help: "Expired answers served because the upstream failed",
		}),
		closeNotify: make(chan struct{}),
	}

	reg := bp.MetricsReg()
	if err := reg.Register(packet_cache.NewCollector(c.backend, nil)); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	if err := reg.Register(c.staleServed); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	if cleanerInterval > 0 {
		upTo := args.Size * (100 - args.CleaningPercentage) / 100
		go c.cleaner(time.Duration(cleanerInterval)*time.Second, upTo)
	}
	return c, nil
}

func (c *cachePlugin) Exec(ctx context.Context, qCtx *query_context.Context, next executable_seq.ExecutableChainNode) error {
	q, err := newQuery(qCtx)
	if err != nil {
		c.L().Debug("query is not cacheable", qCtx.InfoField(), zap.Error(err))
		return executable_seq.ExecChainNode(ctx, qCtx, next)
	}

	if c.lookup(qCtx, q, 0) {
		c.L().Debug("cache hit", qCtx.InfoField())
		return nil
	}

	start := time.Now()
	err = executable_seq.ExecChainNode(ctx, qCtx, next)
	if err != nil {
		if stale := c.backend.Opts().StaleTTL; stale > 0 && c.lookup(qCtx, q, stale) {
			c.staleServed.Inc()
			c.L().Debug("served stale answer", qCtx.InfoField(), zap.Error(err))
			return nil
		}
		return err
	}
	c.store(qCtx, q, time.Since(start))
	return nil
}

var errNoRawQuery = errors.New("no raw query")

func newQuery(qCtx *query_context.Context) (*packet_cache.Query, error) {
	raw := qCtx.RawQ()
	if raw == nil {
		return nil, errNoRawQuery
	}
	return packet_cache.NewQuery(raw, qCtx.ReqMeta().GetProtocol() == query_context.ProtocolTCP)
}

// lookup sets the cached answer of q as the raw response of qCtx.
func (c *cachePlugin) lookup(qCtx *query_context.Context, q *packet_cache.Query, allowExpired uint32) bool {
	buf := pool.GetBuf(dns.MaxMsgSize)
	n, _, ok, err := c.backend.Get(q, q.ID(), buf.Bytes(), allowExpired, false)
	if err != nil || !ok {
		buf.Release()
		return false
	}

	resp := buf.Bytes()[:n]
	if qCtx.ReqMeta().GetProtocol() == query_context.ProtocolUDP {
		resp = dnsutils.SetTruncated(resp, udpSize(qCtx.Q()))
	}
	qCtx.SetRawResponse(resp, buf.Release)
	return true
}

func (c *cachePlugin) store(qCtx *query_context.Context, q *packet_cache.Query, elapsed time.Duration) {
	b := qCtx.RawR()
	if b == nil {
		r := qCtx.R()
		if r == nil {
			return
		}
		packed, buf, err := pool.PackBuffer(r)
		if err != nil {
			c.L().Debug("failed to pack response", qCtx.InfoField(), zap.Error(err))
			return
		}
		defer buf.Release()
		b = packed
	}

	hi, err := dnsutils.GetHeaderInfo(b)
	if err != nil || hi.Truncated {
		return
	}
	key, err := q.Key()
	if err != nil {
		return
	}
	c.backend.Insert(key, q.Identity, b, hi.Rcode,
		packet_cache.Extra{Label: "client", Value: qCtx.ReqMeta().GetClientAddr().String()},
		packet_cache.Extra{Label: "upstream_rtt", Value: elapsed.Round(time.Millisecond).String()},
	)
}

func (c *cachePlugin) cleaner(interval time.Duration, upTo int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := c.backend.PurgeExpired(upTo); n > 0 {
				c.L().Debug("expired entries removed", zap.Int("removed", n), zap.Stringer("size", c.backend))
			}
		case <-c.closeNotify:
			return
		}
	}
}

func (c *cachePlugin) Close() error {
	c.closeOnce.Do(func() { close(c.closeNotify) })
	return nil
}

func udpSize(q *dns.Msg) int {
	s := dns.MinMsgSize
	if opt := q.IsEdns0(); opt != nil && int(opt.UDPSize()) > s {
		s = int(opt.UDPSize())
	}
	return s
}
