package dns_handler

import (
	"context"
	"errors"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
	"go4.org/netipx"

	"github.com/pmkol/packetcache/pkg/dnsutils"
	"github.com/pmkol/packetcache/pkg/executable_seq"
	"github.com/pmkol/packetcache/pkg/query_context"
)

const defaultQueryTimeout = time.Second * 5

// Handler handles a dns query. The response, if any, is left in qCtx
// either as a raw response or as a msg.
type Handler interface {
	ServeDNS(ctx context.Context, qCtx *query_context.Context) error
}

type EntryHandlerOpts struct {
	// Logger is used for logging. Default is a noop logger.
	Logger *zap.Logger

	// Entry is the head of the executable chain. Required.
	Entry executable_seq.ExecutableChainNode

	// QueryTimeout limits the time of one query. Default is 5s.
	QueryTimeout time.Duration

	// AllowedClients, if not nil, limits the clients that get an answer.
	// Other clients are REFUSED.
	AllowedClients *netipx.IPSet
}

func (opts *EntryHandlerOpts) init() {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
}

type EntryHandler struct {
	opts EntryHandlerOpts
}

func NewEntryHandler(opts EntryHandlerOpts) (*EntryHandler, error) {
	if opts.Entry == nil {
		return nil, errors.New("nil entry")
	}
	opts.init()
	return &EntryHandler{opts: opts}, nil
}

// ServeDNS runs the entry chain. It always leaves a response in qCtx: if
// the chain fails or answers nothing, the response is a SERVFAIL.
func (h *EntryHandler) ServeDNS(ctx context.Context, qCtx *query_context.Context) error {
	q := qCtx.Q()
	if set := h.opts.AllowedClients; set != nil && !set.Contains(qCtx.ReqMeta().GetClientAddr()) {
		h.opts.Logger.Debug("client refused", qCtx.InfoField(), zap.Stringer("client", qCtx.ReqMeta().GetClientAddr()))
		qCtx.SetResponse(dnsutils.GenEmptyReply(q, dns.RcodeRefused))
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, h.opts.QueryTimeout)
	defer cancel()

	err := executable_seq.ExecChainNode(ctx, qCtx, h.opts.Entry)
	if err != nil {
		h.opts.Logger.Warn("entry returned an err", qCtx.InfoField(), zap.Error(err))
	} else {
		h.opts.Logger.Debug("entry returned", qCtx.InfoField(), zap.Duration("elapsed", time.Since(qCtx.StartTime())))
	}

	if qCtx.RawR() != nil {
		return nil
	}
	if err != nil || qCtx.R() == nil {
		qCtx.SetResponse(dnsutils.GenEmptyReply(q, dns.RcodeServerFailure))
	}
	return nil
}
