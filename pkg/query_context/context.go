package query_context

import (
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/packetcache/pkg/dnsutils"
)

const (
	ProtocolUDP = "udp"
	ProtocolTCP = "tcp"
)

// RequestMeta represents some metadata about the request.
type RequestMeta struct {
	clientAddr netip.Addr
	protocol   string
}

func NewRequestMeta(addr netip.Addr) *RequestMeta {
	meta := new(RequestMeta)
	meta.SetClientAddr(addr)
	return meta
}

func (m *RequestMeta) SetClientAddr(addr netip.Addr) {
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	m.clientAddr = addr
}

func (m *RequestMeta) SetProtocol(protocol string) {
	m.protocol = protocol
}

func (m *RequestMeta) GetClientAddr() netip.Addr {
	return m.clientAddr
}

func (m *RequestMeta) GetProtocol() string {
	return m.protocol
}

// Context is a query context that pass through the executable chain.
type Context struct {
	startTime time.Time
	q         *dns.Msg
	rawQ      []byte
	id        uint32
	reqMeta   *RequestMeta

	r           *dns.Msg
	rawR        []byte
	releaseRawR func()
}

var (
	contextUid      atomic.Uint32
	zeroRequestMeta = &RequestMeta{}
)

// NewContext creates a new query Context. rawQ is the wire form q was
// unpacked from and must not be modified while the Context is in use.
func NewContext(q *dns.Msg, rawQ []byte, meta *RequestMeta) *Context {
	if q == nil {
		panic("handler: query msg is nil")
	}
	if meta == nil {
		meta = zeroRequestMeta
	}
	return &Context{
		q:         q,
		rawQ:      rawQ,
		reqMeta:   meta,
		id:        contextUid.Add(1),
		startTime: time.Now(),
	}
}

// String returns a short summary of its query.
func (ctx *Context) String() string {
	if len(ctx.q.Question) != 1 {
		return fmt.Sprintf("invalid question %d %d", ctx.q.Id, ctx.id)
	}
	q := ctx.q.Question[0]
	return fmt.Sprintf("%s %s %s %d %d",
		q.Name,
		dnsutils.QclassToString(q.Qclass),
		dnsutils.QtypeToString(q.Qtype),
		ctx.q.Id,
		ctx.id,
	)
}

// Q returns the query msg. It always returns a non-nil msg.
func (ctx *Context) Q() *dns.Msg {
	return ctx.q
}

// RawQ returns the query as received. It may be nil.
func (ctx *Context) RawQ() []byte {
	return ctx.rawQ
}

// ReqMeta returns the request metadata.
func (ctx *Context) ReqMeta() *RequestMeta {
	return ctx.reqMeta
}

// R returns the response. If only a raw response is set it is unpacked,
// and the raw response released.
func (ctx *Context) R() *dns.Msg {
	if ctx.r != nil {
		return ctx.r
	}
	if len(ctx.rawR) > 0 {
		m := new(dns.Msg)
		err := m.Unpack(ctx.rawR)
		ctx.ReleaseRawR()
		if err == nil {
			ctx.r = m
			return m
		}
	}
	return nil
}

// SetResponse stores the response r and drops any raw response.
func (ctx *Context) SetResponse(r *dns.Msg) {
	ctx.ReleaseRawR()
	ctx.r = r
}

// RawR returns the raw response.
func (ctx *Context) RawR() []byte {
	return ctx.rawR
}

// SetRawResponse stores the wire response b and drops r. release, if not
// nil, is called once b is no longer needed.
func (ctx *Context) SetRawResponse(b []byte, release func()) {
	ctx.ReleaseRawR()
	ctx.r = nil
	ctx.rawR = b
	ctx.releaseRawR = release
}

// ReleaseRawR drops the raw response. It is safe to call multiple times.
func (ctx *Context) ReleaseRawR() {
	if ctx.releaseRawR != nil {
		ctx.releaseRawR()
		ctx.releaseRawR = nil
	}
	ctx.rawR = nil
}

// Id returns the Context id.
func (ctx *Context) Id() uint32 {
	return ctx.id
}

// StartTime returns the time when the Context was created.
func (ctx *Context) StartTime() time.Time {
	return ctx.startTime
}

// InfoField returns a zap.Field.
func (ctx *Context) InfoField() zap.Field {
	return zap.Stringer("query", ctx)
}
