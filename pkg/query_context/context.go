package query_context

import (
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/fwdcache/pkg/dnsutils"
)

const (
	ProtocolUDP = "udp"
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

// Outcome is where a message ended up.
//
//	query:    received -> parsed -> cache_hit | forwarded -> replied
//	response: received -> parsed -> ingested
type Outcome uint8

const (
	OutcomePending Outcome = iota
	OutcomeCacheHit
	OutcomeForwarded
	OutcomeIngested
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCacheHit:
		return "cache_hit"
	case OutcomeForwarded:
		return "forwarded"
	case OutcomeIngested:
		return "ingested"
	case OutcomeDropped:
		return "dropped"
	default:
		return "pending"
	}
}

// Context is the state of one inbound message.
type Context struct {
	startTime time.Time
	id        uint32
	reqMeta   *RequestMeta

	raw     []byte   // message as received
	q       *dns.Msg // parsed raw, nil until parsed
	rawR    []byte   // wire format reply
	outcome Outcome
}

var (
	contextUid      uint32
	zeroRequestMeta = &RequestMeta{}
)

// NewContext creates a new query Context for the received message raw.
// The Context owns raw.
func NewContext(raw []byte, meta *RequestMeta) *Context {
	if meta == nil {
		meta = zeroRequestMeta
	}

	return &Context{
		raw:       raw,
		reqMeta:   meta,
		id:        atomic.AddUint32(&contextUid, 1),
		startTime: time.Now(),
	}
}

// String returns a short summary of its query.
func (ctx *Context) String() string {
	if ctx.q == nil || len(ctx.q.Question) == 0 {
		return fmt.Sprintf("<unparsed %d bytes> %d", len(ctx.raw), ctx.id)
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

// Raw returns the message as received.
func (ctx *Context) Raw() []byte {
	return ctx.raw
}

// Q returns the parsed message. It is nil until SetQ is called.
func (ctx *Context) Q() *dns.Msg {
	return ctx.q
}

func (ctx *Context) SetQ(q *dns.Msg) {
	ctx.q = q
}

// ReqMeta returns the request metadata.
func (ctx *Context) ReqMeta() *RequestMeta {
	return ctx.reqMeta
}

// RawR returns the wire format reply, or nil if no reply should be sent.
func (ctx *Context) RawR() []byte {
	return ctx.rawR
}

func (ctx *Context) SetRawResponse(b []byte) {
	ctx.rawR = b
}

func (ctx *Context) Outcome() Outcome {
	return ctx.outcome
}

func (ctx *Context) SetOutcome(o Outcome) {
	ctx.outcome = o
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
