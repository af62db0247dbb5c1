/*
 * Copyright (C) 2020-2025, pmkol
 *
 * This file is part of fwdcache.
 *
 * fwdcache is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * fwdcache is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package dns_handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pmkol/fwdcache/pkg/cache"
	"github.com/pmkol/fwdcache/pkg/dnsutils"
	"github.com/pmkol/fwdcache/pkg/errs"
	C "github.com/pmkol/fwdcache/pkg/query_context"
	"github.com/pmkol/fwdcache/pkg/utils"
)

const (
	defaultForwardTimeout = time.Second * 5
	defaultQueryTimeout   = time.Second * 5
)

var nopLogger = zap.NewNop()

// Handler handles an inbound dns message.
type Handler interface {
	// ServeDNS handles qCtx. If a reply should be sent, qCtx.RawR() is
	// set when ServeDNS returns. A non-nil error means the message was
	// dropped.
	ServeDNS(ctx context.Context, qCtx *C.Context) error
}

// Upstream exchanges wire format messages with the upstream resolver.
type Upstream interface {
	ExchangeRaw(ctx context.Context, q []byte) ([]byte, error)
}

type EntryHandlerOpts struct {
	// Logger is the *zap.Logger for this handler.
	// A nil Logger will disable logging.
	Logger *zap.Logger

	// Cache cannot be nil.
	Cache *cache.Manager

	// Upstream cannot be nil.
	Upstream Upstream

	// ForwardTimeout bounds one upstream exchange. Default is 5s.
	ForwardTimeout time.Duration

	// QueryTimeout bounds the whole handling of one message. Default is 5s.
	QueryTimeout time.Duration

	// Now returns the current time. Default is time.Now.
	Now func() time.Time

	// MetricsReg registers the handler metrics. Optional.
	MetricsReg prometheus.Registerer
}

func (opts *EntryHandlerOpts) init() error {
	if opts.Cache == nil {
		return errors.New("nil cache")
	}
	if opts.Upstream == nil {
		return errors.New("nil upstream")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	utils.SetDefaultNum(&opts.ForwardTimeout, defaultForwardTimeout)
	utils.SetDefaultNum(&opts.QueryTimeout, defaultQueryTimeout)
	return nil
}

// EntryHandler answers queries from the cache or forwards them to the
// upstream, caching every record it sees on the way.
type EntryHandler struct {
	opts EntryHandlerOpts

	sf singleflight.Group

	queriesTotal    *prometheus.CounterVec
	forwardErrors   *prometheus.CounterVec
	forwardDuration prometheus.Histogram
}

func NewEntryHandler(opts EntryHandlerOpts) (*EntryHandler, error) {
	if err := opts.init(); err != nil {
		return nil, err
	}
	h := &EntryHandler{
		opts: opts,
		queriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queries_total",
			Help: "The total number of inbound messages by outcome",
		}, []string{"outcome"}),
		forwardErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forward_errors_total",
			Help: "The total number of failed forwards by error kind",
		}, []string{"kind"}),
		forwardDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "forward_duration_seconds",
			Help:    "The duration of upstream exchanges",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
	if reg := opts.MetricsReg; reg != nil {
		for _, c := range []prometheus.Collector{h.queriesTotal, h.forwardErrors, h.forwardDuration} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return h, nil
}

// ServeDNS implements Handler.
//
// A response (QR set) is only ingested. A query runs eviction, ingests
// whatever records it carries, then is answered from the cache or forwarded.
func (h *EntryHandler) ServeDNS(ctx context.Context, qCtx *C.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.opts.QueryTimeout)
	defer cancel()

	err := h.serve(ctx, qCtx)
	if err != nil {
		qCtx.SetRawResponse(nil)
		qCtx.SetOutcome(C.OutcomeDropped)
	}
	h.queriesTotal.WithLabelValues(qCtx.Outcome().String()).Inc()
	return err
}

func (h *EntryHandler) serve(ctx context.Context, qCtx *C.Context) error {
	m := new(dns.Msg)
	if err := m.Unpack(qCtx.Raw()); err != nil {
		return errs.Parse("unpack inbound msg", err)
	}
	qCtx.SetQ(m)

	now := h.opts.Now()
	if m.Response {
		n := h.opts.Cache.IngestMessage(m, now)
		qCtx.SetOutcome(C.OutcomeIngested)
		h.opts.Logger.Debug("ingested inbound response", qCtx.InfoField(), zap.Int("records", n))
		return nil
	}

	h.opts.Cache.EvictStale(now)
	h.opts.Cache.IngestMessage(m, now)

	if len(m.Question) > 0 {
		question := m.Question[0]
		if e, ok := h.opts.Cache.Lookup(question.Name, question.Qtype); ok {
			r := dnsutils.ReplyWithRecord(m, e.RR)
			r.Truncate(dnsutils.UDPSize(m))
			b, err := r.Pack()
			if err != nil {
				return fmt.Errorf("failed to pack cached reply, %w", err)
			}
			qCtx.SetRawResponse(b)
			qCtx.SetOutcome(C.OutcomeCacheHit)
			h.opts.Logger.Debug("cache hit", qCtx.InfoField())
			return nil
		}
	}

	raw, err := h.forward(ctx, m.Id, qCtx.Raw())
	if err == nil {
		r := new(dns.Msg)
		if uerr := r.Unpack(raw); uerr != nil {
			err = errs.Parse("unpack upstream response", uerr)
		} else {
			h.opts.Cache.IngestMessage(r, h.opts.Now())
		}
	}
	if err != nil {
		h.forwardErrors.WithLabelValues(errs.KindOf(err).String()).Inc()
		return err
	}

	qCtx.SetRawResponse(raw)
	qCtx.SetOutcome(C.OutcomeForwarded)
	h.opts.Logger.Debug("forwarded", qCtx.InfoField(), zap.Int("size", len(raw)))
	return nil
}

// forward sends q to the upstream. Concurrent identical queries, compared
// without their ids, share one exchange. The shared exchange is detached from
// the caller that started it and bounded by ForwardTimeout only. A caller that
// joined an exchange which then timed out retries once with its own.
// The returned reply carries id.
func (h *EntryHandler) forward(ctx context.Context, id uint16, q []byte) ([]byte, error) {
	key := string(q[2:])
	for retried := false; ; retried = true {
		ran := false
		ch := h.sf.DoChan(key, func() (interface{}, error) {
			ran = true
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.opts.ForwardTimeout)
			defer cancel()
			start := time.Now()
			r, err := h.opts.Upstream.ExchangeRaw(fctx, q)
			h.forwardDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				if errs.KindOf(err) == errs.KindUnknown {
					err = errs.Transport("forward", err)
				}
				return nil, err
			}
			return r, nil
		})

		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return nil, errs.Transport("forward", ctx.Err())
		}

		if res.Err != nil {
			if !ran && !retried && ctx.Err() == nil && errors.Is(res.Err, context.DeadlineExceeded) {
				continue
			}
			return nil, res.Err
		}
		r, err := dnsutils.CopyWithID(res.Val.([]byte), id)
		if err != nil {
			return nil, errs.Parse("upstream response", err)
		}
		return r, nil
	}
}
