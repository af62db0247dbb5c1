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

package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/fwdcache/pkg/dnsutils"
	"github.com/pmkol/fwdcache/pkg/errs"
	"github.com/pmkol/fwdcache/pkg/pool"
)

const (
	maxUDPSize = 65535

	// pendingTTL bounds exchanges whose ctx has no deadline.
	pendingTTL   = 10 * time.Second
	pendingGrace = time.Second
)

var (
	ErrClosed     = errors.New("udp upstream closed")
	errConnClosed = errors.New("connection closed or read error")
	errNoFreeID   = errors.New("no free dns id available")
	errNoReply    = errors.New("no reply before pending deadline")
)

type reply struct {
	b   []byte
	err error
}

type pendingEntry struct {
	ch       chan reply
	deadline time.Time
}

type Opts struct {
	// DialFunc cannot be nil.
	DialFunc func(ctx context.Context) (net.Conn, error)

	// Logger is the *zap.Logger for this Upstream.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

// Upstream multiplexes concurrent exchanges over one connected udp socket.
// Every outgoing query gets a unique id, the reader matches replies by that
// id and the original id is restored before the reply is returned.
// A broken socket is redialed lazily by the next exchange.
type Upstream struct {
	dialFunc func(ctx context.Context) (net.Conn, error)
	logger   *zap.Logger

	mu         sync.Mutex
	conn       net.Conn
	readerOn   bool
	connecting int32
	connDone   chan struct{}

	pendingMu  sync.Mutex
	pending    map[uint16]*pendingEntry
	pendingTTL time.Duration
	wakeup     chan struct{}

	writeMu sync.Mutex
	rr      uint32
	closed  int32
}

// Dialer returns a DialFunc that dials addr over udp.
func Dialer(addr string) func(ctx context.Context) (net.Conn, error) {
	d := new(net.Dialer)
	return func(ctx context.Context) (net.Conn, error) {
		return d.DialContext(ctx, "udp", addr)
	}
}

func NewUDPUpstream(opts Opts) (*Upstream, error) {
	if opts.DialFunc == nil {
		return nil, errors.New("dialFunc required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	u := &Upstream{
		dialFunc:   opts.DialFunc,
		logger:     opts.Logger,
		pending:    make(map[uint16]*pendingEntry),
		pendingTTL: pendingTTL,
		wakeup:     make(chan struct{}, 1),
	}
	go u.pendingJanitor()
	return u, nil
}

func (u *Upstream) Close() error {
	if !atomic.CompareAndSwapInt32(&u.closed, 0, 1) {
		return nil
	}

	u.mu.Lock()
	if u.conn != nil {
		_ = u.conn.Close()
		u.conn = nil
		u.readerOn = false
	}
	u.mu.Unlock()

	u.wake()
	u.failAllPending()
	return nil
}

func (u *Upstream) isClosed() bool {
	return atomic.LoadInt32(&u.closed) == 1
}

func (u *Upstream) wake() {
	select {
	case u.wakeup <- struct{}{}:
	default:
	}
}

func (u *Upstream) failAllPending() {
	u.pendingMu.Lock()
	old := u.pending
	u.pending = make(map[uint16]*pendingEntry)
	u.pendingMu.Unlock()

	for _, entry := range old {
		select {
		case entry.ch <- reply{err: errConnClosed}:
		default:
		}
	}
}

func (u *Upstream) ensureConn(ctx context.Context) error {
	for {
		u.mu.Lock()
		if u.isClosed() {
			u.mu.Unlock()
			return ErrClosed
		}
		if u.conn != nil && u.readerOn {
			u.mu.Unlock()
			return nil
		}
		if atomic.CompareAndSwapInt32(&u.connecting, 0, 1) {
			u.connDone = make(chan struct{})
			done := u.connDone
			u.mu.Unlock()
			return u.dial(ctx, done)
		}
		done := u.connDone
		u.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}
	}
}

func (u *Upstream) dial(ctx context.Context, done chan struct{}) (err error) {
	defer func() {
		u.mu.Lock()
		atomic.StoreInt32(&u.connecting, 0)
		close(done)
		u.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dial panic: %v", r)
		}
	}()

	conn, err := u.dialFunc(ctx)
	if err != nil {
		return err
	}

	u.mu.Lock()
	if u.isClosed() {
		u.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	u.conn = conn
	u.readerOn = true
	u.mu.Unlock()

	go u.reader(conn)
	return nil
}

func (u *Upstream) reader(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			u.logger.Error("udp upstream reader panic", zap.Any("panic", r))
			u.handleConnClosed(conn)
		}
	}()

	buf := pool.GetBuf(maxUDPSize)
	defer buf.Release()
	b := buf.Bytes()

	for {
		if u.isClosed() {
			return
		}

		n, err := conn.Read(b)
		if err != nil {
			if !u.isClosed() {
				u.logger.Debug("udp upstream read error", zap.Error(err))
			}
			u.handleConnClosed(conn)
			return
		}

		h, err := dnsutils.GetHeaderInfo(b[:n])
		if err != nil {
			continue
		}
		raw := make([]byte, n)
		copy(raw, b[:n])
		u.removePendingAndNotify(h.ID, reply{b: raw})
	}
}

func (u *Upstream) handleConnClosed(conn net.Conn) {
	u.mu.Lock()
	if u.conn == conn {
		_ = u.conn.Close()
		u.conn = nil
		u.readerOn = false
	}
	u.mu.Unlock()

	u.failAllPending()
	u.wake()
}

func (u *Upstream) removePendingAndNotify(id uint16, r reply) {
	u.pendingMu.Lock()
	entry, ok := u.pending[id]
	if !ok {
		u.pendingMu.Unlock()
		return
	}
	delete(u.pending, id)
	u.pendingMu.Unlock()

	select {
	case entry.ch <- r:
	default:
	}
}

// claimID reserves a free id. The janitor fails the exchange with errNoReply
// once deadline has passed.
func (u *Upstream) claimID(deadline time.Time) (uint16, chan reply, error) {
	for i := 0; i < 65536; i++ {
		id := uint16(atomic.AddUint32(&u.rr, 1) & 0xffff)
		u.pendingMu.Lock()
		if _, exists := u.pending[id]; !exists {
			ch := make(chan reply, 1)
			u.pending[id] = &pendingEntry{
				ch:       ch,
				deadline: deadline,
			}
			u.pendingMu.Unlock()
			u.wake()
			return id, ch, nil
		}
		u.pendingMu.Unlock()
	}
	return 0, nil, errNoFreeID
}

func (u *Upstream) unclaimID(id uint16) {
	u.removePendingAndNotify(id, reply{err: errConnClosed})
	u.wake()
}

// ExchangeRaw sends the wire format query q and waits for its reply until ctx
// is done. q is not modified. The returned reply carries q's id.
// All errors are errs.KindTransport.
func (u *Upstream) ExchangeRaw(ctx context.Context, q []byte) ([]byte, error) {
	r, err := u.exchange(ctx, q)
	if err != nil {
		return nil, errs.Transport("udp exchange", err)
	}
	return r, nil
}

func (u *Upstream) exchange(ctx context.Context, q []byte) ([]byte, error) {
	if u.isClosed() {
		return nil, ErrClosed
	}
	h, err := dnsutils.GetHeaderInfo(q)
	if err != nil {
		return nil, err
	}

	if err := u.ensureConn(ctx); err != nil {
		return nil, err
	}

	// With a ctx deadline, ctx reports the timeout and the pending entry
	// outlives it briefly so it never fails first.
	deadline, ok := ctx.Deadline()
	if ok {
		deadline = deadline.Add(pendingGrace)
	} else {
		deadline = time.Now().Add(u.pendingTTL)
	}
	id, respCh, err := u.claimID(deadline)
	if err != nil {
		return nil, err
	}
	defer u.unclaimID(id)

	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return nil, errConnClosed
	}

	wq, err := dnsutils.CopyWithID(q, id)
	if err != nil {
		return nil, err
	}

	u.writeMu.Lock()
	dl, dlSet := ctx.Deadline()
	if dlSet {
		_ = conn.SetWriteDeadline(dl)
	}
	_, err = conn.Write(wq)
	if dlSet {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	u.writeMu.Unlock()

	if err != nil {
		u.mu.Lock()
		if u.conn == conn {
			_ = u.conn.Close()
			u.conn = nil
			u.readerOn = false
		}
		u.mu.Unlock()
		if u.isClosed() {
			return nil, ErrClosed
		}
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, resp.err
		}
		raw := resp.b
		// Truncated replies are relayed as they are.
		if err := dnsutils.SetID(raw, h.ID); err != nil {
			return nil, err
		}
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (u *Upstream) pendingJanitor() {
	var timer *time.Timer
	for {
		if u.isClosed() {
			if timer != nil {
				timer.Stop()
			}
			return
		}

		var nextDeadline time.Time
		u.pendingMu.Lock()
		now := time.Now()
		for id, entry := range u.pending {
			if now.After(entry.deadline) {
				delete(u.pending, id)
				select {
				case entry.ch <- reply{err: errNoReply}:
				default:
				}
			} else if nextDeadline.IsZero() || entry.deadline.Before(nextDeadline) {
				nextDeadline = entry.deadline
			}
		}
		u.pendingMu.Unlock()

		var ch <-chan time.Time
		if !nextDeadline.IsZero() {
			wait := time.Until(nextDeadline)
			if wait < 0 {
				wait = 0
			}
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				timer.Stop()
				timer.Reset(wait)
			}
			ch = timer.C
		}

		select {
		case <-u.wakeup:
		case <-ch:
		}
	}
}
