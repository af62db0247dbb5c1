/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 *
 * mosdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  See the <https://www.gnu.org/licenses/>.
 */

package server

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/pmkol/fwdcache/pkg/errs"
	"github.com/pmkol/fwdcache/pkg/pool"
	C "github.com/pmkol/fwdcache/pkg/query_context"
	"github.com/pmkol/fwdcache/pkg/utils"
)

// ServeUDP reads datagrams from c until the server is closed. Every datagram
// is handled in its own goroutine. Handlers still running when c is closed
// see their context canceled.
func (s *Server) ServeUDP(c net.PacketConn) error {
	defer c.Close()

	handler := s.opts.DNSHandler
	if handler == nil {
		return errMissingDNSHandler
	}

	if ok := s.trackCloser(c, true); !ok {
		return ErrServerClosed
	}
	defer s.wg.Done()
	defer s.trackCloser(c, false)

	listenerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readBuf := pool.GetBuf(64 * 1024)
	defer readBuf.Release()
	rb := readBuf.Bytes()

	for {
		n, remoteAddr, err := c.ReadFrom(rb)
		if err != nil {
			if s.Closed() {
				return ErrServerClosed
			}
			return fmt.Errorf("unexpected read err: %w", err)
		}

		b := make([]byte, n)
		copy(b, rb[:n])

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()

			meta := C.NewRequestMeta(utils.GetAddrFromAddr(remoteAddr))
			meta.SetProtocol(C.ProtocolUDP)
			qCtx := C.NewContext(b, meta)

			if err := handler.ServeDNS(listenerCtx, qCtx); err != nil {
				switch {
				case errs.KindOf(err) == errs.KindParse && qCtx.Q() == nil:
					s.opts.Logger.Warn("invalid msg", zap.Error(err), zap.Binary("msg", b), zap.Stringer("from", remoteAddr))
				case errs.IsRetryable(err):
					// Counted by the handler metrics, the client will retry.
					s.opts.Logger.Debug("handler err", qCtx.InfoField(), zap.Stringer("from", remoteAddr), zap.Error(err))
				default:
					s.opts.Logger.Warn("handler err", qCtx.InfoField(), zap.Stringer("from", remoteAddr), zap.Error(err))
				}
				return
			}

			if raw := qCtx.RawR(); raw != nil {
				if _, err := c.WriteTo(raw, remoteAddr); err != nil {
					s.opts.Logger.Warn("failed to write response", zap.Stringer("client", remoteAddr), zap.Error(err))
				}
			}
		}()
	}
}
