package server

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pmkol/fwdcache/pkg/errs"
	C "github.com/pmkol/fwdcache/pkg/query_context"
)

type handlerFunc func(ctx context.Context, qCtx *C.Context) error

func (f handlerFunc) ServeDNS(ctx context.Context, qCtx *C.Context) error {
	return f(ctx, qCtx)
}

func startUDP(t *testing.T, h handlerFunc) (*Server, net.Addr, chan error) {
	t.Helper()
	c, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer(ServerOpts{Logger: zaptest.NewLogger(t), DNSHandler: h})
	done := make(chan error, 1)
	go func() { done <- s.ServeUDP(c) }()
	return s, c.LocalAddr(), done
}

func TestServer_ServeUDP(t *testing.T) {
	s, addr, done := startUDP(t, func(_ context.Context, qCtx *C.Context) error {
		if string(qCtx.Raw()) == "drop" {
			return errors.New("dropped")
		}
		assert.Equal(t, C.ProtocolUDP, qCtx.ReqMeta().GetProtocol())
		assert.True(t, qCtx.ReqMeta().GetClientAddr().IsLoopback())
		qCtx.SetRawResponse(append([]byte("re:"), qCtx.Raw()...))
		return nil
	})

	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("drop"))
	require.NoError(t, err)
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	b := make([]byte, 64)
	n, err := conn.Read(b)
	require.NoError(t, err)
	assert.Equal(t, "re:ping", string(b[:n]))

	s.Close()
	assert.ErrorIs(t, <-done, ErrServerClosed)
	assert.True(t, s.Closed())

	c, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, s.ServeUDP(c), ErrServerClosed)
}

func TestServer_CloseCancelsInFlight(t *testing.T) {
	var started, canceled atomic.Int32
	s, addr, done := startUDP(t, func(ctx context.Context, _ *C.Context) error {
		started.Add(1)
		<-ctx.Done()
		canceled.Add(1)
		return ctx.Err()
	})

	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("slow"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return started.Load() == 1 }, 2*time.Second, time.Millisecond)

	s.Close()
	assert.EqualValues(t, 1, canceled.Load())
	assert.ErrorIs(t, <-done, ErrServerClosed)
}

func TestServer_handlerErrLogLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	c, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewServer(ServerOpts{Logger: zap.New(core), DNSHandler: handlerFunc(func(_ context.Context, qCtx *C.Context) error {
		if string(qCtx.Raw()) == "timeout" {
			return errs.Transport("forward", context.DeadlineExceeded)
		}
		return errs.Parse("unpack upstream response", errors.New("bad label"))
	})})
	done := make(chan error, 1)
	go func() { done <- s.ServeUDP(c) }()

	conn, err := net.Dial("udp", c.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	for _, m := range []string{"timeout", "garbage"} {
		_, err = conn.Write([]byte(m))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return logs.FilterMessage("invalid msg").Len() == 1 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return logs.FilterMessage("handler err").Len() == 1 }, 2*time.Second, time.Millisecond)

	entries := logs.FilterMessage("handler err").All()
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)

	s.Close()
	assert.ErrorIs(t, <-done, ErrServerClosed)
}

func TestServer_missingHandler(t *testing.T) {
	c, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewServer(ServerOpts{})
	assert.ErrorIs(t, s.ServeUDP(c), errMissingDNSHandler)
}
