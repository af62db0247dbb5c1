package snapshot

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/pmkol/fwdcache/pkg/cache"
	"github.com/pmkol/fwdcache/pkg/cache/mem_cache"
	"github.com/pmkol/fwdcache/pkg/errs"
)

var t0 = time.Unix(1700000000, 0)

func newManager(t *testing.T) *cache.Manager {
	t.Helper()
	m, err := cache.NewManager(mem_cache.NewMemCache(1024), cache.ManagerOpts{})
	require.NoError(t, err)
	return m
}

func fill(t *testing.T, m *cache.Manager) {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion("foo.test.", dns.TypeA)
	for _, s := range []string{
		"foo.test. 60 IN A 192.0.2.1",
		"foo.test. 60 IN AAAA 2001:db8::1",
		"test. 3600 IN NS ns1.test.",
		"ns1.test. 10 IN A 192.0.2.53",
		`txt.test. 300 IN TXT "hello world"`,
	} {
		rr, err := dns.NewRR(s)
		require.NoError(t, err)
		msg.Answer = append(msg.Answer, rr)
	}
	m.IngestMessage(msg, t0)
}

func TestRoundTrip(t *testing.T) {
	src := newManager(t)
	fill(t, src)

	buf := new(bytes.Buffer)
	require.NoError(t, Encode(buf, src.Entries()))
	entries, err := Decode(buf)
	require.NoError(t, err)

	dst := newManager(t)
	dst.Restore(entries, time.Now())
	require.Equal(t, src.Len(), dst.Len())

	for _, e := range src.Entries() {
		k := e.Key()
		got, ok := dst.Lookup(k.Name, k.Type)
		require.True(t, ok, k.String())
		assert.Equal(t, e.RR.String(), got.RR.String())
		assert.True(t, e.InsertedAt.Equal(got.InsertedAt))

		at := t0.Add(30 * time.Second)
		assert.Equal(t, cache.IsStale(e, at), cache.IsStale(got, at))
	}

	// ns1.test. (ttl 10) is the only stale record 30s later
	assert.Equal(t, 1, src.EvictStale(t0.Add(30*time.Second)))
	assert.Equal(t, 1, dst.EvictStale(t0.Add(30*time.Second)))
}

func TestDecode_corrupted(t *testing.T) {
	for _, b := range [][]byte{
		nil,
		[]byte("nope"),
		append(magic[:], 9),
		append(append(magic[:], version), 0xff, 0xff, 0xff),
	} {
		_, err := Decode(bytes.NewReader(b))
		assert.ErrorIs(t, err, ErrCorrupted)
	}

	// valid snappy block holding garbage
	buf := new(bytes.Buffer)
	buf.Write(append(magic[:], version))
	buf.Write(snappy.Encode(nil, []byte{0x0a, 0xff}))
	_, err := Decode(buf)
	assert.ErrorIs(t, err, ErrCorrupted)

	// header claims 1GiB, nothing is allocated for it
	b := append(append(magic[:], version), protowire.AppendVarint(nil, 1<<30)...)
	b = append(b, 0x00)
	_, err = Decode(bytes.NewReader(b))
	assert.ErrorIs(t, err, ErrCorrupted)
	assert.Contains(t, err.Error(), "claims decoded length")
}

func TestSaveLoad(t *testing.T) {
	m := newManager(t)
	fill(t, m)
	path := filepath.Join(t.TempDir(), "dnscache.snapshot")

	require.NoError(t, Save(path, m.Entries()))
	entries, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, entries, m.Len())

	_, err = Load(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, errs.KindIO, errs.KindOf(err))

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))
	_, err = Load(path)
	assert.Equal(t, errs.KindParse, errs.KindOf(err))

	err = Save(filepath.Join(t.TempDir(), "no", "such", "dir", "f"), nil)
	assert.Equal(t, errs.KindIO, errs.KindOf(err))
}

func TestPersister(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dnscache.snapshot")
	reg := prometheus.NewRegistry()

	m := newManager(t)
	p, err := NewPersister(m, PersisterOpts{Path: path, Logger: zaptest.NewLogger(t), MetricsReg: reg})
	require.NoError(t, err)

	// missing and corrupted snapshots are not fatal
	assert.Zero(t, p.LoadInto())
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))
	assert.Zero(t, p.LoadInto())
	assert.Zero(t, m.Len())

	fill(t, m)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1.0, testutil.ToFloat64(p.flushTotal.WithLabelValues("ok")))

	m2 := newManager(t)
	p2, err := NewPersister(m2, PersisterOpts{Path: path})
	require.NoError(t, err)
	assert.Equal(t, m.Len(), p2.LoadInto())
	assert.Equal(t, m.Len(), m2.Len())

	_, err = NewPersister(m, PersisterOpts{})
	assert.Error(t, err)
}

func TestPersister_Run(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dnscache.snapshot")
	m := newManager(t)
	fill(t, m)
	p, err := NewPersister(m, PersisterOpts{Path: path, Interval: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestPersister_writeError(t *testing.T) {
	m := newManager(t)
	p, err := NewPersister(m, PersisterOpts{Path: filepath.Join(t.TempDir(), "missing_dir", "snap")})
	require.NoError(t, err)
	assert.Error(t, p.Flush())
	assert.Equal(t, 1.0, testutil.ToFloat64(p.flushTotal.WithLabelValues("error")))
}
