package snapshot

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmkol/fwdcache/pkg/cache"
	"github.com/pmkol/fwdcache/pkg/utils"
)

const defaultFlushInterval = time.Minute

var nopLogger = zap.NewNop()

type PersisterOpts struct {
	// Path of the snapshot file. Required.
	Path string

	// Interval between periodic flushes. Default is 1 min.
	Interval time.Duration

	// Logger is the *zap.Logger for this Persister.
	// A nil Logger will disable logging.
	Logger *zap.Logger

	// MetricsReg registers the flush metrics. Optional.
	MetricsReg prometheus.Registerer
}

// Persister writes the cache table to disk periodically and once more on
// Close. Write errors are logged and never stop the Persister.
type Persister struct {
	opts PersisterOpts
	m    *cache.Manager

	flushMu    sync.Mutex
	closeOnce  sync.Once
	closed     chan struct{}
	flushTotal *prometheus.CounterVec
}

func NewPersister(m *cache.Manager, opts PersisterOpts) (*Persister, error) {
	if len(opts.Path) == 0 {
		return nil, errors.New("empty snapshot path")
	}
	utils.SetDefaultNum(&opts.Interval, defaultFlushInterval)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}

	p := &Persister{
		opts:   opts,
		m:      m,
		closed: make(chan struct{}),
		flushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snapshot_flush_total",
			Help: "The total number of cache snapshot flushes",
		}, []string{"result"}),
	}
	if reg := opts.MetricsReg; reg != nil {
		if err := reg.Register(p.flushTotal); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// LoadInto restores the snapshot into the Manager. A missing or unreadable
// snapshot leaves the cache empty and is only logged.
func (p *Persister) LoadInto() int {
	entries, err := Load(p.opts.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			p.opts.Logger.Info("no cache snapshot found, starting with an empty cache", zap.String("file", p.opts.Path))
		} else {
			p.opts.Logger.Warn("failed to load cache snapshot, starting with an empty cache", zap.String("file", p.opts.Path), zap.Error(err))
		}
		return 0
	}
	p.m.Restore(entries, time.Now())
	p.opts.Logger.Info("cache snapshot loaded", zap.String("file", p.opts.Path), zap.Int("entries", len(entries)))
	return len(entries)
}

// Flush writes the current table to disk.
func (p *Persister) Flush() error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	entries := p.m.Entries()
	start := time.Now()
	if err := Save(p.opts.Path, entries); err != nil {
		p.flushTotal.WithLabelValues("error").Inc()
		p.opts.Logger.Warn("failed to save cache snapshot", zap.String("file", p.opts.Path), zap.Error(err))
		return err
	}
	p.flushTotal.WithLabelValues("ok").Inc()
	p.opts.Logger.Debug("cache snapshot saved",
		zap.String("file", p.opts.Path),
		zap.Int("entries", len(entries)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// Run flushes every Interval until ctx is done or the Persister is closed.
func (p *Persister) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.closed:
			return
		case <-ticker.C:
			_ = p.Flush()
		}
	}
}

// Close stops Run and performs the final flush. Only the first call flushes.
func (p *Persister) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.Flush()
	})
	return err
}
