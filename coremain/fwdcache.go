package coremain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pmkol/fwdcache/pkg/cache"
	"github.com/pmkol/fwdcache/pkg/cache/mem_cache"
	"github.com/pmkol/fwdcache/pkg/cache/redis_cache"
	"github.com/pmkol/fwdcache/pkg/cache/snapshot"
	"github.com/pmkol/fwdcache/pkg/server"
	"github.com/pmkol/fwdcache/pkg/server/dns_handler"
	"github.com/pmkol/fwdcache/pkg/upstream/udp"
)

type Fwdcache struct {
	logger *zap.Logger

	httpAPIMux *http.ServeMux
	metricsReg *prometheus.Registry

	backend   cache.Backend
	cache     *cache.Manager
	persister *snapshot.Persister // nil if persistence is disabled
	upstream  *udp.Upstream
	server    *server.Server
}

// RunFwdcache serves until ctx is done or a component fails, then shuts
// down and flushes the cache.
func RunFwdcache(ctx context.Context, cfg *Config, lg *zap.Logger) error {
	m, err := NewFwdcache(cfg, lg)
	if err != nil {
		return err
	}

	c, err := net.ListenPacket("udp", cfg.Server.Listen)
	if err != nil {
		m.shutdown()
		return fmt.Errorf("failed to listen on %s, %w", cfg.Server.Listen, err)
	}
	return m.run(ctx, c, cfg.API.HTTP)
}

// NewFwdcache builds every component from cfg and loads the cache snapshot.
func NewFwdcache(cfg *Config, lg *zap.Logger) (_ *Fwdcache, err error) {
	m := &Fwdcache{
		logger:     lg,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
	}
	m.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(m.metricsReg, promhttp.HandlerOpts{}))
	m.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	m.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	m.backend, err = newBackend(&cfg.Cache, lg)
	if err != nil {
		return nil, fmt.Errorf("failed to init cache backend, %w", err)
	}
	defer func() {
		if err != nil {
			_ = m.backend.Close()
		}
	}()

	m.cache, err = cache.NewManager(m.backend, cache.ManagerOpts{
		Logger:     lg.Named("cache"),
		MetricsReg: m.GetMetricsReg(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init cache, %w", err)
	}

	if f := cfg.Cache.Snapshot.File; len(f) > 0 {
		m.persister, err = snapshot.NewPersister(m.cache, snapshot.PersisterOpts{
			Path:       f,
			Interval:   cfg.Cache.Snapshot.interval(),
			Logger:     lg.Named("snapshot"),
			MetricsReg: m.GetMetricsReg(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init snapshot persister, %w", err)
		}
		m.persister.LoadInto()
	} else {
		lg.Info("cache persistence disabled")
	}

	m.upstream, err = udp.NewUDPUpstream(udp.Opts{
		DialFunc: udp.Dialer(cfg.Upstream.Addr),
		Logger:   lg.Named("upstream"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init upstream, %w", err)
	}

	h, err := dns_handler.NewEntryHandler(dns_handler.EntryHandlerOpts{
		Logger:         lg.Named("handler"),
		Cache:          m.cache,
		Upstream:       m.upstream,
		ForwardTimeout: cfg.Upstream.timeout(),
		QueryTimeout:   cfg.Server.timeout(),
		MetricsReg:     m.GetMetricsReg(),
	})
	if err != nil {
		_ = m.upstream.Close()
		return nil, fmt.Errorf("failed to init handler, %w", err)
	}

	m.server = server.NewServer(server.ServerOpts{
		Logger:     lg.Named("server"),
		DNSHandler: h,
	})
	return m, nil
}

func newBackend(cfg *CacheConfig, lg *zap.Logger) (cache.Backend, error) {
	switch cfg.Backend {
	case BackendRedis:
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url, %w", err)
		}
		c := redis.NewClient(opt)
		r, err := redis_cache.NewRedisCache(redis_cache.RedisCacheOpts{
			Client:        c,
			ClientCloser:  c,
			ClientTimeout: time.Duration(cfg.Redis.TimeoutMs) * time.Millisecond,
			KeyPrefix:     cfg.Redis.KeyPrefix,
			Logger:        lg.Named("redis"),
		})
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		lg.Info("using redis cache backend", zap.String("addr", opt.Addr), zap.Int("db", opt.DB))
		return r, nil
	default:
		lg.Info("using memory cache backend", zap.Int("size", cfg.Size))
		return mem_cache.NewMemCache(cfg.Size), nil
	}
}

// run serves on c until ctx is done or a component fails.
func (m *Fwdcache) run(ctx context.Context, c net.PacketConn, httpAddr string) error {
	g, gctx := errgroup.WithContext(ctx)

	m.logger.Info("udp server started", zap.Stringer("addr", c.LocalAddr()))
	g.Go(func() error {
		if err := m.server.ServeUDP(c); !errors.Is(err, server.ErrServerClosed) {
			return fmt.Errorf("udp server exited, %w", err)
		}
		return nil
	})

	if m.persister != nil {
		g.Go(func() error {
			m.persister.Run(gctx)
			return nil
		})
	}

	if len(httpAddr) > 0 {
		httpServer := &http.Server{
			Addr:    httpAddr,
			Handler: m.httpAPIMux,
		}
		g.Go(func() error {
			m.logger.Info("starting api http server", zap.String("addr", httpAddr))
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("api http server exited, %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return httpServer.Close()
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		m.logger.Info("shutting down")
		m.server.Close()
		return nil
	})

	err := g.Wait()
	m.shutdown()
	return err
}

// shutdown must be called after the server stopped. It runs a final eviction,
// flushes the cache once and releases the upstream and backend.
func (m *Fwdcache) shutdown() {
	if n := m.cache.EvictStale(time.Now()); n > 0 {
		m.logger.Info("evicted stale entries", zap.Int("n", n))
	}
	if m.persister != nil {
		if err := m.persister.Close(); err != nil {
			m.logger.Error("final cache flush failed", zap.Error(err))
		} else {
			m.logger.Info("cache flushed", zap.Int("entries", m.cache.Len()))
		}
	}
	_ = m.upstream.Close()
	if err := m.backend.Close(); err != nil {
		m.logger.Warn("failed to close cache backend", zap.Error(err))
	}
}

func (m *Fwdcache) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("fwdcache_", m.metricsReg)
}

func (m *Fwdcache) GetHTTPAPIMux() *http.ServeMux {
	return m.httpAPIMux
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
