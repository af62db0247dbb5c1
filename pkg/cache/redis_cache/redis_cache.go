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
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package redis_cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/pmkol/fwdcache/pkg/cache"
	"github.com/pmkol/fwdcache/pkg/errs"
	"github.com/pmkol/fwdcache/pkg/utils"
)

const (
	defaultKeyPrefix = "fwdcache:"
	scanBatch        = 256
	lenRefresh       = 5 * time.Second
)

var nopLogger = zap.NewNop()

var _ cache.ExpiringBackend = (*RedisCache)(nil)

type RedisCacheOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisCache.Close is called.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout specifies the timeout for read and write operations.
	// Default is 50ms.
	ClientTimeout time.Duration

	// KeyPrefix is prepended to every redis key. Default is "fwdcache:".
	KeyPrefix string

	// Logger is the *zap.Logger for this RedisCache.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RedisCacheOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	utils.SetDefaultNum(&opts.ClientTimeout, time.Millisecond*50)
	utils.SetDefaultString(&opts.KeyPrefix, defaultKeyPrefix)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// RedisCache is a cache.Backend that keeps entries in redis, so several
// instances can share one cache. Redis expires every key when its record
// becomes stale, which also covers keys written by other instances.
//
// On a redis error the client is disabled until a ping succeeds. Meanwhile
// RedisCache behaves like an empty cache.
type RedisCache struct {
	opts           RedisCacheOpts
	clientDisabled uint32

	lenMu      sync.Mutex
	lenRefresh time.Duration
	lenAt      time.Time
	lenValue   int
}

func NewRedisCache(opts RedisCacheOpts) (*RedisCache, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &RedisCache{
		opts:       opts,
		lenRefresh: lenRefresh,
	}, nil
}

func (r *RedisCache) disabled() bool {
	return atomic.LoadUint32(&r.clientDisabled) != 0
}

func (r *RedisCache) disableClient(err error) {
	if atomic.CompareAndSwapUint32(&r.clientDisabled, 0, 1) {
		r.opts.Logger.Warn("redis temporarily disabled", zap.Error(err))
		go func() {
			const maxBackoff = time.Second * 30
			backoff := time.Millisecond * 100
			for {
				time.Sleep(backoff)
				ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
				err := r.opts.Client.Ping(ctx).Err()
				cancel()
				if err != nil {
					if backoff >= maxBackoff {
						backoff = maxBackoff
					} else {
						backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
					}
					r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
					continue
				}
				atomic.StoreUint32(&r.clientDisabled, 0)
				r.opts.Logger.Info("redis re-enabled")
				return
			}
		}()
	}
}

func (r *RedisCache) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.opts.ClientTimeout)
}

func (r *RedisCache) Get(key cache.Key) (*cache.Entry, bool) {
	if r.disabled() {
		return nil, false
	}

	ctx, cancel := r.ctx()
	defer cancel()
	b, err := r.opts.Client.Get(ctx, r.redisKey(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.disableClient(errs.IO("redis get", err))
		}
		return nil, false
	}

	e, err := cache.DecodeEntry(b)
	if err != nil {
		r.opts.Logger.Warn("redis data unpack error", zap.Stringer("key", key), zap.Error(err))
		return nil, false
	}
	return e, true
}

// Put stores e into redis. The redis key expires when e becomes stale by
// the wall clock.
func (r *RedisCache) Put(key cache.Key, e *cache.Entry) {
	r.PutExpiring(key, e, time.Until(e.Expiry()))
}

// PutExpiring stores e into redis. The redis key expires after ttl.
func (r *RedisCache) PutExpiring(key cache.Key, e *cache.Entry, ttl time.Duration) {
	if r.disabled() {
		return
	}

	v, err := cache.AppendEntry(nil, e)
	if err != nil {
		r.opts.Logger.Warn("failed to encode cache entry", zap.Stringer("key", key), zap.Error(err))
		return
	}

	// A zero expiration means no expiration in redis.
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	ctx, cancel := r.ctx()
	defer cancel()
	if err := r.opts.Client.Set(ctx, r.redisKey(key), v, ttl).Err(); err != nil {
		r.disableClient(errs.IO("redis set", err))
	}
}

func (r *RedisCache) Delete(key cache.Key) {
	if r.disabled() {
		return
	}
	ctx, cancel := r.ctx()
	defer cancel()
	if err := r.opts.Client.Del(ctx, r.redisKey(key)).Err(); err != nil {
		r.disableClient(errs.IO("redis del", err))
	}
}

// Keys scans all keys with the configured prefix.
func (r *RedisCache) Keys() []cache.Key {
	if r.disabled() {
		return nil
	}

	var keys []cache.Key
	err := r.scan(func(batch []string) error {
		for _, s := range batch {
			k, err := r.parseRedisKey(s)
			if err != nil {
				r.opts.Logger.Debug("skipping foreign redis key", zap.String("key", s), zap.Error(err))
				continue
			}
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		r.disableClient(errs.IO("redis scan", err))
		return nil
	}
	return keys
}

func (r *RedisCache) Range(f func(key cache.Key, e *cache.Entry) bool) {
	if r.disabled() {
		return
	}

	errStop := errors.New("stop")
	err := r.scan(func(batch []string) error {
		if len(batch) == 0 {
			return nil
		}
		ctx, cancel := r.ctx()
		vs, err := r.opts.Client.MGet(ctx, batch...).Result()
		cancel()
		if err != nil {
			return err
		}
		for i, v := range vs {
			s, ok := v.(string)
			if !ok { // expired between scan and mget
				continue
			}
			e, err := cache.DecodeEntry([]byte(s))
			if err != nil {
				r.opts.Logger.Warn("redis data unpack error", zap.String("key", batch[i]), zap.Error(err))
				continue
			}
			if !f(e.Key(), e) {
				return errStop
			}
		}
		return nil
	})
	if err != nil && err != errStop {
		r.disableClient(errs.IO("redis range", err))
	}
}

func (r *RedisCache) scan(f func(batch []string) error) error {
	var cursor uint64
	for {
		ctx, cancel := r.ctx()
		batch, next, err := r.opts.Client.Scan(ctx, cursor, r.opts.KeyPrefix+"*", scanBatch).Result()
		cancel()
		if err != nil {
			return err
		}
		if err := f(batch); err != nil {
			return err
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Len counts the keys with the configured prefix. Counting scans the whole
// keyspace, so the result is reused for lenRefresh.
func (r *RedisCache) Len() int {
	r.lenMu.Lock()
	defer r.lenMu.Unlock()
	if !r.lenAt.IsZero() && time.Since(r.lenAt) < r.lenRefresh {
		return r.lenValue
	}

	if r.disabled() {
		return 0
	}
	n := 0
	err := r.scan(func(batch []string) error {
		for _, s := range batch {
			if _, err := r.parseRedisKey(s); err == nil {
				n++
			}
		}
		return nil
	})
	if err != nil {
		r.disableClient(errs.IO("redis scan", err))
		return 0
	}
	r.lenValue = n
	r.lenAt = time.Now()
	return n
}

// Close closes the redis client.
func (r *RedisCache) Close() error {
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}

// redisKey formats key as "<prefix><type>:<name>".
func (r *RedisCache) redisKey(key cache.Key) string {
	return r.opts.KeyPrefix + strconv.FormatUint(uint64(key.Type), 10) + ":" + key.Name
}

func (r *RedisCache) parseRedisKey(s string) (cache.Key, error) {
	rest, ok := strings.CutPrefix(s, r.opts.KeyPrefix)
	if !ok {
		return cache.Key{}, fmt.Errorf("missing prefix %q", r.opts.KeyPrefix)
	}
	t, name, ok := strings.Cut(rest, ":")
	if !ok || len(name) == 0 {
		return cache.Key{}, errors.New("malformed key")
	}
	qtype, err := strconv.ParseUint(t, 10, 16)
	if err != nil {
		return cache.Key{}, fmt.Errorf("invalid type, %w", err)
	}
	return cache.Key{Name: name, Type: uint16(qtype)}, nil
}
