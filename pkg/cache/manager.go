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

package cache

import (
	"errors"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmkol/fwdcache/pkg/dnsutils"
)

var nopLogger = zap.NewNop()

type ManagerOpts struct {
	// Logger is the *zap.Logger for this Manager.
	// A nil Logger will disable logging.
	Logger *zap.Logger

	// MetricsReg registers the cache metrics. Optional.
	MetricsReg prometheus.Registerer
}

func (opts *ManagerOpts) init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

// Manager owns the cache table. Lookups may run concurrently,
// EvictStale, IngestMessage and Restore are exclusive.
type Manager struct {
	opts    ManagerOpts
	backend Backend

	mu sync.RWMutex
	// watermark is the earliest expiry of any entry stored since the last
	// full sweep. Nothing can be stale before it. Zero means the table is
	// known to be empty.
	watermark time.Time

	evictedTotal  prometheus.Counter
	ingestedTotal prometheus.Counter
}

func NewManager(backend Backend, opts ManagerOpts) (*Manager, error) {
	if backend == nil {
		return nil, errors.New("nil cache backend")
	}
	opts.init()
	m := &Manager{
		opts:    opts,
		backend: backend,
		evictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_evicted_total",
			Help: "The total number of stale entries evicted from the cache",
		}),
		ingestedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_ingested_total",
			Help: "The total number of resource records stored into the cache",
		}),
	}

	// Entries that were already in the backend (e.g. a shared redis) are
	// unknown to the watermark. Force the first sweep to visit them.
	if backend.Len() > 0 {
		m.watermark = time.Unix(0, 0)
	}

	if reg := opts.MetricsReg; reg != nil {
		size := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "cache_entries",
			Help: "The current number of entries in the cache",
		}, func() float64 { return float64(backend.Len()) })
		if err := registerAll(reg, size, m.evictedTotal, m.ingestedTotal); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func registerAll(reg prometheus.Registerer, cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// EvictStale deletes every entry that is stale at now and returns the number
// of deleted entries.
func (m *Manager) EvictStale(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.watermark.IsZero() || !now.After(m.watermark) {
		return 0
	}

	var stale []Key
	var next time.Time
	m.backend.Range(func(key Key, e *Entry) bool {
		if IsStale(e, now) {
			stale = append(stale, key)
			return true
		}
		if exp := e.Expiry(); next.IsZero() || exp.Before(next) {
			next = exp
		}
		return true
	})
	for _, key := range stale {
		m.backend.Delete(key)
		m.opts.Logger.Debug("evicted stale cache entry", zap.Stringer("key", key))
	}
	m.watermark = next
	m.evictedTotal.Add(float64(len(stale)))
	return len(stale)
}

// Lookup returns the entry of (name, qtype). The name is matched
// case-insensitively. Lookup does not check freshness, callers are expected
// to run EvictStale first. The returned entry must not be modified.
func (m *Manager) Lookup(name string, qtype uint16) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backend.Get(NewKey(name, qtype))
}

// IngestMessage stores every resource record of msg's answer, authority and
// additional sections, stamped with now. A later record overwrites an earlier
// one with the same key. It returns the number of stored records.
func (m *Manager) IngestMessage(msg *dns.Msg, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	dnsutils.RangeRecords(msg, func(rr dns.RR) {
		m.put(NewEntry(dns.Copy(rr), now), now)
		n++
	})
	m.ingestedTotal.Add(float64(n))
	return n
}

// Restore stores entries as they are, keeping their insertion time.
func (m *Manager) Restore(entries []*Entry, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.put(e, now)
	}
}

// put must be called with m.mu locked.
func (m *Manager) put(e *Entry, now time.Time) {
	if eb, ok := m.backend.(ExpiringBackend); ok {
		eb.PutExpiring(e.Key(), e, e.Expiry().Sub(now))
	} else {
		m.backend.Put(e.Key(), e)
	}
	if exp := e.Expiry(); m.watermark.IsZero() || exp.Before(m.watermark) {
		m.watermark = exp
	}
}

// Entries returns a consistent snapshot of the whole table.
func (m *Manager) Entries() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]*Entry, 0, m.backend.Len())
	m.backend.Range(func(_ Key, e *Entry) bool {
		entries = append(entries, e)
		return true
	})
	return entries
}

func (m *Manager) Len() int {
	return m.backend.Len()
}
