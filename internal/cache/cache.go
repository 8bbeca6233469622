// Package cache stores short-lived byte values by key with a TTL.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/riskledger/internal/clock"
	"github.com/prometheus/client_golang/prometheus"
)

var lookups = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskledger",
		Name:      "cache_lookups_total",
		Help:      "Cache lookups by backend and result.",
	},
	[]string{"backend", "result"},
)

func init() {
	prometheus.MustRegister(lookups)
}

// Cache is a TTL key/value store. A miss is reported as found=false with a
// nil error; errors mean the backend itself failed.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type memEntry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// MemoryCache is an in-process Cache. Expired entries are dropped lazily on
// read and by Sweep.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	clock   clock.Clock
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache(c clock.Clock) *MemoryCache {
	if c == nil {
		c = clock.Real{}
	}
	return &MemoryCache{entries: make(map[string]memEntry), clock: c}
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		lookups.WithLabelValues("memory", "miss").Inc()
		return nil, false, nil
	}
	if !e.expires.IsZero() && !m.clock.Now().Before(e.expires) {
		m.mu.Lock()
		if cur, ok := m.entries[key]; ok && cur.expires.Equal(e.expires) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		lookups.WithLabelValues("memory", "miss").Inc()
		return nil, false, nil
	}
	lookups.WithLabelValues("memory", "hit").Inc()
	return append([]byte(nil), e.value...), true, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = m.clock.Now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Sweep removes expired entries and returns how many were dropped.
func (m *MemoryCache) Sweep() int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, expired or not.
func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
