package cache

import (
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"dronemesh/internal/clock"
)

// Memory is the in-process Cache implementation. Values live in a
// go-cache store; expiry bookkeeping is kept separately against an
// injectable clock so absolute-plus-sliding expiry works and tests can
// advance time without sleeping.
type Memory struct {
	store *gocache.Cache
	clk   clock.Clock

	mu   sync.Mutex
	meta map[string]*entryMeta
}

type entryMeta struct {
	absolute   time.Time     // zero means no expiry
	sliding    time.Duration // zero means no sliding window
	lastAccess time.Time
}

// NewMemory returns an empty Memory cache using clk for expiry
// decisions. A nil clk falls back to the real clock.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real()
	}
	return &Memory{
		store: gocache.New(gocache.NoExpiration, 0),
		clk:   clk,
		meta:  make(map[string]*entryMeta),
	}
}

func (m *Memory) Get(key string) (any, bool) {
	now := m.clk.Now()
	m.mu.Lock()
	meta, ok := m.meta[key]
	if ok && m.expired(meta, now) {
		delete(m.meta, key)
		m.mu.Unlock()
		m.store.Delete(key)
		return nil, false
	}
	if ok {
		meta.lastAccess = now
	}
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return m.store.Get(key)
}

func (m *Memory) Set(key string, value any, ttl time.Duration) {
	now := m.clk.Now()
	meta := &entryMeta{lastAccess: now}
	if ttl > 0 {
		meta.absolute = now.Add(ttl)
		meta.sliding = ttl / 2
	}
	m.mu.Lock()
	m.meta[key] = meta
	m.mu.Unlock()
	m.store.Set(key, value, gocache.NoExpiration)
}

func (m *Memory) Remove(key string) {
	m.mu.Lock()
	delete(m.meta, key)
	m.mu.Unlock()
	m.store.Delete(key)
}

func (m *Memory) RemoveByPrefix(prefix string) int {
	removed := 0
	for key := range m.store.Items() {
		if strings.HasPrefix(key, prefix) {
			m.Remove(key)
			removed++
		}
	}
	return removed
}

func (m *Memory) Keys(prefix string) []string {
	now := m.clk.Now()
	var keys []string
	for key := range m.store.Items() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		m.mu.Lock()
		meta, ok := m.meta[key]
		live := ok && !m.expired(meta, now)
		m.mu.Unlock()
		if live {
			keys = append(keys, key)
		}
	}
	return keys
}

// expired reports whether the entry is past its absolute deadline or
// has gone unread for longer than its sliding window. Caller holds mu.
func (m *Memory) expired(meta *entryMeta, now time.Time) bool {
	if !meta.absolute.IsZero() && !now.Before(meta.absolute) {
		return true
	}
	if meta.sliding > 0 && now.Sub(meta.lastAccess) >= meta.sliding {
		return true
	}
	return false
}
