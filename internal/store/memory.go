package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store for development and tests. It honors the
// same TTL and series semantics as the Redis backend but shares nothing
// across instances. Expired entries are dropped lazily on access.
type Memory struct {
	mu        sync.Mutex
	kv        map[string]memEntry
	series    map[string]map[string]int64 // member -> unix-milli score
	seriesExp map[string]time.Time
	now       func() time.Time
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero: never expires
}

type MemoryOption func(*Memory)

// WithClock substitutes the time source, letting tests drive TTL expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		kv:        make(map[string]memEntry),
		series:    make(map[string]map[string]int64),
		seriesExp: make(map[string]time.Time),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// live returns the entry at key, dropping it first if expired.
// Callers must hold mu.
func (m *Memory) live(key string) (memEntry, bool) {
	e, ok := m.kv[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.kv, key)
		return memEntry{}, false
	}
	return e, true
}

// liveSeries returns the series at key, dropping it first if expired.
// Callers must hold mu.
func (m *Memory) liveSeries(key string) (map[string]int64, bool) {
	members, ok := m.series[key]
	if !ok {
		return nil, false
	}
	if exp, has := m.seriesExp[key]; has && !m.now().Before(exp) {
		delete(m.series, key)
		delete(m.seriesExp, key)
		return nil, false
	}
	return members, true
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.kv[key] = e
	return nil
}

func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	delete(m.series, key)
	delete(m.seriesExp, key)
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return true, nil
	}
	_, ok := m.liveSeries(key)
	return ok, nil
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		e = memEntry{value: "0"}
		if ttl > 0 {
			e.expiresAt = m.now().Add(ttl)
		}
	}
	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, err
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	m.kv[key] = e
	return n, nil
}

func (m *Memory) SeriesAdd(_ context.Context, key, member string, at, cutoff time.Time, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.liveSeries(key)
	if !ok {
		members = make(map[string]int64)
		m.series[key] = members
	}
	cut := cutoff.UnixMilli()
	for mem, score := range members {
		if score < cut {
			delete(members, mem)
		}
	}
	members[member] = at.UnixMilli()
	if ttl > 0 {
		m.seriesExp[key] = m.now().Add(ttl)
	}
	return int64(len(members)), nil
}

func (m *Memory) SeriesRemove(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if members, ok := m.liveSeries(key); ok {
		delete(members, member)
	}
	return nil
}

func (m *Memory) SeriesCount(_ context.Context, key string, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.liveSeries(key)
	if !ok {
		return 0, nil
	}
	cut := cutoff.UnixMilli()
	var n int64
	for _, score := range members {
		if score >= cut {
			n++
		}
	}
	return n, nil
}

func (m *Memory) SeriesRevRange(_ context.Context, key string, from, to time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.liveSeries(key)
	if !ok {
		return nil, nil
	}
	type scored struct {
		member string
		score  int64
	}
	lo, hi := from.UnixMilli(), to.UnixMilli()
	var hits []scored
	for mem, score := range members {
		if score >= lo && score <= hi {
			hits = append(hits, scored{mem, score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].member > hits[j].member
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.member
	}
	return out, nil
}

func (m *Memory) ScanKeys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.kv {
		if strings.HasPrefix(k, prefix) {
			if _, ok := m.live(k); ok {
				keys = append(keys, k)
			}
		}
	}
	for k := range m.series {
		if strings.HasPrefix(k, prefix) {
			if _, ok := m.liveSeries(k); ok {
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
