package backend

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Backend for tests and single-node development.
type Memory struct {
	mu      sync.Mutex
	scalars map[string]scalarEntry
	zsets   map[string]map[string]float64
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
}

type scalarEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func NewMemory() *Memory {
	return &Memory{
		scalars: make(map[string]scalarEntry),
		zsets:   make(map[string]map[string]float64),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.scalars[key]
	if !ok {
		return "", false, nil
	}
	if !e.expiresAt.IsZero() && !e.expiresAt.After(time.Now()) {
		delete(m.scalars, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := scalarEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.scalars[key] = e
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scalars, key)
	return nil
}

func (m *Memory) Keys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var keys []string
	for k, e := range m.scalars {
		if !e.expiresAt.IsZero() && !e.expiresAt.After(now) {
			delete(m.scalars, k)
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) ZAdd(ctx context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (m *Memory) ZRem(ctx context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	z, ok := m.zsets[key]
	if !ok {
		return false, nil
	}
	if _, ok := z[member]; !ok {
		return false, nil
	}
	delete(z, member)
	return true, nil
}

func (m *Memory) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	score, ok := m.zsets[key][member]
	return score, ok, nil
}

type zentry struct {
	member string
	score  float64
}

// sortedEntries returns the zset in ascending (score, member) order.
// Callers must hold the mutex.
func (m *Memory) sortedEntries(key string) []zentry {
	z := m.zsets[key]
	entries := make([]zentry, 0, len(z))
	for member, score := range z {
		entries = append(entries, zentry{member: member, score: score})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score < entries[j].score
		}
		return entries[i].member < entries[j].member
	})
	return entries
}

func (m *Memory) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var members []string
	for _, e := range m.sortedEntries(key) {
		if e.score < min || e.score > max {
			continue
		}
		members = append(members, e.member)
		if limit > 0 && len(members) >= limit {
			break
		}
	}
	return members, nil
}

func (m *Memory) ZRevRange(ctx context.Context, key string, offset, count int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.sortedEntries(key)
	var members []string
	for i := len(entries) - 1 - int(offset); i >= 0; i-- {
		members = append(members, entries[i].member)
		if count > 0 && int64(len(members)) >= count {
			break
		}
	}
	return members, nil
}

func (m *Memory) ZCard(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.zsets[key])), nil
}

func (m *Memory) HSet(ctx context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (m *Memory) HGet(ctx context.Context, key, field string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.hashes[key][field]
	return v, ok, nil
}

func (m *Memory) HDel(ctx context.Context, key, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hashes[key], field)
	return nil
}

func (m *Memory) SAdd(ctx context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	s[member] = struct{}{}
	return nil
}

func (m *Memory) SRem(ctx context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets[key], member)
	return nil
}

func (m *Memory) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

func (m *Memory) Claim(ctx context.Context, q ClaimQuery) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowMs := q.Now.UnixMilli()
	for _, e := range m.sortedEntries(q.PendingKey) {
		if DuePart(e.score) > nowMs {
			continue
		}
		name, _ := SplitMember(e.member)
		if !nameAllowed(name, q.Allowed, q.Blocked) {
			continue
		}
		delete(m.zsets[q.PendingKey], e.member)
		expiry := float64(nowMs + q.Lease.Milliseconds())
		run, ok := m.zsets[q.RunningKey]
		if !ok {
			run = make(map[string]float64)
			m.zsets[q.RunningKey] = run
		}
		run[e.member] = expiry
		return e.member, nil
	}
	return "", ErrNoTask
}

func nameAllowed(name string, allowed, blocked []string) bool {
	for _, b := range blocked {
		if name == b {
			return false
		}
	}
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if name == a {
			return true
		}
	}
	return false
}
