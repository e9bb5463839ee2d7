package kv

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ztafinance/gateway/internal/clock"
)

// MemoryStore is a mutex-guarded in-process Store. It backs development
// installs without Redis and every unit test in the repository.
type MemoryStore struct {
	mu      sync.RWMutex
	strings map[string]memEntry
	lists   map[string]*listEntry
	sets    map[string]*setEntry
	clk     clock.Clock
}

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

type listEntry struct {
	values    [][]byte
	expiresAt time.Time
}

type setEntry struct {
	members   map[string]struct{}
	expiresAt time.Time
}

// NewMemoryStore creates an empty store on the system clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(clock.System{})
}

// NewMemoryStoreWithClock creates an empty store on the given clock.
func NewMemoryStoreWithClock(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]memEntry),
		lists:   make(map[string]*listEntry),
		sets:    make(map[string]*setEntry),
		clk:     clk,
	}
}

func (m *MemoryStore) expired(at time.Time) bool {
	return !at.IsZero() && !m.clk.Now().Before(at)
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.strings[key]
	if !ok || m.expired(e.expiresAt) {
		delete(m.strings, key)
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.clk.Now().Add(ttl)
	}
	m.strings[key] = e
	return nil
}

func (m *MemoryStore) Del(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.strings, k)
		delete(m.lists, k)
		delete(m.sets, k)
	}
	return nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.strings[key]; ok && !m.expired(e.expiresAt) {
		return true, nil
	}
	if l, ok := m.lists[key]; ok && !m.expired(l.expiresAt) {
		return true, nil
	}
	if s, ok := m.sets[key]; ok && !m.expired(s.expiresAt) {
		return true, nil
	}
	return false, nil
}

func (m *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.strings[key]
	if !ok || m.expired(e.expiresAt) {
		m.strings[key] = memEntry{value: []byte("1")}
		return 1, nil
	}
	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		n = 0
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	m.strings[key] = e
	return n, nil
}

func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	deadline := m.clk.Now().Add(ttl)
	if e, ok := m.strings[key]; ok && !m.expired(e.expiresAt) {
		e.expiresAt = deadline
		m.strings[key] = e
	}
	if l, ok := m.lists[key]; ok && !m.expired(l.expiresAt) {
		l.expiresAt = deadline
	}
	if s, ok := m.sets[key]; ok && !m.expired(s.expiresAt) {
		s.expiresAt = deadline
	}
	return nil
}

func (m *MemoryStore) LPush(ctx context.Context, key string, values ...[]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lists[key]
	if !ok || m.expired(l.expiresAt) {
		l = &listEntry{}
		m.lists[key] = l
	}
	for _, v := range values {
		cp := append([]byte(nil), v...)
		l.values = append([][]byte{cp}, l.values...)
	}
	return nil
}

func (m *MemoryStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lists[key]
	if !ok || m.expired(l.expiresAt) {
		return nil
	}
	n := int64(len(l.values))
	lo, hi := normalizeRange(start, stop, n)
	if lo > hi {
		l.values = nil
		return nil
	}
	l.values = l.values[lo : hi+1]
	return nil
}

func (m *MemoryStore) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lists[key]
	if !ok || m.expired(l.expiresAt) {
		return nil, nil
	}
	n := int64(len(l.values))
	lo, hi := normalizeRange(start, stop, n)
	if lo > hi {
		return nil, nil
	}
	out := make([][]byte, 0, hi-lo+1)
	for _, v := range l.values[lo : hi+1] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

func (m *MemoryStore) SAdd(ctx context.Context, key string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok || m.expired(s.expiresAt) {
		s = &setEntry{members: make(map[string]struct{})}
		m.sets[key] = s
	}
	for _, mem := range members {
		s.members[mem] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) SRem(ctx context.Context, key string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok || m.expired(s.expiresAt) {
		return nil
	}
	for _, mem := range members {
		delete(s.members, mem)
	}
	return nil
}

func (m *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sets[key]
	if !ok || m.expired(s.expiresAt) {
		return nil, nil
	}
	out := make([]string, 0, len(s.members))
	for mem := range s.members {
		out = append(out, mem)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k, e := range m.strings {
		if strings.HasPrefix(k, prefix) && !m.expired(e.expiresAt) {
			keys = append(keys, k)
		}
	}
	for k, l := range m.lists {
		if strings.HasPrefix(k, prefix) && !m.expired(l.expiresAt) {
			keys = append(keys, k)
		}
	}
	for k, s := range m.sets {
		if strings.HasPrefix(k, prefix) && !m.expired(s.expiresAt) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// normalizeRange maps redis-style start/stop (negative = from end,
// inclusive) onto [0, n) slice bounds.
func normalizeRange(start, stop, n int64) (int64, int64) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
}
