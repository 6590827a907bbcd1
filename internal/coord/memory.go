package coord

import (
	"context"
	"sync"
	"time"
)

// subscriber buffer size. Publishes to a full subscriber are dropped
// rather than blocking the publisher.
const memorySubBuffer = 64

var _ Store = (*MemoryStore)(nil)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type memorySub struct {
	topic string
	ch    chan Message
	done  chan struct{}
}

// MemoryStore is an in-process Store used for single-process pools and
// tests. Expiry is evaluated lazily on access, so no janitor goroutine
// is needed.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	subs    map[string][]*memorySub
	failing error
	now     func() time.Time
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
		subs:    make(map[string][]*memorySub),
		now:     time.Now,
	}
}

// Fail forces every subsequent operation to return err. Passing nil
// restores normal behavior. Used by tests to exercise the breaker path.
func (m *MemoryStore) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = err
}

func (m *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return false, m.failing
	}
	now := m.now()
	if e, ok := m.entries[key]; ok && !e.expired(now) {
		return false, nil
	}
	m.entries[key] = newMemoryEntry(value, ttl, now)
	return true, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return m.failing
	}
	m.entries[key] = newMemoryEntry(value, ttl, m.now())
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return nil, m.failing
	}
	e, ok := m.entries[key]
	if !ok || e.expired(m.now()) {
		delete(m.entries, key)
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (m *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return m.failing
	}
	for _, key := range keys {
		delete(m.entries, key)
		delete(m.hashes, key)
		delete(m.sets, key)
	}
	return nil
}

func (m *MemoryStore) DeleteIfEquals(ctx context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return false, m.failing
	}
	e, ok := m.entries[key]
	if !ok || e.expired(m.now()) || string(e.value) != string(value) {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return false, m.failing
	}
	e, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	if e.expired(m.now()) {
		delete(m.entries, key)
		return false, nil
	}
	return true, nil
}

func (m *MemoryStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return m.failing
	}
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		m.hashes[key] = h
	}
	for f, v := range fields {
		h[f] = v
	}
	return nil
}

func (m *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return nil, m.failing
	}
	out := make(map[string]string, len(m.hashes[key]))
	for f, v := range m.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (m *MemoryStore) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return m.failing
	}
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{}, len(members))
		m.sets[key] = s
	}
	for _, member := range members {
		s[member] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return m.failing
	}
	for _, member := range members {
		delete(m.sets[key], member)
	}
	return nil
}

func (m *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return nil, m.failing
	}
	out := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		out = append(out, member)
	}
	return out, nil
}

func (m *MemoryStore) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return m.failing
	}
	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	for _, sub := range m.subs[topic] {
		select {
		case sub.ch <- msg:
		default:
			// Slow subscriber: drop rather than block the publisher.
		}
	}
	return nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	m.mu.Lock()
	if m.failing != nil {
		err := m.failing
		m.mu.Unlock()
		return nil, err
	}
	sub := &memorySub{
		topic: topic,
		ch:    make(chan Message, memorySubBuffer),
		done:  make(chan struct{}),
	}
	m.subs[topic] = append(m.subs[topic], sub)
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.done:
		}
		m.unsubscribe(sub)
	}()
	return sub.ch, nil
}

func (m *MemoryStore) unsubscribe(sub *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subs[sub.topic]
	for i, s := range subs {
		if s == sub {
			m.subs[sub.topic] = append(subs[:i], subs[i+1:]...)
			close(s.ch)
			break
		}
	}
}

// Close ends every subscription. The store remains usable for
// key-value access afterwards, which keeps teardown ordering simple in
// tests.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	var pending []*memorySub
	if !m.closed {
		m.closed = true
		for _, subs := range m.subs {
			pending = append(pending, subs...)
		}
	}
	m.mu.Unlock()

	for _, sub := range pending {
		close(sub.done)
	}
	return nil
}

func newMemoryEntry(value []byte, ttl time.Duration, now time.Time) memoryEntry {
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	return e
}
