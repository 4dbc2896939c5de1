package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/petrijr/taskq/pkg/api"
)

type memEntry struct {
	value     []byte
	expiresAt int64 // unix nanos, 0 = never
}

func (e memEntry) alive(now int64) bool {
	return e.expiresAt == 0 || e.expiresAt > now
}

// InMemoryStore is a goroutine-safe ResultStore backed by maps.
type InMemoryStore struct {
	opts Options

	mu       sync.Mutex
	statuses map[string]memEntry
	values   map[string]memEntry
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore(opts Options) *InMemoryStore {
	return &InMemoryStore{
		opts:     opts.withDefaults(),
		statuses: make(map[string]memEntry),
		values:   make(map[string]memEntry),
	}
}

var (
	_ api.ResultStore = (*InMemoryStore)(nil)
	_ api.Purger      = (*InMemoryStore)(nil)
)

func (s *InMemoryStore) now() time.Time { return s.opts.Clock.Now() }

func (s *InMemoryStore) PutStatus(ctx context.Context, st *api.TaskStatus) error {
	data, err := EncodeStatus(st)
	if err != nil {
		return err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.statuses[st.TaskID]; ok && e.alive(now.UnixNano()) {
		prev, err := DecodeStatus(e.value)
		if err != nil {
			return err
		}
		if !api.CanTransition(prev.State, st.State) {
			return rejectTransition(st)
		}
	}
	s.statuses[st.TaskID] = memEntry{value: data, expiresAt: expiresAt(now, s.opts.statusTTL(st))}
	return nil
}

func (s *InMemoryStore) GetStatus(ctx context.Context, taskID string) (*api.TaskStatus, error) {
	s.mu.Lock()
	e, ok := s.statuses[taskID]
	s.mu.Unlock()
	if !ok || !e.alive(s.now().UnixNano()) {
		return nil, api.ErrStatusNotFound
	}
	return DecodeStatus(e.value)
}

func (s *InMemoryStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = memEntry{
		value:     append([]byte(nil), value...),
		expiresAt: expiresAt(s.now(), ttl),
	}
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.values[key]
	if !ok || !e.alive(s.now().UnixNano()) {
		return nil, api.ErrKeyNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (s *InMemoryStore) AtomicDecrement(ctx context.Context, key string, by int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.values[key]
	if !ok || !e.alive(s.now().UnixNano()) {
		return 0, api.ErrKeyNotFound
	}
	n, err := DecodeCounter(e.value)
	if err != nil {
		return 0, fmt.Errorf("key %q is not a counter: %w", key, err)
	}
	n -= by
	e.value = EncodeCounter(n)
	s.values[key] = e
	return n, nil
}

func (s *InMemoryStore) AtomicIncrement(ctx context.Context, key string, by int64, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, fmt.Errorf("AtomicIncrement %q: ttl must be positive", key)
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.values[key]
	if !ok || !e.alive(now.UnixNano()) {
		s.values[key] = memEntry{value: EncodeCounter(by), expiresAt: expiresAt(now, ttl)}
		return by, nil
	}
	n, err := DecodeCounter(e.value)
	if err != nil {
		return 0, fmt.Errorf("key %q is not a counter: %w", key, err)
	}
	n += by
	e.value = EncodeCounter(n)
	s.values[key] = e
	return n, nil
}

// PurgeExpired drops expired status records and values.
func (s *InMemoryStore) PurgeExpired(ctx context.Context) (int, error) {
	now := s.now().UnixNano()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.statuses {
		if !e.alive(now) {
			delete(s.statuses, k)
			n++
		}
	}
	for k, e := range s.values {
		if !e.alive(now) {
			delete(s.values, k)
			n++
		}
	}
	return n, nil
}
