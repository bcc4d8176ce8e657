package kv

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	data    []byte
	counter int64
	// zero deadline means no expiry
	deadline time.Time
}

func (e *memoryEntry) expired(tnow time.Time) bool {
	return !e.deadline.IsZero() && tnow.After(e.deadline)
}

// memoryStore is a last-resort single-process fallback and the test double.
type memoryStore struct {
	lock    sync.Mutex
	entries map[string]*memoryEntry
	sets    map[string]map[string]struct{}
	clock   func() time.Time
}

var _ Store = (*memoryStore)(nil)

func NewMemoryStore() *memoryStore {
	return &memoryStore{
		entries: make(map[string]*memoryEntry),
		sets:    make(map[string]map[string]struct{}),
		clock:   time.Now,
	}
}

// SetClock overrides the time source, tests only.
func (s *memoryStore) SetClock(clock func() time.Time) {
	s.lock.Lock()
	s.clock = clock
	s.lock.Unlock()
}

func (s *memoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *memoryStore) live(key string) (*memoryEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return nil, false
	}

	if entry.expired(s.clock()) {
		delete(s.entries, key)
		return nil, false
	}

	return entry, true
}

func (s *memoryStore) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	entry := &memoryEntry{data: data}
	if ttl > 0 {
		entry.deadline = s.clock().Add(ttl)
	}
	s.entries[key] = entry

	return nil
}

func (s *memoryStore) GetJSON(ctx context.Context, key string, dest any) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	entry, ok := s.live(key)
	if !ok || entry.data == nil {
		return ErrNotFound
	}

	return json.Unmarshal(entry.data, dest)
}

func (s *memoryStore) Delete(ctx context.Context, key string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	delete(s.entries, key)
	delete(s.sets, key)

	return nil
}

func (s *memoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	entry, ok := s.live(key)
	if !ok {
		return 0, ErrNotFound
	}

	if entry.deadline.IsZero() {
		return 0, nil
	}

	return entry.deadline.Sub(s.clock()), nil
}

func (s *memoryStore) IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	entry, ok := s.live(key)
	if !ok {
		entry = &memoryEntry{}
		if ttl > 0 {
			entry.deadline = s.clock().Add(ttl)
		}
		s.entries[key] = entry
	}

	entry.counter++
	// counters read back as plain JSON numbers, same as the Redis GET path
	entry.data = strconv.AppendInt(nil, entry.counter, 10)

	return entry.counter, nil
}

func (s *memoryStore) SAdd(ctx context.Context, key string, members ...string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}

	for _, m := range members {
		set[m] = struct{}{}
	}

	return nil
}

func (s *memoryStore) SRem(ctx context.Context, key string, members ...string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if set, ok := s.sets[key]; ok {
		for _, m := range members {
			delete(set, m)
		}
	}

	return nil
}

func (s *memoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	set, ok := s.sets[key]
	if !ok {
		return nil, nil
	}

	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}

	return members, nil
}
