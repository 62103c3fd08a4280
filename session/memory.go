package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Records expire ttl after their last
// write; a zero ttl keeps them until Destroy. Expired records are swept
// when new ones are created, at most once per ttl.
type MemoryStore struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	records   map[string]*record
	nextSweep time.Time
}

type record struct {
	values  map[string]string
	expires time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		records: make(map[string]*record),
	}
}

func (s *MemoryStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lookup(id) != nil, nil
}

func (s *MemoryStore) Get(_ context.Context, id, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.lookup(id)
	if rec == nil {
		return "", false, nil
	}
	v, ok := rec.values[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, id, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.writable(id)
	rec.values[key] = value
	return nil
}

func (s *MemoryStore) SetIfAbsent(_ context.Context, id, key, value string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.writable(id)
	if cur := rec.values[key]; cur != "" {
		return cur, nil
	}
	rec.values[key] = value
	return value, nil
}

func (s *MemoryStore) Destroy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, id)
	return nil
}

// Len returns the number of live sessions.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id := range s.records {
		if s.lookup(id) != nil {
			n++
		}
	}
	return n
}

// lookup returns the live record for id, dropping it if expired.
// Callers hold s.mu.
func (s *MemoryStore) lookup(id string) *record {
	rec, ok := s.records[id]
	if !ok {
		return nil
	}
	if !rec.expires.IsZero() && !s.now().Before(rec.expires) {
		delete(s.records, id)
		return nil
	}
	return rec
}

// writable returns the record for id, creating it if needed, and slides its
// expiry. Callers hold s.mu.
func (s *MemoryStore) writable(id string) *record {
	rec := s.lookup(id)
	if rec == nil {
		s.sweep()
		rec = &record{values: make(map[string]string)}
		s.records[id] = rec
	}
	if s.ttl > 0 {
		rec.expires = s.now().Add(s.ttl)
	}
	return rec
}

// sweep drops every expired record once the sweep interval has passed.
// Callers hold s.mu.
func (s *MemoryStore) sweep() {
	if s.ttl <= 0 {
		return
	}
	now := s.now()
	if now.Before(s.nextSweep) {
		return
	}
	s.nextSweep = now.Add(s.ttl)
	for id, rec := range s.records {
		if !now.Before(rec.expires) {
			delete(s.records, id)
		}
	}
}
