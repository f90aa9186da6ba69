package draft

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps drafts in process. Entries expire after ttl when ttl > 0.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[Key]memEntry
	ttl     time.Duration
	now     func() time.Time
}

type memEntry struct {
	snap    Snapshot
	expires time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{entries: make(map[Key]memEntry), ttl: ttl, now: time.Now}
}

// lookup must be called with mu held.
func (m *MemoryStore) lookup(key Key) (Snapshot, bool) {
	e, ok := m.entries[key]
	if !ok {
		return Snapshot{}, false
	}
	if !e.expires.IsZero() && m.now().After(e.expires) {
		delete(m.entries, key)
		return Snapshot{}, false
	}
	return e.snap, true
}

func (m *MemoryStore) Get(_ context.Context, key Key) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	s.Data = append([]byte(nil), s.Data...)
	return &s, nil
}

func (m *MemoryStore) Put(_ context.Context, snap *Snapshot, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := 0
	if s, ok := m.lookup(snap.Key); ok {
		current = s.Version
	}
	if current != expectedVersion {
		return fmt.Errorf("%w: expected version %d but the draft is at version %d", ErrConflict, expectedVersion, current)
	}
	snap.Version = expectedVersion + 1
	stored := *snap
	stored.Data = append([]byte(nil), snap.Data...)
	e := memEntry{snap: stored}
	if m.ttl > 0 {
		e.expires = m.now().Add(m.ttl)
	}
	m.entries[snap.Key] = e
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
