package presence

import (
	"context"
	"strings"
	"sync"
	"time"
)

type MemoryStore struct {
	mu   sync.RWMutex
	last map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{last: map[string]time.Time{}}
}

func (m *MemoryStore) Heartbeat(ctx context.Context, businessID string, at time.Time) error {
	if strings.TrimSpace(businessID) == "" {
		return ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Out-of-order heartbeats never move the clock backwards.
	if prev, ok := m.last[businessID]; ok && prev.After(at) {
		return nil
	}
	m.last[businessID] = at
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, businessID string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.last[businessID]
	if !ok {
		return Record{}, false, nil
	}
	return Record{BusinessID: businessID, LastHeartbeat: at}, true, nil
}

func (m *MemoryStore) Clear(ctx context.Context, businessID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.last, businessID)
	return nil
}
