package directory

import (
	"context"
	"sync"
)

// MemoryRepo serves businesses from memory. Used by tests and the
// DIRECTORY_BACKEND=memory dev mode.
type MemoryRepo struct {
	mu         sync.RWMutex
	businesses map[string]Business
}

func NewMemoryRepo(seed ...Business) *MemoryRepo {
	r := &MemoryRepo{businesses: map[string]Business{}}
	for _, b := range seed {
		r.businesses[b.ID] = b
	}
	return r
}

func (r *MemoryRepo) Put(b Business) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.businesses[b.ID] = b
}

func (r *MemoryRepo) Lookup(ctx context.Context, businessID string) (Business, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.businesses[businessID]
	if !ok {
		return Business{}, ErrNotFound
	}
	return b, nil
}
