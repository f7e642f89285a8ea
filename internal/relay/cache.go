package relay

import (
	"context"
	"sync"

	"softphone-bridge/internal/calls"
)

// Cache is the last-known status store keyed by call id.
//
// It is a dumb last-write-wins store: entries are never deleted and no ordering
// is enforced here. Memory grows with call volume for the process lifetime.
type Cache interface {
	Get(ctx context.Context, callID string) (calls.StatusRecord, bool, error)
	Put(ctx context.Context, rec calls.StatusRecord) error
}

// MemoryCache is the default in-process Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	records map[string]calls.StatusRecord
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{records: make(map[string]calls.StatusRecord)}
}

func (c *MemoryCache) Get(_ context.Context, callID string) (calls.StatusRecord, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[callID]
	return rec, ok, nil
}

func (c *MemoryCache) Put(_ context.Context, rec calls.StatusRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[rec.CallID] = rec
	return nil
}

// Len reports how many calls are cached.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}
