package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is the in-process tier
type Memory struct {
	cache *gocache.Cache
}

// NewMemory creates a memory store. A zero ttl stores entries without expiry.
func NewMemory(defaultTTL, cleanupInterval time.Duration) *Memory {
	if defaultTTL <= 0 {
		defaultTTL = gocache.NoExpiration
	}
	return &Memory{cache: gocache.New(defaultTTL, cleanupInterval)}
}

func (m *Memory) Get(key string) ([]byte, bool) {
	val, found := m.cache.Get(key)
	if !found {
		return nil, false
	}
	b, ok := val.([]byte)
	return b, ok
}

// Set stores value. A zero ttl uses the store default.
func (m *Memory) Set(key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = gocache.DefaultExpiration
	}
	m.cache.Set(key, value, ttl)
	return nil
}

func (m *Memory) Delete(key string) error {
	m.cache.Delete(key)
	return nil
}

func (m *Memory) Clear() error {
	m.cache.Flush()
	return nil
}

// Len returns the number of entries, including expired ones not yet cleaned up
func (m *Memory) Len() int {
	return m.cache.ItemCount()
}
