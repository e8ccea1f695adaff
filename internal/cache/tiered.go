package cache

import "time"

// Tiered checks memory first and falls back to disk, promoting disk hits
type Tiered struct {
	memory Store
	disk   Store
}

// NewTiered combines a memory and a disk store
func NewTiered(memory, disk Store) *Tiered {
	return &Tiered{memory: memory, disk: disk}
}

// New builds the configured store: memory only when dir is empty, otherwise
// memory in front of disk.
func New(dir string, memoryTTL, diskTTL time.Duration) Store {
	mem := NewMemory(memoryTTL, 10*time.Minute)
	if dir == "" {
		return mem
	}
	return NewTiered(mem, NewDisk(dir, diskTTL))
}

func (t *Tiered) Get(key string) ([]byte, bool) {
	if val, ok := t.memory.Get(key); ok {
		return val, true
	}
	if val, ok := t.disk.Get(key); ok {
		_ = t.memory.Set(key, val, 0)
		return val, true
	}
	return nil, false
}

func (t *Tiered) Set(key string, value []byte, ttl time.Duration) error {
	if err := t.memory.Set(key, value, ttl); err != nil {
		return err
	}
	return t.disk.Set(key, value, ttl)
}

func (t *Tiered) Delete(key string) error {
	_ = t.memory.Delete(key)
	return t.disk.Delete(key)
}

func (t *Tiered) Clear() error {
	_ = t.memory.Clear()
	return t.disk.Clear()
}
