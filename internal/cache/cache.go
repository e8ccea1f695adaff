// Package cache stores external lookup results (tool answers, robots data)
// so repeated claims do not repeat slow or metered calls.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Store is a byte-oriented cache with per-entry TTL
type Store interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	Clear() error
}

// Key builds a namespaced key from arbitrary parts. Parts are hashed so keys
// are safe to use as file names.
func Key(namespace string, parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return "claimledger:v1:" + namespace + ":" + hex.EncodeToString(hash[:16])
}

// GetJSON decodes a cached JSON value into dst. It reports false on a miss or
// an undecodable entry.
func GetJSON(s Store, key string, dst any) bool {
	if s == nil {
		return false
	}
	data, ok := s.Get(key)
	if !ok {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

// SetJSON encodes v and stores it under key
func SetJSON(s Store, key string, v any, ttl time.Duration) error {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	return s.Set(key, data, ttl)
}
