package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token, so an entry
// that expired and was re-acquired elsewhere is left alone.
// KEYS[1] = in-flight key, ARGV[1] = token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisSet shares the in-flight set across processes. Entries expire after ttl
// so a crashed process cannot pin a claim forever.
type RedisSet struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisSet connects to Redis
func NewRedisSet(addr, password string, db int, ttl time.Duration) *RedisSet {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisSetWithClient(rdb, ttl)
}

// NewRedisSetWithClient wraps an existing client
func NewRedisSetWithClient(client *redis.Client, ttl time.Duration) *RedisSet {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisSet{
		client: client,
		ttl:    ttl,
		prefix: "claimledger:inflight:",
	}
}

func (s *RedisSet) Add(ctx context.Context, id string, token Token) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+id, string(token), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (s *RedisSet) Remove(ctx context.Context, id string, token Token) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.prefix + id}, string(token)).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

// Ping checks connectivity
func (s *RedisSet) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client
func (s *RedisSet) Close() error {
	return s.client.Close()
}
