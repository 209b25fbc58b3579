package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps outstanding challenges in Redis so that every replica
// sees the same single-use nonces. GETDEL makes Take atomic.
type RedisStore struct {
	client *redis.Client
	prefix string
	clock  func() time.Time
}

// NewRedisStore creates a store backed by Redis.
func NewRedisStore(addr string, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreFromClient(rdb)
}

func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "rewards:challenge:", clock: time.Now}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(nonce string) string {
	return s.prefix + nonce
}

func (s *RedisStore) Put(ctx context.Context, c Challenge) error {
	ttl := c.ExpiresAt.Sub(s.clock())
	if ttl <= 0 {
		return fmt.Errorf("challenge already expired")
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.key(c.Nonce), payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis challenge put: %w", err)
	}
	if !ok {
		return fmt.Errorf("redis challenge put: nonce %s already exists", c.Nonce)
	}
	return nil
}

func (s *RedisStore) Take(ctx context.Context, nonce string) (Challenge, error) {
	payload, err := s.client.GetDel(ctx, s.key(nonce)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Challenge{}, ErrNotFound
		}
		return Challenge{}, fmt.Errorf("redis challenge take: %w", err)
	}
	var c Challenge
	if err := json.Unmarshal(payload, &c); err != nil {
		return Challenge{}, fmt.Errorf("corrupt challenge %s: %w", nonce, err)
	}
	return c, nil
}
