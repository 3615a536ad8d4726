package nonce

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares recorded nonces between gateway instances. SET NX gives
// the add-if-absent semantics in a single round trip.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisConfig configures the shared store.
type RedisConfig struct {
	Addrs    []string
	Username string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// NewRedisStore connects to one node, or to a cluster when several addresses
// are given.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	addrs := make([]string, 0, len(cfg.Addrs))
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis nonce store requires at least one address")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    addrs,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisStoreFromClient uses an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = "yar:nonce:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Check implements Store.
func (s *RedisStore) Check(ctx context.Context, keyIdentifier, nonce string) (bool, error) {
	added, err := s.client.SetNX(ctx, s.prefix+Key(keyIdentifier, nonce), 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: redis setnx: %v", ErrUnavailable, err)
	}
	return added, nil
}

// Ping verifies connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
