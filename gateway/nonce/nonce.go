// Package nonce records (key identifier, nonce) pairs so a signed request can
// only be accepted once within the replay window. Every backend performs the
// check and the record as one atomic operation.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"yar/observability"
)

const (
	// DefaultTTL is how long a recorded nonce is remembered.
	DefaultTTL = 5 * time.Minute
	// DefaultTimeout bounds a single round trip to the backing store.
	DefaultTimeout = time.Second
)

// ErrUnavailable is wrapped by every error that means the store could not
// answer. It is never a replay verdict.
var ErrUnavailable = errors.New("nonce store unavailable")

// Store atomically records a nonce and reports whether it was unseen.
type Store interface {
	Check(ctx context.Context, keyIdentifier, nonce string) (bool, error)
}

// Key is the cache key for a pair.
func Key(keyIdentifier, nonce string) string {
	return keyIdentifier + "-" + nonce
}

// Guard applies a per-call timeout to a Store and normalises its failures.
type Guard struct {
	store   Store
	backend string
	timeout time.Duration
}

// NewGuard wraps store. A non-positive timeout uses DefaultTimeout.
func NewGuard(store Store, timeout time.Duration) *Guard {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Guard{store: store, backend: backendName(store), timeout: timeout}
}

func backendName(store Store) string {
	switch store.(type) {
	case *MemoryStore:
		return "memory"
	case *RedisStore:
		return "redis"
	case *LevelDBStore:
		return "leveldb"
	default:
		return "custom"
	}
}

// Check records the pair, returning true on first use. The pair is recorded
// before the caller continues, so a request that later fails or times out has
// still consumed its nonce.
func (g *Guard) Check(ctx context.Context, keyIdentifier, nonce string) (bool, error) {
	if g == nil || g.store == nil {
		return false, fmt.Errorf("%w: no store configured", ErrUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	start := time.Now()
	firstUse, err := g.store.Check(ctx, keyIdentifier, nonce)
	observability.Dependencies().ObserveNonceCheck(g.backend, firstUse, err, time.Since(start))
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return false, err
		}
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return firstUse, nil
}
