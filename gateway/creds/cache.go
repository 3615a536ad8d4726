package creds

import (
	"context"
	"sync"
	"time"

	"yar/gateway/auth"
	"yar/observability"
)

// CachingResolver remembers successful lookups for a short TTL. Misses and
// errors are never cached, so a newly created credential is usable at once and
// a soft delete takes effect within one TTL.
type CachingResolver struct {
	next  auth.CredentialResolver
	ttl   time.Duration
	nowFn func() time.Time

	mu      sync.Mutex
	entries map[string]cachedCredential
}

type cachedCredential struct {
	cred    auth.Credential
	expires time.Time
}

// NewCachingResolver wraps next. A non-positive ttl disables caching and
// returns next unchanged.
func NewCachingResolver(next auth.CredentialResolver, ttl time.Duration, nowFn func() time.Time) auth.CredentialResolver {
	if ttl <= 0 {
		return next
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &CachingResolver{next: next, ttl: ttl, nowFn: nowFn, entries: make(map[string]cachedCredential)}
}

// Fetch implements auth.CredentialResolver.
func (c *CachingResolver) Fetch(ctx context.Context, id string) (auth.Credential, bool, error) {
	now := c.nowFn()
	c.mu.Lock()
	entry, ok := c.entries[id]
	if ok && now.Before(entry.expires) {
		c.mu.Unlock()
		observability.Dependencies().RecordCacheHit()
		return entry.cred, true, nil
	}
	if ok {
		delete(c.entries, id)
	}
	size := len(c.entries)
	c.mu.Unlock()
	observability.Dependencies().SetCacheEntries(size)

	cred, found, err := c.next.Fetch(ctx, id)
	if err != nil || !found || cred.IsDeleted {
		return cred, found, err
	}
	c.mu.Lock()
	c.entries[id] = cachedCredential{cred: cred, expires: now.Add(c.ttl)}
	size = len(c.entries)
	c.mu.Unlock()
	observability.Dependencies().SetCacheEntries(size)
	return cred, true, nil
}
