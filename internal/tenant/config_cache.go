package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"operative/pkg/types"

	"github.com/redis/go-redis/v9"
)

// PolicyCache caches loaded policies per tenant. Misses and backend failures both
// report found=false so callers fall through to the repository.
type PolicyCache interface {
	Get(ctx context.Context, tenantID string) (*types.TenantPolicy, bool)
	Set(ctx context.Context, p types.TenantPolicy)
	Invalidate(ctx context.Context, tenantID string)
}

type cacheEntry struct {
	value     types.TenantPolicy
	expiresAt time.Time
}

type inMemoryPolicyCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

// NewInMemoryPolicyCache creates a per-process policy cache with the given TTL.
func NewInMemoryPolicyCache(ttl time.Duration) PolicyCache {
	return &inMemoryPolicyCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
	}
}

func (c *inMemoryPolicyCache) Get(_ context.Context, tenantID string) (*types.TenantPolicy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, found := c.entries[tenantID]
	if !found || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	p := entry.value
	return &p, true
}

func (c *inMemoryPolicyCache) Set(_ context.Context, p types.TenantPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[p.TenantID] = cacheEntry{
		value:     p,
		expiresAt: time.Now().Add(c.ttl),
	}
}

func (c *inMemoryPolicyCache) Invalidate(_ context.Context, tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, tenantID)
}

const redisPolicyKeyPrefix = "operative:policy:"

type redisPolicyCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	onErr  func(op string, err error)
}

// NewRedisPolicyCache shares cached policies across gateway instances.
// onErr may be nil; it receives backend errors that were swallowed.
func NewRedisPolicyCache(client redis.UniversalClient, ttl time.Duration, onErr func(op string, err error)) PolicyCache {
	if onErr == nil {
		onErr = func(string, error) {}
	}
	return &redisPolicyCache{client: client, ttl: ttl, onErr: onErr}
}

func (c *redisPolicyCache) Get(ctx context.Context, tenantID string) (*types.TenantPolicy, bool) {
	raw, err := c.client.Get(ctx, redisPolicyKeyPrefix+tenantID).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.onErr("get", err)
		}
		return nil, false
	}
	var p types.TenantPolicy
	if err := json.Unmarshal(raw, &p); err != nil {
		c.onErr("decode", err)
		return nil, false
	}
	return &p, true
}

func (c *redisPolicyCache) Set(ctx context.Context, p types.TenantPolicy) {
	raw, err := json.Marshal(p)
	if err != nil {
		c.onErr("encode", err)
		return
	}
	if err := c.client.Set(ctx, redisPolicyKeyPrefix+p.TenantID, raw, c.ttl).Err(); err != nil {
		c.onErr("set", err)
	}
}

func (c *redisPolicyCache) Invalidate(ctx context.Context, tenantID string) {
	if err := c.client.Del(ctx, redisPolicyKeyPrefix+tenantID).Err(); err != nil {
		c.onErr("del", err)
	}
}
