package cache

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Namespaces partition the key space. Private key material is never cached.
const (
	NamespaceSBSMap   = "sbs_map"
	NamespaceTier     = "tier"
	NamespaceBundle   = "bundle"
	NamespaceCertMeta = "cert_meta"
)

// Key builds a canonical cache key from a namespace and its fields.
func Key(namespace string, fields ...string) string {
	return namespace + ":" + strings.Join(fields, ":")
}

// Cache is the two-tier store. The local tier is the fast path; the shared
// tier is optional and consulted within a bounded read budget. A shared-tier
// failure degrades to the authoritative source, never to a request failure.
type Cache struct {
	local        *Local
	shared       SharedTier // nil when running local-only
	sharedBudget time.Duration
}

// New assembles the cache. shared may be nil.
func New(local *Local, shared SharedTier, sharedBudget time.Duration) *Cache {
	if sharedBudget <= 0 {
		sharedBudget = 50 * time.Millisecond
	}
	return &Cache{local: local, shared: shared, sharedBudget: sharedBudget}
}

// Get checks the local tier first, then the shared tier within the read
// budget. A shared hit is written back locally with the remaining TTL unknown,
// so callers pass their namespace TTL via writeBackTTL.
func (c *Cache) Get(ctx context.Context, key string, writeBackTTL time.Duration) []byte {
	if v := c.local.Get(key); v != nil {
		return v
	}
	if c.shared == nil {
		return nil
	}

	budgetCtx, cancel := context.WithTimeout(ctx, c.sharedBudget)
	defer cancel()

	v, err := c.shared.Get(budgetCtx, key)
	if err != nil {
		slog.Debug("shared cache read failed", "key", key, "err", err)
		return nil
	}
	if v != nil && writeBackTTL > 0 {
		c.local.Set(key, v, writeBackTTL)
	}
	return v
}

// Set writes through both tiers. The shared write is best-effort.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	c.local.Set(key, value, ttl)
	if c.shared == nil {
		return
	}

	budgetCtx, cancel := context.WithTimeout(ctx, c.sharedBudget)
	defer cancel()
	if err := c.shared.Set(budgetCtx, key, value, ttl); err != nil {
		slog.Debug("shared cache write failed", "key", key, "err", err)
	}
}

// Invalidate drops the key from both tiers.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.local.Invalidate(key)
	if c.shared == nil {
		return
	}
	budgetCtx, cancel := context.WithTimeout(ctx, c.sharedBudget)
	defer cancel()
	if err := c.shared.Del(budgetCtx, key); err != nil {
		slog.Debug("shared cache delete failed", "key", key, "err", err)
	}
}

// Close releases the shared tier connection if one exists.
func (c *Cache) Close() error {
	if c.shared != nil {
		return c.shared.Close()
	}
	return nil
}
