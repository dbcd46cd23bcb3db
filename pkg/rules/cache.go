package rules

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// InvalidateChannel is the pub/sub channel other processes listen on to drop
// their rule caches after a seed or rule write.
const InvalidateChannel = "aegis.rules.invalidate"

// DefaultCacheTTL bounds staleness when no invalidation reaches a process.
const DefaultCacheTTL = 30 * time.Second

type cachedRules struct {
	rules    []Rule
	loadedAt time.Time
}

// Cache is a read-mostly rule cache over a Store. Writes pass through and
// invalidate; when a Redis client is attached the invalidation fans out
// across processes via pub/sub.
type Cache struct {
	inner  Store
	ttl    time.Duration
	rdb    *redis.Client
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]cachedRules

	cancel context.CancelFunc
}

// NewCache wraps a store. rdb may be nil for single-process deployments.
func NewCache(inner Store, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		inner:   inner,
		ttl:     ttl,
		rdb:     rdb,
		logger:  logger.With("component", "rule_cache"),
		entries: make(map[string]cachedRules),
	}
	if rdb != nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		go c.listen(ctx)
	}
	return c
}

// Load implements Store with a per-tenant cached read.
func (c *Cache) Load(ctx context.Context, tenantID *string) ([]Rule, error) {
	key := ""
	if tenantID != nil {
		key = *tenantID
	}

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && time.Since(entry.loadedAt) < c.ttl {
		return entry.rules, nil
	}

	rules, err := c.inner.Load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[key] = cachedRules{rules: rules, loadedAt: time.Now()}
	c.mu.Unlock()
	return rules, nil
}

// Upsert implements Store; the write invalidates every cached tenant set
// because global rules are visible to all of them.
func (c *Cache) Upsert(ctx context.Context, r Rule) error {
	if err := c.inner.Upsert(ctx, r); err != nil {
		return err
	}
	return c.Invalidate(ctx)
}

// Invalidate drops the local cache and, when Redis is attached, broadcasts
// the invalidation to peer processes.
func (c *Cache) Invalidate(ctx context.Context) error {
	c.dropLocal()
	if c.rdb == nil {
		return nil
	}
	if err := c.rdb.Publish(ctx, InvalidateChannel, "reload").Err(); err != nil {
		c.logger.Warn("invalidation publish failed", "error", err)
		return err
	}
	return nil
}

// Close stops the pub/sub listener.
func (c *Cache) Close() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Cache) dropLocal() {
	c.mu.Lock()
	c.entries = make(map[string]cachedRules)
	c.mu.Unlock()
}

func (c *Cache) listen(ctx context.Context) {
	sub := c.rdb.Subscribe(ctx, InvalidateChannel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.logger.Debug("rule cache invalidated", "payload", msg.Payload)
			c.dropLocal()
		}
	}
}
