package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache keeps item master data in Redis to spare the hot allocation
// path a lookup per request. Only master data is cached here; lot
// availability is always read inside the allocating transaction.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache constructs the cache wrapper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}
}

func itemKey(id int64) string {
	return fmt.Sprintf("catalog:item:%d", id)
}

// GetItem returns the cached item, ok=false on miss or error.
func (c *Cache) GetItem(ctx context.Context, id int64) (Item, bool) {
	if c == nil || c.client == nil {
		return Item{}, false
	}
	raw, err := c.client.Get(ctx, itemKey(id)).Bytes()
	if err != nil {
		return Item{}, false
	}
	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return Item{}, false
	}
	return item, true
}

// SetItem stores an item with the configured TTL.
func (c *Cache) SetItem(ctx context.Context, item Item) {
	if c == nil || c.client == nil || item.ID == 0 {
		return
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, itemKey(item.ID), raw, c.ttl).Err()
}

// Invalidate drops a cached item after an update.
func (c *Cache) Invalidate(ctx context.Context, id int64) {
	if c == nil || c.client == nil {
		return
	}
	_ = c.client.Del(ctx, itemKey(id)).Err()
}
