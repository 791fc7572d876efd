// Package cache provides the in-memory, TTL-bounded price/balance cache
// (C4) the strategy runners read from. Grounded on the concurrent-map
// conventions used throughout the teacher's pkg/concurrency and
// internal/risk packages (a sync.RWMutex-guarded map, no generic cache
// library): this system's cache is small and narrow enough that pulling in
// a dedicated caching library would add indirection without value. An
// optional Redis mirror is layered on top for cross-process warm starts.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"gridbot/internal/core"
)

type priceEntry struct {
	price     decimal.Decimal
	expiresAt time.Time
}

type balanceEntry struct {
	bal       core.Balance
	expiresAt time.Time
}

// Cache is the in-memory implementation of core.Cache. Reads never touch
// Redis; writes are mirrored to Redis best-effort when configured.
type Cache struct {
	mu       sync.RWMutex
	prices   map[string]priceEntry
	balances map[string]balanceEntry
	ttl      time.Duration

	redis  *redis.Client
	logger core.Logger
}

// New builds an in-memory cache with the given default TTL. If redisURL is
// non-empty, writes are mirrored to that Redis instance.
func New(ttl time.Duration, redisURL string, logger core.Logger) *Cache {
	c := &Cache{
		prices:   make(map[string]priceEntry),
		balances: make(map[string]balanceEntry),
		ttl:      ttl,
		logger:   logger,
	}
	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			logger.Warn("invalid REDIS_URL, continuing without mirror", "error", err)
			return c
		}
		c.redis = redis.NewClient(opts)
	}
	return c
}

// SetPrice stores symbol's latest price, authoritative in memory
// immediately, mirrored to Redis on a best-effort basis.
func (c *Cache) SetPrice(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	c.prices[symbol] = priceEntry{price: price, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	c.mirror(context.Background(), "price:"+symbol, price.String())
}

// GetPrice returns symbol's cached price if present and not expired.
func (c *Cache) GetPrice(symbol string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.prices[symbol]
	if !ok || time.Now().After(e.expiresAt) {
		return decimal.Zero, false
	}
	return e.price, true
}

// SetBalance stores asset's latest free/locked balance.
func (c *Cache) SetBalance(asset string, bal core.Balance) {
	c.mu.Lock()
	c.balances[asset] = balanceEntry{bal: bal, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	if data, err := json.Marshal(bal); err == nil {
		c.mirror(context.Background(), "balance:"+asset, string(data))
	}
}

// GetBalance returns asset's cached balance if present and not expired.
func (c *Cache) GetBalance(asset string) (core.Balance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.balances[asset]
	if !ok || time.Now().After(e.expiresAt) {
		return core.Balance{}, false
	}
	return e.bal, true
}

// mirror writes key/value to Redis, logging but never surfacing failures:
// the mirror is a convenience for a second process or a warm restart, not
// a source of truth.
func (c *Cache) mirror(ctx context.Context, key, value string) {
	if c.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.redis.Set(ctx, key, value, c.ttl).Err(); err != nil {
		c.logger.Warn("redis mirror write failed", "key", key, "error", err)
	}
}
