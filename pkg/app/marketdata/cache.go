package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/uhyunpark/estatex/pkg/app/core"
)

// Cache holds computed snapshots by instrument.
type Cache interface {
	Get(ctx context.Context, instrument string) (*core.MarketData, bool, error)
	Set(ctx context.Context, md *core.MarketData) error
}

// LRUCache is an in-process cache with per-entry expiry.
type LRUCache struct {
	lru *expirable.LRU[string, *core.MarketData]
}

func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	return &LRUCache{lru: expirable.NewLRU[string, *core.MarketData](size, nil, ttl)}
}

func (c *LRUCache) Get(_ context.Context, instrument string) (*core.MarketData, bool, error) {
	md, ok := c.lru.Get(instrument)
	return md, ok, nil
}

func (c *LRUCache) Set(_ context.Context, md *core.MarketData) error {
	c.lru.Add(md.Instrument, md)
	return nil
}

// RedisCache shares snapshots between nodes as JSON values with a TTL.
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCache connects to addr and checks the connection.
func NewRedisCache(ctx context.Context, addr string, ttl time.Duration) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisCacheWithClient(rdb, ttl), nil
}

func NewRedisCacheWithClient(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl, prefix: "estatex:marketdata:"}
}

func (c *RedisCache) Get(ctx context.Context, instrument string) (*core.MarketData, bool, error) {
	raw, err := c.rdb.Get(ctx, c.prefix+instrument).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var md core.MarketData
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, false, fmt.Errorf("corrupt market data for %s: %w", instrument, err)
	}
	return &md, true, nil
}

func (c *RedisCache) Set(ctx context.Context, md *core.MarketData) error {
	raw, err := json.Marshal(md)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.prefix+md.Instrument, raw, c.ttl).Err()
}

func (c *RedisCache) Close() error { return c.rdb.Close() }
