package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// ErrCacheMiss is returned by Cache.Get when the key is absent.
var ErrCacheMiss = errors.New("cache miss")

// Reader is anything that can resolve a product by id.
type Reader interface {
	Get(ctx context.Context, id string) (*Product, error)
}

// RedisCache stores product JSON under product:<id>.
type RedisCache struct {
	client  *redis.Client
	baseTTL time.Duration
}

func NewRedisCache(client *redis.Client, baseTTL time.Duration) *RedisCache {
	return &RedisCache{client: client, baseTTL: baseTTL}
}

func (r *RedisCache) Get(ctx context.Context, id string) (*Product, error) {
	data, err := r.client.Get(ctx, cacheKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	var p Product
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal product failed: %w", err)
	}
	return &p, nil
}

func (r *RedisCache) Set(ctx context.Context, p *Product) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal product failed: %w", err)
	}
	// spread expiry so a bulk load does not expire all at once
	ttl := r.baseTTL + time.Duration(rand.Int63n(int64(r.baseTTL/5)+1))
	if err := r.client.Set(ctx, cacheKey(p.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, cacheKey(id)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func cacheKey(id string) string {
	return fmt.Sprintf("product:%s", id)
}

// CachedReader is a read-through cache in front of the product store. It
// serves browsing and cart reads; checkout pricing reads the store directly.
type CachedReader struct {
	store Reader
	cache *RedisCache
	sfg   singleflight.Group
}

func NewCachedReader(store Reader, cache *RedisCache) *CachedReader {
	return &CachedReader{store: store, cache: cache}
}

func (c *CachedReader) Get(ctx context.Context, id string) (*Product, error) {
	v, err, _ := c.sfg.Do(id, func() (interface{}, error) {
		p, err := c.cache.Get(ctx, id)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			log.Printf("[catalog] cache get error id=%s: %v", id, err)
		}

		p, err = c.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := c.cache.Set(ctx, p); err != nil {
			log.Printf("[catalog] cache set error id=%s: %v", id, err)
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Product), nil
}
