// Package cache は出品一覧の読み取りキャッシュを提供する。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/carmarket/internal/model"
)

// allListingsKey は全件一覧（createdAt降順）のキャッシュキー。
const allListingsKey = "carmarket:listings:all"

// ListingCache は全件一覧のキャッシュインターフェース。
type ListingCache interface {
	// GetAll はキャッシュ済み一覧を返す。キャッシュがない場合はfalseを返す。
	GetAll(ctx context.Context) ([]model.Listing, bool, error)
	// SetAll は一覧をキャッシュする。
	SetAll(ctx context.Context, listings []model.Listing) error
	// Invalidate はキャッシュを破棄する。
	Invalidate(ctx context.Context) error
}

// NewRedisClient はRedisクライアントを生成し、疎通を確認する。
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis %s: %w", addr, err)
	}
	return client, nil
}

// RedisListingCache はRedisを使用したListingCacheの実装。
type RedisListingCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisListingCache はRedisListingCacheを生成する。
func NewRedisListingCache(client redis.Cmdable, ttl time.Duration) *RedisListingCache {
	return &RedisListingCache{client: client, ttl: ttl}
}

// GetAll はキャッシュ済み一覧を返す。
func (c *RedisListingCache) GetAll(ctx context.Context) ([]model.Listing, bool, error) {
	data, err := c.client.Get(ctx, allListingsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read listing cache: %w", err)
	}

	var listings []model.Listing
	if err := json.Unmarshal(data, &listings); err != nil {
		return nil, false, fmt.Errorf("failed to decode listing cache: %w", err)
	}
	return listings, true, nil
}

// SetAll は一覧をTTL付きでキャッシュする。
func (c *RedisListingCache) SetAll(ctx context.Context, listings []model.Listing) error {
	if listings == nil {
		listings = []model.Listing{}
	}
	data, err := json.Marshal(listings)
	if err != nil {
		return fmt.Errorf("failed to encode listing cache: %w", err)
	}
	if err := c.client.Set(ctx, allListingsKey, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write listing cache: %w", err)
	}
	return nil
}

// Invalidate はキャッシュを破棄する。
func (c *RedisListingCache) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, allListingsKey).Err(); err != nil {
		return fmt.Errorf("failed to invalidate listing cache: %w", err)
	}
	return nil
}

// NopListingCache は何もキャッシュしない実装。REDIS_ADDR未設定時に使う。
type NopListingCache struct{}

// GetAll は常にキャッシュなしを返す。
func (NopListingCache) GetAll(context.Context) ([]model.Listing, bool, error) { return nil, false, nil }

// SetAll は何もしない。
func (NopListingCache) SetAll(context.Context, []model.Listing) error { return nil }

// Invalidate は何もしない。
func (NopListingCache) Invalidate(context.Context) error { return nil }

// compile-time interface check
var (
	_ ListingCache = (*RedisListingCache)(nil)
	_ ListingCache = NopListingCache{}
)
