package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zhejian/url-shortener/registry/internal/model"
	"golang.org/x/sync/singleflight"
)

const notFoundSentinel = "__NOT_FOUND__"

// CachedURLRepository puts a redis cache-aside layer in front of another repository.
// Redis failures degrade to the backing repository and are never returned.
// Concurrent misses for the same code share one backing lookup.
type CachedURLRepository struct {
	db    LinkRepository
	cache *redis.Client
	ttl   time.Duration
	group singleflight.Group
}

// NewCachedURLRepository wraps db. A nil cache disables caching.
func NewCachedURLRepository(db LinkRepository, cache *redis.Client, ttl time.Duration) *CachedURLRepository {
	return &CachedURLRepository{db: db, cache: cache, ttl: ttl}
}

func cacheKey(code string) string {
	return fmt.Sprintf("url:%s", code)
}

// GetByCode with cache-aside pattern
func (r *CachedURLRepository) GetByCode(ctx context.Context, code string) (*model.LinkRecord, error) {
	key := cacheKey(code)

	// 1. Try cache first
	if r.cache != nil {
		cached, err := r.cache.Get(ctx, key).Result()
		if err == nil {
			if cached == notFoundSentinel {
				return nil, ErrNotFound
			}
			var link model.LinkRecord
			if jsonErr := json.Unmarshal([]byte(cached), &link); jsonErr == nil {
				return &link, nil
			}
		}
	}

	// 2. Query the backing repository, once per code across concurrent callers
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		link, err := r.db.GetByCode(ctx, code)
		if err != nil {
			if errors.Is(err, ErrNotFound) && r.cache != nil {
				r.cache.Set(ctx, key, notFoundSentinel, r.ttl)
			}
			return nil, err
		}

		// 3. Store in cache
		if r.cache != nil {
			if data, err := json.Marshal(link); err == nil {
				r.cache.Set(ctx, key, data, r.ttl)
			}
		}
		return link, nil
	})
	if err != nil {
		return nil, err
	}

	// Shared results are copied so callers never alias one clicks slice
	return v.(*model.LinkRecord).Clone(), nil
}

// Create writes through, replacing any negative entry for the code
func (r *CachedURLRepository) Create(ctx context.Context, link *model.LinkRecord) error {
	if err := r.db.Create(ctx, link); err != nil {
		return err
	}
	if r.cache != nil {
		data, err := json.Marshal(link)
		if err != nil {
			r.invalidate(ctx, link.ShortCode)
			return nil
		}
		if err := r.cache.Set(ctx, cacheKey(link.ShortCode), data, r.ttl).Err(); err != nil {
			r.invalidate(ctx, link.ShortCode)
		}
	}
	return nil
}

// List is not cached; the stats view needs every click.
func (r *CachedURLRepository) List(ctx context.Context) ([]*model.LinkRecord, error) {
	return r.db.List(ctx)
}

// AppendClick records the click and evicts the stale cached record
func (r *CachedURLRepository) AppendClick(ctx context.Context, code string, click model.ClickEvent) error {
	if err := r.db.AppendClick(ctx, code, click); err != nil {
		return err
	}
	r.invalidate(ctx, code)
	return nil
}

// Ping reports cache connectivity for health checks.
func (r *CachedURLRepository) Ping(ctx context.Context) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Ping(ctx).Err()
}

func (r *CachedURLRepository) invalidate(ctx context.Context, code string) {
	if r.cache != nil {
		r.cache.Del(ctx, cacheKey(code))
	}
}

var _ LinkRepository = (*CachedURLRepository)(nil)
