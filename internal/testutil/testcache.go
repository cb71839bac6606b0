package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	redisTC "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/zhejian/url-shortener/registry/internal/infra"
)

// Key patterns owned by the registry. CollectionKey matches store.DefaultKey;
// testutil cannot import store because store's own tests import testutil.
const (
	CollectionKey = "shortenedUrls"
	LinkCacheKeys = "url:*"
)

// TestCache is a throwaway Redis shared by the collection store, the link
// cache and the integration suite.
type TestCache struct {
	Client     *redis.Client
	ConnString string

	patterns  []string
	container *redisTC.RedisContainer
}

// SetupTestCache starts Redis. Cleanup removes keys matching patterns,
// or the collection and link cache keys when none are given.
func SetupTestCache(ctx context.Context, patterns ...string) (*TestCache, error) {
	if len(patterns) == 0 {
		patterns = []string{CollectionKey, LinkCacheKeys}
	}

	container, err := redisTC.Run(ctx,
		"redis:8-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("start redis: %w", err)
	}

	connString, err := container.ConnectionString(ctx)
	if err == nil {
		var client *redis.Client
		client, err = infra.NewCacheClient(ctx, connString)
		if err == nil {
			return &TestCache{
				Client:     client,
				ConnString: connString,
				patterns:   patterns,
				container:  container,
			}, nil
		}
	}

	if terr := container.Terminate(ctx); terr != nil {
		err = terr
	}
	return nil, err
}

// Keys lists the keys matching pattern, in no particular order
func (t *TestCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := t.Client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// Cleanup deletes the registry's keys so each test starts from an empty
// collection and a cold link cache.
func (t *TestCache) Cleanup(ctx context.Context) {
	if t == nil || t.Client == nil {
		return
	}
	for _, pattern := range t.patterns {
		keys, err := t.Keys(ctx, pattern)
		if err != nil || len(keys) == 0 {
			continue
		}
		t.Client.Del(ctx, keys...)
	}
}

// Teardown closes connections and terminates container
func (t *TestCache) Teardown(ctx context.Context) {
	if t.Client != nil {
		t.Client.Close()
	}
	if t.container != nil {
		if err := t.container.Terminate(ctx); err != nil {
			return
		}
	}
}
