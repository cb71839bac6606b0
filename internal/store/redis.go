package store

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/zhejian/url-shortener/registry/internal/model"
)

const maxTxRetries = 16

// RedisCollection stores the collection in a single redis string key.
// Update is an optimistic WATCH/MULTI transaction, so concurrent writers
// from different processes cannot lose each other's changes.
type RedisCollection struct {
	client *redis.Client
	key    string
}

// NewRedisCollection stores the collection under key
func NewRedisCollection(client *redis.Client, key string) *RedisCollection {
	if key == "" {
		key = DefaultKey
	}
	return &RedisCollection{client: client, key: key}
}

// LoadAll decodes the current collection
func (r *RedisCollection) LoadAll(ctx context.Context) ([]*model.LinkRecord, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return decode(data)
}

// SaveAll overwrites the collection unconditionally
func (r *RedisCollection) SaveAll(ctx context.Context, links []*model.LinkRecord) error {
	data, err := encode(links)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key, data, 0).Err()
}

// Update retries fn until its write commits without the key changing underneath
func (r *RedisCollection) Update(ctx context.Context, fn UpdateFunc) error {
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, r.key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		links, err := decode(data)
		if err != nil {
			return err
		}
		next, err := fn(links)
		if err != nil {
			return err
		}
		payload, err := encode(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.key, payload, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, r.key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

// Ping reports redis connectivity for health checks.
func (r *RedisCollection) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

var _ Collection = (*RedisCollection)(nil)
