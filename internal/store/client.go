// Package store persists canonical market state into the shared Redis
// store: one hash per market, probability records keyed by descriptor,
// and an append-only discovery event stream.
package store

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// HashWrite is one full-hash update; Fields alternates name, value.
type HashWrite struct {
	Key    string
	Fields []any
}

// RedisClient is the narrow store surface the writer needs. Production
// code wraps *redis.Client; tests supply a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
	// TxHSet applies several hash writes in one MULTI/EXEC so related
	// keys never expose a partial update.
	TxHSet(ctx context.Context, writes []HashWrite) error
	XAdd(ctx context.Context, stream string, values map[string]any) error
}

// goRedisClient adapts *redis.Client to the RedisClient interface.
type goRedisClient struct {
	rdb *redis.Client
}

func NewRedisClient(rdb *redis.Client) RedisClient {
	return &goRedisClient{rdb: rdb}
}

func (c *goRedisClient) HSet(ctx context.Context, key string, values ...any) error {
	return c.rdb.HSet(ctx, key, values...).Err()
}

func (c *goRedisClient) TxHSet(ctx context.Context, writes []HashWrite) error {
	pipe := c.rdb.TxPipeline()
	for _, w := range writes {
		pipe.HSet(ctx, w.Key, w.Fields...)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (c *goRedisClient) XAdd(ctx context.Context, stream string, values map[string]any) error {
	return c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Err()
}
