package outside

import (
	"context"

	"github.com/go-redis/redis/v8"
)

// RedisSink translates components to a Redis database: key is the
// cube/field path, value is the plain stringified reading.
type RedisSink struct {
	db  *redis.Client
	ctx context.Context
}

// NewRedisSink connects to the Redis instance at address.
func NewRedisSink(address string) *RedisSink {
	return &RedisSink{
		db:  redis.NewClient(&redis.Options{Addr: address}),
		ctx: context.Background(),
	}
}

func (r *RedisSink) UpdateComponent(key, value string) {
	r.db.Set(r.ctx, key, value, 0)
}

// RegisterWritableComponent has no Redis-side equivalent of a
// subscriber channel for plain keys, so it returns nil; only MQTTSink
// returns a live channel.
func (r *RedisSink) RegisterWritableComponent(key string) <-chan SubMessage {
	return nil
}
