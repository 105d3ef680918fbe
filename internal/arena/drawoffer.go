package arena

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const drawOfferKeyPrefix = "arena:draw:"

// RedisDrawOffers keeps the pending draw offer per game in redis with
// a TTL, so an ignored offer expires on its own.
type RedisDrawOffers struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisDrawOffers(rdb *redis.Client, ttl time.Duration) *RedisDrawOffers {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisDrawOffers{rdb: rdb, ttl: ttl}
}

func (d *RedisDrawOffers) Offer(ctx context.Context, gameID, playerID string) error {
	return d.rdb.Set(ctx, drawOfferKeyPrefix+gameID, playerID, d.ttl).Err()
}

func (d *RedisDrawOffers) Outstanding(ctx context.Context, gameID string) (string, error) {
	val, err := d.rdb.Get(ctx, drawOfferKeyPrefix+gameID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (d *RedisDrawOffers) Clear(ctx context.Context, gameID string) error {
	return d.rdb.Del(ctx, drawOfferKeyPrefix+gameID).Err()
}
