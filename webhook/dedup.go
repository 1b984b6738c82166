package webhook

import (
	"context"
	"time"

	"github.com/go-redis/redis/v7"
	extErrors "github.com/pkg/errors"
)

// Providers deliver events at least once. Dedup keys live long enough to
// cover their retry window.
const dedupTTL = 72 * time.Hour

const dedupPrefix = "webhook/dedup/"

// Deduper reports whether an event id is seen for the first time.
// Subsequent deliveries of the same id are acknowledged without
// reprocessing.
type Deduper interface {
	FirstDelivery(ctx context.Context, eventID string) (bool, error)
}

// RedisDeduper tracks delivered event ids in redis
type RedisDeduper struct {
	redis redis.UniversalClient
}

func NewRedisDeduper(client redis.UniversalClient) (*RedisDeduper, error) {
	if client == nil {
		return nil, extErrors.New("nil redisClient is invalid")
	}
	return &RedisDeduper{redis: client}, nil
}

// FirstDelivery claims the event id with SETNX. The claim is not
// released when handling fails later.
func (d *RedisDeduper) FirstDelivery(ctx context.Context, eventID string) (bool, error) {
	return d.redis.SetNX(dedupPrefix+eventID, 1, dedupTTL).Result()
}
