package storage

import (
	"classmate/backend/internal/config"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// presenceKey returns the sorted set holding identity -> last heartbeat (ms).
func presenceKey(topic string) string {
	return fmt.Sprintf("presence-mirror:%s", topic)
}

// TouchPresence records a heartbeat for identity on topic.
func (s *Service) TouchPresence(ctx context.Context, topic, identity string, at time.Time) error {
	key := presenceKey(topic)

	pipe := s.Redis.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: identity})
	pipe.Expire(ctx, key, 2*config.PresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RemovePresence drops identity from topic.
func (s *Service) RemovePresence(ctx context.Context, topic, identity string) error {
	return s.Redis.ZRem(ctx, presenceKey(topic), identity).Err()
}

// OnlineIdentities returns identities with a heartbeat at or after since, and
// trims entries older than that.
func (s *Service) OnlineIdentities(ctx context.Context, topic string, since time.Time) ([]string, error) {
	key := presenceKey(topic)
	min := since.UnixMilli()

	if err := s.Redis.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(min, 10)).Err(); err != nil {
		return nil, err
	}
	return s.Redis.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(min, 10),
		Max: "+inf",
	}).Result()
}
