package kv

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	rateWindow = time.Minute
	// Key expiry slightly outlives the window so idle projects clean up.
	rateKeyTTL = time.Minute + time.Second
)

func rateKey(projectID string) string {
	return "firewall:rate:" + projectID
}

func randomSuffix() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "0"
	}
	return hex.EncodeToString(b[:])
}

// AllowRate applies a sliding-window limit of `limit` requests per minute
// for a project, backed by a Redis sorted set of request timestamps. When
// the limit is hit, retryAfter says how long until the oldest entry ages
// out of the window. Redis failures fail open: blocking live traffic
// because the cache is down is worse than briefly exceeding the limit.
func (s *Store) AllowRate(ctx context.Context, projectID string, limit int) (allowed bool, retryAfter time.Duration) {
	now := time.Now()
	key := rateKey(projectID)
	windowStart := now.Add(-rateWindow)

	var count int64
	err := s.cb.Execute(ctx, func() error {
		pipe := s.client.TxPipeline()
		pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
		cardCmd := pipe.ZCard(ctx, key)
		if _, pipeErr := pipe.Exec(ctx); pipeErr != nil {
			return pipeErr
		}
		count = cardCmd.Val()
		return nil
	})
	if err != nil {
		s.logger.Warn("rate limiter unavailable, failing open",
			zap.String("project_id", projectID), zap.Error(err))
		return true, 0
	}

	if count >= int64(limit) {
		return false, s.retryAfter(ctx, key, now)
	}

	// A random suffix keeps two requests landing on the same nanosecond
	// from collapsing into one sorted-set member.
	member := fmt.Sprintf("%d-%s", now.UnixNano(), randomSuffix())

	err = s.cb.Execute(ctx, func() error {
		pipe := s.client.TxPipeline()
		pipe.ZAdd(ctx, key, &redis.Z{
			Score:  float64(now.UnixNano()),
			Member: member,
		})
		pipe.Expire(ctx, key, rateKeyTTL)
		_, pipeErr := pipe.Exec(ctx)
		return pipeErr
	})
	if err != nil {
		s.logger.Warn("rate limiter record failed, failing open",
			zap.String("project_id", projectID), zap.Error(err))
	}
	return true, 0
}

// retryAfter computes the wait until the oldest recorded request leaves
// the window, rounded up to a whole second for the Retry-After header.
func (s *Store) retryAfter(ctx context.Context, key string, now time.Time) time.Duration {
	var oldest []redis.Z
	err := s.cb.Execute(ctx, func() error {
		var zerr error
		oldest, zerr = s.client.ZRangeWithScores(ctx, key, 0, 0).Result()
		return zerr
	})
	if err != nil || len(oldest) == 0 {
		return rateWindow
	}
	wait := time.Unix(0, int64(oldest[0].Score)).Add(rateWindow).Sub(now)
	if wait < time.Second {
		return time.Second
	}
	return wait.Round(time.Second)
}
