package router

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/hshk99/autopack/internal/errors"
	"github.com/hshk99/autopack/pkg/domain"
)

// RedisQuotaChecker tracks per-(category, model) call counts in Redis with
// a fixed per-window INCR+EXPIRE, so quota state survives process restart
// and is shared across a multi-process deployment.
type RedisQuotaChecker struct {
	client *redis.Client
	limit  int64
	window string
}

// NewRedisQuotaChecker builds a checker allowing up to limit calls per
// (category, model) per hour.
func NewRedisQuotaChecker(client *redis.Client, limit int64) *RedisQuotaChecker {
	return &RedisQuotaChecker{client: client, limit: limit}
}

func quotaKey(category domain.Category, modelID string) string {
	return fmt.Sprintf("autopack:quota:%s:%s", category, modelID)
}

// Allow increments the call count for (category, model) and reports
// whether the post-increment count is within limit.
func (r *RedisQuotaChecker) Allow(ctx context.Context, category domain.Category, modelID string) (bool, error) {
	key := quotaKey(category, modelID)
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "quota incr failed")
	}
	if count == 1 {
		if err := r.client.Expire(ctx, key, quotaWindow).Err(); err != nil {
			return false, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "quota expire failed")
		}
	}
	return count <= r.limit, nil
}
