// Copyright 2025 AegisGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package feature

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"aegisgate/gateway/shared/logger"
)

// RateLimiter enforces per-feature request-per-minute caps with a Redis
// sliding window. Redis failures fail open: governance must not take the
// gateway down with the cache.
type RateLimiter struct {
	client *redis.Client
	log    *logger.Logger
	now    func() time.Time
}

// NewRateLimiter wraps a Redis client. A nil client disables limiting.
func NewRateLimiter(client *redis.Client, log *logger.Logger) *RateLimiter {
	return &RateLimiter{client: client, log: log, now: time.Now}
}

// Allow checks the sliding one-minute window for (app, feature) against the
// cap and records the current request. limitPerMinute <= 0 means unlimited.
func (rl *RateLimiter) Allow(ctx context.Context, appID, featureID string, limitPerMinute int) (bool, error) {
	if limitPerMinute <= 0 || rl.client == nil {
		return true, nil
	}

	now := rl.now()
	key := fmt.Sprintf("rate_limit:%s:%s", appID, featureID)

	pipe := rl.client.Pipeline()

	// Drop timestamps that fell out of the window, count what remains,
	// then record this request.
	minScore := now.Add(-time.Minute).UnixNano()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", minScore))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, key, 2*time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		if rl.log != nil {
			rl.log.Warn(appID, "", fmt.Sprintf(
				"redis rate limit check failed for %s, failing open: %v", key, err), nil)
		}
		return true, nil
	}

	// Over the cap is a definite answer, not an error: errors mean the
	// limiter itself failed and the caller should fail open.
	if countCmd.Val() >= int64(limitPerMinute) {
		return false, nil
	}
	return true, nil
}
