// Copyright 2025 AgentGate
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

package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"agentgate/platform/shared/logger"
)

// Key TTLs. Day keys stay around one extra day for late reads; run keys
// expire after the longest plausible run.
const (
	redisDayTTL = 48 * time.Hour
	redisRunTTL = 24 * time.Hour
)

// RedisMeters is the multi-instance MeterStore: counters live in Redis
// keyed by UTC day and run id, so several gateway instances share one set
// of caps. Day rollover is implicit, each day writes under its own key.
//
// Redis errors fail open: a snapshot read that fails returns zero counters
// (the call is allowed) and a failed increment is logged and dropped. An
// unreachable meter backend must degrade enforcement, not availability.
type RedisMeters struct {
	client *redis.Client
	log    *logger.Logger
	now    func() time.Time
}

// NewRedisMeters connects to Redis and verifies the connection.
func NewRedisMeters(redisURL string) (*RedisMeters, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisMeters{
		client: client,
		log:    logger.New("redis-meters"),
		now:    time.Now,
	}, nil
}

func (r *RedisMeters) dayKey(kind string) string {
	return fmt.Sprintf("meters:day:%s:%s", utcDay(r.now()), kind)
}

func (r *RedisMeters) runKey(runID, kind string) string {
	return fmt.Sprintf("meters:run:%s:%s", runID, kind)
}

// Snapshot implements MeterStore.
func (r *RedisMeters) Snapshot(ctx context.Context, runID string) MeterSnapshot {
	snap := MeterSnapshot{Day: utcDay(r.now())}

	pipe := r.client.Pipeline()
	spend := pipe.Get(ctx, r.dayKey("spend"))
	calls := pipe.Get(ctx, r.dayKey("calls"))
	runCalls := pipe.Get(ctx, r.runKey(runID, "calls"))
	runFails := pipe.Get(ctx, r.runKey(runID, "failures"))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		r.log.Warn("", runID, "meter snapshot failed, failing open", map[string]interface{}{
			"error": err.Error(),
		})
		return snap
	}

	if v, err := spend.Float64(); err == nil {
		snap.USDSpent = v
	}
	if v, err := calls.Int(); err == nil {
		snap.DayCalls = v
	}
	if v, err := runCalls.Int(); err == nil {
		snap.RunCalls = v
	}
	if v, err := runFails.Int(); err == nil {
		snap.RunFailures = v
	}
	return snap
}

// RecordSuccess implements MeterStore.
func (r *RedisMeters) RecordSuccess(ctx context.Context, runID string, costUSD float64) {
	pipe := r.client.Pipeline()
	pipe.IncrByFloat(ctx, r.dayKey("spend"), costUSD)
	pipe.Incr(ctx, r.dayKey("calls"))
	pipe.Incr(ctx, r.runKey(runID, "calls"))
	pipe.Expire(ctx, r.dayKey("spend"), redisDayTTL)
	pipe.Expire(ctx, r.dayKey("calls"), redisDayTTL)
	pipe.Expire(ctx, r.runKey(runID, "calls"), redisRunTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Warn("", runID, "failed to record success in meters", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// RecordFailure implements MeterStore.
func (r *RedisMeters) RecordFailure(ctx context.Context, runID string) {
	pipe := r.client.Pipeline()
	pipe.Incr(ctx, r.runKey(runID, "failures"))
	pipe.Expire(ctx, r.runKey(runID, "failures"), redisRunTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Warn("", runID, "failed to record failure in meters", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// Close releases the Redis connection.
func (r *RedisMeters) Close() error {
	return r.client.Close()
}

var _ MeterStore = (*RedisMeters)(nil)
