// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"researchmesh/core/credentials"
	"researchmesh/core/shared/logger"
)

// RedisLimiter is the multi-replica Limiter. Events live in one sorted
// set per credential, scored by unix nanos, so every replica sees the
// same sliding windows. A local mutex stripe still serializes writers
// within a process; cross-process writers rely on the purge-then-count
// pipeline being close enough to atomic for quota purposes.
type RedisLimiter struct {
	client *redis.Client

	mu      sync.Mutex
	stripes map[uuid.UUID]*sync.Mutex

	thresholds Thresholds
	alerts     alertLog
	log        *logger.Logger
	now        func() time.Time
}

// NewRedisLimiter connects to Redis and verifies the connection.
func NewRedisLimiter(redisURL string) (*RedisLimiter, error) {
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

	return newRedisLimiter(client), nil
}

// NewRedisLimiterWithClient wraps an existing client (used by tests).
func NewRedisLimiterWithClient(client *redis.Client) *RedisLimiter {
	return newRedisLimiter(client)
}

func newRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{
		client:     client,
		stripes:    make(map[uuid.UUID]*sync.Mutex),
		thresholds: DefaultThresholds(),
		log:        logger.New("rate-limiter-redis"),
		now:        time.Now,
	}
}

func (l *RedisLimiter) stripe(id uuid.UUID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.stripes[id]
	if !ok {
		m = &sync.Mutex{}
		l.stripes[id] = m
	}
	return m
}

func quotaKey(id uuid.UUID) string {
	return fmt.Sprintf("ratelimit:%s", id)
}

func (l *RedisLimiter) CheckAndReserve(ctx context.Context, cred *credentials.Credential, cost int) (Decision, error) {
	if cost <= 0 {
		cost = 1
	}

	m := l.stripe(cred.ID)
	m.Lock()
	defer m.Unlock()

	now := l.now()
	key := quotaKey(cred.ID)

	// Purge anything older than the widest window, then count each window.
	pipe := l.client.Pipeline()
	dayCutoff := now.Add(-GranularityDay.Duration()).UnixNano()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", dayCutoff))
	counts := make(map[Granularity]*redis.IntCmd, len(granularities))
	for _, g := range granularities {
		cutoff := now.Add(-g.Duration()).UnixNano()
		counts[g] = pipe.ZCount(ctx, key, fmt.Sprintf("%d", cutoff), "+inf")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("quota check failed: %w", err)
	}

	denied := Decision{Allowed: true}
	for _, g := range granularities {
		limit := limitFor(cred.Limits, g)
		if limit == nil {
			continue
		}
		count := int(counts[g].Val())
		if count+cost <= *limit {
			continue
		}

		retryAfter, err := l.retryAfter(ctx, key, now, g, count+cost-*limit)
		if err != nil {
			return Decision{}, err
		}
		if !denied.Allowed && retryAfter <= denied.RetryAfter {
			continue
		}
		denied = Decision{Allowed: false, RetryAfter: retryAfter, Granularity: g}
	}
	if !denied.Allowed {
		return denied, nil
	}

	add := l.client.Pipeline()
	for i := 0; i < cost; i++ {
		add.ZAdd(ctx, key, &redis.Z{
			Score:  float64(now.UnixNano()),
			Member: fmt.Sprintf("%d-%d", now.UnixNano(), i),
		})
	}
	add.Expire(ctx, key, GranularityDay.Duration()+time.Hour)
	if _, err := add.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("quota reserve failed: %w", err)
	}

	l.checkThresholds(ctx, cred, now)
	return Decision{Allowed: true}, nil
}

// retryAfter finds when the needed-th oldest event in the window expires.
func (l *RedisLimiter) retryAfter(ctx context.Context, key string, now time.Time, g Granularity, needed int) (time.Duration, error) {
	cutoff := now.Add(-g.Duration()).UnixNano()
	scores, err := l.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min:   fmt.Sprintf("%d", cutoff),
		Max:   "+inf",
		Count: int64(needed),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("quota retry lookup failed: %w", err)
	}
	if len(scores) == 0 {
		return 0, nil
	}
	idx := needed - 1
	if idx >= len(scores) {
		idx = len(scores) - 1
	}
	oldest := time.Unix(0, int64(scores[idx].Score))
	return oldest.Add(g.Duration()).Sub(now), nil
}

func (l *RedisLimiter) Release(ctx context.Context, credID uuid.UUID, cost int) error {
	if cost <= 0 {
		cost = 1
	}
	m := l.stripe(credID)
	m.Lock()
	defer m.Unlock()

	// Drop the newest events: those are the reservation being refunded.
	if err := l.client.ZRemRangeByRank(ctx, quotaKey(credID), int64(-cost), -1).Err(); err != nil {
		return fmt.Errorf("quota release failed: %w", err)
	}
	return nil
}

func (l *RedisLimiter) RecordUsage(ctx context.Context, credID uuid.UUID, reserved, observed int) error {
	delta := observed - reserved
	if delta == 0 {
		return nil
	}
	if delta < 0 {
		return l.Release(ctx, credID, -delta)
	}

	m := l.stripe(credID)
	m.Lock()
	defer m.Unlock()

	now := l.now()
	pipe := l.client.Pipeline()
	for i := 0; i < delta; i++ {
		pipe.ZAdd(ctx, quotaKey(credID), &redis.Z{
			Score:  float64(now.UnixNano()),
			Member: fmt.Sprintf("%d-u%d", now.UnixNano(), i),
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("quota usage record failed: %w", err)
	}
	return nil
}

func (l *RedisLimiter) Headroom(ctx context.Context, cred *credentials.Credential) (float64, error) {
	now := l.now()
	key := quotaKey(cred.ID)

	headroom := 1.0
	limited := false
	for _, g := range granularities {
		limit := limitFor(cred.Limits, g)
		if limit == nil || *limit == 0 {
			continue
		}
		limited = true
		cutoff := now.Add(-g.Duration()).UnixNano()
		count, err := l.client.ZCount(ctx, key, fmt.Sprintf("%d", cutoff), "+inf").Result()
		if err != nil {
			return 0, fmt.Errorf("quota headroom lookup failed: %w", err)
		}
		free := float64(*limit-int(count)) / float64(*limit)
		if free < headroom {
			headroom = free
		}
	}
	if !limited {
		return 1.0, nil
	}
	if headroom < 0 {
		headroom = 0
	}
	return headroom, nil
}

func (l *RedisLimiter) checkThresholds(ctx context.Context, cred *credentials.Credential, now time.Time) {
	key := quotaKey(cred.ID)
	for _, g := range granularities {
		limit := limitFor(cred.Limits, g)
		if limit == nil || *limit == 0 {
			continue
		}
		cutoff := now.Add(-g.Duration()).UnixNano()
		count, err := l.client.ZCount(ctx, key, fmt.Sprintf("%d", cutoff), "+inf").Result()
		if err != nil {
			continue
		}
		utilization := float64(count) / float64(*limit)

		var level AlertLevel
		switch {
		case utilization >= l.thresholds.Emergency:
			level = AlertEmergency
		case utilization >= l.thresholds.Warning:
			level = AlertWarning
		default:
			continue
		}

		l.alerts.add(Alert{
			CredentialID: cred.ID,
			Provider:     cred.Provider,
			Granularity:  g,
			Level:        level,
			Utilization:  utilization,
			At:           now,
		})
	}
}

// Alerts returns the retained threshold alerts, oldest first.
func (l *RedisLimiter) Alerts() []Alert {
	return l.alerts.snapshot()
}
