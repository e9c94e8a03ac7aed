// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"researchmesh/core/credentials"
)

func newRedisTestLimiter(t *testing.T) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLimiterWithClient(client), mr
}

func TestRedisReserveAndDeny(t *testing.T) {
	l, _ := newRedisTestLimiter(t)
	cred := testCredential(credentials.Limits{PerMinute: ip(2)})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.CheckAndReserve(ctx, cred, 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	d, err := l.CheckAndReserve(ctx, cred, 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Equal(t, GranularityMinute, d.Granularity)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestRedisRelease(t *testing.T) {
	l, _ := newRedisTestLimiter(t)
	cred := testCredential(credentials.Limits{PerMinute: ip(1)})
	ctx := context.Background()

	d, err := l.CheckAndReserve(ctx, cred, 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	require.NoError(t, l.Release(ctx, cred.ID, 1))

	d, err = l.CheckAndReserve(ctx, cred, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisWindowExpiry(t *testing.T) {
	l, _ := newRedisTestLimiter(t)
	cred := testCredential(credentials.Limits{PerMinute: ip(1)})
	ctx := context.Background()

	base := time.Now()
	l.now = func() time.Time { return base }

	d, err := l.CheckAndReserve(ctx, cred, 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.CheckAndReserve(ctx, cred, 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	// Advance the limiter clock past the window: the old event no longer
	// counts even though the member is still in the set.
	l.now = func() time.Time { return base.Add(2 * time.Minute) }
	d, err = l.CheckAndReserve(ctx, cred, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisHeadroom(t *testing.T) {
	l, _ := newRedisTestLimiter(t)
	cred := testCredential(credentials.Limits{PerDay: ip(4)})
	ctx := context.Background()

	_, err := l.CheckAndReserve(ctx, cred, 1)
	require.NoError(t, err)

	h, err := l.Headroom(ctx, cred)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, h, 1e-9)
}

func TestRedisRecordUsage(t *testing.T) {
	l, _ := newRedisTestLimiter(t)
	cred := testCredential(credentials.Limits{PerMinute: ip(5)})
	ctx := context.Background()

	d, err := l.CheckAndReserve(ctx, cred, 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	require.NoError(t, l.RecordUsage(ctx, cred.ID, 1, 3))

	h, err := l.Headroom(ctx, cred)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, h, 1e-9)
}
