// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"researchmesh/core/credentials"
)

func testCredential(limits credentials.Limits) *credentials.Credential {
	return &credentials.Credential{
		ID:       uuid.New(),
		Provider: "tavily",
		Status:   credentials.Status{Kind: credentials.StatusActive},
		Limits:   limits,
	}
}

func ip(n int) *int { return &n }

func TestReserveWithinLimit(t *testing.T) {
	l := NewMemoryLimiter()
	cred := testCredential(credentials.Limits{PerMinute: ip(3)})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.CheckAndReserve(ctx, cred, 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	d, err := l.CheckAndReserve(ctx, cred, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, GranularityMinute, d.Granularity)
}

func TestDeniedRetryAfter(t *testing.T) {
	l := NewMemoryLimiter()
	cred := testCredential(credentials.Limits{PerMinute: ip(1)})
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	d, err := l.CheckAndReserve(ctx, cred, 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// 10 seconds later the event still occupies the minute window, so the
	// denial points 50 seconds ahead.
	l.now = func() time.Time { return base.Add(10 * time.Second) }
	d, err = l.CheckAndReserve(ctx, cred, 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Equal(t, 50*time.Second, d.RetryAfter)

	// Past the window the slot frees up.
	l.now = func() time.Time { return base.Add(61 * time.Second) }
	d, err = l.CheckAndReserve(ctx, cred, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestQuotaInvariantUnderConcurrency(t *testing.T) {
	l := NewMemoryLimiter()
	cred := testCredential(credentials.Limits{PerMinute: ip(10)})
	ctx := context.Background()

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.CheckAndReserve(ctx, cred, 1)
			require.NoError(t, err)
			if d.Allowed {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed)
}

func TestReleaseRefunds(t *testing.T) {
	l := NewMemoryLimiter()
	cred := testCredential(credentials.Limits{PerMinute: ip(2)})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.CheckAndReserve(ctx, cred, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := l.CheckAndReserve(ctx, cred, 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	// A failed dispatch refunds its slot in full.
	require.NoError(t, l.Release(ctx, cred.ID, 1))

	d, err = l.CheckAndReserve(ctx, cred, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRecordUsageReconciles(t *testing.T) {
	l := NewMemoryLimiter()
	cred := testCredential(credentials.Limits{PerMinute: ip(5)})
	ctx := context.Background()

	d, err := l.CheckAndReserve(ctx, cred, 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// Observed consumption was 3 request units, not the 1 reserved.
	require.NoError(t, l.RecordUsage(ctx, cred.ID, 1, 3))

	h, err := l.Headroom(ctx, cred)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, h, 1e-9)
}

func TestTightestWindowBinds(t *testing.T) {
	l := NewMemoryLimiter()
	cred := testCredential(credentials.Limits{PerMinute: ip(100), PerHour: ip(2)})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.CheckAndReserve(ctx, cred, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := l.CheckAndReserve(ctx, cred, 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Equal(t, GranularityHour, d.Granularity)
}

func TestHeadroom(t *testing.T) {
	l := NewMemoryLimiter()
	ctx := context.Background()

	unlimited := testCredential(credentials.Limits{})
	h, err := l.Headroom(ctx, unlimited)
	require.NoError(t, err)
	assert.Equal(t, 1.0, h)

	cred := testCredential(credentials.Limits{PerMinute: ip(4)})
	_, err = l.CheckAndReserve(ctx, cred, 1)
	require.NoError(t, err)

	h, err = l.Headroom(ctx, cred)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, h, 1e-9)
}

func TestThresholdAlerts(t *testing.T) {
	l := NewMemoryLimiter()
	cred := testCredential(credentials.Limits{PerMinute: ip(10)})
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, err := l.CheckAndReserve(ctx, cred, 1)
		require.NoError(t, err)
	}

	alerts := l.Alerts()
	require.NotEmpty(t, alerts)
	last := alerts[len(alerts)-1]
	assert.Equal(t, AlertWarning, last.Level)
	assert.Equal(t, cred.ID, last.CredentialID)

	for i := 0; i < 2; i++ {
		_, err := l.CheckAndReserve(ctx, cred, 1)
		require.NoError(t, err)
	}

	alerts = l.Alerts()
	assert.Equal(t, AlertEmergency, alerts[len(alerts)-1].Level)
}

func TestPurgeDropsOldEvents(t *testing.T) {
	l := NewMemoryLimiter()
	cred := testCredential(credentials.Limits{PerDay: ip(2)})
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }
	for i := 0; i < 2; i++ {
		d, err := l.CheckAndReserve(ctx, cred, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	l.now = func() time.Time { return base.Add(25 * time.Hour) }
	d, err := l.CheckAndReserve(ctx, cred, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRecordUsageFollowsInjectedClock(t *testing.T) {
	l := NewMemoryLimiter()
	cred := testCredential(credentials.Limits{PerMinute: ip(5)})
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	d, err := l.CheckAndReserve(ctx, cred, 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// Reconciliation adds two events; they must carry the limiter clock,
	// so one minute later every event has rolled out of the window.
	require.NoError(t, l.RecordUsage(ctx, cred.ID, 1, 3))
	h, err := l.Headroom(ctx, cred)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, h, 0.001)

	l.now = func() time.Time { return base.Add(61 * time.Second) }
	h, err = l.Headroom(ctx, cred)
	require.NoError(t, err)
	assert.Equal(t, 1.0, h)
}
