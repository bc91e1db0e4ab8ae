package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLimiterRefusesBeyondLimit(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l := NewLocal(3, time.Minute)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		d, err := l.Allow(context.Background(), "cred-a")
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d should pass", i)
	}

	d, err := l.Allow(context.Background(), "cred-a")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 3, d.Limit)
	assert.Equal(t, time.Minute, d.Window)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, 20*time.Second)

	// other credentials keep their own budget
	d, err = l.Allow(context.Background(), "cred-b")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLocalLimiterRefillsAfterRetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l := NewLocal(2, time.Minute)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		_, _ = l.Allow(context.Background(), "k")
	}
	d, _ := l.Allow(context.Background(), "k")
	require.False(t, d.Allowed)

	now = now.Add(d.RetryAfter)
	d, err := l.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestDecisionFromScript(t *testing.T) {
	now := time.UnixMilli(1_700_000_060_000)

	d, err := decisionFromScript([]any{int64(1), int64(4), int64(1_700_000_000_000)}, 10, time.Minute, now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 6, d.Remaining)

	d, err = decisionFromScript([]any{int64(0), int64(10), int64(1_700_000_030_000)}, 10, time.Minute, now)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 30*time.Second, d.RetryAfter)

	_, err = decisionFromScript([]any{int64(1)}, 10, time.Minute, now)
	assert.Error(t, err)
}
