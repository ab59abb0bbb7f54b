package internal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllowsWithinWindow(t *testing.T) {
	t.Parallel()

	rl, err := NewRateLimiter(map[EndpointClass]WindowConfig{
		ClassRead: {Limit: 5, Window: time.Minute},
	}, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, rl.Allow(context.Background(), "caller-a", ClassRead))
	}
}

// The 101st request from the same principal within the window must be
// rejected with a RateLimited failure carrying a retry-after hint.
func TestRateLimiterRejectsOverWindow(t *testing.T) {
	t.Parallel()

	rl, err := NewRateLimiter(map[EndpointClass]WindowConfig{
		ClassRead: {Limit: 100, Window: time.Minute},
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		require.NoError(t, rl.Allow(ctx, "caller-b", ClassRead))
	}

	err = rl.Allow(ctx, "caller-b", ClassRead)
	require.Error(t, err)
	assert.Equal(t, KindRateLimited, KindOf(err))

	var se *StatusErr
	require.ErrorAs(t, err, &se)
	assert.Greater(t, se.RetryAfter, 0.0)
	assert.LessOrEqual(t, se.RetryAfter, 60.0)
}

func TestRateLimiterIsolatesPrincipals(t *testing.T) {
	t.Parallel()

	rl, err := NewRateLimiter(map[EndpointClass]WindowConfig{
		ClassRead: {Limit: 1, Window: time.Minute},
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, rl.Allow(ctx, "alice", ClassRead))
	require.Error(t, rl.Allow(ctx, "alice", ClassRead))
	// A distinct principal has its own independent bucket.
	require.NoError(t, rl.Allow(ctx, "bob", ClassRead))
}

func TestRateLimiterFallsBackToDefaultWindow(t *testing.T) {
	t.Parallel()

	rl, err := NewRateLimiter(nil, nil)
	require.NoError(t, err)

	require.NoError(t, rl.Allow(context.Background(), "caller-c", ClassBatch))
}
