package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketAllowsBurstThenThrottles(t *testing.T) {
	tb := NewTokenBucket(2, 1)
	ctx := context.Background()

	require.NoError(t, tb.Wait(ctx))
	require.NoError(t, tb.Wait(ctx))

	start := time.Now()
	require.NoError(t, tb.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}

func TestTokenBucketWaitRespectsContextCancellation(t *testing.T) {
	tb := NewTokenBucket(1, 0.1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, tb.Wait(ctx))
	err := tb.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPauseForBlocksSubsequentWaits(t *testing.T) {
	tb := NewTokenBucket(5, 100)
	tb.PauseFor(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, tb.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}
