package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnsureMinDuration_PadsFastCalls(t *testing.T) {
	start := time.Now()
	EnsureMinDuration(context.Background(), start, 30*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestEnsureMinDuration_NoWaitWhenSlowEnough(t *testing.T) {
	start := time.Now().Add(-time.Second)
	before := time.Now()
	EnsureMinDuration(context.Background(), start, 10*time.Millisecond)
	assert.Less(t, time.Since(before), 10*time.Millisecond)
}

func TestWait_HonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Wait(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, Wait(context.Background(), 0))
}
