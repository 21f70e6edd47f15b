package txstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestRetryPutSucceedsImmediatelyWithoutContention(t *testing.T) {
	engine := newTestEngine()
	storage := newStringStorage()
	tx := engine.Begin(nil)
	m := OpenMap[string, string](tx, 1, storage)

	limiter := rate.NewLimiter(rate.Inf, 1)
	require.NoError(t, RetryPut(context.Background(), limiter, m, "a", "1"))

	v, found := m.Get("a")
	require.True(t, found)
	require.Equal(t, "1", v)
}

func TestRetryTrySetStopsOnContextCancellation(t *testing.T) {
	engine := newTestEngine()
	storage := newStringStorage()

	setup := engine.Begin(nil)
	m0 := OpenMap[string, string](setup, 1, storage)
	require.NoError(t, m0.Put("a", "0"))

	tx := engine.Begin(nil)
	m := OpenMap[string, string](tx, 1, storage)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	limiter := rate.NewLimiter(rate.Limit(1), 1)
	// The first TrySet attempt runs without waiting on the limiter and fails
	// (setup hasn't committed, so "a" is locked). Allow drains the single
	// burst token, and the already-cancelled context makes the following
	// Wait return immediately with an error.
	limiter.Allow()
	ok, err := RetryTrySet(ctx, limiter, m, "a", "1", false)
	require.False(t, ok)
	require.Error(t, err)
}
