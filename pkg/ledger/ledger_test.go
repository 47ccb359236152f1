package ledger

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *RedisLedger {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client)
}

func TestMarkSuccess_RemovesFromFailure(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	key := "example:1"
	url := "https://example.com/ch1"

	l.MarkFailure(ctx, key, url)
	_, failCount := l.Stats(ctx, key)
	require.EqualValues(t, 1, failCount)

	l.MarkSuccess(ctx, key, url)
	require.True(t, l.IsSuccess(ctx, key, url))

	successCount, failCount := l.Stats(ctx, key)
	require.EqualValues(t, 1, successCount)
	require.EqualValues(t, 0, failCount)
}

func TestIsSuccess_FalseWhenAbsent(t *testing.T) {
	l := newTestLedger(t)
	require.False(t, l.IsSuccess(context.Background(), "example:1", "https://example.com/never"))
}

func TestClearFailures(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	key := "example:1"

	l.MarkFailure(ctx, key, "https://example.com/ch1")
	l.MarkFailure(ctx, key, "https://example.com/ch2")
	_, failCount := l.Stats(ctx, key)
	require.EqualValues(t, 2, failCount)

	l.ClearFailures(ctx, key)
	_, failCount = l.Stats(ctx, key)
	require.EqualValues(t, 0, failCount)
}
