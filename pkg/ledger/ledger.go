// Package ledger tracks, per site and document, which chapter URLs have
// already been persisted successfully and which have failed, so reruns skip
// completed work and retry only what failed. Backed by Redis sets with a
// bounded TTL, shared across processes.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kestrelweb/novelforge/internal/logger"
)

const (
	successTTL = 30 * 24 * time.Hour
	failureTTL = 7 * 24 * time.Hour
)

// Ledger records chapter-URL completion state for one (site, book) key.
type Ledger interface {
	IsSuccess(ctx context.Context, key, url string) bool
	MarkSuccess(ctx context.Context, key, url string)
	MarkFailure(ctx context.Context, key, url string)
	Stats(ctx context.Context, key string) (successCount, failureCount int64)
	ClearFailures(ctx context.Context, key string)
}

// RedisLedger is the production Ledger implementation.
type RedisLedger struct {
	client *redis.Client
}

// New wraps an already-constructed *redis.Client.
func New(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client}
}

// NewFromURL builds a client from a redis:// URL, tuned the way the
// engine's other pooled clients are (bounded pool, short dial/IO timeouts),
// and verifies connectivity with a bounded ping before returning.
func NewFromURL(ctx context.Context, redisURL string) (*RedisLedger, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse redis url: %w", err)
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ledger: ping redis: %w", err)
	}

	return &RedisLedger{client: client}, nil
}

func successKey(key string) string { return "success:" + key }
func failureKey(key string) string { return "failed:" + key }

// IsSuccess reports whether url is recorded as already downloaded for key.
// On ledger unavailability it degrades to the pessimistic answer (false),
// logging a warning rather than failing the caller.
func (l *RedisLedger) IsSuccess(ctx context.Context, key, url string) bool {
	ok, err := l.client.SIsMember(ctx, successKey(key), url).Result()
	if err != nil {
		logger.WarnContext(ctx, "ledger: IsSuccess unavailable, degrading to pessimistic", "key", key, "error", err)
		return false
	}
	return ok
}

// MarkSuccess records url as completed for key: it is added to the success
// set and removed from the failure set in a single pipeline round-trip,
// with the success set's TTL refreshed.
func (l *RedisLedger) MarkSuccess(ctx context.Context, key, url string) {
	sk, fk := successKey(key), failureKey(key)
	pipe := l.client.TxPipeline()
	pipe.SAdd(ctx, sk, url)
	pipe.SRem(ctx, fk, url)
	pipe.Expire(ctx, sk, successTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.WarnContext(ctx, "ledger: MarkSuccess failed", "key", key, "url", url, "error", err)
	}
}

// MarkFailure records url as failed for key, refreshing the failure TTL.
func (l *RedisLedger) MarkFailure(ctx context.Context, key, url string) {
	fk := failureKey(key)
	pipe := l.client.TxPipeline()
	pipe.SAdd(ctx, fk, url)
	pipe.Expire(ctx, fk, failureTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.WarnContext(ctx, "ledger: MarkFailure failed", "key", key, "url", url, "error", err)
	}
}

// Stats returns the cardinality of the success and failure sets for key.
func (l *RedisLedger) Stats(ctx context.Context, key string) (successCount, failureCount int64) {
	sc, err := l.client.SCard(ctx, successKey(key)).Result()
	if err != nil {
		logger.WarnContext(ctx, "ledger: Stats success count unavailable", "key", key, "error", err)
	}
	fc, err := l.client.SCard(ctx, failureKey(key)).Result()
	if err != nil {
		logger.WarnContext(ctx, "ledger: Stats failure count unavailable", "key", key, "error", err)
	}
	return sc, fc
}

// ClearFailures deletes the failure set for key, used to force a clean
// retry of everything previously marked failed.
func (l *RedisLedger) ClearFailures(ctx context.Context, key string) {
	if err := l.client.Del(ctx, failureKey(key)).Err(); err != nil {
		logger.WarnContext(ctx, "ledger: ClearFailures failed", "key", key, "error", err)
	}
}

// Close releases the underlying Redis connection pool.
func (l *RedisLedger) Close() error {
	return l.client.Close()
}
