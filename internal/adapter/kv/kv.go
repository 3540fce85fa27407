// Package kv abstracts the key-value plane of the job execution core: a
// remote Redis by default, with an embedded in-process fallback carrying
// the same contract when the remote is unreachable.
package kv

import (
	"context"
	"time"
)

// ZMember is a sorted-set member with its score.
type ZMember struct {
	Member string
	Score  float64
}

// Store is the contract both the remote and fallback stores satisfy.
// Missing keys surface as domain.ErrNotFound; everything else that fails
// wraps domain.ErrTransient so callers can pick a retry strategy.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Del(ctx context.Context, keys ...string) error
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZPopMin(ctx context.Context, key string) (ZMember, bool, error)
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error)
	ZRem(ctx context.Context, key, member string) error
	ZCard(ctx context.Context, key string) (int64, error)

	// Publish is fire-and-forget; Subscribe delivers until the returned
	// cancel func is called or ctx ends.
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)

	Ping(ctx context.Context) error
	Close() error
}
