package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wavecraft/studio-core/internal/domain"
)

// RedisStore implements Store over a go-redis client.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// NewRedisStoreFromURL dials the given redis URL.
func NewRedisStoreFromURL(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=kv.NewRedisStoreFromURL: %w", err)
	}
	return &RedisStore{rdb: redis.NewClient(opts)}, nil
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("op=%s: %w: %v", op, domain.ErrTransient, err)
}

// Get returns the value at key or domain.ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	return v, wrapErr("kv.Get", err)
}

// Set writes key without a TTL.
func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	return wrapErr("kv.Set", s.rdb.Set(ctx, key, value, 0).Err())
}

// SetEx writes key with a TTL.
func (s *RedisStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrapErr("kv.SetEx", s.rdb.Set(ctx, key, value, ttl).Err())
}

// Incr atomically increments the integer at key.
func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Incr(ctx, key).Result()
	return n, wrapErr("kv.Incr", err)
}

// Expire sets a TTL on an existing key.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrapErr("kv.Expire", s.rdb.Expire(ctx, key, ttl).Err())
}

// TTL returns the remaining TTL of key.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.rdb.TTL(ctx, key).Result()
	return d, wrapErr("kv.TTL", err)
}

// Del removes keys.
func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrapErr("kv.Del", s.rdb.Del(ctx, keys...).Err())
}

// Scan walks keys matching the pattern from the given cursor.
func (s *RedisStore) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	keys, next, err := s.rdb.Scan(ctx, cursor, match, count).Result()
	return keys, next, wrapErr("kv.Scan", err)
}

// ZAdd adds member with score to the sorted set at key.
func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return wrapErr("kv.ZAdd", s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

// ZPopMin pops the lowest-score member; ok=false on empty set.
func (s *RedisStore) ZPopMin(ctx context.Context, key string) (ZMember, bool, error) {
	zs, err := s.rdb.ZPopMin(ctx, key, 1).Result()
	if err != nil {
		return ZMember{}, false, wrapErr("kv.ZPopMin", err)
	}
	if len(zs) == 0 {
		return ZMember{}, false, nil
	}
	m, _ := zs[0].Member.(string)
	return ZMember{Member: m, Score: zs[0].Score}, true, nil
}

// ZRangeWithScores returns members in [start, stop] by rank, ascending score.
func (s *RedisStore) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error) {
	zs, err := s.rdb.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wrapErr("kv.ZRangeWithScores", err)
	}
	out := make([]ZMember, 0, len(zs))
	for _, z := range zs {
		m, _ := z.Member.(string)
		out = append(out, ZMember{Member: m, Score: z.Score})
	}
	return out, nil
}

// ZRem removes member from the sorted set at key.
func (s *RedisStore) ZRem(ctx context.Context, key, member string) error {
	return wrapErr("kv.ZRem", s.rdb.ZRem(ctx, key, member).Err())
}

// ZCard returns the cardinality of the sorted set at key.
func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.ZCard(ctx, key).Result()
	return n, wrapErr("kv.ZCard", err)
}

// Publish sends payload to channel, fire-and-forget.
func (s *RedisStore) Publish(ctx context.Context, channel, payload string) error {
	return wrapErr("kv.Publish", s.rdb.Publish(ctx, channel, payload).Err())
}

// Subscribe streams messages from channel until cancel or ctx end.
func (s *RedisStore) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	sub := s.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, wrapErr("kv.Subscribe", err)
	}
	out := make(chan string, 16)
	done := make(chan struct{})
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				default: // slow subscriber, drop
				}
			}
		}
	}()
	cancel := func() {
		close(done)
		_ = sub.Close()
	}
	return out, cancel, nil
}

// Ping probes connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return wrapErr("kv.Ping", s.rdb.Ping(ctx).Err())
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
