package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/wavecraft/studio-core/internal/domain"
)

// Failover routes to the remote store while it is reachable and to an
// embedded miniredis with the same contract while it is not. Writes that
// land only in the fallback are non-authoritative: they are tracked and
// upserted to the remote when it comes back (remote wins on conflict).
// Fallback pub/sub messages lost during an outage are accepted;
// subscribers reconcile via final-state queries.
type Failover struct {
	remote Store
	mini   *miniredis.Miniredis
	fb     *RedisStore

	probeInterval time.Duration

	mu        sync.Mutex
	healthy   bool
	lastProbe time.Time
	dirtyKeys map[string]struct{}
	dirtyZ    map[string]map[string]float64
}

// NewFailover builds a failover store around remote. The embedded fallback
// is started eagerly so a cold outage costs nothing at switch time.
func NewFailover(remote Store, probeInterval time.Duration) (*Failover, error) {
	mini, err := miniredis.Run()
	if err != nil {
		return nil, fmt.Errorf("op=kv.NewFailover: %w", err)
	}
	fb := NewRedisStore(redis.NewClient(&redis.Options{Addr: mini.Addr()}))
	if probeInterval <= 0 {
		probeInterval = 5 * time.Second
	}
	return &Failover{
		remote:        remote,
		mini:          mini,
		fb:            fb,
		probeInterval: probeInterval,
		healthy:       true,
		dirtyKeys:     map[string]struct{}{},
		dirtyZ:        map[string]map[string]float64{},
	}, nil
}

// Healthy reports whether calls are currently routed to the remote.
func (f *Failover) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

// pick returns the store to use for this call, re-probing a down remote at
// most once per probe interval and reconciling on recovery.
func (f *Failover) pick(ctx context.Context) Store {
	f.mu.Lock()
	if f.healthy {
		f.mu.Unlock()
		return f.remote
	}
	if time.Since(f.lastProbe) < f.probeInterval {
		f.mu.Unlock()
		return f.fb
	}
	f.lastProbe = time.Now()
	f.mu.Unlock()

	if err := f.remote.Ping(ctx); err != nil {
		return f.fb
	}
	f.markHealthy(ctx)
	return f.remote
}

// markDown flips routing to the fallback.
func (f *Failover) markDown(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthy {
		slog.Warn("kv remote unreachable, switching to in-process fallback", slog.Any("error", err))
		f.healthy = false
		f.lastProbe = time.Now()
	}
}

func (f *Failover) markHealthy(ctx context.Context) {
	f.mu.Lock()
	if f.healthy {
		f.mu.Unlock()
		return
	}
	f.healthy = true
	keys := f.dirtyKeys
	zsets := f.dirtyZ
	f.dirtyKeys = map[string]struct{}{}
	f.dirtyZ = map[string]map[string]float64{}
	f.mu.Unlock()

	slog.Info("kv remote reconnected, reconciling fallback writes",
		slog.Int("keys", len(keys)), slog.Int("zsets", len(zsets)))
	f.reconcile(ctx, keys, zsets)
}

// reconcile upserts fallback-only writes into the remote. The remote wins
// when it already holds a key.
func (f *Failover) reconcile(ctx context.Context, keys map[string]struct{}, zsets map[string]map[string]float64) {
	for key := range keys {
		if _, err := f.remote.Get(ctx, key); err == nil {
			continue // remote has authoritative data
		} else if !errors.Is(err, domain.ErrNotFound) {
			f.markDown(err)
			return
		}
		val, err := f.fb.Get(ctx, key)
		if err != nil {
			continue // expired or deleted in the fallback meanwhile
		}
		ttl, _ := f.fb.TTL(ctx, key)
		if ttl > 0 {
			err = f.remote.SetEx(ctx, key, val, ttl)
		} else {
			err = f.remote.Set(ctx, key, val)
		}
		if err != nil {
			f.markDown(err)
			return
		}
	}
	for key, members := range zsets {
		for member, score := range members {
			if err := f.remote.ZAdd(ctx, key, score, member); err != nil {
				f.markDown(err)
				return
			}
		}
	}
}

func (f *Failover) noteDirtyKey(key string) {
	f.mu.Lock()
	f.dirtyKeys[key] = struct{}{}
	f.mu.Unlock()
}

func (f *Failover) noteDirtyZ(key, member string, score float64) {
	f.mu.Lock()
	if f.dirtyZ[key] == nil {
		f.dirtyZ[key] = map[string]float64{}
	}
	f.dirtyZ[key][member] = score
	f.mu.Unlock()
}

// failedOver reports whether err warrants switching to the fallback.
func failedOver(err error) bool {
	return err != nil && errors.Is(err, domain.ErrTransient)
}

// Get implements Store.
func (f *Failover) Get(ctx context.Context, key string) (string, error) {
	st := f.pick(ctx)
	v, err := st.Get(ctx, key)
	if st == f.remote && failedOver(err) {
		f.markDown(err)
		return f.fb.Get(ctx, key)
	}
	return v, err
}

// Set implements Store.
func (f *Failover) Set(ctx context.Context, key, value string) error {
	st := f.pick(ctx)
	err := st.Set(ctx, key, value)
	if st == f.remote && failedOver(err) {
		f.markDown(err)
		st = f.fb
		err = st.Set(ctx, key, value)
	}
	if err == nil && st == f.fb {
		f.noteDirtyKey(key)
	}
	return err
}

// SetEx implements Store.
func (f *Failover) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	st := f.pick(ctx)
	err := st.SetEx(ctx, key, value, ttl)
	if st == f.remote && failedOver(err) {
		f.markDown(err)
		st = f.fb
		err = st.SetEx(ctx, key, value, ttl)
	}
	if err == nil && st == f.fb {
		f.noteDirtyKey(key)
	}
	return err
}

// Incr implements Store.
func (f *Failover) Incr(ctx context.Context, key string) (int64, error) {
	st := f.pick(ctx)
	n, err := st.Incr(ctx, key)
	if st == f.remote && failedOver(err) {
		f.markDown(err)
		st = f.fb
		n, err = st.Incr(ctx, key)
	}
	if err == nil && st == f.fb {
		f.noteDirtyKey(key)
	}
	return n, err
}

// Expire implements Store.
func (f *Failover) Expire(ctx context.Context, key string, ttl time.Duration) error {
	st := f.pick(ctx)
	err := st.Expire(ctx, key, ttl)
	if st == f.remote && failedOver(err) {
		f.markDown(err)
		return f.fb.Expire(ctx, key, ttl)
	}
	return err
}

// TTL implements Store.
func (f *Failover) TTL(ctx context.Context, key string) (time.Duration, error) {
	st := f.pick(ctx)
	d, err := st.TTL(ctx, key)
	if st == f.remote && failedOver(err) {
		f.markDown(err)
		return f.fb.TTL(ctx, key)
	}
	return d, err
}

// Del implements Store.
func (f *Failover) Del(ctx context.Context, keys ...string) error {
	st := f.pick(ctx)
	err := st.Del(ctx, keys...)
	if st == f.remote && failedOver(err) {
		f.markDown(err)
		return f.fb.Del(ctx, keys...)
	}
	return err
}

// Scan implements Store.
func (f *Failover) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	st := f.pick(ctx)
	keys, next, err := st.Scan(ctx, cursor, match, count)
	if st == f.remote && failedOver(err) {
		f.markDown(err)
		return f.fb.Scan(ctx, cursor, match, count)
	}
	return keys, next, err
}

// ZAdd implements Store.
func (f *Failover) ZAdd(ctx context.Context, key string, score float64, member string) error {
	st := f.pick(ctx)
	err := st.ZAdd(ctx, key, score, member)
	if st == f.remote && failedOver(err) {
		f.markDown(err)
		st = f.fb
		err = st.ZAdd(ctx, key, score, member)
	}
	if err == nil && st == f.fb {
		f.noteDirtyZ(key, member, score)
	}
	return err
}

// ZPopMin implements Store.
func (f *Failover) ZPopMin(ctx context.Context, key string) (ZMember, bool, error) {
	st := f.pick(ctx)
	m, ok, err := st.ZPopMin(ctx, key)
	if st == f.remote && failedOver(err) {
		f.markDown(err)
		return f.fb.ZPopMin(ctx, key)
	}
	return m, ok, err
}

// ZRangeWithScores implements Store.
func (f *Failover) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error) {
	st := f.pick(ctx)
	ms, err := st.ZRangeWithScores(ctx, key, start, stop)
	if st == f.remote && failedOver(err) {
		f.markDown(err)
		return f.fb.ZRangeWithScores(ctx, key, start, stop)
	}
	return ms, err
}

// ZRem implements Store.
func (f *Failover) ZRem(ctx context.Context, key, member string) error {
	st := f.pick(ctx)
	err := st.ZRem(ctx, key, member)
	if st == f.remote && failedOver(err) {
		f.markDown(err)
		return f.fb.ZRem(ctx, key, member)
	}
	return err
}

// ZCard implements Store.
func (f *Failover) ZCard(ctx context.Context, key string) (int64, error) {
	st := f.pick(ctx)
	n, err := st.ZCard(ctx, key)
	if st == f.remote && failedOver(err) {
		f.markDown(err)
		return f.fb.ZCard(ctx, key)
	}
	return n, err
}

// Publish implements Store; messages published while on the fallback are
// local-only by design.
func (f *Failover) Publish(ctx context.Context, channel, payload string) error {
	st := f.pick(ctx)
	err := st.Publish(ctx, channel, payload)
	if st == f.remote && failedOver(err) {
		f.markDown(err)
		return f.fb.Publish(ctx, channel, payload)
	}
	return err
}

// Subscribe implements Store. The subscription binds to whichever store is
// active at call time; a mid-stream failover drops messages, which callers
// reconcile via terminal-state queries.
func (f *Failover) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	return f.pick(ctx).Subscribe(ctx, channel)
}

// Ping implements Store; it always reports success because the fallback is
// always available.
func (f *Failover) Ping(ctx context.Context) error {
	if err := f.remote.Ping(ctx); err != nil {
		f.markDown(err)
	} else {
		f.markHealthy(ctx)
	}
	return nil
}

// Close releases both stores.
func (f *Failover) Close() error {
	err := f.remote.Close()
	_ = f.fb.Close()
	f.mini.Close()
	return err
}
