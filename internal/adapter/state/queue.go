package state

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wavecraft/studio-core/internal/adapter/kv"
	"github.com/wavecraft/studio-core/internal/domain"
)

// Queue is one family's priority queue on a KV sorted set. Members are
// JSON-encoded QueueEntry values; the score -priority*1e15 + enqueuedAt
// millis orders higher priority first with FIFO on ties.
type Queue struct {
	kv      kv.Store
	key     string
	maxSize int64
}

// NewQueue builds a bounded queue at <family>:queue.
func NewQueue(store kv.Store, family domain.JobFamily, maxSize int) *Queue {
	return &Queue{kv: store, key: fmt.Sprintf("%s:queue", family), maxSize: int64(maxSize)}
}

// Push appends an entry and returns its resulting 1-based position.
// A full queue returns domain.ErrQueueFull without touching the set.
func (q *Queue) Push(ctx context.Context, e domain.QueueEntry) (int, error) {
	if q.maxSize > 0 {
		n, err := q.kv.ZCard(ctx, q.key)
		if err != nil {
			return 0, fmt.Errorf("op=state.Queue.Push: %w", err)
		}
		if n >= q.maxSize {
			return 0, fmt.Errorf("op=state.Queue.Push: %w: size=%d", domain.ErrQueueFull, n)
		}
	}
	member, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("op=state.Queue.Push: %w: %v", domain.ErrInternal, err)
	}
	if err := q.kv.ZAdd(ctx, q.key, e.Score(), string(member)); err != nil {
		return 0, fmt.Errorf("op=state.Queue.Push: %w", err)
	}
	positions, err := q.Positions(ctx)
	if err != nil {
		return 1, nil
	}
	if pos, ok := positions[e.JobID]; ok {
		return pos, nil
	}
	return 1, nil
}

// Pop removes and returns the highest-priority entry; ok=false when empty.
func (q *Queue) Pop(ctx context.Context) (domain.QueueEntry, bool, error) {
	m, ok, err := q.kv.ZPopMin(ctx, q.key)
	if err != nil || !ok {
		return domain.QueueEntry{}, false, err
	}
	var e domain.QueueEntry
	if err := json.Unmarshal([]byte(m.Member), &e); err != nil {
		return domain.QueueEntry{}, false, fmt.Errorf("op=state.Queue.Pop: %w: %v", domain.ErrInternal, err)
	}
	return e, true, nil
}

// Remove deletes the entry for jobID. Returns true iff it was queued.
func (q *Queue) Remove(ctx context.Context, jobID string) (bool, error) {
	members, err := q.kv.ZRangeWithScores(ctx, q.key, 0, -1)
	if err != nil {
		return false, fmt.Errorf("op=state.Queue.Remove: %w", err)
	}
	for _, m := range members {
		var e domain.QueueEntry
		if err := json.Unmarshal([]byte(m.Member), &e); err != nil {
			continue
		}
		if e.JobID == jobID {
			if err := q.kv.ZRem(ctx, q.key, m.Member); err != nil {
				return false, fmt.Errorf("op=state.Queue.Remove: %w", err)
			}
			return true, nil
		}
	}
	return false, nil
}

// Len returns the current queue length.
func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.kv.ZCard(ctx, q.key)
	return int(n), err
}

// Positions maps jobID to 1-based queue position in dequeue order.
func (q *Queue) Positions(ctx context.Context) (map[string]int, error) {
	members, err := q.kv.ZRangeWithScores(ctx, q.key, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("op=state.Queue.Positions: %w", err)
	}
	out := make(map[string]int, len(members))
	for i, m := range members {
		var e domain.QueueEntry
		if err := json.Unmarshal([]byte(m.Member), &e); err != nil {
			continue
		}
		out[e.JobID] = i + 1
	}
	return out, nil
}
