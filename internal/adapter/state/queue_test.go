package state_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavecraft/studio-core/internal/adapter/kv"
	"github.com/wavecraft/studio-core/internal/adapter/state"
	"github.com/wavecraft/studio-core/internal/domain"
)

func miniredisFor(t *testing.T) kv.Store {
	t.Helper()
	mini := miniredis.RunT(t)
	return kv.NewRedisStore(redis.NewClient(&redis.Options{Addr: mini.Addr()}))
}

func entry(jobID string, priority int, enqueued time.Time) domain.QueueEntry {
	return domain.QueueEntry{JobID: jobID, UserID: "u1", Priority: priority, EnqueuedAt: enqueued}
}

func TestQueue_PriorityBeforeFIFO(t *testing.T) {
	t.Parallel()
	q := state.NewQueue(miniredisFor(t), domain.FamilyRender, 100)
	ctx := context.Background()

	now := time.Now().UTC()
	_, err := q.Push(ctx, entry("A", 5, now))
	require.NoError(t, err)
	_, err = q.Push(ctx, entry("B", 5, now.Add(time.Second)))
	require.NoError(t, err)
	pos, err := q.Push(ctx, entry("C", 10, now.Add(2*time.Second)))
	require.NoError(t, err)
	// Higher priority jumps the line.
	assert.Equal(t, 1, pos)

	var order []string
	for {
		e, ok, err := q.Pop(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		order = append(order, e.JobID)
	}
	assert.Equal(t, []string{"C", "A", "B"}, order)
}

func TestQueue_FullRejectsWithoutMutation(t *testing.T) {
	t.Parallel()
	q := state.NewQueue(miniredisFor(t), domain.FamilyLLM, 2)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := q.Push(ctx, entry("A", 0, now))
	require.NoError(t, err)
	_, err = q.Push(ctx, entry("B", 0, now))
	require.NoError(t, err)

	_, err = q.Push(ctx, entry("C", 0, now))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrQueueFull)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestQueue_Remove(t *testing.T) {
	t.Parallel()
	q := state.NewQueue(miniredisFor(t), domain.FamilyLLM, 10)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := q.Push(ctx, entry("A", 0, now))
	require.NoError(t, err)
	_, err = q.Push(ctx, entry("B", 0, now.Add(time.Second)))
	require.NoError(t, err)

	ok, err := q.Remove(ctx, "A")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Remove(ctx, "A")
	require.NoError(t, err)
	assert.False(t, ok)

	e, popped, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, popped)
	assert.Equal(t, "B", e.JobID)
}

func TestQueue_Positions(t *testing.T) {
	t.Parallel()
	q := state.NewQueue(miniredisFor(t), domain.FamilyLLM, 10)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := q.Push(ctx, entry("A", 1, now))
	require.NoError(t, err)
	_, err = q.Push(ctx, entry("B", 9, now))
	require.NoError(t, err)
	_, err = q.Push(ctx, entry("C", 1, now.Add(time.Second)))
	require.NoError(t, err)

	positions, err := q.Positions(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"B": 1, "A": 2, "C": 3}, positions)
}

func TestQueue_PopEmpty(t *testing.T) {
	t.Parallel()
	q := state.NewQueue(miniredisFor(t), domain.FamilyLLM, 10)
	_, ok, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}
