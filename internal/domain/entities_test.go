package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wavecraft/studio-core/internal/domain"
)

func TestJobStatus_IsTerminal(t *testing.T) {
	t.Parallel()
	terminal := []domain.JobStatus{domain.JobCompleted, domain.JobFailed, domain.JobCancelled, domain.JobTimeout}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), string(s))
	}
	live := []domain.JobStatus{domain.JobPending, domain.JobQueued, domain.JobRunning, domain.JobValidating, domain.JobRendering}
	for _, s := range live {
		assert.False(t, s.IsTerminal(), string(s))
	}
}

func TestQueueEntry_Score_PriorityDominates(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	low := domain.QueueEntry{JobID: "a", Priority: 0, EnqueuedAt: base}
	high := domain.QueueEntry{JobID: "c", Priority: 50, EnqueuedAt: base.Add(time.Hour)}
	// Higher priority sorts first (lower score) even when enqueued later.
	assert.Less(t, high.Score(), low.Score())
}

func TestQueueEntry_Score_FIFOOnTies(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	first := domain.QueueEntry{JobID: "a", Priority: 10, EnqueuedAt: base}
	second := domain.QueueEntry{JobID: "b", Priority: 10, EnqueuedAt: base.Add(time.Millisecond)}
	assert.Less(t, first.Score(), second.Score())
}
