package procman_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavecraft/studio-core/internal/adapter/kv"
	"github.com/wavecraft/studio-core/internal/adapter/procman"
	"github.com/wavecraft/studio-core/internal/adapter/state"
	"github.com/wavecraft/studio-core/internal/domain"
	"github.com/wavecraft/studio-core/internal/eventbus"
)

// fakeCLI writes a shell script standing in for the assistant binary.
func fakeCLI(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fakecli")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newManager(t *testing.T, cfg procman.Config) (*procman.Manager, *state.Store) {
	t.Helper()
	mini := miniredis.RunT(t)
	states := state.NewStore(kv.NewRedisStore(redis.NewClient(&redis.Options{Addr: mini.Addr()})))
	return procman.New(cfg, states, eventbus.New(nil)), states
}

func newLLMJob(id, prompt string) *domain.LLMJob {
	return &domain.LLMJob{
		Job: domain.Job{
			ID: id, Family: domain.FamilyLLM, UserID: "u1",
			Status: domain.JobRunning, CreatedAt: time.Now().UTC(),
		},
		Prompt: prompt,
	}
}

func TestManager_ExecuteCapturesOutput(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, "cat\necho oops >&2")
	m, _ := newManager(t, procman.Config{CLIPath: cli, DefaultTimeout: 10 * time.Second})

	job := newLLMJob("llm_ok", "write a four bar bassline")
	res, err := m.Execute(context.Background(), domain.ExecInput{JobID: job.ID, Prompt: job.Prompt, Payload: job})
	require.NoError(t, err)

	assert.Equal(t, "write a four bar bassline", res.Output)
	assert.Equal(t, "write a four bar bassline", job.Stdout)
	assert.Contains(t, job.Stderr, "oops")
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 0, *job.ExitCode)
	// The pid bookkeeping is cleared once the process exits.
	assert.Zero(t, job.PID)
}

func TestManager_ExecuteNonZeroExit(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, "echo broken >&2\nexit 3")
	m, _ := newManager(t, procman.Config{CLIPath: cli, DefaultTimeout: 10 * time.Second})

	job := newLLMJob("llm_fail", "hi")
	_, err := m.Execute(context.Background(), domain.ExecInput{JobID: job.ID, Prompt: job.Prompt, Payload: job})
	require.Error(t, err)

	ae := domain.AsAppError(err)
	assert.Equal(t, domain.CodeExecutionFailed, ae.Code)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 3, *job.ExitCode)
	assert.Contains(t, job.Stderr, "broken")
}

func TestManager_ExecuteTimeout(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, "sleep 30")
	m, _ := newManager(t, procman.Config{CLIPath: cli, DefaultTimeout: 10 * time.Second})

	job := newLLMJob("llm_slow", "hi")
	job.TimeoutMs = 100
	start := time.Now()
	_, err := m.Execute(context.Background(), domain.ExecInput{JobID: job.ID, Prompt: job.Prompt, Payload: job})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestManager_Cancel(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, "sleep 30")
	m, _ := newManager(t, procman.Config{CLIPath: cli, DefaultTimeout: time.Minute})

	job := newLLMJob("llm_cancel", "hi")
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Execute(context.Background(), domain.ExecInput{JobID: job.ID, Prompt: job.Prompt, Payload: job})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return m.Cancel(job.ID) }, 5*time.Second, 10*time.Millisecond)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled job never returned")
	}
	assert.False(t, m.Cancel(job.ID), "cancel after exit reports not live")
}

func TestManager_CLIUnavailable(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t, procman.Config{CLIPath: "definitely-not-a-real-cli"})

	job := newLLMJob("llm_nocli", "hi")
	_, err := m.Execute(context.Background(), domain.ExecInput{JobID: job.ID, Prompt: job.Prompt, Payload: job})
	require.Error(t, err)
	ae := domain.AsAppError(err)
	assert.Equal(t, domain.CodeCLIUnavailable, ae.Code)

	h := m.HealthCheck(context.Background())
	assert.False(t, h.OK)
}

func TestManager_HealthCheck(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, "cat")
	m, _ := newManager(t, procman.Config{CLIPath: cli})
	assert.True(t, m.HealthCheck(context.Background()).OK)
}

func TestManager_RejectsWrongPayload(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t, procman.Config{CLIPath: "cat"})
	_, err := m.Execute(context.Background(), domain.ExecInput{JobID: "x", Payload: "not a job"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInternal)
}

func TestManager_PromptTokenBudget(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, "cat")
	m, _ := newManager(t, procman.Config{CLIPath: cli, MaxPromptTokens: 2, DefaultTimeout: 10 * time.Second})
	if m.PromptTokens("probe") < 0 {
		t.Skip("token encoding unavailable in this environment")
	}

	job := newLLMJob("llm_big", "this prompt is comfortably past a two token budget")
	_, err := m.Execute(context.Background(), domain.ExecInput{JobID: job.ID, Prompt: job.Prompt, Payload: job})
	require.Error(t, err)
	ae := domain.AsAppError(err)
	assert.Equal(t, domain.CodeValidationError, ae.Code)
}

func TestManager_WaitAllIdle(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t, procman.Config{CLIPath: "cat"})
	assert.True(t, m.WaitAll(time.Second))
}

func TestManager_CancelAfterReclaim(t *testing.T) {
	t.Parallel()
	m, states := newManager(t, procman.Config{CLIPath: "cat"})
	ctx := context.Background()

	child := exec.Command("sleep", "30")
	require.NoError(t, child.Start())
	go func() { _ = child.Wait() }() // reap on exit so the pid actually disappears

	job := newLLMJob("llm_reclaim", "hi")
	job.PID = child.Process.Pid
	job.OwnerPID = os.Getpid()
	require.NoError(t, states.SaveLLM(ctx, job))

	require.NoError(t, m.ReclaimZombies(ctx))

	// The re-registered process is cancellable even without a spawn handle.
	assert.True(t, m.Cancel(job.ID))
	assert.True(t, m.WaitAll(10*time.Second), "reclaimed entry resolves once its process dies")

	require.Eventually(t, func() bool {
		got, err := states.GetLLM(ctx, job.ID)
		return err == nil && got.Status == domain.JobCancelled
	}, 10*time.Second, 50*time.Millisecond)
}

func TestManager_ReclaimZombies(t *testing.T) {
	t.Parallel()
	m, states := newManager(t, procman.Config{CLIPath: "cat"})
	ctx := context.Background()

	// A record left behind by a previous owner whose process is gone.
	dead := newLLMJob("llm_zombie", "hi")
	dead.PID = 1 << 22 // outside any plausible pid range
	dead.OwnerPID = os.Getpid() + 1
	require.NoError(t, states.SaveLLM(ctx, dead))

	// A terminal record must be left alone.
	finished := newLLMJob("llm_done", "hi")
	finished.Status = domain.JobCompleted
	require.NoError(t, states.SaveLLM(ctx, finished))

	require.NoError(t, m.ReclaimZombies(ctx))

	got, err := states.GetLLM(ctx, "llm_zombie")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.CodeExecutionFailed, got.Error.Code)
	assert.Zero(t, got.PID)

	untouched, err := states.GetLLM(ctx, "llm_done")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, untouched.Status)
}
