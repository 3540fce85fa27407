package usecase_test

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavecraft/studio-core/internal/adapter/kv"
	"github.com/wavecraft/studio-core/internal/adapter/state"
	"github.com/wavecraft/studio-core/internal/domain"
	"github.com/wavecraft/studio-core/internal/eventbus"
	"github.com/wavecraft/studio-core/internal/pattern"
	"github.com/wavecraft/studio-core/internal/render"
	"github.com/wavecraft/studio-core/internal/render/samples"
	"github.com/wavecraft/studio-core/internal/scheduler"
	"github.com/wavecraft/studio-core/internal/usecase"
)

type stubExecutor struct {
	fn func(ctx context.Context, in domain.ExecInput) (domain.ExecResult, error)
}

func (s *stubExecutor) Execute(ctx context.Context, in domain.ExecInput) (domain.ExecResult, error) {
	return s.fn(ctx, in)
}

func (s *stubExecutor) HealthCheck(context.Context) domain.Health { return domain.Health{OK: true} }

// newService wires a JobService over miniredis with a stubbed LLM
// executor and the real render pipeline.
func newService(t *testing.T, llmExec domain.Executor) (*usecase.JobService, *state.Store, *eventbus.Bus) {
	t.Helper()
	mini := miniredis.RunT(t)
	store := kv.NewRedisStore(redis.NewClient(&redis.Options{Addr: mini.Addr()}))
	states := state.NewStore(store)
	bus := eventbus.New(nil)
	log := slog.Default()

	evaluator := pattern.NewEmbedded()
	validator := render.NewValidator(store, evaluator, 10000, log)
	engine := render.NewEngine(samples.NewCache("", t.TempDir(), render.DecodeWAV), 30*time.Second, 15*time.Second, log)
	renderExec := render.NewExecutor(validator, evaluator, engine, states, bus, log)

	cfg := scheduler.Config{MaxConcurrent: 2, Tick: 50 * time.Millisecond}
	llm := scheduler.New(cfg, scheduler.NewLLMFamily(states), state.NewQueue(store, domain.FamilyLLM, 100), nil, llmExec, bus, log)
	rnd := scheduler.New(cfg, scheduler.NewRenderFamily(states), state.NewQueue(store, domain.FamilyRender, 100), nil, renderExec, bus, log)

	return usecase.NewJobService(states, llm, rnd, bus, validator), states, bus
}

func okExecutor() domain.Executor {
	return &stubExecutor{fn: func(_ context.Context, in domain.ExecInput) (domain.ExecResult, error) {
		return domain.ExecResult{Output: "reply to: " + in.Prompt}, nil
	}}
}

func TestJobService_SubmitLLM(t *testing.T) {
	t.Parallel()
	svc, states, _ := newService(t, okExecutor())

	job, res, err := svc.SubmitLLM(context.Background(), usecase.SubmitLLMRequest{
		UserID: "u1", Prompt: "write a chorus",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(job.ID, "llm_"))
	assert.True(t, res.Inline)

	got, err := states.GetLLM(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)

	status, err := svc.LLMStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, status.ID)
}

func TestJobService_SubmitLLMValidation(t *testing.T) {
	t.Parallel()
	svc, _, _ := newService(t, okExecutor())
	ctx := context.Background()

	_, _, err := svc.SubmitLLM(ctx, usecase.SubmitLLMRequest{Prompt: "no user"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, _, err = svc.SubmitLLM(ctx, usecase.SubmitLLMRequest{UserID: "u1"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, _, err = svc.SubmitLLM(ctx, usecase.SubmitLLMRequest{UserID: "u1", Prompt: "p", Priority: 101})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, _, err = svc.SubmitLLM(ctx, usecase.SubmitLLMRequest{UserID: "u1", Prompt: "p", TimeoutMs: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestJobService_SubmitRender(t *testing.T) {
	t.Parallel()
	svc, states, _ := newService(t, okExecutor())

	job, res, err := svc.SubmitRender(context.Background(), usecase.SubmitRenderRequest{
		UserID: "u1",
		Code:   `s("bd sd")`,
		Options: domain.RenderOptions{
			Duration: 1, SampleRate: 22050, Channels: 1,
		},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(job.ID, "render_"))
	assert.True(t, res.Inline)
	assert.Equal(t, "wav", job.Options.Format)

	got, err := states.GetRender(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Greater(t, got.Result.Metadata.FileSize, 44)

	status, err := svc.RenderStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, status.ID)
}

func TestJobService_SubmitRenderSyntaxError(t *testing.T) {
	t.Parallel()
	svc, states, _ := newService(t, okExecutor())

	job, _, err := svc.SubmitRender(context.Background(), usecase.SubmitRenderRequest{
		UserID:  "u1",
		Code:    `s("bd`,
		Options: domain.RenderOptions{Duration: 1, SampleRate: 22050, Channels: 1},
	})
	require.NoError(t, err, "submission succeeds, the job itself fails")

	got, err := states.GetRender(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.CodeSyntaxError, got.Error.Code)
}

func TestJobService_ValidatePattern(t *testing.T) {
	t.Parallel()
	svc, _, _ := newService(t, okExecutor())

	res, err := svc.ValidatePattern(context.Background(), `s("bd hh")`)
	require.NoError(t, err)
	assert.True(t, res.IsValid)

	res, err = svc.ValidatePattern(context.Background(), `while(true) {}`)
	require.NoError(t, err)
	assert.False(t, res.IsValid)
}

func TestJobService_CancelTerminalIsIdempotent(t *testing.T) {
	t.Parallel()
	svc, _, _ := newService(t, okExecutor())

	job, _, err := svc.SubmitLLM(context.Background(), usecase.SubmitLLMRequest{UserID: "u1", Prompt: "p"})
	require.NoError(t, err)

	ok, err := svc.Cancel(context.Background(), domain.FamilyLLM, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.Cancel(context.Background(), "bogus", job.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestJobService_List(t *testing.T) {
	t.Parallel()
	svc, _, _ := newService(t, okExecutor())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := svc.SubmitLLM(ctx, usecase.SubmitLLMRequest{UserID: "u1", Prompt: "p"})
		require.NoError(t, err)
	}
	_, _, err := svc.SubmitLLM(ctx, usecase.SubmitLLMRequest{UserID: "u2", Prompt: "p"})
	require.NoError(t, err)

	jobs, page, err := svc.List(ctx, domain.FamilyLLM, "u1", "", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, jobs, 3)

	completed, _, err := svc.List(ctx, domain.FamilyLLM, "u1", domain.JobCompleted, 1, 10)
	require.NoError(t, err)
	assert.Len(t, completed, 3)
}

func TestJobService_SubscribeAfterTerminal(t *testing.T) {
	t.Parallel()
	svc, _, _ := newService(t, okExecutor())

	job, _, err := svc.SubmitLLM(context.Background(), usecase.SubmitLLMRequest{UserID: "u1", Prompt: "p"})
	require.NoError(t, err)

	ch, cancel, err := svc.Subscribe(context.Background(), domain.FamilyLLM, job.ID)
	require.NoError(t, err)
	defer cancel()

	ev, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, domain.EventTerminal, ev.Kind)
	assert.Equal(t, domain.JobCompleted, ev.Status)
	_, open := <-ch
	assert.False(t, open)
}

func TestJobService_SubscribeRenderCarriesResult(t *testing.T) {
	t.Parallel()
	svc, _, bus := newService(t, okExecutor())

	job, _, err := svc.SubmitRender(context.Background(), usecase.SubmitRenderRequest{
		UserID:  "u1",
		Code:    `s("bd")`,
		Options: domain.RenderOptions{Duration: 1, SampleRate: 22050, Channels: 1},
	})
	require.NoError(t, err)

	_, retained := bus.Terminal(job.ID)
	require.True(t, retained, "bus holds the snapshot right after completion")

	ch, cancel, err := svc.Subscribe(context.Background(), domain.FamilyRender, job.ID)
	require.NoError(t, err)
	defer cancel()
	ev := <-ch
	assert.Equal(t, domain.EventTerminal, ev.Kind)
	require.NotNil(t, ev.Result)
}

func TestJobService_SubscribeUnknownJob(t *testing.T) {
	t.Parallel()
	svc, _, _ := newService(t, okExecutor())
	_, _, err := svc.Subscribe(context.Background(), domain.FamilyLLM, "llm_missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
