package render

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wavecraft/studio-core/internal/adapter/state"
	"github.com/wavecraft/studio-core/internal/domain"
	"github.com/wavecraft/studio-core/internal/pattern"
)

// Executor adapts the render pipeline to the scheduler's executor port:
// validate, evaluate, render, with intermediate states persisted and
// progress streamed over the bus. The terminal write stays with the
// scheduler.
type Executor struct {
	validator *Validator
	evaluator pattern.Evaluator
	engine    *Engine
	states    *state.Store
	bus       domain.EventPublisher
	log       *slog.Logger
}

// NewExecutor wires the render executor.
func NewExecutor(v *Validator, ev pattern.Evaluator, e *Engine, states *state.Store, bus domain.EventPublisher, log *slog.Logger) *Executor {
	return &Executor{validator: v, evaluator: ev, engine: e, states: states, bus: bus, log: log}
}

// Execute runs one render job to completion.
func (x *Executor) Execute(ctx context.Context, in domain.ExecInput) (domain.ExecResult, error) {
	job, ok := in.Payload.(*domain.RenderJob)
	if !ok {
		return domain.ExecResult{}, fmt.Errorf("op=render.Execute: %w: payload is not a render job", domain.ErrInternal)
	}

	total := time.Now()
	if err := x.transition(ctx, job, domain.JobValidating, 5); err != nil {
		return domain.ExecResult{}, err
	}

	verdict, err := x.validator.Validate(ctx, job.Code)
	if err != nil {
		return domain.ExecResult{}, err
	}
	job.Validation = verdict
	if !verdict.IsValid {
		first := verdict.Errors[0]
		ae := domain.NewAppError(first.Code, first.Message)
		if first.Line > 0 {
			ae.WithDetail("line", first.Line).WithDetail("column", first.Column)
		}
		return domain.ExecResult{}, ae
	}

	pat, err := x.evaluator.Evaluate(job.Code)
	if err != nil {
		// Validation passed moments ago, so this is a cache gone stale
		// rather than a user error; surface it as such.
		return domain.ExecResult{}, domain.NewAppError(domain.CodeNotAPattern, err.Error())
	}

	if err := x.transition(ctx, job, domain.JobRendering, 10); err != nil {
		return domain.ExecResult{}, err
	}

	last := 10
	result, err := x.engine.Render(ctx, pat, job.Options, func(p int) {
		if p <= last {
			return
		}
		last = p
		job.Progress = p
		x.bus.Publish(job.ID, domain.Event{
			Kind: domain.EventProgress, JobID: job.ID,
			Status: domain.JobRendering, Progress: p, At: time.Now().UTC(),
		})
	})
	if err != nil {
		return domain.ExecResult{}, err
	}

	result.Timing.ValidationMs = verdict.ValidationTimeMs
	result.Timing.TotalMs = time.Since(total).Milliseconds()
	job.Result = result
	return domain.ExecResult{Data: result}, nil
}

// HealthCheck reports the embedded pipeline as always available.
func (x *Executor) HealthCheck(_ context.Context) domain.Health {
	return domain.Health{OK: true, Details: "embedded render pipeline"}
}

func (x *Executor) transition(ctx context.Context, job *domain.RenderJob, status domain.JobStatus, progress int) error {
	job.Status = status
	job.Progress = progress
	if err := x.states.SaveRender(ctx, job); err != nil {
		return err
	}
	x.bus.Publish(job.ID, domain.Event{
		Kind: domain.EventProgress, JobID: job.ID,
		Status: status, Progress: progress, At: time.Now().UTC(),
	})
	return nil
}
