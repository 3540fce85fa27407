// Package usecase contains application business logic services.
package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"

	"github.com/wavecraft/studio-core/internal/adapter/state"
	"github.com/wavecraft/studio-core/internal/domain"
	"github.com/wavecraft/studio-core/internal/eventbus"
	"github.com/wavecraft/studio-core/internal/render"
	"github.com/wavecraft/studio-core/internal/scheduler"
)

// SubmitLLMRequest is the validated submission DTO for LLM jobs.
type SubmitLLMRequest struct {
	UserID           string `json:"userId" validate:"required"`
	Prompt           string `json:"prompt" validate:"required,min=1"`
	SystemPrompt     string `json:"systemPrompt,omitempty"`
	Model            string `json:"model,omitempty"`
	MaxTokens        int    `json:"maxTokens,omitempty" validate:"omitempty,gt=0"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	TimeoutMs        int64  `json:"timeoutMs,omitempty" validate:"omitempty,gt=0"`
	Priority         int    `json:"priority,omitempty" validate:"gte=0,lte=100"`
	RequestID        string `json:"requestId,omitempty"`
	SubscriberTag    string `json:"subscriberTag,omitempty"`
}

// SubmitRenderRequest is the validated submission DTO for render jobs.
type SubmitRenderRequest struct {
	UserID        string               `json:"userId" validate:"required"`
	Code          string               `json:"code" validate:"required,min=1"`
	Options       domain.RenderOptions `json:"options" validate:"required"`
	Priority      int                  `json:"priority,omitempty" validate:"gte=0,lte=100"`
	RequestID     string               `json:"requestId,omitempty"`
	SubscriberTag string               `json:"subscriberTag,omitempty"`
}

// JobService fronts the schedulers for submission, status, cancellation,
// listing and subscription.
type JobService struct {
	validate  *validator.Validate
	states    *state.Store
	llm       *scheduler.Scheduler
	render    *scheduler.Scheduler
	bus       *eventbus.Bus
	validator *render.Validator
}

// NewJobService wires the job service.
func NewJobService(states *state.Store, llm, rnd *scheduler.Scheduler, bus *eventbus.Bus, v *render.Validator) *JobService {
	return &JobService{
		validate:  validator.New(),
		states:    states,
		llm:       llm,
		render:    rnd,
		bus:       bus,
		validator: v,
	}
}

// SubmitLLM admits an LLM job. Inline submissions return with the job in
// a terminal state; queued ones carry queue metadata.
func (s *JobService) SubmitLLM(ctx context.Context, req SubmitLLMRequest) (*domain.LLMJob, *scheduler.SubmitResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, nil, fmt.Errorf("op=usecase.SubmitLLM: %w: %v", domain.ErrInvalidArgument, err)
	}
	job := &domain.LLMJob{
		Job: domain.Job{
			ID:            "llm_" + ulid.Make().String(),
			Family:        domain.FamilyLLM,
			UserID:        req.UserID,
			Status:        domain.JobPending,
			Priority:      req.Priority,
			CreatedAt:     time.Now().UTC(),
			RequestID:     req.RequestID,
			SubscriberTag: req.SubscriberTag,
		},
		Prompt:           req.Prompt,
		SystemPrompt:     req.SystemPrompt,
		Model:            req.Model,
		MaxTokens:        req.MaxTokens,
		WorkingDirectory: req.WorkingDirectory,
		TimeoutMs:        req.TimeoutMs,
	}
	res, err := s.llm.Submit(ctx, &job.Job, job)
	if err != nil {
		return nil, nil, err
	}
	return job, res, nil
}

// SubmitRender admits a render job.
func (s *JobService) SubmitRender(ctx context.Context, req SubmitRenderRequest) (*domain.RenderJob, *scheduler.SubmitResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, nil, fmt.Errorf("op=usecase.SubmitRender: %w: %v", domain.ErrInvalidArgument, err)
	}
	if req.Options.Format == "" {
		req.Options.Format = "wav"
	}
	job := &domain.RenderJob{
		Job: domain.Job{
			ID:            "render_" + ulid.Make().String(),
			Family:        domain.FamilyRender,
			UserID:        req.UserID,
			Status:        domain.JobPending,
			Priority:      req.Priority,
			CreatedAt:     time.Now().UTC(),
			RequestID:     req.RequestID,
			SubscriberTag: req.SubscriberTag,
		},
		Code:    req.Code,
		Options: req.Options,
	}
	res, err := s.render.Submit(ctx, &job.Job, job)
	if err != nil {
		return nil, nil, err
	}
	return job, res, nil
}

// ValidatePattern checks a pattern source without submitting a job.
func (s *JobService) ValidatePattern(ctx context.Context, code string) (*domain.ValidationResult, error) {
	return s.validator.Validate(ctx, code)
}

// LLMStatus loads an LLM job record.
func (s *JobService) LLMStatus(ctx context.Context, id string) (*domain.LLMJob, error) {
	return s.states.GetLLM(ctx, id)
}

// RenderStatus loads a render job record.
func (s *JobService) RenderStatus(ctx context.Context, id string) (*domain.RenderJob, error) {
	return s.states.GetRender(ctx, id)
}

// Cancel cancels the job. It is idempotent: cancelling a terminal job
// reports cancelled=false with no error.
func (s *JobService) Cancel(ctx context.Context, family domain.JobFamily, id string) (bool, error) {
	sched, err := s.schedulerFor(family)
	if err != nil {
		return false, err
	}
	return sched.Cancel(ctx, id)
}

// List returns a user's jobs in a family, newest first.
func (s *JobService) List(ctx context.Context, family domain.JobFamily, userID string, status domain.JobStatus, page, pageSize int) ([]domain.Job, state.Page, error) {
	return s.states.List(ctx, family, userID, state.ListFilter{Status: status}, page, pageSize)
}

// Subscribe returns the ordered event stream for a job. A job already
// terminal gets a single synthesized terminal event: from the bus
// snapshot when retained, otherwise from the stored record.
func (s *JobService) Subscribe(ctx context.Context, family domain.JobFamily, id string) (<-chan domain.Event, func(), error) {
	header, result, jobErr, err := s.head(ctx, family, id)
	if err != nil {
		return nil, nil, err
	}
	if header.Status.IsTerminal() {
		if _, retained := s.bus.Terminal(id); !retained {
			ch := make(chan domain.Event, 1)
			ch <- domain.Event{
				Kind:     domain.EventTerminal,
				JobID:    id,
				Status:   header.Status,
				Progress: header.Progress,
				Result:   result,
				Error:    jobErr,
				At:       time.Now().UTC(),
			}
			close(ch)
			return ch, func() {}, nil
		}
	}
	ch, cancel := s.bus.Subscribe(id)
	return ch, cancel, nil
}

func (s *JobService) head(ctx context.Context, family domain.JobFamily, id string) (*domain.Job, any, *domain.AppError, error) {
	switch family {
	case domain.FamilyLLM:
		j, err := s.states.GetLLM(ctx, id)
		if err != nil {
			return nil, nil, nil, err
		}
		return &j.Job, j, j.Error, nil
	case domain.FamilyRender:
		j, err := s.states.GetRender(ctx, id)
		if err != nil {
			return nil, nil, nil, err
		}
		var result any
		if j.Result != nil {
			result = j.Result
		}
		return &j.Job, result, j.Error, nil
	}
	return nil, nil, nil, fmt.Errorf("op=usecase.head: %w: unknown family %q", domain.ErrInvalidArgument, family)
}

func (s *JobService) schedulerFor(family domain.JobFamily) (*scheduler.Scheduler, error) {
	switch family {
	case domain.FamilyLLM:
		return s.llm, nil
	case domain.FamilyRender:
		return s.render, nil
	}
	return nil, fmt.Errorf("op=usecase.schedulerFor: %w: unknown family %q", domain.ErrInvalidArgument, family)
}
