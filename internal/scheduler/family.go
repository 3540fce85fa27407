// Package scheduler admits, queues and dispatches jobs, one scheduler
// per family, over the shared priority queue and state store.
package scheduler

import (
	"context"
	"fmt"

	"github.com/wavecraft/studio-core/internal/adapter/state"
	"github.com/wavecraft/studio-core/internal/domain"
)

// Family adapts one job family's record shape for the scheduler. The
// returned header aliases the payload's embedded Job so scheduler
// mutations land on the record that gets saved.
type Family interface {
	Name() domain.JobFamily
	Load(ctx context.Context, id string) (*domain.Job, any, error)
	Save(ctx context.Context, payload any) error
	Input(payload any) domain.ExecInput
}

// LLMFamily binds the scheduler to LLM job records.
type LLMFamily struct {
	states *state.Store
}

// NewLLMFamily builds the LLM family adapter.
func NewLLMFamily(states *state.Store) *LLMFamily { return &LLMFamily{states: states} }

// Name implements Family.
func (f *LLMFamily) Name() domain.JobFamily { return domain.FamilyLLM }

// Load implements Family.
func (f *LLMFamily) Load(ctx context.Context, id string) (*domain.Job, any, error) {
	j, err := f.states.GetLLM(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return &j.Job, j, nil
}

// Save implements Family.
func (f *LLMFamily) Save(ctx context.Context, payload any) error {
	j, ok := payload.(*domain.LLMJob)
	if !ok {
		return fmt.Errorf("op=scheduler.LLMFamily.Save: %w: wrong payload type", domain.ErrInternal)
	}
	return f.states.SaveLLM(ctx, j)
}

// Input implements Family.
func (f *LLMFamily) Input(payload any) domain.ExecInput {
	j := payload.(*domain.LLMJob)
	return domain.ExecInput{JobID: j.ID, Prompt: j.Prompt, Payload: j}
}

// RenderFamily binds the scheduler to render job records.
type RenderFamily struct {
	states *state.Store
}

// NewRenderFamily builds the render family adapter.
func NewRenderFamily(states *state.Store) *RenderFamily { return &RenderFamily{states: states} }

// Name implements Family.
func (f *RenderFamily) Name() domain.JobFamily { return domain.FamilyRender }

// Load implements Family.
func (f *RenderFamily) Load(ctx context.Context, id string) (*domain.Job, any, error) {
	j, err := f.states.GetRender(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return &j.Job, j, nil
}

// Save implements Family.
func (f *RenderFamily) Save(ctx context.Context, payload any) error {
	j, ok := payload.(*domain.RenderJob)
	if !ok {
		return fmt.Errorf("op=scheduler.RenderFamily.Save: %w: wrong payload type", domain.ErrInternal)
	}
	return f.states.SaveRender(ctx, j)
}

// Input implements Family.
func (f *RenderFamily) Input(payload any) domain.ExecInput {
	j := payload.(*domain.RenderJob)
	return domain.ExecInput{JobID: j.ID, Prompt: j.Code, Payload: j}
}
