package orchestration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/wavecraft/studio-core/internal/adapter/observability"
	"github.com/wavecraft/studio-core/internal/domain"
)

// pausePoll is how often a paused execution re-checks for resume.
const pausePoll = 100 * time.Millisecond

// Engine runs workflow definitions. Executors are registered per agent
// type; custom executors additionally by agent ref.
type Engine struct {
	maxParallel int
	log         *slog.Logger

	mu        sync.Mutex
	executors map[domain.AgentType]domain.Executor
	custom    map[string]domain.Executor
	execs     map[string]*execution
}

type execution struct {
	state  *domain.WorkflowState
	vars   *Context
	cancel context.CancelFunc

	mu     sync.Mutex
	paused bool
}

// NewEngine builds an Engine with the given parallel-step ceiling.
func NewEngine(maxParallel int, log *slog.Logger) *Engine {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Engine{
		maxParallel: maxParallel,
		log:         log,
		executors:   map[domain.AgentType]domain.Executor{},
		custom:      map[string]domain.Executor{},
		execs:       map[string]*execution{},
	}
}

// Register binds the executor for an agent type.
func (e *Engine) Register(t domain.AgentType, ex domain.Executor) {
	e.mu.Lock()
	e.executors[t] = ex
	e.mu.Unlock()
}

// RegisterCustom binds a user-registered executor by agent ref. The
// executor's health is checked at registration time.
func (e *Engine) RegisterCustom(ctx context.Context, ref string, ex domain.Executor) error {
	if h := ex.HealthCheck(ctx); !h.OK {
		return fmt.Errorf("op=orchestration.RegisterCustom ref=%s: %w: %s", ref, domain.ErrInvalidArgument, h.Details)
	}
	e.mu.Lock()
	e.custom[ref] = ex
	e.mu.Unlock()
	return nil
}

// Execute validates and runs def to completion, returning the final
// workflow state. It blocks until the workflow resolves; callers wanting
// async execution run it on their own goroutine and poll State.
func (e *Engine) Execute(ctx context.Context, def domain.WorkflowDefinition, userID string, seed map[string]any) (*domain.WorkflowState, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	state := &domain.WorkflowState{
		ExecutionID: "wf_" + ulid.Make().String(),
		WorkflowID:  def.ID,
		UserID:      userID,
		Status:      domain.WorkflowRunning,
		StepStates:  make(map[string]*domain.StepState, len(def.Steps)),
		Context:     map[string]any{},
		StartedAt:   time.Now().UTC(),
	}
	for _, s := range def.Steps {
		state.StepStates[s.ID] = &domain.StepState{Status: domain.StepPending}
	}
	ex := &execution{state: state, vars: NewContext(seed), cancel: cancel}
	defer ex.vars.Close()

	e.mu.Lock()
	e.execs[state.ExecutionID] = ex
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.execs, state.ExecutionID)
		e.mu.Unlock()
	}()

	started := time.Now()
	failed := e.run(runCtx, def, ex)
	observability.WorkflowDuration.Observe(time.Since(started).Seconds())

	// Steps never reached, and in-flight steps whose context was cancelled
	// before a verdict, resolve as skipped: the terminal state holds no
	// running steps.
	for _, st := range state.StepStates {
		if st.Status == domain.StepPending || st.Status == domain.StepRunning {
			st.Status = domain.StepSkipped
		}
	}
	now := time.Now().UTC()
	state.CompletedAt = &now
	state.CurrentSteps = nil
	state.Context = ex.vars.Snapshot()
	state.Progress = workflowProgress(state)
	switch {
	case runCtx.Err() != nil:
		state.Status = domain.WorkflowCancelled
	case failed:
		state.Status = domain.WorkflowFailed
	default:
		state.Status = domain.WorkflowCompleted
	}
	return state, nil
}

// run schedules ready waves until nothing is ready or a fatal step
// failure aborts. Reports whether the workflow failed.
func (e *Engine) run(ctx context.Context, def domain.WorkflowDefinition, ex *execution) bool {
	limit := e.maxParallel
	if def.MaxParallelSteps > 0 && def.MaxParallelSteps < limit {
		limit = def.MaxParallelSteps
	}
	for {
		if ctx.Err() != nil {
			return false
		}
		if !ex.waitResumed(ctx) {
			return false
		}
		ready := readySteps(def, ex.state)
		if len(ready) == 0 {
			return false
		}

		ex.state.CurrentSteps = stepIDs(ready)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		for _, step := range ready {
			g.Go(func() error {
				return e.runStep(gctx, ex, step)
			})
		}
		if err := g.Wait(); err != nil {
			return true
		}
	}
}

// readySteps returns pending steps whose dependencies are all completed.
func readySteps(def domain.WorkflowDefinition, state *domain.WorkflowState) []domain.WorkflowStep {
	var out []domain.WorkflowStep
	for _, s := range def.Steps {
		if state.StepStates[s.ID].Status != domain.StepPending {
			continue
		}
		ok := true
		for _, dep := range s.Dependencies {
			if state.StepStates[dep].Status != domain.StepCompleted {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, s)
		}
	}
	return out
}

func stepIDs(steps []domain.WorkflowStep) []string {
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.ID
	}
	return ids
}

// runStep runs one step through condition, input resolution, dispatch,
// retries and output routing. A returned error aborts the workflow.
func (e *Engine) runStep(ctx context.Context, ex *execution, step domain.WorkflowStep) error {
	st := ex.state.StepStates[step.ID]

	if step.Condition != nil && step.Condition.Path != "" {
		v, _ := ex.vars.Get(step.Condition.Path)
		if fmt.Sprint(v) != fmt.Sprint(step.Condition.Equals) {
			st.Status = domain.StepSkipped
			observability.WorkflowStepsTotal.WithLabelValues(string(domain.StepSkipped)).Inc()
			return nil
		}
	}

	now := time.Now().UTC()
	st.Status = domain.StepRunning
	st.StartedAt = &now

	vars, err := e.resolveInputs(ex, step)
	if err != nil {
		return e.stepFailed(st, step, err)
	}
	prompt := Interpolate(step.Prompt, vars)

	executor, err := e.executorFor(step)
	if err != nil {
		return e.stepFailed(st, step, err)
	}

	input := domain.ExecInput{
		JobID:   ex.state.ExecutionID + "/" + step.ID,
		Prompt:  prompt,
		Payload: vars,
	}
	var res domain.ExecResult
	for attempt := 0; ; attempt++ {
		res, err = e.dispatch(ctx, executor, input, step.TimeoutMs)
		if err == nil || !domain.IsTransient(err) {
			break
		}
		if step.Retry == nil || attempt >= step.Retry.MaxRetries {
			break
		}
		st.RetryCount++
		delay := step.Retry.Delay(attempt)
		e.log.Info("retrying step after transient failure",
			slog.String("execution_id", ex.state.ExecutionID), slog.String("step", step.ID),
			slog.Int("attempt", attempt+1), slog.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil // cancellation, not a step verdict
		}
		return e.stepFailed(st, step, err)
	}

	done := time.Now().UTC()
	st.Status = domain.StepCompleted
	st.CompletedAt = &done
	if res.Data != nil {
		st.Result = res.Data
	} else {
		st.Result = res.Output
	}
	e.routeOutputs(ex, step, res)
	observability.WorkflowStepsTotal.WithLabelValues(string(domain.StepCompleted)).Inc()
	return nil
}

func (e *Engine) dispatch(ctx context.Context, executor domain.Executor, in domain.ExecInput, timeoutMs int64) (domain.ExecResult, error) {
	if timeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}
	return executor.Execute(ctx, in)
}

func (e *Engine) stepFailed(st *domain.StepState, step domain.WorkflowStep, cause error) error {
	done := time.Now().UTC()
	st.Status = domain.StepFailed
	st.CompletedAt = &done
	st.Error = domain.AsAppError(cause)
	observability.WorkflowStepsTotal.WithLabelValues(string(domain.StepFailed)).Inc()
	if step.ContinueOnError {
		return nil
	}
	return fmt.Errorf("step %s failed: %w", step.ID, cause)
}

// resolveInputs builds the step's variable map from its declared sources.
func (e *Engine) resolveInputs(ex *execution, step domain.WorkflowStep) (map[string]any, error) {
	vars := make(map[string]any, len(step.Inputs))
	for _, in := range step.Inputs {
		switch in.Source {
		case domain.InputLiteral:
			vars[in.Name] = in.Value
		case domain.InputFromContext:
			v, _ := ex.vars.Get(in.Path)
			vars[in.Name] = v
		case domain.InputFromStep:
			v, err := stepOutputValue(ex.state, in.Path)
			if err != nil {
				return nil, err
			}
			vars[in.Name] = v
		default:
			return nil, fmt.Errorf("%w: input %q has unknown source %q", domain.ErrInvalidArgument, in.Name, in.Source)
		}
	}
	return vars, nil
}

// stepOutputValue resolves "stepId" or "stepId.field" against a prior
// step's recorded result.
func stepOutputValue(state *domain.WorkflowState, path string) (any, error) {
	stepID, field, _ := strings.Cut(path, ".")
	st, ok := state.StepStates[stepID]
	if !ok {
		return nil, fmt.Errorf("%w: input references unknown step %q", domain.ErrInvalidArgument, stepID)
	}
	if field == "" {
		return st.Result, nil
	}
	if m, ok := st.Result.(map[string]any); ok {
		return m[field], nil
	}
	return nil, fmt.Errorf("%w: step %q output has no field %q", domain.ErrInvalidArgument, stepID, field)
}

// routeOutputs writes declared outputs into the shared context.
func (e *Engine) routeOutputs(ex *execution, step domain.WorkflowStep, res domain.ExecResult) {
	for _, out := range step.Outputs {
		var v any
		if m, ok := res.Data.(map[string]any); ok {
			if field, present := m[out.Name]; present {
				v = field
			} else {
				v = res.Data
			}
		} else if res.Data != nil {
			v = res.Data
		} else {
			v = res.Output
		}
		ex.vars.Set(out.ContextPath, v)
	}
}

func (e *Engine) executorFor(step domain.WorkflowStep) (domain.Executor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if step.AgentType == domain.AgentCustom {
		if ex, ok := e.custom[step.AgentRef]; ok {
			return ex, nil
		}
		return nil, fmt.Errorf("%w: no custom executor registered for ref %q", domain.ErrInvalidArgument, step.AgentRef)
	}
	if ex, ok := e.executors[step.AgentType]; ok {
		return ex, nil
	}
	return nil, fmt.Errorf("%w: no executor registered for agent type %q", domain.ErrInvalidArgument, step.AgentType)
}

// Pause suspends new-step scheduling for an execution; in-flight steps
// keep running.
func (e *Engine) Pause(executionID string) bool {
	ex := e.lookup(executionID)
	if ex == nil {
		return false
	}
	ex.mu.Lock()
	ex.paused = true
	ex.state.Status = domain.WorkflowPaused
	ex.mu.Unlock()
	return true
}

// Resume lifts a pause.
func (e *Engine) Resume(executionID string) bool {
	ex := e.lookup(executionID)
	if ex == nil {
		return false
	}
	ex.mu.Lock()
	ex.paused = false
	if ex.state.Status == domain.WorkflowPaused {
		ex.state.Status = domain.WorkflowRunning
	}
	ex.mu.Unlock()
	return true
}

// Cancel cooperatively cancels an execution: in-flight step executors
// get their contexts cancelled and no new steps are scheduled.
func (e *Engine) Cancel(executionID string) bool {
	ex := e.lookup(executionID)
	if ex == nil {
		return false
	}
	ex.cancel()
	return true
}

// State returns a live execution's state, if it is still running.
func (e *Engine) State(executionID string) (*domain.WorkflowState, bool) {
	ex := e.lookup(executionID)
	if ex == nil {
		return nil, false
	}
	return ex.state, true
}

func (e *Engine) lookup(executionID string) *execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.execs[executionID]
}

// waitResumed blocks while paused; false when ctx ends first.
func (ex *execution) waitResumed(ctx context.Context) bool {
	for {
		ex.mu.Lock()
		paused := ex.paused
		ex.mu.Unlock()
		if !paused {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pausePoll):
		}
	}
}

func workflowProgress(state *domain.WorkflowState) int {
	if len(state.StepStates) == 0 {
		return 100
	}
	resolved := 0
	for _, st := range state.StepStates {
		switch st.Status {
		case domain.StepCompleted, domain.StepFailed, domain.StepSkipped:
			resolved++
		}
	}
	return resolved * 100 / len(state.StepStates)
}
