package domain

import (
	"fmt"
	"time"
)

// AgentType selects which executor a workflow step dispatches to.
type AgentType string

const (
	AgentLLM    AgentType = "llm"
	AgentRender AgentType = "render"
	AgentCustom AgentType = "custom"
)

// InputSource describes where a step input value comes from.
type InputSource string

const (
	InputFromContext InputSource = "context"
	InputFromStep    InputSource = "step"
	InputLiteral     InputSource = "literal"
)

// StepInput binds a template variable to a value source.
type StepInput struct {
	Name   string      `json:"name" yaml:"name"`
	Source InputSource `json:"source" yaml:"source"`
	// Path is a dot-path into the context (source=context) or into a prior
	// step's output (source=step, "stepId.field"). Value is used verbatim
	// for literals.
	Path  string `json:"path,omitempty" yaml:"path,omitempty"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// StepOutput routes a step result into the shared context.
type StepOutput struct {
	Name        string `json:"name" yaml:"name"`
	ContextPath string `json:"contextPath" yaml:"contextPath"`
}

// RetryPolicy is exponential backoff with a cap:
// delay(n) = min(initialDelay * multiplier^n, maxDelay).
type RetryPolicy struct {
	MaxRetries   int           `json:"maxRetries" yaml:"maxRetries"`
	InitialDelay time.Duration `json:"initialDelay" yaml:"initialDelay"`
	MaxDelay     time.Duration `json:"maxDelay" yaml:"maxDelay"`
	Multiplier   float64       `json:"multiplier" yaml:"multiplier"`
}

// Delay returns the backoff delay before retry attempt n (0-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := float64(p.InitialDelay)
	for i := 0; i < n; i++ {
		d *= mult
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// StepCondition gates a step on a context value. Empty Path means
// unconditional.
type StepCondition struct {
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
	Equals any    `json:"equals,omitempty" yaml:"equals,omitempty"`
}

// WorkflowStep is one node of the workflow DAG.
type WorkflowStep struct {
	ID              string         `json:"id" yaml:"id"`
	AgentType       AgentType      `json:"agentType" yaml:"agentType"`
	AgentRef        string         `json:"agentRef,omitempty" yaml:"agentRef,omitempty"`
	Prompt          string         `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	TemplateRef     string         `json:"templateRef,omitempty" yaml:"templateRef,omitempty"`
	Inputs          []StepInput    `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs         []StepOutput   `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Dependencies    []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	TimeoutMs       int64          `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	Retry           *RetryPolicy   `json:"retryPolicy,omitempty" yaml:"retryPolicy,omitempty"`
	Condition       *StepCondition `json:"condition,omitempty" yaml:"condition,omitempty"`
	ContinueOnError bool           `json:"continueOnError,omitempty" yaml:"continueOnError,omitempty"`
}

// WorkflowDefinition is the immutable graph a submission references.
type WorkflowDefinition struct {
	ID               string         `json:"id" yaml:"id"`
	Name             string         `json:"name,omitempty" yaml:"name,omitempty"`
	Steps            []WorkflowStep `json:"steps" yaml:"steps"`
	MaxParallelSteps int            `json:"maxParallelSteps,omitempty" yaml:"maxParallelSteps,omitempty"`
}

// Validate enforces the DAG constraints: non-empty unique step ids and
// every dependency naming an earlier step (which also rules out cycles and
// self-dependencies).
func (d WorkflowDefinition) Validate() error {
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: workflow has no steps", ErrInvalidArgument)
	}
	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.ID == "" {
			return fmt.Errorf("%w: step id required", ErrInvalidArgument)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalidArgument, s.ID)
		}
		for _, dep := range s.Dependencies {
			if dep == s.ID {
				return fmt.Errorf("%w: step %q depends on itself", ErrInvalidArgument, s.ID)
			}
			if !seen[dep] {
				return fmt.Errorf("%w: step %q depends on unknown or later step %q", ErrInvalidArgument, s.ID, dep)
			}
		}
		seen[s.ID] = true
	}
	return nil
}

// StepStatus tracks one step of a running workflow.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepState is the mutable per-step record inside a WorkflowState.
type StepState struct {
	Status      StepStatus `json:"status"`
	RetryCount  int        `json:"retryCount"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Result      any        `json:"result,omitempty"`
	Error       *AppError  `json:"error,omitempty"`
}

// WorkflowStatus is the lifecycle of a workflow execution.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// WorkflowState is the run-time record of one execution. It pins jobs by
// id only; no job pointers are embedded.
type WorkflowState struct {
	ExecutionID  string                `json:"executionId"`
	WorkflowID   string                `json:"workflowId"`
	UserID       string                `json:"userId"`
	Status       WorkflowStatus        `json:"status"`
	StepStates   map[string]*StepState `json:"stepStates"`
	CurrentSteps []string              `json:"currentSteps"`
	Context      map[string]any        `json:"context"`
	Progress     int                   `json:"progress"`
	StartedAt    time.Time             `json:"startedAt"`
	CompletedAt  *time.Time            `json:"completedAt,omitempty"`
}

// CritiqueCriterion scores one quality axis of a critique loop.
type CritiqueCriterion struct {
	Name             string  `json:"name" yaml:"name"`
	Weight           float64 `json:"weight" yaml:"weight"`
	Threshold        float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	EvaluationPrompt string  `json:"evaluationPrompt,omitempty" yaml:"evaluationPrompt,omitempty"`
}

// CritiqueEvaluation is the parsed verdict of one critique pass.
type CritiqueEvaluation struct {
	OverallScore   float64            `json:"overallScore"`
	CriteriaScores map[string]float64 `json:"criteriaScores"`
	Feedback       string             `json:"feedback"`
	MeetsThreshold bool               `json:"meetsThreshold"`
}

// CritiqueIteration records one refine cycle.
type CritiqueIteration struct {
	Iteration  int                `json:"iteration"`
	Output     string             `json:"output"`
	Evaluation CritiqueEvaluation `json:"evaluation"`
	DurationMs int64              `json:"durationMs"`
}

// Contribution is one participant's message in a discussion round.
type Contribution struct {
	ParticipantID  string  `json:"participantId"`
	Role           string  `json:"role"`
	Content        string  `json:"content"`
	AgreementScore float64 `json:"agreementScore,omitempty"` // 1..10
}

// DiscussionRound records one full round of a moderated discussion.
type DiscussionRound struct {
	Round          int            `json:"round"`
	Contributions  []Contribution `json:"contributions"`
	Synthesis      string         `json:"synthesis,omitempty"`
	ConsensusScore float64        `json:"consensusScore"`
	DurationMs     int64          `json:"durationMs"`
}
