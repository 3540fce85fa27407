// Package domain holds the entities, ports and error taxonomy of the job
// execution core. Adapters depend on this package, never the reverse.
package domain

import (
	"context"
	"time"
)

// JobFamily discriminates the two job kinds the core executes.
type JobFamily string

const (
	FamilyLLM    JobFamily = "llm"
	FamilyRender JobFamily = "render"
)

// JobStatus is the lifecycle state of a job. Transitions are monotone
// through the state machine; terminal states admit no further writes
// except TTL eviction. The one sanctioned backward edge is the retry
// re-entry failed -> queued.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobQueued     JobStatus = "queued"
	JobRunning    JobStatus = "running"
	JobValidating JobStatus = "validating"
	JobRendering  JobStatus = "rendering"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
	JobTimeout    JobStatus = "timeout"
)

// IsTerminal reports whether s admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobTimeout:
		return true
	}
	return false
}

// Job carries the fields common to both families.
type Job struct {
	ID            string     `json:"id"`
	Family        JobFamily  `json:"family"`
	UserID        string     `json:"userId"`
	Status        JobStatus  `json:"status"`
	Priority      int        `json:"priority"` // 0..100
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	Progress      int        `json:"progress"` // 0..100
	QueuePosition int        `json:"queuePosition,omitempty"`
	RequestID     string     `json:"requestId,omitempty"`
	SubscriberTag string     `json:"subscriberTag,omitempty"`
	RetryCount    int        `json:"retryCount,omitempty"`
	Error         *AppError  `json:"error,omitempty"`
}

// LLMJob is a CLI invocation of the assistant binary.
type LLMJob struct {
	Job
	Prompt           string `json:"prompt"`
	SystemPrompt     string `json:"systemPrompt,omitempty"`
	Model            string `json:"model,omitempty"`
	MaxTokens        int    `json:"maxTokens,omitempty"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	TimeoutMs        int64  `json:"timeoutMs"`
	Stdout           string `json:"stdout,omitempty"`
	Stderr           string `json:"stderr,omitempty"`
	ExitCode         *int   `json:"exitCode,omitempty"`
	// PID and OwnerPID are persisted while running so a restarted node can
	// reclaim zombies. OwnerPID guards against pid reuse across restarts.
	PID      int `json:"pid,omitempty"`
	OwnerPID int `json:"ownerPid,omitempty"`
}

// RenderOptions parameterize offline audio synthesis.
type RenderOptions struct {
	Duration   float64 `json:"duration"   validate:"required,gt=0,lte=300"`
	SampleRate int     `json:"sampleRate" validate:"required,oneof=22050 44100 48000 96000"`
	Channels   int     `json:"channels"   validate:"required,oneof=1 2"`
	Format     string  `json:"format"     validate:"omitempty,eq=wav"`
	Tempo      float64 `json:"tempo,omitempty" validate:"omitempty,gt=0"`
}

// RenderMetadata describes an encoded render result.
type RenderMetadata struct {
	Duration   float64 `json:"duration"`
	SampleRate int     `json:"sampleRate"`
	Channels   int     `json:"channels"`
	Format     string  `json:"format"`
	FileSize   int     `json:"fileSize"`
}

// RenderTiming breaks down where a render spent its time.
type RenderTiming struct {
	ValidationMs int64 `json:"validationMs"`
	RenderMs     int64 `json:"renderMs"`
	EncodeMs     int64 `json:"encodeMs"`
	TotalMs      int64 `json:"totalMs"`
}

// RenderResult is the terminal payload of a successful render job.
type RenderResult struct {
	AudioBase64 string         `json:"audioBase64"`
	Metadata    RenderMetadata `json:"metadata"`
	Timing      RenderTiming   `json:"timing"`
}

// ValidationResult reports pattern validation findings.
type ValidationResult struct {
	IsValid          bool              `json:"isValid"`
	Errors           []ValidationIssue `json:"errors,omitempty"`
	Warnings         []string          `json:"warnings,omitempty"`
	ValidationTimeMs int64             `json:"validationTimeMs"`
}

// ValidationIssue is a single validation error with optional position.
type ValidationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

// RenderJob is an offline pattern render.
type RenderJob struct {
	Job
	Code       string            `json:"code"`
	Options    RenderOptions     `json:"options"`
	Validation *ValidationResult `json:"validation,omitempty"`
	Result     *RenderResult     `json:"result,omitempty"`
}

// QueueEntry is the shape stored in a family's priority queue. The sorted
// set score is -priority*1e15 + enqueuedAt millis: higher priority first,
// FIFO on ties.
type QueueEntry struct {
	JobID      string    `json:"jobId"`
	UserID     string    `json:"userId"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Score computes the sorted-set score for the entry.
func (e QueueEntry) Score() float64 {
	return -float64(e.Priority)*1e15 + float64(e.EnqueuedAt.UnixMilli())
}

// EventKind discriminates progress-bus events.
type EventKind string

const (
	EventQueued   EventKind = "queued"
	EventProgress EventKind = "progress"
	EventTerminal EventKind = "terminal"
)

// Event is what the progress bus fans out per job. Per job the stream is
// totally ordered (queued)* -> (progress)* -> terminal; exactly one
// terminal event is published for every accepted job.
type Event struct {
	Kind        EventKind `json:"kind"`
	JobID       string    `json:"jobId"`
	Status      JobStatus `json:"status"`
	Progress    int       `json:"progress,omitempty"`
	Position    int       `json:"position,omitempty"`
	QueueLength int       `json:"queueLength,omitempty"`
	Message     string    `json:"message,omitempty"`
	Result      any       `json:"result,omitempty"`
	Error       *AppError `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// EventPublisher is the port the executors and scheduler emit through.
type EventPublisher interface {
	Publish(jobID string, ev Event)
}

// EventSink mirrors terminal events to an external system (fire and
// forget, at most once).
type EventSink interface {
	Archive(ctx context.Context, ev Event) error
	Close()
}

// ExecInput is the family-agnostic input handed to an Executor.
type ExecInput struct {
	JobID   string
	Prompt  string
	Payload any
}

// ExecResult is the family-agnostic output of an Executor.
type ExecResult struct {
	Output string
	Data   any
}

// Health reports executor liveness for registration-time checks.
type Health struct {
	OK      bool
	Details string
}

// Executor abstracts the things that can run a unit of work: the process
// manager, the render pipeline, and user-registered custom executors.
type Executor interface {
	Execute(ctx context.Context, in ExecInput) (ExecResult, error)
	HealthCheck(ctx context.Context) Health
}
