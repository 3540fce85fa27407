// Package procman owns child-process lifetime for LLM jobs: spawning the
// assistant CLI, capturing output, enforcing deadlines, cancellation, and
// zombie reclamation across restarts.
package procman

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/wavecraft/studio-core/internal/adapter/observability"
	"github.com/wavecraft/studio-core/internal/adapter/state"
	"github.com/wavecraft/studio-core/internal/domain"
)

// killGrace is how long a cancelled process gets to exit after SIGTERM
// before escalation to SIGKILL.
const killGrace = 2 * time.Second

// maxCapturedOutput bounds each of stdout/stderr kept on the record.
const maxCapturedOutput = 1 << 20

// Config parameterizes the manager.
type Config struct {
	// CLIPath is the assistant binary; resolved through PATH.
	CLIPath string
	// DefaultTimeout applies when a job carries no TimeoutMs.
	DefaultTimeout time.Duration
	// MaxPromptTokens rejects oversized prompts at admission; 0 disables.
	MaxPromptTokens int
	// MaxRetries bounds the failed -> queued transient retry re-entry.
	MaxRetries int
}

type entry struct {
	pid int
	// proc is always set; cmd only for processes spawned by this run.
	// Reclaimed entries carry a bare handle from os.FindProcess.
	proc      *os.Process
	cmd       *exec.Cmd
	startedAt time.Time
	cancelled bool
	done      chan struct{}
}

// Manager spawns and tracks assistant CLI processes. It implements
// domain.Executor for the LLM family.
type Manager struct {
	cfg    Config
	states *state.Store
	bus    domain.EventPublisher

	mu    sync.Mutex
	table map[string]*entry

	encoder *tiktoken.Tiktoken
}

// New builds a Manager. Token estimation degrades to disabled if the
// encoding cannot be loaded.
func New(cfg Config, states *state.Store, bus domain.EventPublisher) *Manager {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Warn("token encoding unavailable, prompt budget checks disabled", slog.Any("error", err))
		enc = nil
	}
	return &Manager{cfg: cfg, states: states, bus: bus, table: map[string]*entry{}, encoder: enc}
}

// PromptTokens estimates the token count of a prompt; -1 when estimation
// is unavailable.
func (m *Manager) PromptTokens(prompt string) int {
	if m.encoder == nil {
		return -1
	}
	return len(m.encoder.Encode(prompt, nil, nil))
}

// HealthCheck reports whether the CLI binary is resolvable.
func (m *Manager) HealthCheck(_ context.Context) domain.Health {
	if _, err := exec.LookPath(m.cfg.CLIPath); err != nil {
		return domain.Health{OK: false, Details: fmt.Sprintf("cli not found: %v", err)}
	}
	return domain.Health{OK: true}
}

// Execute runs the job's CLI invocation to completion. The payload must be
// a *domain.LLMJob; stdout, stderr, exit code and pid are written back to
// the job as the process runs.
func (m *Manager) Execute(ctx context.Context, in domain.ExecInput) (domain.ExecResult, error) {
	job, ok := in.Payload.(*domain.LLMJob)
	if !ok {
		return domain.ExecResult{}, fmt.Errorf("op=procman.Execute: %w: payload is not an LLM job", domain.ErrInternal)
	}
	if m.cfg.MaxPromptTokens > 0 {
		if n := m.PromptTokens(job.Prompt); n > m.cfg.MaxPromptTokens {
			return domain.ExecResult{}, domain.NewAppError(domain.CodeValidationError,
				"prompt exceeds token budget").WithDetail("tokens", n).WithDetail("maxTokens", m.cfg.MaxPromptTokens)
		}
	}

	bin, err := exec.LookPath(m.cfg.CLIPath)
	if err != nil {
		return domain.ExecResult{}, domain.NewAppError(domain.CodeCLIUnavailable,
			fmt.Sprintf("assistant cli %q not found", m.cfg.CLIPath))
	}

	timeout := m.cfg.DefaultTimeout
	if job.TimeoutMs > 0 {
		timeout = time.Duration(job.TimeoutMs) * time.Millisecond
	}

	args := buildArgs(job)
	cmd := exec.Command(bin, args...)
	cmd.Stdin = bytes.NewReader([]byte(job.Prompt))
	var stdout, stderr boundedBuffer
	stdout.limit, stderr.limit = maxCapturedOutput, maxCapturedOutput
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if job.WorkingDirectory != "" {
		cmd.Dir = job.WorkingDirectory
	}

	if err := cmd.Start(); err != nil {
		return domain.ExecResult{}, domain.NewAppError(domain.CodeSpawnFailed, err.Error())
	}

	e := &entry{pid: cmd.Process.Pid, proc: cmd.Process, cmd: cmd, startedAt: time.Now().UTC(), done: make(chan struct{})}
	m.mu.Lock()
	m.table[job.ID] = e
	m.mu.Unlock()
	observability.ProcessesActive.Inc()
	defer func() {
		m.mu.Lock()
		delete(m.table, job.ID)
		m.mu.Unlock()
		observability.ProcessesActive.Dec()
	}()

	// Persist the pid so a restarted node can reclaim this process if we
	// die before it exits.
	job.PID = e.pid
	job.OwnerPID = os.Getpid()
	if err := m.states.SaveLLM(ctx, job); err != nil {
		slog.Warn("failed to persist pid for reclamation", slog.String("job_id", job.ID), slog.Any("error", err))
	}

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		close(e.done)
		waitErr <- err
	}()
	// Single deadline timer per job; firing takes the cancellation path.
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var runErr error
	var timedOut bool
	select {
	case runErr = <-waitErr:
	case <-timer.C:
		timedOut = true
		m.terminate(e)
		runErr = <-waitErr
	case <-ctx.Done():
		m.terminate(e)
		runErr = <-waitErr
	}

	job.Stdout = stdout.String()
	job.Stderr = stderr.String()
	exitCode := cmd.ProcessState.ExitCode()
	job.ExitCode = &exitCode
	job.PID = 0
	job.OwnerPID = 0

	switch {
	case timedOut:
		return domain.ExecResult{}, fmt.Errorf("op=procman.Execute job=%s: %w", job.ID, domain.ErrTimeout)
	case ctx.Err() != nil:
		return domain.ExecResult{}, ctx.Err()
	case m.wasCancelled(e):
		return domain.ExecResult{}, context.Canceled
	case runErr != nil:
		return domain.ExecResult{}, domain.NewAppError(domain.CodeExecutionFailed,
			fmt.Sprintf("process exited with code %d", exitCode)).
			WithDetail("exitCode", exitCode).WithDetail("stderr", truncate(job.Stderr, 2048))
	}
	return domain.ExecResult{Output: job.Stdout, Data: job}, nil
}

func buildArgs(job *domain.LLMJob) []string {
	var args []string
	if job.Model != "" {
		args = append(args, "--model", job.Model)
	}
	if job.MaxTokens > 0 {
		args = append(args, "--max-tokens", strconv.Itoa(job.MaxTokens))
	}
	if job.SystemPrompt != "" {
		args = append(args, "--system-prompt", job.SystemPrompt)
	}
	// Prompt travels on stdin; --print requests plain-text output.
	args = append(args, "--print")
	return args
}

// terminate sends SIGTERM and escalates to SIGKILL after the grace period.
func (m *Manager) terminate(e *entry) {
	if e.proc == nil {
		return
	}
	_ = e.proc.Signal(syscall.SIGTERM)
	go func(p *os.Process) {
		timer := time.NewTimer(killGrace)
		defer timer.Stop()
		select {
		case <-e.done:
		case <-timer.C:
		}
		// Kill is a no-op error on an already-exited process.
		_ = p.Kill()
	}(e.proc)
}

func (m *Manager) wasCancelled(e *entry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return e.cancelled
}

// Cancel terminates the process for jobID. Returns true iff it was live.
func (m *Manager) Cancel(jobID string) bool {
	m.mu.Lock()
	e, ok := m.table[jobID]
	if ok {
		e.cancelled = true
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.terminate(e)
	return true
}

// WaitAll blocks until every tracked process exits or the timeout elapses.
// Used at shutdown.
func (m *Manager) WaitAll(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		n := len(m.table)
		m.mu.Unlock()
		if n == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// ReclaimZombies scans persisted LLM records for pids left behind by a
// previous run. Dead pids and pids owned by a foreign process become
// cancelled terminal states; a live pid owned by the current process is
// re-registered. Safe to run at any startup; it never signals a process
// it does not own.
func (m *Manager) ReclaimZombies(ctx context.Context) error {
	ids, err := m.states.NonTerminalIDs(ctx, domain.FamilyLLM)
	if err != nil {
		return fmt.Errorf("op=procman.ReclaimZombies: %w", err)
	}
	self := os.Getpid()
	for _, id := range ids {
		job, err := m.states.GetLLM(ctx, id)
		if err != nil || job.PID == 0 || job.Status.IsTerminal() {
			continue
		}
		alive := pidAlive(job.PID)
		if alive && job.OwnerPID == self {
			proc, _ := os.FindProcess(job.PID)
			e := &entry{pid: job.PID, proc: proc, startedAt: time.Now().UTC(), done: make(chan struct{})}
			m.mu.Lock()
			m.table[job.ID] = e
			m.mu.Unlock()
			go m.watchReclaimed(job.ID, e)
			slog.Info("re-registered live process", slog.String("job_id", job.ID), slog.Int("pid", job.PID))
			continue
		}
		// Either the process is gone or it belongs to someone else (pid
		// reuse after restart). The job cannot be tracked any further.
		now := time.Now().UTC()
		job.Status = domain.JobCancelled
		job.CompletedAt = &now
		job.PID = 0
		job.OwnerPID = 0
		job.Error = domain.NewAppError(domain.CodeExecutionFailed, "process orphaned by restart")
		if err := m.states.SaveLLM(ctx, job); err != nil {
			slog.Warn("zombie reclamation save failed", slog.String("job_id", job.ID), slog.Any("error", err))
			continue
		}
		observability.ZombiesReclaimed.Inc()
		if m.bus != nil {
			m.bus.Publish(job.ID, domain.Event{
				Kind: domain.EventTerminal, Status: domain.JobCancelled, Error: job.Error,
			})
		}
		slog.Info("reclaimed zombie job", slog.String("job_id", job.ID), slog.Int("pid", job.PID), slog.Bool("was_alive", alive))
	}
	return nil
}

// watchReclaimed polls a re-registered process until it exits, then
// resolves the entry: without a wait handle there is no exit code, so the
// job ends terminal with the outcome unknown (cancelled if we asked for
// it, failed otherwise).
func (m *Manager) watchReclaimed(jobID string, e *entry) {
	for pidAlive(e.pid) {
		time.Sleep(500 * time.Millisecond)
	}
	close(e.done)
	m.mu.Lock()
	delete(m.table, jobID)
	cancelled := e.cancelled
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job, err := m.states.GetLLM(ctx, jobID)
	if err != nil || job.Status.IsTerminal() {
		return
	}
	now := time.Now().UTC()
	job.CompletedAt = &now
	job.PID = 0
	job.OwnerPID = 0
	if cancelled {
		job.Status = domain.JobCancelled
	} else {
		job.Status = domain.JobFailed
		job.Error = domain.NewAppError(domain.CodeExecutionFailed, "reclaimed process exited without a tracked result")
	}
	if err := m.states.SaveLLM(ctx, job); err != nil {
		slog.Warn("reclaimed process resolution save failed", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	if m.bus != nil {
		m.bus.Publish(jobID, domain.Event{Kind: domain.EventTerminal, Status: job.Status, Error: job.Error})
	}
	slog.Info("reclaimed process exited", slog.String("job_id", jobID), slog.Int("pid", e.pid), slog.Bool("cancelled", cancelled))
}

func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

type boundedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if b.buf.Len() >= b.limit {
		return len(p), nil // swallow past the cap, report success to the child
	}
	if rem := b.limit - b.buf.Len(); len(p) > rem {
		b.buf.Write(p[:rem])
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *boundedBuffer) String() string { return b.buf.String() }
