package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wavecraft/studio-core/internal/adapter/kv"
	"github.com/wavecraft/studio-core/internal/adapter/observability"
	"github.com/wavecraft/studio-core/internal/adapter/state"
	"github.com/wavecraft/studio-core/internal/domain"
)

// terminalWriteTimeout bounds the terminal state write after a job's own
// context is already done.
const terminalWriteTimeout = 10 * time.Second

// Config parameterizes one family's scheduler.
type Config struct {
	MaxConcurrent       int
	Tick                time.Duration
	EstimatedJobSeconds int
	MaxRetries          int
}

// SubmitResult reports how an admitted job was handled. Inline jobs ran
// to a terminal state before Submit returned; queued jobs carry their
// position and a wait estimate.
type SubmitResult struct {
	Inline               bool
	Position             int
	QueueLength          int
	EstimatedWaitSeconds int
}

// Scheduler runs one family's admission and dispatch loop.
type Scheduler struct {
	cfg      Config
	family   Family
	queue    *state.Queue
	limiter  *kv.RateLimiter
	executor domain.Executor
	bus      domain.EventPublisher
	log      *slog.Logger

	slots chan struct{}
	kick  chan struct{}

	mu      sync.Mutex
	running map[string]context.CancelFunc

	wg sync.WaitGroup
}

// New builds a Scheduler. limiter may be nil to disable rate limiting.
func New(cfg Config, family Family, queue *state.Queue, limiter *kv.RateLimiter, executor domain.Executor, bus domain.EventPublisher, log *slog.Logger) *Scheduler {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.EstimatedJobSeconds <= 0 {
		cfg.EstimatedJobSeconds = 30
	}
	return &Scheduler{
		cfg:      cfg,
		family:   family,
		queue:    queue,
		limiter:  limiter,
		executor: executor,
		bus:      bus,
		log:      log.With(slog.String("family", string(family.Name()))),
		slots:    make(chan struct{}, cfg.MaxConcurrent),
		kick:     make(chan struct{}, 1),
		running:  map[string]context.CancelFunc{},
	}
}

// Start launches the dispatch loop. It returns immediately; the loop
// stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
}

// Drain waits for the loop and all in-flight jobs, up to timeout.
func (s *Scheduler) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Submit admits a job. The record must not exist yet: Submit creates it
// after the queue accepts the entry, so a full queue leaves no trace.
// When a slot is free the job executes inline and Submit returns after
// the terminal state is written.
func (s *Scheduler) Submit(ctx context.Context, header *domain.Job, payload any) (*SubmitResult, error) {
	if s.limiter != nil {
		if err := s.limiter.Allow(ctx, string(s.family.Name()), header.UserID); err != nil {
			return nil, err
		}
	}

	select {
	case s.slots <- struct{}{}:
		observability.JobsSubmittedTotal.WithLabelValues(string(s.family.Name()), "inline").Inc()
		s.wg.Add(1)
		s.execute(ctx, header, payload)
		return &SubmitResult{Inline: true}, nil
	default:
	}

	entry := domain.QueueEntry{
		JobID:      header.ID,
		UserID:     header.UserID,
		Priority:   header.Priority,
		EnqueuedAt: time.Now().UTC(),
	}
	pos, err := s.queue.Push(ctx, entry)
	if err != nil {
		return nil, err
	}
	header.Status = domain.JobQueued
	header.QueuePosition = pos
	if err := s.family.Save(ctx, payload); err != nil {
		_, _ = s.queue.Remove(ctx, header.ID)
		return nil, err
	}
	qlen, _ := s.queue.Len(ctx)
	s.bus.Publish(header.ID, domain.Event{
		Kind: domain.EventQueued, Status: domain.JobQueued,
		Position: pos, QueueLength: qlen,
	})
	observability.JobsSubmittedTotal.WithLabelValues(string(s.family.Name()), "queued").Inc()
	observability.JobsEnqueuedTotal.WithLabelValues(string(s.family.Name())).Inc()
	observability.QueueDepth.WithLabelValues(string(s.family.Name())).Set(float64(qlen))
	s.kickLoop()

	return &SubmitResult{
		Position:             pos,
		QueueLength:          qlen,
		EstimatedWaitSeconds: pos * s.cfg.EstimatedJobSeconds / s.cfg.MaxConcurrent,
	}, nil
}

// Cancel cancels the job with the given id. Queued jobs flip straight to
// a cancelled terminal state; running jobs take the executor's
// cancellation path. Terminal jobs report false.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	header, payload, err := s.family.Load(ctx, id)
	if err != nil {
		return false, err
	}
	if header.Status.IsTerminal() {
		return false, nil
	}

	s.mu.Lock()
	cancel, live := s.running[id]
	s.mu.Unlock()
	if live {
		cancel()
		return true, nil
	}

	removed, err := s.queue.Remove(ctx, id)
	if err != nil {
		return false, err
	}
	if !removed && header.Status != domain.JobQueued && header.Status != domain.JobPending {
		// Raced with dispatch; the running map will have it shortly.
		s.mu.Lock()
		cancel, live = s.running[id]
		s.mu.Unlock()
		if live {
			cancel()
			return true, nil
		}
	}
	now := time.Now().UTC()
	header.Status = domain.JobCancelled
	header.CompletedAt = &now
	if err := s.family.Save(ctx, payload); err != nil {
		return false, err
	}
	s.bus.Publish(id, domain.Event{Kind: domain.EventTerminal, Status: domain.JobCancelled})
	observability.JobsTerminalTotal.WithLabelValues(string(s.family.Name()), string(domain.JobCancelled)).Inc()
	return true, nil
}

func (s *Scheduler) kickLoop() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.dispatch(ctx)
	}
}

// dispatch drains the queue into free slots.
func (s *Scheduler) dispatch(ctx context.Context) {
	for {
		select {
		case s.slots <- struct{}{}:
		default:
			return
		}

		entry, ok, err := s.queue.Pop(ctx)
		if err != nil || !ok {
			<-s.slots
			if err != nil {
				s.log.Warn("queue pop failed", slog.Any("error", err))
			}
			return
		}
		s.refreshPositions(ctx)

		header, payload, err := s.family.Load(ctx, entry.JobID)
		if err != nil {
			<-s.slots
			s.log.Warn("queued job record missing, dropping", slog.String("job_id", entry.JobID), slog.Any("error", err))
			continue
		}
		if header.Status != domain.JobQueued {
			// Cancelled or otherwise moved on while queued.
			<-s.slots
			continue
		}

		s.wg.Add(1)
		go s.execute(ctx, header, payload)
	}
}

// refreshPositions emits queued events for entries whose position moved
// after a pop, and updates the depth gauge.
func (s *Scheduler) refreshPositions(ctx context.Context) {
	positions, err := s.queue.Positions(ctx)
	if err != nil {
		return
	}
	qlen := len(positions)
	observability.QueueDepth.WithLabelValues(string(s.family.Name())).Set(float64(qlen))
	for id, pos := range positions {
		s.bus.Publish(id, domain.Event{
			Kind: domain.EventQueued, Status: domain.JobQueued,
			Position: pos, QueueLength: qlen,
		})
	}
}

// execute runs one job to its terminal state. The caller must hold a
// slot and have bumped the wait group; both are released here.
func (s *Scheduler) execute(ctx context.Context, header *domain.Job, payload any) {
	defer func() {
		<-s.slots
		s.wg.Done()
		s.kickLoop()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.running[header.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, header.ID)
		s.mu.Unlock()
	}()

	now := time.Now().UTC()
	header.Status = domain.JobRunning
	header.StartedAt = &now
	header.QueuePosition = 0
	if err := s.family.Save(ctx, payload); err != nil {
		s.finish(header, payload, domain.ExecResult{}, err)
		return
	}
	s.bus.Publish(header.ID, domain.Event{
		Kind: domain.EventProgress, Status: domain.JobRunning, Progress: header.Progress,
	})

	family := string(s.family.Name())
	observability.JobsActive.WithLabelValues(family).Inc()
	started := time.Now()
	res, err := s.executor.Execute(runCtx, s.family.Input(payload))
	observability.JobsActive.WithLabelValues(family).Dec()
	observability.JobDuration.WithLabelValues(family).Observe(time.Since(started).Seconds())

	if err != nil && domain.IsTransient(err) && header.RetryCount < s.cfg.MaxRetries {
		s.requeue(header, payload, err)
		return
	}
	s.finish(header, payload, res, err)
}

// requeue takes the sanctioned failed -> queued re-entry for a transient
// failure with retry budget left.
func (s *Scheduler) requeue(header *domain.Job, payload any, cause error) {
	ctx, cancelWrite := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancelWrite()

	header.RetryCount++
	entry := domain.QueueEntry{
		JobID:      header.ID,
		UserID:     header.UserID,
		Priority:   header.Priority,
		EnqueuedAt: time.Now().UTC(),
	}
	pos, err := s.queue.Push(ctx, entry)
	if err != nil {
		s.finish(header, payload, domain.ExecResult{}, cause)
		return
	}
	header.Status = domain.JobQueued
	header.QueuePosition = pos
	header.StartedAt = nil
	if err := s.family.Save(ctx, payload); err != nil {
		_, _ = s.queue.Remove(ctx, header.ID)
		s.finish(header, payload, domain.ExecResult{}, err)
		return
	}
	qlen, _ := s.queue.Len(ctx)
	s.bus.Publish(header.ID, domain.Event{
		Kind: domain.EventQueued, Status: domain.JobQueued,
		Position: pos, QueueLength: qlen,
		Message: fmt.Sprintf("retry %d after transient failure", header.RetryCount),
	})
	s.log.Info("requeued after transient failure",
		slog.String("job_id", header.ID), slog.Int("retry", header.RetryCount), slog.Any("cause", cause))
	s.kickLoop()
}

// finish writes the terminal state and publishes the terminal event.
// Exactly one terminal event leaves here per executed job.
func (s *Scheduler) finish(header *domain.Job, payload any, res domain.ExecResult, execErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()

	now := time.Now().UTC()
	header.CompletedAt = &now
	ev := domain.Event{Kind: domain.EventTerminal}
	switch {
	case execErr == nil:
		header.Status = domain.JobCompleted
		header.Progress = 100
		ev.Result = res.Data
	case errors.Is(execErr, context.Canceled):
		header.Status = domain.JobCancelled
	case errors.Is(execErr, domain.ErrTimeout):
		header.Status = domain.JobTimeout
		header.Error = domain.AsAppError(execErr)
		ev.Error = header.Error
	default:
		header.Status = domain.JobFailed
		header.Error = domain.AsAppError(execErr)
		ev.Error = header.Error
	}
	ev.Status = header.Status
	ev.Progress = header.Progress

	if err := s.family.Save(ctx, payload); err != nil {
		// The record write is gone; subscribers still deserve the event.
		s.log.Error("terminal state write failed",
			slog.String("job_id", header.ID), slog.String("status", string(header.Status)), slog.Any("error", err))
	}
	s.bus.Publish(header.ID, ev)
	observability.JobsTerminalTotal.WithLabelValues(string(s.family.Name()), string(header.Status)).Inc()
}
