// Package eventbus fans job progress events out to in-process subscribers.
//
// Per job the stream is totally ordered: (queued)* -> (progress)* ->
// terminal. The terminal snapshot is retained so a subscriber arriving
// after completion still receives a terminal event before its stream
// closes.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wavecraft/studio-core/internal/domain"
)

const subscriberBuffer = 128

// terminalRetention bounds how long terminal snapshots are replayable from
// the bus itself; older completions are served from the state store.
const terminalRetention = time.Hour

type subscriber struct {
	ch     chan domain.Event
	closed bool
}

// Bus is the per-job subscription registry.
type Bus struct {
	mu        sync.Mutex
	subs      map[string][]*subscriber
	terminals map[string]domain.Event
	termAt    map[string]time.Time
	sink      domain.EventSink
}

// New builds a Bus. sink may be nil; when set, terminal events are
// mirrored to it fire-and-forget.
func New(sink domain.EventSink) *Bus {
	return &Bus{
		subs:      map[string][]*subscriber{},
		terminals: map[string]domain.Event{},
		termAt:    map[string]time.Time{},
		sink:      sink,
	}
}

// Publish delivers ev to every subscriber of jobID, in order. Exactly one
// terminal event is expected per job; it closes all streams.
func (b *Bus) Publish(jobID string, ev domain.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	ev.JobID = jobID

	b.mu.Lock()
	if _, done := b.terminals[jobID]; done {
		// Terminal already emitted; the state machine forbids more events.
		b.mu.Unlock()
		return
	}
	if ev.Kind == domain.EventTerminal {
		b.terminals[jobID] = ev
		b.termAt[jobID] = time.Now()
		b.pruneLocked()
	}
	// Delivery happens under the lock: sends are non-blocking and this is
	// what guarantees per-job ordering and close-exactly-once against a
	// racing Subscribe cancel.
	for _, s := range b.subs[jobID] {
		if s.closed {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			// Buffer full: evict the oldest buffered event so the newest
			// one lands. The terminal event in particular must reach every
			// subscriber before its stream closes.
			select {
			case dropped := <-s.ch:
				slog.Warn("event subscriber buffer full, dropping oldest",
					slog.String("job_id", jobID), slog.String("kind", string(dropped.Kind)))
			default:
			}
			select {
			case s.ch <- ev:
			default:
			}
		}
		if ev.Kind == domain.EventTerminal {
			s.closed = true
			close(s.ch)
		}
	}
	if ev.Kind == domain.EventTerminal {
		delete(b.subs, jobID)
	}
	b.mu.Unlock()

	if ev.Kind == domain.EventTerminal && b.sink != nil {
		go func(ev domain.Event) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := b.sink.Archive(ctx, ev); err != nil {
				slog.Warn("terminal event archive failed", slog.String("job_id", ev.JobID), slog.Any("error", err))
			}
		}(ev)
	}
}

// Subscribe returns an ordered event stream for jobID. If the job already
// reached a terminal state the stream delivers the retained terminal
// snapshot and closes immediately. The cancel func detaches the subscriber.
func (b *Bus) Subscribe(jobID string) (<-chan domain.Event, func()) {
	b.mu.Lock()
	if term, done := b.terminals[jobID]; done {
		b.mu.Unlock()
		ch := make(chan domain.Event, 1)
		ch <- term
		close(ch)
		return ch, func() {}
	}
	s := &subscriber{ch: make(chan domain.Event, subscriberBuffer)}
	b.subs[jobID] = append(b.subs[jobID], s)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[jobID]
		for i, cur := range list {
			if cur == s {
				b.subs[jobID] = append(list[:i], list[i+1:]...)
				if !cur.closed {
					cur.closed = true
					close(cur.ch)
				}
				break
			}
		}
	}
	return s.ch, cancel
}

// Terminal returns the retained terminal event for jobID, if any.
func (b *Bus) Terminal(jobID string) (domain.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.terminals[jobID]
	return ev, ok
}

// pruneLocked drops terminal snapshots past retention. Callers hold b.mu.
func (b *Bus) pruneLocked() {
	cutoff := time.Now().Add(-terminalRetention)
	for id, at := range b.termAt {
		if at.Before(cutoff) {
			delete(b.termAt, id)
			delete(b.terminals, id)
		}
	}
}
