// Package state persists job records and priority queues on the KV plane.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wavecraft/studio-core/internal/adapter/kv"
	"github.com/wavecraft/studio-core/internal/domain"
)

// JobTTL is how long job records live after their last write.
const JobTTL = 24 * time.Hour

const scanBatch = 200

// Store keeps per-job records under <family>:job:<id> with a 24h TTL.
// Every successful write also lands in an in-memory shadow; reads merge
// the authoritative remote record with the shadow, remote winning.
type Store struct {
	kv  kv.Store
	ttl time.Duration

	mu     sync.RWMutex
	shadow map[string][]byte
}

// NewStore builds a Store over the given KV plane.
func NewStore(store kv.Store) *Store {
	return &Store{kv: store, ttl: JobTTL, shadow: map[string][]byte{}}
}

func jobKey(family domain.JobFamily, id string) string {
	return fmt.Sprintf("%s:job:%s", family, id)
}

// writeBackoff yields the 100ms then 500ms retry schedule.
func writeBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 5
	b.RandomizationFactor = 0
	b.MaxInterval = 500 * time.Millisecond
	return backoff.WithMaxRetries(b, 2)
}

// save marshals and writes a record, retrying transient KV failures twice.
// Exhaustion surfaces domain.ErrStatePersistence: the caller must abort the
// enclosing transition, fail the job and emit a terminal event.
func (s *Store) save(ctx context.Context, key string, record any) error {
	blob, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("op=state.save: %w: %v", domain.ErrInternal, err)
	}
	op := func() error {
		if err := s.kv.SetEx(ctx, key, string(blob), s.ttl); err != nil {
			if domain.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(writeBackoff(), ctx)); err != nil {
		return fmt.Errorf("op=state.save key=%s: %w: %v", key, domain.ErrStatePersistence, err)
	}
	s.mu.Lock()
	s.shadow[key] = blob
	s.mu.Unlock()
	return nil
}

// load fetches a record, consulting the shadow when the remote misses.
func (s *Store) load(ctx context.Context, key string, out any) error {
	blob, err := s.kv.Get(ctx, key)
	if err == nil {
		s.mu.Lock()
		s.shadow[key] = []byte(blob)
		s.mu.Unlock()
		return json.Unmarshal([]byte(blob), out)
	}
	if !errors.Is(err, domain.ErrNotFound) && !domain.IsTransient(err) {
		return err
	}
	s.mu.RLock()
	cached, ok := s.shadow[key]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("op=state.load key=%s: %w", key, domain.ErrNotFound)
	}
	return json.Unmarshal(cached, out)
}

// SaveLLM persists an LLM job record.
func (s *Store) SaveLLM(ctx context.Context, j *domain.LLMJob) error {
	return s.save(ctx, jobKey(domain.FamilyLLM, j.ID), j)
}

// GetLLM loads an LLM job record.
func (s *Store) GetLLM(ctx context.Context, id string) (*domain.LLMJob, error) {
	var j domain.LLMJob
	if err := s.load(ctx, jobKey(domain.FamilyLLM, id), &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// SaveRender persists a render job record.
func (s *Store) SaveRender(ctx context.Context, j *domain.RenderJob) error {
	return s.save(ctx, jobKey(domain.FamilyRender, j.ID), j)
}

// GetRender loads a render job record.
func (s *Store) GetRender(ctx context.Context, id string) (*domain.RenderJob, error) {
	var j domain.RenderJob
	if err := s.load(ctx, jobKey(domain.FamilyRender, id), &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Delete removes a job record.
func (s *Store) Delete(ctx context.Context, family domain.JobFamily, id string) error {
	key := jobKey(family, id)
	s.mu.Lock()
	delete(s.shadow, key)
	s.mu.Unlock()
	return s.kv.Del(ctx, key)
}

// NonTerminalIDs scans a family for jobs that have not reached a terminal
// state. Used by zombie reclamation at startup.
func (s *Store) NonTerminalIDs(ctx context.Context, family domain.JobFamily) ([]string, error) {
	match := fmt.Sprintf("%s:job:*", family)
	var ids []string
	var cursor uint64
	for {
		keys, next, err := s.kv.Scan(ctx, cursor, match, scanBatch)
		if err != nil {
			return nil, fmt.Errorf("op=state.NonTerminalIDs: %w", err)
		}
		for _, key := range keys {
			blob, err := s.kv.Get(ctx, key)
			if err != nil {
				continue
			}
			var j domain.Job
			if err := json.Unmarshal([]byte(blob), &j); err != nil {
				continue
			}
			if !j.Status.IsTerminal() {
				ids = append(ids, j.ID)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return ids, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Status domain.JobStatus
}

// Page is offset pagination metadata.
type Page struct {
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
	Total    int `json:"total"`
}

// List returns job summaries for a user, newest first. It cursor-scans the
// family prefix and filters and paginates in memory.
func (s *Store) List(ctx context.Context, family domain.JobFamily, userID string, f ListFilter, page, pageSize int) ([]domain.Job, Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	match := fmt.Sprintf("%s:job:*", family)
	var jobs []domain.Job
	var cursor uint64
	for {
		keys, next, err := s.kv.Scan(ctx, cursor, match, scanBatch)
		if err != nil {
			return nil, Page{}, fmt.Errorf("op=state.List: %w", err)
		}
		for _, key := range keys {
			blob, err := s.kv.Get(ctx, key)
			if err != nil {
				continue // evicted between scan and get
			}
			var j domain.Job
			if err := json.Unmarshal([]byte(blob), &j); err != nil {
				continue
			}
			if j.UserID != userID {
				continue
			}
			if f.Status != "" && j.Status != f.Status {
				continue
			}
			jobs = append(jobs, j)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	total := len(jobs)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return jobs[start:end], Page{Page: page, PageSize: pageSize, Total: total}, nil
}
