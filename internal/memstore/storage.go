// Package memstore is a non-durable domain.Storage. A transaction works on a private copy of the
// whole state and swaps it in on commit, so a failed transaction leaves nothing behind.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/sf7293/task-relay/internal/domain"
	"github.com/sf7293/task-relay/internal/errval"
)

type state struct {
	tasks       map[string]domain.Task
	history     []domain.TaskStatusChangeHistory
	historySeq  int64
	consumers   map[string]domain.Consumer
	deadLetters map[string]domain.DeadLetter
	lock        domain.WriteLock
}

func newState() *state {
	return &state{
		tasks:       map[string]domain.Task{},
		consumers:   map[string]domain.Consumer{},
		deadLetters: map[string]domain.DeadLetter{},
	}
}

func (s *state) clone() *state {
	c := &state{
		tasks:       make(map[string]domain.Task, len(s.tasks)),
		history:     make([]domain.TaskStatusChangeHistory, len(s.history)),
		historySeq:  s.historySeq,
		consumers:   make(map[string]domain.Consumer, len(s.consumers)),
		deadLetters: make(map[string]domain.DeadLetter, len(s.deadLetters)),
		lock:        s.lock,
	}
	for k, v := range s.tasks {
		c.tasks[k] = v
	}
	copy(c.history, s.history)
	for k, v := range s.consumers {
		c.consumers[k] = v
	}
	for k, v := range s.deadLetters {
		c.deadLetters[k] = v
	}
	return c
}

type Storage struct {
	mu sync.Mutex
	st *state
}

var _ domain.Storage = (*Storage)(nil)

func New() *Storage {
	return &Storage{st: newState()}
}

func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

// InTx serializes transactions, which gives every row the same guarantees as a row lock.
func (s *Storage) InTx(ctx context.Context, fn func(tx domain.StorageTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(&tx{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Storage) GetTaskByID(_ context.Context, ID string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.st.tasks[ID]
	if !ok {
		return nil, errval.ErrNotFound
	}
	return &t, nil
}

func (s *Storage) ListTasks(_ context.Context, filter domain.TaskFilter) ([]*domain.Task, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	search := strings.ToLower(filter.Search)
	var matched []*domain.Task
	for _, t := range s.st.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.SessionID != "" && t.SessionID != filter.SessionID {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(t.Content), search) &&
			!strings.Contains(strings.ToLower(t.Notes), search) &&
			!strings.Contains(strings.ToLower(t.ID), search) {
			continue
		}
		t := t
		matched = append(matched, &t)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt != matched[j].CreatedAt {
			return matched[i].CreatedAt > matched[j].CreatedAt
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	if filter.Offset >= total {
		return []*domain.Task{}, total, nil
	}
	end := total
	if filter.Limit > 0 && filter.Offset+filter.Limit < total {
		end = filter.Offset + filter.Limit
	}
	return matched[filter.Offset:end], total, nil
}

func (s *Storage) ListPendingTasks(_ context.Context, limit int) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.st.collect(func(t *domain.Task) bool { return t.Status == domain.Pending })
	sortClaimOrder(pending)
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *Storage) ListTasksAvailableBefore(_ context.Context, status domain.TaskStatus, cutoff int64) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := s.st.collect(func(t *domain.Task) bool {
		return t.Status == status && t.AvailableAt < cutoff
	})
	sortClaimOrder(tasks)
	return tasks, nil
}

func (s *Storage) ListTasksProcessingBefore(_ context.Context, cutoff int64) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := s.st.collect(func(t *domain.Task) bool {
		return t.Status == domain.Processing && t.ProcessingAt < cutoff
	})
	sortClaimOrder(tasks)
	return tasks, nil
}

func (s *Storage) CountTasksByStatus(_ context.Context) (map[domain.TaskStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := map[domain.TaskStatus]int{}
	for _, t := range s.st.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (s *Storage) GetTaskStatusChangeHistory(_ context.Context, taskID string) ([]*domain.TaskStatusChangeHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []*domain.TaskStatusChangeHistory
	for _, h := range s.st.history {
		if h.TaskID == taskID {
			h := h
			items = append(items, &h)
		}
	}
	if len(items) == 0 {
		return nil, errval.ErrNotFound
	}
	return items, nil
}

func (s *Storage) GetWriteLock(_ context.Context) (*domain.WriteLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.st.lock
	return &l, nil
}

func (s *Storage) ListConsumers(_ context.Context) ([]*domain.Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.st.consumersWhere(func(*domain.Consumer) bool { return true }), nil
}

func (s *Storage) ListConsumersHeartbeatBefore(_ context.Context, cutoff int64) ([]*domain.Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.st.consumersWhere(func(c *domain.Consumer) bool { return c.LastHeartbeat < cutoff }), nil
}

func (s *Storage) ListDeadLetters(_ context.Context, limit, offset int) ([]*domain.DeadLetter, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]*domain.DeadLetter, 0, len(s.st.deadLetters))
	for _, d := range s.st.deadLetters {
		d := d
		items = append(items, &d)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].FailedAt != items[j].FailedAt {
			return items[i].FailedAt > items[j].FailedAt
		}
		return items[i].ID > items[j].ID
	})

	total := len(items)
	if offset >= total {
		return []*domain.DeadLetter{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return items[offset:end], total, nil
}

func (s *state) collect(keep func(*domain.Task) bool) []*domain.Task {
	var out []*domain.Task
	for _, t := range s.tasks {
		t := t
		if keep(&t) {
			out = append(out, &t)
		}
	}
	return out
}

func (s *state) consumersWhere(keep func(*domain.Consumer) bool) []*domain.Consumer {
	out := []*domain.Consumer{}
	for _, c := range s.consumers {
		c := c
		if keep(&c) {
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// sortClaimOrder sorts by priority rank, then creation time, then id.
func sortClaimOrder(tasks []*domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
}
