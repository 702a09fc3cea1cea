package memstore

import (
	"context"

	"github.com/sf7293/task-relay/internal/domain"
	"github.com/sf7293/task-relay/internal/errval"
)

type tx struct {
	st *state
}

func (t *tx) GetTaskForUpdate(_ context.Context, ID string) (*domain.Task, error) {
	task, ok := t.st.tasks[ID]
	if !ok {
		return nil, errval.ErrNotFound
	}
	return &task, nil
}

func (t *tx) ClaimCandidateForUpdate(_ context.Context, types []domain.TaskType) (*domain.Task, error) {
	candidates := t.st.collect(func(task *domain.Task) bool {
		if task.Status != domain.Pending {
			return false
		}
		for _, typ := range types {
			if task.TaskType == typ {
				return true
			}
		}
		return false
	})
	if len(candidates) == 0 {
		return nil, errval.ErrNotFound
	}
	sortClaimOrder(candidates)
	return candidates[0], nil
}

func (t *tx) CountTasksWithStatus(_ context.Context, status domain.TaskStatus) (int, error) {
	n := 0
	for _, task := range t.st.tasks {
		if task.Status == status {
			n++
		}
	}
	return n, nil
}

func (t *tx) ListTasksByStatusForUpdate(_ context.Context, status domain.TaskStatus) ([]*domain.Task, error) {
	tasks := t.st.collect(func(task *domain.Task) bool { return task.Status == status })
	sortClaimOrder(tasks)
	return tasks, nil
}

func (t *tx) ListProcessingTasksOfConsumerForUpdate(_ context.Context, consumerID string) ([]*domain.Task, error) {
	tasks := t.st.collect(func(task *domain.Task) bool {
		return task.Status == domain.Processing && task.ConsumerID == consumerID
	})
	sortClaimOrder(tasks)
	return tasks, nil
}

func (t *tx) InsertTask(_ context.Context, task *domain.Task) error {
	if _, exists := t.st.tasks[task.ID]; exists {
		return errval.ErrConflict
	}
	t.st.tasks[task.ID] = *task
	return nil
}

func (t *tx) UpdateTask(_ context.Context, task *domain.Task) error {
	if _, exists := t.st.tasks[task.ID]; !exists {
		return errval.ErrNotFound
	}
	t.st.tasks[task.ID] = *task
	return nil
}

func (t *tx) DeleteTask(_ context.Context, ID string) error {
	if _, exists := t.st.tasks[ID]; !exists {
		return errval.ErrNotFound
	}
	delete(t.st.tasks, ID)
	t.st.dropHistory(map[string]struct{}{ID: {}})
	return nil
}

func (t *tx) DeleteTasksByStatus(_ context.Context, statuses []domain.TaskStatus) (int64, error) {
	removed := map[string]struct{}{}
	for id, task := range t.st.tasks {
		for _, s := range statuses {
			if task.Status == s {
				delete(t.st.tasks, id)
				removed[id] = struct{}{}
				break
			}
		}
	}
	t.st.dropHistory(removed)
	return int64(len(removed)), nil
}

// dropHistory removes the history of deleted tasks, like the cascade on the durable store.
func (s *state) dropHistory(taskIDs map[string]struct{}) {
	if len(taskIDs) == 0 {
		return
	}
	kept := s.history[:0]
	for _, h := range s.history {
		if _, gone := taskIDs[h.TaskID]; !gone {
			kept = append(kept, h)
		}
	}
	s.history = kept
}

func (t *tx) InsertTaskStatusChangeHistory(_ context.Context, item *domain.TaskStatusChangeHistory) error {
	t.st.historySeq++
	h := *item
	h.ID = t.st.historySeq
	t.st.history = append(t.st.history, h)
	return nil
}

func (t *tx) GetWriteLockForUpdate(_ context.Context) (*domain.WriteLock, error) {
	l := t.st.lock
	return &l, nil
}

func (t *tx) SaveWriteLock(_ context.Context, lock *domain.WriteLock) error {
	t.st.lock = *lock
	return nil
}

func (t *tx) GetConsumerForUpdate(_ context.Context, ID string) (*domain.Consumer, error) {
	c, ok := t.st.consumers[ID]
	if !ok {
		return nil, errval.ErrNotFound
	}
	return &c, nil
}

func (t *tx) UpsertConsumer(_ context.Context, consumer *domain.Consumer) error {
	c := *consumer
	c.Online = false
	t.st.consumers[c.ID] = c
	return nil
}

func (t *tx) DeleteConsumer(_ context.Context, ID string) error {
	if _, ok := t.st.consumers[ID]; !ok {
		return errval.ErrNotFound
	}
	delete(t.st.consumers, ID)
	return nil
}

func (t *tx) ListConsumersWithTask(_ context.Context, taskID string) ([]*domain.Consumer, error) {
	return t.st.consumersWhere(func(c *domain.Consumer) bool { return c.CurrentTaskID == taskID }), nil
}

func (t *tx) InsertDeadLetter(_ context.Context, item *domain.DeadLetter) error {
	if _, exists := t.st.deadLetters[item.ID]; exists {
		return errval.ErrConflict
	}
	d := *item
	d.Snapshot = append([]byte(nil), item.Snapshot...)
	t.st.deadLetters[d.ID] = d
	return nil
}

func (t *tx) GetDeadLetterForUpdate(_ context.Context, ID string) (*domain.DeadLetter, error) {
	d, ok := t.st.deadLetters[ID]
	if !ok {
		return nil, errval.ErrNotFound
	}
	return &d, nil
}

func (t *tx) DeleteDeadLetter(_ context.Context, ID string) error {
	if _, ok := t.st.deadLetters[ID]; !ok {
		return errval.ErrNotFound
	}
	delete(t.st.deadLetters, ID)
	return nil
}
