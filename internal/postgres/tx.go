package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/sf7293/task-relay/internal/domain"
	"github.com/sf7293/task-relay/internal/errval"
)

type tx struct {
	queries *Queries
}

func (t *tx) GetTaskForUpdate(ctx context.Context, ID string) (*domain.Task, error) {
	task, err := t.queries.GetTaskByIDForUpdate(ctx, ID)
	if err != nil {
		return nil, mapError(err)
	}
	return convertTask(task), nil
}

func (t *tx) ClaimCandidateForUpdate(ctx context.Context, types []domain.TaskType) (*domain.Task, error) {
	names := make([]string, 0, len(types))
	for _, typ := range types {
		names = append(names, string(typ))
	}

	task, err := t.queries.ClaimCandidate(ctx, names)
	if err != nil {
		return nil, mapError(err)
	}
	return convertTask(task), nil
}

func (t *tx) CountTasksWithStatus(ctx context.Context, status domain.TaskStatus) (int, error) {
	n, err := t.queries.CountTasksWithStatus(ctx, string(status))
	return int(n), err
}

func (t *tx) ListTasksByStatusForUpdate(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error) {
	tasks, err := t.queries.ListTasksByStatusForUpdate(ctx, string(status))
	if err != nil {
		return nil, err
	}
	return convertTasks(tasks), nil
}

func (t *tx) ListProcessingTasksOfConsumerForUpdate(ctx context.Context, consumerID string) ([]*domain.Task, error) {
	tasks, err := t.queries.ListProcessingTasksOfConsumerForUpdate(ctx, consumerID)
	if err != nil {
		return nil, err
	}
	return convertTasks(tasks), nil
}

func (t *tx) InsertTask(ctx context.Context, task *domain.Task) error {
	return mapError(t.queries.InsertTask(ctx, toTaskRow(task)))
}

func (t *tx) UpdateTask(ctx context.Context, task *domain.Task) error {
	n, err := t.queries.UpdateTask(ctx, toTaskRow(task))
	if err != nil {
		return err
	}
	if n == 0 {
		return errval.ErrNotFound
	}
	return nil
}

func (t *tx) DeleteTask(ctx context.Context, ID string) error {
	n, err := t.queries.DeleteTask(ctx, ID)
	if err != nil {
		return err
	}
	if n == 0 {
		return errval.ErrNotFound
	}
	return nil
}

func (t *tx) DeleteTasksByStatus(ctx context.Context, statuses []domain.TaskStatus) (int64, error) {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}
	return t.queries.DeleteTasksByStatus(ctx, names)
}

func (t *tx) InsertTaskStatusChangeHistory(ctx context.Context, item *domain.TaskStatusChangeHistory) error {
	return t.queries.InsertTaskStatusChangeHistory(ctx, InsertTaskStatusChangeHistoryParams{
		TaskID:     item.TaskID,
		OldStatus:  string(item.OldStatus),
		NewStatus:  string(item.NewStatus),
		Reason:     item.Reason,
		ConsumerID: item.ConsumerID,
		CreatedAt:  item.CreatedAt,
	})
}

func (t *tx) GetWriteLockForUpdate(ctx context.Context) (*domain.WriteLock, error) {
	l, err := t.queries.GetWriteLockForUpdate(ctx)
	if err != nil {
		// The migration seeds the row; recreate it if someone removed it by hand.
		if errors.Is(err, pgx.ErrNoRows) {
			if err := t.SaveWriteLock(ctx, &domain.WriteLock{}); err != nil {
				return nil, err
			}
			l, err = t.queries.GetWriteLockForUpdate(ctx)
		}
		if err != nil {
			return nil, err
		}
	}
	return convertWriteLock(l), nil
}

func (t *tx) SaveWriteLock(ctx context.Context, lock *domain.WriteLock) error {
	if lock.IsFree() {
		return t.queries.SaveWriteLock(ctx, SaveWriteLockParams{
			HeldBy:     nullText(""),
			TaskID:     nullText(""),
			AcquiredAt: nullInt8(0),
		})
	}
	return t.queries.SaveWriteLock(ctx, SaveWriteLockParams{
		HeldBy:     nullText(lock.HeldBy),
		TaskID:     nullText(lock.TaskID),
		AcquiredAt: nullInt8(lock.AcquiredAt),
	})
}

func (t *tx) GetConsumerForUpdate(ctx context.Context, ID string) (*domain.Consumer, error) {
	c, err := t.queries.GetConsumerForUpdate(ctx, ID)
	if err != nil {
		return nil, mapError(err)
	}
	return convertConsumer(c), nil
}

func (t *tx) UpsertConsumer(ctx context.Context, consumer *domain.Consumer) error {
	return t.queries.UpsertConsumer(ctx, Consumer{
		ID:             consumer.ID,
		Name:           consumer.Name,
		LastHeartbeat:  consumer.LastHeartbeat,
		CurrentTaskID:  nullText(consumer.CurrentTaskID),
		TasksCompleted: int32(consumer.TasksCompleted),
	})
}

func (t *tx) DeleteConsumer(ctx context.Context, ID string) error {
	n, err := t.queries.DeleteConsumer(ctx, ID)
	if err != nil {
		return err
	}
	if n == 0 {
		return errval.ErrNotFound
	}
	return nil
}

func (t *tx) ListConsumersWithTask(ctx context.Context, taskID string) ([]*domain.Consumer, error) {
	consumers, err := t.queries.ListConsumersWithTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return convertConsumers(consumers), nil
}

func (t *tx) InsertDeadLetter(ctx context.Context, item *domain.DeadLetter) error {
	row, err := toDeadLetterRow(item)
	if err != nil {
		return err
	}
	return mapError(t.queries.InsertDeadLetter(ctx, row))
}

func (t *tx) GetDeadLetterForUpdate(ctx context.Context, ID string) (*domain.DeadLetter, error) {
	item, err := t.queries.GetDeadLetterForUpdate(ctx, ID)
	if err != nil {
		return nil, mapError(err)
	}
	return convertDeadLetter(item), nil
}

func (t *tx) DeleteDeadLetter(ctx context.Context, ID string) error {
	n, err := t.queries.DeleteDeadLetter(ctx, ID)
	if err != nil {
		return err
	}
	if n == 0 {
		return errval.ErrNotFound
	}
	return nil
}
