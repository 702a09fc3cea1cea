package domain

import "context"

// Storage is the durable store. Reads outside InTx are snapshots; every mutation goes through InTx.
type Storage interface {
	Ping(ctx context.Context) (err error)
	InTx(ctx context.Context, fn func(tx StorageTx) error) error

	GetTaskByID(ctx context.Context, ID string) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) (tasks []*Task, total int, err error)
	ListPendingTasks(ctx context.Context, limit int) ([]*Task, error)
	ListTasksAvailableBefore(ctx context.Context, status TaskStatus, cutoff int64) ([]*Task, error)
	ListTasksProcessingBefore(ctx context.Context, cutoff int64) ([]*Task, error)
	CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error)
	GetTaskStatusChangeHistory(ctx context.Context, taskID string) ([]*TaskStatusChangeHistory, error)

	GetWriteLock(ctx context.Context) (*WriteLock, error)

	ListConsumers(ctx context.Context) ([]*Consumer, error)
	ListConsumersHeartbeatBefore(ctx context.Context, cutoff int64) ([]*Consumer, error)

	ListDeadLetters(ctx context.Context, limit, offset int) (items []*DeadLetter, total int, err error)
}

// StorageTx is the row-level view of one transaction. ForUpdate methods lock the row until commit.
type StorageTx interface {
	GetTaskForUpdate(ctx context.Context, ID string) (*Task, error)
	// ClaimCandidateForUpdate returns the first pending task of the given types in claim order,
	// skipping rows other transactions hold.
	ClaimCandidateForUpdate(ctx context.Context, types []TaskType) (*Task, error)
	CountTasksWithStatus(ctx context.Context, status TaskStatus) (int, error)
	ListTasksByStatusForUpdate(ctx context.Context, status TaskStatus) ([]*Task, error)
	ListProcessingTasksOfConsumerForUpdate(ctx context.Context, consumerID string) ([]*Task, error)
	InsertTask(ctx context.Context, task *Task) error
	UpdateTask(ctx context.Context, task *Task) error
	DeleteTask(ctx context.Context, ID string) error
	DeleteTasksByStatus(ctx context.Context, statuses []TaskStatus) (int64, error)
	InsertTaskStatusChangeHistory(ctx context.Context, item *TaskStatusChangeHistory) error

	GetWriteLockForUpdate(ctx context.Context) (*WriteLock, error)
	SaveWriteLock(ctx context.Context, lock *WriteLock) error

	GetConsumerForUpdate(ctx context.Context, ID string) (*Consumer, error)
	UpsertConsumer(ctx context.Context, consumer *Consumer) error
	DeleteConsumer(ctx context.Context, ID string) error
	ListConsumersWithTask(ctx context.Context, taskID string) ([]*Consumer, error)

	InsertDeadLetter(ctx context.Context, item *DeadLetter) error
	GetDeadLetterForUpdate(ctx context.Context, ID string) (*DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, ID string) error
}
