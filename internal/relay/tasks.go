package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sf7293/task-relay/internal/domain"
	"github.com/sf7293/task-relay/internal/errval"
	"github.com/sf7293/task-relay/internal/events"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type CreateTaskInput struct {
	ID         string
	Content    string
	SessionID  string
	Priority   string
	TaskType   string
	MaxRetries *int
}

func (s *Service) CreateTask(ctx context.Context, in CreateTaskInput) (*domain.Task, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, fmt.Errorf("content must not be empty: %w", errval.ErrInvalidInput)
	}

	priority := domain.Normal
	if in.Priority != "" {
		p, ok := domain.ParsePriority(in.Priority)
		if !ok {
			return nil, fmt.Errorf("unknown priority %q: %w", in.Priority, errval.ErrInvalidInput)
		}
		priority = p
	}

	var taskType domain.TaskType
	if in.TaskType != "" {
		t, ok := domain.ParseTaskType(in.TaskType)
		if !ok {
			return nil, fmt.Errorf("unknown task type %q: %w", in.TaskType, errval.ErrInvalidInput)
		}
		taskType = t
	} else {
		taskType = s.classifier.Classify(content)
	}

	maxRetries := s.opts.MaxRetries
	if in.MaxRetries != nil {
		if *in.MaxRetries < 0 {
			return nil, fmt.Errorf("maxRetries must not be negative: %w", errval.ErrInvalidInput)
		}
		maxRetries = *in.MaxRetries
	}

	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = s.newID()
	}

	var task *domain.Task
	err := s.inTx(ctx, func(tx domain.StorageTx, out *outbox) error {
		task = &domain.Task{
			ID:          id,
			SessionID:   in.SessionID,
			Content:     content,
			Status:      domain.Pending,
			Priority:    priority,
			TaskType:    taskType,
			CreatedAt:   out.at,
			AvailableAt: out.at,
			MaxRetries:  maxRetries,
		}
		if err := tx.InsertTask(ctx, task); err != nil {
			return err
		}
		if err := tx.InsertTaskStatusChangeHistory(ctx, &domain.TaskStatusChangeHistory{
			TaskID:    task.ID,
			NewStatus: domain.Pending,
			Reason:    "created",
			CreatedAt: out.at,
		}); err != nil {
			return err
		}
		out.add(events.TaskCreated, *task)
		return nil
	})
	if err != nil {
		if errors.Is(err, errval.ErrConflict) {
			return nil, fmt.Errorf("task %s already exists: %w", id, errval.ErrConflict)
		}
		return nil, err
	}

	slog.Info("Task is submitted", "task_id", task.ID, "session_id", task.SessionID, "priority", task.Priority, "task_type", task.TaskType)
	return task, nil
}

func (s *Service) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	return s.storage.GetTaskByID(ctx, taskID)
}

// NormalizeTaskFilter applies the default page size and clamps limit and offset to their bounds.
func NormalizeTaskFilter(filter domain.TaskFilter) domain.TaskFilter {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return filter
}

func (s *Service) ListTasks(ctx context.Context, filter domain.TaskFilter) ([]*domain.Task, int, error) {
	return s.storage.ListTasks(ctx, NormalizeTaskFilter(filter))
}

func (s *Service) ListPendingTasks(ctx context.Context, limit int) ([]*domain.Task, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	return s.storage.ListPendingTasks(ctx, limit)
}

func (s *Service) GetTaskStatusHistory(ctx context.Context, taskID string) ([]*domain.TaskStatusChangeHistory, error) {
	return s.storage.GetTaskStatusChangeHistory(ctx, taskID)
}

// ClaimNext hands the first eligible pending task to consumerID. Selecting and marking the
// task happen in one transaction, so concurrent callers never receive the same task.
func (s *Service) ClaimNext(ctx context.Context, consumerID string, preferReadOnly bool) (*domain.ClaimResult, error) {
	if consumerID == "" {
		return nil, fmt.Errorf("consumerId is required: %w", errval.ErrInvalidInput)
	}

	result := &domain.ClaimResult{}
	err := s.inTx(ctx, func(tx domain.StorageTx, out *outbox) error {
		*result = domain.ClaimResult{}

		l, err := tx.GetWriteLockForUpdate(ctx)
		if err != nil {
			return err
		}
		// A pending task is never the one the lock protects, so a held lock
		// leaves only read-only work, for its holder too.
		writeEligible := l.IsFree()

		var passes [][]domain.TaskType
		switch {
		case preferReadOnly && writeEligible:
			passes = [][]domain.TaskType{{domain.ReadOnly}, {domain.Write}}
		case writeEligible:
			passes = [][]domain.TaskType{{domain.ReadOnly, domain.Write}}
		default:
			passes = [][]domain.TaskType{{domain.ReadOnly}}
		}

		var task *domain.Task
		for _, types := range passes {
			task, err = tx.ClaimCandidateForUpdate(ctx, types)
			if err == nil {
				break
			}
			if !errors.Is(err, errval.ErrNotFound) {
				return err
			}
			task = nil
		}

		if task == nil {
			result.Reason = domain.ReasonEmpty
			if !writeEligible {
				pending, err := tx.CountTasksWithStatus(ctx, domain.Pending)
				if err != nil {
					return err
				}
				if pending > 0 {
					result.Reason = domain.ReasonLockHeld
				}
			}
			result.Lock = lockStatus(l, out.at)
			return nil
		}

		if task.TaskType == domain.Write {
			if err := s.lockIn(tx, out).acquire(ctx, consumerID, task.ID, out.at); err != nil {
				return err
			}
			if l, err = tx.GetWriteLockForUpdate(ctx); err != nil {
				return err
			}
		}

		task.ConsumerID = consumerID
		if err := s.transition(ctx, tx, task, domain.Processing, "claimed", out.at); err != nil {
			return err
		}
		task.ProcessingAt = out.at
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}

		if err := s.touchConsumer(ctx, tx, out, consumerID, "", task.ID); err != nil {
			return err
		}

		out.add(events.TaskProcessing, *task)
		result.Task = task
		result.Lock = lockStatus(l, out.at)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Task != nil {
		slog.Info("Task is claimed", "task_id", result.Task.ID, "consumer_id", consumerID, "task_type", result.Task.TaskType)
	}
	return result, nil
}

// processingTask loads taskID for update and checks it is processing and owned by consumerID
// when one is given.
func processingTask(ctx context.Context, tx domain.StorageTx, taskID, consumerID string) (*domain.Task, error) {
	task, err := tx.GetTaskForUpdate(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.Processing {
		return nil, fmt.Errorf("task %s is %s, not processing: %w", taskID, task.Status, errval.ErrConflict)
	}
	if consumerID != "" && task.ConsumerID != consumerID {
		return nil, fmt.Errorf("task %s is held by %s: %w", taskID, task.ConsumerID, errval.ErrConflict)
	}
	return task, nil
}

func (s *Service) Complete(ctx context.Context, taskID, consumerID, response string) (*domain.Task, error) {
	var task *domain.Task
	err := s.inTx(ctx, func(tx domain.StorageTx, out *outbox) error {
		var err error
		task, err = processingTask(ctx, tx, taskID, consumerID)
		if err != nil {
			return err
		}

		if err := s.lockIn(tx, out).releaseForTask(ctx, task, out.at); err != nil {
			return err
		}
		if err := s.transition(ctx, tx, task, domain.Completed, "completed", out.at); err != nil {
			return err
		}
		task.CompletedAt = out.at
		task.Response = response
		task.Error = ""
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}

		if err := s.finishConsumerTask(ctx, tx, task.ConsumerID, task.ID, true, out.at); err != nil {
			return err
		}
		out.add(events.TaskCompleted, *task)
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Task is completed", "task_id", task.ID, "consumer_id", task.ConsumerID)
	return task, nil
}

// Fail records a consumer-reported error. The task is retried while its budget allows,
// otherwise it fails terminally and is dead-lettered.
func (s *Service) Fail(ctx context.Context, taskID, consumerID, errMsg string) (*domain.Task, domain.FailureOutcome, error) {
	var task *domain.Task
	var outcome domain.FailureOutcome
	err := s.inTx(ctx, func(tx domain.StorageTx, out *outbox) error {
		var err error
		task, err = processingTask(ctx, tx, taskID, consumerID)
		if err != nil {
			return err
		}
		outcome, err = s.retryOrDeadLetter(ctx, tx, out, task, errMsg, true)
		return err
	})
	if err != nil {
		return nil, "", err
	}

	slog.Info("Task failure is recorded", "task_id", task.ID, "outcome", outcome, "retry_count", task.RetryCount, "error", errMsg)
	return task, outcome, nil
}

// retryOrDeadLetter is shared by consumer failures and sweeper timeouts. withBackoff parks the
// task in retrying until its availableAt; without it the task goes straight back to pending.
func (s *Service) retryOrDeadLetter(ctx context.Context, tx domain.StorageTx, out *outbox, task *domain.Task, cause string, withBackoff bool) (domain.FailureOutcome, error) {
	owner := task.ConsumerID
	if task.Status == domain.Processing {
		if err := s.lockIn(tx, out).releaseForTask(ctx, task, out.at); err != nil {
			return "", err
		}
		if err := s.finishConsumerTask(ctx, tx, owner, task.ID, false, out.at); err != nil {
			return "", err
		}
	}

	task.Error = cause
	task.Response = ""

	if task.CanRetry() {
		task.RetryCount++
		delay := int64(0)
		if withBackoff {
			delay = s.backoffFor(task.RetryCount).Milliseconds()
		}
		next := domain.Pending
		if delay > 0 {
			next = domain.Retrying
		}
		if err := s.transition(ctx, tx, task, next, "retry: "+cause, out.at); err != nil {
			return "", err
		}
		task.ConsumerID = ""
		task.ProcessingAt = 0
		task.AvailableAt = out.at + delay
		if err := tx.UpdateTask(ctx, task); err != nil {
			return "", err
		}
		out.add(events.TaskRetrying, map[string]interface{}{
			"task":    *task,
			"delayMs": delay,
		})
		return domain.OutcomeRetried, nil
	}

	if err := s.transition(ctx, tx, task, domain.Failed, "dead-lettered: "+cause, out.at); err != nil {
		return "", err
	}
	task.ConsumerID = ""
	task.CompletedAt = out.at
	if err := tx.UpdateTask(ctx, task); err != nil {
		return "", err
	}

	snapshot, err := json.Marshal(task)
	if err != nil {
		return "", err
	}
	dl := &domain.DeadLetter{
		ID:         s.newID(),
		TaskID:     task.ID,
		Reason:     cause,
		FailedAt:   out.at,
		Content:    task.Content,
		SessionID:  task.SessionID,
		Priority:   task.Priority,
		TaskType:   task.TaskType,
		RetryCount: task.RetryCount,
		Snapshot:   snapshot,
	}
	if err := tx.InsertDeadLetter(ctx, dl); err != nil {
		return "", err
	}
	out.add(events.TaskFailed, map[string]interface{}{
		"task":         *task,
		"deadLetterId": dl.ID,
	})
	return domain.OutcomeDeadLettered, nil
}

// Release gives a processing task back to the queue without spending a retry.
func (s *Service) Release(ctx context.Context, taskID, consumerID string) (*domain.Task, error) {
	var task *domain.Task
	err := s.inTx(ctx, func(tx domain.StorageTx, out *outbox) error {
		var err error
		task, err = processingTask(ctx, tx, taskID, consumerID)
		if err != nil {
			return err
		}
		return s.requeue(ctx, tx, out, task, "released")
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Task is released back to the queue", "task_id", task.ID, "consumer_id", consumerID)
	return task, nil
}

// requeue returns a processing task to pending, freeing its lock and its consumer.
func (s *Service) requeue(ctx context.Context, tx domain.StorageTx, out *outbox, task *domain.Task, reason string) error {
	if err := s.lockIn(tx, out).releaseForTask(ctx, task, out.at); err != nil {
		return err
	}
	if err := s.finishConsumerTask(ctx, tx, task.ConsumerID, task.ID, false, out.at); err != nil {
		return err
	}
	if err := s.transition(ctx, tx, task, domain.Pending, reason, out.at); err != nil {
		return err
	}
	task.ConsumerID = ""
	task.ProcessingAt = 0
	task.AvailableAt = out.at
	if err := tx.UpdateTask(ctx, task); err != nil {
		return err
	}
	out.add(events.TaskUpdated, map[string]interface{}{
		"task":   *task,
		"action": reason,
	})
	return nil
}

// SetCrossed sets the display-only crossed flag; nil toggles it.
func (s *Service) SetCrossed(ctx context.Context, taskID string, crossed *bool) (*domain.Task, error) {
	return s.annotate(ctx, taskID, "crossed", func(t *domain.Task) {
		if crossed == nil {
			t.Crossed = !t.Crossed
			return
		}
		t.Crossed = *crossed
	})
}

func (s *Service) SetNotes(ctx context.Context, taskID, notes string) (*domain.Task, error) {
	return s.annotate(ctx, taskID, "notes", func(t *domain.Task) {
		t.Notes = notes
	})
}

func (s *Service) annotate(ctx context.Context, taskID, action string, apply func(*domain.Task)) (*domain.Task, error) {
	var task *domain.Task
	err := s.inTx(ctx, func(tx domain.StorageTx, out *outbox) error {
		var err error
		task, err = tx.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		apply(task)
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		out.add(events.TaskUpdated, map[string]interface{}{
			"task":   *task,
			"action": action,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// DeleteTask refuses in-flight tasks unless force is set.
func (s *Service) DeleteTask(ctx context.Context, taskID string, force bool) error {
	var status domain.TaskStatus
	err := s.inTx(ctx, func(tx domain.StorageTx, out *outbox) error {
		task, err := tx.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		status = task.Status
		if task.Status.IsInFlight() && !force {
			return fmt.Errorf("task %s is %s, pass force to delete it: %w", taskID, task.Status, errval.ErrConflict)
		}
		if task.Status == domain.Processing {
			if err := s.lockIn(tx, out).releaseForTask(ctx, task, out.at); err != nil {
				return err
			}
			if err := s.finishConsumerTask(ctx, tx, task.ConsumerID, task.ID, false, out.at); err != nil {
				return err
			}
		}
		if err := tx.DeleteTask(ctx, taskID); err != nil {
			return err
		}
		if err := s.detachTask(ctx, tx, taskID); err != nil {
			return err
		}
		out.add(events.TaskDeleted, map[string]interface{}{
			"taskId": taskID,
			"status": task.Status,
			"forced": force,
		})
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("Task is deleted", "task_id", taskID, "status", status, "force", force)
	return nil
}

// Cleanup deletes every completed and failed task.
func (s *Service) Cleanup(ctx context.Context) (int64, error) {
	var deleted int64
	err := s.inTx(ctx, func(tx domain.StorageTx, out *outbox) error {
		var err error
		deleted, err = tx.DeleteTasksByStatus(ctx, []domain.TaskStatus{domain.Completed, domain.Failed})
		if err != nil {
			return err
		}
		out.add(events.TasksCleanup, map[string]interface{}{"deleted": deleted})
		return nil
	})
	if err != nil {
		return 0, err
	}

	slog.Info("Finished tasks are cleaned up", "deleted", deleted)
	return deleted, nil
}

type ResetMode string

const (
	ResetRequeue ResetMode = "requeue"
	ResetDelete  ResetMode = "delete"
)

type ResetResult struct {
	Affected    int               `json:"affected"`
	Mode        ResetMode         `json:"mode"`
	LockCleared bool              `json:"lockCleared"`
	Previous    domain.LockStatus `json:"previousLock"`
}

// ResetProcessing is the operator escape hatch: every processing task is requeued or deleted
// and the write lock is cleared unconditionally.
func (s *Service) ResetProcessing(ctx context.Context, mode ResetMode) (*ResetResult, error) {
	if mode == "" {
		mode = ResetRequeue
	}
	if mode != ResetRequeue && mode != ResetDelete {
		return nil, fmt.Errorf("unknown reset mode %q: %w", mode, errval.ErrInvalidInput)
	}

	result := &ResetResult{Mode: mode}
	err := s.inTx(ctx, func(tx domain.StorageTx, out *outbox) error {
		*result = ResetResult{Mode: mode}

		tasks, err := tx.ListTasksByStatusForUpdate(ctx, domain.Processing)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			if err := s.finishConsumerTask(ctx, tx, task.ConsumerID, task.ID, false, out.at); err != nil {
				return err
			}
			if mode == ResetDelete {
				if err := tx.DeleteTask(ctx, task.ID); err != nil {
					return err
				}
				if err := s.detachTask(ctx, tx, task.ID); err != nil {
					return err
				}
				continue
			}
			if err := s.transition(ctx, tx, task, domain.Pending, "reset", out.at); err != nil {
				return err
			}
			task.ConsumerID = ""
			task.ProcessingAt = 0
			task.AvailableAt = out.at
			if err := tx.UpdateTask(ctx, task); err != nil {
				return err
			}
		}
		result.Affected = len(tasks)

		previous, err := s.lockIn(tx, out).forceRelease(ctx, out.at)
		if err != nil {
			return err
		}
		result.Previous = lockStatus(previous, out.at)
		result.LockCleared = result.Previous.Held

		out.add(events.TasksReset, *result)
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Warn("Processing tasks are reset", "mode", mode, "affected", result.Affected, "lock_cleared", result.LockCleared, "previous_holder", result.Previous.HeldBy)
	return result, nil
}

type Stats struct {
	Counts          map[domain.TaskStatus]int `json:"counts"`
	Lock            domain.LockStatus         `json:"lock"`
	ConsumersOnline int                       `json:"consumersOnline"`
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.storage.CountTasksByStatus(ctx)
	if err != nil {
		return nil, err
	}
	for _, st := range []domain.TaskStatus{domain.Pending, domain.Processing, domain.Retrying, domain.Completed, domain.Failed} {
		if _, ok := counts[st]; !ok {
			counts[st] = 0
		}
	}

	lock, err := s.LockStatus(ctx)
	if err != nil {
		return nil, err
	}

	consumers, err := s.ListConsumers(ctx)
	if err != nil {
		return nil, err
	}
	online := 0
	for _, c := range consumers {
		if c.Online {
			online++
		}
	}

	return &Stats{Counts: counts, Lock: lock, ConsumersOnline: online}, nil
}
