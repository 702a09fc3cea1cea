package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sf7293/task-relay/internal/domain"
	"github.com/sf7293/task-relay/internal/errval"
	"github.com/sf7293/task-relay/internal/events"
)

func (s *Service) ListDeadLetters(ctx context.Context, limit, offset int) ([]*domain.DeadLetter, int, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.storage.ListDeadLetters(ctx, limit, offset)
}

// RetryDeadLetter puts the original task back to pending with a fresh retry budget and removes
// the dead letter. If the task row was cleaned up meanwhile it is recreated from the dead letter.
func (s *Service) RetryDeadLetter(ctx context.Context, deadLetterID string) (*domain.Task, error) {
	var task *domain.Task
	err := s.inTx(ctx, func(tx domain.StorageTx, out *outbox) error {
		dl, err := tx.GetDeadLetterForUpdate(ctx, deadLetterID)
		if err != nil {
			return err
		}

		task, err = tx.GetTaskForUpdate(ctx, dl.TaskID)
		switch {
		case errors.Is(err, errval.ErrNotFound):
			task = &domain.Task{
				ID:          dl.TaskID,
				SessionID:   dl.SessionID,
				Content:     dl.Content,
				Status:      domain.Pending,
				Priority:    dl.Priority,
				TaskType:    dl.TaskType,
				CreatedAt:   out.at,
				AvailableAt: out.at,
				MaxRetries:  s.opts.MaxRetries,
			}
			if err := tx.InsertTask(ctx, task); err != nil {
				return err
			}
			if err := tx.InsertTaskStatusChangeHistory(ctx, &domain.TaskStatusChangeHistory{
				TaskID:    task.ID,
				NewStatus: domain.Pending,
				Reason:    "recreated from dead letter",
				CreatedAt: out.at,
			}); err != nil {
				return err
			}
			out.add(events.TaskCreated, *task)
		case err != nil:
			return err
		default:
			if task.Status != domain.Failed {
				return fmt.Errorf("task %s is %s, not failed: %w", task.ID, task.Status, errval.ErrConflict)
			}
			if err := s.transition(ctx, tx, task, domain.Pending, "dead letter retry", out.at); err != nil {
				return err
			}
			task.RetryCount = 0
			task.ConsumerID = ""
			task.ProcessingAt = 0
			task.CompletedAt = 0
			task.Error = ""
			task.Response = ""
			task.AvailableAt = out.at
			if err := tx.UpdateTask(ctx, task); err != nil {
				return err
			}
			out.add(events.TaskUpdated, map[string]interface{}{
				"task":   *task,
				"action": "dead_letter_retry",
			})
		}

		return tx.DeleteDeadLetter(ctx, deadLetterID)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Dead letter is retried", "dead_letter_id", deadLetterID, "task_id", task.ID)
	return task, nil
}
