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

// touchConsumer records a sign of life from consumerID and its current task.
// An empty name or taskID keeps the stored one.
func (s *Service) touchConsumer(ctx context.Context, tx domain.StorageTx, out *outbox, consumerID, name, taskID string) error {
	c, err := tx.GetConsumerForUpdate(ctx, consumerID)
	wasOnline := false
	switch {
	case errors.Is(err, errval.ErrNotFound):
		c = &domain.Consumer{ID: consumerID, Name: consumerID}
	case err != nil:
		return err
	default:
		wasOnline = s.isOnline(c, out.at)
	}

	if name != "" {
		c.Name = name
	}
	c.LastHeartbeat = out.at
	if taskID != "" {
		c.CurrentTaskID = taskID
	}
	if err := tx.UpsertConsumer(ctx, c); err != nil {
		return err
	}

	if !wasOnline {
		c.Online = true
		out.add(events.ConsumerOnline, *c)
	}
	return nil
}

// finishConsumerTask clears taskID from the consumer that was running it.
func (s *Service) finishConsumerTask(ctx context.Context, tx domain.StorageTx, consumerID, taskID string, completed bool, at int64) error {
	if consumerID == "" {
		return nil
	}
	c, err := tx.GetConsumerForUpdate(ctx, consumerID)
	if errors.Is(err, errval.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if c.CurrentTaskID == taskID {
		c.CurrentTaskID = ""
	}
	if completed {
		c.TasksCompleted++
	}
	return tx.UpsertConsumer(ctx, c)
}

// detachTask clears taskID from every consumer still pointing at it, for a task that no longer exists.
func (s *Service) detachTask(ctx context.Context, tx domain.StorageTx, taskID string) error {
	consumers, err := tx.ListConsumersWithTask(ctx, taskID)
	if err != nil {
		return err
	}
	for _, c := range consumers {
		c.CurrentTaskID = ""
		if err := tx.UpsertConsumer(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// Heartbeat upserts the consumer with lastHeartbeat=now and the reported current task.
// A heartbeat without a task id leaves the current task untouched; finishing a task clears it.
func (s *Service) Heartbeat(ctx context.Context, consumerID, taskID, name string) (*domain.Consumer, error) {
	if consumerID == "" {
		return nil, fmt.Errorf("consumerId is required: %w", errval.ErrInvalidInput)
	}

	var consumer *domain.Consumer
	err := s.inTx(ctx, func(tx domain.StorageTx, out *outbox) error {
		if err := s.touchConsumer(ctx, tx, out, consumerID, name, taskID); err != nil {
			return err
		}
		c, err := tx.GetConsumerForUpdate(ctx, consumerID)
		if err != nil {
			return err
		}
		c.Online = true
		consumer = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("Consumer heartbeat", "consumer_id", consumerID, "task_id", taskID)
	return consumer, nil
}

// Register announces a consumer. A missing id is generated.
func (s *Service) Register(ctx context.Context, consumerID, name string) (*domain.Consumer, error) {
	if consumerID == "" {
		consumerID = s.newID()
	}

	var consumer *domain.Consumer
	err := s.inTx(ctx, func(tx domain.StorageTx, out *outbox) error {
		if err := s.touchConsumer(ctx, tx, out, consumerID, name, ""); err != nil {
			return err
		}
		c, err := tx.GetConsumerForUpdate(ctx, consumerID)
		if err != nil {
			return err
		}
		c.Online = true
		consumer = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Consumer is registered", "consumer_id", consumer.ID, "name", consumer.Name)
	return consumer, nil
}

// Unregister releases every task the consumer still processes back to pending and forgets it.
func (s *Service) Unregister(ctx context.Context, consumerID string) ([]string, error) {
	if consumerID == "" {
		return nil, fmt.Errorf("consumerId is required: %w", errval.ErrInvalidInput)
	}

	released := []string{}
	err := s.inTx(ctx, func(tx domain.StorageTx, out *outbox) error {
		released = released[:0]

		c, err := tx.GetConsumerForUpdate(ctx, consumerID)
		if err != nil {
			return err
		}

		processing, err := tx.ListProcessingTasksOfConsumerForUpdate(ctx, consumerID)
		if err != nil {
			return err
		}
		for _, task := range processing {
			if err := s.requeue(ctx, tx, out, task, "consumer unregistered"); err != nil {
				return err
			}
			released = append(released, task.ID)
		}

		if err := tx.DeleteConsumer(ctx, consumerID); err != nil {
			return err
		}
		c.CurrentTaskID = ""
		c.Online = false
		out.add(events.ConsumerOffline, map[string]interface{}{
			"consumer":        *c,
			"releasedTaskIds": released,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Consumer is unregistered", "consumer_id", consumerID, "released_tasks", len(released))
	return released, nil
}

// ListConsumers returns every known consumer with Online derived from the heartbeat deadline.
func (s *Service) ListConsumers(ctx context.Context) ([]*domain.Consumer, error) {
	consumers, err := s.storage.ListConsumers(ctx)
	if err != nil {
		return nil, err
	}
	now := s.nowMs()
	for _, c := range consumers {
		c.Online = s.isOnline(c, now)
	}
	return consumers, nil
}
