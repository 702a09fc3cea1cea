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

type SweepReport struct {
	Promoted           int  `json:"promoted"`
	PendingTimedOut    int  `json:"pendingTimedOut"`
	ProcessingTimedOut int  `json:"processingTimedOut"`
	DeadConsumers      int  `json:"deadConsumers"`
	DeadLettered       int  `json:"deadLettered"`
	LockRecovered      bool `json:"lockRecovered"`
}

// Sweep runs one audit pass over in-flight work. Every candidate is re-read under its row lock
// before it is touched, so a transition a concurrent call just made is never overwritten.
// A failing item does not stop the pass; all errors are returned joined.
func (s *Service) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}
	var errs []error

	recovered, err := s.RecoverStaleLock(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("recover stale lock: %w", err))
	}
	report.LockRecovered = recovered

	errs = append(errs, s.promoteRetrying(ctx, report)...)
	errs = append(errs, s.reclaimFromDeadConsumers(ctx, report)...)
	errs = append(errs, s.expireProcessing(ctx, report)...)
	errs = append(errs, s.expirePending(ctx, report)...)

	return report, errors.Join(errs...)
}

func (s *Service) promoteRetrying(ctx context.Context, report *SweepReport) []error {
	now := s.nowMs()
	tasks, err := s.storage.ListTasksAvailableBefore(ctx, domain.Retrying, now+1)
	if err != nil {
		return []error{fmt.Errorf("list retrying tasks: %w", err)}
	}

	var errs []error
	for _, candidate := range tasks {
		if ctx.Err() != nil {
			return append(errs, ctx.Err())
		}
		changed := false
		err := s.inTx(ctx, func(tx domain.StorageTx, out *outbox) error {
			changed = false
			task, err := tx.GetTaskForUpdate(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if task.Status != domain.Retrying || task.AvailableAt > out.at {
				return nil
			}
			if err := s.transition(ctx, tx, task, domain.Pending, "backoff elapsed", out.at); err != nil {
				return err
			}
			task.AvailableAt = out.at
			if err := tx.UpdateTask(ctx, task); err != nil {
				return err
			}
			out.add(events.TaskUpdated, map[string]interface{}{
				"task":   *task,
				"action": "requeued",
			})
			changed = true
			return nil
		})
		if err != nil && !errors.Is(err, errval.ErrNotFound) {
			errs = append(errs, fmt.Errorf("promote task %s: %w", candidate.ID, err))
			continue
		}
		if changed {
			report.Promoted++
			slog.Info("Sweeper requeued task after backoff", "task_id", candidate.ID, "retry_count", candidate.RetryCount)
		}
	}
	return errs
}

// reclaimFromDeadConsumers requeues every processing task owned by a consumer whose heartbeat
// is past the deadline. A consumer can hold several read-only tasks at once, so ownership is
// read from the task rows rather than from the consumer's current task pointer.
func (s *Service) reclaimFromDeadConsumers(ctx context.Context, report *SweepReport) []error {
	deadline := s.opts.HeartbeatTimeout.Milliseconds()
	now := s.nowMs()
	consumers, err := s.storage.ListConsumersHeartbeatBefore(ctx, now-deadline)
	if err != nil {
		return []error{fmt.Errorf("list stale consumers: %w", err)}
	}
	if len(consumers) == 0 {
		return nil
	}

	processing, err := s.storage.ListTasksProcessingBefore(ctx, now+1)
	if err != nil {
		return []error{fmt.Errorf("list processing tasks: %w", err)}
	}
	owners := make(map[string]struct{}, len(processing))
	for _, task := range processing {
		owners[task.ConsumerID] = struct{}{}
	}

	var errs []error
	for _, candidate := range consumers {
		if _, owns := owners[candidate.ID]; !owns && candidate.CurrentTaskID == "" {
			continue
		}
		if ctx.Err() != nil {
			return append(errs, ctx.Err())
		}

		var reclaimed []string
		dead := false
		err := s.inTx(ctx, func(tx domain.StorageTx, out *outbox) error {
			reclaimed, dead = []string{}, false
			c, err := tx.GetConsumerForUpdate(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if out.at-c.LastHeartbeat <= deadline {
				return nil
			}

			tasks, err := tx.ListProcessingTasksOfConsumerForUpdate(ctx, c.ID)
			if err != nil {
				return err
			}
			if len(tasks) == 0 && c.CurrentTaskID == "" {
				return nil
			}
			dead = true

			for _, task := range tasks {
				if err := s.requeue(ctx, tx, out, task, "consumer heartbeat lost"); err != nil {
					return err
				}
				reclaimed = append(reclaimed, task.ID)
			}
			if c, err = tx.GetConsumerForUpdate(ctx, candidate.ID); err != nil {
				return err
			}

			c.CurrentTaskID = ""
			if err := tx.UpsertConsumer(ctx, c); err != nil {
				return err
			}
			c.Online = false
			out.add(events.ConsumerOffline, map[string]interface{}{
				"consumer":         *c,
				"reclaimedTaskIds": reclaimed,
			})
			return nil
		})
		if err != nil && !errors.Is(err, errval.ErrNotFound) {
			errs = append(errs, fmt.Errorf("reclaim from consumer %s: %w", candidate.ID, err))
			continue
		}
		if dead {
			report.DeadConsumers++
			slog.Warn("Sweeper detected dead consumer", "consumer_id", candidate.ID, "reclaimed_tasks", reclaimed, "last_heartbeat", candidate.LastHeartbeat)
		}
	}
	return errs
}

func (s *Service) expireProcessing(ctx context.Context, report *SweepReport) []error {
	deadline := s.opts.ProcessingTimeout.Milliseconds()
	tasks, err := s.storage.ListTasksProcessingBefore(ctx, s.nowMs()-deadline)
	if err != nil {
		return []error{fmt.Errorf("list processing tasks: %w", err)}
	}

	var errs []error
	for _, candidate := range tasks {
		if ctx.Err() != nil {
			return append(errs, ctx.Err())
		}
		var outcome domain.FailureOutcome
		err := s.inTx(ctx, func(tx domain.StorageTx, out *outbox) error {
			outcome = ""
			task, err := tx.GetTaskForUpdate(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if task.Status != domain.Processing || out.at-task.ProcessingAt <= deadline {
				return nil
			}
			outcome, err = s.retryOrDeadLetter(ctx, tx, out, task, "processing timeout", false)
			return err
		})
		if err != nil && !errors.Is(err, errval.ErrNotFound) {
			errs = append(errs, fmt.Errorf("expire processing task %s: %w", candidate.ID, err))
			continue
		}
		if outcome == "" {
			continue
		}
		report.ProcessingTimedOut++
		if outcome == domain.OutcomeDeadLettered {
			report.DeadLettered++
		}
		slog.Warn("Sweeper timed out processing task", "task_id", candidate.ID, "consumer_id", candidate.ConsumerID, "outcome", outcome)
	}
	return errs
}

func (s *Service) expirePending(ctx context.Context, report *SweepReport) []error {
	deadline := s.opts.PendingTimeout.Milliseconds()
	tasks, err := s.storage.ListTasksAvailableBefore(ctx, domain.Pending, s.nowMs()-deadline)
	if err != nil {
		return []error{fmt.Errorf("list pending tasks: %w", err)}
	}

	var errs []error
	for _, candidate := range tasks {
		if ctx.Err() != nil {
			return append(errs, ctx.Err())
		}
		var outcome domain.FailureOutcome
		err := s.inTx(ctx, func(tx domain.StorageTx, out *outbox) error {
			outcome = ""
			task, err := tx.GetTaskForUpdate(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if task.Status != domain.Pending || out.at-task.AvailableAt <= deadline {
				return nil
			}
			outcome, err = s.retryOrDeadLetter(ctx, tx, out, task, "pickup timeout", false)
			return err
		})
		if err != nil && !errors.Is(err, errval.ErrNotFound) {
			errs = append(errs, fmt.Errorf("expire pending task %s: %w", candidate.ID, err))
			continue
		}
		if outcome == "" {
			continue
		}
		report.PendingTimedOut++
		if outcome == domain.OutcomeDeadLettered {
			report.DeadLettered++
		}
		slog.Warn("Sweeper timed out pending task", "task_id", candidate.ID, "outcome", outcome)
	}
	return errs
}
