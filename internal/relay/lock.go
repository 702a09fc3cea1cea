package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sf7293/task-relay/internal/domain"
	"github.com/sf7293/task-relay/internal/errval"
	"github.com/sf7293/task-relay/internal/events"
)

// writeLock is the manager around the singleton lock row. Its methods only run inside a
// transaction that already holds the row.
type writeLock struct {
	tx  domain.StorageTx
	out *outbox
}

func (s *Service) lockIn(tx domain.StorageTx, out *outbox) *writeLock {
	return &writeLock{tx: tx, out: out}
}

// acquire takes the free lock for taskID. Claiming the same task again is a no-op; any other
// write task is refused even for the current holder, so one write task runs at a time.
func (w *writeLock) acquire(ctx context.Context, consumerID, taskID string, at int64) error {
	l, err := w.tx.GetWriteLockForUpdate(ctx)
	if err != nil {
		return err
	}
	if !l.IsFree() {
		if l.HeldBy == consumerID && l.TaskID == taskID {
			return nil
		}
		return fmt.Errorf("held by %s for task %s: %w", l.HeldBy, l.TaskID, errval.ErrLockHeld)
	}

	next := &domain.WriteLock{HeldBy: consumerID, TaskID: taskID, AcquiredAt: at}
	if err := w.tx.SaveWriteLock(ctx, next); err != nil {
		return err
	}
	w.out.add(events.LockAcquired, lockStatus(next, at))
	return nil
}

// release frees the lock if consumerID holds it for taskID and reports whether it did.
func (w *writeLock) release(ctx context.Context, consumerID, taskID string, at int64) (bool, error) {
	l, err := w.tx.GetWriteLockForUpdate(ctx)
	if err != nil {
		return false, err
	}
	if l.IsFree() || l.HeldBy != consumerID || l.TaskID != taskID {
		return false, nil
	}
	return true, w.clear(ctx, l, at)
}

// forceRelease frees the lock whoever holds it and returns the previous state.
func (w *writeLock) forceRelease(ctx context.Context, at int64) (*domain.WriteLock, error) {
	l, err := w.tx.GetWriteLockForUpdate(ctx)
	if err != nil {
		return nil, err
	}
	if l.IsFree() {
		return l, nil
	}
	return l, w.clear(ctx, l, at)
}

func (w *writeLock) clear(ctx context.Context, previous *domain.WriteLock, at int64) error {
	if err := w.tx.SaveWriteLock(ctx, &domain.WriteLock{}); err != nil {
		return err
	}
	w.out.add(events.LockReleased, map[string]interface{}{
		"heldBy": previous.HeldBy,
		"taskId": previous.TaskID,
		"heldMs": at - previous.AcquiredAt,
	})
	return nil
}

// releaseForTask frees the lock when task is write-class and the lock is held for it.
func (w *writeLock) releaseForTask(ctx context.Context, task *domain.Task, at int64) error {
	if task.TaskType != domain.Write || task.ConsumerID == "" {
		return nil
	}
	_, err := w.release(ctx, task.ConsumerID, task.ID, at)
	return err
}

func lockStatus(l *domain.WriteLock, now int64) domain.LockStatus {
	if l.IsFree() {
		return domain.LockStatus{}
	}
	return domain.LockStatus{
		Held:       true,
		HeldBy:     l.HeldBy,
		TaskID:     l.TaskID,
		AcquiredAt: l.AcquiredAt,
		AgeMs:      now - l.AcquiredAt,
	}
}

func (s *Service) LockStatus(ctx context.Context) (domain.LockStatus, error) {
	l, err := s.storage.GetWriteLock(ctx)
	if err != nil {
		return domain.LockStatus{}, err
	}
	return lockStatus(l, s.nowMs()), nil
}

// ReleaseLock releases the lock on behalf of its holder.
func (s *Service) ReleaseLock(ctx context.Context, consumerID string) (domain.LockStatus, error) {
	if consumerID == "" {
		return domain.LockStatus{}, fmt.Errorf("consumerId is required: %w", errval.ErrInvalidInput)
	}

	err := s.inTx(ctx, func(tx domain.StorageTx, out *outbox) error {
		l, err := tx.GetWriteLockForUpdate(ctx)
		if err != nil {
			return err
		}
		if l.IsFree() {
			return fmt.Errorf("write lock is not held: %w", errval.ErrConflict)
		}
		if l.HeldBy != consumerID {
			return fmt.Errorf("held by %s: %w", l.HeldBy, errval.ErrLockHeld)
		}
		return s.lockIn(tx, out).clear(ctx, l, out.at)
	})
	if err != nil {
		return domain.LockStatus{}, err
	}

	slog.Info("Write lock released by holder", "consumer_id", consumerID)
	return domain.LockStatus{}, nil
}

// ForceReleaseLock releases the lock unconditionally and returns what it was.
func (s *Service) ForceReleaseLock(ctx context.Context) (domain.LockStatus, error) {
	var previous *domain.WriteLock
	err := s.inTx(ctx, func(tx domain.StorageTx, out *outbox) error {
		var err error
		previous, err = s.lockIn(tx, out).forceRelease(ctx, out.at)
		return err
	})
	if err != nil {
		return domain.LockStatus{}, err
	}

	status := lockStatus(previous, s.nowMs())
	if status.Held {
		slog.Warn("Write lock force released", "previous_holder", status.HeldBy, "task_id", status.TaskID, "held_ms", status.AgeMs)
	}
	return status, nil
}

// RecoverStaleLock force releases a lock older than the staleness threshold. It runs at boot
// and on every sweep so a crashed holder cannot wedge write-class work.
func (s *Service) RecoverStaleLock(ctx context.Context) (bool, error) {
	released := false
	var previous *domain.WriteLock
	err := s.inTx(ctx, func(tx domain.StorageTx, out *outbox) error {
		released, previous = false, nil
		l, err := tx.GetWriteLockForUpdate(ctx)
		if err != nil {
			return err
		}
		if l.IsFree() || out.at-l.AcquiredAt <= s.opts.LockStaleAfter.Milliseconds() {
			return nil
		}
		previous = l
		released = true
		return s.lockIn(tx, out).clear(ctx, l, out.at)
	})
	if err != nil {
		return false, err
	}

	if released {
		slog.Warn("Stale write lock force released", "previous_holder", previous.HeldBy, "task_id", previous.TaskID, "acquired_at", previous.AcquiredAt)
	}
	return released, nil
}
