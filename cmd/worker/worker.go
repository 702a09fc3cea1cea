package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sf7293/task-relay/internal/domain"
	"github.com/sf7293/task-relay/pkg/process"
	"github.com/sf7293/task-relay/pkg/relayclient"
)

type worker struct {
	client         *relayclient.Client
	process        process.Process
	id             string
	name           string
	preferReadOnly bool
	poll           time.Duration
	heartbeat      time.Duration

	mu          sync.Mutex
	currentTask string
}

func (w *worker) setCurrent(taskID string) {
	w.mu.Lock()
	w.currentTask = taskID
	w.mu.Unlock()
}

func (w *worker) current() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentTask
}

// run registers, then claims and executes tasks until ctx is cancelled. Idle polling backs off
// exponentially up to eight poll intervals.
func (w *worker) run(ctx context.Context) error {
	consumer, err := w.client.Register(ctx, w.id, w.name)
	if err != nil {
		return err
	}
	w.id = consumer.ID
	slog.Info("Worker is registered", "consumer_id", w.id, "name", consumer.Name)

	go w.heartbeatLoop(ctx)

	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = w.poll
	idle.MaxInterval = 8 * w.poll
	idle.MaxElapsedTime = 0

	for ctx.Err() == nil {
		claimed, err := w.runOnce(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Error("Worker iteration failed", "consumer_id", w.id, "error", err)
		}
		if claimed && err == nil {
			idle.Reset()
			continue
		}

		timer := time.NewTimer(idle.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	w.shutdown()
	return nil
}

// runOnce claims at most one task and reports it back. It returns false when nothing was claimed.
func (w *worker) runOnce(ctx context.Context) (bool, error) {
	res, err := w.client.Next(ctx, w.id, w.preferReadOnly)
	if err != nil {
		return false, err
	}
	if res.Task == nil {
		if res.Reason == domain.ReasonLockHeld {
			slog.Debug("Write lock is held elsewhere", "consumer_id", w.id, "held_by", res.Lock.HeldBy)
		}
		return false, nil
	}

	task := res.Task
	w.setCurrent(task.ID)
	defer w.setCurrent("")
	slog.Info("Task is claimed", "task_id", task.ID, "task_type", task.TaskType, "priority", task.Priority)

	response, execErr := w.process.Execute(ctx, task)

	if ctx.Err() != nil {
		// Shutting down mid-task: hand the task back instead of reporting a failure.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := w.client.Release(releaseCtx, task.ID, w.id); err != nil {
			return true, err
		}
		slog.Info("Task is released on shutdown", "task_id", task.ID)
		return true, nil
	}

	if execErr != nil {
		_, outcome, err := w.client.Fail(ctx, task.ID, w.id, execErr.Error())
		if err != nil {
			return true, err
		}
		slog.Warn("Task has failed", "task_id", task.ID, "outcome", outcome, "error", execErr)
		return true, nil
	}

	if _, err := w.client.Complete(ctx, task.ID, w.id, response); err != nil {
		return true, err
	}
	slog.Info("Task is completed", "task_id", task.ID)
	return true, nil
}

func (w *worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.client.Heartbeat(ctx, w.id, w.current(), w.name); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Heartbeat failed", "consumer_id", w.id, "error", err)
			}
		}
	}
}

func (w *worker) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	released, err := w.client.Unregister(ctx, w.id)
	if err != nil {
		slog.Error("Unregister failed", "consumer_id", w.id, "error", err)
		return
	}
	slog.Info("Worker is unregistered", "consumer_id", w.id, "requeued_tasks", released)
}
