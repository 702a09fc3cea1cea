package process

import (
	"context"
	"log/slog"
	"time"

	"github.com/sf7293/task-relay/internal/domain"
)

// EchoTask answers with the task content after a fixed delay.
type EchoTask struct {
	Delay time.Duration
}

func NewEchoTask(delay time.Duration) EchoTask {
	return EchoTask{Delay: delay}
}

func (e EchoTask) Execute(ctx context.Context, task *domain.Task) (string, error) {
	slog.Info("echo task", "task_id", task.ID, "task_type", task.TaskType)

	timer := time.NewTimer(e.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
	}

	return task.Content, nil
}
