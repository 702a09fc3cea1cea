package process

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sf7293/task-relay/internal/domain"
)

// FlakyTask wraps another process and fails a share of the runs. It exists to exercise
// the broker's retry and dead-letter paths.
type FlakyTask struct {
	Next        Process
	RandomFunc  func() int
	FailPercent int
}

// NewFlakyTask takes a random function returning 1..100 as a dependency.
func NewFlakyTask(next Process, randomFunc func() int, failPercent int) FlakyTask {
	return FlakyTask{
		Next:        next,
		RandomFunc:  randomFunc,
		FailPercent: failPercent,
	}
}

func (f FlakyTask) Execute(ctx context.Context, task *domain.Task) (string, error) {
	if f.RandomFunc() <= f.FailPercent {
		slog.Warn("flaky task failed on purpose", "task_id", task.ID)
		return "", errors.New("flaky process failed")
	}
	return f.Next.Execute(ctx, task)
}
