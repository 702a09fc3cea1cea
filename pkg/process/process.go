package process

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sf7293/task-relay/internal/domain"
)

const (
	Echo  = "echo"
	Shell = "shell"
	Flaky = "flaky"
)

// Process executes a claimed task on the consumer side and returns the response text.
type Process interface {
	Execute(ctx context.Context, task *domain.Task) (string, error)
}

func NewProcess(name string) (Process, error) {
	switch name {
	case Echo:
		return NewEchoTask(time.Second), nil
	case Shell:
		return NewShellTask("sh"), nil
	case Flaky:
		randomFunc := func() int {
			r := rand.New(rand.NewSource(time.Now().UnixNano()))
			return r.Intn(100) + 1
		}
		return NewFlakyTask(NewEchoTask(time.Second), randomFunc, 20), nil
	default:
		return nil, fmt.Errorf("unrecognized process %q", name)
	}
}
