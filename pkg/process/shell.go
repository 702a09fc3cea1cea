package process

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/sf7293/task-relay/internal/domain"
)

// ShellTask runs the task content as a shell command line.
type ShellTask struct {
	Shell string
}

func NewShellTask(shell string) ShellTask {
	return ShellTask{Shell: shell}
}

func (s ShellTask) Execute(ctx context.Context, task *domain.Task) (string, error) {
	slog.Info("shell task", "task_id", task.ID, "command", task.Content)

	out, err := exec.CommandContext(ctx, s.Shell, "-c", task.Content).CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		if output != "" {
			return "", fmt.Errorf("%w: %s", err, output)
		}
		return "", err
	}
	return output, nil
}
