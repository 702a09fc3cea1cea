package domain

import "strings"

type TaskStatus string

const (
	Pending    TaskStatus = "pending"
	Processing TaskStatus = "processing"
	Retrying   TaskStatus = "retrying"
	Completed  TaskStatus = "completed"
	Failed     TaskStatus = "failed"
)

type TaskType string

const (
	ReadOnly TaskType = "read_only"
	Write    TaskType = "write"
)

type TaskPriority string

const (
	High   TaskPriority = "high"
	Normal TaskPriority = "normal"
	Low    TaskPriority = "low"
)

// allowedTransitions lists every legal status edge. Anything else is a Conflict.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	Pending: {
		Processing: {},
		Retrying:   {},
		Pending:    {}, // pickup timeout retry keeps the task queued
		Failed:     {},
	},
	Processing: {
		Completed: {},
		Pending:   {},
		Retrying:  {},
		Failed:    {},
	},
	Retrying: {
		Pending: {},
	},
	// A dead letter retry is the only way out of failed.
	Failed: {
		Pending: {},
	},
}

func CanTransition(from, to TaskStatus) bool {
	edges, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = edges[to]
	return ok
}

func (s TaskStatus) IsTerminal() bool {
	return s == Completed || s == Failed
}

// IsInFlight reports whether a task is protected from deletion without force.
func (s TaskStatus) IsInFlight() bool {
	return s == Pending || s == Processing || s == Retrying
}

func ParseTaskStatus(v string) (TaskStatus, bool) {
	s := TaskStatus(strings.ToLower(strings.TrimSpace(v)))
	switch s {
	case Pending, Processing, Retrying, Completed, Failed:
		return s, true
	}
	return "", false
}

func ParseTaskType(v string) (TaskType, bool) {
	t := TaskType(strings.ToLower(strings.TrimSpace(v)))
	switch t {
	case ReadOnly, Write:
		return t, true
	}
	return "", false
}

func ParsePriority(v string) (TaskPriority, bool) {
	p := TaskPriority(strings.ToLower(strings.TrimSpace(v)))
	switch p {
	case High, Normal, Low:
		return p, true
	}
	return "", false
}

// Rank orders priorities for claiming, lower is served first.
func (p TaskPriority) Rank() int {
	switch p {
	case High:
		return 0
	case Low:
		return 2
	default:
		return 1
	}
}

// Task timestamps are milliseconds since epoch, zero means unset.
type Task struct {
	ID           string       `json:"id"`
	SessionID    string       `json:"sessionId"`
	Content      string       `json:"content"`
	Status       TaskStatus   `json:"status"`
	Priority     TaskPriority `json:"priority"`
	TaskType     TaskType     `json:"taskType"`
	ConsumerID   string       `json:"consumerId,omitempty"`
	CreatedAt    int64        `json:"createdAt"`
	AvailableAt  int64        `json:"availableAt"`
	ProcessingAt int64        `json:"processingAt,omitempty"`
	CompletedAt  int64        `json:"completedAt,omitempty"`
	Response     string       `json:"response,omitempty"`
	Error        string       `json:"error,omitempty"`
	RetryCount   int          `json:"retryCount"`
	MaxRetries   int          `json:"maxRetries"`
	Crossed      bool         `json:"crossed"`
	Notes        string       `json:"notes,omitempty"`
}

// CanRetry reports whether another attempt fits in the retry budget.
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

type TaskFilter struct {
	Status    TaskStatus
	SessionID string
	Search    string
	Limit     int
	Offset    int
}

type FailureOutcome string

const (
	OutcomeRetried      FailureOutcome = "retried"
	OutcomeDeadLettered FailureOutcome = "dead_lettered"
)

// NoTaskReason explains an empty claim.
type NoTaskReason string

const (
	ReasonEmpty    NoTaskReason = "empty"
	ReasonLockHeld NoTaskReason = "lock_held"
)

type ClaimResult struct {
	Task   *Task        `json:"task"`
	Reason NoTaskReason `json:"reason,omitempty"`
	Lock   LockStatus   `json:"lock"`
}
