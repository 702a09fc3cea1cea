package postgres

import (
	"github.com/jackc/pgtype"
)

type Task struct {
	ID           string
	SessionID    string
	Content      string
	Status       string
	Priority     string
	TaskType     string
	ConsumerID   pgtype.Text
	CreatedAt    int64
	AvailableAt  int64
	ProcessingAt pgtype.Int8
	CompletedAt  pgtype.Int8
	Response     pgtype.Text
	Error        pgtype.Text
	RetryCount   int32
	MaxRetries   int32
	Crossed      bool
	Notes        string
}

type TasksStatusChangeHistory struct {
	ID         int64
	TaskID     string
	OldStatus  string
	NewStatus  string
	Reason     string
	ConsumerID string
	CreatedAt  int64
}

type Consumer struct {
	ID             string
	Name           string
	LastHeartbeat  int64
	CurrentTaskID  pgtype.Text
	TasksCompleted int32
}

type DeadLetter struct {
	ID         string
	TaskID     string
	Reason     string
	FailedAt   int64
	Content    string
	SessionID  string
	Priority   string
	TaskType   string
	RetryCount int32
	Snapshot   pgtype.JSONB
}

type WriteLock struct {
	ID         int16
	HeldBy     pgtype.Text
	TaskID     pgtype.Text
	AcquiredAt pgtype.Int8
}
