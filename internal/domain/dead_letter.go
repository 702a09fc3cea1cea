package domain

// DeadLetter keeps a verbatim copy of the task so the source row can be deleted.
type DeadLetter struct {
	ID         string       `json:"id"`
	TaskID     string       `json:"taskId"`
	Reason     string       `json:"reason"`
	FailedAt   int64        `json:"failedAt"`
	Content    string       `json:"content"`
	SessionID  string       `json:"sessionId"`
	Priority   TaskPriority `json:"priority"`
	TaskType   TaskType     `json:"taskType"`
	RetryCount int          `json:"retryCount"`
	Snapshot   []byte       `json:"-"`
}
