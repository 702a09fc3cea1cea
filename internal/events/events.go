package events

// Event types delivered to subscribers.
const (
	TaskCreated    = "task:created"
	TaskProcessing = "task:processing"
	TaskCompleted  = "task:completed"
	TaskRetrying   = "task:retrying"
	TaskFailed     = "task:failed"
	TaskDeleted    = "task:deleted"
	TaskUpdated    = "task:updated"

	ConsumerOnline  = "consumer:online"
	ConsumerOffline = "consumer:offline"

	LockAcquired = "filelock:acquired"
	LockReleased = "filelock:released"

	TasksCleanup = "tasks:cleanup"
	TasksReset   = "tasks:reset"
)

// Event is the envelope pushed to every subscriber. Timestamp is in milliseconds.
type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp int64       `json:"timestamp"`
}

// Publisher is what state-changing code depends on.
type Publisher interface {
	Publish(event Event)
}
