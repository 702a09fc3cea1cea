package domain

type TaskStatusChangeHistory struct {
	ID         int64      `json:"-"`
	TaskID     string     `json:"taskId"`
	OldStatus  TaskStatus `json:"oldStatus,omitempty"`
	NewStatus  TaskStatus `json:"newStatus"`
	Reason     string     `json:"reason"`
	ConsumerID string     `json:"consumerId,omitempty"`
	CreatedAt  int64      `json:"createdAt"`
}
