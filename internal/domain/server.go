package domain

type RouterRequestAddTask struct {
	TaskID     string  `json:"taskId" binding:"omitempty,max=128"`
	Content    string  `json:"content" binding:"required"`
	SessionID  string  `json:"sessionId"`
	Priority   *string `json:"priority" binding:"omitempty,validate_priority"`
	TaskType   *string `json:"taskType" binding:"omitempty,validate_task_type"`
	MaxRetries *int    `json:"maxRetries" binding:"omitempty,min=0,max=20"`
}

type RouterResponseAddTask struct {
	TaskID   string     `json:"taskId"`
	Status   TaskStatus `json:"status"`
	TaskType TaskType   `json:"taskType"`
}

type RouterRequestComplete struct {
	ConsumerID string  `json:"consumerId"`
	Response   *string `json:"response"`
	Error      *string `json:"error"`
}

type RouterRequestRelease struct {
	ConsumerID string `json:"consumerId"`
}

type RouterRequestCross struct {
	Crossed *bool `json:"crossed"`
}

type RouterRequestNotes struct {
	Notes string `json:"notes"`
}

type RouterRequestResetProcessing struct {
	Mode string `json:"mode" binding:"omitempty,oneof=requeue delete"`
}

type RouterRequestLockRelease struct {
	Force      bool   `json:"force" form:"force"`
	ConsumerID string `json:"consumerId" form:"consumerId"`
}

type RouterRequestHeartbeat struct {
	ConsumerID string `json:"consumerId" binding:"required"`
	TaskID     string `json:"taskId"`
	Name       string `json:"name"`
}

type RouterRequestRegister struct {
	ConsumerID string `json:"consumerId"`
	Name       string `json:"name"`
}

type RouterRequestUnregister struct {
	ConsumerID string `json:"consumerId" binding:"required"`
}
