package domain

type Consumer struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	LastHeartbeat  int64  `json:"lastHeartbeat"`
	CurrentTaskID  string `json:"currentTaskId,omitempty"`
	TasksCompleted int    `json:"tasksCompleted"`
	Online         bool   `json:"online"`
}
