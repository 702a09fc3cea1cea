package domain

// WriteLock is the singleton row gating write-class execution. HeldBy is empty when free.
type WriteLock struct {
	HeldBy     string
	TaskID     string
	AcquiredAt int64
}

func (l *WriteLock) IsFree() bool {
	return l == nil || l.HeldBy == ""
}

type LockStatus struct {
	Held       bool   `json:"held"`
	HeldBy     string `json:"heldBy,omitempty"`
	TaskID     string `json:"taskId,omitempty"`
	AcquiredAt int64  `json:"acquiredAt,omitempty"`
	AgeMs      int64  `json:"ageMs,omitempty"`
}
