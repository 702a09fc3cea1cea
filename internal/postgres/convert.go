package postgres

import (
	"github.com/jackc/pgtype"
	"github.com/sf7293/task-relay/internal/domain"
)

func nullText(v string) pgtype.Text {
	if v == "" {
		return pgtype.Text{Status: pgtype.Null}
	}
	return pgtype.Text{String: v, Status: pgtype.Present}
}

func nullInt8(v int64) pgtype.Int8 {
	if v == 0 {
		return pgtype.Int8{Status: pgtype.Null}
	}
	return pgtype.Int8{Int: v, Status: pgtype.Present}
}

func textValue(v pgtype.Text) string {
	if v.Status != pgtype.Present {
		return ""
	}
	return v.String
}

func int8Value(v pgtype.Int8) int64 {
	if v.Status != pgtype.Present {
		return 0
	}
	return v.Int
}

func convertTask(task Task) *domain.Task {
	castedItem := &domain.Task{
		ID:           task.ID,
		SessionID:    task.SessionID,
		Content:      task.Content,
		Status:       domain.TaskStatus(task.Status),
		Priority:     domain.TaskPriority(task.Priority),
		TaskType:     domain.TaskType(task.TaskType),
		ConsumerID:   textValue(task.ConsumerID),
		CreatedAt:    task.CreatedAt,
		AvailableAt:  task.AvailableAt,
		ProcessingAt: int8Value(task.ProcessingAt),
		CompletedAt:  int8Value(task.CompletedAt),
		Response:     textValue(task.Response),
		Error:        textValue(task.Error),
		RetryCount:   int(task.RetryCount),
		MaxRetries:   int(task.MaxRetries),
		Crossed:      task.Crossed,
		Notes:        task.Notes,
	}

	return castedItem
}

func convertTasks(tasks []Task) []*domain.Task {
	castedTasks := []*domain.Task{}
	for _, item := range tasks {
		castedTask := convertTask(item)
		castedTasks = append(castedTasks, castedTask)
	}

	return castedTasks
}

func toTaskRow(task *domain.Task) Task {
	return Task{
		ID:           task.ID,
		SessionID:    task.SessionID,
		Content:      task.Content,
		Status:       string(task.Status),
		Priority:     string(task.Priority),
		TaskType:     string(task.TaskType),
		ConsumerID:   nullText(task.ConsumerID),
		CreatedAt:    task.CreatedAt,
		AvailableAt:  task.AvailableAt,
		ProcessingAt: nullInt8(task.ProcessingAt),
		CompletedAt:  nullInt8(task.CompletedAt),
		Response:     nullText(task.Response),
		Error:        nullText(task.Error),
		RetryCount:   int32(task.RetryCount),
		MaxRetries:   int32(task.MaxRetries),
		Crossed:      task.Crossed,
		Notes:        task.Notes,
	}
}

func convertTaskStatusChangeHistory(item TasksStatusChangeHistory) *domain.TaskStatusChangeHistory {
	castedItem := &domain.TaskStatusChangeHistory{
		ID:         item.ID,
		TaskID:     item.TaskID,
		OldStatus:  domain.TaskStatus(item.OldStatus),
		NewStatus:  domain.TaskStatus(item.NewStatus),
		Reason:     item.Reason,
		ConsumerID: item.ConsumerID,
		CreatedAt:  item.CreatedAt,
	}

	return castedItem
}

func convertTaskStatusChangeHistories(items []TasksStatusChangeHistory) []*domain.TaskStatusChangeHistory {
	castedItems := []*domain.TaskStatusChangeHistory{}
	for _, item := range items {
		castedItem := convertTaskStatusChangeHistory(item)
		castedItems = append(castedItems, castedItem)
	}

	return castedItems
}

func convertWriteLock(l WriteLock) *domain.WriteLock {
	return &domain.WriteLock{
		HeldBy:     textValue(l.HeldBy),
		TaskID:     textValue(l.TaskID),
		AcquiredAt: int8Value(l.AcquiredAt),
	}
}

func convertConsumer(c Consumer) *domain.Consumer {
	return &domain.Consumer{
		ID:             c.ID,
		Name:           c.Name,
		LastHeartbeat:  c.LastHeartbeat,
		CurrentTaskID:  textValue(c.CurrentTaskID),
		TasksCompleted: int(c.TasksCompleted),
	}
}

func convertConsumers(items []Consumer) []*domain.Consumer {
	castedItems := []*domain.Consumer{}
	for _, item := range items {
		castedItems = append(castedItems, convertConsumer(item))
	}

	return castedItems
}

func toDeadLetterRow(item *domain.DeadLetter) (DeadLetter, error) {
	var snapshot pgtype.JSONB
	if len(item.Snapshot) == 0 {
		snapshot.Status = pgtype.Null
	} else if err := snapshot.Set(item.Snapshot); err != nil {
		return DeadLetter{}, err
	}

	return DeadLetter{
		ID:         item.ID,
		TaskID:     item.TaskID,
		Reason:     item.Reason,
		FailedAt:   item.FailedAt,
		Content:    item.Content,
		SessionID:  item.SessionID,
		Priority:   string(item.Priority),
		TaskType:   string(item.TaskType),
		RetryCount: int32(item.RetryCount),
		Snapshot:   snapshot,
	}, nil
}

func convertDeadLetter(item DeadLetter) *domain.DeadLetter {
	d := &domain.DeadLetter{
		ID:         item.ID,
		TaskID:     item.TaskID,
		Reason:     item.Reason,
		FailedAt:   item.FailedAt,
		Content:    item.Content,
		SessionID:  item.SessionID,
		Priority:   domain.TaskPriority(item.Priority),
		TaskType:   domain.TaskType(item.TaskType),
		RetryCount: int(item.RetryCount),
	}
	if item.Snapshot.Status == pgtype.Present {
		d.Snapshot = item.Snapshot.Bytes
	}
	return d
}
