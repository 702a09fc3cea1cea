package postgres

import (
	"context"

	"github.com/jackc/pgtype"
)

const taskColumns = `id, session_id, content, status, priority, task_type, consumer_id, created_at, available_at,
       processing_at, completed_at, response, error, retry_count, max_retries, crossed, notes`

// claimOrder serves high before normal before low, then oldest first.
const claimOrder = `CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END, created_at, id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (Task, error) {
	var i Task
	err := row.Scan(
		&i.ID,
		&i.SessionID,
		&i.Content,
		&i.Status,
		&i.Priority,
		&i.TaskType,
		&i.ConsumerID,
		&i.CreatedAt,
		&i.AvailableAt,
		&i.ProcessingAt,
		&i.CompletedAt,
		&i.Response,
		&i.Error,
		&i.RetryCount,
		&i.MaxRetries,
		&i.Crossed,
		&i.Notes,
	)
	return i, err
}

func (q *Queries) queryTasks(ctx context.Context, sql string, args ...interface{}) ([]Task, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []Task{}
	for rows.Next() {
		i, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const getTaskByID = `-- name: GetTaskByID :one
SELECT ` + taskColumns + ` FROM tasks WHERE id = $1
`

func (q *Queries) GetTaskByID(ctx context.Context, id string) (Task, error) {
	return scanTask(q.db.QueryRow(ctx, getTaskByID, id))
}

const getTaskByIDForUpdate = `-- name: GetTaskByIDForUpdate :one
SELECT ` + taskColumns + ` FROM tasks WHERE id = $1 FOR UPDATE
`

func (q *Queries) GetTaskByIDForUpdate(ctx context.Context, id string) (Task, error) {
	return scanTask(q.db.QueryRow(ctx, getTaskByIDForUpdate, id))
}

const taskFilter = `
WHERE ($1::text = '' OR status = $1)
  AND ($2::text = '' OR session_id = $2)
  AND ($3::text = '' OR content ILIKE '%' || $3 || '%' OR notes ILIKE '%' || $3 || '%' OR id ILIKE '%' || $3 || '%')`

const listTasks = `-- name: ListTasks :many
SELECT ` + taskColumns + ` FROM tasks` + taskFilter + `
ORDER BY created_at DESC, id DESC
LIMIT $4 OFFSET $5
`

type ListTasksParams struct {
	Status    string
	SessionID string
	Search    string
	Limit     int32
	Offset    int32
}

func (q *Queries) ListTasks(ctx context.Context, arg ListTasksParams) ([]Task, error) {
	return q.queryTasks(ctx, listTasks, arg.Status, arg.SessionID, arg.Search, arg.Limit, arg.Offset)
}

const countTasks = `-- name: CountTasks :one
SELECT COUNT(*) FROM tasks` + taskFilter + `
`

type CountTasksParams struct {
	Status    string
	SessionID string
	Search    string
}

func (q *Queries) CountTasks(ctx context.Context, arg CountTasksParams) (int64, error) {
	row := q.db.QueryRow(ctx, countTasks, arg.Status, arg.SessionID, arg.Search)
	var count int64
	err := row.Scan(&count)
	return count, err
}

const listPendingTasks = `-- name: ListPendingTasks :many
SELECT ` + taskColumns + ` FROM tasks WHERE status = 'pending'
ORDER BY ` + claimOrder + `
LIMIT $1
`

func (q *Queries) ListPendingTasks(ctx context.Context, limit int32) ([]Task, error) {
	return q.queryTasks(ctx, listPendingTasks, limit)
}

const listTasksAvailableBefore = `-- name: ListTasksAvailableBefore :many
SELECT ` + taskColumns + ` FROM tasks WHERE status = $1 AND available_at < $2
ORDER BY ` + claimOrder + `
`

type ListTasksAvailableBeforeParams struct {
	Status string
	Cutoff int64
}

func (q *Queries) ListTasksAvailableBefore(ctx context.Context, arg ListTasksAvailableBeforeParams) ([]Task, error) {
	return q.queryTasks(ctx, listTasksAvailableBefore, arg.Status, arg.Cutoff)
}

const listTasksProcessingBefore = `-- name: ListTasksProcessingBefore :many
SELECT ` + taskColumns + ` FROM tasks WHERE status = 'processing' AND processing_at < $1
ORDER BY ` + claimOrder + `
`

func (q *Queries) ListTasksProcessingBefore(ctx context.Context, cutoff int64) ([]Task, error) {
	return q.queryTasks(ctx, listTasksProcessingBefore, cutoff)
}

const listTasksByStatusForUpdate = `-- name: ListTasksByStatusForUpdate :many
SELECT ` + taskColumns + ` FROM tasks WHERE status = $1
ORDER BY ` + claimOrder + `
FOR UPDATE
`

func (q *Queries) ListTasksByStatusForUpdate(ctx context.Context, status string) ([]Task, error) {
	return q.queryTasks(ctx, listTasksByStatusForUpdate, status)
}

const listProcessingTasksOfConsumerForUpdate = `-- name: ListProcessingTasksOfConsumerForUpdate :many
SELECT ` + taskColumns + ` FROM tasks WHERE status = 'processing' AND consumer_id = $1
ORDER BY ` + claimOrder + `
FOR UPDATE
`

func (q *Queries) ListProcessingTasksOfConsumerForUpdate(ctx context.Context, consumerID string) ([]Task, error) {
	return q.queryTasks(ctx, listProcessingTasksOfConsumerForUpdate, consumerID)
}

const claimCandidate = `-- name: ClaimCandidate :one
SELECT ` + taskColumns + ` FROM tasks
WHERE status = 'pending' AND task_type = ANY($1::text[])
ORDER BY ` + claimOrder + `
LIMIT 1
FOR UPDATE SKIP LOCKED
`

func (q *Queries) ClaimCandidate(ctx context.Context, taskTypes []string) (Task, error) {
	return scanTask(q.db.QueryRow(ctx, claimCandidate, taskTypes))
}

const countTasksWithStatus = `-- name: CountTasksWithStatus :one
SELECT COUNT(*) FROM tasks WHERE status = $1
`

func (q *Queries) CountTasksWithStatus(ctx context.Context, status string) (int64, error) {
	row := q.db.QueryRow(ctx, countTasksWithStatus, status)
	var count int64
	err := row.Scan(&count)
	return count, err
}

const countTasksByStatus = `-- name: CountTasksByStatus :many
SELECT status, COUNT(*) FROM tasks GROUP BY status
`

type CountTasksByStatusRow struct {
	Status string
	Count  int64
}

func (q *Queries) CountTasksByStatus(ctx context.Context) ([]CountTasksByStatusRow, error) {
	rows, err := q.db.Query(ctx, countTasksByStatus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []CountTasksByStatusRow
	for rows.Next() {
		var i CountTasksByStatusRow
		if err := rows.Scan(&i.Status, &i.Count); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const insertTask = `-- name: InsertTask :exec
INSERT INTO tasks (` + taskColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
`

func (q *Queries) InsertTask(ctx context.Context, arg Task) error {
	_, err := q.db.Exec(ctx, insertTask,
		arg.ID,
		arg.SessionID,
		arg.Content,
		arg.Status,
		arg.Priority,
		arg.TaskType,
		arg.ConsumerID,
		arg.CreatedAt,
		arg.AvailableAt,
		arg.ProcessingAt,
		arg.CompletedAt,
		arg.Response,
		arg.Error,
		arg.RetryCount,
		arg.MaxRetries,
		arg.Crossed,
		arg.Notes,
	)
	return err
}

const updateTask = `-- name: UpdateTask :execrows
UPDATE tasks SET
    status = $2,
    priority = $3,
    task_type = $4,
    consumer_id = $5,
    available_at = $6,
    processing_at = $7,
    completed_at = $8,
    response = $9,
    error = $10,
    retry_count = $11,
    max_retries = $12,
    crossed = $13,
    notes = $14
WHERE id = $1
`

func (q *Queries) UpdateTask(ctx context.Context, arg Task) (int64, error) {
	result, err := q.db.Exec(ctx, updateTask,
		arg.ID,
		arg.Status,
		arg.Priority,
		arg.TaskType,
		arg.ConsumerID,
		arg.AvailableAt,
		arg.ProcessingAt,
		arg.CompletedAt,
		arg.Response,
		arg.Error,
		arg.RetryCount,
		arg.MaxRetries,
		arg.Crossed,
		arg.Notes,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const deleteTask = `-- name: DeleteTask :execrows
DELETE FROM tasks WHERE id = $1
`

func (q *Queries) DeleteTask(ctx context.Context, id string) (int64, error) {
	result, err := q.db.Exec(ctx, deleteTask, id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const deleteTasksByStatus = `-- name: DeleteTasksByStatus :execrows
DELETE FROM tasks WHERE status = ANY($1::text[])
`

func (q *Queries) DeleteTasksByStatus(ctx context.Context, statuses []string) (int64, error) {
	result, err := q.db.Exec(ctx, deleteTasksByStatus, statuses)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const insertTaskStatusChangeHistory = `-- name: InsertTaskStatusChangeHistory :exec
INSERT INTO tasks_status_change_history (task_id, old_status, new_status, reason, consumer_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`

type InsertTaskStatusChangeHistoryParams struct {
	TaskID     string
	OldStatus  string
	NewStatus  string
	Reason     string
	ConsumerID string
	CreatedAt  int64
}

func (q *Queries) InsertTaskStatusChangeHistory(ctx context.Context, arg InsertTaskStatusChangeHistoryParams) error {
	_, err := q.db.Exec(ctx, insertTaskStatusChangeHistory,
		arg.TaskID,
		arg.OldStatus,
		arg.NewStatus,
		arg.Reason,
		arg.ConsumerID,
		arg.CreatedAt,
	)
	return err
}

const getTaskStatusChangeHistory = `-- name: GetTaskStatusChangeHistory :many
SELECT id, task_id, old_status, new_status, reason, consumer_id, created_at
FROM tasks_status_change_history
WHERE task_id = $1
ORDER BY id
`

func (q *Queries) GetTaskStatusChangeHistory(ctx context.Context, taskID string) ([]TasksStatusChangeHistory, error) {
	rows, err := q.db.Query(ctx, getTaskStatusChangeHistory, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []TasksStatusChangeHistory
	for rows.Next() {
		var i TasksStatusChangeHistory
		if err := rows.Scan(
			&i.ID,
			&i.TaskID,
			&i.OldStatus,
			&i.NewStatus,
			&i.Reason,
			&i.ConsumerID,
			&i.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const getWriteLock = `-- name: GetWriteLock :one
SELECT id, held_by, task_id, acquired_at FROM write_lock WHERE id = 1
`

func (q *Queries) GetWriteLock(ctx context.Context) (WriteLock, error) {
	row := q.db.QueryRow(ctx, getWriteLock)
	var i WriteLock
	err := row.Scan(&i.ID, &i.HeldBy, &i.TaskID, &i.AcquiredAt)
	return i, err
}

const getWriteLockForUpdate = `-- name: GetWriteLockForUpdate :one
SELECT id, held_by, task_id, acquired_at FROM write_lock WHERE id = 1 FOR UPDATE
`

func (q *Queries) GetWriteLockForUpdate(ctx context.Context) (WriteLock, error) {
	row := q.db.QueryRow(ctx, getWriteLockForUpdate)
	var i WriteLock
	err := row.Scan(&i.ID, &i.HeldBy, &i.TaskID, &i.AcquiredAt)
	return i, err
}

const saveWriteLock = `-- name: SaveWriteLock :exec
INSERT INTO write_lock (id, held_by, task_id, acquired_at) VALUES (1, $1, $2, $3)
ON CONFLICT (id) DO UPDATE SET held_by = EXCLUDED.held_by, task_id = EXCLUDED.task_id, acquired_at = EXCLUDED.acquired_at
`

type SaveWriteLockParams struct {
	HeldBy     pgtype.Text
	TaskID     pgtype.Text
	AcquiredAt pgtype.Int8
}

func (q *Queries) SaveWriteLock(ctx context.Context, arg SaveWriteLockParams) error {
	_, err := q.db.Exec(ctx, saveWriteLock, arg.HeldBy, arg.TaskID, arg.AcquiredAt)
	return err
}

const consumerColumns = `id, name, last_heartbeat, current_task_id, tasks_completed`

func scanConsumer(row rowScanner) (Consumer, error) {
	var i Consumer
	err := row.Scan(
		&i.ID,
		&i.Name,
		&i.LastHeartbeat,
		&i.CurrentTaskID,
		&i.TasksCompleted,
	)
	return i, err
}

func (q *Queries) queryConsumers(ctx context.Context, sql string, args ...interface{}) ([]Consumer, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []Consumer{}
	for rows.Next() {
		i, err := scanConsumer(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const getConsumerForUpdate = `-- name: GetConsumerForUpdate :one
SELECT ` + consumerColumns + ` FROM consumers WHERE id = $1 FOR UPDATE
`

func (q *Queries) GetConsumerForUpdate(ctx context.Context, id string) (Consumer, error) {
	return scanConsumer(q.db.QueryRow(ctx, getConsumerForUpdate, id))
}

const upsertConsumer = `-- name: UpsertConsumer :exec
INSERT INTO consumers (` + consumerColumns + `) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
    name = EXCLUDED.name,
    last_heartbeat = EXCLUDED.last_heartbeat,
    current_task_id = EXCLUDED.current_task_id,
    tasks_completed = EXCLUDED.tasks_completed
`

func (q *Queries) UpsertConsumer(ctx context.Context, arg Consumer) error {
	_, err := q.db.Exec(ctx, upsertConsumer,
		arg.ID,
		arg.Name,
		arg.LastHeartbeat,
		arg.CurrentTaskID,
		arg.TasksCompleted,
	)
	return err
}

const deleteConsumer = `-- name: DeleteConsumer :execrows
DELETE FROM consumers WHERE id = $1
`

func (q *Queries) DeleteConsumer(ctx context.Context, id string) (int64, error) {
	result, err := q.db.Exec(ctx, deleteConsumer, id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const listConsumers = `-- name: ListConsumers :many
SELECT ` + consumerColumns + ` FROM consumers ORDER BY id
`

func (q *Queries) ListConsumers(ctx context.Context) ([]Consumer, error) {
	return q.queryConsumers(ctx, listConsumers)
}

const listConsumersHeartbeatBefore = `-- name: ListConsumersHeartbeatBefore :many
SELECT ` + consumerColumns + ` FROM consumers WHERE last_heartbeat < $1 ORDER BY id
`

func (q *Queries) ListConsumersHeartbeatBefore(ctx context.Context, cutoff int64) ([]Consumer, error) {
	return q.queryConsumers(ctx, listConsumersHeartbeatBefore, cutoff)
}

const listConsumersWithTask = `-- name: ListConsumersWithTask :many
SELECT ` + consumerColumns + ` FROM consumers WHERE current_task_id = $1 ORDER BY id FOR UPDATE
`

func (q *Queries) ListConsumersWithTask(ctx context.Context, taskID string) ([]Consumer, error) {
	return q.queryConsumers(ctx, listConsumersWithTask, taskID)
}

const deadLetterColumns = `id, task_id, reason, failed_at, content, session_id, priority, task_type, retry_count, snapshot`

func scanDeadLetter(row rowScanner) (DeadLetter, error) {
	var i DeadLetter
	err := row.Scan(
		&i.ID,
		&i.TaskID,
		&i.Reason,
		&i.FailedAt,
		&i.Content,
		&i.SessionID,
		&i.Priority,
		&i.TaskType,
		&i.RetryCount,
		&i.Snapshot,
	)
	return i, err
}

const insertDeadLetter = `-- name: InsertDeadLetter :exec
INSERT INTO dead_letters (` + deadLetterColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

func (q *Queries) InsertDeadLetter(ctx context.Context, arg DeadLetter) error {
	_, err := q.db.Exec(ctx, insertDeadLetter,
		arg.ID,
		arg.TaskID,
		arg.Reason,
		arg.FailedAt,
		arg.Content,
		arg.SessionID,
		arg.Priority,
		arg.TaskType,
		arg.RetryCount,
		arg.Snapshot,
	)
	return err
}

const getDeadLetterForUpdate = `-- name: GetDeadLetterForUpdate :one
SELECT ` + deadLetterColumns + ` FROM dead_letters WHERE id = $1 FOR UPDATE
`

func (q *Queries) GetDeadLetterForUpdate(ctx context.Context, id string) (DeadLetter, error) {
	return scanDeadLetter(q.db.QueryRow(ctx, getDeadLetterForUpdate, id))
}

const deleteDeadLetter = `-- name: DeleteDeadLetter :execrows
DELETE FROM dead_letters WHERE id = $1
`

func (q *Queries) DeleteDeadLetter(ctx context.Context, id string) (int64, error) {
	result, err := q.db.Exec(ctx, deleteDeadLetter, id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const listDeadLetters = `-- name: ListDeadLetters :many
SELECT ` + deadLetterColumns + ` FROM dead_letters ORDER BY failed_at DESC, id DESC LIMIT $1 OFFSET $2
`

type ListDeadLettersParams struct {
	Limit  int32
	Offset int32
}

func (q *Queries) ListDeadLetters(ctx context.Context, arg ListDeadLettersParams) ([]DeadLetter, error) {
	rows, err := q.db.Query(ctx, listDeadLetters, arg.Limit, arg.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []DeadLetter{}
	for rows.Next() {
		i, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const countDeadLetters = `-- name: CountDeadLetters :one
SELECT COUNT(*) FROM dead_letters
`

func (q *Queries) CountDeadLetters(ctx context.Context) (int64, error) {
	row := q.db.QueryRow(ctx, countDeadLetters)
	var count int64
	err := row.Scan(&count)
	return count, err
}
