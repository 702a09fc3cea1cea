package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sf7293/task-relay/internal/domain"
	"github.com/sf7293/task-relay/internal/errval"
)

// txAttempts bounds how often a transaction aborted by a deadlock or a serialization failure
// is run again.
const txAttempts = 3

type storage struct {
	queries *Queries
	pool    *pgxpool.Pool
}

var _ domain.Storage = (*storage)(nil)

func NewStorage(ctx context.Context, dsn string) (*storage, error) {
	var pool *pgxpool.Pool
	var err error

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	err = backoff.Retry(func() error {
		if pool, err = pgxpool.ConnectConfig(ctx, config); err != nil {
			slog.ErrorContext(ctx, "failed to connect to postgres database.. retrying...", "error", err)
			return err
		}

		if err = pool.Ping(ctx); err != nil {
			pool.Close()
			slog.ErrorContext(ctx, "failed to ping postgres database connection.. retrying...", "error", err)
			return err
		}

		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(3*time.Second), 5), ctx))

	if err != nil {
		return nil, err
	}

	return &storage{
		queries: New(pool),
		pool:    pool,
	}, nil
}

func (s *storage) Ping(ctx context.Context) (err error) {
	return s.pool.Ping(ctx)
}

func (s *storage) Close() {
	s.pool.Close()
}

// InTx runs fn in a read-committed transaction. Deadlocks between row locks taken in different
// orders are resolved by postgres aborting one side, which is then run again from scratch.
func (s *storage) InTx(ctx context.Context, fn func(tx domain.StorageTx) error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), txAttempts-1),
		ctx,
	)

	return backoff.Retry(func() error {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			slog.Warn("Transaction aborted by postgres, retrying", "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

func (s *storage) runTx(ctx context.Context, fn func(tx domain.StorageTx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}

	err = fn(&tx{queries: s.queries.WithTx(pgTx)})
	if err != nil {
		err2 := pgTx.Rollback(ctx)
		if err2 != nil && !errors.Is(err2, pgx.ErrTxClosed) {
			slog.Error("Error occurred while rolling back transaction", "error", err2.Error())
		}

		return err
	}

	return mapError(pgTx.Commit(ctx))
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.DeadlockDetected || pgErr.Code == pgerrcode.SerializationFailure
}

// mapError translates driver errors into the errval taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return errval.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, errval.ErrConflict)
	}
	return err
}

func (s *storage) GetTaskByID(ctx context.Context, ID string) (*domain.Task, error) {
	task, err := s.queries.GetTaskByID(ctx, ID)
	if err != nil {
		return nil, mapError(err)
	}

	return convertTask(task), nil
}

func (s *storage) ListTasks(ctx context.Context, filter domain.TaskFilter) ([]*domain.Task, int, error) {
	total, err := s.queries.CountTasks(ctx, CountTasksParams{
		Status:    string(filter.Status),
		SessionID: filter.SessionID,
		Search:    filter.Search,
	})
	if err != nil {
		return nil, 0, err
	}

	tasks, err := s.queries.ListTasks(ctx, ListTasksParams{
		Status:    string(filter.Status),
		SessionID: filter.SessionID,
		Search:    filter.Search,
		Limit:     int32(filter.Limit),
		Offset:    int32(filter.Offset),
	})
	if err != nil {
		return nil, 0, err
	}

	return convertTasks(tasks), int(total), nil
}

func (s *storage) ListPendingTasks(ctx context.Context, limit int) ([]*domain.Task, error) {
	tasks, err := s.queries.ListPendingTasks(ctx, int32(limit))
	if err != nil {
		return nil, err
	}

	return convertTasks(tasks), nil
}

func (s *storage) ListTasksAvailableBefore(ctx context.Context, status domain.TaskStatus, cutoff int64) ([]*domain.Task, error) {
	tasks, err := s.queries.ListTasksAvailableBefore(ctx, ListTasksAvailableBeforeParams{
		Status: string(status),
		Cutoff: cutoff,
	})
	if err != nil {
		return nil, err
	}

	return convertTasks(tasks), nil
}

func (s *storage) ListTasksProcessingBefore(ctx context.Context, cutoff int64) ([]*domain.Task, error) {
	tasks, err := s.queries.ListTasksProcessingBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	return convertTasks(tasks), nil
}

func (s *storage) CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := s.queries.CountTasksByStatus(ctx)
	if err != nil {
		return nil, err
	}

	counts := map[domain.TaskStatus]int{}
	for _, row := range rows {
		counts[domain.TaskStatus(row.Status)] = int(row.Count)
	}
	return counts, nil
}

func (s *storage) GetTaskStatusChangeHistory(ctx context.Context, taskID string) ([]*domain.TaskStatusChangeHistory, error) {
	taskStatusChangeHistory, err := s.queries.GetTaskStatusChangeHistory(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if len(taskStatusChangeHistory) == 0 {
		return nil, errval.ErrNotFound
	}

	return convertTaskStatusChangeHistories(taskStatusChangeHistory), nil
}

func (s *storage) GetWriteLock(ctx context.Context) (*domain.WriteLock, error) {
	l, err := s.queries.GetWriteLock(ctx)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &domain.WriteLock{}, nil
		}
		return nil, err
	}

	return convertWriteLock(l), nil
}

func (s *storage) ListConsumers(ctx context.Context) ([]*domain.Consumer, error) {
	consumers, err := s.queries.ListConsumers(ctx)
	if err != nil {
		return nil, err
	}

	return convertConsumers(consumers), nil
}

func (s *storage) ListConsumersHeartbeatBefore(ctx context.Context, cutoff int64) ([]*domain.Consumer, error) {
	consumers, err := s.queries.ListConsumersHeartbeatBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	return convertConsumers(consumers), nil
}

func (s *storage) ListDeadLetters(ctx context.Context, limit, offset int) ([]*domain.DeadLetter, int, error) {
	total, err := s.queries.CountDeadLetters(ctx)
	if err != nil {
		return nil, 0, err
	}

	items, err := s.queries.ListDeadLetters(ctx, ListDeadLettersParams{
		Limit:  int32(limit),
		Offset: int32(offset),
	})
	if err != nil {
		return nil, 0, err
	}

	converted := make([]*domain.DeadLetter, 0, len(items))
	for _, item := range items {
		converted = append(converted, convertDeadLetter(item))
	}
	return converted, int(total), nil
}
