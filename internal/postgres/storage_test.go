package postgres

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sf7293/task-relay/configs"
	db2 "github.com/sf7293/task-relay/db"
	"github.com/sf7293/task-relay/internal/classifier"
	"github.com/sf7293/task-relay/internal/domain"
	"github.com/sf7293/task-relay/internal/errval"
	"github.com/sf7293/task-relay/internal/events"
	"github.com/sf7293/task-relay/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
)

var testStorage *storage

// TestMain needs a reachable test database; without DB_HOST the package is skipped.
func TestMain(m *testing.M) {
	if os.Getenv("DB_HOST") == "" {
		slog.Info("DB_HOST is not set, skipping postgres integration tests")
		os.Exit(0)
	}
	cfg := configs.InitConfig()

	d, err := iofs.New(db2.Migrations, "migrations")
	if err != nil {
		log.Fatal("Error while preparing migrations, error: " + err.Error())
	}

	mig, err := migrate.NewWithSourceInstance("iofs", d, cfg.Database.ToTestMigrationUri())
	if err != nil {
		log.Fatal("Error while creating new iofs source instance for migrations, error: " + err.Error())
	}

	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatal("Error while running migrations, error: " + err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	testStorage, err = NewStorage(ctx, cfg.Database.ToTestDBConnectionUri())
	cancel()
	if err != nil {
		log.Fatal(err)
	}

	code := m.Run()

	testStorage.Close()
	if err := mig.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatal("Error while rolling back migrations, error: " + err.Error())
	}
	os.Exit(code)
}

func resetTables(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := testStorage.pool.Exec(ctx, `TRUNCATE tasks, tasks_status_change_history, consumers, dead_letters`)
	require.NoError(t, err)
	_, err = testStorage.pool.Exec(ctx, `UPDATE write_lock SET held_by = NULL, task_id = NULL, acquired_at = NULL`)
	require.NoError(t, err)
}

func insertTasks(t *testing.T, tasks ...domain.Task) {
	t.Helper()
	err := testStorage.InTx(context.Background(), func(tx domain.StorageTx) error {
		for i := range tasks {
			if err := tx.InsertTask(context.Background(), &tasks[i]); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestInsertAndGetTask(t *testing.T) {
	resetTables(t)
	ctx := context.Background()

	insertTasks(t, domain.Task{
		ID: "a", Content: "show x", Status: domain.Pending, Priority: domain.High,
		TaskType: domain.ReadOnly, CreatedAt: 10, AvailableAt: 10, MaxRetries: 3,
	})

	task, err := testStorage.GetTaskByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.High, task.Priority)
	assert.Empty(t, task.ConsumerID)
	assert.Zero(t, task.ProcessingAt)

	_, err = testStorage.GetTaskByID(ctx, "missing")
	assert.ErrorIs(t, err, errval.ErrNotFound)

	err = testStorage.InTx(ctx, func(tx domain.StorageTx) error {
		return tx.InsertTask(ctx, &domain.Task{ID: "a", Content: "dup", Status: domain.Pending, Priority: domain.Normal, TaskType: domain.Write})
	})
	assert.ErrorIs(t, err, errval.ErrConflict)
}

func TestClaimCandidate_SkipsLockedRows(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	insertTasks(t,
		domain.Task{ID: "first", Content: "x", Status: domain.Pending, Priority: domain.Normal, TaskType: domain.ReadOnly, CreatedAt: 1, AvailableAt: 1},
		domain.Task{ID: "second", Content: "y", Status: domain.Pending, Priority: domain.Normal, TaskType: domain.ReadOnly, CreatedAt: 2, AvailableAt: 2},
	)

	held := make(chan struct{})
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = testStorage.InTx(ctx, func(tx domain.StorageTx) error {
			task, err := tx.ClaimCandidateForUpdate(ctx, []domain.TaskType{domain.ReadOnly})
			require.NoError(t, err)
			assert.Equal(t, "first", task.ID)
			close(held)
			<-done
			return nil
		})
	}()

	<-held
	err := testStorage.InTx(ctx, func(tx domain.StorageTx) error {
		task, err := tx.ClaimCandidateForUpdate(ctx, []domain.TaskType{domain.ReadOnly})
		require.NoError(t, err)
		assert.Equal(t, "second", task.ID)
		return nil
	})
	close(done)
	wg.Wait()
	require.NoError(t, err)
}

func TestWriteLockRow(t *testing.T) {
	resetTables(t)
	ctx := context.Background()

	lock, err := testStorage.GetWriteLock(ctx)
	require.NoError(t, err)
	assert.True(t, lock.IsFree())

	err = testStorage.InTx(ctx, func(tx domain.StorageTx) error {
		return tx.SaveWriteLock(ctx, &domain.WriteLock{HeldBy: "c1", TaskID: "t1", AcquiredAt: 42})
	})
	require.NoError(t, err)

	lock, err = testStorage.GetWriteLock(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.WriteLock{HeldBy: "c1", TaskID: "t1", AcquiredAt: 42}, *lock)
}

func TestDeleteCascadesHistory(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	insertTasks(t, domain.Task{ID: "a", Content: "x", Status: domain.Completed, Priority: domain.Normal, TaskType: domain.Write})

	err := testStorage.InTx(ctx, func(tx domain.StorageTx) error {
		return tx.InsertTaskStatusChangeHistory(ctx, &domain.TaskStatusChangeHistory{TaskID: "a", NewStatus: domain.Completed, CreatedAt: 1})
	})
	require.NoError(t, err)

	var deleted int64
	err = testStorage.InTx(ctx, func(tx domain.StorageTx) error {
		var err error
		deleted, err = tx.DeleteTasksByStatus(ctx, []domain.TaskStatus{domain.Completed, domain.Failed})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = testStorage.GetTaskStatusChangeHistory(ctx, "a")
	assert.ErrorIs(t, err, errval.ErrNotFound)
}

func TestRelayFlowOnPostgres(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	opts := relay.DefaultOptions()
	opts.RetryBackoff = nil
	svc := relay.NewService(testStorage, classifier.New(), events.NewBus(), opts)

	one := 1
	task, err := svc.CreateTask(ctx, relay.CreateTaskInput{Content: "fix the parser", MaxRetries: &one})
	require.NoError(t, err)
	assert.Equal(t, domain.Write, task.TaskType)

	res, err := svc.ClaimNext(ctx, "c1", false)
	require.NoError(t, err)
	require.NotNil(t, res.Task)
	assert.Equal(t, "c1", res.Lock.HeldBy)

	blocked, err := svc.ClaimNext(ctx, "c2", false)
	require.NoError(t, err)
	assert.Nil(t, blocked.Task)
	assert.Equal(t, domain.ReasonEmpty, blocked.Reason)

	_, outcome, err := svc.Fail(ctx, task.ID, "c1", "boom")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRetried, outcome)

	res, err = svc.ClaimNext(ctx, "c2", false)
	require.NoError(t, err)
	require.NotNil(t, res.Task)

	_, outcome, err = svc.Fail(ctx, task.ID, "c2", "boom")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDeadLettered, outcome)

	dls, total, err := svc.ListDeadLetters(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.NotEmpty(t, dls[0].Snapshot)

	history, err := svc.GetTaskStatusHistory(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, history, 5)
}
