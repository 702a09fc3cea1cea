package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sf7293/task-relay/internal/classifier"
	"github.com/sf7293/task-relay/internal/domain"
	"github.com/sf7293/task-relay/internal/errval"
	"github.com/sf7293/task-relay/internal/events"
	"github.com/sf7293/task-relay/internal/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	svc   *Service
	store *memstore.Storage
	bus   *events.Bus
	clock *fakeClock
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	store := memstore.New()
	bus := events.NewBus()
	svc := NewService(store, classifier.New(), bus, opts, WithClock(clock.Now))
	return &fixture{svc: svc, store: store, bus: bus, clock: clock}
}

func (f *fixture) create(t *testing.T, in CreateTaskInput) *domain.Task {
	t.Helper()
	task, err := f.svc.CreateTask(context.Background(), in)
	require.NoError(t, err)
	return task
}

func (f *fixture) claim(t *testing.T, consumerID string, preferReadOnly bool) *domain.ClaimResult {
	t.Helper()
	res, err := f.svc.ClaimNext(context.Background(), consumerID, preferReadOnly)
	require.NoError(t, err)
	return res
}

func TestCreateTask_ClassifiesAndDefaults(t *testing.T) {
	f := newFixture(t, DefaultOptions())

	read := f.create(t, CreateTaskInput{Content: "show me the current altitude", SessionID: "s1"})
	assert.Equal(t, domain.ReadOnly, read.TaskType)
	assert.Equal(t, domain.Pending, read.Status)
	assert.Equal(t, domain.Normal, read.Priority)
	assert.Equal(t, 3, read.MaxRetries)
	assert.Equal(t, read.CreatedAt, read.AvailableAt)
	assert.NotEmpty(t, read.ID)

	write := f.create(t, CreateTaskInput{Content: "fix the bug in parser.js"})
	assert.Equal(t, domain.Write, write.TaskType)

	override := f.create(t, CreateTaskInput{ID: "t-1", Content: "show the file", TaskType: "write", Priority: "HIGH"})
	assert.Equal(t, "t-1", override.ID)
	assert.Equal(t, domain.Write, override.TaskType)
	assert.Equal(t, domain.High, override.Priority)

	history, err := f.svc.GetTaskStatusHistory(context.Background(), "t-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.Pending, history[0].NewStatus)
}

func TestCreateTask_InvalidInput(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	for _, in := range []CreateTaskInput{
		{Content: "   "},
		{Content: "x", Priority: "urgent"},
		{Content: "x", TaskType: "maybe"},
	} {
		_, err := f.svc.CreateTask(ctx, in)
		assert.ErrorIs(t, err, errval.ErrInvalidInput)
	}

	tasks, total, err := f.svc.ListTasks(ctx, domain.TaskFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, tasks)

	f.create(t, CreateTaskInput{ID: "dup", Content: "x"})
	_, err = f.svc.CreateTask(ctx, CreateTaskInput{ID: "dup", Content: "y"})
	assert.ErrorIs(t, err, errval.ErrConflict)
}

func TestClaimNext_PriorityThenAge(t *testing.T) {
	f := newFixture(t, DefaultOptions())

	f.create(t, CreateTaskInput{ID: "low", Content: "show a", Priority: "low"})
	f.clock.Advance(time.Millisecond)
	f.create(t, CreateTaskInput{ID: "normal-1", Content: "show b"})
	f.clock.Advance(time.Millisecond)
	f.create(t, CreateTaskInput{ID: "normal-2", Content: "show c"})
	f.clock.Advance(time.Millisecond)
	f.create(t, CreateTaskInput{ID: "high", Content: "show d", Priority: "high"})

	var order []string
	for i := 0; i < 4; i++ {
		res := f.claim(t, "c1", false)
		require.NotNil(t, res.Task)
		order = append(order, res.Task.ID)
	}
	assert.Equal(t, []string{"high", "normal-1", "normal-2", "low"}, order)

	res := f.claim(t, "c1", false)
	assert.Nil(t, res.Task)
	assert.Equal(t, domain.ReasonEmpty, res.Reason)
}

func TestClaimNext_RequiresConsumer(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	_, err := f.svc.ClaimNext(context.Background(), "", false)
	assert.ErrorIs(t, err, errval.ErrInvalidInput)
}

func TestClaimNext_WriteLockMutualExclusion(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	f.create(t, CreateTaskInput{ID: "w1", Content: "edit config", TaskType: "write"})
	f.clock.Advance(time.Millisecond)
	f.create(t, CreateTaskInput{ID: "w2", Content: "edit readme", TaskType: "write"})

	first := f.claim(t, "c1", false)
	require.NotNil(t, first.Task)
	assert.Equal(t, "w1", first.Task.ID)
	assert.True(t, first.Lock.Held)
	assert.Equal(t, "c1", first.Lock.HeldBy)

	second := f.claim(t, "c2", false)
	assert.Nil(t, second.Task)
	assert.Equal(t, domain.ReasonLockHeld, second.Reason)
	assert.Equal(t, "c1", second.Lock.HeldBy)

	f.create(t, CreateTaskInput{ID: "r1", Content: "show status", TaskType: "read_only"})
	readOnly := f.claim(t, "c2", false)
	require.NotNil(t, readOnly.Task)
	assert.Equal(t, "r1", readOnly.Task.ID)

	_, err := f.svc.Complete(ctx, "w1", "c1", "done")
	require.NoError(t, err)

	lock, err := f.svc.LockStatus(ctx)
	require.NoError(t, err)
	assert.False(t, lock.Held)

	next := f.claim(t, "c2", false)
	require.NotNil(t, next.Task)
	assert.Equal(t, "w2", next.Task.ID)
	assert.Equal(t, "c2", next.Lock.HeldBy)
}

func TestClaimNext_HolderCannotTakeSecondWrite(t *testing.T) {
	f := newFixture(t, DefaultOptions())

	f.create(t, CreateTaskInput{ID: "w1", Content: "x", TaskType: "write"})
	f.clock.Advance(time.Millisecond)
	f.create(t, CreateTaskInput{ID: "w2", Content: "y", TaskType: "write"})

	first := f.claim(t, "c1", false)
	require.NotNil(t, first.Task)
	acquiredAt := first.Lock.AcquiredAt

	f.clock.Advance(time.Second)
	second := f.claim(t, "c1", false)
	assert.Nil(t, second.Task)
	assert.Equal(t, domain.ReasonLockHeld, second.Reason)
	assert.Equal(t, "w1", second.Lock.TaskID)
	assert.Equal(t, acquiredAt, second.Lock.AcquiredAt)

	task, err := f.svc.GetTask(context.Background(), "w2")
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, task.Status)
}

func TestClaimNext_AtMostOneWriteProcessing(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	processingWrites := func() int {
		t.Helper()
		tasks, _, err := f.svc.ListTasks(ctx, domain.TaskFilter{Status: domain.Processing})
		require.NoError(t, err)
		n := 0
		for _, task := range tasks {
			if task.TaskType == domain.Write {
				n++
			}
		}
		return n
	}

	for _, id := range []string{"w1", "w2", "w3"} {
		f.create(t, CreateTaskInput{ID: id, Content: "edit " + id, TaskType: "write"})
		f.clock.Advance(time.Millisecond)
	}

	require.NotNil(t, f.claim(t, "c1", false).Task)
	assert.Nil(t, f.claim(t, "c1", false).Task)
	assert.Nil(t, f.claim(t, "c2", false).Task)
	assert.Equal(t, 1, processingWrites())

	_, err := f.svc.Release(ctx, "w1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, processingWrites())

	res := f.claim(t, "c2", false)
	require.NotNil(t, res.Task)
	assert.Nil(t, f.claim(t, "c1", false).Task)
	assert.Equal(t, 1, processingWrites())

	_, err = f.svc.Complete(ctx, res.Task.ID, "c2", "done")
	require.NoError(t, err)

	require.NotNil(t, f.claim(t, "c1", false).Task)
	assert.Nil(t, f.claim(t, "c2", false).Task)
	assert.Equal(t, 1, processingWrites())
}

func TestClaimNext_PreferReadOnly(t *testing.T) {
	f := newFixture(t, DefaultOptions())

	f.create(t, CreateTaskInput{ID: "w", Content: "x", TaskType: "write", Priority: "high"})
	f.clock.Advance(time.Millisecond)
	f.create(t, CreateTaskInput{ID: "r", Content: "y", TaskType: "read_only", Priority: "low"})

	res := f.claim(t, "c1", true)
	require.NotNil(t, res.Task)
	assert.Equal(t, "r", res.Task.ID)
	assert.False(t, res.Lock.Held)

	res = f.claim(t, "c1", true)
	require.NotNil(t, res.Task)
	assert.Equal(t, "w", res.Task.ID)
}

func TestClaimNext_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.create(t, CreateTaskInput{ID: "only", Content: "show x"})

	const n = 20
	var wg sync.WaitGroup
	results := make(chan *domain.ClaimResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.ClaimNext(context.Background(), "c"+string(rune('a'+i)), false)
			if err == nil {
				results <- res
			}
		}(i)
	}
	wg.Wait()
	close(results)

	winners := 0
	total := 0
	for res := range results {
		total++
		if res.Task != nil {
			winners++
		}
	}
	assert.Equal(t, n, total)
	assert.Equal(t, 1, winners)
}

func TestClaimNext_UpsertsConsumer(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.create(t, CreateTaskInput{ID: "t", Content: "show x"})

	sub := f.bus.Subscribe("consumer:")
	defer f.bus.Unsubscribe(sub)

	f.claim(t, "c1", false)

	consumers, err := f.svc.ListConsumers(context.Background())
	require.NoError(t, err)
	require.Len(t, consumers, 1)
	assert.Equal(t, "t", consumers[0].CurrentTaskID)
	assert.True(t, consumers[0].Online)

	e := <-sub.Ch()
	assert.Equal(t, events.ConsumerOnline, e.Type)
}

func TestComplete(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	f.create(t, CreateTaskInput{ID: "t", Content: "show x"})

	_, err := f.svc.Complete(ctx, "t", "c1", "ok")
	assert.ErrorIs(t, err, errval.ErrConflict)

	f.claim(t, "c1", false)

	_, err = f.svc.Complete(ctx, "t", "c2", "ok")
	assert.ErrorIs(t, err, errval.ErrConflict)

	_, err = f.svc.Complete(ctx, "missing", "c1", "ok")
	assert.ErrorIs(t, err, errval.ErrNotFound)

	f.clock.Advance(time.Second)
	task, err := f.svc.Complete(ctx, "t", "c1", "ok")
	require.NoError(t, err)
	assert.Equal(t, domain.Completed, task.Status)
	assert.Equal(t, "ok", task.Response)
	assert.Equal(t, f.clock.Now().UnixMilli(), task.CompletedAt)

	consumers, err := f.svc.ListConsumers(ctx)
	require.NoError(t, err)
	require.Len(t, consumers, 1)
	assert.Equal(t, 1, consumers[0].TasksCompleted)
	assert.Empty(t, consumers[0].CurrentTaskID)

	history, err := f.svc.GetTaskStatusHistory(ctx, "t")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, domain.Processing, history[2].OldStatus)
	assert.Equal(t, domain.Completed, history[2].NewStatus)
}

func TestFail_RetryWithBackoffThenDeadLetter(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	one := 1
	f.create(t, CreateTaskInput{ID: "t", Content: "edit x", TaskType: "write", MaxRetries: &one})

	f.claim(t, "c1", false)
	task, outcome, err := f.svc.Fail(ctx, "t", "c1", "boom")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRetried, outcome)
	assert.Equal(t, domain.Retrying, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	assert.Empty(t, task.ConsumerID)
	assert.Equal(t, f.clock.Now().Add(30*time.Second).UnixMilli(), task.AvailableAt)

	lock, err := f.svc.LockStatus(ctx)
	require.NoError(t, err)
	assert.False(t, lock.Held)

	res := f.claim(t, "c1", false)
	assert.Nil(t, res.Task)

	report, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Promoted)

	f.clock.Advance(30 * time.Second)
	report, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Promoted)

	res = f.claim(t, "c1", false)
	require.NotNil(t, res.Task)
	assert.Equal(t, "t", res.Task.ID)

	task, outcome, err = f.svc.Fail(ctx, "t", "c1", "boom again")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDeadLettered, outcome)
	assert.Equal(t, domain.Failed, task.Status)
	assert.Equal(t, 1, task.RetryCount)

	dls, total, err := f.svc.ListDeadLetters(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, dls, 1)
	assert.Equal(t, "t", dls[0].TaskID)
	assert.Equal(t, "boom again", dls[0].Reason)
	assert.Equal(t, "edit x", dls[0].Content)

	_, _, err = f.svc.Fail(ctx, "t", "c1", "late")
	assert.ErrorIs(t, err, errval.ErrConflict)

	_, total, err = f.svc.ListDeadLetters(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestFail_ZeroBackoffGoesStraightToPending(t *testing.T) {
	opts := DefaultOptions()
	opts.RetryBackoff = nil
	f := newFixture(t, opts)
	f.create(t, CreateTaskInput{ID: "t", Content: "show x"})
	f.claim(t, "c1", false)

	task, outcome, err := f.svc.Fail(context.Background(), "t", "", "boom")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRetried, outcome)
	assert.Equal(t, domain.Pending, task.Status)
	assert.Equal(t, "boom", task.Error)
}

func TestRelease(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	f.create(t, CreateTaskInput{ID: "t", Content: "edit x", TaskType: "write"})
	f.claim(t, "c1", false)

	_, err := f.svc.Release(ctx, "t", "c2")
	assert.ErrorIs(t, err, errval.ErrConflict)

	task, err := f.svc.Release(ctx, "t", "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, task.Status)
	assert.Zero(t, task.RetryCount)
	assert.Empty(t, task.ConsumerID)
	assert.Zero(t, task.ProcessingAt)

	lock, err := f.svc.LockStatus(ctx)
	require.NoError(t, err)
	assert.False(t, lock.Held)

	_, err = f.svc.Release(ctx, "t", "c1")
	assert.ErrorIs(t, err, errval.ErrConflict)
}

func TestSweep_ProcessingTimeout(t *testing.T) {
	opts := DefaultOptions()
	opts.HeartbeatTimeout = time.Hour
	opts.LockStaleAfter = time.Hour
	f := newFixture(t, opts)
	ctx := context.Background()
	f.create(t, CreateTaskInput{ID: "t", Content: "edit x", TaskType: "write"})
	f.claim(t, "c1", false)

	f.clock.Advance(10 * time.Minute)
	report, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.ProcessingTimedOut)

	f.clock.Advance(time.Second)
	report, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ProcessingTimedOut)

	task, err := f.svc.GetTask(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, task.Status)
	assert.Empty(t, task.ConsumerID)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, "processing timeout", task.Error)

	lock, err := f.svc.LockStatus(ctx)
	require.NoError(t, err)
	assert.False(t, lock.Held)
}

func TestSweep_ProcessingTimeoutDeadLetters(t *testing.T) {
	opts := DefaultOptions()
	opts.HeartbeatTimeout = time.Hour
	f := newFixture(t, opts)
	ctx := context.Background()
	zero := 0
	f.create(t, CreateTaskInput{ID: "t", Content: "show x", MaxRetries: &zero})
	f.claim(t, "c1", false)

	f.clock.Advance(11 * time.Minute)
	report, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeadLettered)

	task, err := f.svc.GetTask(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, domain.Failed, task.Status)

	report, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.DeadLettered)

	_, total, err := f.svc.ListDeadLetters(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestSweep_DeadConsumer(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	f.create(t, CreateTaskInput{ID: "t", Content: "edit x", TaskType: "write"})
	f.claim(t, "c1", false)

	f.clock.Advance(60 * time.Second)
	_, err := f.svc.Heartbeat(ctx, "c1", "t", "")
	require.NoError(t, err)

	f.clock.Advance(60 * time.Second)
	report, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.DeadConsumers)

	f.clock.Advance(31 * time.Second)
	report, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeadConsumers)

	task, err := f.svc.GetTask(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, task.Status)
	assert.Zero(t, task.RetryCount)

	consumers, err := f.svc.ListConsumers(ctx)
	require.NoError(t, err)
	require.Len(t, consumers, 1)
	assert.Empty(t, consumers[0].CurrentTaskID)
	assert.False(t, consumers[0].Online)

	lock, err := f.svc.LockStatus(ctx)
	require.NoError(t, err)
	assert.False(t, lock.Held)
}

func TestSweep_DeadConsumerHoldingSeveralTasks(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	f.create(t, CreateTaskInput{ID: "r1", Content: "show x", TaskType: "read_only"})
	f.clock.Advance(time.Millisecond)
	f.create(t, CreateTaskInput{ID: "r2", Content: "show y", TaskType: "read_only"})

	require.Equal(t, "r1", f.claim(t, "c1", true).Task.ID)
	require.Equal(t, "r2", f.claim(t, "c1", true).Task.ID)
	_, err := f.svc.Complete(ctx, "r2", "c1", "done")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	report, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeadConsumers)

	task, err := f.svc.GetTask(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, task.Status)
	assert.Empty(t, task.ConsumerID)
	assert.Zero(t, task.RetryCount)

	report, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.DeadConsumers)
}

func TestSweep_PendingTimeout(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	zero := 0
	f.create(t, CreateTaskInput{ID: "keep", Content: "show x"})
	f.create(t, CreateTaskInput{ID: "drop", Content: "show y", MaxRetries: &zero})

	f.clock.Advance(5*time.Minute + time.Second)
	report, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.PendingTimedOut)
	assert.Equal(t, 1, report.DeadLettered)

	keep, err := f.svc.GetTask(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, keep.Status)
	assert.Equal(t, 1, keep.RetryCount)
	assert.Equal(t, f.clock.Now().UnixMilli(), keep.AvailableAt)

	drop, err := f.svc.GetTask(ctx, "drop")
	require.NoError(t, err)
	assert.Equal(t, domain.Failed, drop.Status)

	report, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.PendingTimedOut)
}

func TestDeleteTask(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	f.create(t, CreateTaskInput{ID: "p", Content: "show x"})
	f.create(t, CreateTaskInput{ID: "w", Content: "edit y", TaskType: "write"})
	f.claim(t, "c1", true)
	f.claim(t, "c1", true)

	assert.ErrorIs(t, f.svc.DeleteTask(ctx, "p", false), errval.ErrConflict)
	assert.ErrorIs(t, f.svc.DeleteTask(ctx, "missing", true), errval.ErrNotFound)

	require.NoError(t, f.svc.DeleteTask(ctx, "w", true))
	_, err := f.svc.GetTask(ctx, "w")
	assert.ErrorIs(t, err, errval.ErrNotFound)

	lock, err := f.svc.LockStatus(ctx)
	require.NoError(t, err)
	assert.False(t, lock.Held)

	_, err = f.svc.Complete(ctx, "p", "c1", "ok")
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteTask(ctx, "p", false))
}

func TestCleanup(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	zero := 0
	f.create(t, CreateTaskInput{ID: "done", Content: "show x", Priority: "high"})
	f.clock.Advance(time.Millisecond)
	f.create(t, CreateTaskInput{ID: "dead", Content: "show y", MaxRetries: &zero, Priority: "high"})
	f.clock.Advance(time.Millisecond)
	f.create(t, CreateTaskInput{ID: "waiting", Content: "show z", Priority: "low"})

	f.claim(t, "c1", false)
	_, err := f.svc.Complete(ctx, "done", "c1", "ok")
	require.NoError(t, err)
	f.claim(t, "c1", false)
	_, _, err = f.svc.Fail(ctx, "dead", "c1", "boom")
	require.NoError(t, err)

	deleted, err := f.svc.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	tasks, total, err := f.svc.ListTasks(ctx, domain.TaskFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "waiting", tasks[0].ID)

	_, err = f.svc.GetTaskStatusHistory(ctx, "done")
	assert.ErrorIs(t, err, errval.ErrNotFound)

	_, total, err = f.svc.ListDeadLetters(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestResetProcessing(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	f.create(t, CreateTaskInput{ID: "w", Content: "edit x", TaskType: "write"})
	f.clock.Advance(time.Millisecond)
	f.create(t, CreateTaskInput{ID: "r", Content: "show x", TaskType: "read_only"})
	f.claim(t, "c1", false)
	f.claim(t, "c2", false)

	_, err := f.svc.ResetProcessing(ctx, "nuke")
	assert.ErrorIs(t, err, errval.ErrInvalidInput)

	res, err := f.svc.ResetProcessing(ctx, ResetRequeue)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Affected)
	assert.True(t, res.LockCleared)
	assert.Equal(t, "c1", res.Previous.HeldBy)

	pending, err := f.svc.ListPendingTasks(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	f.claim(t, "c1", false)
	res, err = f.svc.ResetProcessing(ctx, ResetDelete)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Affected)

	_, total, err := f.svc.ListTasks(ctx, domain.TaskFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestCrossAndNotes(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	f.create(t, CreateTaskInput{ID: "t", Content: "show x"})

	task, err := f.svc.SetCrossed(ctx, "t", nil)
	require.NoError(t, err)
	assert.True(t, task.Crossed)

	task, err = f.svc.SetCrossed(ctx, "t", nil)
	require.NoError(t, err)
	assert.False(t, task.Crossed)

	yes := true
	task, err = f.svc.SetCrossed(ctx, "t", &yes)
	require.NoError(t, err)
	assert.True(t, task.Crossed)

	task, err = f.svc.SetNotes(ctx, "t", "check later")
	require.NoError(t, err)
	assert.Equal(t, "check later", task.Notes)
	assert.Equal(t, domain.Pending, task.Status)

	_, err = f.svc.SetNotes(ctx, "missing", "x")
	assert.ErrorIs(t, err, errval.ErrNotFound)
}

func TestRetryDeadLetter(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	zero := 0
	f.create(t, CreateTaskInput{ID: "t", Content: "show x", MaxRetries: &zero})
	f.claim(t, "c1", false)
	_, _, err := f.svc.Fail(ctx, "t", "c1", "boom")
	require.NoError(t, err)

	dls, _, err := f.svc.ListDeadLetters(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, dls, 1)

	task, err := f.svc.RetryDeadLetter(ctx, dls[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, task.Status)
	assert.Zero(t, task.RetryCount)
	assert.Empty(t, task.Error)

	_, total, err := f.svc.ListDeadLetters(ctx, 0, 0)
	require.NoError(t, err)
	assert.Zero(t, total)

	_, err = f.svc.RetryDeadLetter(ctx, dls[0].ID)
	assert.ErrorIs(t, err, errval.ErrNotFound)
}

func TestRetryDeadLetter_RecreatesDeletedTask(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	zero := 0
	f.create(t, CreateTaskInput{ID: "t", Content: "show x", SessionID: "s", MaxRetries: &zero})
	f.claim(t, "c1", false)
	_, _, err := f.svc.Fail(ctx, "t", "c1", "boom")
	require.NoError(t, err)
	_, err = f.svc.Cleanup(ctx)
	require.NoError(t, err)

	dls, _, err := f.svc.ListDeadLetters(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, dls, 1)

	task, err := f.svc.RetryDeadLetter(ctx, dls[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "t", task.ID)
	assert.Equal(t, "show x", task.Content)
	assert.Equal(t, "s", task.SessionID)
	assert.Equal(t, domain.Pending, task.Status)
}

func TestUnregister_ReleasesTasks(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	f.create(t, CreateTaskInput{ID: "w", Content: "edit x", TaskType: "write"})
	f.claim(t, "c1", false)

	_, err := f.svc.Unregister(ctx, "nobody")
	assert.ErrorIs(t, err, errval.ErrNotFound)

	released, err := f.svc.Unregister(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"w"}, released)

	task, err := f.svc.GetTask(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, task.Status)

	consumers, err := f.svc.ListConsumers(ctx)
	require.NoError(t, err)
	assert.Empty(t, consumers)

	lock, err := f.svc.LockStatus(ctx)
	require.NoError(t, err)
	assert.False(t, lock.Held)
}

func TestRegisterAndHeartbeat(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	c, err := f.svc.Register(ctx, "", "runner")
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "runner", c.Name)
	assert.True(t, c.Online)

	f.clock.Advance(2 * time.Minute)
	consumers, err := f.svc.ListConsumers(ctx)
	require.NoError(t, err)
	require.Len(t, consumers, 1)
	assert.False(t, consumers[0].Online)

	c, err = f.svc.Heartbeat(ctx, c.ID, "t-9", "")
	require.NoError(t, err)
	assert.Equal(t, "runner", c.Name)
	assert.Equal(t, "t-9", c.CurrentTaskID)
	assert.Equal(t, f.clock.Now().UnixMilli(), c.LastHeartbeat)

	f.clock.Advance(time.Second)
	c, err = f.svc.Heartbeat(ctx, c.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, "t-9", c.CurrentTaskID)
	assert.Equal(t, f.clock.Now().UnixMilli(), c.LastHeartbeat)

	_, err = f.svc.Heartbeat(ctx, "", "", "")
	assert.ErrorIs(t, err, errval.ErrInvalidInput)
}

func TestDeleteTask_DetachesConsumers(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	f.create(t, CreateTaskInput{ID: "p", Content: "edit y", TaskType: "write"})
	require.Equal(t, "p", f.claim(t, "c1", false).Task.ID)
	f.create(t, CreateTaskInput{ID: "t", Content: "show x"})

	_, err := f.svc.Heartbeat(ctx, "c2", "t", "")
	require.NoError(t, err)
	_, err = f.svc.Heartbeat(ctx, "c3", "p", "")
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteTask(ctx, "t", true))
	_, err = f.svc.ResetProcessing(ctx, ResetDelete)
	require.NoError(t, err)

	consumers, err := f.svc.ListConsumers(ctx)
	require.NoError(t, err)
	require.Len(t, consumers, 3)
	for _, c := range consumers {
		assert.Empty(t, c.CurrentTaskID, c.ID)
	}
}

func TestLockOperations(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	_, err := f.svc.ReleaseLock(ctx, "c1")
	assert.ErrorIs(t, err, errval.ErrConflict)

	f.create(t, CreateTaskInput{ID: "w", Content: "edit x", TaskType: "write"})
	f.claim(t, "c1", false)

	_, err = f.svc.ReleaseLock(ctx, "c2")
	assert.ErrorIs(t, err, errval.ErrLockHeld)

	f.clock.Advance(15 * time.Minute)
	recovered, err := f.svc.RecoverStaleLock(ctx)
	require.NoError(t, err)
	assert.False(t, recovered)

	f.clock.Advance(time.Second)
	recovered, err = f.svc.RecoverStaleLock(ctx)
	require.NoError(t, err)
	assert.True(t, recovered)

	f.create(t, CreateTaskInput{ID: "w2", Content: "edit y", TaskType: "write"})
	res := f.claim(t, "c1", false)
	require.NotNil(t, res.Task)
	assert.Equal(t, "w2", res.Task.ID)
	previous, err := f.svc.ForceReleaseLock(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c1", previous.HeldBy)

	previous, err = f.svc.ForceReleaseLock(ctx)
	require.NoError(t, err)
	assert.False(t, previous.Held)
}

func TestStats(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	f.create(t, CreateTaskInput{ID: "a", Content: "show x"})
	f.create(t, CreateTaskInput{ID: "b", Content: "edit y", TaskType: "write"})
	f.claim(t, "c1", false)

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Counts[domain.Pending])
	assert.Equal(t, 1, stats.Counts[domain.Processing])
	assert.Equal(t, 0, stats.Counts[domain.Failed])
	assert.Equal(t, 1, stats.ConsumersOnline)
}

func TestEventsPublishedAfterCommit(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	sub := f.bus.Subscribe("task:")
	defer f.bus.Unsubscribe(sub)

	task := f.create(t, CreateTaskInput{ID: "t", Content: "show x"})
	e := <-sub.Ch()
	assert.Equal(t, events.TaskCreated, e.Type)
	assert.Equal(t, task.CreatedAt, e.Timestamp)

	_, err := f.svc.Complete(ctx, "t", "c1", "ok")
	require.Error(t, err)
	select {
	case e := <-sub.Ch():
		t.Fatalf("unexpected event %s after failed transition", e.Type)
	default:
	}

	f.claim(t, "c1", false)
	e = <-sub.Ch()
	assert.Equal(t, events.TaskProcessing, e.Type)
}
