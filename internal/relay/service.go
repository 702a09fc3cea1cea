package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sf7293/task-relay/internal/domain"
	"github.com/sf7293/task-relay/internal/errval"
	"github.com/sf7293/task-relay/internal/events"
)

type Options struct {
	PendingTimeout    time.Duration
	ProcessingTimeout time.Duration
	HeartbeatTimeout  time.Duration
	LockStaleAfter    time.Duration
	MaxRetries        int
	// RetryBackoff is indexed by retryCount-1; the last entry repeats.
	RetryBackoff []time.Duration
}

func DefaultOptions() Options {
	return Options{
		PendingTimeout:    5 * time.Minute,
		ProcessingTimeout: 10 * time.Minute,
		HeartbeatTimeout:  90 * time.Second,
		LockStaleAfter:    15 * time.Minute,
		MaxRetries:        3,
		RetryBackoff:      []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second},
	}
}

// Service is the broker. It composes the store, the classifier and the event publisher;
// every state change runs in one storage transaction and is announced after commit.
type Service struct {
	storage    domain.Storage
	classifier domain.Classifier
	publisher  events.Publisher
	opts       Options
	now        func() time.Time
	newID      func() string
}

type Option func(*Service)

// WithClock replaces time.Now, tests use it to fast-forward deadlines.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		s.newID = newID
	}
}

func NewService(storage domain.Storage, classifier domain.Classifier, publisher events.Publisher, opts Options, options ...Option) *Service {
	s := &Service{
		storage:    storage,
		classifier: classifier,
		publisher:  publisher,
		opts:       opts,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

func (s *Service) Options() Options {
	return s.opts
}

func (s *Service) Ping(ctx context.Context) error {
	return s.storage.Ping(ctx)
}

func (s *Service) nowMs() int64 {
	return s.now().UnixMilli()
}

// outbox collects events during a transaction so nothing is announced for a rolled back change.
type outbox struct {
	at    int64
	items []events.Event
}

func (o *outbox) add(eventType string, payload interface{}) {
	o.items = append(o.items, events.Event{Type: eventType, Payload: payload, Timestamp: o.at})
}

func (s *Service) newOutbox() *outbox {
	return &outbox{at: s.nowMs()}
}

func (s *Service) flush(o *outbox) {
	if s.publisher == nil {
		return
	}
	for _, e := range o.items {
		s.publisher.Publish(e)
	}
}

// inTx runs fn in a transaction and publishes its events only when it commits.
func (s *Service) inTx(ctx context.Context, fn func(tx domain.StorageTx, out *outbox) error) error {
	out := s.newOutbox()
	err := s.storage.InTx(ctx, func(tx domain.StorageTx) error {
		out.items = out.items[:0]
		return fn(tx, out)
	})
	if err != nil {
		return err
	}
	s.flush(out)
	return nil
}

// transition moves task to a new status and records the change. The caller persists the row.
func (s *Service) transition(ctx context.Context, tx domain.StorageTx, task *domain.Task, to domain.TaskStatus, reason string, at int64) error {
	from := task.Status
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("task %s cannot move from %s to %s: %w", task.ID, from, to, errval.ErrConflict)
	}
	task.Status = to
	return tx.InsertTaskStatusChangeHistory(ctx, &domain.TaskStatusChangeHistory{
		TaskID:     task.ID,
		OldStatus:  from,
		NewStatus:  to,
		Reason:     reason,
		ConsumerID: task.ConsumerID,
		CreatedAt:  at,
	})
}

func (s *Service) backoffFor(retryCount int) time.Duration {
	if len(s.opts.RetryBackoff) == 0 || retryCount <= 0 {
		return 0
	}
	idx := retryCount - 1
	if idx >= len(s.opts.RetryBackoff) {
		idx = len(s.opts.RetryBackoff) - 1
	}
	return s.opts.RetryBackoff[idx]
}

func (s *Service) isOnline(c *domain.Consumer, now int64) bool {
	return now-c.LastHeartbeat <= s.opts.HeartbeatTimeout.Milliseconds()
}
