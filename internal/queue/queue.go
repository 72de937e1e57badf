// Package queue is an in-process task queue with at-least-once
// delivery. Tasks that fail transiently are redelivered with backoff up
// to a delivery cap; handlers are expected to be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pullcrit/pullcrit/internal/resilience"
)

// Task kinds handled by the pipeline.
const (
	KindRunExecute         = "run.execute"
	KindAnnotationsPublish = "annotations.publish"
)

// Task is one unit of queued work. Payload is JSON so tasks could move
// to an external broker without changing handlers.
type Task struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Handler processes one task delivery. Returning a transient error
// requests redelivery; any other error is final.
type Handler func(ctx context.Context, task Task) error

// Options tunes the queue.
type Options struct {
	Workers    int
	BufferSize int
	// MaxDeliver caps total deliveries per task, including the first.
	MaxDeliver int
	Retry      resilience.RetryConfig
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 256
	}
	if o.MaxDeliver <= 0 {
		o.MaxDeliver = 3
	}
}

// Queue dispatches tasks to registered handlers over a bounded worker
// pool.
type Queue struct {
	opts     Options
	handlers map[string]Handler

	tasks   chan Task
	pending sync.WaitGroup
	closed  atomic.Bool
	group   *errgroup.Group

	// runCtx scopes in-flight handlers. It survives cancellation of the
	// Start context so queued tasks still drain during shutdown; it is
	// canceled only once the drain deadline expires.
	runCtx    context.Context
	runCancel context.CancelFunc

	delivered atomic.Int64
	failed    atomic.Int64
}

func New(opts Options) *Queue {
	opts.applyDefaults()
	return &Queue{
		opts:     opts,
		handlers: make(map[string]Handler),
		tasks:    make(chan Task, opts.BufferSize),
	}
}

// Handle registers the handler for a task kind. Must be called before
// Start.
func (q *Queue) Handle(kind string, h Handler) {
	q.handlers[kind] = h
}

// Enqueue marshals the payload and submits a task. Blocks while the
// buffer is full. Fails once shutdown has begun.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any) (string, error) {
	if q.closed.Load() {
		return "", eris.Errorf("queue: shut down, rejecting %s", kind)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", eris.Wrapf(err, "queue: marshal %s payload", kind)
	}

	task := Task{
		ID:         uuid.New().String(),
		Kind:       kind,
		Payload:    data,
		EnqueuedAt: time.Now().UTC(),
	}

	q.pending.Add(1)
	select {
	case q.tasks <- task:
		return task.ID, nil
	case <-ctx.Done():
		q.pending.Done()
		return "", eris.Wrapf(ctx.Err(), "queue: enqueue %s", kind)
	}
}

// Start launches the worker pool. Workers run until Shutdown closes
// the task channel; canceling ctx does not stop them, so a
// signal-driven shutdown can still drain queued work before the drain
// deadline.
func (q *Queue) Start(ctx context.Context) {
	q.runCtx, q.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	q.group = new(errgroup.Group)
	for i := 0; i < q.opts.Workers; i++ {
		q.group.Go(func() error {
			for task := range q.tasks {
				q.process(q.runCtx, task)
			}
			return nil
		})
	}
}

// Shutdown stops intake and waits for in-flight and queued tasks to
// drain, bounded by ctx. Past the deadline, in-flight handlers are
// canceled and remaining tasks dropped.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.closed.Store(true)

	drained := make(chan struct{})
	go func() {
		q.pending.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		if q.runCancel != nil {
			q.runCancel()
		}
		return eris.Wrap(ctx.Err(), "queue: drain timed out")
	}

	close(q.tasks)
	if q.group != nil {
		err := q.group.Wait()
		q.runCancel()
		if err != nil {
			return eris.Wrap(err, "queue: worker pool")
		}
	}
	return nil
}

// Stats reports delivery counters for the metrics endpoint.
func (q *Queue) Stats() (delivered, failed int64) {
	return q.delivered.Load(), q.failed.Load()
}

func (q *Queue) process(ctx context.Context, task Task) {
	log := zap.L().With(
		zap.String("task_id", task.ID),
		zap.String("kind", task.Kind),
		zap.Int("attempt", task.Attempt+1))

	handler, ok := q.handlers[task.Kind]
	if !ok {
		log.Error("no handler registered, dropping task")
		q.failed.Add(1)
		q.pending.Done()
		return
	}

	err := handler(ctx, task)
	task.Attempt++
	if err == nil {
		q.delivered.Add(1)
		q.pending.Done()
		return
	}

	if resilience.IsTransient(err) && task.Attempt < q.opts.MaxDeliver {
		delay := resilience.Backoff(task.Attempt-1, q.opts.Retry)
		log.Warn("task failed transiently, scheduling redelivery",
			zap.Duration("delay", delay), zap.Error(err))
		time.AfterFunc(delay, func() { q.redeliver(task) })
		return
	}

	log.Error("task failed permanently", zap.Error(err))
	q.failed.Add(1)
	q.pending.Done()
}

func (q *Queue) redeliver(task Task) {
	if q.closed.Load() {
		zap.L().Warn("dropping redelivery, queue shut down",
			zap.String("task_id", task.ID), zap.String("kind", task.Kind))
		q.pending.Done()
		return
	}
	q.tasks <- task
}
