// Package queue runs notification tasks strictly in submission order on a
// single goroutine.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("queue closed")

// Task is one queued notification. It receives the queue's context, which is
// cancelled as soon as any task fails.
type Task func(ctx context.Context) error

// Ordered drains tasks one at a time in the order they were submitted. The
// first failing task stops the queue: tasks still waiting are discarded and
// its error is the one every later caller sees.
type Ordered struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cond    *sync.Cond
	pending []Task
	closed  bool
	err     error
	done    chan struct{}
}

// NewOrdered starts a queue whose tasks run under ctx.
func NewOrdered(ctx context.Context) *Ordered {
	ctx, cancel := context.WithCancel(ctx)
	q := &Ordered{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.drain()
	go func() {
		// Wake the drain loop so a cancelled parent stops it.
		<-ctx.Done()
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	}()
	return q
}

// Submit queues task. Once the queue failed the task is dropped and the
// original error returned.
func (q *Ordered) Submit(task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	if q.closed {
		return ErrClosed
	}
	if err := q.ctx.Err(); err != nil {
		return err
	}
	q.pending = append(q.pending, task)
	q.cond.Signal()
	return nil
}

// Close stops accepting tasks. Tasks already queued still run.
func (q *Ordered) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Wait closes the queue, waits for it to drain and returns the first error.
func (q *Ordered) Wait() error {
	q.Close()
	<-q.done
	q.cancel()
	return q.Err()
}

// Done is closed once the queue stops: a task failed, the parent context
// ended or Wait finished.
func (q *Ordered) Done() <-chan struct{} {
	return q.ctx.Done()
}

// Err returns the error that stopped the queue, if any.
func (q *Ordered) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

func (q *Ordered) drain() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed && q.err == nil && q.ctx.Err() == nil {
			q.cond.Wait()
		}
		if q.err != nil {
			q.mu.Unlock()
			return
		}
		if err := q.ctx.Err(); err != nil {
			q.fail(err)
			q.mu.Unlock()
			return
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		task := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if err := task(q.ctx); err != nil {
			q.mu.Lock()
			q.fail(err)
			q.mu.Unlock()
			q.cancel()
			return
		}
	}
}

// fail records err if it is the first and discards waiting tasks. Callers
// hold q.mu.
func (q *Ordered) fail(err error) {
	if q.err == nil {
		q.err = err
	}
	q.pending = nil
}
