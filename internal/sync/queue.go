package sync

import (
	"context"
	"errors"
)

// ErrClosed is returned for work submitted to a closed engine.
var ErrClosed = errors.New("sync engine closed")

// fetchQueue runs fetch jobs one at a time in submission order.
type fetchQueue struct {
	jobs   chan func(ctx context.Context)
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newFetchQueue(size int) *fetchQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &fetchQueue{
		jobs:   make(chan func(ctx context.Context), size),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go q.worker()
	return q
}

func (q *fetchQueue) worker() {
	defer close(q.done)
	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-q.jobs:
			if q.ctx.Err() != nil {
				return
			}
			job(q.ctx)
		}
	}
}

// tryEnqueue adds job without blocking. It reports false when the queue is
// full or closed.
func (q *fetchQueue) tryEnqueue(job func(ctx context.Context)) bool {
	if q.ctx.Err() != nil {
		return false
	}
	select {
	case q.jobs <- job:
		return true
	default:
		return false
	}
}

// do enqueues job and waits for it to finish.
func (q *fetchQueue) do(ctx context.Context, job func(ctx context.Context) error) error {
	result := make(chan error, 1)
	wrapped := func(qctx context.Context) {
		result <- job(qctx)
	}
	select {
	case q.jobs <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.ctx.Done():
		return ErrClosed
	}
	select {
	case err := <-result:
		if q.ctx.Err() != nil {
			return ErrClosed
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-q.ctx.Done():
		return ErrClosed
	}
}

// close stops the worker and cancels the running job.
func (q *fetchQueue) close() {
	q.cancel()
	<-q.done
}
