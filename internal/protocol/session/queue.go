package session

import (
	"context"
	"sync"

	"github.com/shimaore/esl/internal/protocol"
)

type taskFunc func(ctx context.Context) (*protocol.Event, error)

type taskResult struct {
	event *protocol.Event
	err   error
}

type task struct {
	ctx  context.Context
	run  taskFunc
	done chan taskResult
}

// commandQueue runs tasks one at a time in submission order. A failed task
// does not stop the tasks queued behind it.
type commandQueue struct {
	mu      sync.Mutex
	pending []*task
	busy    bool
	closed  bool
}

func newCommandQueue() *commandQueue {
	return &commandQueue{}
}

// push appends a task; the returned channel receives exactly one result.
func (q *commandQueue) push(ctx context.Context, run taskFunc) (<-chan taskResult, bool) {
	t := &task{ctx: ctx, run: run, done: make(chan taskResult, 1)}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, false
	}
	q.pending = append(q.pending, t)
	if !q.busy {
		q.busy = true
		go q.drain()
	}
	return t.done, true
}

func (q *commandQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.busy = false
			q.mu.Unlock()
			return
		}
		t := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if err := t.ctx.Err(); err != nil {
			t.done <- taskResult{err: err}
			continue
		}
		ev, err := t.run(t.ctx)
		t.done <- taskResult{event: ev, err: err}
	}
}

// reset rejects every queued task with err and refuses new ones. The task
// in flight, if any, observes termination on its own.
func (q *commandQueue) reset(err error) {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.closed = true
	q.mu.Unlock()
	for _, t := range pending {
		t.done <- taskResult{err: err}
	}
}

// length reports the number of tasks waiting behind the one in flight.
func (q *commandQueue) length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
