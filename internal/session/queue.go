package session

import "sync"

// taskQueue serializes work for one session key: a single worker
// goroutine drains tasks in FIFO order, so at most one turn is ever in
// flight per session while different sessions stay independent.
type taskQueue struct {
	mu      sync.Mutex
	tasks   chan func()
	pending int
	closed  bool
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{tasks: make(chan func(), 64)}
	go func() {
		for task := range q.tasks {
			task()
		}
	}()
	return q
}

// Do runs fn on the queue worker and blocks until it returns. It
// reports false when the queue was already closed and fn never ran;
// the caller retries on a fresh queue.
func (q *taskQueue) Do(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending++
	q.mu.Unlock()

	done := make(chan struct{})
	q.tasks <- func() {
		defer func() {
			q.mu.Lock()
			q.pending--
			q.mu.Unlock()
			close(done)
		}()
		fn()
	}
	<-done
	return true
}

// tryClose stops the worker when the queue holds no submitted or
// running work. It reports whether the queue is closed afterwards, so
// a caller can prune it from a registry map. Accepted work is never
// abandoned: a busy queue stays open.
func (q *taskQueue) tryClose() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return true
	}
	if q.pending > 0 {
		return false
	}
	q.closed = true
	close(q.tasks)
	return true
}

// Close stops the worker if the queue is idle. Safe to call twice.
func (q *taskQueue) Close() {
	q.tryClose()
}
