package session

import (
	"log/slog"
	"sync"
)

// persistQueue runs durability writes on a detached background goroutine so
// the send hot path never waits on storage. When the queue is saturated the
// write is dropped with a warning; losing a durability write must not break a
// live conversation.
type persistQueue struct {
	mu     sync.Mutex
	closed bool
	jobs   chan func()
	done   chan struct{}
}

func newPersistQueue(size int) *persistQueue {
	if size <= 0 {
		size = 256
	}
	q := &persistQueue{
		jobs: make(chan func(), size),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *persistQueue) run() {
	defer close(q.done)
	for job := range q.jobs {
		job()
	}
}

// Enqueue schedules a write without blocking.
func (q *persistQueue) Enqueue(job func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	select {
	case q.jobs <- job:
	default:
		slog.Warn("persistence queue full, dropping write")
	}
}

// Flush blocks until every write enqueued before the call has completed.
// Test hook; production code never waits on the queue.
func (q *persistQueue) Flush() {
	barrier := make(chan struct{})

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.jobs <- func() { close(barrier) }
	q.mu.Unlock()

	<-barrier
}

// Close drains outstanding writes and stops the worker.
func (q *persistQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	<-q.done
}
