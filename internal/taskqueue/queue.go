// Package taskqueue provides a deferred task queue. Transport callbacks use it
// to push work that must not run in their own context (heap allocation,
// handler dispatch) onto the single worker goroutine.
package taskqueue

import "sync"

// Task is a unit of deferred work. The queue links pending tasks through the
// next field, so a Task must not be copied while it is pending.
type Task struct {
	// Func is invoked once per successful Enqueue. Once the task has been
	// enqueued, rearm it with EnqueueFunc rather than assigning Func.
	Func func()

	next    *Task
	pending bool
}

// Queue is a FIFO of pending tasks with a single consumer.
//
// Enqueue is safe to call from any goroutine and only holds the lock to
// splice the tail pointer. Process must only be called from the worker.
type Queue struct {
	mu   sync.Mutex
	head *Task
	tail *Task
	n    int
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue appends t to the tail of the queue. It returns false if t is
// already pending or has no Func.
func (q *Queue) Enqueue(t *Task) bool {
	if t == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.Func == nil || t.pending {
		return false
	}
	q.pushLocked(t)
	return true
}

// EnqueueFunc sets t.Func to fn and appends t, both under the queue lock. A
// pending task is left untouched, keeping its current Func, and false is
// returned.
func (q *Queue) EnqueueFunc(t *Task, fn func()) bool {
	if t == nil || fn == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.pending {
		return false
	}
	t.Func = fn
	q.pushLocked(t)
	return true
}

// Pending reports whether t is waiting in q.
func (q *Queue) Pending(t *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return t.pending
}

func (q *Queue) pushLocked(t *Task) {
	t.pending = true
	t.next = nil
	if q.tail != nil {
		q.tail.next = t
	} else {
		q.head = t
	}
	q.tail = t
	q.n++
}

// Process pops the head task and runs it outside the critical section.
// It returns false if the queue was empty.
func (q *Queue) Process() bool {
	q.mu.Lock()
	t := q.head
	if t == nil {
		q.mu.Unlock()
		return false
	}
	q.head = t.next
	if q.head == nil {
		q.tail = nil
	}
	t.next = nil
	t.pending = false
	q.n--
	fn := t.Func
	q.mu.Unlock()

	fn()
	return true
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}
