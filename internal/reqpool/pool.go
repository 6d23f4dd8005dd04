package reqpool

import (
	"github.com/chaz8081/ctrlchan/internal/taskqueue"
)

// Status is the outcome of AllocBuffer.
type Status int

const (
	// StatusReady means the buffer was bound synchronously.
	StatusReady Status = iota
	// StatusPending means a heap allocation was scheduled on the worker.
	StatusPending
	// StatusFailed means the allocation task could not be scheduled.
	StatusFailed
)

// Pool combines a request arena with a shared BufferPool and applies the
// allocation policy used by the transports: request slots and slab buffers
// are taken synchronously, heap buffers only on the worker.
type Pool[T any] struct {
	arena *Arena[T]
	bufs  *BufferPool
	queue *taskqueue.Queue
}

// NewPool returns a pool with slots request records.
func NewPool[T any](slots int, bufs *BufferPool, queue *taskqueue.Queue) *Pool[T] {
	return &Pool[T]{
		arena: NewArena[T](slots),
		bufs:  bufs,
		queue: queue,
	}
}

// Arena exposes the request arena.
func (p *Pool[T]) Arena() *Arena[T] {
	return p.arena
}

// Buffers exposes the shared buffer pool.
func (p *Pool[T]) Buffers() *BufferPool {
	return p.bufs
}

// Acquire claims a request slot for rec. It returns ErrBusy without side
// effects when the arena is full.
func (p *Pool[T]) Acquire(rec T) (Handle, error) {
	h, ok := p.arena.Alloc(rec)
	if !ok {
		return Handle{}, ErrBusy
	}
	return h, nil
}

// Release frees the slot for h.
func (p *Pool[T]) Release(h Handle) (T, bool) {
	return p.arena.Release(h)
}

// Lookup resolves h to its record.
func (p *Pool[T]) Lookup(h Handle) (T, bool) {
	return p.arena.Get(h)
}

// AllocBuffer binds a buffer of size bytes. A zero size or a size that fits a
// free slab returns StatusReady with the buffer (nil for zero size).
// Otherwise task is armed with a heap allocation and enqueued; done is then
// called on the worker with the buffer or ErrNoMemory. The caller keeps task
// alive until done runs. StatusFailed is returned, leaving task untouched,
// if task is still pending.
func (p *Pool[T]) AllocBuffer(size int, task *taskqueue.Task, done func(*Buffer, error)) (*Buffer, Status) {
	if size <= 0 {
		return nil, StatusReady
	}
	// A pending task fails before any slab is taken.
	if p.queue.Pending(task) {
		return nil, StatusFailed
	}
	if b, ok := p.bufs.AllocSlab(size); ok {
		return b, StatusReady
	}
	armed := p.queue.EnqueueFunc(task, func() {
		b, err := p.bufs.AllocHeap(size)
		if err != nil {
			done(nil, ErrNoMemory)
			return
		}
		done(b, nil)
	})
	if !armed {
		return nil, StatusFailed
	}
	return nil, StatusPending
}

// Free returns b to the shared buffer pool.
func (p *Pool[T]) Free(b *Buffer) error {
	return p.bufs.Free(b)
}
