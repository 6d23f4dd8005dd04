package reqpool

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrBusy is returned when no request slot is available.
	ErrBusy = errors.New("reqpool: no free request slot")
	// ErrNoMemory is returned when a buffer cannot be allocated.
	ErrNoMemory = errors.New("reqpool: out of memory")
	// ErrDoubleFree is returned when a buffer is freed more than once.
	ErrDoubleFree = errors.New("reqpool: buffer already freed")
)

// Origin records where a buffer's memory came from.
type Origin uint8

const (
	FromSlab Origin = iota + 1
	FromHeap
)

func (o Origin) String() string {
	switch o {
	case FromSlab:
		return "slab"
	case FromHeap:
		return "heap"
	default:
		return "unknown"
	}
}

// Buffer is a payload region owned by a single request.
type Buffer struct {
	data   []byte
	origin Origin
	slab   int
	freed  bool
}

// Bytes returns the usable region, sized to the requested length.
func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Len returns the usable length of the buffer.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// Origin returns the buffer's provenance.
func (b *Buffer) Origin() Origin {
	return b.origin
}

// HeapAllocator supplies buffers that do not fit in a slab. It is only
// called from the worker.
type HeapAllocator interface {
	Alloc(n int) ([]byte, error)
	Free(p []byte)
}

// Stats is a snapshot of buffer accounting.
type Stats struct {
	SlabsInUse int
	SlabCount  int
	HeapInUse  int
	HeapBytes  int
	Allocs     uint64
	Frees      uint64
}

// Outstanding returns the number of buffers allocated and not yet freed.
func (s Stats) Outstanding() int {
	return s.SlabsInUse + s.HeapInUse
}

// BufferConfig sizes the slab tier of a BufferPool.
type BufferConfig struct {
	SlabCount int
	SlabSize  int
}

// BufferPool hands out buffers from preallocated slabs or from a heap
// allocator. AllocSlab and Free are safe from transport callbacks: they take
// the pool lock only for O(1) bookkeeping.
type BufferPool struct {
	slabSize int
	heap     HeapAllocator

	mu        sync.Mutex
	slabs     [][]byte
	freeSlabs []int
	heapInUse int
	heapBytes int
	allocs    uint64
	frees     uint64
}

// NewBufferPool preallocates cfg.SlabCount slabs of cfg.SlabSize bytes.
// A nil heap uses an unlimited LimitedHeap.
func NewBufferPool(cfg BufferConfig, heap HeapAllocator) *BufferPool {
	if heap == nil {
		heap = NewLimitedHeap(0)
	}
	if cfg.SlabCount < 0 {
		cfg.SlabCount = 0
	}
	if cfg.SlabSize < 0 {
		cfg.SlabSize = 0
	}
	p := &BufferPool{
		slabSize:  cfg.SlabSize,
		heap:      heap,
		slabs:     make([][]byte, cfg.SlabCount),
		freeSlabs: make([]int, 0, cfg.SlabCount),
	}
	for i := cfg.SlabCount - 1; i >= 0; i-- {
		p.slabs[i] = make([]byte, cfg.SlabSize)
		p.freeSlabs = append(p.freeSlabs, i)
	}
	return p
}

// SlabSize returns the capacity of a single slab.
func (p *BufferPool) SlabSize() int {
	return p.slabSize
}

// AllocSlab returns a slab-backed buffer of n bytes, or false if n does not
// fit in a slab or all slabs are in use.
func (p *BufferPool) AllocSlab(n int) (*Buffer, bool) {
	if n < 0 || n > p.slabSize {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.freeSlabs) == 0 {
		return nil, false
	}
	idx := p.freeSlabs[len(p.freeSlabs)-1]
	p.freeSlabs = p.freeSlabs[:len(p.freeSlabs)-1]
	p.allocs++
	buf := p.slabs[idx][:n]
	clear(buf)
	return &Buffer{data: buf, origin: FromSlab, slab: idx}, true
}

// AllocHeap returns a heap-backed buffer of n bytes. Worker only.
func (p *BufferPool) AllocHeap(n int) (*Buffer, error) {
	if n < 0 {
		return nil, fmt.Errorf("reqpool: negative buffer size %d", n)
	}
	data, err := p.heap.Alloc(n)
	if err != nil {
		return nil, fmt.Errorf("reqpool: heap alloc %d bytes: %w", n, err)
	}
	p.mu.Lock()
	p.heapInUse++
	p.heapBytes += n
	p.allocs++
	p.mu.Unlock()
	return &Buffer{data: data[:n], origin: FromHeap}, nil
}

// Alloc tries a slab first and falls back to the heap. Worker only.
func (p *BufferPool) Alloc(n int) (*Buffer, error) {
	if b, ok := p.AllocSlab(n); ok {
		return b, nil
	}
	return p.AllocHeap(n)
}

// Free returns b to the tier it came from. A nil buffer is a no-op.
func (p *BufferPool) Free(b *Buffer) error {
	if b == nil {
		return nil
	}
	p.mu.Lock()
	if b.freed {
		p.mu.Unlock()
		return ErrDoubleFree
	}
	b.freed = true
	p.frees++
	switch b.origin {
	case FromSlab:
		p.freeSlabs = append(p.freeSlabs, b.slab)
		p.mu.Unlock()
	case FromHeap:
		p.heapInUse--
		p.heapBytes -= len(b.data)
		p.mu.Unlock()
		p.heap.Free(b.data)
	default:
		p.mu.Unlock()
	}
	b.data = nil
	return nil
}

// Stats returns a snapshot of the pool's accounting.
func (p *BufferPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		SlabsInUse: len(p.slabs) - len(p.freeSlabs),
		SlabCount:  len(p.slabs),
		HeapInUse:  p.heapInUse,
		HeapBytes:  p.heapBytes,
		Allocs:     p.allocs,
		Frees:      p.frees,
	}
}
