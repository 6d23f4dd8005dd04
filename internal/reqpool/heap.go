package reqpool

import "sync"

// LimitedHeap is a HeapAllocator backed by the Go heap with an optional
// ceiling on outstanding bytes. A limit of 0 means unlimited.
type LimitedHeap struct {
	mu    sync.Mutex
	limit int
	used  int
}

// NewLimitedHeap returns a heap that refuses allocations once limit bytes
// are outstanding.
func NewLimitedHeap(limit int) *LimitedHeap {
	return &LimitedHeap{limit: limit}
}

// SetLimit changes the ceiling. Outstanding allocations are not affected.
func (h *LimitedHeap) SetLimit(limit int) {
	h.mu.Lock()
	h.limit = limit
	h.mu.Unlock()
}

// Used returns the number of outstanding bytes.
func (h *LimitedHeap) Used() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.used
}

func (h *LimitedHeap) Alloc(n int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.limit > 0 && h.used+n > h.limit {
		return nil, ErrNoMemory
	}
	h.used += n
	return make([]byte, n), nil
}

func (h *LimitedHeap) Free(p []byte) {
	h.mu.Lock()
	h.used -= len(p)
	h.mu.Unlock()
}

// Compile-time check that LimitedHeap implements HeapAllocator.
var _ HeapAllocator = (*LimitedHeap)(nil)
