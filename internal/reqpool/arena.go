// Package reqpool provides fixed-capacity storage for in-flight control
// requests and the buffers that carry their payloads.
package reqpool

import "sync"

// Handle identifies an arena slot. Gen changes every time the slot is
// released, so a handle kept past its request's lifetime no longer resolves.
type Handle struct {
	Index uint16
	Gen   uint16
}

// Token packs the handle into the 32-bit value carried by requests.
func (h Handle) Token() uint32 {
	return uint32(h.Index)<<16 | uint32(h.Gen)
}

// HandleFromToken is the inverse of Handle.Token.
func HandleFromToken(tok uint32) Handle {
	return Handle{Index: uint16(tok >> 16), Gen: uint16(tok)}
}

type slot[T any] struct {
	gen    uint16
	active bool
	val    T
}

// Arena is a fixed-capacity set of values addressed by Handle. A slot is
// either free or holds exactly one active value.
type Arena[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  []uint16 // stack of free slot indexes
}

// NewArena returns an arena with n slots. n is clamped to [1, 65535].
func NewArena[T any](n int) *Arena[T] {
	if n < 1 {
		n = 1
	}
	if n > 0xffff {
		n = 0xffff
	}
	a := &Arena[T]{
		slots: make([]slot[T], n),
		free:  make([]uint16, 0, n),
	}
	for i := n - 1; i >= 0; i-- {
		// Gen starts at 1 so the zero token never resolves.
		a.slots[i].gen = 1
		a.free = append(a.free, uint16(i))
	}
	return a
}

// Alloc stores v in a free slot. It returns false when the arena is full.
func (a *Arena[T]) Alloc(v T) (Handle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) == 0 {
		return Handle{}, false
	}
	idx := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	s := &a.slots[idx]
	s.active = true
	s.val = v
	return Handle{Index: idx, Gen: s.gen}, true
}

// Get returns the value for h if the slot is still active under that handle.
func (a *Arena[T]) Get(h Handle) (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var zero T
	if int(h.Index) >= len(a.slots) {
		return zero, false
	}
	s := &a.slots[h.Index]
	if !s.active || s.gen != h.Gen {
		return zero, false
	}
	return s.val, true
}

// Release frees the slot for h and returns its value. Releasing a stale or
// already released handle returns false and changes nothing.
func (a *Arena[T]) Release(h Handle) (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var zero T
	if int(h.Index) >= len(a.slots) {
		return zero, false
	}
	s := &a.slots[h.Index]
	if !s.active || s.gen != h.Gen {
		return zero, false
	}
	v := s.val
	s.val = zero
	s.active = false
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	a.free = append(a.free, h.Index)
	return v, true
}

// Each calls fn for every active slot. fn runs with the arena locked and must
// not call back into the arena.
func (a *Arena[T]) Each(fn func(Handle, T)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.slots {
		s := &a.slots[i]
		if s.active {
			fn(Handle{Index: uint16(i), Gen: s.gen}, s.val)
		}
	}
}

// Len returns the number of active slots.
func (a *Arena[T]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots) - len(a.free)
}

// Cap returns the total number of slots.
func (a *Arena[T]) Cap() int {
	return len(a.slots)
}
