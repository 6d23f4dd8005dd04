package blechan

import "sync"

// ring is a fixed-capacity byte FIFO shared between the link callback
// (writer) and the worker (reader). Every write is tagged with the
// connection generation it belongs to; reads for another generation see
// nothing.
type ring struct {
	mu       sync.Mutex
	buf      []byte
	head     int
	n        int
	gen      uint32
	overflow bool
}

func newRing(size int) *ring {
	return &ring{buf: make([]byte, size)}
}

// reset drops all buffered bytes and starts generation gen.
func (r *ring) reset(gen uint32) {
	r.mu.Lock()
	r.head, r.n = 0, 0
	r.gen = gen
	r.overflow = false
	r.mu.Unlock()
}

// discard drops buffered bytes of generation gen.
func (r *ring) discard(gen uint32) {
	r.mu.Lock()
	if r.gen == gen {
		r.head, r.n = 0, 0
	}
	r.mu.Unlock()
}

// write appends as much of p as fits. A short write marks the ring as
// overflowed.
func (r *ring) write(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	free := len(r.buf) - r.n
	if len(p) > free {
		r.overflow = true
		p = p[:free]
	}
	tail := (r.head + r.n) % len(r.buf)
	k := copy(r.buf[tail:], p)
	if k < len(p) {
		copy(r.buf, p[k:])
	}
	r.n += len(p)
	return len(p)
}

// read moves up to len(p) bytes of generation gen into p.
func (r *ring) read(p []byte, gen uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen || r.n == 0 {
		return 0
	}
	n := min(len(p), r.n)
	k := copy(p[:n], r.buf[r.head:])
	if k < n {
		copy(p[k:n], r.buf)
	}
	r.head = (r.head + n) % len(r.buf)
	r.n -= n
	return n
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func (r *ring) overflowed(gen uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen == gen && r.overflow
}

// reader accumulates exactly len(dst) bytes from a ring across calls.
type reader struct {
	dst []byte
	pos int
}

func (rd *reader) start(dst []byte) {
	rd.dst = dst
	rd.pos = 0
}

// fill reads what is available and reports whether dst is complete.
func (rd *reader) fill(r *ring, gen uint32) bool {
	if rd.pos < len(rd.dst) {
		rd.pos += r.read(rd.dst[rd.pos:], gen)
	}
	return rd.pos == len(rd.dst)
}
