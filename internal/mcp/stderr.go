package mcp

import "sync"

// stderrTailSize is how much subprocess stderr is retained for
// diagnostics when a server fails.
const stderrTailSize = 64 * 1024

// ringBuffer keeps the last size bytes written to it.
type ringBuffer struct {
	mu   sync.Mutex
	buf  []byte
	size int
	next int
	full bool
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{buf: make([]byte, size), size: size}
}

// Write never fails and never blocks on the reader.
func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	if n >= r.size {
		copy(r.buf, p[n-r.size:])
		r.next = 0
		r.full = true
		return n, nil
	}

	c := copy(r.buf[r.next:], p)
	if c < n {
		copy(r.buf, p[c:])
		r.full = true
	}
	r.next = (r.next + n) % r.size
	if r.next == 0 && n > 0 {
		r.full = true
	}
	return n, nil
}

// String returns the retained bytes in write order.
func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		return string(r.buf[:r.next])
	}
	out := make([]byte, 0, r.size)
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return string(out)
}
