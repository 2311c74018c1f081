package logging

import (
	"os"
	"sync"
)

// RingBuffer is a thread-safe circular byte buffer used to keep the most
// recent log output in memory for crash dumps. It implements io.Writer and
// silently discards the oldest data when full.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []byte
	start int // index of the oldest byte
	n     int // number of valid bytes
}

// NewRingBuffer creates a ring buffer with the given capacity in bytes.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 4 * 1024 * 1024
	}
	return &RingBuffer{buf: make([]byte, capacity)}
}

// Write implements io.Writer. Oldest data is dropped once capacity is exceeded.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	written := len(p)
	if written >= len(rb.buf) {
		// Larger than the whole buffer: keep only the tail.
		copy(rb.buf, p[written-len(rb.buf):])
		rb.start = 0
		rb.n = len(rb.buf)
		return written, nil
	}

	end := (rb.start + rb.n) % len(rb.buf)
	first := copy(rb.buf[end:], p)
	if first < len(p) {
		copy(rb.buf, p[first:])
	}

	rb.n += len(p)
	if rb.n > len(rb.buf) {
		// Overwrote the oldest bytes; advance start past them.
		rb.start = (rb.start + rb.n - len(rb.buf)) % len(rb.buf)
		rb.n = len(rb.buf)
	}
	return written, nil
}

// Bytes returns the buffer contents in chronological order.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]byte, rb.n)
	first := copy(out, rb.buf[rb.start:min(rb.start+rb.n, len(rb.buf))])
	if first < rb.n {
		copy(out[first:], rb.buf[:rb.n-first])
	}
	return out
}

// DumpToFile writes the ring buffer contents to a file in chronological order.
func (rb *RingBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, rb.Bytes(), 0o644)
}
