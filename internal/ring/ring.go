package ring

import "sync"

// Buffer is a fixed-size circular buffer. Pushing into a full buffer
// overwrites the oldest value. Safe for concurrent use.
type Buffer[T any] struct {
	mu    sync.Mutex
	buf   []T
	size  int
	head  int // next write position
	count int
}

// New returns a buffer holding at most size values. A size below 1 is raised to 1.
func New[T any](size int) *Buffer[T] {
	if size < 1 {
		size = 1
	}
	return &Buffer[T]{buf: make([]T, size), size: size}
}

func (r *Buffer[T]) Push(values ...T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range values {
		r.buf[r.head] = v
		r.head = (r.head + 1) % r.size
		if r.count < r.size {
			r.count++
		}
	}
}

// Snapshot returns all values oldest first.
func (r *Buffer[T]) Snapshot() []T {
	return r.Last(r.size)
}

// Last returns the n most recent values oldest first.
func (r *Buffer[T]) Last(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || r.count == 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}

	out := make([]T, n)
	start := (r.head - n + r.size) % r.size
	if start+n <= r.size {
		copy(out, r.buf[start:start+n])
	} else {
		first := copy(out, r.buf[start:])
		copy(out[first:], r.buf[:n-first])
	}
	return out
}

func (r *Buffer[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *Buffer[T]) Cap() int {
	return r.size
}
