package gate

// DefaultHistoryCapacity is the per-channel sample count kept for charting.
const DefaultHistoryCapacity = 120

// Window is a fixed-capacity ring holding the most recent values.
// It is not safe for concurrent use.
type Window[T any] struct {
	buf   []T
	start int
	n     int
}

// NewWindow returns an empty window. Non-positive capacities use
// DefaultHistoryCapacity.
func NewWindow[T any](capacity int) *Window[T] {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &Window[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest value when full.
func (w *Window[T]) Push(v T) {
	if w.n < len(w.buf) {
		w.buf[(w.start+w.n)%len(w.buf)] = v
		w.n++
		return
	}
	w.buf[w.start] = v
	w.start = (w.start + 1) % len(w.buf)
}

// Values returns a copy of the contents, oldest first.
func (w *Window[T]) Values() []T {
	out := make([]T, w.n)
	for i := 0; i < w.n; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

// Len is the number of values held.
func (w *Window[T]) Len() int { return w.n }

// Cap is the fixed capacity.
func (w *Window[T]) Cap() int { return len(w.buf) }

// Reset empties the window.
func (w *Window[T]) Reset() {
	var zero T
	for i := range w.buf {
		w.buf[i] = zero
	}
	w.start, w.n = 0, 0
}
