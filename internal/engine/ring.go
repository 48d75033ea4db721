package engine

// ring is a fixed-capacity buffer that overwrites its oldest entry when full.
type ring[T any] struct {
	items    []T
	startIdx int
	count    int
	evicted  int
}

func newRing[T any](size int) *ring[T] {
	if size <= 0 {
		size = 1
	}
	return &ring[T]{items: make([]T, size)}
}

func (r *ring[T]) push(v T) {
	size := len(r.items)
	if r.count < size {
		r.items[(r.startIdx+r.count)%size] = v
		r.count++
		return
	}
	r.items[r.startIdx] = v
	r.startIdx = (r.startIdx + 1) % size
	r.evicted++
}

// tail returns up to n most recent entries, oldest first. n <= 0 means all.
func (r *ring[T]) tail(n int) []T {
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]T, n)
	size := len(r.items)
	first := r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.items[(r.startIdx+first+i)%size]
	}
	return out
}

// each calls fn on every retained entry, oldest first.
func (r *ring[T]) each(fn func(*T)) {
	size := len(r.items)
	for i := 0; i < r.count; i++ {
		fn(&r.items[(r.startIdx+i)%size])
	}
}

func (r *ring[T]) len() int { return r.count }

func (r *ring[T]) reset() {
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.startIdx = 0
	r.count = 0
	r.evicted = 0
}
