package bus

// ring 固定容量 FIFO，写满后覆盖最旧条目。非并发安全，调用方持锁。
type ring[T any] struct {
	buf  []T
	head int // 最旧条目下标
	size int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

// push 追加一个条目，容量已满时淘汰最旧条目并返回 true。
func (r *ring[T]) push(v T) (dropped bool) {
	tail := (r.head + r.size) % len(r.buf)
	if r.size == len(r.buf) {
		// 覆盖最旧条目
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return true
	}
	r.buf[tail] = v
	r.size++
	return false
}

// pop 弹出最旧条目。
func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero // 让 GC 回收载荷
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *ring[T]) len() int {
	return r.size
}

func (r *ring[T]) cap() int {
	return len(r.buf)
}

// snapshot 返回从旧到新的副本。
func (r *ring[T]) snapshot() []T {
	out := make([]T, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}
