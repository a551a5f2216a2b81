package cmap

// Limiter lets a single-flight waiter give up its concurrency slot while it
// blocks on another goroutine's work, and reclaim it afterwards. The
// scheduler's worker pool satisfies this so a waiting worker doesn't tie up
// a pool slot doing nothing.
type Limiter interface {
	Acquire()
	Release()
}

type errV[V any] struct {
	Err error
	Val V
}

// ErrMap extends Map with an error as a first-class part of the committed
// value, and a GetOrSet entry point that runs a function exactly once per
// key no matter how many goroutines call it concurrently - the mechanism
// the scheduler uses for at-most-one-build-per-action-digest coalescing.
type ErrMap[K comparable, V any] struct {
	m *Map[K, errV[V]]
	l Limiter
}

// NewErrMap returns an ErrMap sharded and hashed like Map. limiter may be
// nil, in which case GetOrSet does not release any concurrency slot while
// a caller waits on another's in-flight work.
func NewErrMap[K comparable, V any](shardCount uint32, hasher func(K) uint32, limiter Limiter) *ErrMap[K, V] {
	return &ErrMap[K, V]{
		m: New[K, errV[V]](shardCount, hasher),
		l: limiter,
	}
}

// Set unconditionally commits val (with no error) for key, waking any
// waiters.
func (m *ErrMap[K, V]) Set(key K, val V) {
	m.m.Set(key, errV[V]{Val: val})
}

// SetError commits err as the result for key, waking any waiters with it.
func (m *ErrMap[K, V]) SetError(key K, err error) {
	m.m.Set(key, errV[V]{Err: err})
}

// Get returns the committed value and error for key, or the zero value and
// a nil error if key was never set.
func (m *ErrMap[K, V]) Get(key K) (V, error) {
	v, _ := m.m.Get(key)
	return v.Val, v.Err
}

// Delete removes key so a future GetOrSet call runs fn again.
func (m *ErrMap[K, V]) Delete(key K) {
	m.m.Delete(key)
}

// GetOrSet runs fn exactly once for key: the first caller computes the
// value and commits it (releasing every concurrent caller), and every
// other caller blocks on that result instead of duplicating the work. All
// callers, first or not, return the same (value, error) pair; the third
// return value reports whether this particular call was the one that ran
// fn (true) or coalesced onto someone else's in-flight call (false), so a
// caller that needs to distinguish "I did the work" from "I waited for it"
// - e.g. to report cache provenance - doesn't have to duplicate GetOrWait's
// bookkeeping itself.
func (m *ErrMap[K, V]) GetOrSet(key K, fn func() (V, error)) (val V, err error, ran bool) {
	v, wait, first := m.m.GetOrWait(key)
	if first {
		val, err := fn()
		m.m.Set(key, errV[V]{Val: val, Err: err})
		return val, err, true
	}
	if wait == nil {
		return v.Val, v.Err, false
	}
	if m.l != nil {
		m.l.Release()
		defer m.l.Acquire()
	}
	<-wait
	val, err = m.Get(key)
	return val, err, false
}
