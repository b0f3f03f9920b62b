package websock

import (
	"errors"
	"sync/atomic"
)

var errUseAfterFinalize = errors.New("websock: reference taken on a finalized session")
var errOverRelease = errors.New("websock: session released more times than acquired")

// refCount is an atomic reference counter whose finalizer runs exactly once, when the count drops to zero.
// A count that has reached zero can never be revived.
type refCount struct {
	// atomic
	n        int32
	finalize func()
}

func (r *refCount) init(finalize func()) {
	atomic.StoreInt32(&r.n, 1)
	r.finalize = finalize
}

func (r *refCount) get() {
	if atomic.AddInt32(&r.n, 1) <= 1 {
		panic(errUseAfterFinalize)
	}
}

// put drops one reference and reports whether it was the last one
func (r *refCount) put() bool {
	n := atomic.AddInt32(&r.n, -1)
	if n < 0 {
		panic(errOverRelease)
	}
	if n == 0 {
		r.finalize()
		return true
	}
	return false
}

func (r *refCount) count() int32 {
	return atomic.LoadInt32(&r.n)
}
