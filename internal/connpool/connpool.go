// Package connpool bounds the number of concurrently accepted IPC
// connections with a single atomic counter and a drop-to-release guard,
// the same guard-on-drop shape the teacher uses for model references
// (internal/infra/engine/pool.go's PoolHandle), generalized from
// reference-counted models to a flat connection cap.
package connpool

import (
	"sync/atomic"

	"github.com/tutu-network/corerun/internal/domain"
)

// Pool is a bounded counter with an immutable cap (spec §4.3). The only
// observable state is ActiveCount; there is no fairness beyond
// first-acquirer-wins.
type Pool struct {
	active int64
	cap    int64
}

// New builds a Pool accepting up to cap concurrent connections.
func New(cap int) *Pool {
	return &Pool{cap: int64(cap)}
}

// Guard releases its connection slot exactly once, on Release.
type Guard struct {
	pool     *Pool
	released int32
}

// TryAcquire atomically admits one more connection if doing so would not
// exceed the cap, returning a Guard the caller must Release exactly once.
func (p *Pool) TryAcquire() (*Guard, error) {
	for {
		cur := atomic.LoadInt64(&p.active)
		if cur+1 > p.cap {
			return nil, domain.ErrConcurrencyLimit
		}
		if atomic.CompareAndSwapInt64(&p.active, cur, cur+1) {
			return &Guard{pool: p}, nil
		}
	}
}

// Release returns the connection slot. Safe to call more than once;
// only the first call has effect, mirroring drop-once guard semantics.
func (g *Guard) Release() {
	if atomic.CompareAndSwapInt32(&g.released, 0, 1) {
		atomic.AddInt64(&g.pool.active, -1)
	}
}

// ActiveCount reports the current number of held connection slots.
func (p *Pool) ActiveCount() int {
	return int(atomic.LoadInt64(&p.active))
}

// Cap reports the pool's immutable capacity.
func (p *Pool) Cap() int {
	return int(p.cap)
}
