// Package resources implements the runtime's admission control: a single
// critical section guarding both the in-flight memory budget and the
// concurrent-request count, so acquisition can never partially commit one
// counter while rejecting on the other (spec §4.4). Grounded on the
// teacher's resource governor (internal/infra/resource/governor.go),
// which holds a single sync.RWMutex across several related fields for
// exactly this reason, generalized from thermal/battery budget
// recalculation to per-request memory and concurrency admission.
package resources

import (
	"sync"

	"github.com/tutu-network/corerun/internal/domain"
)

// Limits are the immutable ceilings admission is checked against.
type Limits struct {
	MaxMemoryPerCall uint64
	MaxTotalMemory   uint64
	MaxConcurrent    int
}

// Governor tracks live usage against Limits and admits or rejects
// requests atomically over both dimensions.
type Governor struct {
	mu                sync.Mutex
	limits            Limits
	currentMemory     uint64
	currentConcurrent int
}

// NewGovernor builds a Governor enforcing limits.
func NewGovernor(limits Limits) *Governor {
	return &Governor{limits: limits}
}

// Guard releases the memory and concurrency slots it was issued for,
// exactly once.
type Guard struct {
	g        *Governor
	memory   uint64
	released bool
}

// TryAcquire admits one request of the given memory footprint if doing
// so would not exceed either the per-call or total memory ceiling, and
// would not exceed the concurrency ceiling. Rejections never mutate
// state; acceptance advances both counters in the same critical section
// and returns a Guard the caller must Release.
func (g *Governor) TryAcquire(memoryBytes uint64) (*Guard, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if memoryBytes > g.limits.MaxMemoryPerCall {
		return nil, domain.ErrMemoryExceeded
	}
	if g.currentMemory+memoryBytes > g.limits.MaxTotalMemory {
		return nil, domain.ErrMemoryExceeded
	}
	if g.currentConcurrent+1 > g.limits.MaxConcurrent {
		return nil, domain.ErrQueueFull
	}

	g.currentMemory += memoryBytes
	g.currentConcurrent++
	return &Guard{g: g, memory: memoryBytes}, nil
}

// Release returns the guard's memory and concurrency slots. Safe to call
// more than once; only the first call has effect.
func (gu *Guard) Release() {
	if gu.released {
		return
	}
	gu.released = true
	gu.g.mu.Lock()
	gu.g.currentMemory -= gu.memory
	gu.g.currentConcurrent--
	gu.g.mu.Unlock()
}

// CurrentMemory reports the currently committed memory budget.
func (g *Governor) CurrentMemory() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currentMemory
}

// CurrentConcurrent reports the currently committed concurrency count.
func (g *Governor) CurrentConcurrent() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currentConcurrent
}
