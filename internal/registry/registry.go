// Package registry implements the model registry, the name→handle
// router, and per-handle in-flight tracking (spec §4.7). Grounded
// directly on the teacher's pool.go: the same RWMutex-guarded map +
// atomic reference count shape, generalized from "cache of loaded
// models keyed by name" to "durable registry of handles, with the name
// mapping split out into its own router so the hot-swap coordinator can
// flip a route without touching registry entries."
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/tutu-network/corerun/internal/domain"
)

// Model is the capability surface the registry stores a reference to.
// internal/model defines the concrete implementation; registry only
// needs enough to report memory usage and release resources.
type Model interface {
	MemoryUsage() uint64
	Unload()
}

// Entry is what the registry stores per handle.
type Entry struct {
	Handle      domain.ModelHandle
	Name        string
	Metadata    map[string]string
	MemoryUsage uint64
	Model       Model
}

// Registry maps ModelHandle to Entry under a read-write lock. Handles
// are issued monotonically; callers never construct one themselves.
type Registry struct {
	mu      sync.RWMutex
	entries map[domain.ModelHandle]*Entry
	gen     domain.HandleGenerator
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[domain.ModelHandle]*Entry)}
}

// Register mints a new handle for model and stores it. A swap always
// mints a fresh handle even when replacing a model with the same name
// (spec §3: handles are never reused).
func (r *Registry) Register(name string, metadata map[string]string, model Model) domain.ModelHandle {
	h := r.gen.Next()
	r.mu.Lock()
	r.entries[h] = &Entry{
		Handle:      h,
		Name:        name,
		Metadata:    metadata,
		MemoryUsage: model.MemoryUsage(),
		Model:       model,
	}
	r.mu.Unlock()
	return h
}

// Unregister removes handle from the registry and unloads its model.
// A miss is not an error: unregistering twice is a harmless no-op.
func (r *Registry) Unregister(handle domain.ModelHandle) {
	r.mu.Lock()
	e, ok := r.entries[handle]
	if ok {
		delete(r.entries, handle)
	}
	r.mu.Unlock()
	if ok {
		e.Model.Unload()
	}
}

// Lookup returns the entry for handle.
func (r *Registry) Lookup(handle domain.ModelHandle) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[handle]
	return e, ok
}

// MemoryUsage reports handle's reported memory footprint, or 0 if the
// handle is unknown.
func (r *Registry) MemoryUsage(handle domain.ModelHandle) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[handle]; ok {
		return e.MemoryUsage
	}
	return 0
}

// Router maps model_name to the ModelHandle currently serving it.
// Writes are not restricted to any caller (the hot-swap coordinator is
// the main writer); reads take only a read lock.
type Router struct {
	mu     sync.RWMutex
	routes map[string]domain.ModelHandle
}

// NewRouter builds an empty Router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]domain.ModelHandle)}
}

// Resolve looks up name's current handle.
func (rt *Router) Resolve(name string) (domain.ModelHandle, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	h, ok := rt.routes[name]
	return h, ok
}

// Set atomically points name at handle. Exported for the swap
// coordinator; other callers should not call this directly.
func (rt *Router) Set(name string, handle domain.ModelHandle) {
	rt.mu.Lock()
	rt.routes[name] = handle
	rt.mu.Unlock()
}

// Unset removes name's route entirely. Used when a model is unloaded
// rather than swapped for a replacement.
func (rt *Router) Unset(name string) {
	rt.mu.Lock()
	delete(rt.routes, name)
	rt.mu.Unlock()
}

// FlightTracker wraps one atomic in-flight counter per handle. The swap
// coordinator polls Count to decide when draining completes.
type FlightTracker struct {
	mu       sync.Mutex
	counters map[domain.ModelHandle]*int64
}

// NewFlightTracker builds an empty FlightTracker.
func NewFlightTracker() *FlightTracker {
	return &FlightTracker{counters: make(map[domain.ModelHandle]*int64)}
}

// FlightGuard releases its handle's in-flight slot exactly once.
type FlightGuard struct {
	counter  *int64
	released int32
}

// Track increments handle's in-flight count and returns a guard the
// caller must Release when inference completes.
func (f *FlightTracker) Track(handle domain.ModelHandle) *FlightGuard {
	f.mu.Lock()
	c, ok := f.counters[handle]
	if !ok {
		var zero int64
		c = &zero
		f.counters[handle] = c
	}
	f.mu.Unlock()

	atomic.AddInt64(c, 1)
	return &FlightGuard{counter: c}
}

// Count reports handle's current in-flight count.
func (f *FlightTracker) Count(handle domain.ModelHandle) int64 {
	f.mu.Lock()
	c, ok := f.counters[handle]
	f.mu.Unlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(c)
}

// Release returns the guard's in-flight slot. Safe to call more than
// once.
func (g *FlightGuard) Release() {
	if atomic.CompareAndSwapInt32(&g.released, 0, 1) {
		atomic.AddInt64(g.counter, -1)
	}
}
