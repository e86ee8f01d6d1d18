// Package swap implements the hot-swap coordinator: resolve, preload,
// flip, drain, finalize (spec §4.8). Grounded on the teacher's pool.go
// eviction discipline (evictOne walks the LRU looking for a zero
// refcount before giving up) generalized from "wait for zero references
// then evict" to "wait for zero in-flight requests then unregister,"
// and on its single daemon-wide mutex for serializing structural
// changes (internal/daemon/daemon.go's Serve/Close pairing).
package swap

import (
	"sync"
	"time"

	"github.com/tutu-network/corerun/internal/corelog"
	"github.com/tutu-network/corerun/internal/domain"
	"github.com/tutu-network/corerun/internal/registry"
)

var log = corelog.For("swap")

// Manifest is the minimal description of a model to preload. Concrete
// validation/loading is supplied by the caller's Loader.
type Manifest struct {
	Path string
	Name string
}

// Loader validates and loads a manifest into a running model instance.
type Loader func(Manifest) (registry.Model, error)

// Coordinator serializes hot-swap operations with a single-writer
// contract: a second ExecuteSwap call while one is in progress returns
// domain.ErrSwapInProgress rather than blocking.
type Coordinator struct {
	mu       sync.Mutex
	router   *registry.Router
	registry *registry.Registry
	flight   *registry.FlightTracker
	load     Loader
	clock    domain.Clock
}

// New builds a Coordinator. clock may be nil to use domain.RealClock.
func New(router *registry.Router, reg *registry.Registry, flight *registry.FlightTracker, load Loader, clock domain.Clock) *Coordinator {
	if clock == nil {
		clock = domain.RealClock
	}
	return &Coordinator{router: router, registry: reg, flight: flight, load: load, clock: clock}
}

// ExecuteSwap resolves name's current route, preloads newManifest,
// flips the route, drains the old handle, and finalizes by
// unregistering it. On drain timeout the route is reverted and the new
// model is unregistered, leaving the old model serving.
func (c *Coordinator) ExecuteSwap(name string, newManifest Manifest, drainTimeout time.Duration) error {
	if !c.mu.TryLock() {
		return domain.ErrSwapInProgress
	}
	defer c.mu.Unlock()

	oldHandle, ok := c.router.Resolve(name)
	if !ok {
		return domain.ErrRouteNotFound
	}

	newModel, err := c.load(newManifest)
	if err != nil {
		log.WithField("name", name).WithField("error", err).Warn("preload failed")
		return domain.ErrPreloadFailed
	}
	newHandle := c.registry.Register(name, map[string]string{"manifest": newManifest.Path}, newModel)

	c.router.Set(name, newHandle)
	log.WithField("name", name).WithField("old_handle", oldHandle).WithField("new_handle", newHandle).Info("route flipped")

	if !c.drain(oldHandle, drainTimeout) {
		c.router.Set(name, oldHandle)
		c.registry.Unregister(newHandle)
		log.WithField("name", name).Warn("drain timed out, reverted route")
		return domain.ErrDrainTimeout
	}

	c.registry.Unregister(oldHandle)
	log.WithField("name", name).WithField("handle", oldHandle).Info("old model finalized")
	return nil
}

// RegisterInitial loads manifest and routes name at it for the first
// time. Unlike ExecuteSwap, it requires name to have no existing route —
// loading a name that is already routed should go through ExecuteSwap so
// the old handle drains instead of being silently orphaned.
func (c *Coordinator) RegisterInitial(name string, manifest Manifest) error {
	if !c.mu.TryLock() {
		return domain.ErrSwapInProgress
	}
	defer c.mu.Unlock()

	if _, ok := c.router.Resolve(name); ok {
		return domain.ErrRouteAlreadyExists
	}

	newModel, err := c.load(manifest)
	if err != nil {
		log.WithField("name", name).WithField("error", err).Warn("initial load failed")
		return domain.ErrPreloadFailed
	}
	handle := c.registry.Register(name, map[string]string{"manifest": manifest.Path}, newModel)
	c.router.Set(name, handle)
	log.WithField("name", name).WithField("handle", handle).Info("model registered")
	return nil
}

// Unload drains and unregisters name's currently routed model, then
// removes its route entirely.
func (c *Coordinator) Unload(name string, drainTimeout time.Duration) error {
	if !c.mu.TryLock() {
		return domain.ErrSwapInProgress
	}
	defer c.mu.Unlock()

	handle, ok := c.router.Resolve(name)
	if !ok {
		return domain.ErrRouteNotFound
	}
	if !c.drain(handle, drainTimeout) {
		return domain.ErrDrainTimeout
	}
	c.router.Unset(name)
	c.registry.Unregister(handle)
	log.WithField("name", name).WithField("handle", handle).Info("model unloaded")
	return nil
}

// drain polls the flight tracker until oldHandle reaches zero in-flight
// requests or timeout elapses.
func (c *Coordinator) drain(oldHandle domain.ModelHandle, timeout time.Duration) bool {
	deadline := c.clock.Now().Add(timeout)
	const pollInterval = 10 * time.Millisecond
	for {
		if c.flight.Count(oldHandle) == 0 {
			return true
		}
		if c.clock.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}
