package swap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tutu-network/corerun/internal/domain"
	"github.com/tutu-network/corerun/internal/registry"
)

type stubModel struct{ mem uint64 }

func (m *stubModel) MemoryUsage() uint64 { return m.mem }
func (m *stubModel) Unload()             {}

func setup(t *testing.T, load Loader) (*Coordinator, *registry.Router, *registry.Registry, *registry.FlightTracker) {
	t.Helper()
	router := registry.NewRouter()
	reg := registry.New()
	flight := registry.NewFlightTracker()
	return New(router, reg, flight, load, nil), router, reg, flight
}

func TestExecuteSwapMissingRoute(t *testing.T) {
	c, _, _, _ := setup(t, func(Manifest) (registry.Model, error) { return &stubModel{}, nil })
	err := c.ExecuteSwap("llama", Manifest{Path: "v2"}, time.Second)
	assert.ErrorIs(t, err, domain.ErrRouteNotFound)
}

func TestExecuteSwapSucceeds(t *testing.T) {
	c, router, reg, _ := setup(t, func(Manifest) (registry.Model, error) { return &stubModel{mem: 99}, nil })
	oldHandle := reg.Register("llama", nil, &stubModel{})
	router.Set("llama", oldHandle)

	err := c.ExecuteSwap("llama", Manifest{Path: "v2"}, time.Second)
	assert.NoError(t, err)

	newHandle, ok := router.Resolve("llama")
	assert.True(t, ok)
	assert.NotEqual(t, oldHandle, newHandle)

	_, stillThere := reg.Lookup(oldHandle)
	assert.False(t, stillThere)
}

func TestExecuteSwapPreloadFailure(t *testing.T) {
	c, router, reg, _ := setup(t, func(Manifest) (registry.Model, error) { return nil, assertErr })
	oldHandle := reg.Register("llama", nil, &stubModel{})
	router.Set("llama", oldHandle)

	err := c.ExecuteSwap("llama", Manifest{Path: "bad"}, time.Second)
	assert.ErrorIs(t, err, domain.ErrPreloadFailed)

	h, ok := router.Resolve("llama")
	assert.True(t, ok)
	assert.Equal(t, oldHandle, h)
}

func TestExecuteSwapDrainTimeoutReverts(t *testing.T) {
	c, router, reg, flight := setup(t, func(Manifest) (registry.Model, error) { return &stubModel{}, nil })
	oldHandle := reg.Register("llama", nil, &stubModel{})
	router.Set("llama", oldHandle)
	guard := flight.Track(oldHandle)
	defer guard.Release()

	err := c.ExecuteSwap("llama", Manifest{Path: "v2"}, 30*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrDrainTimeout)

	h, ok := router.Resolve("llama")
	assert.True(t, ok)
	assert.Equal(t, oldHandle, h)
}

func TestRegisterInitialSucceeds(t *testing.T) {
	c, router, reg, _ := setup(t, func(Manifest) (registry.Model, error) { return &stubModel{mem: 10}, nil })

	err := c.RegisterInitial("llama", Manifest{Path: "v1"})
	assert.NoError(t, err)

	handle, ok := router.Resolve("llama")
	assert.True(t, ok)
	_, stored := reg.Lookup(handle)
	assert.True(t, stored)
}

func TestRegisterInitialRejectsExistingRoute(t *testing.T) {
	c, router, reg, _ := setup(t, func(Manifest) (registry.Model, error) { return &stubModel{}, nil })
	h := reg.Register("llama", nil, &stubModel{})
	router.Set("llama", h)

	err := c.RegisterInitial("llama", Manifest{Path: "v1"})
	assert.ErrorIs(t, err, domain.ErrRouteAlreadyExists)
}

func TestUnloadDrainsAndRemovesRoute(t *testing.T) {
	c, router, reg, _ := setup(t, func(Manifest) (registry.Model, error) { return &stubModel{}, nil })
	h := reg.Register("llama", nil, &stubModel{})
	router.Set("llama", h)

	err := c.Unload("llama", time.Second)
	assert.NoError(t, err)

	_, ok := router.Resolve("llama")
	assert.False(t, ok)
	_, stillThere := reg.Lookup(h)
	assert.False(t, stillThere)
}

func TestUnloadMissingRoute(t *testing.T) {
	c, _, _, _ := setup(t, func(Manifest) (registry.Model, error) { return &stubModel{}, nil })
	err := c.Unload("llama", time.Second)
	assert.ErrorIs(t, err, domain.ErrRouteNotFound)
}

func TestUnloadDrainTimeout(t *testing.T) {
	c, router, reg, flight := setup(t, func(Manifest) (registry.Model, error) { return &stubModel{}, nil })
	h := reg.Register("llama", nil, &stubModel{})
	router.Set("llama", h)
	guard := flight.Track(h)
	defer guard.Release()

	err := c.Unload("llama", 30*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrDrainTimeout)

	_, ok := router.Resolve("llama")
	assert.True(t, ok)
}

var assertErr = assertError("preload exploded")

type assertError string

func (e assertError) Error() string { return string(e) }
