package connpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tutu-network/corerun/internal/domain"
)

func TestTryAcquireUpToCap(t *testing.T) {
	p := New(2)
	g1, err := p.TryAcquire()
	assert.NoError(t, err)
	g2, err := p.TryAcquire()
	assert.NoError(t, err)
	assert.Equal(t, 2, p.ActiveCount())

	_, err = p.TryAcquire()
	assert.ErrorIs(t, err, domain.ErrConcurrencyLimit)

	g1.Release()
	assert.Equal(t, 1, p.ActiveCount())
	g2.Release()
	assert.Equal(t, 0, p.ActiveCount())
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := New(1)
	g, err := p.TryAcquire()
	assert.NoError(t, err)
	g.Release()
	g.Release()
	assert.Equal(t, 0, p.ActiveCount())
}

func TestTryAcquireConcurrentNeverExceedsCap(t *testing.T) {
	const cap = 8
	p := New(cap)
	var wg sync.WaitGroup
	var admitted int64
	var mu sync.Mutex
	guards := make([]*Guard, 0, cap*4)

	for i := 0; i < cap*4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := p.TryAcquire()
			if err == nil {
				mu.Lock()
				admitted++
				guards = append(guards, g)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, admitted, int64(cap))
	assert.Equal(t, int(admitted), p.ActiveCount())
	for _, g := range guards {
		g.Release()
	}
	assert.Equal(t, 0, p.ActiveCount())
}
