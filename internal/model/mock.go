package model

import (
	"context"

	"github.com/tutu-network/corerun/internal/domain"
)

// Mock is a deterministic backend for tests, warmup requests, and any
// deployment without the real inference engine wired in — it simply
// echoes an incrementing token sequence up to MaxTokens, polling cancel
// between each one, mirroring the teacher's MockBackend
// (internal/infra/engine/pool_test.go) generalized to the wire's token
// format.
type Mock struct {
	Memory uint64
	Caps   map[string]string
}

// NewMock builds a Mock reporting memoryBytes of usage.
func NewMock(memoryBytes uint64) *Mock {
	return &Mock{Memory: memoryBytes, Caps: map[string]string{"backend": "mock"}}
}

func (m *Mock) Infer(ctx context.Context, prompt []uint32, params domain.InferenceParams, cancel CancelFlag) ([]uint32, error) {
	out := make([]uint32, 0, params.MaxTokens)
	for i := 0; i < params.MaxTokens; i++ {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}
		if cancel != nil && cancel.Cancelled() {
			return out, nil
		}
		out = append(out, uint32(i))
	}
	return out, nil
}

func (m *Mock) Stream(ctx context.Context, prompt []uint32, params domain.InferenceParams, cancel CancelFlag, emit func(token uint32, isFinal bool, err error)) error {
	for i := 0; i < params.MaxTokens; i++ {
		select {
		case <-ctx.Done():
			emit(0, true, ctx.Err())
			return ctx.Err()
		default:
		}
		if cancel != nil && cancel.Cancelled() {
			emit(0, true, nil)
			return nil
		}
		isFinal := i == params.MaxTokens-1
		emit(uint32(i), isFinal, nil)
	}
	return nil
}

func (m *Mock) MemoryUsage() uint64 { return m.Memory }

func (m *Mock) Capabilities() map[string]string { return m.Caps }

func (m *Mock) Unload() {}
