// Package model defines the capability surface every loaded model must
// satisfy, plus a mock backend for tests and warmup. Grounded on the
// teacher's engine.ModelHandle (internal/infra/engine/pool.go), which
// exposes Generate as a channel of domain.Token — this package delivers
// streamed tokens through an emit callback instead, adds a unary path
// returning a completed token slice, and a per-token cancel check, per
// spec §4.9's "poll cancel_flag between every generated token" contract.
package model

import (
	"context"

	"github.com/tutu-network/corerun/internal/domain"
)

// CancelFlag is polled between generated tokens; once true, generation
// must stop and report however many tokens were produced so far.
type CancelFlag interface {
	Cancelled() bool
}

// Model is the capability set every loaded model implementation must
// provide (spec §4.9, §4.10). Implementations must be safe for
// concurrent use: the registry hands out the same Model to many workers
// at once, and any internal mutation must use interior locking invisible
// to callers.
type Model interface {
	// Infer runs to completion or until cancel reports true, returning
	// whatever tokens were generated.
	Infer(ctx context.Context, prompt []uint32, params domain.InferenceParams, cancel CancelFlag) ([]uint32, error)

	// Stream emits one token per call to emit until the model finishes,
	// the context is cancelled, or cancel reports true — at which point
	// the model itself is responsible for sending the final chunk with
	// IsFinal set before returning.
	Stream(ctx context.Context, prompt []uint32, params domain.InferenceParams, cancel CancelFlag, emit func(token uint32, isFinal bool, err error)) error

	// MemoryUsage reports the model's resident memory footprint in
	// bytes, used by admission control (spec §4.9).
	MemoryUsage() uint64

	// Capabilities reports free-form metadata (e.g. max context,
	// quantization) surfaced through the registry.
	Capabilities() map[string]string

	// Unload releases any resources backing the model. Called exactly
	// once by the registry on unregister.
	Unload()
}

// cancelFlagFunc adapts a plain func() bool to CancelFlag.
type cancelFlagFunc func() bool

func (f cancelFlagFunc) Cancelled() bool { return f() }

// CancelFlagFunc adapts fn to the CancelFlag interface, for callers that
// already have a closure (e.g. wrapping an atomic bool) rather than a
// type implementing Cancelled().
func CancelFlagFunc(fn func() bool) CancelFlag { return cancelFlagFunc(fn) }
