package domain

import (
	"sync/atomic"
	"time"
)

// RequestId is a 64-bit identifier, unique within a process lifetime and
// monotonically assigned at enqueue time (spec §3).
type RequestId uint64

// RequestIdGenerator hands out monotonically increasing RequestIds.
// Zero value is ready to use; the first id returned is 1 (0 is reserved
// as "no request").
type RequestIdGenerator struct{ next uint64 }

func (g *RequestIdGenerator) Next() RequestId {
	return RequestId(atomic.AddUint64(&g.next, 1))
}

// Priority is a four-level total order; higher values are served first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority maps a wire string to a Priority, defaulting to Normal.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// InferenceParams holds per-request sampling and shaping parameters
// (spec §3). Validate must be called before a request is enqueued.
type InferenceParams struct {
	MaxTokens   int
	Temperature float32
	TopP        float32
	TopK        int
	Stream      bool
	TimeoutMs   *uint64 // nil means no deadline
}

// DefaultInferenceParams mirrors the values the teacher used for
// generation requests (internal/api/server.go defaultGenParams), adapted
// to this spec's field set.
func DefaultInferenceParams() InferenceParams {
	return InferenceParams{
		MaxTokens:   256,
		Temperature: 0.7,
		TopP:        0.9,
		TopK:        40,
	}
}

// Validate enforces spec §3's constraints on InferenceParams.
func (p InferenceParams) Validate() error {
	switch {
	case p.MaxTokens < 1:
		return ErrInvalidParams
	case p.Temperature < 0:
		return ErrInvalidParams
	case p.TopP <= 0 || p.TopP > 1:
		return ErrInvalidParams
	case p.TopK < 1:
		return ErrInvalidParams
	default:
		return nil
	}
}

// ModelHandle is an opaque 64-bit identifier into the model registry.
// Stable for the lifetime of a loaded model; a swap always mints a new
// one even for the same logical name (spec §3 invariant: never reused).
type ModelHandle uint64

// HandleGenerator hands out monotonically increasing ModelHandles.
type HandleGenerator struct{ next uint64 }

func (g *HandleGenerator) Next() ModelHandle {
	return ModelHandle(atomic.AddUint64(&g.next, 1))
}

// PageId indexes into the KV cache's page table.
type PageId uint32

// SequenceId identifies one cached generation context.
type SequenceId uint64

// SequenceIdGenerator hands out monotonically increasing SequenceIds.
type SequenceIdGenerator struct{ next uint64 }

func (g *SequenceIdGenerator) Next() SequenceId {
	return SequenceId(atomic.AddUint64(&g.next, 1))
}

// Token is a single generated token id plus, for convenience, its decoded
// text — mirrors the shape the teacher's engine.ModelHandle.Generate
// channel carries (internal/infra/engine/pool.go), generalized from a
// string-id pair to the wire's uint32 token ids.
type Token struct {
	Id   uint32
	Text string
}

// HealthCheckType selects which health probe to run (spec §6).
type HealthCheckType int

const (
	HealthLiveness HealthCheckType = iota
	HealthReadiness
	HealthFull
)

func (t HealthCheckType) String() string {
	switch t {
	case HealthReadiness:
		return "readiness"
	case HealthFull:
		return "full"
	default:
		return "liveness"
	}
}

// Clock is injected everywhere "now" is needed so tests can control time
// without sleeping — the teacher never needed this (it calls time.Now()
// directly throughout), but the queue's deadline logic and the auth
// manager's rate-limit window are exactly the kind of code that rots into
// flaky tests without it.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock is the production Clock.
var RealClock Clock = realClock{}
