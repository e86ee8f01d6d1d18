// Package batch implements the continuous-batching primitive: a fixed
// slot array plus a FIFO pending queue, admitting requests into free
// slots and evicting completed ones (spec §4.10). Grounded on the
// kvcache page table's free-list discipline (internal/kvcache/
// pagetable.go) generalized from "pool of fixed-size memory pages" to
// "pool of fixed-count execution slots," with the same invariant: a
// slot index is never handed out twice while occupied.
package batch

import (
	"sync"

	"github.com/tutu-network/corerun/internal/domain"
)

// Phase is a request's position in the Prefill → Decode → Complete
// state machine. External logic (outside this package) decides when a
// Decode slot actually reaches Complete.
type Phase int

const (
	Prefill Phase = iota
	Decode
	Complete
)

func (p Phase) String() string {
	switch p {
	case Prefill:
		return "prefill"
	case Decode:
		return "decode"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// BatchSlot is one occupied slot's state.
type BatchSlot struct {
	RequestId       domain.RequestId
	Phase           Phase
	TokensGenerated int
	MaxTokens       int
	PromptLen       int
}

// PendingRequest is a request waiting for a free slot.
type PendingRequest struct {
	RequestId domain.RequestId
	PromptLen int
	MaxTokens int
}

// Admission is one (slot_index, request) pair produced by AdmitPending.
type Admission struct {
	SlotIndex int
	Request   PendingRequest
}

// Batcher holds max_slots concurrent requests in Prefill or Decode and
// a FIFO of requests waiting for room. All methods are safe for
// concurrent use.
type Batcher struct {
	mu      sync.Mutex
	slots   []*BatchSlot
	free    []int
	pending []PendingRequest
	index   map[domain.RequestId]int
}

// New builds a Batcher with room for maxSlots concurrent requests.
func New(maxSlots int) *Batcher {
	free := make([]int, maxSlots)
	for i := range free {
		free[i] = maxSlots - 1 - i // pop from the tail, so slot 0 fills first
	}
	return &Batcher{
		slots: make([]*BatchSlot, maxSlots),
		free:  free,
		index: make(map[domain.RequestId]int),
	}
}

// Enqueue appends req to the pending FIFO. O(1).
func (b *Batcher) Enqueue(req PendingRequest) {
	b.mu.Lock()
	b.pending = append(b.pending, req)
	b.mu.Unlock()
}

// AdmitPending fills as many free slots as possible from the pending
// FIFO, in order, and returns what it admitted. A slot is never handed
// out twice: it is removed from the free list the instant it is
// assigned.
func (b *Batcher) AdmitPending() []Admission {
	b.mu.Lock()
	defer b.mu.Unlock()

	var admitted []Admission
	for len(b.free) > 0 && len(b.pending) > 0 {
		idx := b.free[len(b.free)-1]
		b.free = b.free[:len(b.free)-1]

		req := b.pending[0]
		b.pending = b.pending[1:]

		b.slots[idx] = &BatchSlot{
			RequestId: req.RequestId,
			Phase:     Prefill,
			MaxTokens: req.MaxTokens,
			PromptLen: req.PromptLen,
		}
		b.index[req.RequestId] = idx
		admitted = append(admitted, Admission{SlotIndex: idx, Request: req})
	}
	return admitted
}

// EvictCompleted frees every slot currently in Complete phase and
// returns how many were freed. Each freed slot is returned to the free
// list exactly once.
func (b *Batcher) EvictCompleted() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	freed := 0
	for i, s := range b.slots {
		if s == nil || s.Phase != Complete {
			continue
		}
		delete(b.index, s.RequestId)
		b.slots[i] = nil
		b.free = append(b.free, i)
		freed++
	}
	return freed
}

// ActiveSlots returns a snapshot of every currently occupied slot.
func (b *Batcher) ActiveSlots() []BatchSlot {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]BatchSlot, 0, len(b.slots)-len(b.free))
	for _, s := range b.slots {
		if s != nil {
			out = append(out, *s)
		}
	}
	return out
}

// FinishPrefill transitions id's slot from Prefill to Decode.
func (b *Batcher) FinishPrefill(id domain.RequestId) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.index[id]
	if !ok {
		return domain.ErrInvalidParams
	}
	s := b.slots[idx]
	if s.Phase != Prefill {
		return domain.ErrInvalidParams
	}
	s.Phase = Decode
	return nil
}

// RecordToken advances id's Decode slot by one generated token,
// transitioning it to Complete once tokens_generated reaches
// max_tokens. Returns the slot's tokens_generated after the update.
func (b *Batcher) RecordToken(id domain.RequestId) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.index[id]
	if !ok {
		return 0, domain.ErrInvalidParams
	}
	s := b.slots[idx]
	if s.Phase != Decode {
		return 0, domain.ErrInvalidParams
	}
	s.TokensGenerated++
	if s.TokensGenerated >= s.MaxTokens {
		s.Phase = Complete
	}
	return s.TokensGenerated, nil
}

// MarkComplete forces id's slot directly to Complete, for callers that
// decide completion by means other than the token counter (e.g. an
// end-of-sequence token or a cancellation).
func (b *Batcher) MarkComplete(id domain.RequestId) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.index[id]
	if !ok {
		return domain.ErrInvalidParams
	}
	b.slots[idx].Phase = Complete
	return nil
}

// Occupancy reports (occupied, capacity).
func (b *Batcher) Occupancy() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.slots) - len(b.free), len(b.slots)
}

// PendingCount reports the current pending FIFO depth.
func (b *Batcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
