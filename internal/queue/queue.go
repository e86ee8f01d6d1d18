// Package queue implements the priority request queue: a main priority
// heap ordered by (priority desc, sequence asc), a streaming sidecar the
// worker drains preferentially, and Tier-1 admission control (spec
// §4.6). Grounded on the teacher's pool.go for the condition-variable
// wake-on-change shape (IdleReaper's ticker loop generalizes poorly here,
// so this instead borrows docker model-runner's loader.go guard/
// broadcast pattern for "a blocked dequeue must wake promptly on
// cancel") and on container/heap for the ordering structure itself.
package queue

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	cuckoo "github.com/seiflotfy/cuckoofilter"
	"github.com/tutu-network/corerun/internal/domain"
)

// Config bounds Tier-1 admission (spec §6).
type Config struct {
	MaxPending        int
	MaxContextTokens  int
}

// entry is one pending request sitting in the main heap. It stays
// reachable from byId until the worker calls Finish, so a Cancel racing
// against an in-progress execution still lands on the same flag the
// model is polling.
type entry struct {
	id         domain.RequestId
	priority   domain.Priority
	seq        uint64
	enqueuedAt time.Time
	deadline   *time.Time
	cancelled  int32 // atomic bool
	payload    any

	reply       chan *domain.InferenceResponse
	tokenSender chan *domain.StreamChunk
}

func (e *entry) setCancelled() bool {
	return atomic.CompareAndSwapInt32(&e.cancelled, 0, 1)
}

func (e *entry) isCancelled() bool {
	return atomic.LoadInt32(&e.cancelled) == 1
}

// priorityHeap orders entries by (priority descending, sequence
// ascending), implementing container/heap.Interface.
type priorityHeap []*entry

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x any)   { *h = append(*h, x.(*entry)) }
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue is the priority request queue (spec §4.6).
type Queue struct {
	cfg Config

	mu       sync.Mutex
	cond     *sync.Cond
	heap     priorityHeap
	byId     map[domain.RequestId]*entry
	seqGen   uint64
	idGen    domain.RequestIdGenerator
	dup      *cuckoo.Filter

	streamMu sync.Mutex
	stream   []*entry

	clock domain.Clock
}

// New builds a Queue. clock may be nil to use domain.RealClock.
func New(cfg Config, clock domain.Clock) *Queue {
	if clock == nil {
		clock = domain.RealClock
	}
	q := &Queue{
		cfg:   cfg,
		byId:  make(map[domain.RequestId]*entry),
		dup:   cuckoo.NewFilter(1 << 16),
		clock: clock,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// EnqueueResult is returned by Enqueue on success.
type EnqueueResult struct {
	RequestId domain.RequestId
	Position  int
}

// Enqueue admits a unary request, estimating its token footprint as
// byteLen/4 (spec §4.6 Tier 1). payload is opaque to the queue and
// returned verbatim by WaitAndDequeue (the server and the worker use a
// *worker.Request).
func (q *Queue) Enqueue(priority domain.Priority, byteLen int, timeout *time.Duration, reply chan *domain.InferenceResponse, payload any) (EnqueueResult, error) {
	return q.enqueue(priority, byteLen, timeout, reply, nil, payload)
}

// EnqueueStreaming admits a streaming request onto the sidecar queue,
// subject to the same Tier-1 limits as Enqueue.
func (q *Queue) EnqueueStreaming(priority domain.Priority, byteLen int, timeout *time.Duration, tokenSender chan *domain.StreamChunk, payload any) (EnqueueResult, error) {
	return q.enqueue(priority, byteLen, timeout, nil, tokenSender, payload)
}

func (q *Queue) enqueue(priority domain.Priority, byteLen int, timeout *time.Duration, reply chan *domain.InferenceResponse, tokenSender chan *domain.StreamChunk, payload any) (EnqueueResult, error) {
	estTokens := byteLen / 4
	if estTokens > q.cfg.MaxContextTokens {
		return EnqueueResult{}, domain.ErrContextTooLong
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pendingLocked() >= q.cfg.MaxPending {
		return EnqueueResult{}, domain.ErrQueueFull
	}

	id := q.idGen.Next()
	q.seqGen++
	now := q.clock.Now()
	var deadline *time.Time
	if timeout != nil {
		d := now.Add(*timeout)
		deadline = &d
	}

	e := &entry{
		id:          id,
		priority:    priority,
		seq:         q.seqGen,
		enqueuedAt:  now,
		deadline:    deadline,
		reply:       reply,
		tokenSender: tokenSender,
		payload:     payload,
	}

	q.dup.InsertUnique(idKey(id))

	if tokenSender != nil {
		q.streamMu.Lock()
		q.stream = append(q.stream, e)
		position := len(q.stream)
		q.streamMu.Unlock()
		q.byId[id] = e
		q.cond.Broadcast()
		return EnqueueResult{RequestId: id, Position: position}, nil
	}

	heap.Push(&q.heap, e)
	q.byId[id] = e
	q.cond.Broadcast()
	return EnqueueResult{RequestId: id, Position: q.heap.Len()}, nil
}

func (q *Queue) pendingLocked() int {
	q.streamMu.Lock()
	streaming := len(q.stream)
	q.streamMu.Unlock()
	return q.heap.Len() + streaming
}

// TryDequeueStreaming pops one entry from the streaming sidecar, if any,
// without blocking. The entry stays registered in byId (so Cancel still
// reaches it) until the caller calls Finish.
func (q *Queue) TryDequeueStreaming() (domain.RequestId, chan *domain.StreamChunk, any, bool) {
	q.streamMu.Lock()
	defer q.streamMu.Unlock()
	for len(q.stream) > 0 {
		e := q.stream[0]
		q.stream = q.stream[1:]
		if e.isCancelled() || q.expired(e) {
			q.removeId(e.id)
			continue
		}
		return e.id, e.tokenSender, e.payload, true
	}
	return 0, nil, nil, false
}

// WaitAndDequeue blocks until an admissible main-heap entry is available
// or stop is closed, skipping cancelled/expired entries as it goes. The
// returned entry stays registered in byId (so Cancel still reaches it)
// until the caller calls Finish.
func (q *Queue) WaitAndDequeue(stop <-chan struct{}) (domain.RequestId, chan *domain.InferenceResponse, any, bool) {
	woken := make(chan struct{})
	go func() {
		select {
		case <-stop:
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-woken:
		}
	}()
	defer close(woken)

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		for q.heap.Len() == 0 {
			select {
			case <-stop:
				return 0, nil, nil, false
			default:
			}
			q.streamMu.Lock()
			streamPending := len(q.stream) > 0
			q.streamMu.Unlock()
			if streamPending {
				// The caller's streaming sidecar drains first (spec
				// §4.9's biased select); hand control back so it can.
				return 0, nil, nil, false
			}
			q.cond.Wait()
			select {
			case <-stop:
				return 0, nil, nil, false
			default:
			}
		}
		e := heap.Pop(&q.heap).(*entry)

		if e.isCancelled() {
			if e.reply != nil {
				select {
				case e.reply <- &domain.InferenceResponse{RequestId: e.id, Finished: true, Error: errString(domain.ErrCancelled)}:
				default:
				}
			}
			q.removeId(e.id)
			continue
		}
		if q.expired(e) {
			if e.reply != nil {
				select {
				case e.reply <- &domain.InferenceResponse{RequestId: e.id, Finished: true, Error: errString(domain.ErrExpired)}:
				default:
				}
			}
			q.removeId(e.id)
			continue
		}
		return e.id, e.reply, e.payload, true
	}
}

// IsCancelled reports whether id has been cancelled. Safe to call
// repeatedly while a request executes, after Finish an unknown id
// reports false.
func (q *Queue) IsCancelled(id domain.RequestId) bool {
	q.mu.Lock()
	e, ok := q.byId[id]
	q.mu.Unlock()
	return ok && e.isCancelled()
}

// Finish deregisters id once the worker has fully processed it
// (success, cancellation, or error). Safe to call on an unknown id.
func (q *Queue) Finish(id domain.RequestId) {
	q.mu.Lock()
	q.removeId(id)
	q.mu.Unlock()
}

func (q *Queue) expired(e *entry) bool {
	return e.deadline != nil && q.clock.Now().After(*e.deadline)
}

func (q *Queue) removeId(id domain.RequestId) {
	delete(q.byId, id)
	q.dup.Delete(idKey(id))
}

// Cancel atomically flips the cancel flag for id. Returns true if a
// registered entry existed and was not already cancelled. It does not
// remove the entry from the heap;
// the dequeue path skips cancelled entries lazily. The cuckoo filter
// lets an already-completed or never-issued id fail fast without taking
// the queue's mutex; a filter hit still falls through to the
// authoritative map lookup, since cuckoo filters only ever guarantee
// the negative answer.
func (q *Queue) Cancel(id domain.RequestId) bool {
	if !q.dup.Lookup(idKey(id)) {
		return false
	}
	q.mu.Lock()
	e, ok := q.byId[id]
	q.mu.Unlock()
	if !ok {
		return false
	}
	cancelled := e.setCancelled()
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
	return cancelled
}

// Pending reports the combined main-heap and streaming-sidecar depth.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingLocked()
}

func idKey(id domain.RequestId) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(id >> (8 * i))
	}
	return b[:]
}

func errString(err error) *string {
	s := err.Error()
	return &s
}
