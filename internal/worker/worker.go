// Package worker implements the execution loop: drain the streaming
// sidecar first, then block for the next main-heap request, admitting
// each through resource governance before handing it to a model (spec
// §4.9). Grounded on the teacher's pool.go request-handling goroutine
// shape (acquire a guard, run the backend, release the guard on every
// exit path via defer) generalized from a single acquire/release pair
// to the three-guard chain this runtime needs: memory+concurrency,
// in-flight tracking, and the model handle itself.
package worker

import (
	"context"
	"time"

	"github.com/tutu-network/corerun/internal/corelog"
	"github.com/tutu-network/corerun/internal/domain"
	"github.com/tutu-network/corerun/internal/model"
	"github.com/tutu-network/corerun/internal/queue"
	"github.com/tutu-network/corerun/internal/registry"
	"github.com/tutu-network/corerun/internal/resources"
)

var log = corelog.For("worker")

// Request is the payload a server handler enqueues alongside admission
// metadata; Worker type-asserts it back out of queue.Queue's opaque
// payload slot.
type Request struct {
	ModelName string
	Prompt    []uint32
	Params    domain.InferenceParams
}

// Worker pulls admitted requests off a Queue and runs them against
// whatever model the Router currently points the request's model name
// at. Multiple Workers may run concurrently against the same Queue;
// each iteration only ever dequeues and executes one request.
type Worker struct {
	id        string
	queue     *queue.Queue
	resources *resources.Governor
	registry  *registry.Registry
	router    *registry.Router
	flight    *registry.FlightTracker
	clock     domain.Clock
}

// New builds a Worker. clock may be nil to use domain.RealClock.
func New(id string, q *queue.Queue, gov *resources.Governor, reg *registry.Registry, router *registry.Router, flight *registry.FlightTracker, clock domain.Clock) *Worker {
	if clock == nil {
		clock = domain.RealClock
	}
	return &Worker{id: id, queue: q, resources: gov, registry: reg, router: router, flight: flight, clock: clock}
}

// Run drives the execution loop until stop is closed. It is intended to
// run as its own goroutine; callers typically start several against one
// Queue to scale throughput.
func (w *Worker) Run(stop <-chan struct{}) {
	logger := log.WithField("worker", w.id)
	logger.Info("worker started")
	defer logger.Info("worker stopped")

	for {
		select {
		case <-stop:
			return
		default:
		}

		if id, sender, payload, ok := w.queue.TryDequeueStreaming(); ok {
			w.executeStreaming(id, sender, payload)
			continue
		}

		id, reply, payload, ok := w.queue.WaitAndDequeue(stop)
		if !ok {
			// Either stop fired (the top-of-loop check will catch it)
			// or the streaming sidecar gained work while we were
			// about to block; either way, loop and recheck.
			continue
		}
		w.execute(id, reply, payload)
	}
}

// execute runs one unary request end to end: admission, in-flight
// tracking, inference, and reply delivery, releasing every guard it
// acquired regardless of outcome.
func (w *Worker) execute(id domain.RequestId, reply chan *domain.InferenceResponse, payload any) {
	defer w.queue.Finish(id)

	req, ok := payload.(*Request)
	if !ok {
		w.reply(reply, id, nil, domain.ErrInvalidParams)
		return
	}

	handle, ok := w.router.Resolve(req.ModelName)
	if !ok {
		w.reply(reply, id, nil, domain.ErrModelNotLoaded)
		return
	}
	entry, ok := w.registry.Lookup(handle)
	if !ok {
		w.reply(reply, id, nil, domain.ErrModelNotLoaded)
		return
	}

	guard, err := w.resources.TryAcquire(entry.MemoryUsage)
	if err != nil {
		w.reply(reply, id, nil, err)
		return
	}
	defer guard.Release()

	flightGuard := w.flight.Track(handle)
	defer flightGuard.Release()

	m, ok := entry.Model.(model.Model)
	if !ok {
		w.reply(reply, id, nil, domain.ErrModelNotLoaded)
		return
	}

	cancel := model.CancelFlagFunc(func() bool { return w.queue.IsCancelled(id) })
	ctx, cancelCtx := w.requestContext(req.Params)
	defer cancelCtx()

	out, err := m.Infer(ctx, req.Prompt, req.Params, cancel)
	if err != nil {
		w.reply(reply, id, nil, err)
		return
	}
	w.reply(reply, id, out, nil)
}

// executeStreaming mirrors execute but emits one domain.StreamChunk per
// generated token instead of a single terminal response.
func (w *Worker) executeStreaming(id domain.RequestId, sender chan *domain.StreamChunk, payload any) {
	defer w.queue.Finish(id)

	req, ok := payload.(*Request)
	if !ok {
		w.sendFinalChunk(sender, id, domain.ErrInvalidParams)
		return
	}

	handle, ok := w.router.Resolve(req.ModelName)
	if !ok {
		w.sendFinalChunk(sender, id, domain.ErrModelNotLoaded)
		return
	}
	entry, ok := w.registry.Lookup(handle)
	if !ok {
		w.sendFinalChunk(sender, id, domain.ErrModelNotLoaded)
		return
	}

	guard, err := w.resources.TryAcquire(entry.MemoryUsage)
	if err != nil {
		w.sendFinalChunk(sender, id, err)
		return
	}
	defer guard.Release()

	flightGuard := w.flight.Track(handle)
	defer flightGuard.Release()

	m, ok := entry.Model.(model.Model)
	if !ok {
		w.sendFinalChunk(sender, id, domain.ErrModelNotLoaded)
		return
	}

	cancel := model.CancelFlagFunc(func() bool { return w.queue.IsCancelled(id) })
	ctx, cancelCtx := w.requestContext(req.Params)
	defer cancelCtx()

	err = m.Stream(ctx, req.Prompt, req.Params, cancel, func(token uint32, isFinal bool, tokErr error) {
		var errPtr *string
		if tokErr != nil {
			s := tokErr.Error()
			errPtr = &s
		}
		select {
		case sender <- &domain.StreamChunk{RequestId: id, Token: token, IsFinal: isFinal, Error: errPtr}:
		default:
		}
	})
	if err != nil {
		log.WithField("request_id", id).WithField("error", err).Warn("stream ended with error")
	}
}

// Warmup resolves modelName and runs a synthetic prompt of the given
// token count through its Infer path outside the queue, reporting
// elapsed time. Used by the "warmup" wire message to force weights into
// memory and surface first-token latency before real traffic arrives.
func (w *Worker) Warmup(modelName string, tokens int) (bool, time.Duration, error) {
	start := w.clock.Now()

	handle, ok := w.router.Resolve(modelName)
	if !ok {
		return false, 0, domain.ErrModelNotLoaded
	}
	entry, ok := w.registry.Lookup(handle)
	if !ok {
		return false, 0, domain.ErrModelNotLoaded
	}

	guard, err := w.resources.TryAcquire(entry.MemoryUsage)
	if err != nil {
		return false, 0, err
	}
	defer guard.Release()

	m, ok := entry.Model.(model.Model)
	if !ok {
		return false, 0, domain.ErrModelNotLoaded
	}

	if tokens < 1 {
		tokens = 1
	}
	prompt := make([]uint32, tokens)
	params := domain.DefaultInferenceParams()
	params.MaxTokens = 1

	_, err = m.Infer(context.Background(), prompt, params, model.CancelFlagFunc(func() bool { return false }))
	elapsed := w.clock.Now().Sub(start)
	if err != nil {
		return false, elapsed, err
	}
	return true, elapsed, nil
}

func (w *Worker) requestContext(params domain.InferenceParams) (context.Context, context.CancelFunc) {
	if params.TimeoutMs != nil {
		return context.WithTimeout(context.Background(), time.Duration(*params.TimeoutMs)*time.Millisecond)
	}
	return context.WithCancel(context.Background())
}

func (w *Worker) reply(reply chan *domain.InferenceResponse, id domain.RequestId, tokens []uint32, err error) {
	if reply == nil {
		return
	}
	resp := &domain.InferenceResponse{RequestId: id, OutputTokens: tokens, Finished: true}
	if err != nil {
		s := err.Error()
		resp.Error = &s
	}
	select {
	case reply <- resp:
	default:
	}
}

func (w *Worker) sendFinalChunk(sender chan *domain.StreamChunk, id domain.RequestId, err error) {
	if sender == nil {
		return
	}
	var errPtr *string
	if err != nil {
		s := err.Error()
		errPtr = &s
	}
	select {
	case sender <- &domain.StreamChunk{RequestId: id, IsFinal: true, Error: errPtr}:
	default:
	}
}
