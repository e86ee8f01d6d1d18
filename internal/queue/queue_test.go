package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tutu-network/corerun/internal/domain"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func testQueue() (*Queue, *fakeClock) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	return New(Config{MaxPending: 4, MaxContextTokens: 1000}, clock), clock
}

func TestEnqueueOrdersByPriorityThenSequence(t *testing.T) {
	q, _ := testQueue()
	reply := make(chan *domain.InferenceResponse, 1)

	low, err := q.Enqueue(domain.PriorityLow, 4, nil, reply, "low")
	assert.NoError(t, err)
	high, err := q.Enqueue(domain.PriorityHigh, 4, nil, reply, "high")
	assert.NoError(t, err)
	normal, err := q.Enqueue(domain.PriorityNormal, 4, nil, reply, "normal")
	assert.NoError(t, err)

	stop := make(chan struct{})
	id, _, payload, ok := q.WaitAndDequeue(stop)
	assert.True(t, ok)
	assert.Equal(t, high.RequestId, id)
	assert.Equal(t, "high", payload)

	id, _, payload, ok = q.WaitAndDequeue(stop)
	assert.True(t, ok)
	assert.Equal(t, normal.RequestId, id)
	assert.Equal(t, "normal", payload)

	id, _, payload, ok = q.WaitAndDequeue(stop)
	assert.True(t, ok)
	assert.Equal(t, low.RequestId, id)
	assert.Equal(t, "low", payload)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q, _ := testQueue()
	reply := make(chan *domain.InferenceResponse, 1)
	for i := 0; i < 4; i++ {
		_, err := q.Enqueue(domain.PriorityNormal, 4, nil, reply, nil)
		assert.NoError(t, err)
	}
	_, err := q.Enqueue(domain.PriorityNormal, 4, nil, reply, nil)
	assert.ErrorIs(t, err, domain.ErrQueueFull)
}

func TestEnqueueRejectsOverTokenEstimate(t *testing.T) {
	q, _ := testQueue()
	reply := make(chan *domain.InferenceResponse, 1)
	_, err := q.Enqueue(domain.PriorityNormal, 5000, nil, reply, nil)
	assert.ErrorIs(t, err, domain.ErrContextTooLong)
}

func TestCancelSkipsEntryAtDequeue(t *testing.T) {
	q, _ := testQueue()
	reply := make(chan *domain.InferenceResponse, 1)
	res, err := q.Enqueue(domain.PriorityNormal, 4, nil, reply, nil)
	assert.NoError(t, err)

	assert.True(t, q.Cancel(res.RequestId))

	done := make(chan struct{})
	go func() {
		stop := make(chan struct{})
		time.AfterFunc(50*time.Millisecond, func() { close(stop) })
		_, _, _, ok := q.WaitAndDequeue(stop)
		assert.False(t, ok)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitAndDequeue did not return")
	}
}

func TestCancelUnknownReturnsFalse(t *testing.T) {
	q, _ := testQueue()
	assert.False(t, q.Cancel(999))
}

func TestExpiredEntryReceivesExpiredError(t *testing.T) {
	q, clock := testQueue()
	reply := make(chan *domain.InferenceResponse, 1)
	timeout := time.Millisecond
	_, err := q.Enqueue(domain.PriorityNormal, 4, &timeout, reply, nil)
	assert.NoError(t, err)

	clock.advance(10 * time.Millisecond)

	stop := make(chan struct{})
	time.AfterFunc(50*time.Millisecond, func() { close(stop) })
	_, _, _, ok := q.WaitAndDequeue(stop)
	assert.False(t, ok)

	select {
	case resp := <-reply:
		assert.NotNil(t, resp.Error)
	default:
		t.Fatal("expected an expiry reply")
	}
}

func TestStreamingDrainsBeforeMainQueue(t *testing.T) {
	q, _ := testQueue()
	tokenSender := make(chan *domain.StreamChunk, 1)
	sres, err := q.EnqueueStreaming(domain.PriorityLow, 4, nil, tokenSender, "payload")
	assert.NoError(t, err)

	id, sender, payload, ok := q.TryDequeueStreaming()
	assert.True(t, ok)
	assert.Equal(t, sres.RequestId, id)
	assert.Equal(t, tokenSender, sender)
	assert.Equal(t, "payload", payload)

	_, _, _, ok = q.TryDequeueStreaming()
	assert.False(t, ok)
}

func TestPendingCountsBothQueues(t *testing.T) {
	q, _ := testQueue()
	reply := make(chan *domain.InferenceResponse, 1)
	tokenSender := make(chan *domain.StreamChunk, 1)

	_, err := q.Enqueue(domain.PriorityNormal, 4, nil, reply, nil)
	assert.NoError(t, err)
	_, err = q.EnqueueStreaming(domain.PriorityNormal, 4, nil, tokenSender, nil)
	assert.NoError(t, err)

	assert.Equal(t, 2, q.Pending())
}

func TestIsCancelledAndFinish(t *testing.T) {
	q, _ := testQueue()
	reply := make(chan *domain.InferenceResponse, 1)
	res, err := q.Enqueue(domain.PriorityNormal, 4, nil, reply, nil)
	assert.NoError(t, err)

	assert.False(t, q.IsCancelled(res.RequestId))
	assert.True(t, q.Cancel(res.RequestId))
	assert.True(t, q.IsCancelled(res.RequestId))

	q.Finish(res.RequestId)
	assert.False(t, q.IsCancelled(res.RequestId))
	assert.False(t, q.Cancel(res.RequestId))
}
