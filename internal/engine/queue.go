// Package engine orchestrates one connection's lifetime: it owns the
// negotiated sub-protocol and the two pending-frame queues, runs the wire
// codec against the transport, drives the receive/send/heartbeat process
// loop, and exposes the blocking request/answer dispatcher used for
// RPC-over-WebSocket.
package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"wsrest/internal/frame"
)

// Queue is a thread-safe, time-bounded FIFO of frames. Two instances
// exist per connection: Incoming holds frames awaiting answer matching,
// Outgoing holds frames awaiting flush.
//
// Entries older than the configured timeout are lazily purged whenever
// the queue is scanned.
type Queue struct {
	mu sync.Mutex
	q  *queue.Queue

	// timeoutSec bounds an entry's life, in coarse seconds. 0 = never
	// expires.
	timeoutSec int64

	// answersToIgnore counts callers that gave up waiting for an answer,
	// so the eventual late answer is silently dropped instead of being
	// misrouted to a different, unrelated waiter.
	answersToIgnore atomic.Int64
}

// NewQueue returns an empty queue whose entries expire after timeout
// (0 = never).
func NewQueue(timeout time.Duration) *Queue {
	return &Queue{q: queue.New(), timeoutSec: int64(timeout / time.Second)}
}

// Push stamps and appends a frame.
func (pq *Queue) Push(f *frame.Frame) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.q.Add(f.Stamp())
}

// Len returns the number of live entries.
func (pq *Queue) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.purgeLocked()
	return pq.q.Length()
}

// PopAll drains the queue in FIFO order.
func (pq *Queue) PopAll() []*frame.Frame {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.purgeLocked()
	n := pq.q.Length()
	if n == 0 {
		return nil
	}
	out := make([]*frame.Frame, 0, n)
	for range n {
		out = append(out, pq.q.Remove().(*frame.Frame))
	}
	return out
}

// PopMatching removes and returns the first live entry for which match
// reports true, preserving the relative order of the others. It returns
// nil when nothing matches.
func (pq *Queue) PopMatching(match func(*frame.Frame) bool) *frame.Frame {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.purgeLocked()
	for range pq.q.Length() {
		f := pq.q.Remove().(*frame.Frame)
		if match(f) {
			return f
		}
		pq.q.Add(f)
	}
	return nil
}

// AddAnswerToIgnore records that a waiter timed out and its answer, if
// it ever arrives, must be dropped.
func (pq *Queue) AddAnswerToIgnore() {
	pq.answersToIgnore.Add(1)
}

// TakeAnswerToIgnore consumes one pending ignore, reporting whether the
// caller should drop the answer frame it holds.
func (pq *Queue) TakeAnswerToIgnore() bool {
	for {
		n := pq.answersToIgnore.Load()
		if n <= 0 {
			return false
		}
		if pq.answersToIgnore.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// AnswersToIgnore returns the current ignore count.
func (pq *Queue) AnswersToIgnore() int64 {
	return pq.answersToIgnore.Load()
}

// purgeLocked drops expired entries from the front; FIFO order means the
// oldest entries are always first.
func (pq *Queue) purgeLocked() {
	if pq.timeoutSec == 0 {
		return
	}
	now := frame.Tick()
	for pq.q.Length() > 0 {
		f := pq.q.Peek().(*frame.Frame)
		if now-f.ArrivalTick <= pq.timeoutSec {
			return
		}
		pq.q.Remove()
	}
}
