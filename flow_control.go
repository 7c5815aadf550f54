package rpcmux

import (
	"container/list"
	"sync"
)

// sendQueue is the outbound queue of a stream. It is unbounded: pushes never
// block the loop. Instead, the queue tracks how many envelopes are pending
// (queued plus being written) and reports when that count crosses the high
// watermark, and again when it drains back down to the low watermark, so the
// producer can stop issuing optional work in between.
type sendQueue struct {
	low, high int

	mu        sync.Mutex
	cond      sync.Cond
	items     *list.List
	pending   int
	suspended bool
	eos       bool
	closed    bool
}

func newSendQueue(low, high int) *sendQueue {
	q := &sendQueue{
		low:   low,
		high:  high,
		items: list.New(),
	}
	q.cond.L = &q.mu
	return q
}

// push adds env to the queue. It returns false if the queue no longer
// accepts envelopes. If this push took the queue over its high watermark,
// suspend is true.
func (q *sendQueue) push(env Envelope) (suspend, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.eos {
		return false, false
	}
	signal := q.items.Len() == 0
	q.items.PushBack(env)
	q.pending++
	if !q.suspended && q.pending >= q.high {
		q.suspended = true
		suspend = true
	}
	if signal {
		q.cond.Signal()
	}
	return suspend, true
}

// endOfStream marks the queue as finished. Envelopes already queued are
// still dequeued, after which dequeue reports the end of the stream.
func (q *sendQueue) endOfStream() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.eos {
		return false
	}
	q.eos = true
	q.cond.Broadcast()
	return true
}

func (q *sendQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items.Init() // clear list to free memory
	q.cond.Broadcast()
}

// dequeue waits for envelopes and returns everything queued so far. Once the
// queue is empty and marked with endOfStream, it returns eos true. It
// returns ok false when the queue has been closed.
func (q *sendQueue) dequeue() (batch []Envelope, eos bool, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return nil, false, false
		}
		if q.items.Len() > 0 {
			batch = make([]Envelope, 0, q.items.Len())
			for e := q.items.Front(); e != nil; e = e.Next() {
				batch = append(batch, e.Value.(Envelope))
			}
			q.items.Init()
			return batch, false, true
		}
		if q.eos {
			return nil, true, true
		}
		q.cond.Wait()
	}
}

// done records that n dequeued envelopes have been written (or dropped). It
// returns true if this took a suspended queue down to its low watermark.
func (q *sendQueue) done(n int) (resume bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending -= n
	if q.suspended && q.pending <= q.low {
		q.suspended = false
		return true
	}
	return false
}

func (q *sendQueue) isSuspended() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.suspended
}

// recvGate lets a stream's owner pause its reader. The reader checks the
// gate before reading each frame, so a frame already being read is still
// delivered.
type recvGate struct {
	mu        sync.Mutex
	cond      sync.Cond
	suspended bool
	closed    bool
}

func newRecvGate() *recvGate {
	g := &recvGate{}
	g.cond.L = &g.mu
	return g
}

func (g *recvGate) suspend() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.suspended = true
}

func (g *recvGate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.suspended {
		g.suspended = false
		g.cond.Broadcast()
	}
}

func (g *recvGate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.cond.Broadcast()
}

// wait blocks while the gate is suspended. It returns false if the gate has
// been closed.
func (g *recvGate) wait() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.suspended && !g.closed {
		g.cond.Wait()
	}
	return !g.closed
}
