package rpcmux

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrLoopClosed is returned by Loop.Call when the loop has been closed.
var ErrLoopClosed = status.Error(codes.Unavailable, "loop is closed")

// Loop is a single-goroutine execution context. Tasks posted to a loop run
// one at a time, in the order posted, so state touched only from a loop's
// tasks needs no locking. A loop also runs scheduled tasks when their
// deadline arrives; deadlines are measured with the loop's clock.
//
// Within one turn of the loop, scheduled tasks that are due run before
// posted tasks.
type Loop struct {
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	tasks   []func()
	timers  timerHeap
	seq     uint64
	stopped bool

	wake chan struct{}
	done chan struct{}
}

// NewLoop creates a loop and starts its goroutine. The loop runs until
// Close is called. The WithClock and WithLogger options are honored.
func NewLoop(opts ...Option) *Loop {
	o := newOptions(opts)
	l := &Loop{
		clock:  o.clock,
		logger: o.logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Now returns the current time according to the loop's clock.
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Post queues fn to run on the loop. It never blocks. It returns false if
// the loop is closed, in which case fn will never run.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.signal()
	return true
}

// Call runs fn on the loop and waits for it to complete. It must not be
// called from the loop itself.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrLoopClosed
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrLoopClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Schedule arranges for fn to run on the loop once the loop's clock reaches
// at. If the loop is closed, the returned task never runs.
func (l *Loop) Schedule(at time.Time, fn func()) *ScheduledTask {
	t := &ScheduledTask{loop: l, at: at, fn: fn, index: -1}
	l.mu.Lock()
	if l.stopped {
		t.state = taskCancelled
		l.mu.Unlock()
		return t
	}
	l.seq++
	t.seq = l.seq
	heap.Push(&l.timers, t)
	l.mu.Unlock()
	l.signal()
	return t
}

// Delay arranges for fn to run on the loop after d has elapsed.
func (l *Loop) Delay(d time.Duration, fn func()) *ScheduledTask {
	return l.Schedule(l.clock.Now().Add(d), fn)
}

// Close stops the loop. Tasks that have not started are dropped. Close does
// not wait for a running task to finish; use Done for that.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.tasks = nil
	for _, t := range l.timers {
		t.state = taskCancelled
		t.index = -1
	}
	l.timers = nil
	l.mu.Unlock()
	l.signal()
}

// Done returns a channel that is closed once the loop's goroutine exits.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			return
		}
		now := l.clock.Now()
		var due []*ScheduledTask
		for len(l.timers) > 0 && !l.timers[0].at.After(now) {
			due = append(due, heap.Pop(&l.timers).(*ScheduledTask))
		}
		tasks := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		for _, t := range due {
			if t.start() {
				l.runTask(t.fn)
			}
		}
		for _, fn := range tasks {
			if l.isStopped() {
				return
			}
			l.runTask(fn)
		}
		if len(due) > 0 || len(tasks) > 0 {
			continue
		}

		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			return
		}
		var wait time.Duration
		hasTimer := len(l.timers) > 0
		if hasTimer {
			wait = l.timers[0].at.Sub(l.clock.Now())
		}
		busy := len(l.tasks) > 0 || (hasTimer && wait <= 0)
		l.mu.Unlock()
		if busy {
			continue
		}

		if !hasTimer {
			<-l.wake
			continue
		}
		timer := l.clock.Timer(wait)
		if l.firstDue() {
			// the clock moved while the timer was being created
			timer.Stop()
			continue
		}
		select {
		case <-l.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (l *Loop) firstDue() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers) > 0 && !l.timers[0].at.After(l.clock.Now())
}

func (l *Loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *Loop) runTask(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			l.logger.Error("loop task panicked", zap.String("panic", fmt.Sprint(p)), zap.Stack("stack"))
		}
	}()
	fn()
}

const (
	taskPending = iota
	taskRunning
	taskCancelled
)

// ScheduledTask is a handle to a task registered with Loop.Schedule or
// Loop.Delay.
type ScheduledTask struct {
	loop *Loop
	at   time.Time
	seq  uint64
	fn   func()

	// guarded by loop.mu
	index int
	state int
}

// Cancel prevents the task from running. It returns false if the task has
// already started (or finished) or was already cancelled.
func (t *ScheduledTask) Cancel() bool {
	l := t.loop
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.state != taskPending {
		return false
	}
	t.state = taskCancelled
	if t.index >= 0 {
		heap.Remove(&l.timers, t.index)
	}
	return true
}

// Deadline returns the time at which the task is due.
func (t *ScheduledTask) Deadline() time.Time {
	return t.at
}

func (t *ScheduledTask) start() bool {
	l := t.loop
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.state != taskPending {
		return false
	}
	t.state = taskRunning
	return true
}

// timerHeap orders scheduled tasks by deadline, then by the order in which
// they were scheduled.
type timerHeap []*ScheduledTask

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	t := x.(*ScheduledTask)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
