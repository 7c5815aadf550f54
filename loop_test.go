package rpcmux

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoop(t *testing.T) (*Loop, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	loop := NewLoop(WithClock(mock))
	t.Cleanup(loop.Close)
	return loop, mock
}

// onLoop runs fn on the loop and waits for it.
func onLoop(t *testing.T, loop *Loop, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, loop.Call(ctx, fn))
}

func TestLoop_TasksRunInOrder(t *testing.T) {
	loop, _ := newTestLoop(t)
	var order []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, loop.Post(func() {
			order = append(order, i)
		}))
	}
	onLoop(t, loop, func() {})
	require.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestLoop_ScheduledTasks(t *testing.T) {
	loop, mock := newTestLoop(t)
	var fired []string
	onLoop(t, loop, func() {
		loop.Delay(200*time.Millisecond, func() { fired = append(fired, "200ms") })
		loop.Delay(100*time.Millisecond, func() { fired = append(fired, "100ms-a") })
		loop.Delay(100*time.Millisecond, func() { fired = append(fired, "100ms-b") })
		loop.Delay(50*time.Millisecond, func() { fired = append(fired, "50ms") })
	})

	mock.Add(49 * time.Millisecond)
	onLoop(t, loop, func() {
		assert.Empty(t, fired)
	})
	mock.Add(time.Millisecond)
	onLoop(t, loop, func() {
		assert.Equal(t, []string{"50ms"}, fired)
	})
	mock.Add(50 * time.Millisecond)
	onLoop(t, loop, func() {
		// same deadline: scheduling order wins
		assert.Equal(t, []string{"50ms", "100ms-a", "100ms-b"}, fired)
	})
	mock.Add(time.Second)
	onLoop(t, loop, func() {
		assert.Equal(t, []string{"50ms", "100ms-a", "100ms-b", "200ms"}, fired)
	})
}

func TestLoop_DueTimersRunBeforeTasks(t *testing.T) {
	loop, mock := newTestLoop(t)
	var fired bool
	onLoop(t, loop, func() {
		loop.Delay(10*time.Millisecond, func() { fired = true })
	})
	mock.Add(10 * time.Millisecond)
	onLoop(t, loop, func() {
		assert.True(t, fired)
	})
}

func TestLoop_Cancel(t *testing.T) {
	loop, mock := newTestLoop(t)
	var task *ScheduledTask
	var fired bool
	onLoop(t, loop, func() {
		task = loop.Delay(10*time.Millisecond, func() { fired = true })
	})
	assert.Equal(t, time.Unix(0, 0).Add(10*time.Millisecond), task.Deadline())
	assert.True(t, task.Cancel())
	assert.False(t, task.Cancel())
	mock.Add(time.Second)
	onLoop(t, loop, func() {
		assert.False(t, fired)
	})

	// a task that already ran cannot be cancelled
	onLoop(t, loop, func() {
		task = loop.Delay(10*time.Millisecond, func() { fired = true })
	})
	mock.Add(10 * time.Millisecond)
	onLoop(t, loop, func() {
		assert.True(t, fired)
	})
	assert.False(t, task.Cancel())
}

func TestLoop_CancelFromEarlierTimer(t *testing.T) {
	loop, mock := newTestLoop(t)
	var second *ScheduledTask
	var secondFired bool
	onLoop(t, loop, func() {
		loop.Delay(10*time.Millisecond, func() {
			assert.True(t, second.Cancel())
		})
		second = loop.Delay(10*time.Millisecond, func() { secondFired = true })
	})
	mock.Add(10 * time.Millisecond)
	onLoop(t, loop, func() {
		assert.False(t, secondFired)
	})
}

func TestLoop_PanickingTaskDoesNotStopLoop(t *testing.T) {
	loop, _ := newTestLoop(t)
	loop.Post(func() {
		panic("boom")
	})
	var ran bool
	onLoop(t, loop, func() {
		ran = true
	})
	assert.True(t, ran)
}

func TestLoop_Close(t *testing.T) {
	mock := clock.NewMock()
	loop := NewLoop(WithClock(mock))
	var fired bool
	onLoop(t, loop, func() {
		loop.Delay(time.Millisecond, func() { fired = true })
	})
	loop.Close()
	loop.Close()
	select {
	case <-loop.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	mock.Add(time.Second)
	assert.False(t, fired)
	assert.False(t, loop.Post(func() {}))
	assert.ErrorIs(t, loop.Call(context.Background(), func() {}), ErrLoopClosed)
	task := loop.Delay(time.Millisecond, func() {})
	assert.False(t, task.Cancel())
}

func TestLoop_CallHonorsContext(t *testing.T) {
	loop, _ := newTestLoop(t)
	release := make(chan struct{})
	loop.Post(func() {
		<-release
	})
	defer close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := loop.Call(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
