package systray

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func TestLoopRunsTasksInOrder(t *testing.T) {
	loop := NewLoop()

	var got []int
	for i := range 5 {
		loop.Post(func() { got = append(got, i) })
	}

	go loop.Run(context.Background())
	defer loop.Stop()

	var snapshot []int
	onLoop(t, loop, func() { snapshot = slices.Clone(got) })

	if want := []int{0, 1, 2, 3, 4}; !slices.Equal(snapshot, want) {
		t.Errorf("tasks ran in order %v, want %v", snapshot, want)
	}
}

func TestLoopStop(t *testing.T) {
	loop := NewLoop()
	done := make(chan struct{})

	go func() {
		loop.Run(context.Background())
		close(done)
	}()

	loop.Post(func() { loop.Stop() })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after Stop()")
	}

	if loop.Post(func() {}) {
		t.Errorf("Post() after Stop() = true, want false")
	}

	if err := loop.Call(func() {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Call() after Stop() error = %v, want %v", err, ErrClosed)
	}

	// Stop is idempotent.
	loop.Stop()
}

func TestLoopStopsOnContextCancel(t *testing.T) {
	loop := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())

	go loop.Run(ctx)
	cancel()

	select {
	case <-loop.Done():
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after context was canceled")
	}
}

func TestTimerSlotFires(t *testing.T) {
	loop := runLoop(t)
	slot := newTimerSlot(loop)

	fired := 0
	onLoop(t, loop, func() {
		slot.schedule(5*time.Millisecond, func() { fired++ })

		if !slot.pending() {
			t.Errorf("pending() = false right after schedule()")
		}
	})

	eventually(t, loop, "timer to fire", func() bool { return fired == 1 })

	onLoop(t, loop, func() {
		if slot.pending() {
			t.Errorf("pending() = true after the timer fired")
		}
	})
}

func TestTimerSlotScheduleReplaces(t *testing.T) {
	loop := runLoop(t)
	slot := newTimerSlot(loop)

	var fired []string
	onLoop(t, loop, func() {
		slot.schedule(5*time.Millisecond, func() { fired = append(fired, "first") })
		slot.schedule(10*time.Millisecond, func() { fired = append(fired, "second") })
	})

	eventually(t, loop, "timer to fire", func() bool { return len(fired) > 0 })
	time.Sleep(20 * time.Millisecond)

	onLoop(t, loop, func() {
		if want := []string{"second"}; !slices.Equal(fired, want) {
			t.Errorf("fired = %v, want %v", fired, want)
		}
	})
}

func TestTimerSlotCancelDropsQueuedCallback(t *testing.T) {
	loop := runLoop(t)
	slot := newTimerSlot(loop)

	fired := false
	onLoop(t, loop, func() {
		slot.schedule(time.Millisecond, func() { fired = true })

		// The timer expires and queues its callback while the loop is busy.
		time.Sleep(20 * time.Millisecond)

		slot.cancel()
	})

	// Let the queued callback run.
	onLoop(t, loop, func() {})

	onLoop(t, loop, func() {
		if fired {
			t.Errorf("canceled timer callback ran")
		}
	})
}

func TestEmitter(t *testing.T) {
	var e emitter[int]
	var a, b []int

	idA := e.connect(func(v int) { a = append(a, v) })
	e.connect(func(v int) { b = append(b, v) })

	e.emit(1)
	e.disconnect(idA)
	e.emit(2)

	if want := []int{1}; !slices.Equal(a, want) {
		t.Errorf("first listener got %v, want %v", a, want)
	}

	if want := []int{1, 2}; !slices.Equal(b, want) {
		t.Errorf("second listener got %v, want %v", b, want)
	}

	e.disconnectAll()
	e.emit(3)

	if len(b) != 2 {
		t.Errorf("listener called after disconnectAll()")
	}
}

func TestEmitterDisconnectDuringEmit(t *testing.T) {
	var e emitter[struct{}]
	calls := 0

	var id int
	id = e.connect(func(struct{}) {
		calls++
		e.disconnect(id)
	})
	e.connect(func(struct{}) { calls++ })

	e.emit(struct{}{})
	e.emit(struct{}{})

	if calls != 3 {
		t.Errorf("listeners called %d times, want 3", calls)
	}
}
