package systray

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned when an operation is attempted on a stopped [Loop]
// or a closed component.
var ErrClosed = errors.New("closed")

// Loop runs tasks one at a time on a single goroutine. All state of the
// watcher, its items and their wrappers is only touched from tasks running
// on the loop, so none of it needs a lock.
//
// Post never blocks: tasks are queued without bound.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewLoop returns a new [Loop]. The loop does nothing until [Loop.Run] is
// called.
func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Post queues task for execution on the loop. It reports false if the loop
// was stopped and task was dropped.
func (l *Loop) Post(task func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	return true
}

// Call runs task on the loop and waits for it to complete.
//
// Call must not be used from a task running on the loop, since it would wait
// for itself.
func (l *Loop) Call(task func()) error {
	finished := make(chan struct{})

	if !l.Post(func() {
		defer close(finished)
		task()
	}) {
		return ErrClosed
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		// The loop may have run the task right before exiting.
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Stop makes [Loop.Run] return after the task currently running, if any.
// Queued tasks are dropped. Stop is safe to call multiple times and from any
// goroutine, including the loop itself.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return
	}

	l.stopped = true
	l.queue = nil
	close(l.stop)
}

// Done returns a channel that is closed once [Loop.Run] has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Run executes queued tasks until [Loop.Stop] is called or ctx is done.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return
		case <-l.stop:
			return
		case <-l.wake:
		}

		for {
			task, ok := l.next()
			if !ok {
				break
			}

			task()
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped || len(l.queue) == 0 {
		return nil, false
	}

	task := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]

	return task, true
}

// timerSlot holds at most one pending single-shot timer whose callback runs
// on the loop. Scheduling replaces the pending timer. A callback whose timer
// was replaced or canceled never runs, even if it already fired and was
// waiting in the queue.
//
// timerSlot must only be used from the loop.
type timerSlot struct {
	loop       *Loop
	timer      *time.Timer
	generation uint64
}

func newTimerSlot(loop *Loop) *timerSlot {
	return &timerSlot{loop: loop}
}

func (s *timerSlot) schedule(d time.Duration, fn func()) {
	s.cancel()

	generation := s.generation
	s.timer = time.AfterFunc(d, func() {
		s.loop.Post(func() {
			if s.generation != generation {
				return
			}

			s.timer = nil
			s.generation++
			fn()
		})
	})
}

func (s *timerSlot) cancel() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	s.generation++
}

func (s *timerSlot) pending() bool {
	return s.timer != nil
}

// emitter fans a typed event out to any number of listeners. Listeners are
// called in connection order.
//
// emitter must only be used from the loop.
type emitter[T any] struct {
	next      int
	listeners []listener[T]
}

type listener[T any] struct {
	id int
	fn func(T)
}

// connect adds fn and returns an id for [emitter.disconnect].
func (e *emitter[T]) connect(fn func(T)) int {
	e.next++
	e.listeners = append(e.listeners, listener[T]{id: e.next, fn: fn})

	return e.next
}

func (e *emitter[T]) disconnect(id int) {
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return
		}
	}
}

func (e *emitter[T]) disconnectAll() {
	e.listeners = nil
}

func (e *emitter[T]) emit(value T) {
	// Listeners may disconnect while being notified.
	for _, l := range e.listeners {
		l.fn(value)
	}
}
