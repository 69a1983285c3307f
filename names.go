package systray

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

const nameOwnerChanged = fdoDBusName + ".NameOwnerChanged"

// NameOwnerChange is the payload of org.freedesktop.DBus.NameOwnerChanged.
type NameOwnerChange struct {
	Name     string
	OldOwner string
	NewOwner string
}

// NameTracker observes ownership changes of every name on the bus and
// reports them on the loop. It does no filtering: listeners decide which
// names they care about.
type NameTracker struct {
	bus     Bus
	loop    *Loop
	log     *slog.Logger
	signals chan *dbus.Signal
	done    chan struct{}
	changes emitter[NameOwnerChange]

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewNameTracker returns a new [NameTracker]. Call [NameTracker.Start] to
// begin receiving notifications.
func NewNameTracker(bus Bus, loop *Loop, logger *slog.Logger) *NameTracker {
	if logger == nil {
		logger = slog.Default()
	}

	return &NameTracker{
		bus:     bus,
		loop:    loop,
		log:     logger,
		signals: make(chan *dbus.Signal, 64),
		done:    make(chan struct{}),
	}
}

// Start subscribes to NameOwnerChanged. If it fails, the tracker stays
// silent and no events are ever delivered.
func (t *NameTracker) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("name tracker: %w", ErrClosed)
	}

	if t.started {
		return nil
	}

	if err := t.bus.AddMatchSignal(
		dbus.WithMatchInterface(fdoDBusName),
		dbus.WithMatchSender(fdoDBusName),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		return fmt.Errorf("name tracker: failed to subscribe to NameOwnerChanged: %w", err)
	}

	t.bus.Signal(t.signals)
	t.started = true

	go t.receive()

	return nil
}

// OnOwnerLost registers fn to run on the loop whenever a name loses its
// owner. The returned id can be passed to [NameTracker.Disconnect].
func (t *NameTracker) OnOwnerLost(fn func(change NameOwnerChange)) int {
	return t.changes.connect(func(change NameOwnerChange) {
		if change.NewOwner == "" {
			fn(change)
		}
	})
}

// OnOwnerAppeared registers fn to run on the loop whenever a name that had
// no owner gets one.
func (t *NameTracker) OnOwnerAppeared(fn func(change NameOwnerChange)) int {
	return t.changes.connect(func(change NameOwnerChange) {
		if change.OldOwner == "" && change.NewOwner != "" {
			fn(change)
		}
	})
}

// Disconnect removes a listener registered with OnOwnerLost or
// OnOwnerAppeared. Must be called on the loop.
func (t *NameTracker) Disconnect(id int) {
	t.changes.disconnect(id)
}

// Close unsubscribes from NameOwnerChanged. Events queued on the loop but not
// yet delivered are dropped. The signal channel is left open: the connection
// closes it itself when it goes away.
func (t *NameTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	t.closed = true

	if !t.started {
		return
	}

	t.bus.RemoveSignal(t.signals)
	t.bus.RemoveMatchSignal(
		dbus.WithMatchInterface(fdoDBusName),
		dbus.WithMatchSender(fdoDBusName),
		dbus.WithMatchMember("NameOwnerChanged"),
	)
	close(t.done)
}

func (t *NameTracker) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.closed
}

func (t *NameTracker) receive() {
	for {
		var signal *dbus.Signal

		select {
		case <-t.done:
			return
		case s, ok := <-t.signals:
			if !ok {
				return
			}
			signal = s
		}

		change, ok := parseNameOwnerChanged(signal)
		if !ok {
			continue
		}

		t.loop.Post(func() {
			if t.isClosed() {
				return
			}

			t.log.Debug("name owner changed",
				"name", change.Name,
				"old_owner", change.OldOwner,
				"new_owner", change.NewOwner,
			)
			t.changes.emit(change)
		})
	}
}

func parseNameOwnerChanged(signal *dbus.Signal) (NameOwnerChange, bool) {
	if signal.Name != nameOwnerChanged || len(signal.Body) < 3 {
		return NameOwnerChange{}, false
	}

	name, ok := signal.Body[0].(string)
	if !ok {
		return NameOwnerChange{}, false
	}

	oldOwner, ok := signal.Body[1].(string)
	if !ok {
		return NameOwnerChange{}, false
	}

	newOwner, ok := signal.Body[2].(string)
	if !ok {
		return NameOwnerChange{}, false
	}

	return NameOwnerChange{Name: name, OldOwner: oldOwner, NewOwner: newOwner}, true
}
