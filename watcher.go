package systray

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
)

const (
	StatusNotifierWatcherInterface = "org.kde.StatusNotifierWatcher"
	StatusNotifierWatcherPath      = "/StatusNotifierWatcher"

	// ProtocolVersion is the advertised StatusNotifierWatcher protocol version.
	ProtocolVersion int32 = 0

	DefaultIdleTimeout = 30 * time.Second
)

var (
	ErrNameTaken      = errors.New("name already taken")
	ErrInvalidBusName = errors.New("invalid bus name")
)

// WatcherState is the lifecycle state of a [Watcher].
type WatcherState int32

const (
	// The watcher name is not owned yet.
	WatcherUnowned WatcherState = iota

	// The watcher name is owned, but the interface is not exported because
	// no monitor is present.
	WatcherNameOwned

	// The interface is exported and registrations are accepted.
	WatcherExported

	// The watcher shut down.
	WatcherClosed
)

func (s WatcherState) String() string {
	switch s {
	case WatcherUnowned:
		return "unowned"
	case WatcherNameOwned:
		return "name-owned"
	case WatcherExported:
		return "exported"
	case WatcherClosed:
		return "closed"
	default:
		return fmt.Sprintf("WatcherState(%d)", int32(s))
	}
}

// WatcherOptions configures a [Watcher].
type WatcherOptions struct {
	// IdleTimeout is how long the watcher waits for a monitor before exiting.
	// Zero disables idle shutdown and the interface is exported right away.
	IdleTimeout time.Duration

	// MonitorPrefix identifies consumers of the published icons by bus name.
	MonitorPrefix string

	// AdvertiseHost is the value of IsStatusNotifierHostRegistered while a
	// monitor is present.
	AdvertiseHost bool

	// ActivationWhitelist lists sortable names of ayatana items whose primary
	// click is sent as SecondaryActivate.
	ActivationWhitelist []string

	Item    ItemOptions
	Wrapper WrapperOptions
	Logger  *slog.Logger
}

// DefaultWatcherOptions returns the options used by the sn-watcher daemon.
func DefaultWatcherOptions() WatcherOptions {
	return WatcherOptions{
		IdleTimeout:   DefaultIdleTimeout,
		MonitorPrefix: StatusIconMonitorPrefix,
		AdvertiseHost: true,
		Item: ItemOptions{
			PropertyTimeout: DefaultPropertyTimeout,
			IconDebounce:    DefaultIconDebounce,
		},
		Wrapper: WrapperOptions{
			CleanupDelay:     DefaultCleanupDelay,
			FallbackIconSize: FallbackIconSize,
		},
	}
}

// Watcher implements [StatusNotifierWatcher]. Every registered item is
// mirrored onto a [Sink] created by the configured [SinkProvider].
//
// The watcher only stays alive while some consumer of the sinks (a monitor)
// is present on the bus. Without one, it exits after the idle timeout.
//
// [StatusNotifierWatcher]: https://www.freedesktop.org/wiki/Specifications/StatusNotifierItem/StatusNotifierWatcher/
type Watcher struct {
	bus     Bus
	loop    *Loop
	sinks   SinkProvider
	tracker *NameTracker
	log     *slog.Logger
	opts    WatcherOptions
	state   atomic.Int32
	err     error

	// Accessed on the loop only.
	items     map[string]*ItemWrapper
	order     []string
	props     PropertySetter
	idle      *timerSlot
	whitelist map[string]struct{}
}

// NewWatcher returns a new [Watcher]. It does nothing until [Watcher.Run]
// is called.
func NewWatcher(bus Bus, sinks SinkProvider, opts WatcherOptions) *Watcher {
	if opts.MonitorPrefix == "" {
		opts.MonitorPrefix = StatusIconMonitorPrefix
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.Item.Logger == nil {
		opts.Item.Logger = opts.Logger
	}

	if opts.Wrapper.Logger == nil {
		opts.Wrapper.Logger = opts.Logger
	}

	loop := NewLoop()

	w := &Watcher{
		bus:     bus,
		loop:    loop,
		sinks:   sinks,
		tracker: NewNameTracker(bus, loop, opts.Logger),
		log:     opts.Logger,
		opts:    opts,
		items:   make(map[string]*ItemWrapper),
		idle:    newTimerSlot(loop),
	}

	w.whitelist = toSet(opts.ActivationWhitelist)
	w.opts.Wrapper.Whitelisted = w.whitelisted

	return w
}

// Loop returns the loop the watcher runs on.
func (w *Watcher) Loop() *Loop {
	return w.loop
}

// State returns the current state of the watcher. It is safe to call from
// any goroutine.
func (w *Watcher) State() WatcherState {
	return WatcherState(w.state.Load())
}

// Run acquires the watcher name and serves registrations until ctx is done,
// [Watcher.Shutdown] is called or the idle timeout expires. An idle exit is
// not an error.
//
// If the name cannot be acquired, an error wrapping [ErrNameTaken] or the
// bus error is returned.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.start(); err != nil {
		w.state.Store(int32(WatcherClosed))
		w.tracker.Close()
		return err
	}

	w.loop.Run(ctx)
	w.teardown()

	return w.err
}

// Shutdown makes [Watcher.Run] return. It is safe to call from any
// goroutine.
func (w *Watcher) Shutdown() {
	w.loop.Stop()
}

// Items returns the published roster. It returns nil if the watcher is not
// running.
func (w *Watcher) Items() []string {
	var items []string

	if err := w.loop.Call(func() { items = w.roster() }); err != nil {
		return nil
	}

	return items
}

// SetActivationWhitelist replaces the activation whitelist.
func (w *Watcher) SetActivationWhitelist(names []string) {
	set := toSet(names)

	w.loop.Post(func() {
		w.whitelist = set
		w.log.Info("activation whitelist updated", "entries", len(set))
	})
}

func (w *Watcher) whitelisted(name string) bool {
	_, ok := w.whitelist[name]
	return ok
}

func (w *Watcher) start() error {
	reply, err := w.bus.RequestName(StatusNotifierWatcherInterface, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("listen: failed to request name %s: %w", StatusNotifierWatcherInterface, err)
	}

	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("listen: %w: %s", ErrNameTaken, StatusNotifierWatcherInterface)
	}

	w.state.Store(int32(WatcherNameOwned))
	w.log.Debug("name acquired", "name", StatusNotifierWatcherInterface)

	// Subscribe before looking for monitors so none is missed.
	if err := w.tracker.Start(); err != nil {
		w.log.Warn("name tracking disabled, items of exited applications will not be removed", "error", err)
	}

	w.tracker.OnOwnerLost(w.ownerLost)
	w.tracker.OnOwnerAppeared(w.ownerAppeared)

	if w.opts.IdleTimeout > 0 && !w.anyMonitors() {
		w.log.Info("no monitors present, waiting for one", "timeout", w.opts.IdleTimeout)
		w.startCountdown()
		return nil
	}

	return w.export()
}

func (w *Watcher) export() error {
	if err := w.bus.Export(w, StatusNotifierWatcherPath, StatusNotifierWatcherInterface); err != nil {
		return fmt.Errorf("listen: failed to export %s: %w", StatusNotifierWatcherInterface, err)
	}

	props, err := w.bus.ExportProperties(StatusNotifierWatcherPath, prop.Map{
		StatusNotifierWatcherInterface: map[string]*prop.Prop{
			"RegisteredStatusNotifierItems": {
				Value:    w.roster(),
				Writable: false,
				Emit:     prop.EmitTrue,
			},
			"IsStatusNotifierHostRegistered": {
				Value:    w.opts.AdvertiseHost,
				Writable: false,
				Emit:     prop.EmitTrue,
			},
			"ProtocolVersion": {
				Value:    ProtocolVersion,
				Writable: false,
				Emit:     prop.EmitTrue,
			},
		},
	})
	if err != nil {
		w.unexport()
		return fmt.Errorf("listen: failed to export properties: %w", err)
	}

	w.props = props

	node := &introspect.Node{
		Name: StatusNotifierWatcherPath,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			watcherIntrospectData,
		},
	}

	if err := w.bus.Export(introspect.NewIntrospectable(node), StatusNotifierWatcherPath, fdoIntrospectIfc); err != nil {
		w.log.Debug("failed to export introspection", "error", err)
	}

	w.state.Store(int32(WatcherExported))
	w.log.Info("watcher exported", "path", StatusNotifierWatcherPath)

	w.emitHostRegistered()

	return nil
}

func (w *Watcher) unexport() {
	w.bus.Export(nil, StatusNotifierWatcherPath, StatusNotifierWatcherInterface)
	w.bus.Export(nil, StatusNotifierWatcherPath, fdoPropertiesIfc)
	w.bus.Export(nil, StatusNotifierWatcherPath, fdoIntrospectIfc)
	w.props = nil
}

func (w *Watcher) emitHostRegistered() {
	if !w.opts.AdvertiseHost {
		return
	}

	if err := w.bus.Emit(StatusNotifierWatcherPath, StatusNotifierWatcherInterface+".StatusNotifierHostRegistered"); err != nil {
		w.log.Debug("failed to emit StatusNotifierHostRegistered", "error", err)
	}
}

func (w *Watcher) teardown() {
	w.idle.cancel()

	if w.State() == WatcherExported {
		w.unexport()
	}

	w.state.Store(int32(WatcherClosed))
	w.tracker.Close()

	for _, key := range slices.Clone(w.order) {
		w.removeItem(key)
	}

	if _, err := w.bus.ReleaseName(StatusNotifierWatcherInterface); err != nil {
		w.log.Debug("failed to release name", "name", StatusNotifierWatcherInterface, "error", err)
	}

	w.log.Info("watcher stopped")
}

// RegisterStatusNotifierItem registers a StatusNotifierItem. Parameter
// service is either a bus name, in which case the item lives at
// /StatusNotifierItem, or an object path on the connection of the caller.
func (w *Watcher) RegisterStatusNotifierItem(service string, sender dbus.Sender) *dbus.Error {
	var result *dbus.Error

	if err := w.loop.Call(func() {
		result = w.registerItem(service, string(sender))
	}); err != nil {
		return dbus.MakeFailedError(fmt.Errorf("register item: watcher is shutting down: %w", err))
	}

	return result
}

// RegisterStatusNotifierHost is accepted and otherwise ignored. Hosts are
// not tracked.
func (w *Watcher) RegisterStatusNotifierHost(service string, sender dbus.Sender) *dbus.Error {
	w.log.Debug("host registered", "service", service, "sender", sender)
	return nil
}

func (w *Watcher) registerItem(service, sender string) *dbus.Error {
	if w.State() != WatcherExported {
		return dbus.MakeFailedError(fmt.Errorf("register item: %w", ErrClosed))
	}

	key, busName, path := itemKey(service, sender)

	if !IsValidBusName(busName) {
		w.log.Warn("rejected item with invalid bus name", "service", service, "sender", sender)
		return dbus.NewError(errInvalidArgs, []any{fmt.Sprintf("%s: %s", ErrInvalidBusName, busName)})
	}

	if _, exists := w.items[key]; exists {
		w.log.Debug("item already registered", "key", key)
		return nil
	}

	item, err := NewItem(w.bus, w.loop, busName, path, w.opts.Item)
	if err != nil {
		w.log.Warn("failed to register item", "key", key, "error", err)
		return dbus.MakeFailedError(err)
	}

	sink, err := w.sinks.NewSink()
	if err != nil {
		item.Close()
		w.log.Warn("failed to create sink", "key", key, "error", err)
		return dbus.MakeFailedError(err)
	}

	wrapper, err := NewItemWrapper(key, item, sink, w.loop, w.opts.Wrapper)
	if err != nil {
		w.log.Warn("failed to register item", "key", key, "error", err)
		return dbus.MakeFailedError(err)
	}

	w.items[key] = wrapper
	w.order = append(w.order, key)
	w.publish()

	w.log.Info("item registered",
		"key", key,
		"process", ownerProcessName(w.bus, item.UniqueName()),
	)

	if err := w.bus.Emit(StatusNotifierWatcherPath, StatusNotifierWatcherInterface+".StatusNotifierItemRegistered", service); err != nil {
		w.log.Debug("failed to emit StatusNotifierItemRegistered", "error", err)
	}

	return nil
}

func (w *Watcher) removeItem(key string) {
	wrapper, ok := w.items[key]
	if !ok {
		return
	}

	delete(w.items, key)
	w.order = slices.DeleteFunc(w.order, func(k string) bool { return k == key })
	wrapper.Destroy()

	w.log.Info("item removed", "key", key)

	if w.State() != WatcherExported {
		return
	}

	w.publish()

	if err := w.bus.Emit(StatusNotifierWatcherPath, StatusNotifierWatcherInterface+".StatusNotifierItemUnregistered", key); err != nil {
		w.log.Debug("failed to emit StatusNotifierItemUnregistered", "error", err)
	}
}

func (w *Watcher) roster() []string {
	items := make([]string, len(w.order))
	copy(items, w.order)

	return items
}

func (w *Watcher) publish() {
	if w.props == nil {
		return
	}

	w.props.SetMust(StatusNotifierWatcherInterface, "RegisteredStatusNotifierItems", w.roster())
}

func (w *Watcher) setHostRegistered(registered bool) {
	if w.props == nil {
		return
	}

	w.props.SetMust(StatusNotifierWatcherInterface, "IsStatusNotifierHostRegistered", registered && w.opts.AdvertiseHost)
}

func (w *Watcher) ownerLost(change NameOwnerChange) {
	// Every item registered under the name goes away with it.
	for _, key := range slices.Clone(w.order) {
		if busName, _ := splitItemKey(key); busName == change.Name {
			w.log.Debug("item owner left the bus", "key", key, "old_owner", change.OldOwner)
			w.removeItem(key)
		}
	}

	if w.opts.IdleTimeout <= 0 || !strings.HasPrefix(change.Name, w.opts.MonitorPrefix) {
		return
	}

	w.log.Info("lost a monitor, checking for any more", "name", change.Name)

	if w.anyMonitors() {
		return
	}

	w.log.Info("lost the last monitor, starting countdown", "timeout", w.opts.IdleTimeout)
	w.setHostRegistered(false)
	w.startCountdown()
}

func (w *Watcher) ownerAppeared(change NameOwnerChange) {
	if !strings.HasPrefix(change.Name, w.opts.MonitorPrefix) {
		return
	}

	w.log.Info("a monitor appeared on the bus", "name", change.Name)

	pending := w.idle.pending()
	w.idle.cancel()

	switch w.State() {
	case WatcherNameOwned:
		if err := w.export(); err != nil {
			w.err = err
			w.log.Error("failed to export watcher", "error", err)
			w.loop.Stop()
		}
	case WatcherExported:
		if pending {
			w.setHostRegistered(true)
			w.emitHostRegistered()
		}
	}
}

func (w *Watcher) startCountdown() {
	if w.opts.IdleTimeout <= 0 {
		return
	}

	w.idle.schedule(w.opts.IdleTimeout, w.idleExpired)
}

func (w *Watcher) idleExpired() {
	if w.anyMonitors() {
		w.log.Debug("monitor present at the end of countdown, staying")

		if w.State() == WatcherNameOwned {
			if err := w.export(); err != nil {
				w.err = err
				w.loop.Stop()
			}
		}

		return
	}

	w.log.Info("no monitors, exiting", "timeout", w.opts.IdleTimeout)
	w.loop.Stop()
}

// anyMonitors reports whether a monitor is present on the bus. If names
// cannot be listed, monitors are assumed to be present.
func (w *Watcher) anyMonitors() bool {
	names, err := w.bus.ListNames()
	if err != nil {
		w.log.Warn("failed to list names", "error", err)
		return true
	}

	for _, name := range names {
		if strings.HasPrefix(name, w.opts.MonitorPrefix) {
			return true
		}
	}

	return false
}

// itemKey returns the registration key, bus name and object path of an
// item registered as service by sender.
func itemKey(service, sender string) (string, string, dbus.ObjectPath) {
	busName := service
	path := dbus.ObjectPath(StatusNotifierItemPath)

	if strings.HasPrefix(service, "/") {
		busName = sender
		path = dbus.ObjectPath(service)
	}

	return busName + string(path), busName, path
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}

	return set
}

var watcherIntrospectData = introspect.Interface{
	Name: StatusNotifierWatcherInterface,
	Methods: []introspect.Method{
		{
			Name: "RegisterStatusNotifierItem",
			Args: []introspect.Arg{{Name: "service", Type: "s", Direction: "in"}},
		},
		{
			Name: "RegisterStatusNotifierHost",
			Args: []introspect.Arg{{Name: "service", Type: "s", Direction: "in"}},
		},
	},
	Signals: []introspect.Signal{
		{Name: "StatusNotifierItemRegistered", Args: []introspect.Arg{{Name: "service", Type: "s"}}},
		{Name: "StatusNotifierItemUnregistered", Args: []introspect.Arg{{Name: "service", Type: "s"}}},
		{Name: "StatusNotifierHostRegistered"},
	},
	Properties: []introspect.Property{
		{Name: "RegisteredStatusNotifierItems", Type: "as", Access: "read"},
		{Name: "IsStatusNotifierHostRegistered", Type: "b", Access: "read"},
		{Name: "ProtocolVersion", Type: "i", Access: "read"},
	},
}
