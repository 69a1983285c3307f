package systray

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/godbus/dbus/v5"
)

const (
	StatusNotifierItemInterface = "org.kde.StatusNotifierItem"
	StatusNotifierItemPath      = "/StatusNotifierItem"

	// AyatanaItemPathPrefix is the object path prefix used by
	// libayatana-appindicator items.
	AyatanaItemPathPrefix = "/org/ayatana/NotificationItem/"
)

const (
	DefaultPropertyTimeout = 5 * time.Second
	DefaultIconDebounce    = 25 * time.Millisecond
)

type ItemCategory string

// StatusNotifierItem categories.
const (
	// The item describes the status of a generic application, for instance the
	// current state of a media player.
	ItemCategoryApplicationStatus ItemCategory = "ApplicationStatus"

	// The item describes the status of communication oriented applications, like
	// an instant messenger or an email client.
	ItemCategoryCommunications ItemCategory = "Communications"

	// The item describes services of the system not seen as a stand alone
	// application by the user, such as an indicator for the activity of a disk
	// indexing service.
	ItemCategorySystemServices ItemCategory = "SystemServices"

	// The item describes the state and control of a particular hardware, such as
	// an indicator of the battery charge or sound card volume control.
	ItemCategoryHardware ItemCategory = "Hardware"
)

type ItemStatus string

// StatusNotifierItem statuses.
const (
	// The item doesn't convey important information to the user, it can be
	// considered an "idle" status and is likely that visualizations will choose
	// to hide it.
	ItemStatusPassive ItemStatus = "Passive"

	// The item is active, is more important that the item will be shown in some
	// way to the user.
	ItemStatusActive ItemStatus = "Active"

	// The item carries really important information for the user, such as battery
	// charge running out and is wants to incentive the direct user intervention.
	// Visualizations should emphasize in some way the items with NeedsAttention
	// status.
	ItemStatusNeedsAttention ItemStatus = "NeedsAttention"
)

// Mouse buttons as reported by the sink.
const (
	ButtonPrimary   uint32 = 1
	ButtonMiddle    uint32 = 2
	ButtonSecondary uint32 = 3
)

const getProperty = fdoPropertiesIfc + ".Get"

// ToolTip is the value of the ToolTip property.
type ToolTip struct {
	IconName    string
	Icon        IconSet
	Title       string
	Description string
}

// ItemOptions configures [NewItem].
type ItemOptions struct {
	// Timeout of a single property read. Defaults to DefaultPropertyTimeout.
	PropertyTimeout time.Duration

	// Window in which icon change signals are coalesced. Defaults to
	// DefaultIconDebounce.
	IconDebounce time.Duration

	Logger *slog.Logger
}

// Item is a proxy to a remote [StatusNotifierItem].
//
// Properties are not cached: every accessor is a round trip to the remote
// application, because many of them never emit change signals for
// everything they change. A failed read degrades to the documented default
// of the accessor.
//
// Except for construction, Item must only be used from the loop.
//
// [StatusNotifierItem]: https://www.freedesktop.org/wiki/Specifications/StatusNotifierItem/StatusNotifierItem/
type Item struct {
	bus        Bus
	loop       *Loop
	log        *slog.Logger
	object     dbus.BusObject
	busName    string
	uniqueName string
	path       dbus.ObjectPath
	timeout    time.Duration
	debounce   time.Duration
	signals    chan *dbus.Signal
	done       chan struct{}

	ready      bool
	static     bool
	closed     bool
	lastStatus ItemStatus
	iconTimer  *timerSlot

	onReady         emitter[struct{}]
	onUpdateIcon    emitter[struct{}]
	onUpdateStatus  emitter[ItemStatus]
	onUpdateMenu    emitter[struct{}]
	onUpdateTooltip emitter[struct{}]
}

// NewItem connects to the item exported by busName at path.
//
// It resolves the unique name owning busName and checks that the object
// answers property reads. An item that merely lacks the requested property is
// accepted; one that does not answer at all is an error.
func NewItem(bus Bus, loop *Loop, busName string, path dbus.ObjectPath, opts ItemOptions) (*Item, error) {
	if opts.PropertyTimeout <= 0 {
		opts.PropertyTimeout = DefaultPropertyTimeout
	}

	if opts.IconDebounce <= 0 {
		opts.IconDebounce = DefaultIconDebounce
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	uniqueName, err := bus.NameOwner(busName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve item %s%s: %w", busName, path, err)
	}

	item := &Item{
		bus:        bus,
		loop:       loop,
		log:        opts.Logger.With("item", busName+string(path)),
		object:     bus.Object(busName, path),
		busName:    busName,
		uniqueName: uniqueName,
		path:       path,
		timeout:    opts.PropertyTimeout,
		debounce:   opts.IconDebounce,
		signals:    make(chan *dbus.Signal, 128),
		done:       make(chan struct{}),
		lastStatus: ItemStatusActive,
		iconTimer:  newTimerSlot(loop),
	}

	// Check whether properties can be retrieved.
	if _, err := item.get("Status"); err != nil && !isBenignPropertyError(err) {
		return nil, fmt.Errorf("failed to resolve item %s%s: %w", busName, path, err)
	}

	return item, nil
}

// newStaticItem returns an item for one-off property reads. It never
// subscribes to signals, so it needs no loop and is ready right away.
// Listeners and actions are not usable on it.
func newStaticItem(bus Bus, busName string, path dbus.ObjectPath, timeout time.Duration) (*Item, error) {
	item, err := NewItem(bus, nil, busName, path, ItemOptions{PropertyTimeout: timeout})
	if err != nil {
		return nil, err
	}

	item.ready = true
	item.static = true

	return item, nil
}

// BusName returns the bus name the item was registered with.
func (item *Item) BusName() string {
	return item.busName
}

// UniqueName returns the unique name of the connection owning the item.
func (item *Item) UniqueName() string {
	return item.uniqueName
}

// Path returns the object path of the item.
func (item *Item) Path() dbus.ObjectPath {
	return item.path
}

// IsAyatana reports whether the item is published by libayatana-appindicator.
func (item *Item) IsAyatana() bool {
	return strings.HasPrefix(string(item.path), AyatanaItemPathPrefix)
}

// Start subscribes to the change signals of the item and makes it ready.
// Listeners registered with [Item.OnReady] run before Start returns.
func (item *Item) Start() error {
	if item.closed {
		return fmt.Errorf("start: %w", ErrClosed)
	}

	if item.ready {
		return nil
	}

	if err := item.bus.AddMatchSignal(item.matchOptions()...); err != nil {
		return fmt.Errorf("start: failed to subscribe to signals of %s: %w", item.busName, err)
	}

	item.bus.Signal(item.signals)
	go item.receive()

	item.ready = true
	item.onReady.emit(struct{}{})

	return nil
}

// Ready reports whether [Item.Start] succeeded and the item is not closed.
func (item *Item) Ready() bool {
	return item.ready && !item.closed
}

// OnReady registers a listener for the transition to ready.
func (item *Item) OnReady(fn func()) int {
	return item.onReady.connect(func(struct{}) { fn() })
}

// OnUpdateIcon registers a listener for icon changes. A burst of icon
// related signals results in a single notification.
func (item *Item) OnUpdateIcon(fn func()) int {
	return item.onUpdateIcon.connect(func(struct{}) { fn() })
}

// OnUpdateStatus registers a listener for NewStatus. The argument is the
// status carried by the signal.
func (item *Item) OnUpdateStatus(fn func(status ItemStatus)) int {
	return item.onUpdateStatus.connect(fn)
}

// OnUpdateMenu registers a listener for NewMenu.
func (item *Item) OnUpdateMenu(fn func()) int {
	return item.onUpdateMenu.connect(func(struct{}) { fn() })
}

// OnUpdateTooltip registers a listener for changes of anything shown in the
// tooltip: NewToolTip, NewTitle and XAyatanaNewLabel.
func (item *Item) OnUpdateTooltip(fn func()) int {
	return item.onUpdateTooltip.connect(func(struct{}) { fn() })
}

// Disconnect removes every listener registered on the item.
func (item *Item) Disconnect() {
	item.onReady.disconnectAll()
	item.onUpdateIcon.disconnectAll()
	item.onUpdateStatus.disconnectAll()
	item.onUpdateMenu.disconnectAll()
	item.onUpdateTooltip.disconnectAll()
}

// Close cancels a pending icon notification and removes signal handlers
// associated with this item.
//
// This method must be called when item is being unregistered.
func (item *Item) Close() {
	if item.closed {
		return
	}

	item.closed = true
	item.iconTimer.cancel()
	item.Disconnect()

	if !item.ready || item.static {
		return
	}

	item.bus.RemoveSignal(item.signals)
	item.bus.RemoveMatchSignal(item.matchOptions()...)

	// The connection owns the signal channel once registered and closes it
	// on disconnect, so only the receiver is stopped here.
	close(item.done)
}

func (item *Item) matchOptions() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchInterface(StatusNotifierItemInterface),
		dbus.WithMatchSender(item.uniqueName),
		dbus.WithMatchObjectPath(item.path),
	}
}

func (item *Item) receive() {
	for {
		var signal *dbus.Signal

		select {
		case <-item.done:
			return
		case s, ok := <-item.signals:
			if !ok {
				return
			}
			signal = s
		}

		if signal.Sender != item.uniqueName || signal.Path != item.path {
			continue
		}

		if !strings.HasPrefix(signal.Name, StatusNotifierItemInterface+".") {
			continue
		}

		item.loop.Post(func() {
			item.handleSignal(signal)
		})
	}
}

// handleSignal translates raw item signals into update notifications.
func (item *Item) handleSignal(signal *dbus.Signal) {
	if !item.Ready() {
		return
	}

	member := strings.TrimPrefix(signal.Name, StatusNotifierItemInterface+".")

	switch member {
	case "NewIcon", "NewAttentionIcon", "NewOverlayIcon", "NewIconThemePath":
		item.iconTimer.schedule(item.debounce, func() {
			if item.Ready() {
				item.onUpdateIcon.emit(struct{}{})
			}
		})
	case "NewStatus":
		// Some items emit NewStatus while being disposed, after which Status
		// can no longer be read.
		if len(signal.Body) > 0 {
			if status, ok := signal.Body[0].(string); ok && status != "" {
				item.lastStatus = ItemStatus(status)
			}
		}
		item.onUpdateStatus.emit(item.lastStatus)
	case "NewMenu":
		item.onUpdateMenu.emit(struct{}{})
	case "NewToolTip", "NewTitle", "XAyatanaNewLabel":
		item.onUpdateTooltip.emit(struct{}{})
	}
}

// get reads a single property of the item.
func (item *Item) get(name string) (dbus.Variant, error) {
	ctx, cancel := context.WithTimeout(context.Background(), item.timeout)
	defer cancel()

	var value dbus.Variant

	err := item.object.CallWithContext(ctx, getProperty, 0, StatusNotifierItemInterface, name).Store(&value)
	if err != nil {
		return dbus.Variant{}, err
	}

	return value, nil
}

// GetProperty returns the value of property name, or fallback if the item is
// not ready, does not implement the property, or could not be reached.
func (item *Item) GetProperty(name string, fallback any) any {
	if !item.Ready() {
		return fallback
	}

	value, err := item.get(name)
	if err != nil {
		if !isBenignPropertyError(err) {
			item.log.Debug("failed to get property", "property", name, "error", err)
		}

		return fallback
	}

	return value.Value()
}

func (item *Item) stringProperty(name, fallback string) string {
	switch v := item.GetProperty(name, fallback).(type) {
	case string:
		if v == "" {
			return fallback
		}
		return v
	case dbus.ObjectPath:
		if v == "" {
			return fallback
		}
		return string(v)
	default:
		return fallback
	}
}

func (item *Item) iconSetProperty(name string) IconSet {
	value := item.GetProperty(name, nil)
	if value == nil {
		return nil
	}

	set, err := NewIconSetFromDBusProperty(value)
	if err != nil {
		return nil
	}

	return set
}

// Category returns category of the item. Defaults to
// ItemCategoryApplicationStatus.
func (item *Item) Category() ItemCategory {
	return ItemCategory(item.stringProperty("Category", string(ItemCategoryApplicationStatus)))
}

// ID returns unique identifier of the application, such as the application
// name.
func (item *Item) ID() string {
	return item.stringProperty("Id", "")
}

// Title returns name that describes the application. It can be more
// descriptive than [Item.ID].
func (item *Item) Title() string {
	return item.stringProperty("Title", "")
}

// Status returns status of the item. If it cannot be read, the status last
// announced with NewStatus is returned.
func (item *Item) Status() ItemStatus {
	return ItemStatus(item.stringProperty("Status", string(item.lastStatus)))
}

// WindowID returns windowing-system dependent identifier of the item.
func (item *Item) WindowID() uint32 {
	switch v := item.GetProperty("WindowId", uint32(0)).(type) {
	case uint32:
		return v
	case int32:
		return uint32(v)
	default:
		return 0
	}
}

// MenuPath returns D-Bus path to an object which implements the
// com.canonical.dbusmenu interface. Empty if the item has no menu.
func (item *Item) MenuPath() dbus.ObjectPath {
	path := item.stringProperty("Menu", "")
	if path == "/" {
		return ""
	}

	return dbus.ObjectPath(path)
}

// Menu returns [Menu] object associated with item.
func (item *Item) Menu() (*Menu, error) {
	path := item.MenuPath()
	if path == "" {
		return nil, fmt.Errorf("menu: item %s has no menu", item.busName)
	}

	return NewMenu(item.bus, item.uniqueName, path)
}

// ItemIsMenu reports whether the item only supports context menu.
// Visualizations should prefer to show the menu instead of calling
// [Item.Activate].
func (item *Item) ItemIsMenu() bool {
	v, _ := item.GetProperty("ItemIsMenu", false).(bool)
	return v
}

// IconThemePath returns an additional path to look for icons in.
func (item *Item) IconThemePath() string {
	return item.stringProperty("IconThemePath", "")
}

// IconName returns a [Freedesktop-compliant] icon name or an absolute path
// to the icon.
//
// [Freedesktop-compliant]: https://specifications.freedesktop.org/icon-naming-spec/latest/
func (item *Item) IconName() string {
	return item.stringProperty("IconName", "")
}

// IconPixmap returns binary representation of the icon.
func (item *Item) IconPixmap() IconSet {
	return item.iconSetProperty("IconPixmap")
}

// AttentionIconName returns name of the icon that can be used to indicate
// that the item needs attention.
func (item *Item) AttentionIconName() string {
	return item.stringProperty("AttentionIconName", "")
}

// AttentionIconPixmap returns binary representation of the attention icon.
func (item *Item) AttentionIconPixmap() IconSet {
	return item.iconSetProperty("AttentionIconPixmap")
}

// OverlayIconName returns name of the icon that indicates extra information
// and can be drawn over the main icon.
func (item *Item) OverlayIconName() string {
	return item.stringProperty("OverlayIconName", "")
}

// OverlayIconPixmap returns binary representation of the overlay icon.
func (item *Item) OverlayIconPixmap() IconSet {
	return item.iconSetProperty("OverlayIconPixmap")
}

// AyatanaLabel returns the label of libayatana-appindicator items.
func (item *Item) AyatanaLabel() string {
	return item.stringProperty("XAyatanaLabel", "")
}

// ToolTip returns the ToolTip property. The second result is false if the
// item has no tooltip or it has unexpected format.
func (item *Item) ToolTip() (ToolTip, bool) {
	// Format of tooltip is as follows
	//
	//  [<icon-name>, <icon>, <title>, <description>]
	value, ok := item.GetProperty("ToolTip", nil).([]any)
	if !ok || len(value) != 4 {
		return ToolTip{}, false
	}

	var tooltip ToolTip

	if tooltip.IconName, ok = value[0].(string); !ok {
		return ToolTip{}, false
	}

	if tooltip.Title, ok = value[2].(string); !ok {
		return ToolTip{}, false
	}

	if tooltip.Description, ok = value[3].(string); !ok {
		return ToolTip{}, false
	}

	tooltip.Icon, _ = NewIconSetFromDBusProperty(value[1])

	return tooltip, true
}

// Tooltip returns the text to show in a tooltip. In order of preference it
// is the ayatana label, the ToolTip title and description, the title with
// the first letter capitalized, or an empty string.
func (item *Item) Tooltip() string {
	if item.IsAyatana() {
		if label := item.AyatanaLabel(); label != "" {
			return label
		}
	}

	if tooltip, ok := item.ToolTip(); ok && tooltip.Title != "" {
		if tooltip.Description != "" {
			return tooltip.Title + "\n" + tooltip.Description
		}

		return tooltip.Title
	}

	return capitalize(item.Title())
}

// Activate asks the status notifier item for activation. The application will
// perform any task is considered appropriate as an activation request.
//
// For the primary button, Activate is called synchronously and
// SecondaryActivate is called if it fails, since some applications only
// implement the latter. For the middle button SecondaryActivate is called.
// Other buttons are ignored.
//
// The x and y parameters are in screen coordinates and is to be considered a
// hint to the item where to show eventual windows (if any).
func (item *Item) Activate(button uint32, x, y int32) {
	if !item.Ready() {
		return
	}

	switch button {
	case ButtonPrimary:
		ctx, cancel := context.WithTimeout(context.Background(), item.timeout)
		defer cancel()

		call := item.object.CallWithContext(ctx, StatusNotifierItemInterface+".Activate", 0, x, y)
		if call.Err != nil {
			item.log.Debug("activate failed, trying secondary activate", "error", call.Err)
			item.SecondaryActivate(x, y)
		}
	case ButtonMiddle:
		item.SecondaryActivate(x, y)
	}
}

// SecondaryActivate is to be considered a secondary and less important form of
// activation compared to Activate.
//
// This is typically a consequence of user input, such as mouse middle click
// over the graphical representation of the item.
func (item *Item) SecondaryActivate(x, y int32) {
	item.send("SecondaryActivate", x, y)
}

// ShowContextMenu asks the status notifier item to show a context menu. Only
// the secondary button opens the menu.
//
// The x and y parameters are in screen coordinates and is to be considered a
// hint to the item about where to show the context menu.
func (item *Item) ShowContextMenu(button uint32, x, y int32) {
	if button != ButtonSecondary {
		return
	}

	item.send("ContextMenu", x, y)
}

// Scroll emits a scroll event on the status notifier item.
//
// The delta parameter represent the amount of scroll. The orientation
// parameter represent orientation of the scroll request and its valid values
// are "horizontal" and "vertical".
func (item *Item) Scroll(delta int32, orientation string) {
	item.send("Scroll", delta, orientation)
}

// send calls method without waiting for a reply.
func (item *Item) send(method string, args ...any) {
	if !item.Ready() {
		return
	}

	call := item.object.Go(StatusNotifierItemInterface+"."+method, dbus.FlagNoReplyExpected, nil, args...)
	if call != nil && call.Err != nil {
		item.log.Debug("call failed", "method", method, "error", call.Err)
	}
}

// splitItemKey returns bus name and object path of the item from its
// registration key.
//
// Format of the key is "<busName><objectPath>", e.g.
// ":1.185/StatusNotifierItem".
func splitItemKey(key string) (string, dbus.ObjectPath) {
	busName, objectPath, ok := strings.Cut(key, "/")
	if !ok {
		return busName, StatusNotifierItemPath
	}

	return busName, dbus.ObjectPath("/" + objectPath)
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}

	return string(unicode.ToUpper(r)) + s[size:]
}
