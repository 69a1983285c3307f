package systray

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
)

const (
	StatusIconInterface = "org.x.StatusIcon"
	StatusIconBasePath  = "/org/x/StatusIcon"

	// StatusIconMonitorPrefix is the name prefix of applets that display
	// org.x.StatusIcon icons.
	StatusIconMonitorPrefix = "org.x.StatusIconMonitor"

	// DefaultStatusIconName is the bus name icons are published under.
	DefaultStatusIconName = StatusIconInterface + ".sn_watcher"

	objectManagerInterface = "org.freedesktop.DBus.ObjectManager"
	statusIconPathPrefix   = StatusIconBasePath + "/Icon"
)

// StatusIconServer publishes sinks as org.x.StatusIcon objects under
// /org/x/StatusIcon, with an org.freedesktop.DBus.ObjectManager at the base
// path. The bus name is owned while at least one icon exists.
type StatusIconServer struct {
	bus  Bus
	loop *Loop
	log  *slog.Logger
	name string

	mu       sync.Mutex
	icons    map[dbus.ObjectPath]*StatusIcon
	next     int
	owned    bool
	exported bool
}

// NewStatusIconServer returns a new [StatusIconServer]. If name is empty,
// DefaultStatusIconName is used.
func NewStatusIconServer(bus Bus, loop *Loop, name string, logger *slog.Logger) *StatusIconServer {
	if name == "" {
		name = DefaultStatusIconName
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &StatusIconServer{
		bus:   bus,
		loop:  loop,
		log:   logger,
		name:  name,
		icons: make(map[dbus.ObjectPath]*StatusIcon),
	}
}

// Name returns the bus name icons are published under.
func (s *StatusIconServer) Name() string {
	return s.name
}

// NewSink exports a new icon. It implements [SinkProvider].
func (s *StatusIconServer) NewSink() (Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.exportManager(); err != nil {
		return nil, err
	}

	path := dbus.ObjectPath(statusIconPathPrefix)
	if s.next > 0 {
		path = dbus.ObjectPath(fmt.Sprintf("%s_%d", statusIconPathPrefix, s.next))
	}
	s.next++

	icon := newStatusIcon(s, path)

	if err := icon.export(); err != nil {
		icon.unexport()
		return nil, fmt.Errorf("status icon: %w", err)
	}

	s.icons[path] = icon

	if err := s.bus.Emit(StatusIconBasePath, objectManagerInterface+".InterfacesAdded", path, icon.interfaces()); err != nil {
		s.log.Debug("failed to emit InterfacesAdded", "path", path, "error", err)
	}

	if !s.owned {
		reply, err := s.bus.RequestName(s.name, dbus.NameFlagDoNotQueue)
		if err != nil {
			s.log.Warn("failed to request name", "name", s.name, "error", err)
		} else if reply != dbus.RequestNameReplyPrimaryOwner && reply != dbus.RequestNameReplyAlreadyOwner {
			s.log.Warn("name already taken", "name", s.name)
		} else {
			s.owned = true
		}
	}

	return icon, nil
}

// Close removes every icon and releases the bus name.
func (s *StatusIconServer) Close() {
	s.mu.Lock()
	icons := make([]*StatusIcon, 0, len(s.icons))
	for _, icon := range s.icons {
		icons = append(icons, icon)
	}
	s.mu.Unlock()

	for _, icon := range icons {
		icon.Close()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.release()

	if s.exported {
		s.bus.Export(nil, StatusIconBasePath, objectManagerInterface)
		s.bus.Export(nil, StatusIconBasePath, fdoIntrospectIfc)
		s.exported = false
	}
}

// GetManagedObjects implements org.freedesktop.DBus.ObjectManager.
func (s *StatusIconServer) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant, len(s.icons))
	for path, icon := range s.icons {
		objects[path] = icon.interfaces()
	}

	return objects, nil
}

func (s *StatusIconServer) exportManager() error {
	if s.exported {
		return nil
	}

	if err := s.bus.Export(s, StatusIconBasePath, objectManagerInterface); err != nil {
		return fmt.Errorf("status icon: failed to export %s: %w", objectManagerInterface, err)
	}

	node := &introspect.Node{
		Name: StatusIconBasePath,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			objectManagerIntrospectData,
		},
	}

	if err := s.bus.Export(introspect.NewIntrospectable(node), StatusIconBasePath, fdoIntrospectIfc); err != nil {
		return fmt.Errorf("status icon: failed to export introspection: %w", err)
	}

	s.exported = true

	return nil
}

func (s *StatusIconServer) remove(icon *StatusIcon) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.icons[icon.path]; !ok {
		return
	}

	delete(s.icons, icon.path)

	if err := s.bus.Emit(StatusIconBasePath, objectManagerInterface+".InterfacesRemoved", icon.path, []string{StatusIconInterface}); err != nil {
		s.log.Debug("failed to emit InterfacesRemoved", "path", icon.path, "error", err)
	}

	if len(s.icons) == 0 {
		s.release()
	}
}

func (s *StatusIconServer) release() {
	if !s.owned {
		return
	}

	if _, err := s.bus.ReleaseName(s.name); err != nil {
		s.log.Debug("failed to release name", "name", s.name, "error", err)
	}

	s.owned = false
}

// StatusIcon is a single org.x.StatusIcon object. It implements [Sink].
type StatusIcon struct {
	server *StatusIconServer
	path   dbus.ObjectPath
	props  PropertySetter

	mu     sync.Mutex
	values map[string]any

	// Accessed on the loop only.
	closed    bool
	iconSize  int
	havePress bool
	onPress   emitter[ButtonEvent]
	onRelease emitter[ButtonEvent]
	onScroll  emitter[ScrollEvent]
	onSize    emitter[int]
}

func newStatusIcon(server *StatusIconServer, path dbus.ObjectPath) *StatusIcon {
	return &StatusIcon{
		server: server,
		path:   path,
		values: map[string]any{
			"Name":                "",
			"IconName":            "",
			"TooltipText":         "",
			"Label":               "",
			"Visible":             false,
			"IconSize":            int32(0),
			"PrimaryMenuIsOpen":   false,
			"SecondaryMenuIsOpen": false,
			"Metadata":            encodeMetadata(nil),
		},
	}
}

// Path returns the object path of the icon.
func (icon *StatusIcon) Path() dbus.ObjectPath {
	return icon.path
}

func (icon *StatusIcon) export() error {
	bus := icon.server.bus

	if err := bus.Export(icon, icon.path, StatusIconInterface); err != nil {
		return fmt.Errorf("failed to export %s: %w", icon.path, err)
	}

	props := make(map[string]*prop.Prop, len(icon.values))
	for name, value := range icon.values {
		props[name] = &prop.Prop{
			Value:    value,
			Writable: false,
			Emit:     prop.EmitTrue,
		}
	}

	props["IconSize"].Writable = true
	props["IconSize"].Callback = icon.iconSizeChanged

	for _, name := range []string{"PrimaryMenuIsOpen", "SecondaryMenuIsOpen"} {
		props[name].Writable = true
		props[name].Callback = icon.menuStateChanged
	}

	setter, err := bus.ExportProperties(icon.path, prop.Map{StatusIconInterface: props})
	if err != nil {
		return fmt.Errorf("failed to export properties of %s: %w", icon.path, err)
	}

	icon.props = setter

	node := &introspect.Node{
		Name: string(icon.path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			statusIconIntrospectData,
		},
	}

	if err := bus.Export(introspect.NewIntrospectable(node), icon.path, fdoIntrospectIfc); err != nil {
		return fmt.Errorf("failed to export introspection of %s: %w", icon.path, err)
	}

	return nil
}

func (icon *StatusIcon) unexport() {
	bus := icon.server.bus

	bus.Export(nil, icon.path, StatusIconInterface)
	bus.Export(nil, icon.path, fdoPropertiesIfc)
	bus.Export(nil, icon.path, fdoIntrospectIfc)
}

func (icon *StatusIcon) interfaces() map[string]map[string]dbus.Variant {
	icon.mu.Lock()
	defer icon.mu.Unlock()

	props := make(map[string]dbus.Variant, len(icon.values))
	for name, value := range icon.values {
		props[name] = dbus.MakeVariant(value)
	}

	return map[string]map[string]dbus.Variant{StatusIconInterface: props}
}

func (icon *StatusIcon) set(name string, value any) {
	icon.mu.Lock()
	if icon.values[name] == value {
		icon.mu.Unlock()
		return
	}
	icon.values[name] = value
	icon.mu.Unlock()

	if icon.props != nil {
		icon.props.SetMust(StatusIconInterface, name, value)
	}
}

func (icon *StatusIcon) SetName(name string)        { icon.set("Name", name) }
func (icon *StatusIcon) SetVisible(visible bool)    { icon.set("Visible", visible) }
func (icon *StatusIcon) SetIconName(name string)    { icon.set("IconName", name) }
func (icon *StatusIcon) SetTooltipText(text string) { icon.set("TooltipText", text) }
func (icon *StatusIcon) SetLabel(label string)      { icon.set("Label", label) }

// iconMetadata tells applets where the menu of an icon lives. Applets read
// highlight-both-menus unconditionally, so Metadata is never empty.
type iconMetadata struct {
	HighlightBothMenus bool   `json:"highlight-both-menus"`
	MenuBusName        string `json:"menu-bus-name,omitempty"`
	MenuObjectPath     string `json:"menu-object-path,omitempty"`
}

func encodeMetadata(menu *Menu) string {
	var meta iconMetadata

	if menu != nil {
		meta.MenuBusName = menu.BusName()
		meta.MenuObjectPath = string(menu.Path())
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return `{"highlight-both-menus":false}`
	}

	return string(data)
}

// SetSecondaryMenu publishes the location of menu in the Metadata property.
// A nil menu clears it.
func (icon *StatusIcon) SetSecondaryMenu(menu *Menu) {
	icon.set("Metadata", encodeMetadata(menu))
}

// IconSize returns the size last set by a monitor.
func (icon *StatusIcon) IconSize() int {
	return icon.iconSize
}

func (icon *StatusIcon) OnButtonPress(fn func(ButtonEvent))   { icon.onPress.connect(fn) }
func (icon *StatusIcon) OnButtonRelease(fn func(ButtonEvent)) { icon.onRelease.connect(fn) }
func (icon *StatusIcon) OnScroll(fn func(ScrollEvent))        { icon.onScroll.connect(fn) }
func (icon *StatusIcon) OnIconSizeChanged(fn func(int))       { icon.onSize.connect(fn) }

// Close unexports the icon.
func (icon *StatusIcon) Close() {
	if icon.closed {
		return
	}

	icon.closed = true
	icon.onPress.disconnectAll()
	icon.onRelease.disconnectAll()
	icon.onScroll.disconnectAll()
	icon.onSize.disconnectAll()

	icon.unexport()
	icon.server.remove(icon)
}

// ButtonPress is called by monitors when the icon is pressed.
func (icon *StatusIcon) ButtonPress(x, y int32, button, time uint32, panelPosition int32) *dbus.Error {
	event := ButtonEvent{X: x, Y: y, Button: button, Time: time, PanelPosition: panelPosition}

	icon.server.loop.Post(func() {
		if icon.closed {
			return
		}

		icon.havePress = true
		icon.onPress.emit(event)
	})

	return nil
}

// ButtonRelease is called by monitors when the icon is released. Releases
// without a matching press are ignored.
func (icon *StatusIcon) ButtonRelease(x, y int32, button, time uint32, panelPosition int32) *dbus.Error {
	event := ButtonEvent{X: x, Y: y, Button: button, Time: time, PanelPosition: panelPosition}

	icon.server.loop.Post(func() {
		if icon.closed || !icon.havePress {
			return
		}

		icon.havePress = false
		icon.onRelease.emit(event)
	})

	return nil
}

// Scroll is called by monitors when the mouse wheel is used over the icon.
func (icon *StatusIcon) Scroll(delta int32, direction int32, time uint32) *dbus.Error {
	if direction < 0 || direction > int32(ScrollRight) {
		return dbus.NewError(errInvalidArgs, []any{fmt.Sprintf("invalid scroll direction %d", direction)})
	}

	event := ScrollEvent{Delta: delta, Direction: ScrollDirection(direction), Time: time}

	icon.server.loop.Post(func() {
		if icon.closed {
			return
		}

		icon.onScroll.emit(event)
	})

	return nil
}

func (icon *StatusIcon) iconSizeChanged(change *prop.Change) *dbus.Error {
	size, ok := change.Value.(int32)
	if !ok || size < 0 {
		return dbus.NewError(errInvalidArgs, []any{"IconSize must be a non-negative int32"})
	}

	icon.mu.Lock()
	icon.values["IconSize"] = size
	icon.mu.Unlock()

	icon.server.loop.Post(func() {
		if icon.closed || icon.iconSize == int(size) {
			return
		}

		icon.iconSize = int(size)
		icon.onSize.emit(int(size))
	})

	return nil
}

func (icon *StatusIcon) menuStateChanged(change *prop.Change) *dbus.Error {
	open, ok := change.Value.(bool)
	if !ok {
		return dbus.NewError(errInvalidArgs, []any{change.Name + " must be a boolean"})
	}

	icon.mu.Lock()
	icon.values[change.Name] = open
	icon.mu.Unlock()

	return nil
}

var objectManagerIntrospectData = introspect.Interface{
	Name: objectManagerInterface,
	Methods: []introspect.Method{
		{
			Name: "GetManagedObjects",
			Args: []introspect.Arg{
				{Name: "objects", Type: "a{oa{sa{sv}}}", Direction: "out"},
			},
		},
	},
	Signals: []introspect.Signal{
		{
			Name: "InterfacesAdded",
			Args: []introspect.Arg{
				{Name: "object", Type: "o"},
				{Name: "interfaces", Type: "a{sa{sv}}"},
			},
		},
		{
			Name: "InterfacesRemoved",
			Args: []introspect.Arg{
				{Name: "object", Type: "o"},
				{Name: "interfaces", Type: "as"},
			},
		},
	},
}

var statusIconIntrospectData = introspect.Interface{
	Name: StatusIconInterface,
	Methods: []introspect.Method{
		{
			Name: "ButtonPress",
			Args: []introspect.Arg{
				{Name: "x", Type: "i", Direction: "in"},
				{Name: "y", Type: "i", Direction: "in"},
				{Name: "button", Type: "u", Direction: "in"},
				{Name: "time", Type: "u", Direction: "in"},
				{Name: "panel_position", Type: "i", Direction: "in"},
			},
		},
		{
			Name: "ButtonRelease",
			Args: []introspect.Arg{
				{Name: "x", Type: "i", Direction: "in"},
				{Name: "y", Type: "i", Direction: "in"},
				{Name: "button", Type: "u", Direction: "in"},
				{Name: "time", Type: "u", Direction: "in"},
				{Name: "panel_position", Type: "i", Direction: "in"},
			},
		},
		{
			Name: "Scroll",
			Args: []introspect.Arg{
				{Name: "delta", Type: "i", Direction: "in"},
				{Name: "direction", Type: "i", Direction: "in"},
				{Name: "time", Type: "u", Direction: "in"},
			},
		},
	},
	Properties: []introspect.Property{
		{Name: "Name", Type: "s", Access: "read"},
		{Name: "IconName", Type: "s", Access: "read"},
		{Name: "TooltipText", Type: "s", Access: "read"},
		{Name: "Label", Type: "s", Access: "read"},
		{Name: "Visible", Type: "b", Access: "read"},
		{Name: "IconSize", Type: "i", Access: "readwrite"},
		{Name: "PrimaryMenuIsOpen", Type: "b", Access: "readwrite"},
		{Name: "SecondaryMenuIsOpen", Type: "b", Access: "readwrite"},
		{Name: "Metadata", Type: "s", Access: "read"},
	},
}
