package systray

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
)

const MenuInterface = "com.canonical.dbusmenu"

// Menu is a menu associated with [Item]. It implements the
// com.canonical.dbusmenu interface.
//
// The bridge never renders menus itself: a [Menu] is attached to a [Sink]
// which tells its consumers where to find it.
type Menu struct {
	name    string
	path    dbus.ObjectPath
	object  dbus.BusObject
	timeout time.Duration

	// Version of the com.canonical.dbusmenu interface.
	Version uint32

	// Status of the application, whether it requires attention. Possible values
	// are "normal" (for most cases) and "notice" (a higher priority to be shown).
	Status string
}

// NewMenu retrieves menu of item with specified name and path.
func NewMenu(bus Bus, name string, path dbus.ObjectPath) (*Menu, error) {
	menu := &Menu{
		name:    name,
		path:    path,
		object:  bus.Object(name, path),
		timeout: DefaultPropertyTimeout,
	}

	// Check whether properties can be retrieved.
	version, err := menu.get("Version")
	if err != nil && !isBenignPropertyError(err) {
		return nil, fmt.Errorf("failed to retrieve menu %s%s: %w", name, path, err)
	}

	if err == nil {
		version.Store(&menu.Version)
	}

	if status, err := menu.get("Status"); err == nil {
		status.Store(&menu.Status)
	}

	return menu, nil
}

// BusName returns name of the connection exporting the menu.
func (m *Menu) BusName() string {
	return m.name
}

// Path returns object path of the menu.
func (m *Menu) Path() dbus.ObjectPath {
	return m.path
}

func (m *Menu) get(property string) (dbus.Variant, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var value dbus.Variant

	err := m.object.CallWithContext(ctx, getProperty, 0, MenuInterface, property).Store(&value)

	return value, err
}

// GetLayout provides the layout and propertiers that are attached to the
// entries that are in the layout.
//
// parentID is the ID of the parent node for the returned layout. Use 0 to
// retrieve layout from root.
//
// recursionDepth is the number of recursion levels to use. This affects the
// resulting [LayoutNode]. Special cases are:
//   - -1: deliver all items (without recursion limit).
//   - 0: disable recursion (children slice will be empty).
//
// propertyNames is the list of properties associated with layout nodes.
// Special case is empty slice (or nil): all properties are returned.
func (m *Menu) GetLayout(parentID int32, recursionDepth int32, propertyNames []string) (uint32, *LayoutNode, error) {
	if propertyNames == nil {
		propertyNames = []string{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	call := m.object.CallWithContext(ctx,
		MenuInterface+".GetLayout",
		0,
		parentID, recursionDepth, propertyNames,
	)

	if call.Err != nil {
		return 0, nil, fmt.Errorf("layout: %w", call.Err)
	}

	if len(call.Body) != 2 {
		return 0, nil, fmt.Errorf("layout: invalid response body format")
	}

	revision, ok := call.Body[0].(uint32)
	if !ok {
		return 0, nil, fmt.Errorf("layout: invalid revision type")
	}

	menu, err := NewLayoutNode(call.Body[1])
	if err != nil {
		return revision, nil, fmt.Errorf("layout: %w", err)
	}

	return revision, menu, nil
}

// AboutToShow tells the application that the layout node with the given ID
// is about to be shown. Applications that fill their menus lazily do so in response, and
// report whether the layout changed.
func (m *Menu) AboutToShow(id int32) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var needUpdate bool

	err := m.object.CallWithContext(ctx, MenuInterface+".AboutToShow", 0, id).Store(&needUpdate)
	if err != nil {
		return false, fmt.Errorf("about to show: %w", err)
	}

	return needUpdate, nil
}
