package systray

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
)

// WatcherReport is a snapshot of the StatusNotifierWatcher present on the
// bus and of every item it advertises.
type WatcherReport struct {
	Owner           string       `yaml:"owner"`
	HostRegistered  bool         `yaml:"host_registered"`
	ProtocolVersion int32        `yaml:"protocol_version"`
	Items           []ItemReport `yaml:"items"`
}

// ItemReport describes a single registered item.
type ItemReport struct {
	Key               string       `yaml:"key"`
	UniqueName        string       `yaml:"unique_name,omitempty"`
	Process           *ProcessInfo `yaml:"process,omitempty"`
	ID                string       `yaml:"id,omitempty"`
	Title             string       `yaml:"title,omitempty"`
	Category          ItemCategory `yaml:"category,omitempty"`
	Status            ItemStatus   `yaml:"status,omitempty"`
	Tooltip           string       `yaml:"tooltip,omitempty"`
	IconName          string       `yaml:"icon_name,omitempty"`
	IconThemePath     string       `yaml:"icon_theme_path,omitempty"`
	IconPixmaps       []string     `yaml:"icon_pixmaps,omitempty"`
	AttentionIconName string       `yaml:"attention_icon_name,omitempty"`
	OverlayIconName   string       `yaml:"overlay_icon_name,omitempty"`
	ItemIsMenu        bool         `yaml:"item_is_menu"`
	WindowID          uint32       `yaml:"window_id,omitempty"`
	Menu              string       `yaml:"menu,omitempty"`
	MenuLayout        *LayoutNode  `yaml:"menu_layout,omitempty"`
	Error             string       `yaml:"error,omitempty"`
}

// InspectOptions configures [Inspect].
type InspectOptions struct {
	// Menus enables fetching the full layout of item menus.
	Menus bool

	// Timeout of a single property read. Defaults to DefaultPropertyTimeout.
	Timeout time.Duration
}

// Inspect reads the roster of the watcher on the bus and queries every item
// in it. Items that cannot be queried are reported with Error set.
func Inspect(bus Bus, opts InspectOptions) (*WatcherReport, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultPropertyTimeout
	}

	owner, err := bus.NameOwner(StatusNotifierWatcherInterface)
	if err != nil {
		return nil, fmt.Errorf("inspect: no watcher on the bus: %w", err)
	}

	watcherObj := bus.Object(StatusNotifierWatcherInterface, StatusNotifierWatcherPath)

	report := &WatcherReport{Owner: owner}

	var registeredItems []string

	if err := watcherProperty(watcherObj, opts.Timeout, "RegisteredStatusNotifierItems", &registeredItems); err != nil {
		return nil, fmt.Errorf("inspect: %w", err)
	}

	// Both are optional for the purpose of the report.
	watcherProperty(watcherObj, opts.Timeout, "IsStatusNotifierHostRegistered", &report.HostRegistered)
	watcherProperty(watcherObj, opts.Timeout, "ProtocolVersion", &report.ProtocolVersion)

	report.Items = make([]ItemReport, 0, len(registeredItems))

	for _, key := range registeredItems {
		report.Items = append(report.Items, inspectItem(bus, key, opts))
	}

	return report, nil
}

func watcherProperty(obj dbus.BusObject, timeout time.Duration, name string, dest any) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var value dbus.Variant

	err := obj.CallWithContext(ctx, getProperty, 0, StatusNotifierWatcherInterface, name).Store(&value)
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", name, err)
	}

	return value.Store(dest)
}

func inspectItem(bus Bus, key string, opts InspectOptions) ItemReport {
	report := ItemReport{Key: key}

	busName, path := splitItemKey(key)

	item, err := newStaticItem(bus, busName, path, opts.Timeout)
	if err != nil {
		report.Error = err.Error()
		return report
	}

	report.UniqueName = item.UniqueName()

	if info, err := OwnerProcess(bus, item.UniqueName()); err == nil {
		report.Process = info
	}

	report.ID = item.ID()
	report.Title = item.Title()
	report.Category = item.Category()
	report.Status = item.Status()
	report.Tooltip = item.Tooltip()
	report.IconName = item.IconName()
	report.IconThemePath = item.IconThemePath()
	report.AttentionIconName = item.AttentionIconName()
	report.OverlayIconName = item.OverlayIconName()
	report.ItemIsMenu = item.ItemIsMenu()
	report.WindowID = item.WindowID()
	report.Menu = string(item.MenuPath())

	for _, icon := range item.IconPixmap() {
		report.IconPixmaps = append(report.IconPixmaps, fmt.Sprintf("%dx%d", icon.Width, icon.Height))
	}

	if opts.Menus && report.Menu != "" {
		menu, err := item.Menu()
		if err != nil {
			report.Error = err.Error()
			return report
		}

		// Lazily populated menus fill in the root only once asked. Menus
		// without AboutToShow are still read.
		menu.AboutToShow(0)

		_, layout, err := menu.GetLayout(0, -1, nil)
		if err != nil {
			report.Error = err.Error()
			return report
		}

		report.MenuLayout = layout
	}

	return report
}
