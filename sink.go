package systray

// ScrollDirection is the direction of a scroll event reported by a sink.
type ScrollDirection uint32

const (
	ScrollUp ScrollDirection = iota
	ScrollDown
	ScrollLeft
	ScrollRight
)

// Orientation returns "vertical" or "horizontal", as expected by
// org.kde.StatusNotifierItem.Scroll.
func (d ScrollDirection) Orientation() string {
	switch d {
	case ScrollLeft, ScrollRight:
		return "horizontal"
	default:
		return "vertical"
	}
}

// Sign returns -1 for up and left, +1 for down and right.
func (d ScrollDirection) Sign() int32 {
	switch d {
	case ScrollUp, ScrollLeft:
		return -1
	default:
		return 1
	}
}

// ButtonEvent is a mouse button press or release on a sink.
type ButtonEvent struct {
	X, Y          int32
	Button        uint32
	Time          uint32
	PanelPosition int32
}

// ScrollEvent is a scroll on a sink.
type ScrollEvent struct {
	Delta     int32
	Direction ScrollDirection
	Time      uint32
}

// Sink is the local tray icon an item is projected onto.
//
// Setters are called on the loop. Listeners registered with the On* methods
// must be called on the loop too.
type Sink interface {
	SetName(name string)
	SetVisible(visible bool)

	// SetIconName sets a theme icon name or an absolute path to an image.
	SetIconName(name string)
	SetTooltipText(text string)

	// SetSecondaryMenu attaches the menu shown on right click. A nil menu
	// detaches it.
	SetSecondaryMenu(menu *Menu)

	// IconSize returns the size in pixels consumers render the icon at, or 0
	// if unknown.
	IconSize() int

	OnButtonPress(fn func(ButtonEvent))
	OnButtonRelease(fn func(ButtonEvent))
	OnScroll(fn func(ScrollEvent))
	OnIconSizeChanged(fn func(size int))

	// Close removes the icon. No listener is called after Close returns.
	Close()
}

// SinkProvider creates sinks for new items.
type SinkProvider interface {
	NewSink() (Sink, error)
}
