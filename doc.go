// Package systray bridges [StatusNotifierItem] applications to tray
// consumers that speak a different protocol. It implements the watcher side
// of the protocol and mirrors every registered item onto a [Sink].
//
// # Usage
//
// The bridge consists of a [Watcher], a [SinkProvider] and multiple [Item]
// instances:
//   - [Watcher] owns org.kde.StatusNotifierWatcher, accepts registrations
//     and keeps one [ItemWrapper] per registered item. It stays alive only
//     while a consumer (monitor) of the sinks is present on the bus.
//   - [Item] is the application running in the system tray. Every
//     property read goes to the application; changes are reported
//     through listeners.
//   - [Sink] is the consumer-side representation of an item.
//     [StatusIconServer] provides sinks speaking the org.x.StatusIcon
//     protocol.
//
// All state is owned by a single [Loop]. D-Bus callbacks post work to it, so
// handlers never run concurrently.
//
// In addition to the StatusNotifierItem protocol, package systray implements
// com.canonical.dbusmenu, providing support for tray item menus.
//
// [StatusNotifierItem]: https://www.freedesktop.org/wiki/Specifications/StatusNotifierItem/
package systray
