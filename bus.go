package systray

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
)

const (
	fdoDBusName      = "org.freedesktop.DBus"
	fdoDBusPath      = "/org/freedesktop/DBus"
	fdoPropertiesIfc = "org.freedesktop.DBus.Properties"
	fdoIntrospectIfc = "org.freedesktop.DBus.Introspectable"

	errInvalidArgs     = "org.freedesktop.DBus.Error.InvalidArgs"
	errUnknownProperty = "org.freedesktop.DBus.Error.UnknownProperty"
)

// PropertySetter updates a property previously exported with
// [Bus.ExportProperties]. It is satisfied by *prop.Properties.
type PropertySetter interface {
	SetMust(iface, property string, v any)
}

// Bus is the subset of the session bus used by this package. [SessionBus]
// implements it on top of *dbus.Conn.
type Bus interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	Emit(path dbus.ObjectPath, name string, values ...any) error
	Export(v any, path dbus.ObjectPath, iface string) error
	RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error)
	ReleaseName(name string) (dbus.ReleaseNameReply, error)

	// ExportProperties exports org.freedesktop.DBus.Properties at path.
	ExportProperties(path dbus.ObjectPath, props prop.Map) (PropertySetter, error)

	// ListNames returns every name currently present on the bus.
	ListNames() ([]string, error)

	// NameOwner returns the unique name owning name.
	NameOwner(name string) (string, error)

	// ProcessID returns PID of the process owning name.
	ProcessID(name string) (uint32, error)
}

// SessionBus adapts *dbus.Conn to [Bus].
type SessionBus struct {
	*dbus.Conn
}

// NewSessionBus returns a new [SessionBus] wrapping conn.
func NewSessionBus(conn *dbus.Conn) *SessionBus {
	return &SessionBus{Conn: conn}
}

// ExportProperties exports props at path using the prop package.
func (b *SessionBus) ExportProperties(path dbus.ObjectPath, props prop.Map) (PropertySetter, error) {
	return prop.Export(b.Conn, path, props)
}

// ListNames calls org.freedesktop.DBus.ListNames.
func (b *SessionBus) ListNames() ([]string, error) {
	var names []string

	err := b.BusObject().Call(fdoDBusName+".ListNames", 0).Store(&names)
	if err != nil {
		return nil, fmt.Errorf("list names: %w", err)
	}

	return names, nil
}

// NameOwner calls org.freedesktop.DBus.GetNameOwner. Unique names are
// returned as is.
func (b *SessionBus) NameOwner(name string) (string, error) {
	if strings.HasPrefix(name, ":") {
		return name, nil
	}

	var owner string

	err := b.BusObject().Call(fdoDBusName+".GetNameOwner", 0, name).Store(&owner)
	if err != nil {
		return "", fmt.Errorf("get name owner of %s: %w", name, err)
	}

	return owner, nil
}

// ProcessID calls org.freedesktop.DBus.GetConnectionUnixProcessID.
func (b *SessionBus) ProcessID(name string) (uint32, error) {
	var pid uint32

	err := b.BusObject().Call(fdoDBusName+".GetConnectionUnixProcessID", 0, name).Store(&pid)
	if err != nil {
		return 0, fmt.Errorf("get process id of %s: %w", name, err)
	}

	return pid, nil
}

// IsValidBusName reports whether name is a syntactically valid unique or
// well-known D-Bus name.
func IsValidBusName(name string) bool {
	if len(name) == 0 || len(name) > 255 {
		return false
	}

	unique := name[0] == ':'
	if unique {
		name = name[1:]
	}

	elements := strings.Split(name, ".")
	if len(elements) < 2 {
		return false
	}

	for _, element := range elements {
		if element == "" {
			return false
		}

		for i, r := range element {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == '-':
			case r >= '0' && r <= '9':
				if i == 0 && !unique {
					return false
				}
			default:
				return false
			}
		}
	}

	return true
}

// isBenignPropertyError reports whether err only means that the remote
// object does not implement the requested property.
func isBenignPropertyError(err error) bool {
	var dbusErr dbus.Error
	if asDBusError(err, &dbusErr) {
		return dbusErr.Name == errInvalidArgs || dbusErr.Name == errUnknownProperty
	}

	return false
}

// asDBusError unwraps err into target. godbus returns both dbus.Error and
// *dbus.Error depending on the code path.
func asDBusError(err error, target *dbus.Error) bool {
	for err != nil {
		switch e := err.(type) {
		case dbus.Error:
			*target = e
			return true
		case *dbus.Error:
			if e == nil {
				return false
			}
			*target = *e
			return true
		}

		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}

	return false
}
