package systray

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"testing"

	"github.com/godbus/dbus/v5"
)

func skipIfNoDBus(t *testing.T) *dbus.Conn {
	t.Helper()

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		t.Skipf("D-Bus session bus not available: %v", err)
	}

	t.Cleanup(func() { conn.Close() })

	return conn
}

func TestIsValidBusName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"org.example.App", true},
		{":1.42", true},
		{"org.kde.StatusNotifierItem-1234-1", true},
		{"", false},
		{"org", false},
		{"org..example", false},
		{"org.1example", false},
		{"not a bus name", false},
		{"org.example.App/", false},
	}

	for _, tt := range tests {
		if got := IsValidBusName(tt.name); got != tt.want {
			t.Errorf("IsValidBusName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestIsBenignPropertyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unknown property", dbus.Error{Name: errUnknownProperty}, true},
		{"invalid args pointer", &dbus.Error{Name: errInvalidArgs}, true},
		{"wrapped", fmt.Errorf("get Status: %w", dbus.Error{Name: errUnknownProperty}), true},
		{"no reply", errNoReply, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isBenignPropertyError(tt.err); got != tt.want {
				t.Errorf("isBenignPropertyError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestSessionBus(t *testing.T) {
	conn := skipIfNoDBus(t)
	bus := NewSessionBus(conn)

	names, err := bus.ListNames()
	if err != nil {
		t.Fatalf("ListNames() error = %v", err)
	}

	if !slices.Contains(names, fdoDBusName) {
		t.Errorf("ListNames() = %v, want %s", names, fdoDBusName)
	}

	unique := conn.Names()[0]

	owner, err := bus.NameOwner(unique)
	if err != nil || owner != unique {
		t.Errorf("NameOwner(%s) = %q, %v, want itself", unique, owner, err)
	}

	pid, err := bus.ProcessID(unique)
	if err != nil {
		t.Fatalf("ProcessID() error = %v", err)
	}

	if int(pid) != os.Getpid() {
		t.Errorf("ProcessID() = %d, want %d", pid, os.Getpid())
	}

	if _, err := bus.NameOwner("org.example.Nobody"); err == nil {
		t.Errorf("NameOwner(org.example.Nobody) error = nil, want error")
	}
}
