package systray

import (
	"os"
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestInspect(t *testing.T) {
	bus := newFakeBus()

	watcher := bus.addItem(StatusNotifierWatcherInterface, ":1.1", StatusNotifierWatcherPath)
	watcher.setProp("RegisteredStatusNotifierItems", []string{
		"org.example.App/StatusNotifierItem",
		"org.example.Gone/StatusNotifierItem",
	})
	watcher.setProp("IsStatusNotifierHostRegistered", true)
	watcher.setProp("ProtocolVersion", int32(0))

	item := bus.addItem("org.example.App", ":1.42", StatusNotifierItemPath)
	item.setProp("Id", "app")
	item.setProp("Title", "Example")
	item.setProp("Status", "Active")
	item.setProp("IconName", "mail")
	item.setProp("IconPixmap", []any{argbPixmap(16, 16, 0xff, 0, 0, 0), argbPixmap(32, 32, 0xff, 0, 0, 0)})
	item.setProp("Menu", dbus.ObjectPath("/MenuBar"))

	bus.pids[":1.42"] = uint32(os.Getpid())

	menu := bus.Object(":1.42", "/MenuBar").(*fakeObject)
	menu.setMethod(MenuInterface+".GetLayout", func([]any) ([]any, error) {
		return []any{uint32(1), layoutValue(0, nil, layoutValue(1, map[string]any{"label": "Quit"}))}, nil
	})

	report, err := Inspect(bus, InspectOptions{Menus: true})
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}

	if report.Owner != ":1.1" || !report.HostRegistered {
		t.Errorf("report = %+v, want owner :1.1 with a host", report)
	}

	if len(report.Items) != 2 {
		t.Fatalf("report has %d items, want 2", len(report.Items))
	}

	app := report.Items[0]

	if app.ID != "app" || app.Title != "Example" || app.IconName != "mail" || app.Status != ItemStatusActive {
		t.Errorf("app = %+v", app)
	}

	if app.UniqueName != ":1.42" {
		t.Errorf("app.UniqueName = %q, want :1.42", app.UniqueName)
	}

	if len(app.IconPixmaps) != 2 || app.IconPixmaps[1] != "32x32" {
		t.Errorf("app.IconPixmaps = %v, want [16x16 32x32]", app.IconPixmaps)
	}

	if app.Process == nil || app.Process.PID != int32(os.Getpid()) {
		t.Errorf("app.Process = %+v, want the test process", app.Process)
	}

	if app.Menu != "/MenuBar" || app.MenuLayout == nil || len(app.MenuLayout.Children) != 1 {
		t.Errorf("app menu = %q %+v", app.Menu, app.MenuLayout)
	}

	if n := len(menu.callsTo(MenuInterface + ".AboutToShow")); n != 1 {
		t.Errorf("AboutToShow called %d times before reading the layout, want 1", n)
	}

	if app.Error != "" {
		t.Errorf("app.Error = %q", app.Error)
	}

	if gone := report.Items[1]; gone.Error == "" {
		t.Errorf("unreachable item has no error: %+v", gone)
	}
}

func TestInspectWithoutWatcher(t *testing.T) {
	if _, err := Inspect(newFakeBus(), InspectOptions{}); err == nil {
		t.Errorf("Inspect() error = nil, want error")
	}
}

func TestOwnerProcess(t *testing.T) {
	bus := newFakeBus()
	bus.pids[":1.7"] = uint32(os.Getpid())

	info, err := OwnerProcess(bus, ":1.7")
	if err != nil {
		t.Fatalf("OwnerProcess() error = %v", err)
	}

	if info.Name == "" {
		t.Errorf("OwnerProcess() name is empty")
	}

	if name := ownerProcessName(bus, ":1.8"); name != "" {
		t.Errorf("ownerProcessName(unknown) = %q, want empty", name)
	}
}
