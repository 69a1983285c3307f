package systray

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
)

func layoutValue(id int32, props map[string]any, children ...any) []any {
	variants := make(map[string]dbus.Variant, len(props))
	for k, v := range props {
		variants[k] = dbus.MakeVariant(v)
	}

	childVariants := make([]dbus.Variant, 0, len(children))
	for _, child := range children {
		childVariants = append(childVariants, dbus.MakeVariant(child))
	}

	return []any{id, variants, childVariants}
}

func TestNewLayoutNode(t *testing.T) {
	data := layoutValue(0, map[string]any{"children-display": "submenu"},
		layoutValue(1, map[string]any{"label": "_Open"}),
		layoutValue(2, map[string]any{"type": "separator"}),
		"garbage",
		layoutValue(3, map[string]any{"label": "Quit", "visible": false},
			layoutValue(4, map[string]any{"label": "Really"}),
		),
	)

	root, err := NewLayoutNode(data)
	if err != nil {
		t.Fatalf("NewLayoutNode() error = %v", err)
	}

	if root.ID != 0 || root.Properties["children-display"] != "submenu" {
		t.Errorf("root = %+v", root)
	}

	if len(root.Children) != 3 {
		t.Fatalf("root has %d children, want 3", len(root.Children))
	}

	open, separator, quit := root.Children[0], root.Children[1], root.Children[2]

	if open.Label() != "Open" || !open.Visible() || open.IsSeparator() {
		t.Errorf("open = %+v", open)
	}

	if !separator.IsSeparator() {
		t.Errorf("node 2 is not a separator")
	}

	if quit.Visible() {
		t.Errorf("quit is visible, want hidden")
	}

	if len(quit.Children) != 1 || quit.Children[0].ID != 4 {
		t.Errorf("quit children = %+v, want node 4", quit.Children)
	}
}

func TestNewLayoutNodeInvalid(t *testing.T) {
	tests := map[string]any{
		"not an array":   "node",
		"short array":    []any{int32(0), map[string]dbus.Variant{}},
		"bad id":         []any{"0", map[string]dbus.Variant{}, []dbus.Variant{}},
		"bad properties": []any{int32(0), map[string]any{}, []dbus.Variant{}},
		"bad children":   []any{int32(0), map[string]dbus.Variant{}, []any{}},
	}

	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := NewLayoutNode(data); err == nil {
				t.Errorf("NewLayoutNode() error = nil, want error")
			}
		})
	}
}

func TestLayoutNodeLabel(t *testing.T) {
	tests := []struct {
		label string
		want  string
	}{
		{"", ""},
		{"Quit", "Quit"},
		{"_Quit", "Quit"},
		{"Save __As", "Save _As"},
		{"_Über", "Über"},
	}

	for _, tt := range tests {
		node := &LayoutNode{Properties: map[string]any{"label": tt.label}}

		if got := node.Label(); got != tt.want {
			t.Errorf("Label(%q) = %q, want %q", tt.label, got, tt.want)
		}
	}
}

func newTestMenu(t *testing.T) (*fakeObject, *Menu) {
	t.Helper()

	bus := newFakeBus()
	obj := bus.Object(":1.42", "/MenuBar").(*fakeObject)
	obj.setProp("Version", uint32(3))
	obj.setProp("Status", "normal")

	menu, err := NewMenu(bus, ":1.42", "/MenuBar")
	if err != nil {
		t.Fatalf("NewMenu() error = %v", err)
	}

	return obj, menu
}

func TestNewMenu(t *testing.T) {
	_, menu := newTestMenu(t)

	if menu.Version != 3 || menu.Status != "normal" {
		t.Errorf("menu = version %d status %q, want 3 normal", menu.Version, menu.Status)
	}

	if menu.BusName() != ":1.42" || menu.Path() != "/MenuBar" {
		t.Errorf("menu location = %s%s", menu.BusName(), menu.Path())
	}

	bus := newFakeBus()
	bus.Object(":1.43", "/MenuBar").(*fakeObject).setUnreachable(true)

	if _, err := NewMenu(bus, ":1.43", "/MenuBar"); err == nil {
		t.Errorf("NewMenu(unreachable) error = nil, want error")
	}
}

func TestMenuGetLayout(t *testing.T) {
	obj, menu := newTestMenu(t)

	obj.setMethod(MenuInterface+".GetLayout", func(args []any) ([]any, error) {
		return []any{uint32(7), layoutValue(0, nil, layoutValue(1, map[string]any{"label": "Quit"}))}, nil
	})

	revision, root, err := menu.GetLayout(0, -1, nil)
	if err != nil {
		t.Fatalf("GetLayout() error = %v", err)
	}

	if revision != 7 {
		t.Errorf("revision = %d, want 7", revision)
	}

	if len(root.Children) != 1 || root.Children[0].Label() != "Quit" {
		t.Errorf("layout = %+v", root)
	}

	calls := obj.callsTo(MenuInterface + ".GetLayout")
	if len(calls) != 1 {
		t.Fatalf("GetLayout called %d times, want 1", len(calls))
	}

	if names, ok := calls[0].Args[2].([]string); !ok || names == nil {
		t.Errorf("propertyNames = %#v, want empty slice", calls[0].Args[2])
	}
}

func TestMenuGetLayoutErrors(t *testing.T) {
	tests := map[string]func(args []any) ([]any, error){
		"call error":   func([]any) ([]any, error) { return nil, errors.New("boom") },
		"short body":   func([]any) ([]any, error) { return []any{uint32(1)}, nil },
		"bad revision": func([]any) ([]any, error) { return []any{"1", layoutValue(0, nil)}, nil },
		"bad layout":   func([]any) ([]any, error) { return []any{uint32(1), "root"}, nil },
	}

	for name, reply := range tests {
		t.Run(name, func(t *testing.T) {
			obj, menu := newTestMenu(t)
			obj.setMethod(MenuInterface+".GetLayout", reply)

			if _, _, err := menu.GetLayout(0, -1, nil); err == nil {
				t.Errorf("GetLayout() error = nil, want error")
			}
		})
	}
}

func TestMenuAboutToShow(t *testing.T) {
	obj, menu := newTestMenu(t)

	obj.setMethod(MenuInterface+".AboutToShow", func(args []any) ([]any, error) {
		return []any{args[0] == int32(5)}, nil
	})

	needUpdate, err := menu.AboutToShow(5)
	if err != nil {
		t.Fatalf("AboutToShow() error = %v", err)
	}

	if !needUpdate {
		t.Errorf("AboutToShow(5) = false, want true")
	}

	obj.setMethod(MenuInterface+".AboutToShow", func([]any) ([]any, error) {
		return nil, errors.New("no such method")
	})

	if _, err := menu.AboutToShow(0); err == nil {
		t.Errorf("AboutToShow() error = nil, want error")
	}
}
