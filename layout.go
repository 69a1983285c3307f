package systray

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// LayoutNode is an entry of a com.canonical.dbusmenu layout.
type LayoutNode struct {
	ID         int32          `yaml:"id"`
	Properties map[string]any `yaml:"properties,omitempty"`
	Children   []*LayoutNode  `yaml:"children,omitempty"`
}

// NewLayoutNode parses a layout node of type (ia{sv}av). Children that cannot
// be parsed are skipped.
func NewLayoutNode(data any) (*LayoutNode, error) {
	arr, ok := data.([]any)
	if !ok || len(arr) != 3 {
		return nil, fmt.Errorf("menu node: invalid format")
	}

	id, ok := arr[0].(int32)
	if !ok {
		return nil, fmt.Errorf("menu node: invalid id")
	}

	props, ok := arr[1].(map[string]dbus.Variant)
	if !ok {
		return nil, fmt.Errorf("menu node: invalid props")
	}

	children, ok := arr[2].([]dbus.Variant)
	if !ok {
		return nil, fmt.Errorf("menu node: invalid children")
	}

	root := &LayoutNode{
		ID:         id,
		Properties: make(map[string]any, len(props)),
		Children:   make([]*LayoutNode, 0, len(children)),
	}

	for key, value := range props {
		root.Properties[key] = value.Value()
	}

	for _, child := range children {
		childNode, err := NewLayoutNode(child.Value())
		if err != nil {
			continue
		}

		root.Children = append(root.Children, childNode)
	}

	return root, nil
}

// Label returns the label of the node with mnemonic underscores removed.
func (n *LayoutNode) Label() string {
	label, _ := n.Properties["label"].(string)

	out := make([]rune, 0, len(label))
	escaped := false

	for _, r := range label {
		if r == '_' && !escaped {
			escaped = true
			continue
		}

		escaped = false
		out = append(out, r)
	}

	return string(out)
}

// Visible reports whether the node should be shown. Nodes are visible unless
// they say otherwise.
func (n *LayoutNode) Visible() bool {
	visible, ok := n.Properties["visible"].(bool)
	return !ok || visible
}

// IsSeparator reports whether the node is a separator.
func (n *LayoutNode) IsSeparator() bool {
	kind, _ := n.Properties["type"].(string)
	return kind == "separator"
}
