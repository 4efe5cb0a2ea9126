package addrspace

import (
	"fmt"

	"github.com/gopcua/opcua/ua"
)

// EventKind classifies model-change events.
type EventKind int

const (
	EventNodeAdded EventKind = iota + 1
	EventNodeDeleted
	EventReferenceAdded
	EventReferenceDeleted
	EventBrowseNameChanged
	EventValueChanged
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventNodeAdded:
		return "node_added"
	case EventNodeDeleted:
		return "node_deleted"
	case EventReferenceAdded:
		return "reference_added"
	case EventReferenceDeleted:
		return "reference_deleted"
	case EventBrowseNameChanged:
		return "browse_name_changed"
	case EventValueChanged:
		return "value_changed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// IsStructural reports whether the event changes the node tree.
func (k EventKind) IsStructural() bool {
	return k != EventValueChanged
}

// Event is one address-space change.
type Event struct {
	Kind EventKind
	Node *ua.NodeID

	// Parent is the referencing node for add/delete and reference events.
	Parent *ua.NodeID

	BrowseName string
	Class      ua.NodeClass

	// Value is set for EventValueChanged.
	Value *ua.DataValue
}

// String renders the event for logs.
func (e Event) String() string {
	if e.Parent != nil {
		return fmt.Sprintf("%s %s %q parent=%s", e.Kind, e.Node, e.BrowseName, e.Parent)
	}
	return fmt.Sprintf("%s %s %q", e.Kind, e.Node, e.BrowseName)
}
