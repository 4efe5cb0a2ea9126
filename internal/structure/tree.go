package structure

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
)

// RemoteNode is a browsed address-space node. A node reachable through
// several references appears once and is shared by every parent.
type RemoteNode struct {
	ID             *ua.NodeID
	BrowseName     string
	Class          ua.NodeClass
	TypeDefinition *ua.NodeID
	Value          *ua.DataValue
	Children       []*RemoteNode
}

// Child returns the first child with the given BrowseName.
func (n *RemoteNode) Child(name string) *RemoteNode {
	for _, c := range n.Children {
		if c.BrowseName == name {
			return c
		}
	}
	return nil
}

// IsFolder reports whether the node is typed as a folder.
func (n *RemoteNode) IsFolder() bool {
	return n.TypeDefinition != nil && n.TypeDefinition.Namespace() == 0 && n.TypeDefinition.IntID() == id.FolderType
}

// BrowseFunc returns the forward hierarchical references of a node.
type BrowseFunc func(ctx context.Context, nid *ua.NodeID) ([]*ua.ReferenceDescription, error)

// ReadFunc reads the values of variable nodes, one result per id.
type ReadFunc func(ctx context.Context, ids []*ua.NodeID) ([]*ua.DataValue, error)

// BrowseTree browses the object tree below root and reads every variable
// value in a single batch. read may be nil to skip values.
func BrowseTree(ctx context.Context, root *ua.NodeID, rootName string, browse BrowseFunc, read ReadFunc) (*RemoteNode, error) {
	seen := make(map[string]*RemoteNode)
	var variables []*RemoteNode

	top := &RemoteNode{ID: root, BrowseName: rootName, Class: ua.NodeClassObject}
	seen[root.String()] = top

	var walk func(n *RemoteNode) error
	walk = func(n *RemoteNode) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		refs, err := browse(ctx, n.ID)
		if err != nil {
			return fmt.Errorf("browse %s: %w", n.ID, err)
		}
		for _, ref := range refs {
			if ref == nil || ref.NodeID == nil || ref.NodeID.NodeID == nil {
				continue
			}
			cid := ref.NodeID.NodeID
			if existing, ok := seen[cid.String()]; ok {
				n.Children = append(n.Children, existing)
				continue
			}
			child := &RemoteNode{ID: cid, Class: ref.NodeClass}
			if ref.BrowseName != nil {
				child.BrowseName = ref.BrowseName.Name
			}
			if ref.TypeDefinition != nil {
				child.TypeDefinition = ref.TypeDefinition.NodeID
			}
			seen[cid.String()] = child
			n.Children = append(n.Children, child)

			switch child.Class {
			case ua.NodeClassVariable:
				variables = append(variables, child)
			case ua.NodeClassObject:
				if err := walk(child); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(top); err != nil {
		return nil, err
	}

	if read != nil && len(variables) > 0 {
		ids := make([]*ua.NodeID, len(variables))
		for i, v := range variables {
			ids[i] = v.ID
		}
		values, err := read(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("read %d variables: %w", len(ids), err)
		}
		for i, dv := range values {
			if i < len(variables) {
				variables[i].Value = dv
			}
		}
	}
	return top, nil
}

var itemNamePattern = regexp.MustCompile(`^(.*)\[(\d+)\]$`)

// orderedItems returns the children of a collection folder in index order.
// A shared subject's node carries the name of another slot, so children not
// named after the folder fill the unused indices in browse order.
func orderedItems(folder *RemoteNode) []*RemoteNode {
	var objects []*RemoteNode
	for _, c := range folder.Children {
		if c.Class == ua.NodeClassObject {
			objects = append(objects, c)
		}
	}

	slots := make([]*RemoteNode, len(objects))
	var rest, overflow []*RemoteNode
	for _, c := range objects {
		if m := itemNamePattern.FindStringSubmatch(c.BrowseName); m != nil && m[1] == folder.BrowseName {
			if i, err := strconv.Atoi(m[2]); err == nil && i < len(slots) && slots[i] == nil {
				slots[i] = c
				continue
			}
			overflow = append(overflow, c)
			continue
		}
		rest = append(rest, c)
	}

	out := make([]*RemoteNode, 0, len(objects))
	for _, n := range slots {
		if n == nil && len(rest) > 0 {
			n, rest = rest[0], rest[1:]
		}
		if n != nil {
			out = append(out, n)
		}
	}
	out = append(out, overflow...)
	return append(out, rest...)
}
