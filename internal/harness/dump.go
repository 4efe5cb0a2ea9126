package harness

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"

	"github.com/roach88/opcsync/internal/addrspace"
	"github.com/roach88/opcsync/internal/structure"
)

// Dump renders the node tree below root as indented text.
//
// Children are sorted by BrowseName. Objects print as "Name [Type]" and
// variables as "Name = value". A node with several parents is labeled &N
// where it is first printed and appears as "Name *N" afterwards, so the
// output is stable across runs and across NodeID assignment.
func Dump(space *addrspace.Space, root *ua.NodeID) (string, error) {
	info, ok := space.Node(root)
	if !ok {
		return "", fmt.Errorf("dump: unknown node %s", root)
	}
	d := &dumper{space: space, labels: make(map[string]int)}
	if err := d.node(info, 0); err != nil {
		return "", err
	}
	return d.buf.String(), nil
}

type dumper struct {
	space  *addrspace.Space
	buf    strings.Builder
	labels map[string]int
	next   int
}

func (d *dumper) node(n addrspace.NodeInfo, depth int) error {
	indent := strings.Repeat("  ", depth)
	if n.Class == ua.NodeClassVariable {
		fmt.Fprintf(&d.buf, "%s%s = %s\n", indent, n.BrowseName, formatValue(n.Value))
		return nil
	}

	key := n.ID.String()
	if label, seen := d.labels[key]; seen {
		fmt.Fprintf(&d.buf, "%s%s *%d\n", indent, n.BrowseName, label)
		return nil
	}

	fmt.Fprintf(&d.buf, "%s%s [%s]", indent, n.BrowseName, typeName(n.TypeDefinition))
	if depth > 0 {
		parents, err := d.space.Parents(n.ID)
		if err != nil {
			return fmt.Errorf("dump %s: %w", key, err)
		}
		if len(parents) > 1 {
			d.next++
			d.labels[key] = d.next
			fmt.Fprintf(&d.buf, " &%d", d.next)
		}
	}
	d.buf.WriteByte('\n')

	children, err := d.space.Children(n.ID)
	if err != nil {
		return fmt.Errorf("dump %s: %w", key, err)
	}
	sort.SliceStable(children, func(i, j int) bool {
		return children[i].BrowseName < children[j].BrowseName
	})
	for _, c := range children {
		if err := d.node(c, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// DumpRemote renders a browsed tree in the same format as Dump. Dumping the
// browse of an address space yields the Dump of that space, except for the
// root's type, which a browse does not report.
func DumpRemote(root *structure.RemoteNode) string {
	parents := make(map[*structure.RemoteNode]int)
	visited := make(map[*structure.RemoteNode]bool)
	var count func(n *structure.RemoteNode)
	count = func(n *structure.RemoteNode) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, c := range n.Children {
			parents[c]++
			count(c)
		}
	}
	count(root)

	var buf strings.Builder
	labels := make(map[*structure.RemoteNode]int)
	next := 0
	var walk func(n *structure.RemoteNode, depth int)
	walk = func(n *structure.RemoteNode, depth int) {
		indent := strings.Repeat("  ", depth)
		if n.Class == ua.NodeClassVariable {
			fmt.Fprintf(&buf, "%s%s = %s\n", indent, n.BrowseName, formatValue(n.Value))
			return
		}
		if label, seen := labels[n]; seen {
			fmt.Fprintf(&buf, "%s%s *%d\n", indent, n.BrowseName, label)
			return
		}
		fmt.Fprintf(&buf, "%s%s [%s]", indent, n.BrowseName, typeName(n.TypeDefinition))
		if parents[n] > 1 {
			next++
			labels[n] = next
			fmt.Fprintf(&buf, " &%d", next)
		}
		buf.WriteByte('\n')

		children := append([]*structure.RemoteNode(nil), n.Children...)
		sort.SliceStable(children, func(i, j int) bool {
			return children[i].BrowseName < children[j].BrowseName
		})
		for _, c := range children {
			walk(c, depth+1)
		}
	}
	walk(root, 0)
	return buf.String()
}

func typeName(td *ua.NodeID) string {
	switch {
	case td == nil:
		return "Object"
	case td.Namespace() == 0 && td.IntID() == id.FolderType:
		return "Folder"
	case td.Namespace() == 0 && td.IntID() == id.BaseObjectType:
		return "Object"
	case td.Type() == ua.NodeIDTypeString:
		return td.StringID()
	default:
		return td.String()
	}
}

func formatValue(dv *ua.DataValue) string {
	if dv == nil || dv.Value == nil {
		return "null"
	}
	return formatScalar(dv.Value.Value())
}

func formatScalar(v any) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(v)
	default:
		return fmt.Sprint(v)
	}
}
