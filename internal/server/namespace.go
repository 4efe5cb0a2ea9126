package server

import (
	"context"
	"time"

	"github.com/gopcua/opcua/id"
	uaserver "github.com/gopcua/opcua/server"
	"github.com/gopcua/opcua/ua"

	"github.com/roach88/opcsync/internal/addrspace"
)

// spaceNamespace serves an address space as one namespace of a gopcua
// server. Nodes are built on demand from space snapshots; nothing is
// copied into the gopcua node store.
type spaceNamespace struct {
	srv   *uaserver.Server
	space *addrspace.Space
	id    uint16
}

var _ uaserver.NameSpace = (*spaceNamespace)(nil)

func (ns *spaceNamespace) Name() string { return ns.space.NamespaceURI() }

func (ns *spaceNamespace) ID() uint16 { return ns.id }

func (ns *spaceNamespace) SetID(id uint16) { ns.id = id }

// AddNode is a no-op: nodes enter the space through the mapper or the
// AddNodes service.
func (ns *spaceNamespace) AddNode(n *uaserver.Node) *uaserver.Node { return n }

func (ns *spaceNamespace) Objects() *uaserver.Node { return ns.srv.Node(uaserver.ObjectsFolder) }

func (ns *spaceNamespace) Root() *uaserver.Node { return ns.srv.Node(uaserver.RootFolder) }

// Node returns a gopcua view of nid, or nil if the space does not hold it.
func (ns *spaceNamespace) Node(nid *ua.NodeID) *uaserver.Node {
	if nid == nil {
		return nil
	}
	info, ok := ns.space.Node(nid)
	if !ok {
		return nil
	}
	attrs := uaserver.Attributes{
		ua.AttributeIDNodeClass:   uaserver.DataValueFromValue(int32(info.Class)),
		ua.AttributeIDBrowseName:  uaserver.DataValueFromValue(&ua.QualifiedName{NamespaceIndex: ns.space.Namespace(), Name: info.BrowseName}),
		ua.AttributeIDDisplayName: uaserver.DataValueFromValue(ua.NewLocalizedText(info.BrowseName)),
	}
	refs, _ := ns.space.Browse(nid)
	if info.TypeDefinition != nil {
		refs = append(refs, &ua.ReferenceDescription{
			ReferenceTypeID: ua.NewNumericNodeID(0, id.HasTypeDefinition),
			IsForward:       true,
			NodeID:          &ua.ExpandedNodeID{NodeID: info.TypeDefinition},
			BrowseName:      &ua.QualifiedName{},
			DisplayName:     ua.NewLocalizedText(""),
			TypeDefinition:  ua.NewTwoByteExpandedNodeID(0),
		})
	}
	var val uaserver.ValueFunc
	if info.Class == ua.NodeClassVariable {
		val = func() *ua.DataValue { return ns.space.Read(nid) }
	}
	return uaserver.NewNode(nid, attrs, refs, val)
}

// Browse lists references of the requested node, filtered by direction,
// reference type and node class.
func (ns *spaceNamespace) Browse(bd *ua.BrowseDescription) *ua.BrowseResult {
	if bd == nil || bd.NodeID == nil {
		return &ua.BrowseResult{StatusCode: ua.StatusBadNodeIDInvalid}
	}
	var candidates []*ua.ReferenceDescription
	if bd.BrowseDirection != ua.BrowseDirectionInverse {
		refs, st := ns.space.Browse(bd.NodeID)
		if st != ua.StatusOK {
			return &ua.BrowseResult{StatusCode: st}
		}
		candidates = append(candidates, refs...)
	}
	if bd.BrowseDirection != ua.BrowseDirectionForward {
		inverse, err := ns.inverseRefs(bd.NodeID)
		if err != nil {
			return &ua.BrowseResult{StatusCode: ua.StatusBadNodeIDUnknown}
		}
		candidates = append(candidates, inverse...)
	}

	out := make([]*ua.ReferenceDescription, 0, len(candidates))
	for _, r := range candidates {
		if bd.NodeClassMask != 0 && bd.NodeClassMask&uint32(r.NodeClass) == 0 {
			continue
		}
		if !ns.refTypeMatches(bd.ReferenceTypeID, r.ReferenceTypeID, bd.IncludeSubtypes) {
			continue
		}
		if r.TypeDefinition == nil {
			r.TypeDefinition = ua.NewTwoByteExpandedNodeID(0)
		}
		out = append(out, r)
	}
	return &ua.BrowseResult{StatusCode: ua.StatusGood, References: out}
}

func (ns *spaceNamespace) inverseRefs(nid *ua.NodeID) ([]*ua.ReferenceDescription, error) {
	parents, err := ns.space.Parents(nid)
	if err != nil {
		return nil, err
	}
	out := make([]*ua.ReferenceDescription, 0, len(parents))
	for _, p := range parents {
		info, ok := ns.space.Node(p)
		if !ok {
			continue
		}
		var refType *ua.NodeID
		siblings, _ := ns.space.Browse(p)
		for _, s := range siblings {
			if s.NodeID.NodeID.String() == nid.String() {
				refType = s.ReferenceTypeID
				break
			}
		}
		if refType == nil {
			refType = ua.NewNumericNodeID(0, id.HierarchicalReferences)
		}
		r := &ua.ReferenceDescription{
			ReferenceTypeID: refType,
			IsForward:       false,
			NodeID:          &ua.ExpandedNodeID{NodeID: info.ID},
			BrowseName:      &ua.QualifiedName{NamespaceIndex: info.ID.Namespace(), Name: info.BrowseName},
			DisplayName:     ua.NewLocalizedText(info.BrowseName),
			NodeClass:       info.Class,
		}
		if info.TypeDefinition != nil {
			r.TypeDefinition = &ua.ExpandedNodeID{NodeID: info.TypeDefinition}
		}
		out = append(out, r)
	}
	return out, nil
}

// refTypeMatches walks HasSubtype references of the standard namespace to
// decide whether got is want or one of its subtypes.
func (ns *spaceNamespace) refTypeMatches(want, got *ua.NodeID, subtypes bool) bool {
	if want == nil || (want.Namespace() == 0 && want.IntID() == 0) {
		return true
	}
	if got == nil {
		return false
	}
	if want.String() == got.String() {
		return true
	}
	if !subtypes {
		return false
	}
	std, err := ns.srv.Namespace(0)
	if err != nil {
		return false
	}
	seen := map[string]bool{want.String(): true}
	queue := []*ua.NodeID{want}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		res := std.Browse(&ua.BrowseDescription{
			NodeID:          cur,
			BrowseDirection: ua.BrowseDirectionForward,
			ReferenceTypeID: ua.NewNumericNodeID(0, id.HasSubtype),
		})
		if res == nil {
			continue
		}
		for _, r := range res.References {
			if r.NodeID == nil || r.NodeID.NodeID == nil {
				continue
			}
			sub := r.NodeID.NodeID
			if sub.String() == got.String() {
				return true
			}
			if !seen[sub.String()] {
				seen[sub.String()] = true
				queue = append(queue, sub)
			}
		}
	}
	return false
}

// Attribute reads one attribute of a space node.
func (ns *spaceNamespace) Attribute(nid *ua.NodeID, attr ua.AttributeID) *ua.DataValue {
	info, ok := ns.space.Node(nid)
	if !ok {
		return statusValue(ua.StatusBadNodeIDUnknown)
	}
	variable := info.Class == ua.NodeClassVariable
	var v any
	switch attr {
	case ua.AttributeIDNodeID:
		v = info.ID
	case ua.AttributeIDNodeClass:
		v = int32(info.Class)
	case ua.AttributeIDBrowseName:
		v = &ua.QualifiedName{NamespaceIndex: ns.space.Namespace(), Name: info.BrowseName}
	case ua.AttributeIDDisplayName:
		v = ua.NewLocalizedText(info.BrowseName)
	case ua.AttributeIDDescription:
		v = ua.NewLocalizedText("")
	case ua.AttributeIDEventNotifier:
		if variable {
			return statusValue(ua.StatusBadAttributeIDInvalid)
		}
		v = byte(0)
	case ua.AttributeIDValue:
		if !variable {
			return statusValue(ua.StatusBadAttributeIDInvalid)
		}
		return ns.space.Read(nid)
	case ua.AttributeIDDataType:
		if !variable {
			return statusValue(ua.StatusBadAttributeIDInvalid)
		}
		dt := info.DataType
		if dt == nil {
			dt = ua.NewNumericNodeID(0, id.BaseDataType)
		}
		v = dt
	case ua.AttributeIDValueRank:
		if !variable {
			return statusValue(ua.StatusBadAttributeIDInvalid)
		}
		rank := int32(-1)
		if info.Value != nil && info.Value.Value != nil && info.Value.Value.Has(ua.VariantArrayValues) {
			rank = 1
		}
		v = rank
	case ua.AttributeIDAccessLevel, ua.AttributeIDUserAccessLevel:
		if !variable {
			return statusValue(ua.StatusBadAttributeIDInvalid)
		}
		v = byte(ua.AccessLevelTypeCurrentRead | ua.AccessLevelTypeCurrentWrite)
	default:
		return statusValue(ua.StatusBadAttributeIDInvalid)
	}
	return &ua.DataValue{
		EncodingMask:    ua.DataValueValue | ua.DataValueServerTimestamp,
		Value:           ua.MustVariant(v),
		ServerTimestamp: time.Now(),
	}
}

// SetAttribute accepts Value writes only; they go through the space's write
// handler into the subject graph.
func (ns *spaceNamespace) SetAttribute(nid *ua.NodeID, attr ua.AttributeID, val *ua.DataValue) ua.StatusCode {
	if _, ok := ns.space.Node(nid); !ok {
		return ua.StatusBadNodeIDUnknown
	}
	if attr != ua.AttributeIDValue {
		return ua.StatusBadNotWritable
	}
	if val == nil || val.Value == nil {
		return ua.StatusBadTypeMismatch
	}
	return ns.space.Write(context.Background(), nid, val.Value)
}

func statusValue(st ua.StatusCode) *ua.DataValue {
	return &ua.DataValue{
		EncodingMask:    ua.DataValueStatusCode | ua.DataValueServerTimestamp,
		Status:          st,
		ServerTimestamp: time.Now(),
	}
}
