package client

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"

	"github.com/roach88/opcsync/internal/addrspace"
	"github.com/roach88/opcsync/internal/structure"
	"github.com/roach88/opcsync/internal/subject"
)

// pendingAdd is a local subject that needs a remote node.
type pendingAdd struct {
	subj subject.Subject
	item *ua.AddNodesItem
}

// pushStructure mirrors a local structural edit of ref onto the server with
// AddNodes/DeleteNodes, then resyncs.
//
// The server owns node creation, so a subject already bound to a node (a
// shared subject) cannot be attached to a second slot this way, and
// removing a subject that is still reachable elsewhere would delete it
// everywhere. Both are skipped and the next resync restores the server's
// view.
func (c *Client) pushStructure(ctx context.Context, ref subject.PropertyReference) error {
	s, _, _ := c.current()
	if s == nil {
		return fmt.Errorf("push %s: %w", ref, ErrNotConnected)
	}
	opCtx, cancel := operationContext(ctx, c.opts.OperationTimeout)
	defer cancel()

	var (
		adds    []pendingAdd
		deletes []*ua.NodeID
		err     error
	)
	switch ref.Metadata.Kind {
	case subject.KindCollection, subject.KindDictionary:
		adds, deletes, err = c.diffContainer(opCtx, s, ref)
	case subject.KindReference:
		adds, deletes, err = c.diffReference(opCtx, s, ref)
	}
	if err != nil {
		return fmt.Errorf("push %s: %w", ref, err)
	}
	if len(adds) == 0 && len(deletes) == 0 {
		return nil
	}

	if len(deletes) > 0 {
		items := make([]*ua.DeleteNodesItem, len(deletes))
		for i, nid := range deletes {
			items[i] = &ua.DeleteNodesItem{NodeID: nid, DeleteTargetReferences: true}
		}
		statuses, err := s.DeleteNodes(opCtx, items)
		if err != nil {
			return fmt.Errorf("push %s: delete nodes: %w", ref, err)
		}
		for i, st := range statuses {
			if st != ua.StatusOK {
				c.logger.Warn("remote delete rejected", "property", ref.String(), "node", deletes[i].String(), "status", st)
			}
		}
	}

	if len(adds) > 0 {
		items := make([]*ua.AddNodesItem, len(adds))
		for i, a := range adds {
			items[i] = a.item
		}
		results, err := s.AddNodes(opCtx, items)
		if err != nil {
			return fmt.Errorf("push %s: add nodes: %w", ref, err)
		}
		for i, r := range results {
			if i >= len(adds) {
				break
			}
			if r.StatusCode != ua.StatusOK {
				c.logger.Warn("remote add rejected",
					"property", ref.String(),
					"browse_name", adds[i].item.BrowseName.Name,
					"status", r.StatusCode,
				)
				continue
			}
			c.mirror.Adopt(r.AddedNodeID, adds[i].subj)
			if err := c.pushValues(opCtx, s, r.AddedNodeID, adds[i].subj); err != nil {
				c.logger.Warn("initial values not written", "node", r.AddedNodeID.String(), "error", err)
			}
		}
	}

	c.structureDirty.Store(true)
	return c.resync(ctx, "remote_node_management")
}

func (c *Client) diffContainer(ctx context.Context, s Session, ref subject.PropertyReference) ([]pendingAdd, []*ua.NodeID, error) {
	folder, ok := c.mirror.FolderOf(ref)
	if !ok {
		return nil, nil, fmt.Errorf("no remote folder")
	}
	children, err := s.Browse(ctx, folder)
	if err != nil {
		return nil, nil, err
	}

	remote := make(map[subject.Subject]*ua.NodeID)
	remoteKey := make(map[string]subject.Subject)
	for _, rd := range children {
		if rd.NodeClass != ua.NodeClassObject || rd.NodeID == nil {
			continue
		}
		if cs, ok := c.mirror.SubjectOf(rd.NodeID.NodeID); ok {
			remote[cs] = rd.NodeID.NodeID
			if rd.BrowseName != nil {
				remoteKey[rd.BrowseName.Name] = cs
			}
		}
	}

	type slot struct {
		name string
		subj subject.Subject
	}
	var local []slot
	switch v := ref.Raw().(type) {
	case []subject.Subject:
		for i, it := range v {
			local = append(local, slot{name: structure.ItemName(ref.Name(), i), subj: it})
		}
	case map[string]subject.Subject:
		for _, k := range slices.Sorted(maps.Keys(v)) {
			local = append(local, slot{name: k, subj: v[k]})
		}
	}

	keep := make(map[subject.Subject]bool)
	var adds []pendingAdd
	for _, sl := range local {
		if sl.subj == nil {
			continue
		}
		if _, bound := remote[sl.subj]; bound {
			keep[sl.subj] = true
			if ref.Metadata.Kind == subject.KindDictionary && remoteKey[sl.name] != sl.subj {
				c.logger.Warn("dictionary key change not propagated", "property", ref.String(), "key", sl.name)
			}
			continue
		}
		if a, ok := c.addItem(folder, sl.name, sl.subj); ok {
			adds = append(adds, a)
		}
	}

	var live map[subject.Subject]bool
	var deletes []*ua.NodeID
	for _, rd := range children {
		if rd.NodeID == nil {
			continue
		}
		cs, ok := c.mirror.SubjectOf(rd.NodeID.NodeID)
		if !ok || keep[cs] {
			continue
		}
		if live == nil {
			live = reachable(c.root)
		}
		if live[cs] {
			c.logger.Warn("shared subject removal not propagated", "property", ref.String(), "node", rd.NodeID.NodeID.String())
			continue
		}
		deletes = append(deletes, rd.NodeID.NodeID)
	}
	return adds, deletes, nil
}

func (c *Client) diffReference(ctx context.Context, s Session, ref subject.PropertyReference) ([]pendingAdd, []*ua.NodeID, error) {
	parent, ok := c.mirror.NodeOf(ref.Subject)
	if !ok {
		return nil, nil, fmt.Errorf("owner has no remote node")
	}
	children, err := s.Browse(ctx, parent)
	if err != nil {
		return nil, nil, err
	}

	var remoteID *ua.NodeID
	var remoteSubj subject.Subject
	for _, rd := range children {
		if rd.NodeClass != ua.NodeClassObject || rd.NodeID == nil || rd.BrowseName == nil || rd.BrowseName.Name != ref.Name() {
			continue
		}
		remoteID = rd.NodeID.NodeID
		remoteSubj, _ = c.mirror.SubjectOf(remoteID)
		break
	}

	local, _ := ref.Raw().(subject.Subject)
	if remoteID != nil && remoteSubj == local {
		return nil, nil, nil
	}

	var deletes []*ua.NodeID
	if remoteID != nil {
		if remoteSubj != nil && reachable(c.root)[remoteSubj] {
			c.logger.Warn("shared subject removal not propagated", "property", ref.String(), "node", remoteID.String())
			return nil, nil, nil
		}
		deletes = append(deletes, remoteID)
	}
	var adds []pendingAdd
	if local != nil {
		if a, ok := c.addItem(parent, ref.Name(), local); ok {
			adds = append(adds, a)
		}
	}
	return adds, deletes, nil
}

// addItem builds the AddNodes request for a local subject.
func (c *Client) addItem(parent *ua.NodeID, name string, subj subject.Subject) (pendingAdd, bool) {
	if nid, bound := c.mirror.NodeOf(subj); bound {
		c.logger.Warn("shared subject attach not propagated", "browse_name", name, "node", nid.String())
		return pendingAdd{}, false
	}
	typeDef, ok := c.registry.TypeDefinition(subj.Type())
	if !ok {
		c.logger.Warn("no type definition for subject", "type", subj.Type(), "browse_name", name)
		return pendingAdd{}, false
	}
	return pendingAdd{
		subj: subj,
		item: &ua.AddNodesItem{
			ParentNodeID:    &ua.ExpandedNodeID{NodeID: parent},
			ReferenceTypeID: ua.NewNumericNodeID(0, id.HasComponent),
			BrowseName:      &ua.QualifiedName{NamespaceIndex: parent.Namespace(), Name: name},
			NodeClass:       ua.NodeClassObject,
			TypeDefinition:  &ua.ExpandedNodeID{NodeID: typeDef},
		},
	}, true
}

// pushValues writes the local values of subj into the variables of its new
// remote node.
func (c *Client) pushValues(ctx context.Context, s Session, nid *ua.NodeID, subj subject.Subject) error {
	children, err := s.Browse(ctx, nid)
	if err != nil {
		return err
	}
	var values []*ua.WriteValue
	for _, rd := range children {
		if rd.NodeClass != ua.NodeClassVariable || rd.BrowseName == nil || rd.NodeID == nil {
			continue
		}
		ref, err := subject.NewPropertyReference(subj, rd.BrowseName.Name)
		if err != nil || ref.Metadata.Kind != subject.KindValue || ref.Metadata.IsDerived {
			continue
		}
		v, err := addrspace.ToVariant(ref.Raw())
		if err != nil {
			continue
		}
		values = append(values, writeValue(rd.NodeID.NodeID, v))
	}
	if len(values) == 0 {
		return nil
	}
	statuses, err := s.Write(ctx, values)
	if err != nil {
		return err
	}
	for i, st := range statuses {
		if st != ua.StatusOK {
			return fmt.Errorf("write %s: %w", values[i].NodeID, st)
		}
	}
	return nil
}

// reachable returns every subject reachable from root.
func reachable(root subject.Subject) map[subject.Subject]bool {
	seen := make(map[subject.Subject]bool)
	var walk func(s subject.Subject)
	walk = func(s subject.Subject) {
		if s == nil || seen[s] {
			return
		}
		seen[s] = true
		for _, md := range s.Properties() {
			switch v := (subject.PropertyReference{Subject: s, Metadata: md}).Raw().(type) {
			case subject.Subject:
				walk(v)
			case []subject.Subject:
				for _, it := range v {
					walk(it)
				}
			case map[string]subject.Subject:
				for _, it := range v {
					walk(it)
				}
			}
		}
	}
	walk(root)
	return seen
}
