package server

import (
	"context"
	"slices"

	"github.com/gopcua/opcua/ua"

	"github.com/roach88/opcsync/internal/structure"
	"github.com/roach88/opcsync/internal/subject"
)

// nodeManager serves AddNodes/DeleteNodes by editing the subject graph; the
// mapper then projects the edit back into the address space.
type nodeManager struct {
	s *Server
}

// AddNode creates a subject for the requested type definition and inserts
// it into the slot the parent node represents: a collection or dictionary
// folder, or a reference property named by the requested BrowseName.
func (m *nodeManager) AddNode(ctx context.Context, item *ua.AddNodesItem) (*ua.NodeID, ua.StatusCode) {
	s := m.s
	if item.NodeClass != ua.NodeClassObject {
		return nil, ua.StatusBadNodeClassInvalid
	}
	if item.ParentNodeID == nil || item.ParentNodeID.NodeID == nil {
		return nil, ua.StatusBadParentNodeIDInvalid
	}
	if item.BrowseName == nil || item.BrowseName.Name == "" {
		return nil, ua.StatusBadBrowseNameInvalid
	}
	var typeDef *ua.NodeID
	if item.TypeDefinition != nil {
		typeDef = item.TypeDefinition.NodeID
	}
	typeName, factory, ok := s.registry.Lookup(typeDef)
	if !ok {
		return nil, ua.StatusBadTypeDefinitionInvalid
	}

	parent := item.ParentNodeID.NodeID
	name := item.BrowseName.Name
	ctx = subject.WithSource(ctx, s)

	var (
		child subject.Subject
		err   error
	)
	if ref, ok := s.mapper.ContainerOf(parent); ok {
		if ref.Metadata.Type != typeName {
			return nil, ua.StatusBadTypeMismatch
		}
		child = factory(ref.Context())
		switch ref.Metadata.Kind {
		case subject.KindCollection:
			items, _ := ref.Raw().([]subject.Subject)
			err = ref.Context().SetValue(ctx, ref, append(slices.Clone(items), child))
		case subject.KindDictionary:
			entries, _ := ref.Raw().(map[string]subject.Subject)
			if _, exists := entries[name]; exists {
				return nil, ua.StatusBadBrowseNameDuplicated
			}
			next := make(map[string]subject.Subject, len(entries)+1)
			for k, v := range entries {
				next[k] = v
			}
			next[name] = child
			err = ref.Context().SetValue(ctx, ref, next)
		}
	} else if owner, ok := s.mapper.SubjectOf(parent); ok {
		md, ok := owner.Property(name)
		if !ok || md.Kind != subject.KindReference {
			return nil, ua.StatusBadBrowseNameInvalid
		}
		if md.Type != typeName {
			return nil, ua.StatusBadTypeMismatch
		}
		ref := subject.PropertyReference{Subject: owner, Metadata: md}
		if ref.Raw() != nil {
			return nil, ua.StatusBadBrowseNameDuplicated
		}
		child = factory(owner.Context())
		err = owner.Context().SetValue(ctx, ref, child)
	} else {
		return nil, ua.StatusBadParentNodeIDInvalid
	}
	if err != nil {
		s.logger.WarnContext(ctx, "add node failed", "parent", parent.String(), "browse_name", name, "error", err)
		return nil, statusOf(err)
	}

	nid, ok := s.mapper.NodeOf(child)
	if !ok {
		return nil, ua.StatusBadInternalError
	}
	s.logger.InfoContext(ctx, "node added by client",
		"node", nid.String(),
		"parent", parent.String(),
		"type", typeName,
	)
	return nid, ua.StatusOK
}

// DeleteNode removes the subject of a node from every slot that holds it.
func (m *nodeManager) DeleteNode(ctx context.Context, item *ua.DeleteNodesItem) ua.StatusCode {
	s := m.s
	target, ok := s.mapper.SubjectOf(item.NodeID)
	if !ok {
		return ua.StatusBadNodeIDUnknown
	}
	if target == s.root {
		return ua.StatusBadUserAccessDenied
	}

	ctx = subject.WithSource(ctx, s)
	for _, sl := range s.mapper.Slots(target) {
		if sl.IsRoot() {
			continue
		}
		if err := removeFromSlot(ctx, target, sl); err != nil {
			s.logger.WarnContext(ctx, "delete node failed", "node", item.NodeID.String(), "error", err)
			return statusOf(err)
		}
	}
	s.logger.InfoContext(ctx, "node deleted by client", "node", item.NodeID.String())
	return ua.StatusOK
}

func removeFromSlot(ctx context.Context, target subject.Subject, sl structure.Slot) error {
	ref, err := subject.NewPropertyReference(sl.Parent, sl.Property)
	if err != nil {
		return err
	}
	sc := ref.Context()
	switch sl.Kind {
	case subject.KindReference:
		return sc.SetValue(ctx, ref, nil)
	case subject.KindCollection:
		items, _ := ref.Raw().([]subject.Subject)
		next := slices.DeleteFunc(slices.Clone(items), func(it subject.Subject) bool { return it == target })
		return sc.SetValue(ctx, ref, next)
	case subject.KindDictionary:
		entries, _ := ref.Raw().(map[string]subject.Subject)
		next := make(map[string]subject.Subject, len(entries))
		for k, v := range entries {
			if k != sl.Key {
				next[k] = v
			}
		}
		return sc.SetValue(ctx, ref, next)
	}
	return nil
}
