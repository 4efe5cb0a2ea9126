package addrspace

import (
	"context"

	"github.com/gopcua/opcua/ua"
)

// NodeManager handles node management requests from OPC UA clients.
type NodeManager interface {
	AddNode(ctx context.Context, item *ua.AddNodesItem) (*ua.NodeID, ua.StatusCode)
	DeleteNode(ctx context.Context, item *ua.DeleteNodesItem) ua.StatusCode
}

// AddNodes is the AddNodes service entry point. Without a node manager every
// item is rejected with BadServiceUnsupported.
func (s *Space) AddNodes(ctx context.Context, items []*ua.AddNodesItem) []*ua.AddNodesResult {
	s.mu.RLock()
	m := s.manager
	s.mu.RUnlock()

	results := make([]*ua.AddNodesResult, len(items))
	for i, item := range items {
		if m == nil {
			results[i] = &ua.AddNodesResult{StatusCode: ua.StatusBadServiceUnsupported, AddedNodeID: ua.NewTwoByteNodeID(0)}
			continue
		}
		if item == nil {
			results[i] = &ua.AddNodesResult{StatusCode: ua.StatusBadNodeAttributesInvalid, AddedNodeID: ua.NewTwoByteNodeID(0)}
			continue
		}
		nid, status := m.AddNode(ctx, item)
		if nid == nil {
			nid = ua.NewTwoByteNodeID(0)
		}
		results[i] = &ua.AddNodesResult{StatusCode: status, AddedNodeID: nid}
	}
	if m == nil && len(items) > 0 {
		s.logger.Debug("add nodes rejected: node management disabled", "items", len(items))
	}
	return results
}

// DeleteNodes is the DeleteNodes service entry point. Without a node
// manager every item is rejected with BadServiceUnsupported.
func (s *Space) DeleteNodes(ctx context.Context, items []*ua.DeleteNodesItem) []ua.StatusCode {
	s.mu.RLock()
	m := s.manager
	s.mu.RUnlock()

	results := make([]ua.StatusCode, len(items))
	for i, item := range items {
		switch {
		case m == nil:
			results[i] = ua.StatusBadServiceUnsupported
		case item == nil || item.NodeID == nil:
			results[i] = ua.StatusBadNodeIDInvalid
		default:
			results[i] = m.DeleteNode(ctx, item)
		}
	}
	if m == nil && len(items) > 0 {
		s.logger.Debug("delete nodes rejected: node management disabled", "items", len(items))
	}
	return results
}
