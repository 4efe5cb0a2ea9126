// Package addrspace is an in-process OPC UA address space: nodes keyed by
// NodeID with BrowseNames, node classes, type definitions, hierarchical
// references and variable values, plus a model-change event stream.
//
// The server side maps the subject graph onto a Space; the loopback session
// exposes the same Space to a client without a network stack.
package addrspace

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
)

// DefaultNamespaceURI is the application namespace registered at index 1.
const DefaultNamespaceURI = "urn:opcsync:nodes"

// firstNodeID is the first numeric identifier handed out in the application
// namespace.
const firstNodeID = 1000

// NodeSpec describes a node to add.
type NodeSpec struct {
	BrowseName     string
	Class          ua.NodeClass
	TypeDefinition *ua.NodeID
	DataType       *ua.NodeID

	// Value is the initial variable value (variables only).
	Value *ua.Variant

	// RequestedID asks for a specific NodeID. Nil allocates the next numeric
	// ID in the application namespace.
	RequestedID *ua.NodeID
}

// NodeInfo is a read-only snapshot of a node.
type NodeInfo struct {
	ID             *ua.NodeID
	BrowseName     string
	Class          ua.NodeClass
	TypeDefinition *ua.NodeID
	DataType       *ua.NodeID
	Value          *ua.DataValue
}

// WriteHandler receives value writes coming from OPC UA clients. Returning
// ua.StatusOK accepts the write; the handler is responsible for updating the
// node value (usually by writing the bound subject property).
type WriteHandler func(ctx context.Context, node NodeInfo, value *ua.Variant) ua.StatusCode

type reference struct {
	refType *ua.NodeID
	target  *node
}

type node struct {
	id         *ua.NodeID
	key        string
	browseName string
	class      ua.NodeClass
	typeDef    *ua.NodeID
	dataType   *ua.NodeID
	value      *ua.DataValue

	children []reference
	parents  []reference
}

func (n *node) info() NodeInfo {
	return NodeInfo{
		ID:             n.id,
		BrowseName:     n.browseName,
		Class:          n.class,
		TypeDefinition: n.typeDef,
		DataType:       n.dataType,
		Value:          n.value,
	}
}

// Space is the address space.
//
// Thread-safety: all methods are safe for concurrent use. Event listeners are
// called after the space lock is released, in mutation order for mutations
// issued from one goroutine.
type Space struct {
	mu        sync.RWMutex
	ns        uint16
	nsURI     string
	nodes     map[string]*node
	objects   *node
	nextID    uint32
	now       func() time.Time
	logger    *slog.Logger
	onWrite   WriteHandler
	manager   NodeManager
	listeners map[uint64]func(Event)
	nextSub   uint64

	// emitMu keeps event delivery in mutation order.
	emitMu sync.Mutex
}

// Option configures a Space.
type Option func(*Space)

// WithNamespace sets the application namespace index and URI.
func WithNamespace(index uint16, uri string) Option {
	return func(s *Space) {
		s.ns = index
		s.nsURI = uri
	}
}

// WithClock overrides the timestamp source for values.
func WithClock(now func() time.Time) Option {
	return func(s *Space) { s.now = now }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Space) { s.logger = l }
}

// New creates a space holding only the standard Objects folder.
func New(opts ...Option) *Space {
	s := &Space{
		ns:        1,
		nsURI:     DefaultNamespaceURI,
		nodes:     make(map[string]*node),
		nextID:    firstNodeID,
		now:       time.Now,
		logger:    slog.Default(),
		listeners: make(map[uint64]func(Event)),
	}
	for _, opt := range opts {
		opt(s)
	}

	objID := ua.NewNumericNodeID(0, id.ObjectsFolder)
	s.objects = &node{
		id:         objID,
		key:        objID.String(),
		browseName: "Objects",
		class:      ua.NodeClassObject,
		typeDef:    ua.NewNumericNodeID(0, id.FolderType),
	}
	s.nodes[s.objects.key] = s.objects
	return s
}

// Namespace returns the application namespace index.
func (s *Space) Namespace() uint16 { return s.ns }

// NamespaceURI returns the application namespace URI.
func (s *Space) NamespaceURI() string { return s.nsURI }

// ObjectsFolder returns the NodeID of the standard Objects folder.
func (s *Space) ObjectsFolder() *ua.NodeID { return s.objects.id }

// SetWriteHandler installs the handler for client value writes.
func (s *Space) SetWriteHandler(h WriteHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onWrite = h
}

// SetNodeManager installs the handler for AddNodes/DeleteNodes. Nil disables
// external node management.
func (s *Space) SetNodeManager(m NodeManager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manager = m
}

// Subscribe registers a model-change listener and returns its cancel func.
func (s *Space) Subscribe(fn func(Event)) (cancel func()) {
	s.mu.Lock()
	sid := s.nextSub
	s.nextSub++
	s.listeners[sid] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, sid)
			s.mu.Unlock()
		})
	}
}

// emit delivers events to listeners. Must be called without s.mu held.
func (s *Space) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.RLock()
	ids := make([]uint64, 0, len(s.listeners))
	for sid := range s.listeners {
		ids = append(ids, sid)
	}
	slices.Sort(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, sid := range ids {
		fns = append(fns, s.listeners[sid])
	}
	s.mu.RUnlock()

	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

func (s *Space) lookup(nid *ua.NodeID) (*node, error) {
	if nid == nil {
		return nil, fmt.Errorf("nil node id: %w", ua.StatusBadNodeIDInvalid)
	}
	n, ok := s.nodes[nid.String()]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", nid, ua.StatusBadNodeIDUnknown)
	}
	return n, nil
}

// AddNode creates a node under parent, linked with a forward reference of
// refType (e.g. id.HasComponent, id.Organizes).
func (s *Space) AddNode(parent *ua.NodeID, refType uint32, spec NodeSpec) (*ua.NodeID, error) {
	s.mu.Lock()
	p, err := s.lookup(parent)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	nid := spec.RequestedID
	if nid == nil {
		nid = ua.NewNumericNodeID(s.ns, s.nextID)
		s.nextID++
	}
	key := nid.String()
	if _, exists := s.nodes[key]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("node %s: %w", key, ua.StatusBadNodeIDExists)
	}

	n := &node{
		id:         nid,
		key:        key,
		browseName: spec.BrowseName,
		class:      spec.Class,
		typeDef:    spec.TypeDefinition,
		dataType:   spec.DataType,
	}
	if spec.Class == ua.NodeClassVariable {
		n.value = s.dataValue(spec.Value)
	}
	s.nodes[key] = n
	rt := ua.NewNumericNodeID(0, refType)
	p.children = append(p.children, reference{refType: rt, target: n})
	n.parents = append(n.parents, reference{refType: rt, target: p})
	s.mu.Unlock()

	s.emit(Event{Kind: EventNodeAdded, Node: nid, Parent: parent, BrowseName: spec.BrowseName, Class: spec.Class})
	return nid, nil
}

// AddReference links an existing node under another parent.
func (s *Space) AddReference(parent, target *ua.NodeID, refType uint32) error {
	s.mu.Lock()
	p, err := s.lookup(parent)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	t, err := s.lookup(target)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	for _, r := range p.children {
		if r.target == t {
			s.mu.Unlock()
			return fmt.Errorf("reference %s -> %s: %w", parent, target, ua.StatusBadDuplicateReferenceNotAllowed)
		}
	}
	rt := ua.NewNumericNodeID(0, refType)
	p.children = append(p.children, reference{refType: rt, target: t})
	t.parents = append(t.parents, reference{refType: rt, target: p})
	name := t.browseName
	s.mu.Unlock()

	s.emit(Event{Kind: EventReferenceAdded, Node: target, Parent: parent, BrowseName: name})
	return nil
}

// RemoveReference unlinks target from parent without deleting it.
func (s *Space) RemoveReference(parent, target *ua.NodeID) error {
	s.mu.Lock()
	p, err := s.lookup(parent)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	t, err := s.lookup(target)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	before := len(p.children)
	p.children = slices.DeleteFunc(p.children, func(r reference) bool { return r.target == t })
	if len(p.children) == before {
		s.mu.Unlock()
		return fmt.Errorf("reference %s -> %s: %w", parent, target, ua.StatusBadNotFound)
	}
	t.parents = slices.DeleteFunc(t.parents, func(r reference) bool { return r.target == p })
	name := t.browseName
	s.mu.Unlock()

	s.emit(Event{Kind: EventReferenceDeleted, Node: target, Parent: parent, BrowseName: name})
	return nil
}

// DeleteNode removes a node and every reference to or from it. Children are
// not deleted; callers tear subtrees down bottom-up.
func (s *Space) DeleteNode(nid *ua.NodeID) error {
	s.mu.Lock()
	n, err := s.lookup(nid)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if n == s.objects {
		s.mu.Unlock()
		return fmt.Errorf("delete Objects folder: %w", ua.StatusBadNotSupported)
	}
	for _, r := range n.parents {
		r.target.children = slices.DeleteFunc(r.target.children, func(c reference) bool { return c.target == n })
	}
	for _, r := range n.children {
		r.target.parents = slices.DeleteFunc(r.target.parents, func(c reference) bool { return c.target == n })
	}
	var parent *ua.NodeID
	if len(n.parents) > 0 {
		parent = n.parents[0].target.id
	}
	delete(s.nodes, n.key)
	name := n.browseName
	s.mu.Unlock()

	s.emit(Event{Kind: EventNodeDeleted, Node: nid, Parent: parent, BrowseName: name})
	return nil
}

// Rename changes a node's BrowseName.
func (s *Space) Rename(nid *ua.NodeID, browseName string) error {
	s.mu.Lock()
	n, err := s.lookup(nid)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if n.browseName == browseName {
		s.mu.Unlock()
		return nil
	}
	n.browseName = browseName
	s.mu.Unlock()

	s.emit(Event{Kind: EventBrowseNameChanged, Node: nid, BrowseName: browseName})
	return nil
}

// Node returns a snapshot of a node.
func (s *Space) Node(nid *ua.NodeID) (NodeInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.lookup(nid)
	if err != nil {
		return NodeInfo{}, false
	}
	return n.info(), true
}

// Children returns forward hierarchical children in insertion order.
func (s *Space) Children(nid *ua.NodeID) ([]NodeInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.lookup(nid)
	if err != nil {
		return nil, err
	}
	out := make([]NodeInfo, len(n.children))
	for i, r := range n.children {
		out[i] = r.target.info()
	}
	return out, nil
}

// Parents returns the NodeIDs referencing nid, in reference order.
func (s *Space) Parents(nid *ua.NodeID) ([]*ua.NodeID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.lookup(nid)
	if err != nil {
		return nil, err
	}
	out := make([]*ua.NodeID, len(n.parents))
	for i, r := range n.parents {
		out[i] = r.target.id
	}
	return out, nil
}

// FindChild returns the child of parent with the given BrowseName.
func (s *Space) FindChild(parent *ua.NodeID, browseName string) (NodeInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, err := s.lookup(parent)
	if err != nil {
		return NodeInfo{}, false
	}
	for _, r := range p.children {
		if r.target.browseName == browseName {
			return r.target.info(), true
		}
	}
	return NodeInfo{}, false
}

// Len returns the number of nodes, including the Objects folder.
func (s *Space) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Browse returns the forward references of nid as OPC UA reference
// descriptions.
func (s *Space) Browse(nid *ua.NodeID) ([]*ua.ReferenceDescription, ua.StatusCode) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.lookup(nid)
	if err != nil {
		return nil, ua.StatusBadNodeIDUnknown
	}
	refs := make([]*ua.ReferenceDescription, 0, len(n.children))
	for _, r := range n.children {
		t := r.target
		desc := &ua.ReferenceDescription{
			ReferenceTypeID: r.refType,
			IsForward:       true,
			NodeID:          &ua.ExpandedNodeID{NodeID: t.id},
			BrowseName:      &ua.QualifiedName{NamespaceIndex: s.ns, Name: t.browseName},
			DisplayName:     ua.NewLocalizedText(t.browseName),
			NodeClass:       t.class,
		}
		if t.typeDef != nil {
			desc.TypeDefinition = &ua.ExpandedNodeID{NodeID: t.typeDef}
		}
		refs = append(refs, desc)
	}
	return refs, ua.StatusOK
}

// Read returns the value of a variable node.
func (s *Space) Read(nid *ua.NodeID) *ua.DataValue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.lookup(nid)
	if err != nil {
		return &ua.DataValue{EncodingMask: ua.DataValueStatusCode, Status: ua.StatusBadNodeIDUnknown}
	}
	if n.class != ua.NodeClassVariable {
		return &ua.DataValue{EncodingMask: ua.DataValueStatusCode, Status: ua.StatusBadAttributeIDInvalid}
	}
	if n.value == nil {
		return &ua.DataValue{EncodingMask: ua.DataValueStatusCode, Status: ua.StatusOK}
	}
	return n.value
}

// SetValue updates a variable value from the owning side (the server
// mapper) and emits EventValueChanged.
func (s *Space) SetValue(nid *ua.NodeID, v *ua.Variant, sourceTime time.Time) error {
	s.mu.Lock()
	n, err := s.lookup(nid)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if n.class != ua.NodeClassVariable {
		s.mu.Unlock()
		return fmt.Errorf("set value on %s: %w", nid, ua.StatusBadAttributeIDInvalid)
	}
	dv := s.dataValue(v)
	if !sourceTime.IsZero() {
		dv.SourceTimestamp = sourceTime
	}
	n.value = dv
	name := n.browseName
	s.mu.Unlock()

	s.emit(Event{Kind: EventValueChanged, Node: nid, BrowseName: name, Value: dv})
	return nil
}

// Write applies a value write coming from an OPC UA client through the
// write handler. Without a handler the value is stored directly.
func (s *Space) Write(ctx context.Context, nid *ua.NodeID, v *ua.Variant) ua.StatusCode {
	s.mu.RLock()
	n, err := s.lookup(nid)
	handler := s.onWrite
	var info NodeInfo
	if err == nil {
		info = n.info()
	}
	s.mu.RUnlock()

	if err != nil {
		return ua.StatusBadNodeIDUnknown
	}
	if info.Class != ua.NodeClassVariable {
		return ua.StatusBadNotWritable
	}
	if handler == nil {
		if err := s.SetValue(nid, v, time.Time{}); err != nil {
			return ua.StatusBadInternalError
		}
		return ua.StatusOK
	}
	return handler(ctx, info, v)
}

func (s *Space) dataValue(v *ua.Variant) *ua.DataValue {
	now := s.now()
	dv := &ua.DataValue{
		EncodingMask:    ua.DataValueValue | ua.DataValueStatusCode | ua.DataValueSourceTimestamp | ua.DataValueServerTimestamp,
		Value:           v,
		Status:          ua.StatusOK,
		SourceTimestamp: now,
		ServerTimestamp: now,
	}
	if v == nil {
		dv.EncodingMask = ua.DataValueStatusCode | ua.DataValueServerTimestamp
	}
	return dv
}

// Walk visits every node reachable from root depth-first, passing the
// BrowseName path from root.
func (s *Space) Walk(root *ua.NodeID, fn func(path []string, n NodeInfo)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.lookup(root)
	if err != nil {
		return err
	}
	seen := make(map[*node]bool)
	var walk func(path []string, n *node)
	walk = func(path []string, n *node) {
		if seen[n] {
			return
		}
		seen[n] = true
		fn(path, n.info())
		for _, c := range n.children {
			walk(append(slices.Clone(path), c.target.browseName), c.target)
		}
	}
	walk([]string{r.browseName}, r)
	return nil
}
