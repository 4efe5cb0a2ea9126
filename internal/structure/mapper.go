// Package structure keeps a subject graph and an OPC UA address space
// structurally in sync.
//
// Mapper projects a local graph onto an addrspace.Space (server side):
//   - a value property becomes a Variable node named after the property
//   - a reference property becomes a child Object node named after the property
//   - a collection becomes a folder named after the property holding
//     "Prop[0]", "Prop[1]", ... item nodes, re-indexed on every change
//   - a dictionary becomes a folder holding one node per key
//
// A subject reachable from several slots maps to one node. Further
// attachments add references instead of nodes, and the node is torn down
// only when its last slot goes away.
//
// Mirror applies a browsed address-space tree back onto a local graph
// (client side).
package structure

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"

	"github.com/roach88/opcsync/internal/addrspace"
	"github.com/roach88/opcsync/internal/subject"
)

// ErrAlreadyAttached is returned when attaching a root twice.
var ErrAlreadyAttached = errors.New("subject is already attached")

// Slot is one place a subject is attached: a root, a reference property, a
// collection property, or a dictionary entry.
type Slot struct {
	// Parent is nil for a root slot.
	Parent   subject.Subject
	Property string
	Kind     subject.PropertyKind

	// Key is the dictionary key, or the BrowseName of a root slot.
	Key string
}

// IsRoot reports whether the slot attaches a root under the Objects folder.
func (s Slot) IsRoot() bool { return s.Parent == nil }

type entry struct {
	subject subject.Subject
	node    *ua.NodeID

	// slots[0] is the primary slot and names the node.
	slots []Slot

	vars       map[string]*ua.NodeID
	containers map[string]*ua.NodeID
	refs       map[string]subject.Subject
	items      map[string][]subject.Subject
	entries    map[string]map[string]subject.Subject
}

// Mapper projects subject graphs onto an address space and keeps them in
// sync through context change notifications.
//
// Thread-safety: safe for concurrent use. Reference counting and the node
// teardown decision happen under one lock.
type Mapper struct {
	space    *addrspace.Space
	registry *TypeRegistry
	logger   *slog.Logger
	live     bool

	mu       sync.Mutex
	entries  map[subject.Subject]*entry
	byNode   map[string]*entry
	vars     map[string]subject.PropertyReference
	folders  map[string]subject.PropertyReference
	observed map[*subject.Context]func()
}

// MapperOption configures a Mapper.
type MapperOption func(*Mapper)

// WithMapperLogger sets the logger. Default: slog.Default().
func WithMapperLogger(l *slog.Logger) MapperOption {
	return func(m *Mapper) { m.logger = l }
}

// WithLiveSync controls whether structural changes made after Attach are
// projected. Value changes are always projected. Default: true.
func WithLiveSync(enabled bool) MapperOption {
	return func(m *Mapper) { m.live = enabled }
}

// NewMapper creates a mapper writing into space. The registry may be nil.
func NewMapper(space *addrspace.Space, registry *TypeRegistry, opts ...MapperOption) *Mapper {
	m := &Mapper{
		space:    space,
		registry: registry,
		logger:   slog.Default(),
		live:     true,
		entries:  make(map[subject.Subject]*entry),
		byNode:   make(map[string]*entry),
		vars:     make(map[string]subject.PropertyReference),
		folders:  make(map[string]subject.PropertyReference),
		observed: make(map[*subject.Context]func()),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Space returns the address space the mapper writes to.
func (m *Mapper) Space() *addrspace.Space { return m.space }

// Attach maps root and everything reachable from it under the Objects
// folder, named browseName, and starts following its context's changes.
func (m *Mapper) Attach(root subject.Subject, browseName string) (*ua.NodeID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[root]; ok {
		for _, sl := range e.slots {
			if sl.IsRoot() {
				return nil, fmt.Errorf("attach %s: %w", browseName, ErrAlreadyAttached)
			}
		}
	}

	m.attach(root, Slot{Key: browseName})
	e, ok := m.entries[root]
	if !ok {
		return nil, fmt.Errorf("attach %s: node creation failed", browseName)
	}

	sc := root.Context()
	if _, ok := m.observed[sc]; !ok {
		m.observed[sc] = sc.Observe(m.onChange)
	}
	m.logger.Info("subject graph attached",
		"root", browseName,
		"node", e.node.String(),
		"nodes", len(m.entries),
	)
	return e.node, nil
}

// Detach removes the root attached under browseName.
func (m *Mapper) Detach(root subject.Subject, browseName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detach(root, Slot{Key: browseName}, m.space.ObjectsFolder())
}

// Close stops following change notifications. Nodes stay in the space.
func (m *Mapper) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sc, cancel := range m.observed {
		cancel()
		delete(m.observed, sc)
	}
}

// NodeOf returns the node of an attached subject.
func (m *Mapper) NodeOf(s subject.Subject) (*ua.NodeID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[s]
	if !ok {
		return nil, false
	}
	return e.node, true
}

// SubjectOf returns the subject mapped to an object node.
func (m *Mapper) SubjectOf(nid *ua.NodeID) (subject.Subject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byNode[nid.String()]
	if !ok {
		return nil, false
	}
	return e.subject, true
}

// VariableOf returns the variable node of a value property.
func (m *Mapper) VariableOf(ref subject.PropertyReference) (*ua.NodeID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[ref.Subject]
	if !ok {
		return nil, false
	}
	nid, ok := e.vars[ref.Name()]
	return nid, ok
}

// PropertyOf returns the value property bound to a variable node.
func (m *Mapper) PropertyOf(nid *ua.NodeID) (subject.PropertyReference, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.vars[nid.String()]
	return ref, ok
}

// ContainerOf returns the collection or dictionary property a folder node
// represents.
func (m *Mapper) ContainerOf(nid *ua.NodeID) (subject.PropertyReference, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.folders[nid.String()]
	return ref, ok
}

// RefCount returns how many slots reference s (0 if not attached).
func (m *Mapper) RefCount(s subject.Subject) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[s]
	if !ok {
		return 0
	}
	return len(e.slots)
}

// Slots returns the slots of s, primary first.
func (m *Mapper) Slots(s subject.Subject) []Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[s]
	if !ok {
		return nil
	}
	return slices.Clone(e.slots)
}

// Len returns the number of attached subjects.
func (m *Mapper) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// onChange follows graph changes. Runs on the writing goroutine.
func (m *Mapper) onChange(ch subject.Change) {
	if !ch.Property.IsValid() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[ch.Property.Subject]
	if !ok {
		return
	}
	md := ch.Property.Metadata
	if md.Kind.IsStructural() && !m.live {
		return
	}
	switch md.Kind {
	case subject.KindValue:
		nid, ok := e.vars[md.Name]
		if !ok {
			return
		}
		v, err := addrspace.ToVariant(ch.NewValue)
		if err != nil {
			m.logger.Warn("value not representable in address space",
				"property", ch.Property.String(),
				"error", err,
			)
			return
		}
		if err := m.space.SetValue(nid, v, ch.ChangedAt); err != nil {
			m.logger.Warn("variable update failed", "node", nid.String(), "error", err)
		}
	case subject.KindReference:
		next, _ := ch.NewValue.(subject.Subject)
		m.syncReference(e, md.Name, next)
	case subject.KindCollection:
		next, _ := ch.NewValue.([]subject.Subject)
		m.syncCollection(e, md.Name, next)
	case subject.KindDictionary:
		next, _ := ch.NewValue.(map[string]subject.Subject)
		m.syncDictionary(e, md.Name, next)
	}
}

func (m *Mapper) syncReference(e *entry, prop string, next subject.Subject) {
	prev := e.refs[prop]
	if prev == next {
		return
	}
	sl := Slot{Parent: e.subject, Property: prop, Kind: subject.KindReference}
	e.refs[prop] = next
	if prev != nil {
		m.detach(prev, sl, e.node)
	}
	if next != nil {
		m.attach(next, sl)
	}
}

// syncCollection diffs a collection as a set: removed members are detached,
// new members attached, then every member whose primary slot is this
// collection is renamed to its current index.
func (m *Mapper) syncCollection(e *entry, prop string, next []subject.Subject) {
	folder := e.containers[prop]
	sl := Slot{Parent: e.subject, Property: prop, Kind: subject.KindCollection}

	prevSet := memberSet(e.items[prop])
	nextSet := memberSet(next)
	prevUniq := uniq(e.items[prop])
	nextUniq := uniq(next)
	e.items[prop] = slices.Clone(next)

	for _, s := range prevUniq {
		if !nextSet[s] {
			m.detach(s, sl, folder)
		}
	}
	for _, s := range nextUniq {
		if !prevSet[s] {
			m.attach(s, sl)
		}
	}
	for _, s := range nextUniq {
		ce, ok := m.entries[s]
		if !ok || len(ce.slots) == 0 || ce.slots[0] != sl {
			continue
		}
		if err := m.space.Rename(ce.node, m.nameOf(s, sl)); err != nil {
			m.logger.Warn("re-index failed", "node", ce.node.String(), "error", err)
		}
	}
}

func (m *Mapper) syncDictionary(e *entry, prop string, next map[string]subject.Subject) {
	folder := e.containers[prop]
	prev := e.entries[prop]
	e.entries[prop] = maps.Clone(next)

	for _, k := range sortedKeys(prev) {
		if prev[k] != nil && next[k] != prev[k] {
			m.detach(prev[k], Slot{Parent: e.subject, Property: prop, Kind: subject.KindDictionary, Key: k}, folder)
		}
	}
	for _, k := range sortedKeys(next) {
		if next[k] != nil && prev[k] != next[k] {
			m.attach(next[k], Slot{Parent: e.subject, Property: prop, Kind: subject.KindDictionary, Key: k})
		}
	}
}

// attach adds a slot for s, creating its node on first attachment.
// Caller holds m.mu.
func (m *Mapper) attach(s subject.Subject, sl Slot) {
	parent := m.parentNodeOf(sl)
	if parent == nil {
		return
	}

	if e, ok := m.entries[s]; ok {
		linked := m.linkedFrom(e, parent)
		e.slots = append(e.slots, sl)
		if linked {
			return
		}
		if err := m.space.AddReference(parent, e.node, refTypeOf(sl)); err != nil {
			m.logger.Warn("shared reference not added", "node", e.node.String(), "error", err)
		}
		return
	}

	nid, err := m.space.AddNode(parent, refTypeOf(sl), addrspace.NodeSpec{
		BrowseName:     m.nameOf(s, sl),
		Class:          ua.NodeClassObject,
		TypeDefinition: m.typeDefOf(s),
	})
	if err != nil {
		m.logger.Warn("subject node not created", "type", s.Type(), "error", err)
		return
	}
	e := &entry{
		subject:    s,
		node:       nid,
		slots:      []Slot{sl},
		vars:       make(map[string]*ua.NodeID),
		containers: make(map[string]*ua.NodeID),
		refs:       make(map[string]subject.Subject),
		items:      make(map[string][]subject.Subject),
		entries:    make(map[string]map[string]subject.Subject),
	}
	m.entries[s] = e
	m.byNode[nid.String()] = e
	m.populate(e)
}

// populate creates the children of a freshly created subject node.
func (m *Mapper) populate(e *entry) {
	s := e.subject
	for _, md := range s.Properties() {
		ref := subject.PropertyReference{Subject: s, Metadata: md}
		switch md.Kind {
		case subject.KindValue:
			m.addVariable(e, ref)
		case subject.KindReference:
			child, _ := md.Get(s).(subject.Subject)
			e.refs[md.Name] = child
			if child != nil {
				m.attach(child, Slot{Parent: s, Property: md.Name, Kind: md.Kind})
			}
		case subject.KindCollection:
			if !m.addFolder(e, ref) {
				continue
			}
			items, _ := md.Get(s).([]subject.Subject)
			e.items[md.Name] = slices.Clone(items)
			for _, it := range uniq(items) {
				m.attach(it, Slot{Parent: s, Property: md.Name, Kind: md.Kind})
			}
		case subject.KindDictionary:
			if !m.addFolder(e, ref) {
				continue
			}
			dict, _ := md.Get(s).(map[string]subject.Subject)
			e.entries[md.Name] = maps.Clone(dict)
			for _, k := range sortedKeys(dict) {
				if dict[k] != nil {
					m.attach(dict[k], Slot{Parent: s, Property: md.Name, Kind: md.Kind, Key: k})
				}
			}
		}
	}
}

func (m *Mapper) addVariable(e *entry, ref subject.PropertyReference) {
	v, err := addrspace.ToVariant(ref.Raw())
	if err != nil {
		m.logger.Warn("value not representable in address space",
			"property", ref.String(),
			"error", err,
		)
		v = nil
	}
	nid, err := m.space.AddNode(e.node, id.HasProperty, addrspace.NodeSpec{
		BrowseName:     ref.Name(),
		Class:          ua.NodeClassVariable,
		TypeDefinition: ua.NewNumericNodeID(0, id.BaseDataVariableType),
		DataType:       addrspace.DataTypeOf(ref.Metadata.Type),
		Value:          v,
	})
	if err != nil {
		m.logger.Warn("variable node not created", "property", ref.String(), "error", err)
		return
	}
	e.vars[ref.Name()] = nid
	m.vars[nid.String()] = ref
}

func (m *Mapper) addFolder(e *entry, ref subject.PropertyReference) bool {
	nid, err := m.space.AddNode(e.node, id.HasComponent, addrspace.NodeSpec{
		BrowseName:     ref.Name(),
		Class:          ua.NodeClassObject,
		TypeDefinition: ua.NewNumericNodeID(0, id.FolderType),
	})
	if err != nil {
		m.logger.Warn("container node not created", "property", ref.String(), "error", err)
		return false
	}
	e.containers[ref.Name()] = nid
	m.folders[nid.String()] = ref
	return true
}

// detach removes one slot of s. parent is the node the slot hangs under; it
// is passed explicitly because the parent entry may already be torn down.
// Caller holds m.mu.
func (m *Mapper) detach(s subject.Subject, sl Slot, parent *ua.NodeID) {
	e, ok := m.entries[s]
	if !ok {
		return
	}
	i := slices.Index(e.slots, sl)
	if i < 0 {
		return
	}
	e.slots = slices.Delete(e.slots, i, i+1)

	if len(e.slots) > 0 {
		if parent != nil && !m.linkedFrom(e, parent) {
			if err := m.space.RemoveReference(parent, e.node); err != nil {
				m.logger.Warn("shared reference not removed", "node", e.node.String(), "error", err)
			}
		}
		if i == 0 {
			if err := m.space.Rename(e.node, m.nameOf(s, e.slots[0])); err != nil {
				m.logger.Warn("primary rename failed", "node", e.node.String(), "error", err)
			}
		}
		return
	}
	m.teardown(e)
}

// teardown deletes a subject node and its subtree bottom-up.
func (m *Mapper) teardown(e *entry) {
	s := e.subject
	delete(m.entries, s)
	delete(m.byNode, e.node.String())

	for _, md := range s.Properties() {
		switch md.Kind {
		case subject.KindValue:
			if nid, ok := e.vars[md.Name]; ok {
				delete(m.vars, nid.String())
				m.deleteNode(nid)
			}
		case subject.KindReference:
			if child := e.refs[md.Name]; child != nil {
				m.detach(child, Slot{Parent: s, Property: md.Name, Kind: md.Kind}, e.node)
			}
		case subject.KindCollection:
			folder, ok := e.containers[md.Name]
			if !ok {
				continue
			}
			for _, it := range uniq(e.items[md.Name]) {
				m.detach(it, Slot{Parent: s, Property: md.Name, Kind: md.Kind}, folder)
			}
			delete(m.folders, folder.String())
			m.deleteNode(folder)
		case subject.KindDictionary:
			folder, ok := e.containers[md.Name]
			if !ok {
				continue
			}
			dict := e.entries[md.Name]
			for _, k := range sortedKeys(dict) {
				if dict[k] != nil {
					m.detach(dict[k], Slot{Parent: s, Property: md.Name, Kind: md.Kind, Key: k}, folder)
				}
			}
			delete(m.folders, folder.String())
			m.deleteNode(folder)
		}
	}
	m.deleteNode(e.node)
}

func (m *Mapper) deleteNode(nid *ua.NodeID) {
	if err := m.space.DeleteNode(nid); err != nil {
		m.logger.Warn("node not deleted", "node", nid.String(), "error", err)
	}
}

// parentNodeOf returns the node a slot hangs under, or nil if the parent is
// not attached.
func (m *Mapper) parentNodeOf(sl Slot) *ua.NodeID {
	if sl.IsRoot() {
		return m.space.ObjectsFolder()
	}
	pe, ok := m.entries[sl.Parent]
	if !ok {
		return nil
	}
	if sl.Kind == subject.KindReference {
		return pe.node
	}
	return pe.containers[sl.Property]
}

// linkedFrom reports whether one of e's slots already hangs under parent.
// Two slots of the same parent node share a single edge.
func (m *Mapper) linkedFrom(e *entry, parent *ua.NodeID) bool {
	for _, other := range e.slots {
		if pn := m.parentNodeOf(other); pn != nil && pn.String() == parent.String() {
			return true
		}
	}
	return false
}

// nameOf returns the BrowseName s gets from a slot.
func (m *Mapper) nameOf(s subject.Subject, sl Slot) string {
	if sl.IsRoot() {
		return sl.Key
	}
	switch sl.Kind {
	case subject.KindCollection:
		idx := -1
		if pe, ok := m.entries[sl.Parent]; ok {
			idx = slices.Index(pe.items[sl.Property], s)
		}
		return ItemName(sl.Property, idx)
	case subject.KindDictionary:
		return sl.Key
	default:
		return sl.Property
	}
}

func (m *Mapper) typeDefOf(s subject.Subject) *ua.NodeID {
	if td, ok := m.registry.TypeDefinition(s.Type()); ok {
		return td
	}
	return ua.NewNumericNodeID(0, id.BaseObjectType)
}

func refTypeOf(sl Slot) uint32 {
	if sl.IsRoot() || sl.Kind == subject.KindCollection || sl.Kind == subject.KindDictionary {
		return id.Organizes
	}
	return id.HasComponent
}

// ItemName returns the BrowseName of collection item i.
func ItemName(prop string, i int) string {
	return fmt.Sprintf("%s[%d]", prop, i)
}

func uniq(items []subject.Subject) []subject.Subject {
	seen := make(map[subject.Subject]bool, len(items))
	out := make([]subject.Subject, 0, len(items))
	for _, it := range items {
		if it == nil || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}

func memberSet(items []subject.Subject) map[subject.Subject]bool {
	set := make(map[subject.Subject]bool, len(items))
	for _, it := range items {
		if it != nil {
			set[it] = true
		}
	}
	return set
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
