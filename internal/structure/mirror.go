package structure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/gopcua/opcua/ua"

	"github.com/roach88/opcsync/internal/addrspace"
	"github.com/roach88/opcsync/internal/subject"
)

// Mirror applies browsed address-space structure onto a local subject graph
// and keeps the node bindings needed for value updates and outgoing writes.
//
// Node identity is subject identity: a node reached from several parents
// yields one shared subject, and subjects survive re-browses as long as
// their node does.
type Mirror struct {
	registry *TypeRegistry
	source   any
	logger   *slog.Logger

	mu       sync.Mutex
	subjects map[string]subject.Subject
	nodes    map[subject.Subject]*ua.NodeID
	vars     map[string]subject.PropertyReference
	varOf    map[subject.PropertyReference]*ua.NodeID
	folders  map[subject.PropertyReference]*ua.NodeID
}

// MirrorOption configures a Mirror.
type MirrorOption func(*Mirror)

// WithMirrorLogger sets the logger. Default: slog.Default().
func WithMirrorLogger(l *slog.Logger) MirrorOption {
	return func(m *Mirror) { m.logger = l }
}

// NewMirror creates a mirror. Writes it performs are tagged with source.
func NewMirror(registry *TypeRegistry, source any, opts ...MirrorOption) *Mirror {
	m := &Mirror{
		registry: registry,
		source:   source,
		logger:   slog.Default(),
		subjects: make(map[string]subject.Subject),
		nodes:    make(map[subject.Subject]*ua.NodeID),
		vars:     make(map[string]subject.PropertyReference),
		varOf:    make(map[subject.PropertyReference]*ua.NodeID),
		folders:  make(map[subject.PropertyReference]*ua.NodeID),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Source returns the tag carried by writes the mirror performs.
func (m *Mirror) Source() any { return m.source }

// ApplyStats summarizes one Apply.
type ApplyStats struct {
	Subjects  int
	Variables int
	Created   int
	Writes    int
}

type pendingWrite struct {
	ref   subject.PropertyReference
	value any
	dv    *ua.DataValue
}

type plan struct {
	m        *Mirror
	sc       *subject.Context
	subjects map[string]subject.Subject
	nodes    map[subject.Subject]*ua.NodeID
	vars     map[string]subject.PropertyReference
	varOf    map[subject.PropertyReference]*ua.NodeID
	folders  map[subject.PropertyReference]*ua.NodeID
	writes   []pendingWrite
	created  int
}

// Apply binds tree to root and writes every structural and value
// difference into the local graph.
func (m *Mirror) Apply(ctx context.Context, root subject.Subject, tree *RemoteNode) (ApplyStats, error) {
	m.mu.Lock()
	p := &plan{
		m:        m,
		sc:       root.Context(),
		subjects: make(map[string]subject.Subject),
		nodes:    make(map[subject.Subject]*ua.NodeID),
		vars:     make(map[string]subject.PropertyReference),
		varOf:    make(map[subject.PropertyReference]*ua.NodeID),
		folders:  make(map[subject.PropertyReference]*ua.NodeID),
	}
	p.bind(root, tree)
	m.subjects = p.subjects
	m.nodes = p.nodes
	m.vars = p.vars
	m.varOf = p.varOf
	m.folders = p.folders
	m.mu.Unlock()

	stats := ApplyStats{
		Subjects:  len(p.nodes),
		Variables: len(p.vars),
		Created:   p.created,
	}

	wctx := subject.WithSource(ctx, m.source)
	var errs []error
	for _, w := range p.writes {
		c := wctx
		if w.dv != nil && !w.dv.SourceTimestamp.IsZero() {
			c = subject.WithChangedAt(wctx, w.dv.SourceTimestamp)
		}
		if err := w.ref.Context().SetValue(c, w.ref, w.value); err != nil {
			errs = append(errs, fmt.Errorf("apply %s: %w", w.ref, err))
			continue
		}
		stats.Writes++
	}
	return stats, errors.Join(errs...)
}

func (p *plan) bind(s subject.Subject, n *RemoteNode) {
	if _, done := p.nodes[s]; done {
		return
	}
	p.subjects[n.ID.String()] = s
	p.nodes[s] = n.ID

	claimed := make(map[*RemoteNode]bool)
	var unresolved []*subject.PropertyMetadata

	for _, md := range s.Properties() {
		ref := subject.PropertyReference{Subject: s, Metadata: md}
		switch md.Kind {
		case subject.KindValue:
			c := n.Child(md.Name)
			if c == nil || c.Class != ua.NodeClassVariable {
				continue
			}
			claimed[c] = true
			p.vars[c.ID.String()] = ref
			p.varOf[ref] = c.ID
			if md.IsDerived || c.Value == nil {
				continue
			}
			v, err := addrspace.FromVariant(c.Value.Value, md.Type)
			if err != nil {
				p.m.logger.Warn("remote value ignored", "property", ref.String(), "error", err)
				continue
			}
			if !subject.Equal(ref.Raw(), v) {
				p.writes = append(p.writes, pendingWrite{ref: ref, value: v, dv: c.Value})
			}

		case subject.KindReference:
			c := n.Child(md.Name)
			if c == nil || c.Class != ua.NodeClassObject || c.IsFolder() {
				unresolved = append(unresolved, md)
				continue
			}
			claimed[c] = true
			p.bindReference(ref, c)

		case subject.KindCollection:
			folder := n.Child(md.Name)
			if folder == nil {
				continue
			}
			claimed[folder] = true
			p.folders[ref] = folder.ID
			var items []subject.Subject
			for _, it := range orderedItems(folder) {
				if cs := p.subjectFor(it, md.Type); cs != nil {
					items = append(items, cs)
					p.bind(cs, it)
				}
			}
			if !subject.Equal(ref.Raw(), items) {
				p.writes = append(p.writes, pendingWrite{ref: ref, value: items})
			}

		case subject.KindDictionary:
			folder := n.Child(md.Name)
			if folder == nil {
				continue
			}
			claimed[folder] = true
			p.folders[ref] = folder.ID
			dict := make(map[string]subject.Subject)
			for _, it := range folder.Children {
				if it.Class != ua.NodeClassObject {
					continue
				}
				if cs := p.subjectFor(it, md.Type); cs != nil {
					dict[it.BrowseName] = cs
					p.bind(cs, it)
				}
			}
			if !subject.Equal(ref.Raw(), dict) {
				p.writes = append(p.writes, pendingWrite{ref: ref, value: dict})
			}
		}
	}

	// A shared subject's node carries the name of its primary slot, so a
	// reference may not find a child under its own name. Unclaimed object
	// children are matched to unresolved references in declaration order.
	for _, md := range unresolved {
		ref := subject.PropertyReference{Subject: s, Metadata: md}
		var match *RemoteNode
		for _, c := range n.Children {
			if !claimed[c] && c.Class == ua.NodeClassObject && !c.IsFolder() {
				match = c
				break
			}
		}
		if match == nil {
			if ref.Raw() != nil {
				p.writes = append(p.writes, pendingWrite{ref: ref, value: nil})
			}
			continue
		}
		claimed[match] = true
		p.bindReference(ref, match)
	}
}

func (p *plan) bindReference(ref subject.PropertyReference, c *RemoteNode) {
	cs := p.subjectFor(c, ref.Metadata.Type)
	if cs == nil {
		return
	}
	p.bind(cs, c)
	if current, _ := ref.Raw().(subject.Subject); current != cs {
		p.writes = append(p.writes, pendingWrite{ref: ref, value: cs})
	}
}

// subjectFor returns the subject of a node: the one bound in this pass, the
// one bound by a previous pass, or a new one from the type registry.
func (p *plan) subjectFor(n *RemoteNode, declaredType string) subject.Subject {
	key := n.ID.String()
	if s, ok := p.subjects[key]; ok {
		return s
	}
	if s, ok := p.m.subjects[key]; ok {
		return s
	}

	factory := Factory(nil)
	if _, f, ok := p.m.registry.Lookup(n.TypeDefinition); ok {
		factory = f
	} else if f, ok := p.m.registry.FactoryFor(declaredType); ok {
		factory = f
	}
	if factory == nil {
		p.m.logger.Warn("no subject type for node",
			"node", key,
			"browse_name", n.BrowseName,
			"declared_type", declaredType,
		)
		return nil
	}
	p.created++
	return factory(p.sc)
}

// ApplyValue writes a value notification into the bound property. Unknown
// nodes are ignored.
func (m *Mirror) ApplyValue(ctx context.Context, nid *ua.NodeID, dv *ua.DataValue) error {
	m.mu.Lock()
	ref, ok := m.vars[nid.String()]
	m.mu.Unlock()
	if !ok || dv == nil || ref.Metadata.IsDerived {
		return nil
	}
	if dv.Status != ua.StatusOK {
		return fmt.Errorf("value of %s: %w", ref, dv.Status)
	}
	v, err := addrspace.FromVariant(dv.Value, ref.Metadata.Type)
	if err != nil {
		return fmt.Errorf("value of %s: %w", ref, err)
	}
	if subject.Equal(ref.Raw(), v) {
		return nil
	}
	c := subject.WithSource(ctx, m.source)
	if !dv.SourceTimestamp.IsZero() {
		c = subject.WithChangedAt(c, dv.SourceTimestamp)
	}
	return ref.Context().SetValue(c, ref, v)
}

// Adopt binds a node created remotely for an existing local subject, so the
// next Apply reuses s instead of creating a new one.
func (m *Mirror) Adopt(nid *ua.NodeID, s subject.Subject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects[nid.String()] = s
	m.nodes[s] = nid
}

// VariableOf returns the remote variable bound to a value property.
func (m *Mirror) VariableOf(ref subject.PropertyReference) (*ua.NodeID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nid, ok := m.varOf[ref]
	return nid, ok
}

// PropertyOf returns the value property bound to a remote variable.
func (m *Mirror) PropertyOf(nid *ua.NodeID) (subject.PropertyReference, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.vars[nid.String()]
	return ref, ok
}

// FolderOf returns the remote folder of a collection or dictionary property.
func (m *Mirror) FolderOf(ref subject.PropertyReference) (*ua.NodeID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nid, ok := m.folders[ref]
	return nid, ok
}

// NodeOf returns the remote node of a bound subject.
func (m *Mirror) NodeOf(s subject.Subject) (*ua.NodeID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nid, ok := m.nodes[s]
	return nid, ok
}

// SubjectOf returns the subject bound to a remote node.
func (m *Mirror) SubjectOf(nid *ua.NodeID) (subject.Subject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subjects[nid.String()]
	return s, ok
}

// Variables returns every bound variable, ordered by NodeID string.
func (m *Mirror) Variables() []*ua.NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.vars))
	for k := range m.vars {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]*ua.NodeID, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.varOf[m.vars[k]])
	}
	return out
}
