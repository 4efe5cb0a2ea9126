package structure

import (
	"sync"

	"github.com/gopcua/opcua/ua"

	"github.com/roach88/opcsync/internal/subject"
)

// Factory creates an empty subject of one type in a context.
type Factory func(c *subject.Context) subject.Subject

type registration struct {
	typeName string
	typeDef  *ua.NodeID
	factory  Factory
}

// TypeRegistry maps OPC UA type-definition NodeIDs to subject types.
//
// The server mapper stamps subject nodes with their registered type
// definition; the client mirror and the server node manager use it to create
// subjects for nodes they did not create themselves.
//
// Thread-safety: safe for concurrent use.
type TypeRegistry struct {
	mu     sync.RWMutex
	byName map[string]*registration
	byNode map[string]*registration
}

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		byName: make(map[string]*registration),
		byNode: make(map[string]*registration),
	}
}

// Register binds a subject type name to a type-definition NodeID and a
// factory. Re-registering a name replaces the earlier binding.
func (r *TypeRegistry) Register(typeName string, typeDef *ua.NodeID, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byName[typeName]; ok {
		delete(r.byNode, old.typeDef.String())
	}
	reg := &registration{typeName: typeName, typeDef: typeDef, factory: f}
	r.byName[typeName] = reg
	r.byNode[typeDef.String()] = reg
}

// TypeDefinition returns the type definition registered for a subject type.
func (r *TypeRegistry) TypeDefinition(typeName string) (*ua.NodeID, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byName[typeName]
	if !ok {
		return nil, false
	}
	return reg.typeDef, true
}

// Lookup resolves a type definition to its subject type name and factory.
func (r *TypeRegistry) Lookup(typeDef *ua.NodeID) (string, Factory, bool) {
	if r == nil || typeDef == nil {
		return "", nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byNode[typeDef.String()]
	if !ok {
		return "", nil, false
	}
	return reg.typeName, reg.factory, true
}

// FactoryFor returns the factory registered for a subject type name.
func (r *TypeRegistry) FactoryFor(typeName string) (Factory, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byName[typeName]
	if !ok {
		return nil, false
	}
	return reg.factory, true
}
