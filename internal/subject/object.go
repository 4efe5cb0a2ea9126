package subject

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Field declares one property of a Schema.
type Field struct {
	Name    string
	Kind    PropertyKind
	Type    string
	Default any

	// Derive computes a derived property from raw values. Non-nil marks the
	// field as derived.
	Derive func(o *Object) any
}

// Value declares a plain value property.
func Value(name, typ string, def any) Field {
	return Field{Name: name, Kind: KindValue, Type: typ, Default: def}
}

// Reference declares a single-subject reference property.
func Reference(name, subjectType string) Field {
	return Field{Name: name, Kind: KindReference, Type: subjectType}
}

// Collection declares an ordered subject collection property.
func Collection(name, subjectType string) Field {
	return Field{Name: name, Kind: KindCollection, Type: subjectType}
}

// Dictionary declares a string-keyed subject dictionary property.
func Dictionary(name, subjectType string) Field {
	return Field{Name: name, Kind: KindDictionary, Type: subjectType}
}

// Derived declares a read-only property computed from other properties.
func Derived(name, typ string, fn func(o *Object) any) Field {
	return Field{Name: name, Kind: KindValue, Type: typ, Derive: fn}
}

// Schema is the descriptor table for a map-backed subject type.
//
// A Schema is immutable after NewSchema and safe for concurrent use.
type Schema struct {
	name     string
	props    []*PropertyMetadata
	byName   map[string]*PropertyMetadata
	defaults map[string]any
}

// NewSchema builds a schema. Field names must be unique.
func NewSchema(name string, fields ...Field) *Schema {
	s := &Schema{
		name:     name,
		byName:   make(map[string]*PropertyMetadata, len(fields)),
		defaults: make(map[string]any),
	}
	for _, f := range fields {
		if _, dup := s.byName[f.Name]; dup {
			panic(fmt.Sprintf("subject: duplicate field %q in schema %s", f.Name, name))
		}
		md := &PropertyMetadata{
			Name: f.Name,
			Kind: f.Kind,
			Type: f.Type,
		}
		fieldName := f.Name
		if f.Derive != nil {
			derive := f.Derive
			md.IsDerived = true
			md.Get = func(sub Subject) any { return derive(sub.(*Object)) }
		} else {
			md.Get = func(sub Subject) any { return sub.(*Object).Raw(fieldName) }
			md.Set = func(sub Subject, v any) { sub.(*Object).store(fieldName, v) }
			if f.Default != nil {
				s.defaults[f.Name] = f.Default
			}
		}
		s.props = append(s.props, md)
		s.byName[f.Name] = md
	}
	return s
}

// Name returns the subject type name.
func (s *Schema) Name() string {
	return s.name
}

// Properties returns the descriptor table.
func (s *Schema) Properties() []*PropertyMetadata {
	return s.props
}

// New creates an Object of this schema in the given context.
func (s *Schema) New(c *Context) *Object {
	o := &Object{
		schema: s,
		ctx:    c,
		values: make(map[string]any, len(s.props)),
	}
	maps.Copy(o.values, s.defaults)
	return o
}

// Object is a map-backed Subject.
type Object struct {
	schema *Schema
	ctx    *Context

	mu     sync.RWMutex
	values map[string]any
}

// Context implements Subject.
func (o *Object) Context() *Context { return o.ctx }

// Type implements Subject.
func (o *Object) Type() string { return o.schema.name }

// Properties implements Subject.
func (o *Object) Properties() []*PropertyMetadata { return o.schema.props }

// Property implements Subject.
func (o *Object) Property(name string) (*PropertyMetadata, bool) {
	md, ok := o.schema.byName[name]
	return md, ok
}

// Ref returns the reference for a property. Panics on unknown names.
func (o *Object) Ref(name string) PropertyReference {
	md, ok := o.schema.byName[name]
	if !ok {
		panic(fmt.Sprintf("subject: %s has no property %q", o.schema.name, name))
	}
	return PropertyReference{Subject: o, Metadata: md}
}

// Raw reads a stored value without interceptors.
func (o *Object) Raw(name string) any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.values[name]
}

func (o *Object) store(name string, v any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if v == nil {
		delete(o.values, name)
		return
	}
	o.values[name] = v
}

// Get reads a property through the interceptor chain.
func (o *Object) Get(ctx context.Context, name string) any {
	return o.ctx.GetValue(ctx, o.Ref(name))
}

// Set writes a property through the interceptor chain.
func (o *Object) Set(ctx context.Context, name string, v any) error {
	return o.ctx.SetValue(ctx, o.Ref(name), v)
}

// Items returns a copy of a collection property as seen through interceptors.
func (o *Object) Items(ctx context.Context, name string) []Subject {
	items, _ := o.Get(ctx, name).([]Subject)
	return slices.Clone(items)
}

// Entries returns a copy of a dictionary property as seen through interceptors.
func (o *Object) Entries(ctx context.Context, name string) map[string]Subject {
	entries, _ := o.Get(ctx, name).(map[string]Subject)
	return maps.Clone(entries)
}

// Append adds items to the end of a collection.
func (o *Object) Append(ctx context.Context, name string, items ...Subject) error {
	next := append(o.Items(ctx, name), items...)
	return o.Set(ctx, name, next)
}

// RemoveAt removes the collection element at index i.
func (o *Object) RemoveAt(ctx context.Context, name string, i int) error {
	items := o.Items(ctx, name)
	if i < 0 || i >= len(items) {
		return fmt.Errorf("remove %s.%s[%d]: index out of range (len %d)", o.schema.name, name, i, len(items))
	}
	return o.Set(ctx, name, slices.Delete(items, i, i+1))
}

// Remove removes the first occurrence of item from a collection.
func (o *Object) Remove(ctx context.Context, name string, item Subject) error {
	items := o.Items(ctx, name)
	i := slices.Index(items, item)
	if i < 0 {
		return fmt.Errorf("remove %s.%s: subject not in collection", o.schema.name, name)
	}
	return o.Set(ctx, name, slices.Delete(items, i, i+1))
}

// Put sets a dictionary entry.
func (o *Object) Put(ctx context.Context, name, key string, item Subject) error {
	entries := o.Entries(ctx, name)
	if entries == nil {
		entries = make(map[string]Subject)
	}
	entries[key] = item
	return o.Set(ctx, name, entries)
}

// Delete removes a dictionary entry. Missing keys are a no-op.
func (o *Object) Delete(ctx context.Context, name, key string) error {
	entries := o.Entries(ctx, name)
	if _, ok := entries[key]; !ok {
		return nil
	}
	delete(entries, key)
	return o.Set(ctx, name, entries)
}
