package subject

import (
	"fmt"
	"reflect"
)

// PropertyKind classifies how a property participates in the graph structure.
type PropertyKind int

const (
	// KindValue is a plain value (scalar, array, bytes, time).
	KindValue PropertyKind = iota
	// KindReference points at zero or one child subject.
	KindReference
	// KindCollection holds an ordered []Subject.
	KindCollection
	// KindDictionary holds a map[string]Subject keyed by entry name.
	KindDictionary
)

// String returns the kind name used in logs and traces.
func (k PropertyKind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindReference:
		return "reference"
	case KindCollection:
		return "collection"
	case KindDictionary:
		return "dictionary"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IsStructural reports whether the kind links subjects together.
func (k PropertyKind) IsStructural() bool {
	return k != KindValue
}

// PropertyMetadata describes one property of a subject type.
//
// Get and Set are the raw accessors; they never run interceptors.
// Set is nil for derived properties.
type PropertyMetadata struct {
	Name      string
	Kind      PropertyKind
	IsDerived bool

	// Type is the logical element type: a value type name for KindValue, or the
	// subject type name for structural kinds.
	Type string

	Get func(Subject) any
	Set func(Subject, any)
}

// PropertyReference identifies one property on one subject instance.
//
// It is comparable and used as a map key; equality is (subject, metadata).
type PropertyReference struct {
	Subject  Subject
	Metadata *PropertyMetadata
}

// NewPropertyReference builds a reference, looking the property up by name.
func NewPropertyReference(s Subject, name string) (PropertyReference, error) {
	md, ok := s.Property(name)
	if !ok {
		return PropertyReference{}, fmt.Errorf("subject %s has no property %q", s.Type(), name)
	}
	return PropertyReference{Subject: s, Metadata: md}, nil
}

// Name returns the property name.
func (r PropertyReference) Name() string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata.Name
}

// Context returns the owning subject's context.
func (r PropertyReference) Context() *Context {
	if r.Subject == nil {
		return nil
	}
	return r.Subject.Context()
}

// Raw reads the current stored value without interceptors.
func (r PropertyReference) Raw() any {
	return r.Metadata.Get(r.Subject)
}

// String formats the reference as Type.Property.
func (r PropertyReference) String() string {
	if r.Subject == nil || r.Metadata == nil {
		return "<invalid>"
	}
	return r.Subject.Type() + "." + r.Metadata.Name
}

// IsValid reports whether both parts are set.
func (r PropertyReference) IsValid() bool {
	return r.Subject != nil && r.Metadata != nil
}

// Equal compares two property values.
//
// Subjects compare by identity, collections and dictionaries element-wise by
// identity, everything else with reflect.DeepEqual.
func Equal(a, b any) bool {
	switch av := a.(type) {
	case Subject:
		bv, ok := b.(Subject)
		return ok && av == bv
	case []Subject:
		bv, ok := b.([]Subject)
		if !ok {
			return len(av) == 0 && b == nil
		}
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
		return true
	case map[string]Subject:
		bv, ok := b.(map[string]Subject)
		if !ok {
			return len(av) == 0 && b == nil
		}
		if len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			if other, ok := bv[k]; !ok || other != v {
				return false
			}
		}
		return true
	case nil:
		switch bv := b.(type) {
		case nil:
			return true
		case []Subject:
			return len(bv) == 0
		case map[string]Subject:
			return len(bv) == 0
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}
