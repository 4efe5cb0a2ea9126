// Package model declares the demo subject types shared by the CLI, the
// harness and the tests.
package model

import (
	"context"

	"github.com/gopcua/opcua/ua"

	"github.com/roach88/opcsync/internal/structure"
	"github.com/roach88/opcsync/internal/subject"
)

// Type definitions stamped on subject nodes.
var (
	RootType   = ua.NewStringNodeID(1, "RootType")
	PersonType = ua.NewStringNodeID(1, "PersonType")
)

// Person is a named person with a derived full name.
var Person = subject.NewSchema("Person",
	subject.Value("FirstName", "string", ""),
	subject.Value("LastName", "string", ""),
	subject.Value("Age", "int", 0),
	subject.Derived("FullName", "string", func(o *subject.Object) any {
		first, _ := o.Raw("FirstName").(string)
		last, _ := o.Raw("LastName").(string)
		switch {
		case first == "":
			return last
		case last == "":
			return first
		}
		return first + " " + last
	}),
)

// Root is the graph root: a value, a single reference, a collection and a
// dictionary of people.
var Root = subject.NewSchema("Root",
	subject.Value("Name", "string", "root"),
	subject.Value("Number", "float64", 0.0),
	subject.Reference("Person", "Person"),
	subject.Collection("People", "Person"),
	subject.Dictionary("PeopleByName", "Person"),
)

// NewRoot creates an empty root in c.
func NewRoot(c *subject.Context) *subject.Object {
	return Root.New(c)
}

// NewPerson creates a person in c. The names are stored raw, without
// running interceptors, so it is safe to call inside a transaction.
func NewPerson(c *subject.Context, first, last string) *subject.Object {
	p := Person.New(c)
	p.Ref("FirstName").Metadata.Set(p, first)
	p.Ref("LastName").Metadata.Set(p, last)
	return p
}

// Registry returns a type registry holding Root and Person.
func Registry() *structure.TypeRegistry {
	r := structure.NewTypeRegistry()
	r.Register("Root", RootType, func(c *subject.Context) subject.Subject { return Root.New(c) })
	r.Register("Person", PersonType, func(c *subject.Context) subject.Subject { return Person.New(c) })
	return r
}

// Populate fills root with a small demo graph.
func Populate(ctx context.Context, root *subject.Object) error {
	c := root.Context()
	ada := NewPerson(c, "Ada", "Lovelace")
	grace := NewPerson(c, "Grace", "Hopper")
	alan := NewPerson(c, "Alan", "Turing")

	if err := root.Set(ctx, "Name", "demo"); err != nil {
		return err
	}
	if err := root.Set(ctx, "Person", ada); err != nil {
		return err
	}
	if err := root.Append(ctx, "People", ada, grace, alan); err != nil {
		return err
	}
	return root.Put(ctx, "PeopleByName", "grace", grace)
}
