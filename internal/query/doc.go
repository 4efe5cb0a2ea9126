// Package query describes filters over the transaction journal and compiles
// them to parameterized SQLite.
//
// A filter is a tree of predicates. At the top level predicates address
// columns of a journaled transaction; inside HasChange they address the
// columns of its changes:
//
//	And{Predicates: []Predicate{
//	  Equals{Field: "outcome", Value: "partial"},
//	  HasChange{Filter: And{Predicates: []Predicate{
//	    Prefix{Field: "property", Value: "Person."},
//	    Equals{Field: "status", Value: "failed"},
//	  }}},
//	}}
//
// compiles to
//
//	t.outcome = ? AND EXISTS (SELECT 1 FROM changes c
//	  WHERE c.transaction_id = t.id AND substr(c.property, 1, ?) = ? AND c.status = ?)
//
// Predicate is sealed: only types in this package implement it, so the
// compiler's type switch is exhaustive. Values are always bound as
// parameters and field names are checked against a fixed column list, so
// no caller input is ever spliced into SQL text.
package query
