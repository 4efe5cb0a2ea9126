package query

import "time"

// Predicate is a filter condition. Sealed to this package.
type Predicate interface {
	predicateNode()
}

// Equals matches a text column against a literal.
type Equals struct {
	Field string
	Value string
}

func (Equals) predicateNode() {}

// Prefix matches text columns that start with Value. Unlike LIKE the match
// is case-sensitive and treats every character literally.
type Prefix struct {
	Field string
	Value string
}

func (Prefix) predicateNode() {}

// TimeRange matches a timestamp column within [From, To). A zero bound is
// open.
type TimeRange struct {
	Field string
	From  time.Time
	To    time.Time
}

func (TimeRange) predicateNode() {}

// And is a conjunction. An empty And is always true.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// HasChange matches transactions with at least one change satisfying
// Filter. A nil Filter matches transactions with any change. HasChange is
// only valid at the transaction level.
type HasChange struct {
	Filter Predicate
}

func (HasChange) predicateNode() {}

// Scope is the row type a predicate is evaluated against.
type Scope int

const (
	ScopeTransaction Scope = iota
	ScopeChange
)

func (s Scope) String() string {
	if s == ScopeChange {
		return "change"
	}
	return "transaction"
}

// Column kinds.
const (
	kindText = iota
	kindTime
)

// columns lists the filterable columns per scope with their kind.
var columns = map[Scope]map[string]int{
	ScopeTransaction: {
		"id":                kindText,
		"mode":              kindText,
		"failure_handling":  kindText,
		"conflict_behavior": kindText,
		"outcome":           kindText,
		"error":             kindText,
		"record_hash":       kindText,
		"started_at":        kindTime,
		"finished_at":       kindTime,
	},
	ScopeChange: {
		"property":    kindText,
		"status":      kindText,
		"source":      kindText,
		"old_value":   kindText,
		"new_value":   kindText,
		"error":       kindText,
		"fingerprint": kindText,
	},
}

// alias returns the table alias used for a scope in compiled SQL.
func (s Scope) alias() string {
	if s == ScopeChange {
		return "c"
	}
	return "t"
}
