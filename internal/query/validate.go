package query

import (
	"errors"
	"fmt"
)

// Error is a problem with one predicate.
type Error struct {
	Scope   Scope
	Field   string
	Message string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s filter: %s", e.Scope, e.Message)
	}
	return fmt.Sprintf("%s filter: %s: %s", e.Scope, e.Field, e.Message)
}

// Validate checks that every field exists in its scope with the right kind
// and that HasChange appears only at the transaction level. All problems are
// reported, joined. A nil predicate is valid.
func Validate(p Predicate) error {
	v := &validator{}
	v.predicate(p, ScopeTransaction)
	return errors.Join(v.errs...)
}

type validator struct {
	errs []error
}

func (v *validator) add(scope Scope, field, format string, args ...any) {
	v.errs = append(v.errs, &Error{Scope: scope, Field: field, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) field(scope Scope, field string, want int) {
	kind, ok := columns[scope][field]
	switch {
	case !ok:
		v.add(scope, field, "unknown field")
	case kind != want && want == kindTime:
		v.add(scope, field, "not a timestamp")
	case kind != want:
		v.add(scope, field, "not a text field")
	}
}

func (v *validator) predicate(p Predicate, scope Scope) {
	switch pred := p.(type) {
	case nil:
	case Equals:
		v.field(scope, pred.Field, kindText)
	case Prefix:
		v.field(scope, pred.Field, kindText)
		if pred.Value == "" {
			v.add(scope, pred.Field, "empty prefix")
		}
	case TimeRange:
		v.field(scope, pred.Field, kindTime)
		if pred.From.IsZero() && pred.To.IsZero() {
			v.add(scope, pred.Field, "time range needs a bound")
		}
		if !pred.From.IsZero() && !pred.To.IsZero() && !pred.From.Before(pred.To) {
			v.add(scope, pred.Field, "time range is empty")
		}
	case And:
		for _, sub := range pred.Predicates {
			v.predicate(sub, scope)
		}
	case HasChange:
		if scope != ScopeTransaction {
			v.add(scope, "", "has_change cannot be nested")
			return
		}
		v.predicate(pred.Filter, ScopeChange)
	default:
		v.add(scope, "", "unsupported predicate %T", p)
	}
}
