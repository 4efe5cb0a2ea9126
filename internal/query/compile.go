package query

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Compile validates p and translates it into a WHERE fragment over the
// transactions table aliased as t, with its parameters in order. A nil
// predicate compiles to "1 = 1".
func Compile(p Predicate) (string, []any, error) {
	if err := Validate(p); err != nil {
		return "", nil, err
	}
	c := &compiler{}
	sql := c.predicate(p, ScopeTransaction)
	return sql, c.params, nil
}

type compiler struct {
	params []any
}

func (c *compiler) column(scope Scope, field string) string {
	return scope.alias() + "." + field
}

// predicate assumes p has been validated.
func (c *compiler) predicate(p Predicate, scope Scope) string {
	switch pred := p.(type) {
	case nil:
		return "1 = 1"
	case Equals:
		c.params = append(c.params, pred.Value)
		return c.column(scope, pred.Field) + " = ?"
	case Prefix:
		c.params = append(c.params, utf8.RuneCountInString(pred.Value), pred.Value)
		return fmt.Sprintf("substr(%s, 1, ?) = ?", c.column(scope, pred.Field))
	case TimeRange:
		col := c.column(scope, pred.Field)
		var parts []string
		if !pred.From.IsZero() {
			parts = append(parts, col+" >= ?")
			c.params = append(c.params, pred.From.UnixNano())
		}
		if !pred.To.IsZero() {
			parts = append(parts, col+" < ?")
			c.params = append(c.params, pred.To.UnixNano())
		}
		return strings.Join(parts, " AND ")
	case And:
		if len(pred.Predicates) == 0 {
			return "1 = 1"
		}
		parts := make([]string, len(pred.Predicates))
		for i, sub := range pred.Predicates {
			parts[i] = c.predicate(sub, scope)
		}
		return strings.Join(parts, " AND ")
	case HasChange:
		inner := c.predicate(pred.Filter, ScopeChange)
		return "EXISTS (SELECT 1 FROM changes c WHERE c.transaction_id = t.id AND " + inner + ")"
	default:
		panic(fmt.Sprintf("query: unvalidated predicate %T", p))
	}
}
