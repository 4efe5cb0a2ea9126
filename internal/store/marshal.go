package store

import (
	"fmt"

	"github.com/roach88/opcsync/internal/ir"
	"github.com/roach88/opcsync/internal/subject"
)

// marshalValue converts a property value to canonical JSON TEXT for storage.
//
// Subject references are stored by type ({"$subject":"Person"}). Values the
// canonical encoder cannot represent fall back to their %v text so that an
// odd value never drops a journal record.
func marshalValue(v any) string {
	data, err := ir.MarshalCanonical(plain(v))
	if err != nil {
		data, _ = ir.MarshalCanonical(fmt.Sprintf("%v", v))
	}
	return string(data)
}

// plain replaces subjects with JSON-friendly descriptions.
func plain(v any) any {
	switch val := v.(type) {
	case subject.Subject:
		if val == nil {
			return nil
		}
		return map[string]any{"$subject": val.Type()}
	case []subject.Subject:
		if val == nil {
			return nil
		}
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = plain(s)
		}
		return out
	case map[string]subject.Subject:
		if val == nil {
			return nil
		}
		out := make(map[string]any, len(val))
		for k, s := range val {
			out[k] = plain(s)
		}
		return out
	default:
		return v
	}
}

// sourceName names a change source for the journal.
func sourceName(src any) string {
	switch s := src.(type) {
	case nil:
		return ""
	case interface{ Name() string }:
		return s.Name()
	case fmt.Stringer:
		return s.String()
	case string:
		return s
	default:
		return fmt.Sprintf("%T", src)
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
