package addrspace

import (
	"fmt"
	"time"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
)

// dataTypes maps subject property type names to OPC UA built-in data types.
// Go has no decimal type; decimal values travel as float64 (Double).
var dataTypes = map[string]uint32{
	"bool":      id.Boolean,
	"int":       id.Int64,
	"int32":     id.Int32,
	"int64":     id.Int64,
	"uint32":    id.UInt32,
	"float32":   id.Float,
	"float64":   id.Double,
	"decimal":   id.Double,
	"string":    id.String,
	"time":      id.DateTime,
	"bytes":     id.ByteString,
	"[]bool":    id.Boolean,
	"[]int":     id.Int64,
	"[]int64":   id.Int64,
	"[]float64": id.Double,
	"[]string":  id.String,
}

// DataTypeOf returns the data type NodeID for a property type name.
// Unknown types map to BaseDataType.
func DataTypeOf(typ string) *ua.NodeID {
	if dt, ok := dataTypes[typ]; ok {
		return ua.NewNumericNodeID(0, dt)
	}
	return ua.NewNumericNodeID(0, id.BaseDataType)
}

// IsArrayType reports whether a property type name is an array type.
func IsArrayType(typ string) bool {
	return len(typ) > 2 && typ[:2] == "[]"
}

// ToVariant converts a Go property value to a Variant. Nil yields nil.
func ToVariant(v any) (*ua.Variant, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case int:
		v = int64(x)
	case []int:
		out := make([]int64, len(x))
		for i, n := range x {
			out[i] = int64(n)
		}
		v = out
	}
	variant, err := ua.NewVariant(v)
	if err != nil {
		return nil, fmt.Errorf("convert %T to variant: %w", v, err)
	}
	return variant, nil
}

// FromVariant converts a Variant to the Go representation of typ.
func FromVariant(v *ua.Variant, typ string) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw := v.Value()
	if raw == nil {
		return nil, nil
	}

	mismatch := func() error {
		return fmt.Errorf("variant %T is not %s: %w", raw, typ, ua.StatusBadTypeMismatch)
	}

	switch typ {
	case "int":
		n, ok := toInt64(raw)
		if !ok {
			return nil, mismatch()
		}
		return int(n), nil
	case "int64":
		n, ok := toInt64(raw)
		if !ok {
			return nil, mismatch()
		}
		return n, nil
	case "int32":
		n, ok := toInt64(raw)
		if !ok {
			return nil, mismatch()
		}
		return int32(n), nil
	case "uint32":
		n, ok := toInt64(raw)
		if !ok || n < 0 {
			return nil, mismatch()
		}
		return uint32(n), nil
	case "float64", "decimal":
		f, ok := toFloat64(raw)
		if !ok {
			return nil, mismatch()
		}
		return f, nil
	case "float32":
		f, ok := toFloat64(raw)
		if !ok {
			return nil, mismatch()
		}
		return float32(f), nil
	case "bool":
		b, ok := raw.(bool)
		if !ok {
			return nil, mismatch()
		}
		return b, nil
	case "string":
		s, ok := raw.(string)
		if !ok {
			return nil, mismatch()
		}
		return s, nil
	case "time":
		t, ok := raw.(time.Time)
		if !ok {
			return nil, mismatch()
		}
		return t, nil
	case "bytes":
		b, ok := raw.([]byte)
		if !ok {
			return nil, mismatch()
		}
		return b, nil
	case "[]int":
		xs, ok := raw.([]int64)
		if !ok {
			return nil, mismatch()
		}
		out := make([]int, len(xs))
		for i, n := range xs {
			out[i] = int(n)
		}
		return out, nil
	default:
		return raw, nil
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}
