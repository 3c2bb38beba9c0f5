package types

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ColumnType is the logical type of a synchronized column.
type ColumnType string

const (
	ColumnInt64   ColumnType = "int64"
	ColumnFloat64 ColumnType = "float64"
	ColumnString  ColumnType = "string"
	ColumnBytes   ColumnType = "bytes"
	ColumnBool    ColumnType = "bool"
	ColumnTime    ColumnType = "time"
)

// ErrInvalidValue is returned when a value cannot be converted to its column type.
var ErrInvalidValue = errors.New("invalid value")

// Valid reports whether t is a known column type.
func (t ColumnType) Valid() bool {
	switch t {
	case ColumnInt64, ColumnFloat64, ColumnString, ColumnBytes, ColumnBool, ColumnTime:
		return true
	}
	return false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// EncodeValue converts a canonical value into its wire form. Times travel as
// unix nanoseconds so every codec keeps full precision.
func EncodeValue(t ColumnType, v any) any {
	if v == nil {
		return nil
	}
	if t == ColumnTime {
		if tm, ok := v.(time.Time); ok {
			return tm.UnixNano()
		}
	}
	return v
}

// DecodeValue converts a value produced by a codec back into the canonical Go
// type of the column. Strings in byte columns are base64, as encoding/json
// writes them.
func DecodeValue(t ColumnType, v any) (any, error) {
	if s, ok := v.(string); ok && t == ColumnBytes {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: bytes: %v", ErrInvalidValue, err)
		}
		return b, nil
	}
	return convert(t, v)
}

// ScanValue converts a value read from a database driver into the canonical Go
// type of the column. Strings in byte columns are taken verbatim.
func ScanValue(t ColumnType, v any) (any, error) {
	if s, ok := v.(string); ok && t == ColumnBytes {
		return []byte(s), nil
	}
	return convert(t, v)
}

func convert(t ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case ColumnInt64:
		return toInt64(v)
	case ColumnFloat64:
		return toFloat64(v)
	case ColumnString:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		}
	case ColumnBytes:
		if b, ok := v.([]byte); ok {
			out := make([]byte, len(b))
			copy(out, b)
			return out, nil
		}
	case ColumnBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			return strconv.ParseBool(x)
		default:
			n, err := toInt64(v)
			if err != nil {
				return nil, err
			}
			return n != 0, nil
		}
	case ColumnTime:
		switch x := v.(type) {
		case time.Time:
			return x.UTC(), nil
		case string:
			for _, layout := range timeLayouts {
				if tm, err := time.Parse(layout, x); err == nil {
					return tm.UTC(), nil
				}
			}
			return nil, fmt.Errorf("%w: time %q", ErrInvalidValue, x)
		case []byte:
			return convert(t, string(x))
		default:
			n, err := toInt64(v)
			if err != nil {
				return nil, err
			}
			return time.Unix(0, n).UTC(), nil
		}
	default:
		return nil, fmt.Errorf("%w: unknown column type %q", ErrInvalidValue, t)
	}
	return nil, fmt.Errorf("%w: %T for %s column", ErrInvalidValue, v, t)
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d overflows int64", ErrInvalidValue, x)
		}
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) || x > math.MaxInt64 || x < math.MinInt64 {
			return 0, fmt.Errorf("%w: %v is not an integer", ErrInvalidValue, x)
		}
		return int64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case json.Number:
		return x.Int64()
	case string:
		return strconv.ParseInt(x, 10, 64)
	case []byte:
		return strconv.ParseInt(string(x), 10, 64)
	}
	return 0, fmt.Errorf("%w: %T is not an integer", ErrInvalidValue, v)
}

func toFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(x, 64)
	case []byte:
		return strconv.ParseFloat(string(x), 64)
	}
	n, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	return float64(n), nil
}

// EncodeKey renders primary key values as a string usable as a map key.
func EncodeKey(key []any) string {
	var sb strings.Builder
	for i, v := range key {
		if i > 0 {
			sb.WriteByte(0)
		}
		switch x := v.(type) {
		case nil:
			sb.WriteString("n:")
		case []byte:
			sb.WriteString("b:")
			sb.WriteString(hex.EncodeToString(x))
		case string:
			sb.WriteString("s:")
			sb.WriteString(x)
		case time.Time:
			sb.WriteString("t:")
			sb.WriteString(strconv.FormatInt(x.UnixNano(), 10))
		case float64:
			sb.WriteString("f:")
			sb.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
		default:
			if n, err := toInt64(v); err == nil {
				sb.WriteString("i:")
				sb.WriteString(strconv.FormatInt(n, 10))
			} else {
				sb.WriteString(fmt.Sprintf("%T:%v", v, v))
			}
		}
	}
	return sb.String()
}

// NormalizeRow converts every value of a row with DecodeValue.
func NormalizeRow(columns []Column, values []any) ([]any, error) {
	if values == nil {
		return nil, nil
	}
	if len(values) != len(columns) {
		return nil, fmt.Errorf("%w: row has %d values for %d columns", ErrInvalidValue, len(values), len(columns))
	}
	out := make([]any, len(values))
	for i, v := range values {
		n, err := DecodeValue(columns[i].Type, v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", columns[i].Name, err)
		}
		out[i] = n
	}
	return out, nil
}
