package clickhouse

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tuple renders as a parenthesized ClickHouse tuple literal instead of an
// array. Use it for IN clauses and point lookups.
type Tuple []any

// Encode serializes a Go value into ClickHouse literal syntax. The output is
// deterministic: the same value always produces the same bytes.
//
// Maps are the one exception to single-quoting: they render as JSON objects
// (double-quoted keys) because map literals are fed to FORMAT JSONEachRow
// ingestion, which requires valid JSON.
func Encode(value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return []byte("NULL"), nil
	case bool:
		if v {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case uuid.UUID:
		return []byte("'" + v.String() + "'"), nil
	case int:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int8:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int16:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int32:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int64:
		return strconv.AppendInt(nil, v, 10), nil
	case uint:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint8:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint16:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint32:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint64:
		return strconv.AppendUint(nil, v, 10), nil
	case float32:
		// -1 precision drops the fractional part for integral floats,
		// matching ClickHouse numeric literal grammar.
		return strconv.AppendFloat(nil, float64(v), 'f', -1, 32), nil
	case float64:
		return strconv.AppendFloat(nil, v, 'f', -1, 64), nil
	case time.Time:
		return encodeTime(v), nil
	case Tuple:
		return encodeSeq(v, '(', ')')
	case []any:
		return encodeSeq(v, '[', ']')
	case map[string]any:
		return encodeMapping(v)
	case string:
		return encodeString(v), nil
	}

	// Generic slices and arrays encode element-wise like []any.
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		elems := make([]any, rv.Len())
		for i := range elems {
			elems[i] = rv.Index(i).Interface()
		}
		return encodeSeq(elems, '[', ']')
	}

	return encodeString(fmt.Sprint(value)), nil
}

// encodeTime renders a timestamp as a toDateTime / toDateTime64 call.
// Sub-second precision switches to DateTime64 with a 6-digit fraction.
// A named location adds the zone as a second argument; locations with an
// empty name are treated as zone-less wall-clock values. time.Local's name
// is "Local", not an IANA zone the server knows, so it is treated the same
// way.
func encodeTime(t time.Time) []byte {
	var b strings.Builder
	zone := t.Location().String()
	if zone == "Local" {
		zone = ""
	}

	if t.Nanosecond() != 0 {
		b.WriteString("toDateTime64('")
		b.WriteString(t.Format("2006-01-02 15:04:05"))
		b.WriteByte('.')
		b.WriteString(fmt.Sprintf("%06d", t.Nanosecond()/1000))
		b.WriteString("', 6")
	} else {
		b.WriteString("toDateTime('")
		b.WriteString(t.Format("2006-01-02 15:04:05"))
		b.WriteByte('\'')
	}
	if zone != "" {
		b.WriteString(", '")
		b.WriteString(zone)
		b.WriteByte('\'')
	}
	b.WriteByte(')')
	return []byte(b.String())
}

func encodeSeq(values []any, open, close byte) ([]byte, error) {
	out := []byte{open}
	for i, v := range values {
		if i > 0 {
			out = append(out, ',')
		}
		enc, err := Encode(v)
		if err != nil {
			return nil, err
		}
		out = append(out, enc...)
	}
	return append(out, close), nil
}

// encodeMapping renders a map as a JSON object. Timestamps become Unix
// epoch-second strings and UUIDs their canonical string form so the result
// survives JSONEachRow ingestion without a custom parser on the server.
func encodeMapping(m map[string]any) ([]byte, error) {
	converted := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case time.Time:
			converted[k] = strconv.FormatInt(val.Unix(), 10)
		case uuid.UUID:
			converted[k] = val.String()
		default:
			converted[k] = v
		}
	}
	return json.Marshal(converted)
}

// encodeString single-quotes a string, escaping backslash before the quote
// character. The order matters: escaping the quote first would double-escape
// the backslashes that escaping inserts.
func encodeString(s string) []byte {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return []byte("'" + s + "'")
}
