package sink

import (
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// RowValues extracts row i of rec as Go values suitable for database
// parameter binding. Nulls become nil; types without a native mapping fall
// back to their string form.
func RowValues(rec arrow.Record, i int) []any {
	out := make([]any, rec.NumCols())
	for c, col := range rec.Columns() {
		out[c] = columnValue(col, i)
	}
	return out
}

func columnValue(col arrow.Array, i int) any {
	if col.IsNull(i) {
		return nil
	}
	switch arr := col.(type) {
	case *array.Boolean:
		return arr.Value(i)
	case *array.Int8:
		return int64(arr.Value(i))
	case *array.Int16:
		return int64(arr.Value(i))
	case *array.Int32:
		return int64(arr.Value(i))
	case *array.Int64:
		return arr.Value(i)
	case *array.Uint8:
		return int64(arr.Value(i))
	case *array.Uint16:
		return int64(arr.Value(i))
	case *array.Uint32:
		return int64(arr.Value(i))
	case *array.Uint64:
		return arr.Value(i)
	case *array.Float32:
		return float64(arr.Value(i))
	case *array.Float64:
		return arr.Value(i)
	case *array.String:
		return arr.Value(i)
	case *array.LargeString:
		return arr.Value(i)
	case *array.Binary:
		return arr.Value(i)
	case *array.Timestamp:
		dt := arr.DataType().(*arrow.TimestampType)
		return arr.Value(i).ToTime(dt.Unit)
	case *array.Date32:
		return arr.Value(i).ToTime()
	case *array.Date64:
		return arr.Value(i).ToTime()
	default:
		return col.ValueStr(i)
	}
}

// TimestampValue reads a timestamp column value, or zero when the column is
// not a timestamp or the value is null.
func TimestampValue(col arrow.Array, i int) time.Time {
	arr, ok := col.(*array.Timestamp)
	if !ok || arr.IsNull(i) {
		return time.Time{}
	}
	dt := arr.DataType().(*arrow.TimestampType)
	return arr.Value(i).ToTime(dt.Unit)
}
