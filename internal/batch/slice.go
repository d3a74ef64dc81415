package batch

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// DefaultMinSliceRows is the floor applied when slicing so very wide rows do
// not degenerate into pathologically small slices.
const DefaultMinSliceRows = 100

// RecordSize returns the record's self-reported buffer footprint in bytes:
// the sum of every column's Arrow buffers, including nested children. This
// is the quantity checked against a queue's byte capacity.
func RecordSize(rec arrow.Record) int64 {
	var total int64
	for _, col := range rec.Columns() {
		total += dataSize(col.Data())
	}
	return total
}

func dataSize(data arrow.ArrayData) int64 {
	var total int64
	for _, buf := range data.Buffers() {
		if buf != nil {
			total += int64(buf.Len())
		}
	}
	for _, child := range data.Children() {
		total += dataSize(child)
	}
	return total
}

// SliceRecord splits rec into row-aligned sub-records whose buffer sizes are
// at or under maxBytes, never splitting a row. A zero or negative maxBytes
// returns the record whole, as does a record already within budget.
//
// Rows per slice never drops below minRows (DefaultMinSliceRows when
// minRows <= 0), so a single very wide row still travels as one slice even
// if it alone exceeds the budget.
//
// The slices share the parent's buffers; callers retaining a slice keep the
// parent alive.
func SliceRecord(rec arrow.Record, maxBytes int64, minRows int) []arrow.Record {
	size := RecordSize(rec)
	rows := rec.NumRows()
	if maxBytes <= 0 || size <= maxBytes || rows <= 1 {
		return []arrow.Record{rec}
	}
	if minRows <= 0 {
		minRows = DefaultMinSliceRows
	}

	bytesPerRow := size / rows
	if bytesPerRow < 1 {
		bytesPerRow = 1
	}
	rowsPerSlice := maxBytes / bytesPerRow
	if rowsPerSlice < int64(minRows) {
		rowsPerSlice = int64(minRows)
	}

	slices := make([]arrow.Record, 0, rows/rowsPerSlice+1)
	for start := int64(0); start < rows; start += rowsPerSlice {
		end := start + rowsPerSlice
		if end > rows {
			end = rows
		}
		slices = append(slices, rec.NewSlice(start, end))
	}
	return slices
}
