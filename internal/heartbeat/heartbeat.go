// Package heartbeat defines the resumable-progress checkpoint exchanged with
// the durable-run substrate. Its wire shape is part of the contract between
// retried attempts: a JSON array whose first element is the done-range list,
// followed by the records-completed count and a sink-specific resume cursor.
// Parsing tolerates shorter arrays so older payloads stay readable.
package heartbeat

import (
	"encoding/json"
	"fmt"

	"github.com/stackmetrics/chexport/internal/ranges"
)

// Details is one progress checkpoint: everything a fresh attempt needs to
// resume instead of restarting from zero.
type Details struct {
	// DoneRanges are the sub-ranges already durably written.
	DoneRanges []ranges.Range

	// RecordsCompleted counts rows confirmed written across all attempts.
	RecordsCompleted int64

	// Cursor carries destination-specific resume state (an object key, a
	// staging table name). Opaque at this layer.
	Cursor json.RawMessage
}

// Marshal encodes the details in wire order.
func (d *Details) Marshal() ([]byte, error) {
	elems := []any{d.DoneRanges, d.RecordsCompleted}
	if len(d.Cursor) > 0 {
		elems = append(elems, d.Cursor)
	}
	return json.Marshal(elems)
}

// Parse decodes a previously serialized payload. Missing trailing elements
// yield zero values; an empty payload yields empty details.
func Parse(payload []byte) (*Details, error) {
	d := &Details{}
	if len(payload) == 0 {
		return d, nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(payload, &elems); err != nil {
		return nil, fmt.Errorf("decoding heartbeat payload: %w", err)
	}
	if len(elems) > 0 {
		if err := json.Unmarshal(elems[0], &d.DoneRanges); err != nil {
			return nil, fmt.Errorf("decoding done ranges: %w", err)
		}
	}
	if len(elems) > 1 {
		if err := json.Unmarshal(elems[1], &d.RecordsCompleted); err != nil {
			return nil, fmt.Errorf("decoding records count: %w", err)
		}
	}
	if len(elems) > 2 {
		d.Cursor = elems[2]
	}
	return d, nil
}

// Tracker rebuilds a range-completion tracker from the done ranges.
func (d *Details) Tracker() *ranges.Tracker {
	return ranges.NewTrackerFromRanges(d.DoneRanges)
}
