// Package ranges tracks which half-open time sub-ranges of an export are
// already durably written, and splits backfill spans into schedulable units.
package ranges

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Range is a half-open interval [Start, End).
type Range struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether both bounds are unset.
func (r Range) IsZero() bool { return r.Start.IsZero() && r.End.IsZero() }

// Contains reports whether other lies fully inside r.
func (r Range) Contains(other Range) bool {
	return !other.Start.Before(r.Start) && !other.End.After(r.End)
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}

// MarshalJSON encodes the range as a two-element ISO timestamp array, the
// wire form used inside heartbeat payloads.
func (r Range) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{
		r.Start.UTC().Format(time.RFC3339Nano),
		r.End.UTC().Format(time.RFC3339Nano),
	})
}

// UnmarshalJSON decodes the two-element ISO timestamp array form.
func (r *Range) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	start, err := time.Parse(time.RFC3339Nano, pair[0])
	if err != nil {
		return fmt.Errorf("parsing range start: %w", err)
	}
	end, err := time.Parse(time.RFC3339Nano, pair[1])
	if err != nil {
		return fmt.Errorf("parsing range end: %w", err)
	}
	r.Start = start
	r.End = end
	return nil
}

// Tracker maintains the ordered set of disjoint done ranges within a larger
// export range. It is mutated only by the single consumer of one run
// attempt; cross-attempt sharing happens through serialized heartbeats.
type Tracker struct {
	done []Range
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker { return &Tracker{} }

// NewTrackerFromRanges creates a tracker seeded with existing done ranges,
// e.g. restored from a previous attempt's heartbeat.
func NewTrackerFromRanges(done []Range) *Tracker {
	t := &Tracker{}
	for _, r := range done {
		t.Add(r.Start, r.End)
	}
	return t
}

// Add inserts [start, end) and coalesces it with any overlapping or touching
// neighbor, keeping the set sorted and disjoint.
func (t *Tracker) Add(start, end time.Time) {
	if !end.After(start) {
		return
	}
	merged := Range{Start: start, End: end}
	out := make([]Range, 0, len(t.done)+1)
	inserted := false
	for _, r := range t.done {
		switch {
		case r.End.Before(merged.Start):
			out = append(out, r)
		case r.Start.After(merged.End):
			if !inserted {
				out = append(out, merged)
				inserted = true
			}
			out = append(out, r)
		default:
			// Overlapping or touching: absorb into merged.
			if r.Start.Before(merged.Start) {
				merged.Start = r.Start
			}
			if r.End.After(merged.End) {
				merged.End = r.End
			}
		}
	}
	if !inserted {
		out = append(out, merged)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	t.done = out
}

// Ranges returns a copy of the done ranges in order.
func (t *Tracker) Ranges() []Range {
	out := make([]Range, len(t.done))
	copy(out, t.done)
	return out
}

// CompletedDuration returns the summed length of all done ranges.
func (t *Tracker) CompletedDuration() time.Duration {
	var total time.Duration
	for _, r := range t.done {
		total += r.End.Sub(r.Start)
	}
	return total
}

// Covers reports whether full is entirely within the done set.
func (t *Tracker) Covers(full Range) bool {
	return len(t.Missing(full)) == 0
}

// Missing returns the ordered complement of the done set within full: the
// sub-ranges that still need exporting.
func (t *Tracker) Missing(full Range) []Range {
	var missing []Range
	cursor := full.Start
	for _, r := range t.done {
		if !r.End.After(full.Start) || !r.Start.Before(full.End) {
			continue
		}
		if r.Start.After(cursor) {
			missing = append(missing, Range{Start: cursor, End: minTime(r.Start, full.End)})
		}
		if r.End.After(cursor) {
			cursor = r.End
		}
	}
	if cursor.Before(full.End) {
		missing = append(missing, Range{Start: cursor, End: full.End})
	}
	return missing
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
