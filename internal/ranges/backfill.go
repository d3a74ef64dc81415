package ranges

import (
	"time"
)

// BackfillRange is one schedulable unit of a backfill. A nil Start means
// "earliest possible"; a nil End means "whatever is current when the run
// actually executes". Immutable once yielded.
type BackfillRange struct {
	Start *time.Time
	End   *time.Time
}

// BackfillIter lazily walks the sub-ranges of a backfill span. Reconstruct
// the iterator to restart it.
type BackfillIter struct {
	cursor  time.Time
	end     *time.Time
	step    time.Duration
	open    *BackfillRange
	yielded bool
	done    bool
}

// SplitBackfill prepares iteration over [startAt, endAt) in step-sized
// intervals. When the span is not an exact multiple of step, the walker
// still advances on the fixed step grid and the final interval is shorter,
// ending exactly at endAt.
//
// An open bound is deliberately not pre-split: a nil endAt yields the single
// interval (startAt, nil) and a nil startAt yields (nil, endAt), leaving the
// scheduler to re-invoke with a fresh bound at run time.
func SplitBackfill(startAt, endAt *time.Time, step time.Duration) *BackfillIter {
	if startAt == nil || endAt == nil {
		return &BackfillIter{open: &BackfillRange{Start: startAt, End: endAt}}
	}
	return &BackfillIter{cursor: *startAt, end: endAt, step: step}
}

// Next yields the next sub-range, or false when the span is exhausted.
func (it *BackfillIter) Next() (BackfillRange, bool) {
	if it.open != nil {
		if it.yielded {
			return BackfillRange{}, false
		}
		it.yielded = true
		return *it.open, true
	}
	if it.done || it.step <= 0 || !it.cursor.Before(*it.end) {
		it.done = true
		return BackfillRange{}, false
	}

	from := it.cursor
	to := from.Add(it.step)
	if to.After(*it.end) {
		to = *it.end
	}
	it.cursor = to
	f, t := from, to
	return BackfillRange{Start: &f, End: &t}, true
}

// RunID builds the per-run identifier for one backfill sub-range. It doubles
// as the run's idempotency key and makes it auditable which run covers which
// slice: the monotonically increasing end timestamp orders the runs.
func RunID(scheduleID string, r BackfillRange) string {
	switch {
	case r.End != nil:
		return scheduleID + "-" + r.End.UTC().Format(time.RFC3339)
	case r.Start != nil:
		return scheduleID + "-" + r.Start.UTC().Format(time.RFC3339) + "-now"
	default:
		return scheduleID + "-earliest"
	}
}

// Schedule describes the cadence an export runs on. A nil Location means
// the schedule keeps UTC wall clocks.
type Schedule struct {
	Location  *time.Location
	Frequency time.Duration
}

// AlignBound adjusts a caller-supplied bound onto the schedule's own grid: it
// is converted into the schedule's zone (UTC when the schedule has none) and
// truncated to the frequency. A bound given in a different zone therefore
// lands on the same wall-clock grid point the schedule itself would produce.
func (s Schedule) AlignBound(t time.Time) time.Time {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	if s.Frequency <= 0 {
		return t
	}

	// Truncate against the zone's wall clock, not absolute time, so zones
	// at fractional-hour offsets still land on their own grid.
	_, offset := t.Zone()
	freq := int64(s.Frequency / time.Second)
	secs := t.Unix() + int64(offset)
	rem := secs % freq
	if rem < 0 {
		rem += freq
	}
	return time.Unix(secs-rem-int64(offset), 0).In(loc)
}
