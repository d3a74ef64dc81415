package ranges

import (
	"testing"
	"time"
)

func collect(it *BackfillIter) []BackfillRange {
	var out []BackfillRange
	for {
		r, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, r)
	}
}

func TestSplitBackfillEvenDivision(t *testing.T) {
	start := ts(0)
	end := ts(6)
	got := collect(SplitBackfill(&start, &end, 2*time.Hour))

	if len(got) != 3 {
		t.Fatalf("got %d intervals, want 3", len(got))
	}
	cursor := start
	for i, r := range got {
		if r.Start == nil || r.End == nil {
			t.Fatalf("interval %d has open bounds", i)
		}
		if !r.Start.Equal(cursor) {
			t.Errorf("interval %d starts at %s, want contiguous %s", i, r.Start, cursor)
		}
		cursor = *r.End
	}
	if !cursor.Equal(end) {
		t.Errorf("intervals end at %s, want %s", cursor, end)
	}
}

func TestSplitBackfillShorterFinalInterval(t *testing.T) {
	start := ts(0)
	end := ts(0).Add(5 * time.Hour)
	got := collect(SplitBackfill(&start, &end, 2*time.Hour))

	if len(got) != 3 {
		t.Fatalf("got %d intervals, want 3", len(got))
	}
	last := got[2]
	if !last.Start.Equal(ts(4)) || !last.End.Equal(end) {
		t.Errorf("final interval = [%s, %s), want [%s, %s)", last.Start, last.End, ts(4), end)
	}
}

func TestSplitBackfillOpenBounds(t *testing.T) {
	start := ts(0)
	end := ts(6)

	got := collect(SplitBackfill(&start, nil, time.Hour))
	if len(got) != 1 || got[0].Start == nil || got[0].End != nil {
		t.Fatalf("open end: got %v, want single (start, nil)", got)
	}

	got = collect(SplitBackfill(nil, &end, time.Hour))
	if len(got) != 1 || got[0].Start != nil || got[0].End == nil {
		t.Fatalf("open start: got %v, want single (nil, end)", got)
	}

	got = collect(SplitBackfill(nil, nil, time.Hour))
	if len(got) != 1 || got[0].Start != nil || got[0].End != nil {
		t.Fatalf("both open: got %v, want single (nil, nil)", got)
	}
}

func TestSplitBackfillEmptySpan(t *testing.T) {
	start := ts(3)
	end := ts(3)
	if got := collect(SplitBackfill(&start, &end, time.Hour)); len(got) != 0 {
		t.Fatalf("got %v, want no intervals", got)
	}
}

func TestRunID(t *testing.T) {
	end := time.Date(2023, 7, 14, 6, 0, 0, 0, time.UTC)
	start := time.Date(2023, 7, 14, 4, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		r    BackfillRange
		want string
	}{
		{"bounded", BackfillRange{Start: &start, End: &end}, "sched-2023-07-14T06:00:00Z"},
		{"open end", BackfillRange{Start: &start}, "sched-2023-07-14T04:00:00Z-now"},
		{"open start", BackfillRange{End: &end}, "sched-2023-07-14T06:00:00Z"},
		{"both open", BackfillRange{}, "sched-earliest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RunID("sched", tt.r); got != tt.want {
				t.Errorf("RunID = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAlignBoundUTC(t *testing.T) {
	s := Schedule{Frequency: time.Hour}
	in := time.Date(2023, 7, 14, 6, 42, 17, 0, time.UTC)
	want := time.Date(2023, 7, 14, 6, 0, 0, 0, time.UTC)
	if got := s.AlignBound(in); !got.Equal(want) {
		t.Errorf("AlignBound = %s, want %s", got, want)
	}
}

func TestAlignBoundFractionalOffsetZone(t *testing.T) {
	// Kathmandu runs at UTC+05:45; hourly alignment must land on the local
	// wall clock hour, not on the UTC hour.
	ktm, err := time.LoadLocation("Asia/Kathmandu")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	s := Schedule{Location: ktm, Frequency: time.Hour}

	in := time.Date(2023, 7, 14, 6, 42, 17, 0, ktm)
	got := s.AlignBound(in)
	want := time.Date(2023, 7, 14, 6, 0, 0, 0, ktm)
	if !got.Equal(want) {
		t.Errorf("AlignBound = %s, want %s", got, want)
	}
}

func TestAlignBoundConvertsZone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	s := Schedule{Location: ny, Frequency: 24 * time.Hour}

	// Midnight UTC is 8pm the previous day in New York; daily alignment on
	// the schedule's grid lands on the New York midnight before that.
	in := time.Date(2023, 7, 14, 0, 0, 0, 0, time.UTC)
	got := s.AlignBound(in)
	want := time.Date(2023, 7, 13, 0, 0, 0, 0, ny)
	if !got.Equal(want) {
		t.Errorf("AlignBound = %s, want %s", got, want)
	}
}

func TestAlignBoundZeroFrequency(t *testing.T) {
	s := Schedule{}
	in := time.Date(2023, 7, 14, 6, 42, 17, 0, time.UTC)
	if got := s.AlignBound(in); !got.Equal(in) {
		t.Errorf("AlignBound = %s, want unchanged %s", got, in)
	}
}
