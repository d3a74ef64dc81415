package ranges

import (
	"encoding/json"
	"testing"
	"time"
)

func ts(h int) time.Time {
	return time.Date(2023, 7, 14, h, 0, 0, 0, time.UTC)
}

func rng(startH, endH int) Range {
	return Range{Start: ts(startH), End: ts(endH)}
}

func TestTrackerAddCoalesces(t *testing.T) {
	tests := []struct {
		name string
		add  []Range
		want []Range
	}{
		{
			name: "disjoint stay separate",
			add:  []Range{rng(0, 1), rng(2, 3)},
			want: []Range{rng(0, 1), rng(2, 3)},
		},
		{
			name: "touching merge",
			add:  []Range{rng(0, 1), rng(1, 2)},
			want: []Range{rng(0, 2)},
		},
		{
			name: "overlapping merge",
			add:  []Range{rng(0, 2), rng(1, 3)},
			want: []Range{rng(0, 3)},
		},
		{
			name: "bridge joins neighbors",
			add:  []Range{rng(0, 1), rng(2, 3), rng(1, 2)},
			want: []Range{rng(0, 3)},
		},
		{
			name: "out of order insert sorts",
			add:  []Range{rng(4, 5), rng(0, 1)},
			want: []Range{rng(0, 1), rng(4, 5)},
		},
		{
			name: "empty range ignored",
			add:  []Range{rng(1, 1), rng(2, 1)},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker()
			for _, r := range tt.add {
				tr.Add(r.Start, r.End)
			}
			got := tr.Ranges()
			if len(got) != len(tt.want) {
				t.Fatalf("got %d ranges %v, want %d", len(got), got, len(tt.want))
			}
			for i := range got {
				if !got[i].Start.Equal(tt.want[i].Start) || !got[i].End.Equal(tt.want[i].End) {
					t.Errorf("range %d = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestTrackerMissing(t *testing.T) {
	tr := NewTracker()
	tr.Add(ts(1), ts(2))
	tr.Add(ts(3), ts(4))

	missing := tr.Missing(rng(0, 5))
	want := []Range{rng(0, 1), rng(2, 3), rng(4, 5)}
	if len(missing) != len(want) {
		t.Fatalf("got %v, want %v", missing, want)
	}
	for i := range missing {
		if !missing[i].Start.Equal(want[i].Start) || !missing[i].End.Equal(want[i].End) {
			t.Errorf("missing[%d] = %s, want %s", i, missing[i], want[i])
		}
	}
}

func TestTrackerMissingIgnoresOutside(t *testing.T) {
	tr := NewTracker()
	tr.Add(ts(10), ts(12)) // entirely outside the asked-for window

	missing := tr.Missing(rng(0, 2))
	if len(missing) != 1 || !missing[0].Start.Equal(ts(0)) || !missing[0].End.Equal(ts(2)) {
		t.Fatalf("got %v, want the full window", missing)
	}
}

func TestTrackerCovers(t *testing.T) {
	tr := NewTracker()
	tr.Add(ts(0), ts(3))
	tr.Add(ts(3), ts(5))

	if !tr.Covers(rng(0, 5)) {
		t.Error("expected full coverage")
	}
	if tr.Covers(rng(0, 6)) {
		t.Error("coverage should not extend past the done set")
	}
}

func TestTrackerCompletedDuration(t *testing.T) {
	tr := NewTracker()
	tr.Add(ts(0), ts(2))
	tr.Add(ts(4), ts(5))
	if got := tr.CompletedDuration(); got != 3*time.Hour {
		t.Errorf("CompletedDuration = %s, want 3h", got)
	}
}

func TestRangeJSONRoundTrip(t *testing.T) {
	orig := Range{
		Start: time.Date(2023, 7, 14, 12, 30, 0, 500000000, time.UTC),
		End:   time.Date(2023, 7, 14, 13, 0, 0, 0, time.UTC),
	}
	raw, err := json.Marshal(orig)
	if err != nil {
		t.Fatal(err)
	}
	want := `["2023-07-14T12:30:00.5Z","2023-07-14T13:00:00Z"]`
	if string(raw) != want {
		t.Errorf("marshal = %s, want %s", raw, want)
	}

	var back Range
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if !back.Start.Equal(orig.Start) || !back.End.Equal(orig.End) {
		t.Errorf("round trip = %s, want %s", back, orig)
	}
}

func TestNewTrackerFromRanges(t *testing.T) {
	tr := NewTrackerFromRanges([]Range{rng(2, 3), rng(0, 1), rng(1, 2)})
	got := tr.Ranges()
	if len(got) != 1 || !got[0].Start.Equal(ts(0)) || !got[0].End.Equal(ts(3)) {
		t.Fatalf("got %v, want one merged range [0h, 3h)", got)
	}
}
