package producer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stackmetrics/chexport/internal/batch"
	"github.com/stackmetrics/chexport/internal/clickhouse"
	"github.com/stackmetrics/chexport/internal/ranges"
)

func TestUseRecentTable(t *testing.T) {
	now := time.Date(2023, 7, 14, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	tests := []struct {
		name          string
		isBackfill    bool
		backfillStart *time.Time
		intervalStart time.Time
		want          bool
	}{
		{
			name:          "fresh interval inside retention",
			intervalStart: now.Add(-day),
			want:          true,
		},
		{
			name:          "interval older than retention",
			intervalStart: now.Add(-8 * day),
			want:          false,
		},
		{
			name:          "backfill reaching past retention",
			isBackfill:    true,
			backfillStart: timePtr(now.Add(-7 * day)),
			intervalStart: now.Add(-day),
			want:          false,
		},
		{
			name:          "backfill within retention",
			isBackfill:    true,
			backfillStart: timePtr(now.Add(-day)),
			intervalStart: now.Add(-day),
			want:          true,
		},
		{
			name:          "earliest-possible backfill",
			isBackfill:    true,
			backfillStart: nil,
			intervalStart: now.Add(-time.Hour),
			want:          false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := UseRecentTable(tt.isBackfill, tt.backfillStart, tt.intervalStart, now, 7*day)
			if got != tt.want {
				t.Errorf("UseRecentTable = %v, want %v", got, tt.want)
			}
		})
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func testRange() ranges.Range {
	return ranges.Range{
		Start: time.Date(2023, 7, 14, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2023, 7, 14, 1, 0, 0, 0, time.UTC),
	}
}

func TestBuildQueryEvents(t *testing.T) {
	p := New(nil, 0)
	params := Params{
		Model:         ModelEvents,
		TeamID:        42,
		FullRange:     testRange(),
		Done:          ranges.NewTracker(),
		IncludeEvents: []string{"pageview"},
		ExcludeEvents: []string{"$feature_flag_called"},
	}

	query, qp, err := p.buildQuery("events", testRange(), params)
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"FROM events",
		"team_id = {team_id:Int64}",
		"timestamp >= %(interval_start)s",
		"timestamp < %(interval_end)s",
		"timestamp AS _inserted_at",
		"event IN %(include_events)s",
		"event NOT IN %(exclude_events)s",
		"FORMAT ArrowStream",
	} {
		if !strings.Contains(query, want) {
			t.Errorf("query missing %q:\n%s", want, query)
		}
	}
	if qp["team_id"] != int64(42) {
		t.Errorf("team_id param = %v", qp["team_id"])
	}
	if _, ok := qp["include_events"]; !ok {
		t.Error("include_events param not bound")
	}
}

func TestBuildQuerySessionsWindow(t *testing.T) {
	p := New(nil, 0)
	sub := testRange()
	params := Params{Model: ModelSessions, TeamID: 1, FullRange: sub, Done: ranges.NewTracker()}

	query, qp, err := p.buildQuery("sessions", sub, params)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(query, "bitShiftRight(toUInt128(session_id), 80)") {
		t.Errorf("sessions query lacks session-id window:\n%s", query)
	}
	wantStart := sub.Start.Add(-24 * time.Hour).UnixMilli()
	if qp["session_window_start"] != wantStart {
		t.Errorf("session_window_start = %v, want %d", qp["session_window_start"], wantStart)
	}
	if qp["session_window_end"] != sub.End.UnixMilli() {
		t.Errorf("session_window_end = %v", qp["session_window_end"])
	}
}

func TestBuildQueryDefaultAndExtraFields(t *testing.T) {
	p := New(nil, 0)
	params := Params{
		Model:                    ModelEvents,
		TeamID:                   1,
		FullRange:                testRange(),
		Done:                     ranges.NewTracker(),
		DestinationDefaultFields: []string{"elements_chain"},
	}
	query, _, err := p.buildQuery("events", testRange(), params)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"uuid", "properties", "elements_chain"} {
		if !strings.Contains(query, want) {
			t.Errorf("query missing default field %q", want)
		}
	}
}

func TestCompilePropertyFilters(t *testing.T) {
	tests := []struct {
		name     string
		filter   PropertyFilter
		contains string
	}{
		{"exact", PropertyFilter{Key: "plan", Operator: "exact", Value: "pro"}, "= {filter_0_value:String}"},
		{"is_not", PropertyFilter{Key: "plan", Operator: "is_not", Value: "free"}, "!= {filter_0_value:String}"},
		{"icontains", PropertyFilter{Key: "url", Operator: "icontains", Value: "signup"}, "positionCaseInsensitive"},
		{"regex", PropertyFilter{Key: "url", Operator: "regex", Value: "^/app"}, "match("},
		{"not_regex", PropertyFilter{Key: "url", Operator: "not_regex", Value: "^/admin"}, "NOT match("},
		{"gt", PropertyFilter{Key: "price", Operator: "gt", Type: "numeric", Value: 10}, "toFloat64OrNull"},
		{"lt", PropertyFilter{Key: "price", Operator: "lt", Type: "numeric", Value: 10}, "< {filter_0_value:Float64}"},
		{"is_set", PropertyFilter{Key: "email", Operator: "is_set"}, "JSONHas(properties, {filter_0_key:String})"},
		{"is_not_set", PropertyFilter{Key: "email", Operator: "is_not_set"}, "NOT JSONHas"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := clickhouse.Parameters{}
			clause, err := compilePropertyFilters([]PropertyFilter{tt.filter}, params)
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(clause, tt.contains) {
				t.Errorf("clause %q missing %q", clause, tt.contains)
			}
			if params["filter_0_key"] != tt.filter.Key {
				t.Errorf("key not bound: %v", params)
			}
		})
	}
}

func TestCompilePropertyFiltersUnknownOperator(t *testing.T) {
	_, err := compilePropertyFilters([]PropertyFilter{{Key: "k", Operator: "between"}}, clickhouse.Parameters{})
	if err == nil {
		t.Error("expected an error for an unsupported operator")
	}
}

func TestProduceSkipsFullyCoveredRange(t *testing.T) {
	// The client would fail on any network call; full coverage must mean no
	// query is ever issued.
	client, err := clickhouse.New(clickhouse.Config{URL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatal(err)
	}
	full := testRange()
	done := ranges.NewTracker()
	done.Add(full.Start, full.End)

	q := batch.NewQueue(0, 0)
	task := New(client, 0).Start(context.Background(), q, Params{
		Model:     ModelEvents,
		TeamID:    1,
		FullRange: full,
		Done:      done,
	})

	<-task.Done()
	if err := task.Err(); err != nil {
		t.Fatalf("producer errored on a fully covered range: %v", err)
	}
	if _, err := q.Get(context.Background()); !errors.Is(err, batch.ErrQueueClosed) {
		t.Errorf("expected a cleanly closed empty queue, got %v", err)
	}
}

func TestSourceTableSelection(t *testing.T) {
	p := New(nil, 0)
	recent := Params{Model: ModelEvents, FullRange: ranges.Range{Start: time.Now().Add(-time.Hour), End: time.Now()}}
	if got := p.sourceTable(recent); got != "events_recent" {
		t.Errorf("fresh interval: sourceTable = %q, want events_recent", got)
	}

	old := Params{Model: ModelEvents, FullRange: ranges.Range{Start: time.Now().Add(-30 * 24 * time.Hour), End: time.Now()}}
	if got := p.sourceTable(old); got != "events" {
		t.Errorf("old interval: sourceTable = %q, want events", got)
	}

	persons := Params{Model: ModelPersons, FullRange: recent.FullRange}
	if got := p.sourceTable(persons); got != "persons" {
		t.Errorf("persons: sourceTable = %q", got)
	}
}
