// Package producer drives the query client to stream one export's rows into
// a bounded record-batch queue, skipping sub-ranges that previous attempts
// already completed.
package producer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stackmetrics/chexport/internal/batch"
	"github.com/stackmetrics/chexport/internal/clickhouse"
	"github.com/stackmetrics/chexport/internal/logging"
	"github.com/stackmetrics/chexport/internal/ranges"
)

// Models the producer knows how to query.
const (
	ModelEvents   = "events"
	ModelPersons  = "persons"
	ModelSessions = "sessions"
)

// DefaultRecentRetention is how far back the low-latency recent-data table
// reliably holds rows. Ranges starting beyond it must use the general table.
const DefaultRecentRetention = 7 * 24 * time.Hour

// sessionWindowGrace widens the session-id timestamp bound so sessions that
// started shortly before the export range still join their events.
const sessionWindowGrace = 24 * time.Hour

// PropertyFilter narrows exported rows on a JSON property value.
type PropertyFilter struct {
	Key      string
	Operator string // exact, is_not, icontains, regex, not_regex, gt, lt, is_set, is_not_set
	Type     string // "string" or "numeric", selects the bound parameter type
	Value    any
}

// Params describes one export production run.
type Params struct {
	Model  string
	TeamID int64

	// FullRange is the overall target range; Done holds the sub-ranges a
	// previous attempt already delivered.
	FullRange ranges.Range
	Done      *ranges.Tracker

	// Fields is the projection; empty selects the model's defaults.
	// DestinationDefaultFields are appended when the destination requires
	// columns the caller did not project.
	Fields                   []string
	DestinationDefaultFields []string

	Filters       []PropertyFilter
	ExcludeEvents []string
	IncludeEvents []string

	IsBackfill    bool
	BackfillStart *time.Time
	BackfillEnd   *time.Time

	// ExtraQueryParameters pass through to the query verbatim.
	ExtraQueryParameters clickhouse.Parameters
}

// Producer streams query results into record-batch queues.
type Producer struct {
	client          *clickhouse.Client
	recentRetention time.Duration
}

// New creates a Producer. recentRetention <= 0 uses DefaultRecentRetention.
func New(client *clickhouse.Client, recentRetention time.Duration) *Producer {
	if recentRetention <= 0 {
		recentRetention = DefaultRecentRetention
	}
	return &Producer{client: client, recentRetention: recentRetention}
}

// Task is a handle on a background production run. The consumer observes
// completion through the queue closing and inspects Err afterwards, so a
// mid-stream failure propagates instead of leaving the consumer blocked.
type Task struct {
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

// Done is closed when the task finishes, successfully or not.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task's terminal error. Only valid after Done is closed.
func (t *Task) Err() error { return t.err }

// Finished reports whether the task has completed, without blocking.
func (t *Task) Finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Cancel stops the task; an orphaned producer would otherwise keep issuing
// queries after its consumer has gone away.
func (t *Task) Cancel() { t.cancel() }

// Start launches production into q as a background task. The queue is
// closed when production ends, carrying any terminal error to the consumer.
func (p *Producer) Start(ctx context.Context, q *batch.Queue, params Params) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer cancel()
		err := p.produce(ctx, q, params)
		t.err = err
		q.Close(err)
		close(t.done)
	}()
	return t
}

func (p *Producer) produce(ctx context.Context, q *batch.Queue, params Params) error {
	missing := params.Done.Missing(params.FullRange)
	if len(missing) == 0 {
		logging.Info("Range %s already fully exported, nothing to produce", params.FullRange)
		return nil
	}

	table := p.sourceTable(params)
	for _, sub := range missing {
		query, queryParams, err := p.buildQuery(table, sub, params)
		if err != nil {
			return err
		}
		logging.Debug("Producing %s rows for %s from %s", params.Model, sub, table)
		if err := p.client.ProduceArrowToQueue(ctx, query, queryParams, q); err != nil {
			return fmt.Errorf("streaming %s: %w", sub, err)
		}
	}
	return nil
}

// UseRecentTable decides whether the whole requested range falls inside the
// recent table's retention lookback from now. Pure so it can be tested
// against a pinned clock.
func UseRecentTable(isBackfill bool, backfillStart *time.Time, intervalStart, now time.Time, retention time.Duration) bool {
	if retention <= 0 {
		retention = DefaultRecentRetention
	}
	horizon := now.Add(-retention)
	if !isBackfill {
		return intervalStart.After(horizon)
	}
	if backfillStart == nil {
		// Earliest-possible backfill always reaches past retention.
		return false
	}
	return backfillStart.After(horizon)
}

func (p *Producer) sourceTable(params Params) string {
	recent := UseRecentTable(params.IsBackfill, params.BackfillStart, params.FullRange.Start, time.Now(), p.recentRetention)
	switch params.Model {
	case ModelPersons:
		return "persons"
	case ModelSessions:
		return "sessions"
	default:
		if recent {
			return "events_recent"
		}
		return "events"
	}
}

func defaultFields(model string) []string {
	switch model {
	case ModelPersons:
		return []string{"team_id", "distinct_id", "person_id", "properties", "version"}
	case ModelSessions:
		return []string{"team_id", "session_id", "start_timestamp", "end_timestamp", "urls"}
	default:
		return []string{"uuid", "team_id", "event", "distinct_id", "properties", "timestamp"}
	}
}

func timestampColumn(model string) string {
	switch model {
	case ModelPersons:
		return "version_timestamp"
	case ModelSessions:
		return "end_timestamp"
	default:
		return "timestamp"
	}
}

// buildQuery assembles the streaming query for one missing sub-range. Every
// literal travels as a bound parameter; nothing caller-supplied is inlined
// unescaped.
func (p *Producer) buildQuery(table string, sub ranges.Range, params Params) (string, clickhouse.Parameters, error) {
	fields := params.Fields
	if len(fields) == 0 {
		fields = defaultFields(params.Model)
	}
	for _, extra := range params.DestinationDefaultFields {
		if !containsField(fields, extra) {
			fields = append(fields, extra)
		}
	}
	tsCol := timestampColumn(params.Model)
	if !containsField(fields, "_inserted_at") {
		fields = append(fields, tsCol+" AS _inserted_at")
	}

	queryParams := clickhouse.Parameters{
		"team_id":        params.TeamID,
		"interval_start": sub.Start.UTC(),
		"interval_end":   sub.End.UTC(),
	}
	for k, v := range params.ExtraQueryParameters {
		queryParams[k] = v
	}

	var where []string
	where = append(where,
		"team_id = {team_id:Int64}",
		tsCol+" >= %(interval_start)s",
		tsCol+" < %(interval_end)s",
	)

	if params.Model == ModelEvents {
		if len(params.IncludeEvents) > 0 {
			queryParams["include_events"] = toAnySlice(params.IncludeEvents)
			where = append(where, "event IN %(include_events)s")
		}
		if len(params.ExcludeEvents) > 0 {
			queryParams["exclude_events"] = toAnySlice(params.ExcludeEvents)
			where = append(where, "event NOT IN %(exclude_events)s")
		}
	}

	if params.Model == ModelSessions {
		// The session id embeds its start timestamp in the top 48 bits.
		// Bounding on it keeps the scan inside the export window instead
		// of walking the whole table.
		queryParams["session_window_start"] = sub.Start.Add(-sessionWindowGrace).UnixMilli()
		queryParams["session_window_end"] = sub.End.UnixMilli()
		where = append(where,
			"toInt64(bitShiftRight(toUInt128(session_id), 80)) >= {session_window_start:Int64}",
			"toInt64(bitShiftRight(toUInt128(session_id), 80)) < {session_window_end:Int64}",
		)
	}

	filterClause, err := compilePropertyFilters(params.Filters, queryParams)
	if err != nil {
		return "", nil, err
	}
	if filterClause != "" {
		where = append(where, filterClause)
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s FORMAT ArrowStream",
		strings.Join(fields, ", "),
		table,
		strings.Join(where, " AND "),
	)
	return query, queryParams, nil
}

// compilePropertyFilters turns filters into one AND-ed boolean clause over
// JSON-extracted, quote-normalized property values. Keys and values are
// bound parameters.
func compilePropertyFilters(filters []PropertyFilter, params clickhouse.Parameters) (string, error) {
	if len(filters) == 0 {
		return "", nil
	}
	exprs := make([]string, 0, len(filters))
	for i, f := range filters {
		keyParam := fmt.Sprintf("filter_%d_key", i)
		valParam := fmt.Sprintf("filter_%d_value", i)
		params[keyParam] = f.Key

		prop := fmt.Sprintf(
			"COALESCE(replaceRegexpAll(nullIf(JSONExtractRaw(properties, {%s:String}), ''), '^\"|\"$', ''), '')",
			keyParam,
		)

		var expr string
		switch f.Operator {
		case "exact", "":
			params[valParam] = f.Value
			expr = fmt.Sprintf("%s = {%s:String}", prop, valParam)
		case "is_not":
			params[valParam] = f.Value
			expr = fmt.Sprintf("%s != {%s:String}", prop, valParam)
		case "icontains":
			params[valParam] = f.Value
			expr = fmt.Sprintf("positionCaseInsensitive(%s, {%s:String}) > 0", prop, valParam)
		case "regex":
			params[valParam] = f.Value
			expr = fmt.Sprintf("match(%s, {%s:String})", prop, valParam)
		case "not_regex":
			params[valParam] = f.Value
			expr = fmt.Sprintf("NOT match(%s, {%s:String})", prop, valParam)
		case "gt":
			params[valParam] = f.Value
			expr = fmt.Sprintf("toFloat64OrNull(%s) > {%s:Float64}", prop, valParam)
		case "lt":
			params[valParam] = f.Value
			expr = fmt.Sprintf("toFloat64OrNull(%s) < {%s:Float64}", prop, valParam)
		case "is_set":
			expr = fmt.Sprintf("JSONHas(properties, {%s:String})", keyParam)
		case "is_not_set":
			expr = fmt.Sprintf("NOT JSONHas(properties, {%s:String})", keyParam)
		default:
			return "", fmt.Errorf("unsupported property filter operator: %q", f.Operator)
		}
		exprs = append(exprs, "("+expr+")")
	}
	return strings.Join(exprs, " AND "), nil
}

func containsField(fields []string, name string) bool {
	for _, f := range fields {
		if f == name || strings.HasSuffix(f, " AS "+name) {
			return true
		}
	}
	return false
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
