// Package orchestrator supervises export runs: idempotent run creation,
// bounded retries resumed from heartbeats, and terminal status bookkeeping.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/stackmetrics/chexport/internal/batch"
	"github.com/stackmetrics/chexport/internal/checkpoint"
	"github.com/stackmetrics/chexport/internal/clickhouse"
	"github.com/stackmetrics/chexport/internal/config"
	"github.com/stackmetrics/chexport/internal/heartbeat"
	"github.com/stackmetrics/chexport/internal/logging"
	"github.com/stackmetrics/chexport/internal/notify"
	"github.com/stackmetrics/chexport/internal/producer"
	"github.com/stackmetrics/chexport/internal/ranges"
	"github.com/stackmetrics/chexport/internal/sink"
)

// minQueueCapacity is the floor when memory-limit retries shrink the queue.
const minQueueCapacity = 4 * 1024 * 1024

// RunSpec describes one export run to execute.
type RunSpec struct {
	RunID       string
	BackfillID  string
	Model       string
	TeamID      int64
	Destination string

	IntervalStart time.Time
	IntervalEnd   time.Time

	IsBackfill    bool
	BackfillStart *time.Time
	BackfillEnd   *time.Time

	Fields        []string
	Filters       []producer.PropertyFilter
	IncludeEvents []string
	ExcludeEvents []string
}

// Orchestrator executes export runs against a ClickHouse source.
type Orchestrator struct {
	cfg      *config.Config
	state    *checkpoint.State
	client   *clickhouse.Client
	notifier *notify.Notifier
}

// New wires up an orchestrator from configuration.
func New(cfg *config.Config) (*Orchestrator, error) {
	client, err := clickhouse.New(clickhouse.Config{
		URL:      cfg.ClickHouse.URL,
		Database: cfg.ClickHouse.Database,
		User:     cfg.ClickHouse.User,
		Password: cfg.ClickHouse.Password,
		Timeout:  cfg.ClickHouse.Timeout(),
	})
	if err != nil {
		return nil, err
	}
	state, err := checkpoint.New(cfg.Export.DataDir)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:      cfg,
		state:    state,
		client:   client,
		notifier: notify.New(&cfg.Slack),
	}, nil
}

// State exposes the run-state store for status queries.
func (o *Orchestrator) State() *checkpoint.State { return o.state }

// Close releases the orchestrator's resources.
func (o *Orchestrator) Close() error {
	return o.state.Close()
}

// NotifyBackfillDone sends the backfill summary notification.
func (o *Orchestrator) NotifyBackfillDone(backfillID string, succeeded, failed int, records int64, elapsed time.Duration) error {
	return o.notifier.BackfillCompleted(backfillID, succeeded, failed, records, elapsed)
}

// ExecuteRun runs one export to completion, retrying failed attempts up to
// the configured budget. Re-executing a completed run is a no-op; the run id
// is the idempotency key.
func (o *Orchestrator) ExecuteRun(ctx context.Context, spec RunSpec) (*checkpoint.Run, error) {
	created, err := o.state.CreateRun(checkpoint.Run{
		ID:            spec.RunID,
		BackfillID:    spec.BackfillID,
		Model:         spec.Model,
		TeamID:        spec.TeamID,
		Destination:   spec.Destination,
		IntervalStart: &spec.IntervalStart,
		IntervalEnd:   &spec.IntervalEnd,
	})
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	if !created {
		existing, err := o.state.GetRun(spec.RunID)
		if err != nil {
			return nil, err
		}
		if existing != nil && existing.Status == checkpoint.StatusCompleted {
			logging.Info("Run %s already completed with %d records, skipping", spec.RunID, existing.RecordsCompleted)
			return existing, nil
		}
		logging.Info("Resuming run %s (previous status: %s)", spec.RunID, statusOf(existing))
	}

	destCfg, err := o.cfg.Destination(spec.Destination)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	capacity := o.cfg.Export.QueueCapacityBytes
	var records int64
	var lastErr error

	for {
		attempt, hbPayload, err := o.state.StartAttempt(spec.RunID)
		if err != nil {
			return nil, fmt.Errorf("starting attempt: %w", err)
		}
		details, err := heartbeat.Parse(hbPayload)
		if err != nil {
			// A corrupt heartbeat costs resumption, not correctness.
			logging.Warn("Run %s: discarding unreadable heartbeat: %v", spec.RunID, err)
			details = &heartbeat.Details{}
		}
		if attempt > 1 {
			logging.Info("Run %s attempt %d, resuming with %s already exported",
				spec.RunID, attempt, details.Tracker().CompletedDuration())
		}

		records, lastErr = o.runAttempt(ctx, spec, destCfg, attempt, capacity, details)
		if lastErr == nil {
			return o.finish(spec, checkpoint.StatusCompleted, records, "", attempt, started)
		}

		if ctx.Err() != nil {
			return o.finish(spec, checkpoint.StatusCancelled, records, lastErr.Error(), attempt, started)
		}
		if sink.IsTerminal(lastErr) {
			logging.Error("Run %s attempt %d hit a terminal destination error: %v", spec.RunID, attempt, lastErr)
			return o.finish(spec, checkpoint.StatusFailed, records, lastErr.Error(), attempt, started)
		}

		var memErr *clickhouse.MemoryLimitError
		if errors.As(lastErr, &memErr) && capacity/2 >= minQueueCapacity {
			// Smaller batches put less pressure on the server's per-query
			// memory accounting, so shrink before the next attempt.
			capacity /= 2
			logging.Warn("Run %s: query exceeded server memory limits, retrying with %d byte queue", spec.RunID, capacity)
		} else if !clickhouse.IsRetryable(lastErr) {
			logging.Error("Run %s attempt %d failed permanently: %v", spec.RunID, attempt, lastErr)
			return o.finish(spec, checkpoint.StatusFailed, records, lastErr.Error(), attempt, started)
		}

		if attempt >= o.cfg.Export.MaxAttempts {
			logging.Error("Run %s exhausted %d attempts: %v", spec.RunID, attempt, lastErr)
			return o.finish(spec, checkpoint.StatusFailed, records, lastErr.Error(), attempt, started)
		}

		backoff := o.cfg.Export.RetryBackoff() << (attempt - 1)
		logging.Warn("Run %s attempt %d failed, retrying in %s: %v", spec.RunID, attempt, backoff, lastErr)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return o.finish(spec, checkpoint.StatusCancelled, records, ctx.Err().Error(), attempt, started)
		}
	}
}

func (o *Orchestrator) finish(spec RunSpec, status string, records int64, errMsg string, attempt int, started time.Time) (*checkpoint.Run, error) {
	if err := o.state.FinishRun(spec.RunID, status, records, errMsg); err != nil {
		return nil, fmt.Errorf("recording run status: %w", err)
	}
	switch status {
	case checkpoint.StatusCompleted:
		logging.Info("Run %s completed: %d records in %s", spec.RunID, records, time.Since(started).Round(time.Second))
		if err := o.notifier.ExportCompleted(spec.RunID, spec.Model, spec.Destination, records, time.Since(started)); err != nil {
			logging.Warn("Slack notification failed: %v", err)
		}
	case checkpoint.StatusFailed:
		if err := o.notifier.ExportFailed(spec.RunID, spec.Model, spec.Destination, errors.New(errMsg), attempt); err != nil {
			logging.Warn("Slack notification failed: %v", err)
		}
	}
	run, err := o.state.GetRun(spec.RunID)
	if err != nil {
		return nil, err
	}
	if status == checkpoint.StatusCompleted {
		return run, nil
	}
	return run, fmt.Errorf("run %s %s: %s", spec.RunID, status, errMsg)
}

// runAttempt performs one producer/consumer pass over the run's missing
// sub-ranges, checkpointing a heartbeat after every delivered batch.
func (o *Orchestrator) runAttempt(ctx context.Context, spec RunSpec, destCfg *config.DestinationConfig,
	attempt int, capacity int64, details *heartbeat.Details) (int64, error) {

	full := ranges.Range{Start: spec.IntervalStart, End: spec.IntervalEnd}
	tracker := details.Tracker()
	records := details.RecordsCompleted

	client := o.client.WithTags(clickhouse.QueryTags{
		Kind:          "export",
		Product:       "batch_exports",
		TeamID:        spec.TeamID,
		DestinationID: spec.Destination,
		WorkflowType:  "export-" + spec.Model,
		WorkflowID:    spec.RunID,
		Attempt:       attempt,
	})

	q := batch.NewQueue(capacity, o.cfg.Export.MinSliceRows)
	prod := producer.New(client, o.cfg.Export.RecentRetention())
	task := prod.Start(ctx, q, producer.Params{
		Model:         spec.Model,
		TeamID:        spec.TeamID,
		FullRange:     full,
		Done:          tracker,
		Fields:        spec.Fields,
		Filters:       spec.Filters,
		IncludeEvents: spec.IncludeEvents,
		ExcludeEvents: spec.ExcludeEvents,
		IsBackfill:    spec.IsBackfill,
		BackfillStart: spec.BackfillStart,
		BackfillEnd:   spec.BackfillEnd,
	})
	defer task.Cancel()

	schema, err := q.AwaitSchema(ctx)
	if errors.Is(err, batch.ErrQueueClosed) {
		// Empty stream. Either the range matched no rows or every missing
		// sub-range was already done; both are successful completions.
		<-task.Done()
		if terr := task.Err(); terr != nil {
			return records, terr
		}
		tracker.Add(full.Start, full.End)
		if herr := o.saveHeartbeat(spec.RunID, tracker, records, details.Cursor); herr != nil {
			return records, herr
		}
		return records, nil
	}
	if err != nil {
		return records, err
	}

	s, err := sink.New(destCfg.Type, sink.Options{RunID: spec.RunID, Config: destCfg.Settings})
	if err != nil {
		return records, err
	}
	defer s.Close()
	if err := s.Open(ctx, schema); err != nil {
		return records, err
	}

	// Missing sub-ranges at attempt start, in production order. Batch
	// timestamps advance through them, so progress converts into done
	// ranges without re-deriving the producer's plan.
	missing := tracker.Missing(full)
	tsIdx := insertedAtIndex(schema)

	for {
		rec, err := q.Get(ctx)
		if errors.Is(err, batch.ErrQueueClosed) {
			break
		}
		if err != nil {
			return records, err
		}

		n, err := s.WriteRecords(ctx, rec)
		if err != nil {
			rec.Release()
			return records, err
		}
		records += n

		if ts := maxInsertedAt(rec, tsIdx); !ts.IsZero() {
			markProgress(tracker, missing, ts)
		}
		rec.Release()

		if err := o.saveHeartbeat(spec.RunID, tracker, records, s.Cursor()); err != nil {
			return records, err
		}
	}

	<-task.Done()
	if err := task.Err(); err != nil {
		return records, err
	}

	if err := s.Finish(ctx); err != nil {
		return records, err
	}
	tracker.Add(full.Start, full.End)
	if err := o.saveHeartbeat(spec.RunID, tracker, records, s.Cursor()); err != nil {
		return records, err
	}
	return records, nil
}

func (o *Orchestrator) saveHeartbeat(runID string, tracker *ranges.Tracker, records int64, cursor []byte) error {
	d := heartbeat.Details{
		DoneRanges:       tracker.Ranges(),
		RecordsCompleted: records,
		Cursor:           cursor,
	}
	payload, err := d.Marshal()
	if err != nil {
		return fmt.Errorf("encoding heartbeat: %w", err)
	}
	if err := o.state.SaveHeartbeat(runID, payload); err != nil {
		return fmt.Errorf("saving heartbeat: %w", err)
	}
	return nil
}

// markProgress records everything up to ts as done. Sub-ranges wholly before
// ts close completely; the sub-range containing ts closes up to it, keeping
// ts itself exclusive so a crashed attempt re-delivers at most the rows
// sharing the boundary timestamp.
func markProgress(tracker *ranges.Tracker, missing []ranges.Range, ts time.Time) {
	for _, m := range missing {
		switch {
		case !m.End.After(ts):
			tracker.Add(m.Start, m.End)
		case m.Start.Before(ts):
			tracker.Add(m.Start, ts)
		}
	}
}

func insertedAtIndex(schema *arrow.Schema) int {
	for i, f := range schema.Fields() {
		if f.Name == "_inserted_at" {
			return i
		}
	}
	return -1
}

// maxInsertedAt returns the largest _inserted_at in the batch, or zero when
// the column is absent.
func maxInsertedAt(rec arrow.Record, idx int) time.Time {
	if idx < 0 {
		return time.Time{}
	}
	col := rec.Column(idx)
	var max time.Time
	for i := 0; i < int(rec.NumRows()); i++ {
		if ts := sink.TimestampValue(col, i); ts.After(max) {
			max = ts
		}
	}
	return max
}

func statusOf(r *checkpoint.Run) string {
	if r == nil {
		return "unknown"
	}
	return r.Status
}
