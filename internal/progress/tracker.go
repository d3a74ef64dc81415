// Package progress renders interactive and machine-readable progress for
// multi-run backfills.
package progress

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/stackmetrics/chexport/internal/logging"
)

// Tracker tracks backfill progress across its scheduled runs.
type Tracker struct {
	bar       *progressbar.ProgressBar
	totalRuns int64
	runsDone  atomic.Int64
	records   atomic.Int64
	startTime time.Time
}

// New creates a tracker over a known number of runs.
func New(totalRuns int) *Tracker {
	t := &Tracker{
		totalRuns: int64(totalRuns),
		startTime: time.Now(),
	}
	t.bar = progressbar.NewOptions64(
		int64(totalRuns),
		progressbar.OptionSetDescription("Exporting"),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("runs"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
	return t
}

// StartRun updates the description with the run currently executing.
func (t *Tracker) StartRun(runID string) {
	if t.bar != nil {
		t.bar.Describe(fmt.Sprintf("Exporting %s", runID))
		t.bar.RenderBlank()
	}
}

// RunDone records one finished run and its delivered record count.
func (t *Tracker) RunDone(records int64) {
	t.runsDone.Add(1)
	t.records.Add(records)
	if t.bar != nil {
		t.bar.Add64(1)
	}
}

// RunsDone returns the number of finished runs.
func (t *Tracker) RunsDone() int64 { return t.runsDone.Load() }

// Records returns the total records delivered so far.
func (t *Tracker) Records() int64 { return t.records.Load() }

// Finish completes the bar and logs a summary.
func (t *Tracker) Finish() {
	if t.bar != nil {
		t.bar.Finish()
	}
	elapsed := time.Since(t.startTime)
	fmt.Println()
	logging.Info("Backfill complete: %d runs, %d records in %s",
		t.runsDone.Load(), t.records.Load(), elapsed.Round(time.Second))
}
