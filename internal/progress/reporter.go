package progress

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/stackmetrics/chexport/internal/logging"
)

// Update is a machine-readable backfill progress line for schedulers that
// tail stderr instead of watching the terminal bar.
type Update struct {
	Timestamp     string  `json:"timestamp"`
	Phase         string  `json:"phase"`
	RunsComplete  int     `json:"runs_complete"`
	RunsTotal     int     `json:"runs_total"`
	RunsFailed    int     `json:"runs_failed,omitempty"`
	Records       int64   `json:"records"`
	ProgressPct   float64 `json:"progress_pct"`
	CurrentRun    string  `json:"current_run,omitempty"`
	RecordsPerSec int64   `json:"records_per_second,omitempty"`
}

// JSONReporter writes throttled JSON progress updates to a writer.
type JSONReporter struct {
	writer     io.Writer
	mu         sync.Mutex
	interval   time.Duration
	lastReport time.Time
	closed     bool
}

// NewJSONReporter creates a reporter. interval is the minimum spacing between
// updates; terminal-phase updates bypass it via ReportImmediate.
func NewJSONReporter(writer io.Writer, interval time.Duration) *JSONReporter {
	if writer == nil {
		writer = os.Stderr
	}
	return &JSONReporter{writer: writer, interval: interval}
}

// Report emits an update unless one was written within the interval.
func (r *JSONReporter) Report(update Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || time.Since(r.lastReport) < r.interval {
		return
	}
	r.emit(update)
}

// ReportImmediate emits an update regardless of throttling.
func (r *JSONReporter) ReportImmediate(update Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.emit(update)
}

func (r *JSONReporter) emit(update Update) {
	update.Timestamp = time.Now().UTC().Format(time.RFC3339)
	line, err := json.Marshal(update)
	if err != nil {
		logging.Warn("Failed to encode progress update: %v", err)
		return
	}
	line = append(line, '\n')
	if _, err := r.writer.Write(line); err != nil {
		logging.Warn("Failed to write progress update: %v", err)
	}
	r.lastReport = time.Now()
}

// Close stops further updates.
func (r *JSONReporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}
