// Package sink provides pluggable export destinations. Each destination
// implements the Sink interface and registers itself by type string, so the
// producer and queue stay destination-agnostic.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
)

// Sink writes record batches to one destination for one export run.
//
// WriteRecords must be idempotent or mergeable per-row: retried attempts are
// allowed to re-deliver the boundary sub-range they were mid-way through.
type Sink interface {
	// Type returns the registered destination type.
	Type() string

	// Open prepares the destination for the locked batch schema.
	Open(ctx context.Context, schema *arrow.Schema) error

	// WriteRecords writes one batch and returns the row count delivered.
	WriteRecords(ctx context.Context, rec arrow.Record) (int64, error)

	// Finish commits whatever the destination buffers (closes the object,
	// merges the staging table). Called once after the queue drains clean.
	Finish(ctx context.Context) error

	// Cursor returns destination-specific resume state for the heartbeat.
	Cursor() json.RawMessage

	// Close releases connections. Safe to call after a failure.
	Close() error
}

// Options carries the run-scoped inputs every factory receives.
type Options struct {
	// RunID names the run, used for staging tables and object keys so
	// retried attempts land on the same destination state.
	RunID string

	// Config is the destination's own configuration block.
	Config map[string]any
}

// Factory builds a Sink from per-destination configuration.
type Factory func(opts Options) (Sink, error)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
)

// Register adds a destination factory, typically from an init function.
// Panics on a duplicate type: two writers for one destination type is a
// programming error.
func Register(sinkType string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := factories[sinkType]; exists {
		panic(fmt.Sprintf("sink type %q already registered", sinkType))
	}
	factories[sinkType] = f
}

// New builds a sink of the given type.
func New(sinkType string, opts Options) (Sink, error) {
	registryMu.RLock()
	f, exists := factories[sinkType]
	registryMu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("unknown destination type: %q (available: %v)", sinkType, Available())
	}
	return f(opts)
}

// Available returns the sorted registered destination types.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TerminalError marks a failure retries cannot fix, such as rejected
// credentials. The run supervisor stops instead of burning its retry budget.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return "terminal destination error: " + e.Err.Error() }

func (e *TerminalError) Unwrap() error { return e.Err }

// IsTerminal reports whether err carries a TerminalError.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

func stringOption(cfg map[string]any, key string) string {
	if v, ok := cfg[key].(string); ok {
		return v
	}
	return ""
}
