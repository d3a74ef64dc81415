// Package batch provides the bounded, byte-budgeted queue of Arrow record
// batches that decouples the query-streaming producer from the destination
// writer, plus row-aligned slicing of oversized batches.
package batch

import (
	"context"
	"errors"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
)

var (
	// ErrQueueFull is returned by PutNowait when the insert would push
	// buffered bytes over capacity.
	ErrQueueFull = errors.New("batch: queue full")

	// ErrQueueClosed is returned by Get once the queue is closed and
	// drained, and by Put after Close.
	ErrQueueClosed = errors.New("batch: queue closed")

	// ErrSchemaMismatch is returned by Put when a batch does not match the
	// schema locked in by the first batch.
	ErrSchemaMismatch = errors.New("batch: record schema differs from queue schema")
)

// Queue is a FIFO of Arrow records bounded by total buffered bytes rather
// than element count. Exactly one producer and one consumer own a queue per
// export run; batch ownership transfers atomically through it.
//
// The byte capacity is flow control, not a correctness boundary: exceeding
// it is a caller bug surfaced as ErrQueueFull, never silent data loss.
type Queue struct {
	mu       sync.Mutex
	items    []arrow.Record
	bytes    int64
	capacity int64
	minRows  int

	schema   *arrow.Schema
	schemaCh chan struct{}

	closed   bool
	closeErr error

	// changed is closed and replaced on every state transition, waking
	// all blocked Put/Get callers to re-check their condition.
	changed chan struct{}
}

// NewQueue creates a queue with the given byte capacity. A capacity of zero
// or less means unbounded. minSliceRows is the floor used when slicing
// oversized batches against this queue's budget.
func NewQueue(capacityBytes int64, minSliceRows int) *Queue {
	return &Queue{
		capacity: capacityBytes,
		minRows:  minSliceRows,
		schemaCh: make(chan struct{}),
		changed:  make(chan struct{}),
	}
}

// CapacityBytes returns the queue's byte capacity (0 = unbounded).
func (q *Queue) CapacityBytes() int64 { return q.capacity }

// MinSliceRows returns the minimum rows per slice for oversized batches.
func (q *Queue) MinSliceRows() int { return q.minRows }

// SizeBytes returns the sum of the buffered records' buffer sizes.
func (q *Queue) SizeBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Len returns the number of buffered records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// fitsLocked reports whether rec can be admitted right now. An oversized
// record is admitted into an empty queue, otherwise a batch larger than the
// whole capacity could never be inserted at all.
func (q *Queue) fitsLocked(size int64) bool {
	if q.capacity <= 0 {
		return true
	}
	if q.bytes+size <= q.capacity {
		return true
	}
	return len(q.items) == 0
}

func (q *Queue) admitLocked(rec arrow.Record) error {
	if q.schema == nil {
		q.schema = rec.Schema()
		close(q.schemaCh)
	} else if !q.schema.Equal(rec.Schema()) {
		return ErrSchemaMismatch
	}
	q.items = append(q.items, rec)
	q.bytes += RecordSize(rec)
	q.broadcastLocked()
	return nil
}

// Put enqueues rec, blocking while the queue is at capacity. The first Put
// locks the queue's schema.
func (q *Queue) Put(ctx context.Context, rec arrow.Record) error {
	size := RecordSize(rec)
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if q.fitsLocked(size) {
			err := q.admitLocked(rec)
			q.mu.Unlock()
			return err
		}
		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// PutNowait enqueues rec or fails immediately with ErrQueueFull if the
// insert would exceed capacity.
func (q *Queue) PutNowait(rec arrow.Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if !q.fitsLocked(RecordSize(rec)) {
		return ErrQueueFull
	}
	return q.admitLocked(rec)
}

// Get dequeues the oldest record, blocking while the queue is empty. Once
// the queue is closed and drained it returns the close error, or
// ErrQueueClosed for a clean close. The caller takes ownership of the
// returned record and must Release it.
func (q *Queue) Get(ctx context.Context) (arrow.Record, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			rec := q.items[0]
			q.items = q.items[1:]
			q.bytes -= RecordSize(rec)
			q.broadcastLocked()
			q.mu.Unlock()
			return rec, nil
		}
		if q.closed {
			err := q.closeErr
			q.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return nil, ErrQueueClosed
		}
		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close marks the end of the stream. A non-nil err is handed to the consumer
// once the queue drains, propagating a mid-stream producer failure instead
// of leaving the consumer blocked on an empty queue. Close is idempotent;
// the first error wins.
func (q *Queue) Close(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.closeErr = err
	if q.schema == nil {
		// Unblock AwaitSchema callers on an empty stream.
		close(q.schemaCh)
	}
	q.broadcastLocked()
}

// AwaitSchema blocks until the first Put fixes the queue's schema. It is
// idempotent: awaiting after the schema is known returns immediately.
func (q *Queue) AwaitSchema(ctx context.Context) (*arrow.Schema, error) {
	select {
	case <-q.schemaCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.schema == nil {
		if q.closeErr != nil {
			return nil, q.closeErr
		}
		return nil, ErrQueueClosed
	}
	return q.schema, nil
}

// Schema returns the locked schema, or nil if no batch has been enqueued.
func (q *Queue) Schema() *arrow.Schema {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.schema
}
