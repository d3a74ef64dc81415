package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSchema = arrow.NewSchema([]arrow.Field{
	{Name: "n", Type: arrow.PrimitiveTypes.Int64},
	{Name: "s", Type: arrow.BinaryTypes.String},
}, nil)

// makeRecord builds a two-column record with rows sequential from start.
func makeRecord(t *testing.T, start, rows int) arrow.Record {
	t.Helper()
	b := array.NewRecordBuilder(memory.DefaultAllocator, testSchema)
	defer b.Release()
	for i := 0; i < rows; i++ {
		b.Field(0).(*array.Int64Builder).Append(int64(start + i))
		b.Field(1).(*array.StringBuilder).Append("row")
	}
	return b.NewRecord()
}

func TestQueuePutGetOrder(t *testing.T) {
	q := NewQueue(0, 0)
	first := makeRecord(t, 0, 3)
	second := makeRecord(t, 3, 2)
	require.NoError(t, q.Put(context.Background(), first))
	require.NoError(t, q.Put(context.Background(), second))

	got, err := q.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, got)
	got.Release()

	got, err = q.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, second, got)
	got.Release()
}

func TestQueueSizeAccounting(t *testing.T) {
	q := NewQueue(0, 0)
	rec := makeRecord(t, 0, 10)
	size := RecordSize(rec)
	require.Positive(t, size)

	require.NoError(t, q.Put(context.Background(), rec))
	assert.Equal(t, size, q.SizeBytes())
	assert.Equal(t, 1, q.Len())

	got, err := q.Get(context.Background())
	require.NoError(t, err)
	assert.Zero(t, q.SizeBytes())
	got.Release()
}

func TestPutNowaitFull(t *testing.T) {
	rec := makeRecord(t, 0, 10)
	defer rec.Release()
	other := makeRecord(t, 10, 10)
	defer other.Release()

	q := NewQueue(RecordSize(rec), 0)
	require.NoError(t, q.PutNowait(rec))
	assert.ErrorIs(t, q.PutNowait(other), ErrQueueFull)
}

func TestOversizedRecordAdmittedWhenEmpty(t *testing.T) {
	rec := makeRecord(t, 0, 100)
	q := NewQueue(1, 0) // capacity far below any record
	require.NoError(t, q.PutNowait(rec))

	got, err := q.Get(context.Background())
	require.NoError(t, err)
	got.Release()
}

func TestSchemaLockAndMismatch(t *testing.T) {
	q := NewQueue(0, 0)
	rec := makeRecord(t, 0, 1)
	require.NoError(t, q.Put(context.Background(), rec))

	otherSchema := arrow.NewSchema([]arrow.Field{{Name: "x", Type: arrow.PrimitiveTypes.Float64}}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, otherSchema)
	b.Field(0).(*array.Float64Builder).Append(1.5)
	mismatched := b.NewRecord()
	b.Release()
	defer mismatched.Release()

	assert.ErrorIs(t, q.Put(context.Background(), mismatched), ErrSchemaMismatch)
}

func TestAwaitSchemaIdempotent(t *testing.T) {
	q := NewQueue(0, 0)
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Put(context.Background(), makeRecord(t, 0, 1))
	}()

	first, err := q.AwaitSchema(context.Background())
	require.NoError(t, err)
	// Awaiting again after the schema is known returns immediately.
	again, err := q.AwaitSchema(context.Background())
	require.NoError(t, err)
	assert.True(t, first.Equal(again))
	assert.True(t, first.Equal(testSchema))
}

func TestAwaitSchemaOnEmptyClose(t *testing.T) {
	q := NewQueue(0, 0)
	q.Close(nil)
	_, err := q.AwaitSchema(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestCloseErrorPropagatesAfterDrain(t *testing.T) {
	q := NewQueue(0, 0)
	rec := makeRecord(t, 0, 1)
	require.NoError(t, q.Put(context.Background(), rec))

	produceErr := errors.New("replica went away")
	q.Close(produceErr)

	// The buffered record is still delivered.
	got, err := q.Get(context.Background())
	require.NoError(t, err)
	got.Release()

	// Then the producer's failure surfaces.
	_, err = q.Get(context.Background())
	assert.ErrorIs(t, err, produceErr)
}

func TestPutBlocksUntilSpace(t *testing.T) {
	rec := makeRecord(t, 0, 10)
	q := NewQueue(RecordSize(rec), 0)
	require.NoError(t, q.Put(context.Background(), rec))

	second := makeRecord(t, 10, 10)
	done := make(chan error, 1)
	go func() {
		done <- q.Put(context.Background(), second)
	}()

	select {
	case err := <-done:
		t.Fatalf("Put returned before space was available: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	got, err := q.Get(context.Background())
	require.NoError(t, err)
	got.Release()
	require.NoError(t, <-done)
}

func TestGetHonorsContext(t *testing.T) {
	q := NewQueue(0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
