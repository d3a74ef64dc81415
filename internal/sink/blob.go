package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/stackmetrics/chexport/internal/logging"

	// Bucket URL schemes usable in destination configs.
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

func init() {
	Register("blob", newBlobSink)
}

// blobSink writes zstd-compressed JSONEachRow objects to object storage via
// a gocloud bucket URL (s3://, gs://, file://).
type blobSink struct {
	bucketURL string
	key       string

	bucket *blob.Bucket
	writer *blob.Writer
	zw     *zstd.Encoder

	rows  int64
	bytes int64
}

// blobCursor is the sink's heartbeat resume state.
type blobCursor struct {
	Key  string `json:"key"`
	Rows int64  `json:"rows"`
}

func newBlobSink(opts Options) (Sink, error) {
	bucketURL := stringOption(opts.Config, "bucket_url")
	if bucketURL == "" {
		return nil, fmt.Errorf("blob destination requires bucket_url")
	}
	prefix := strings.TrimSuffix(stringOption(opts.Config, "prefix"), "/")
	key := opts.RunID + ".jsonl.zst"
	if prefix != "" {
		key = prefix + "/" + key
	}
	return &blobSink{bucketURL: bucketURL, key: key}, nil
}

func (s *blobSink) Type() string { return "blob" }

func (s *blobSink) Open(ctx context.Context, schema *arrow.Schema) error {
	bucket, err := blob.OpenBucket(ctx, s.bucketURL)
	if err != nil {
		return s.classify(fmt.Errorf("opening bucket: %w", err))
	}
	writer, err := bucket.NewWriter(ctx, s.key, nil)
	if err != nil {
		bucket.Close()
		return s.classify(fmt.Errorf("opening object writer: %w", err))
	}
	zw, err := zstd.NewWriter(writer)
	if err != nil {
		writer.Close()
		bucket.Close()
		return err
	}
	s.bucket = bucket
	s.writer = writer
	s.zw = zw
	logging.Info("Writing export to %s/%s", s.bucketURL, s.key)
	return nil
}

func (s *blobSink) WriteRecords(ctx context.Context, rec arrow.Record) (int64, error) {
	if err := array.RecordToJSON(rec, s.zw); err != nil {
		return 0, s.classify(fmt.Errorf("encoding rows: %w", err))
	}
	s.rows += rec.NumRows()
	return rec.NumRows(), nil
}

func (s *blobSink) Finish(ctx context.Context) error {
	if err := s.zw.Close(); err != nil {
		return err
	}
	s.zw = nil
	// Closing the writer commits the object; nothing is visible before.
	if err := s.writer.Close(); err != nil {
		s.writer = nil
		return s.classify(fmt.Errorf("committing object: %w", err))
	}
	s.writer = nil
	return nil
}

func (s *blobSink) Cursor() json.RawMessage {
	raw, _ := json.Marshal(blobCursor{Key: s.key, Rows: s.rows})
	return raw
}

func (s *blobSink) Close() error {
	if s.zw != nil {
		s.zw.Close()
	}
	if s.writer != nil {
		s.writer.Close()
	}
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

// classify wraps credential rejections as terminal so the supervisor does
// not retry them into the ground.
func (s *blobSink) classify(err error) error {
	if err == nil {
		return nil
	}
	switch gcerrors.Code(err) {
	case gcerrors.PermissionDenied:
		return &TerminalError{Err: err}
	default:
		return err
	}
}
