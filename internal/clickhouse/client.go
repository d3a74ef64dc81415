// Package clickhouse implements the HTTP query client for the analytical
// store: literal encoding, query tagging, synchronous and streaming reads
// (JSONEachRow and ArrowStream), and query-log status polling.
package clickhouse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/google/uuid"

	"github.com/stackmetrics/chexport/internal/batch"
	"github.com/stackmetrics/chexport/internal/logging"
)

// Parameters holds named query parameters. Each parameter referenced in the
// query text as %(name)s is inlined via Encode; every parameter is also sent
// as param_<name> for native {name:Type} binding, so call sites can rely on
// either path.
type Parameters map[string]any

// Config configures a Client.
type Config struct {
	// URL is the HTTP(S) endpoint, e.g. https://clickhouse.internal:8443.
	URL string

	Database string
	User     string
	Password string

	// Timeout bounds Execute, ReadSmall and QueryStatus calls. Streaming
	// reads are bounded by the caller's context instead. Zero means no
	// client-side bound.
	Timeout time.Duration
}

// Client issues queries to ClickHouse over HTTP. It is safe for concurrent
// use; per-operation tags travel on a copy via WithTags.
type Client struct {
	base *url.URL
	http *http.Client
	cfg  Config
	tags QueryTags
}

// New creates a Client for the given endpoint.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("clickhouse: endpoint URL is required")
	}
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint URL: %w", err)
	}
	return &Client{
		base: base,
		http: &http.Client{},
		cfg:  cfg,
	}, nil
}

// WithTags returns a copy of the client carrying tags for every subsequent
// query. The receiver is not modified.
func (c *Client) WithTags(tags QueryTags) *Client {
	clone := *c
	clone.tags = tags
	return &clone
}

// substituteParams inlines %(name)s placeholders with encoded literals.
func substituteParams(query string, params Parameters) (string, error) {
	for name, value := range params {
		placeholder := "%(" + name + ")s"
		if !strings.Contains(query, placeholder) {
			continue
		}
		encoded, err := Encode(value)
		if err != nil {
			return "", fmt.Errorf("encoding parameter %q: %w", name, err)
		}
		query = strings.ReplaceAll(query, placeholder, string(encoded))
	}
	return query, nil
}

// bindingValue renders a parameter for param_<name> native binding: the raw
// text form without literal quoting, except slices, which the server expects
// as array literals for {name:Array(T)} binding.
func bindingValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "\\N"
	case time.Time:
		if val.Nanosecond() != 0 {
			return val.Format("2006-01-02 15:04:05.000000")
		}
		return val.Format("2006-01-02 15:04:05")
	case uuid.UUID:
		return val.String()
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case []string:
		elems := make([]any, len(val))
		for i, s := range val {
			elems[i] = s
		}
		return arrayBinding(elems)
	case []any:
		return arrayBinding(val)
	default:
		return fmt.Sprint(v)
	}
}

// arrayBinding renders a slice as a ClickHouse array literal. Strings are
// quoted and escaped; everything else uses its binding form.
func arrayBinding(elems []any) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, e := range elems {
		if i > 0 {
			b.WriteByte(',')
		}
		if s, ok := e.(string); ok {
			b.Write(encodeString(s))
		} else {
			b.WriteString(bindingValue(e))
		}
	}
	b.WriteByte(']')
	return b.String()
}

// buildQueryValues assembles the URL query string: database, query id,
// bound parameters and the structured log comment.
func (c *Client) buildQueryValues(queryID string, params Parameters) (url.Values, error) {
	values := url.Values{}
	if c.cfg.Database != "" {
		values.Set("database", c.cfg.Database)
	}
	values.Set("query_id", queryID)
	for name, v := range params {
		values.Set("param_"+name, bindingValue(v))
	}

	settings := map[string]string{}
	if err := c.tags.AddLogComment(settings); err != nil {
		return nil, err
	}
	for k, v := range settings {
		values.Set(k, v)
	}
	return values, nil
}

func (c *Client) newRequest(ctx context.Context, method, query, queryID string, params Parameters, body io.Reader) (*http.Request, error) {
	values, err := c.buildQueryValues(queryID, params)
	if err != nil {
		return nil, err
	}

	u := *c.base
	if method == http.MethodGet {
		values.Set("query", query)
	}
	u.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if c.cfg.User != "" {
		req.Header.Set("X-ClickHouse-User", c.cfg.User)
		req.Header.Set("X-ClickHouse-Key", c.cfg.Password)
	}
	return req, nil
}

// do dispatches the query and classifies a non-success response. The caller
// owns the response body on success.
func (c *Client) do(ctx context.Context, method, query string, params Parameters, body io.Reader) (*http.Response, error) {
	queryID := uuid.NewString()
	templated, err := substituteParams(query, params)
	if err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, method, templated, queryID, params, body)
	if err != nil {
		return nil, err
	}

	logging.Debug("Dispatching query %s (%d bytes)", queryID, len(templated))
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &ClientTimeoutError{Query: templated}
		}
		return nil, fmt.Errorf("dispatching query: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		message, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
		resp.Body.Close()
		return nil, classifyError(templated, string(message), resp.StatusCode)
	}
	return resp, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.Timeout)
}

// Execute runs a fire-and-forget write or DDL statement. Optional data
// blocks (pre-formatted rows for an INSERT ... FORMAT statement) are
// appended to the request body after the query.
func (c *Client) Execute(ctx context.Context, query string, params Parameters, data ...[]byte) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	templated, err := substituteParams(query, params)
	if err != nil {
		return err
	}
	body := &bytes.Buffer{}
	body.WriteString(templated)
	for _, block := range data {
		body.WriteByte('\n')
		body.Write(block)
	}

	queryID := uuid.NewString()
	req, err := c.newRequest(ctx, http.MethodPost, templated, queryID, params, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &ClientTimeoutError{Query: templated}
		}
		return fmt.Errorf("executing query: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		message, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
		return classifyError(templated, string(message), resp.StatusCode)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// ReadSmall runs a query whose result comfortably fits in memory (scalar
// aggregates, existence probes) and returns the raw response bytes.
func (c *Client) ReadSmall(ctx context.Context, query string, params Parameters) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, query, params, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &ClientTimeoutError{Query: query}
		}
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return out, nil
}

// JSONRowStream lazily yields rows from a FORMAT JSONEachRow response.
// Buffered reading joins a JSON object split across network chunks before it
// is parsed, so chunk boundaries never corrupt a row.
type JSONRowStream struct {
	body io.ReadCloser
	r    *bufio.Reader
	row  map[string]any
	err  error
}

// Next advances to the next row, returning false at end of stream or error.
func (s *JSONRowStream) Next() bool {
	for {
		line, err := s.r.ReadBytes('\n')
		if len(line) > 0 {
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) == 0 {
				continue
			}
			row := map[string]any{}
			if jerr := json.Unmarshal(trimmed, &row); jerr != nil {
				s.err = fmt.Errorf("decoding row: %w", jerr)
				return false
			}
			s.row = row
			return true
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.err = err
			}
			return false
		}
	}
}

// Row returns the most recently decoded row.
func (s *JSONRowStream) Row() map[string]any { return s.row }

// Err returns the first error encountered while streaming.
func (s *JSONRowStream) Err() error { return s.err }

// Close releases the underlying response.
func (s *JSONRowStream) Close() error { return s.body.Close() }

// StreamJSONEachRow issues query with FORMAT JSONEachRow and returns a lazy
// row stream. The stream re-issues nothing: each call runs the query again.
func (c *Client) StreamJSONEachRow(ctx context.Context, query string, params Parameters) (*JSONRowStream, error) {
	resp, err := c.do(ctx, http.MethodGet, query, params, nil)
	if err != nil {
		return nil, err
	}
	return &JSONRowStream{body: resp.Body, r: bufio.NewReader(resp.Body)}, nil
}

// ArrowStream lazily yields record batches from a FORMAT ArrowStream
// response without buffering the full body.
type ArrowStream struct {
	body io.ReadCloser
	r    *ipc.Reader
}

// Next advances to the next record batch.
func (s *ArrowStream) Next() bool { return s.r.Next() }

// Record returns the current batch. It is valid only until the next call to
// Next; Retain it (or slice it) to keep it.
func (s *ArrowStream) Record() arrow.Record { return s.r.Record() }

// Err returns the first error encountered while streaming.
func (s *ArrowStream) Err() error { return s.r.Err() }

// Close releases the IPC reader and the underlying response.
func (s *ArrowStream) Close() error {
	s.r.Release()
	return s.body.Close()
}

// StreamArrow issues query with FORMAT ArrowStream and returns an
// incremental columnar reader.
func (c *Client) StreamArrow(ctx context.Context, query string, params Parameters) (*ArrowStream, error) {
	resp, err := c.do(ctx, http.MethodGet, query, params, nil)
	if err != nil {
		return nil, err
	}
	r, err := ipc.NewReader(resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("opening arrow stream: %w", err)
	}
	return &ArrowStream{body: resp.Body, r: r}, nil
}

// ProduceArrowToQueue streams query results as Arrow batches onto q, slicing
// any batch whose buffers exceed the queue's byte capacity into row-aligned
// sub-batches. It is intended to run as a background producer task
// concurrently with a consumer draining q. The queue is not closed here; the
// caller owns the producing end.
func (c *Client) ProduceArrowToQueue(ctx context.Context, query string, params Parameters, q *batch.Queue) error {
	stream, err := c.StreamArrow(ctx, query, params)
	if err != nil {
		return err
	}
	defer stream.Close()

	for stream.Next() {
		rec := stream.Record()
		slices := batch.SliceRecord(rec, q.CapacityBytes(), q.MinSliceRows())
		for i, slice := range slices {
			if slice == rec {
				// Unsliced: the IPC reader releases it on the next
				// Next, so take our own reference.
				slice.Retain()
			}
			if err := q.Put(ctx, slice); err != nil {
				slice.Release()
				for _, rest := range slices[i+1:] {
					if rest != rec {
						rest.Release()
					}
				}
				return err
			}
		}
	}
	return stream.Err()
}

// Terminal query-log event outcomes.
type QueryStatus int

const (
	// StatusRunning means the query started but no terminal event is
	// visible yet.
	StatusRunning QueryStatus = iota
	// StatusFinished means the query completed successfully.
	StatusFinished
	// StatusErrored means the query raised a server-side exception.
	StatusErrored
)

const queryStatusSQL = `
SELECT type
FROM system.query_log
WHERE query_id = %(query_id)s
ORDER BY event_time_microseconds DESC
LIMIT 1
FORMAT JSONEachRow`

// QueryStatus polls system.query_log for the terminal status of a query.
// ErrQueryNotFound is returned when no event at all is visible, which after
// a reasonable post-submission window is a failure in its own right.
func (c *Client) QueryStatus(ctx context.Context, queryID string) (QueryStatus, error) {
	out, err := c.ReadSmall(ctx, queryStatusSQL, Parameters{"query_id": queryID})
	if err != nil {
		return StatusRunning, err
	}
	line := bytes.TrimSpace(out)
	if len(line) == 0 {
		return StatusRunning, ErrQueryNotFound
	}
	var event struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &event); err != nil {
		return StatusRunning, fmt.Errorf("decoding query log event: %w", err)
	}
	switch event.Type {
	case "QueryFinish":
		return StatusFinished, nil
	case "ExceptionBeforeStart", "ExceptionWhileProcessing":
		return StatusErrored, nil
	default:
		return StatusRunning, nil
	}
}
