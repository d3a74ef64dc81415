package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/stackmetrics/chexport/internal/logging"
)

func init() {
	Register("postgres", newPostgresSink)
}

// postgresSink copies batches into a staging table and merges them into the
// target on Finish, so re-delivered boundary batches collapse instead of
// duplicating rows.
type postgresSink struct {
	dsn      string
	table    string
	mergeKey string

	conn    *pgx.Conn
	columns []string
	staging string
	rows    int64
}

type postgresCursor struct {
	Staging string `json:"staging_table"`
	Rows    int64  `json:"rows"`
}

func newPostgresSink(opts Options) (Sink, error) {
	dsn := stringOption(opts.Config, "dsn")
	table := stringOption(opts.Config, "table")
	if dsn == "" || table == "" {
		return nil, fmt.Errorf("postgres destination requires dsn and table")
	}
	return &postgresSink{
		dsn:      dsn,
		table:    table,
		mergeKey: stringOption(opts.Config, "merge_key"),
		staging:  "chexport_staging_" + sanitizeIdentifier(opts.RunID),
	}, nil
}

func (s *postgresSink) Type() string { return "postgres" }

// sanitizeIdentifier reduces a run id to characters valid in an unquoted
// identifier.
func sanitizeIdentifier(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func pgType(dt arrow.DataType) string {
	switch dt.ID() {
	case arrow.BOOL:
		return "boolean"
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.UINT8, arrow.UINT16:
		return "integer"
	case arrow.INT64, arrow.UINT32, arrow.UINT64:
		return "bigint"
	case arrow.FLOAT32:
		return "real"
	case arrow.FLOAT64:
		return "double precision"
	case arrow.TIMESTAMP:
		return "timestamptz"
	case arrow.DATE32, arrow.DATE64:
		return "date"
	case arrow.BINARY, arrow.LARGE_BINARY:
		return "bytea"
	default:
		return "text"
	}
}

func (s *postgresSink) Open(ctx context.Context, schema *arrow.Schema) error {
	conn, err := pgx.Connect(ctx, s.dsn)
	if err != nil {
		return s.classify(fmt.Errorf("connecting: %w", err))
	}
	s.conn = conn

	cols := make([]string, len(schema.Fields()))
	defs := make([]string, len(schema.Fields()))
	for i, f := range schema.Fields() {
		cols[i] = f.Name
		defs[i] = quoteIdent(f.Name) + " " + pgType(f.Type)
	}
	s.columns = cols

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(s.table), strings.Join(defs, ", "))
	if _, err := conn.Exec(ctx, ddl); err != nil {
		return s.classify(fmt.Errorf("creating target table: %w", err))
	}

	// Temp staging table scoped to this connection; a failed attempt
	// leaves nothing behind in the destination.
	stagingDDL := fmt.Sprintf("CREATE TEMP TABLE %s (%s)", quoteIdent(s.staging), strings.Join(defs, ", "))
	if _, err := conn.Exec(ctx, stagingDDL); err != nil {
		return s.classify(fmt.Errorf("creating staging table: %w", err))
	}
	logging.Info("Staging export into %s", s.staging)
	return nil
}

func (s *postgresSink) WriteRecords(ctx context.Context, rec arrow.Record) (int64, error) {
	rows := make([][]any, rec.NumRows())
	for i := range rows {
		rows[i] = RowValues(rec, int(i))
	}
	n, err := s.conn.CopyFrom(ctx, pgx.Identifier{s.staging}, s.columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, s.classify(fmt.Errorf("copying batch: %w", err))
	}
	s.rows += n
	return n, nil
}

// Finish merges the staging table into the target. With a merge key,
// conflicting rows update in place; without one, rows append.
func (s *postgresSink) Finish(ctx context.Context) error {
	quoted := make([]string, len(s.columns))
	for i, c := range s.columns {
		quoted[i] = quoteIdent(c)
	}
	colList := strings.Join(quoted, ", ")

	merge := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
		quoteIdent(s.table), colList, colList, quoteIdent(s.staging))
	if s.mergeKey != "" {
		sets := make([]string, 0, len(s.columns))
		for _, c := range s.columns {
			if c == s.mergeKey {
				continue
			}
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(c), quoteIdent(c)))
		}
		merge += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", quoteIdent(s.mergeKey), strings.Join(sets, ", "))
	}
	if _, err := s.conn.Exec(ctx, merge); err != nil {
		return s.classify(fmt.Errorf("merging staging table: %w", err))
	}
	return nil
}

func (s *postgresSink) Cursor() json.RawMessage {
	raw, _ := json.Marshal(postgresCursor{Staging: s.staging, Rows: s.rows})
	return raw
}

func (s *postgresSink) Close() error {
	if s.conn != nil {
		return s.conn.Close(context.Background())
	}
	return nil
}

// classify marks authentication failures terminal: SQLSTATE class 28 is
// invalid authorization, which no retry policy fixes.
func (s *postgresSink) classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "28") {
		return &TerminalError{Err: err}
	}
	return err
}
