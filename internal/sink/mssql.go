package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	mssql "github.com/microsoft/go-mssqldb"

	"github.com/stackmetrics/chexport/internal/logging"
)

func init() {
	Register("mssql", newMSSQLSink)
}

// mssqlSink bulk-copies batches into a SQL Server table using the TDS bulk
// insert path.
type mssqlSink struct {
	dsn    string
	schema string
	table  string

	db      *sql.DB
	columns []string
	rows    int64
}

type mssqlCursor struct {
	Rows int64 `json:"rows"`
}

func newMSSQLSink(opts Options) (Sink, error) {
	dsn := stringOption(opts.Config, "dsn")
	table := stringOption(opts.Config, "table")
	if dsn == "" || table == "" {
		return nil, fmt.Errorf("mssql destination requires dsn and table")
	}
	schema := stringOption(opts.Config, "schema")
	if schema == "" {
		schema = "dbo"
	}
	return &mssqlSink{dsn: dsn, schema: schema, table: table}, nil
}

func (s *mssqlSink) Type() string { return "mssql" }

func mssqlType(dt arrow.DataType) string {
	switch dt.ID() {
	case arrow.BOOL:
		return "bit"
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.UINT8, arrow.UINT16:
		return "int"
	case arrow.INT64, arrow.UINT32, arrow.UINT64:
		return "bigint"
	case arrow.FLOAT32, arrow.FLOAT64:
		return "float"
	case arrow.TIMESTAMP:
		return "datetime2"
	case arrow.DATE32, arrow.DATE64:
		return "date"
	case arrow.BINARY, arrow.LARGE_BINARY:
		return "varbinary(max)"
	default:
		return "nvarchar(max)"
	}
}

func bracketIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (s *mssqlSink) Open(ctx context.Context, schema *arrow.Schema) error {
	db, err := sql.Open("sqlserver", s.dsn)
	if err != nil {
		return fmt.Errorf("opening connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return s.classify(fmt.Errorf("pinging database: %w", err))
	}
	s.db = db

	cols := make([]string, len(schema.Fields()))
	defs := make([]string, len(schema.Fields()))
	for i, f := range schema.Fields() {
		cols[i] = f.Name
		defs[i] = bracketIdent(f.Name) + " " + mssqlType(f.Type)
	}
	s.columns = cols

	ddl := fmt.Sprintf(
		"IF OBJECT_ID(N'%s.%s', N'U') IS NULL CREATE TABLE %s.%s (%s)",
		s.schema, s.table, bracketIdent(s.schema), bracketIdent(s.table), strings.Join(defs, ", "))
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return s.classify(fmt.Errorf("creating target table: %w", err))
	}
	logging.Info("Bulk copying export into %s.%s", s.schema, s.table)
	return nil
}

func (s *mssqlSink) WriteRecords(ctx context.Context, rec arrow.Record) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, s.classify(err)
	}
	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(s.schema+"."+s.table, mssql.BulkOptions{}, s.columns...))
	if err != nil {
		tx.Rollback()
		return 0, s.classify(fmt.Errorf("preparing bulk copy: %w", err))
	}

	for i := int64(0); i < rec.NumRows(); i++ {
		if _, err := stmt.ExecContext(ctx, RowValues(rec, int(i))...); err != nil {
			stmt.Close()
			tx.Rollback()
			return 0, s.classify(fmt.Errorf("buffering row: %w", err))
		}
	}
	// The final empty Exec flushes the bulk batch.
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		tx.Rollback()
		return 0, s.classify(fmt.Errorf("flushing bulk copy: %w", err))
	}
	if err := stmt.Close(); err != nil {
		tx.Rollback()
		return 0, s.classify(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, s.classify(err)
	}
	s.rows += rec.NumRows()
	return rec.NumRows(), nil
}

func (s *mssqlSink) Finish(ctx context.Context) error { return nil }

func (s *mssqlSink) Cursor() json.RawMessage {
	raw, _ := json.Marshal(mssqlCursor{Rows: s.rows})
	return raw
}

func (s *mssqlSink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// classify marks login failures terminal. 18456 is SQL Server's login
// failed error.
func (s *mssqlSink) classify(err error) error {
	if err == nil {
		return nil
	}
	var srvErr mssql.Error
	if errors.As(err, &srvErr) && srvErr.Number == 18456 {
		return &TerminalError{Err: err}
	}
	return err
}
