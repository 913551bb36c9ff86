package sink

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gosimple/slug"
	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"

	_ "github.com/go-sql-driver/mysql"

	"github.com/forcevault/forcevault/internal/models"
)

const (
	// metadataTable records {table, lastCompletedAt} per object, used by
	// the incremental strategy.
	metadataTable = "_backup_runs"

	// blobPathColumn is appended when the object has a blob sidecar.
	blobPathColumn = "BLOB_FILE_PATH"

	insertChunkRows = 500
)

// TableSink writes rows into one relational table per object. In
// recreate mode tables are dropped and rebuilt from the CSV header; in
// append mode rows accumulate and delta queries stay possible.
type TableSink struct {
	dsn      string
	recreate bool

	mu sync.Mutex
	db *sqlx.DB
}

// NewTableSink creates a table sink for the given MySQL-compatible DSN.
func NewTableSink(dsn string, recreate bool) *TableSink {
	return &TableSink{dsn: dsn, recreate: recreate}
}

// newTableSinkWithDB wires an existing handle, used by tests with sqlmock.
func newTableSinkWithDB(db *sql.DB, recreate bool) *TableSink {
	return &TableSink{db: sqlx.NewDb(db, "mysql"), recreate: recreate}
}

// Connect opens the warehouse connection and ensures the metadata table
// exists. Idempotent.
func (s *TableSink) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		db, err := sqlx.ConnectContext(ctx, "mysql", s.dsn)
		if err != nil {
			return fmt.Errorf("failed to connect to warehouse: %w", err)
		}
		db.SetMaxOpenConns(16)
		db.SetConnMaxLifetime(30 * time.Minute)
		s.db = db
		log.Info("Warehouse connection established")
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		table_name VARCHAR(255) NOT NULL PRIMARY KEY,
		run_id VARCHAR(64) NOT NULL,
		last_completed_at DATETIME NOT NULL
	)`, metadataTable)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure metadata table: %w", err)
	}
	return nil
}

// Disconnect closes the connection. Idempotent.
func (s *TableSink) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("failed to close warehouse connection: %w", err)
	}
	return nil
}

// Kind identifies the sink variant.
func (s *TableSink) Kind() models.TargetKind { return models.TargetKindDB }

// RecreateTables reports whether delta mode is suppressed.
func (s *TableSink) RecreateTables() bool { return s.recreate }

// SanitizeTableName maps an object name to a dialect-safe table name.
func (s *TableSink) SanitizeTableName(object string) string {
	return strings.ReplaceAll(slug.Make(object), "-", "_")
}

// WriteData loads one object's CSV into its table. Transactions are
// per-object and serialized per table.
func (s *TableSink) WriteData(ctx context.Context, object string, rows io.Reader, opts WriteOptions) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("warehouse not connected")
	}

	r := csv.NewReader(rows)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err == io.EOF {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read CSV header for %s: %w", object, err)
	}

	table := s.SanitizeTableName(object)
	columns := make([]string, 0, len(header)+1)
	idIdx := -1
	for i, col := range header {
		if col == "Id" {
			idIdx = i
		}
		columns = append(columns, s.sanitizeColumn(col))
	}
	withBlobs := len(opts.BlobPaths) > 0
	if withBlobs {
		columns = append(columns, blobPathColumn)
	}

	if err := s.ensureTable(ctx, table, columns); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to start transaction: %w", err)
	}

	var written int64
	batch := make([][]interface{}, 0, insertChunkRows)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.insertChunk(ctx, tx, table, columns, batch); err != nil {
			return err
		}
		written += int64(len(batch))
		batch = batch[:0]
		if opts.OnProgress != nil {
			opts.OnProgress(written)
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			tx.Rollback()
			return 0, err
		}
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("failed to read CSV row for %s: %w", object, err)
		}

		values := make([]interface{}, len(columns))
		for i := range header {
			if i < len(record) {
				values[i] = record[i]
			} else {
				values[i] = ""
			}
		}
		if withBlobs {
			blobPath := ""
			if idIdx >= 0 && idIdx < len(record) {
				blobPath = opts.BlobPaths[record[idIdx]]
			}
			values[len(columns)-1] = blobPath
		}

		batch = append(batch, values)
		if len(batch) >= insertChunkRows {
			if err := flush(); err != nil {
				tx.Rollback()
				return 0, err
			}
		}
	}
	if err := flush(); err != nil {
		tx.Rollback()
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit %s load: %w", table, err)
	}

	if err := s.recordCompletion(ctx, table, opts.RunID); err != nil {
		// Metadata bookkeeping failure degrades delta mode but does not
		// fail the write.
		log.WithError(err).WithField("table", table).Warn("Failed to record backup completion")
	}

	log.WithFields(log.Fields{
		"object": object,
		"table":  table,
		"rows":   written,
	}).Info("Table load completed")

	return written, nil
}

// LastBackupTimestamp returns the last completed load time for the object.
func (s *TableSink) LastBackupTimestamp(ctx context.Context, object string) (*time.Time, error) {
	if s.db == nil {
		return nil, fmt.Errorf("warehouse not connected")
	}

	table := s.SanitizeTableName(object)
	var ts time.Time
	query := fmt.Sprintf("SELECT last_completed_at FROM %s WHERE table_name = ?", metadataTable)
	err := s.db.GetContext(ctx, &ts, query, table)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up last backup timestamp: %w", err)
	}
	return &ts, nil
}

func (s *TableSink) sanitizeColumn(name string) string {
	sanitized := strings.ReplaceAll(slug.Make(name), "-", "_")
	if sanitized == "" {
		sanitized = "col"
	}
	return sanitized
}

func (s *TableSink) ensureTable(ctx context.Context, table string, columns []string) error {
	if s.recreate {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS `%s`", table)); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
	}

	defs := make([]string, 0, len(columns))
	for _, col := range columns {
		defs = append(defs, fmt.Sprintf("`%s` TEXT", col))
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` (%s)", table, strings.Join(defs, ", "))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	return nil
}

func (s *TableSink) insertChunk(ctx context.Context, tx *sqlx.Tx, table string, columns []string, batch [][]interface{}) error {
	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = "`" + c + "`"
	}
	row := "(" + strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",") + ")"
	placeholders := strings.TrimSuffix(strings.Repeat(row+",", len(batch)), ",")

	args := make([]interface{}, 0, len(batch)*len(columns))
	for _, values := range batch {
		args = append(args, values...)
	}

	query := fmt.Sprintf("INSERT INTO `%s` (%s) VALUES %s", table, strings.Join(cols, ", "), placeholders)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert chunk into %s: %w", table, err)
	}
	return nil
}

func (s *TableSink) recordCompletion(ctx context.Context, table, runID string) error {
	query := fmt.Sprintf(`INSERT INTO %s (table_name, run_id, last_completed_at)
		VALUES (?, ?, UTC_TIMESTAMP())
		ON DUPLICATE KEY UPDATE run_id = VALUES(run_id), last_completed_at = VALUES(last_completed_at)`,
		metadataTable)
	_, err := s.db.ExecContext(ctx, query, table, runID)
	return err
}
