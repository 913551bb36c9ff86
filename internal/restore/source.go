package restore

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
)

// RowSource yields the header and rows of one backed-up object.
type RowSource interface {
	// Open returns the header row and an iterator over data rows.
	Open(ctx context.Context, object string) (header []string, rows RowIterator, err error)
}

// RowIterator walks data rows; Next returns io.EOF when exhausted.
type RowIterator interface {
	Next() ([]string, error)
	Close() error
}

// CSVSource reads <root>/<object>.csv files produced by a file backup.
type CSVSource struct {
	root string
}

// NewCSVSource creates a source over a backup output directory.
func NewCSVSource(root string) *CSVSource {
	return &CSVSource{root: root}
}

// Open opens the object's CSV and reads its header.
func (s *CSVSource) Open(ctx context.Context, object string) ([]string, RowIterator, error) {
	path := filepath.Join(s.root, object+".csv")
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err == io.EOF {
		f.Close()
		return nil, nil, fmt.Errorf("%s is empty", path)
	}
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}

	return header, &csvIterator{f: f, r: r}, nil
}

type csvIterator struct {
	f *os.File
	r *csv.Reader
}

func (it *csvIterator) Next() ([]string, error) { return it.r.Read() }
func (it *csvIterator) Close() error            { return it.f.Close() }

// TableSource reads object tables written by a warehouse backup. The
// BLOB_FILE_PATH sidecar column is excluded; it has no target field.
type TableSource struct {
	db *sqlx.DB
}

// NewTableSource creates a source over an open warehouse connection.
func NewTableSource(db *sqlx.DB) *TableSource {
	return &TableSource{db: db}
}

// Open selects every row of the object's table.
func (s *TableSource) Open(ctx context.Context, object string) ([]string, RowIterator, error) {
	rows, err := s.db.QueryxContext(ctx, fmt.Sprintf("SELECT * FROM `%s`", object))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read table %s: %w", object, err)
	}

	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, nil, fmt.Errorf("failed to read columns of %s: %w", object, err)
	}

	keep := make([]int, 0, len(cols))
	header := make([]string, 0, len(cols))
	for i, col := range cols {
		if col == "BLOB_FILE_PATH" {
			continue
		}
		keep = append(keep, i)
		header = append(header, col)
	}

	return header, &tableIterator{rows: rows, width: len(cols), keep: keep}, nil
}

type tableIterator struct {
	rows  *sqlx.Rows
	width int
	keep  []int
}

func (it *tableIterator) Next() ([]string, error) {
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	raw := make([]interface{}, it.width)
	ptrs := make([]interface{}, it.width)
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := it.rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	row := make([]string, 0, len(it.keep))
	for _, i := range it.keep {
		switch v := raw[i].(type) {
		case nil:
			row = append(row, "")
		case []byte:
			row = append(row, string(v))
		default:
			row = append(row, fmt.Sprintf("%v", v))
		}
	}
	return row, nil
}

func (it *tableIterator) Close() error { return it.rows.Close() }
