// Package sink provides destinations for extracted record rows: a
// file-system sink and a relational warehouse sink. Dialect-specific SQL
// stays behind the Sink interface and never leaks into the core.
package sink

import (
	"context"
	"io"
	"time"

	"github.com/forcevault/forcevault/internal/models"
)

// WriteOptions carries per-write context into the sink.
type WriteOptions struct {
	RunID string
	// BlobPaths maps record id to the sidecar blob file path. When
	// non-empty, relational sinks add a BLOB_FILE_PATH column.
	BlobPaths map[string]string
	// OnProgress receives the running count of written rows.
	OnProgress func(written int64)
}

// Sink is the destination capability set. Connect and Disconnect are
// idempotent.
type Sink interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Kind() models.TargetKind

	// WriteData consumes a complete CSV stream (header row first) for one
	// object and returns the number of data rows written.
	WriteData(ctx context.Context, object string, rows io.Reader, opts WriteOptions) (int64, error)

	// LastBackupTimestamp returns the last completed backup time for the
	// object, or nil when the object has never been backed up here.
	LastBackupTimestamp(ctx context.Context, object string) (*time.Time, error)

	// SanitizeTableName maps an object name to a destination-safe name.
	SanitizeTableName(object string) string

	// RecreateTables reports whether the sink drops and recreates tables
	// on every run, which suppresses delta mode.
	RecreateTables() bool
}

// Compressor is an optional sink capability: end-of-run compression that
// replaces loose outputs with a single archive.
type Compressor interface {
	Compress(ctx context.Context) (string, error)
}
