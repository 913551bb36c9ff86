package sink

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/forcevault/forcevault/internal/models"
)

// FileSink writes one CSV per object under a root directory, with
// optional end-of-run ZIP compression replacing the loose CSVs.
type FileSink struct {
	root     string
	compress bool
}

// NewFileSink creates a file sink rooted at the given directory.
func NewFileSink(root string, compress bool) *FileSink {
	return &FileSink{root: root, compress: compress}
}

// Root returns the sink's root directory.
func (s *FileSink) Root() string { return s.root }

// Connect creates the root directory. Idempotent.
func (s *FileSink) Connect(ctx context.Context) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("failed to create output root: %w", err)
	}
	return nil
}

// Disconnect is a no-op for the file sink.
func (s *FileSink) Disconnect() error { return nil }

// Kind identifies the sink variant.
func (s *FileSink) Kind() models.TargetKind { return models.TargetKindFile }

// RecreateTables is always false for files; delta mode stays available.
func (s *FileSink) RecreateTables() bool { return false }

// SanitizeTableName is the identity for files; the object name is the
// file name.
func (s *FileSink) SanitizeTableName(object string) string { return object }

// WriteData confirms the object's CSV by counting its data rows with a
// CSV-aware reader. Quoted fields containing newlines count as one
// record; when the fast newline count diverges, a warning is logged and
// the CSV-aware count wins.
func (s *FileSink) WriteData(ctx context.Context, object string, rows io.Reader, opts WriteOptions) (int64, error) {
	lc := &lineCounter{r: rows}
	r := csv.NewReader(lc)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var records int64 = -1 // header does not count
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		_, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("failed to count records for %s: %w", object, err)
		}
		records++
		if opts.OnProgress != nil && records > 0 {
			opts.OnProgress(records)
		}
	}
	if records < 0 {
		records = 0
	}

	fastCount := lc.lines - 1
	if fastCount < 0 {
		fastCount = 0
	}
	if fastCount != records {
		log.WithFields(log.Fields{
			"object":     object,
			"csv_count":  records,
			"fast_count": fastCount,
		}).Warn("Line count diverges from CSV record count (quoted newlines); using CSV-aware count")
	}

	return records, nil
}

// LastBackupTimestamp is unavailable for the file sink; incremental runs
// against files consult the backup history instead.
func (s *FileSink) LastBackupTimestamp(ctx context.Context, object string) (*time.Time, error) {
	return nil, nil
}

// Compress zips the loose CSVs and manifests into
// backup_<yyyyMMdd_HHmmss>.zip and removes the CSVs it archived.
func (s *FileSink) Compress(ctx context.Context) (string, error) {
	if !s.compress {
		return "", nil
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return "", fmt.Errorf("failed to list output root: %w", err)
	}

	var archived []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) == ".csv" || filepath.Ext(name) == ".json" {
			archived = append(archived, name)
		}
	}
	if len(archived) == 0 {
		return "", nil
	}

	zipName := fmt.Sprintf("backup_%s.zip", time.Now().UTC().Format("20060102_150405"))
	zipPath := filepath.Join(s.root, zipName)

	f, err := os.Create(zipPath)
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, name := range archived {
		if err := ctx.Err(); err != nil {
			zw.Close()
			return "", err
		}
		if err := addToZip(zw, filepath.Join(s.root, name), name); err != nil {
			zw.Close()
			return "", fmt.Errorf("failed to archive %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize archive: %w", err)
	}

	// The archive replaces the loose CSVs; manifests stay for tooling.
	for _, name := range archived {
		if filepath.Ext(name) != ".csv" {
			continue
		}
		if err := os.Remove(filepath.Join(s.root, name)); err != nil {
			log.WithError(err).WithField("file", name).Warn("Failed to remove archived CSV")
		}
	}

	log.WithFields(log.Fields{
		"archive": zipPath,
		"files":   len(archived),
	}).Info("✅ Backup compressed")

	return zipPath, nil
}

func addToZip(zw *zip.Writer, path, name string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	// Default Deflate compression.
	dst, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	return err
}

// lineCounter counts newline bytes as they pass through, giving the fast
// (non-CSV-aware) record estimate.
type lineCounter struct {
	r     io.Reader
	lines int64
}

func (l *lineCounter) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	for _, b := range p[:n] {
		if b == '\n' {
			l.lines++
		}
	}
	return n, err
}
