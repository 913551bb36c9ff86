package extract

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// blobCatalog enumerates objects carrying binary fields. After an
// object's CSV is produced, each row's id fetches the blob into
// <destRoot>/_blobs/<object>/<id>.
var blobCatalog = map[string]string{
	"Attachment":              "Body",
	"ContentVersion":          "VersionData",
	"ContentNote":             "Content",
	"EventLogFile":            "LogFile",
	"MobileApplicationDetail": "ApplicationBinary",
	"ApexClass":               "Body",
	"ApexTrigger":             "Body",
	"ApexPage":                "Body",
	"ApexComponent":           "Body",
	"StaticResource":          "Body",
	"Document":                "Body",
}

// HasBlobField reports whether the object is in the blob sidecar catalog.
func HasBlobField(object string) bool {
	_, ok := blobCatalog[object]
	return ok
}

// DownloadBlobs fetches the binary field of every record in the object's
// CSV. It returns a map from record id to the written blob path, consumed
// by the table sink as the BLOB_FILE_PATH column. Individual blob failures
// are logged and skipped; only systemic failures abort.
func (e *Engine) DownloadBlobs(ctx context.Context, object, csvPath, destRoot string) (map[string]string, error) {
	field, ok := blobCatalog[object]
	if !ok {
		return nil, nil
	}

	ids, err := readIDColumn(csvPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ids for blob download: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	blobDir := filepath.Join(destRoot, "_blobs", object)
	if err := os.MkdirAll(blobDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}

	paths := make(map[string]string, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return paths, err
		}

		path := filepath.Join(blobDir, id)
		if err := e.downloadBlob(ctx, object, id, field, path); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"object":    object,
				"record_id": id,
			}).Warn("Failed to download blob, skipping record")
			continue
		}
		paths[id] = path
	}

	log.WithFields(log.Fields{
		"object": object,
		"blobs":  len(paths),
	}).Info("Blob sidecar downloaded")

	return paths, nil
}

func (e *Engine) downloadBlob(ctx context.Context, object, id, field, path string) error {
	body, err := e.client.GetBlob(ctx, object, id, field)
	if err != nil {
		return err
	}
	defer body.Close()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(f, body); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// readIDColumn extracts the Id column values from a CSV produced by the
// extract engine.
func readIDColumn(csvPath string) ([]string, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	idIdx := -1
	for i, col := range header {
		if col == "Id" {
			idIdx = i
			break
		}
	}
	if idIdx < 0 {
		return nil, fmt.Errorf("no Id column in %s", csvPath)
	}

	var ids []string
	for {
		record, err := r.Read()
		if err == io.EOF {
			return ids, nil
		}
		if err != nil {
			return nil, err
		}
		if idIdx < len(record) && record[idIdx] != "" {
			ids = append(ids, record[idIdx])
		}
	}
}
