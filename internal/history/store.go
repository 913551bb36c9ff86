// Package history persists the append-only backup run record store used
// for run listings and incremental watermark lookups.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/forcevault/forcevault/internal/models"
)

// Store is the backup history contract consumed by the orchestrator and
// the incremental strategy.
type Store interface {
	StartRun(ctx context.Context, run *models.BackupRun) error
	FinishRun(ctx context.Context, run *models.BackupRun) error

	// LastWatermark returns the watermark of the most recent Completed
	// result for this user and object, or nil when none exists.
	LastWatermark(ctx context.Context, username, object string) (*time.Time, error)

	ListRuns(ctx context.Context, limit int) ([]models.BackupRun, error)
	Close() error
}

// RunRecord is the persisted form of a BackupRun.
type RunRecord struct {
	ID          string    `gorm:"primaryKey;size:64"`
	Username    string    `gorm:"size:255;index"`
	Kind        string    `gorm:"size:16"`
	TargetKind  string    `gorm:"size:16"`
	Destination string    `gorm:"size:1024"`
	StartTime   time.Time
	EndTime     *time.Time
	Status      string `gorm:"size:16"`

	Results []ObjectResultRecord `gorm:"foreignKey:RunID"`
}

// TableName follows the warehouse naming convention.
func (RunRecord) TableName() string { return "backup_runs" }

// ObjectResultRecord is the persisted form of an ObjectBackupResult.
type ObjectResultRecord struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	RunID       string `gorm:"size:64;index"`
	ObjectName  string `gorm:"size:255;index"`
	Status      string `gorm:"size:16"`
	RecordCount int64
	ByteCount   int64
	DurationMs  int64
	Watermark   *time.Time
	ErrorMsg    string `gorm:"type:text"`
}

// TableName follows the warehouse naming convention.
func (ObjectResultRecord) TableName() string { return "object_backup_results" }

// DBStore is the GORM-backed history store.
type DBStore struct {
	db *gorm.DB
}

// OpenDB connects to the history database and migrates its schema.
func OpenDB(dsn string) (*DBStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to history database: %w", err)
	}
	if err := db.AutoMigrate(&RunRecord{}, &ObjectResultRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate history schema: %w", err)
	}
	log.Info("Backup history database connected")
	return &DBStore{db: db}, nil
}

// StartRun persists an in-progress run record.
func (s *DBStore) StartRun(ctx context.Context, run *models.BackupRun) error {
	rec := toRunRecord(run)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to create run record: %w", err)
	}
	return nil
}

// FinishRun updates the run's terminal status and appends its results in
// one transaction.
func (s *DBStore) FinishRun(ctx context.Context, run *models.BackupRun) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		end := run.EndTime
		updates := map[string]interface{}{
			"status":   string(run.Status),
			"end_time": &end,
		}
		if err := tx.Model(&RunRecord{}).Where("id = ?", run.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update run record: %w", err)
		}

		for i := range run.Results {
			rec := toResultRecord(run.ID, &run.Results[i])
			if err := tx.Create(&rec).Error; err != nil {
				return fmt.Errorf("failed to append result record: %w", err)
			}
		}
		return nil
	})
}

// LastWatermark finds the most recent completed watermark for the object.
func (s *DBStore) LastWatermark(ctx context.Context, username, object string) (*time.Time, error) {
	var rec ObjectResultRecord
	err := s.db.WithContext(ctx).
		Joins("JOIN backup_runs ON backup_runs.id = object_backup_results.run_id").
		Where("backup_runs.username = ? AND backup_runs.status = ?", username, string(models.RunStatusCompleted)).
		Where("object_backup_results.object_name = ? AND object_backup_results.status = ?",
			object, string(models.TaskStatusCompleted)).
		Order("backup_runs.start_time DESC").
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up watermark: %w", err)
	}
	return rec.Watermark, nil
}

// ListRuns returns the most recent runs with their results.
func (s *DBStore) ListRuns(ctx context.Context, limit int) ([]models.BackupRun, error) {
	var recs []RunRecord
	err := s.db.WithContext(ctx).
		Preload("Results").
		Order("start_time DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]models.BackupRun, 0, len(recs))
	for i := range recs {
		runs = append(runs, fromRunRecord(&recs[i]))
	}
	return runs, nil
}

// Close releases the underlying connection.
func (s *DBStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRunRecord(run *models.BackupRun) RunRecord {
	return RunRecord{
		ID:          run.ID,
		Username:    run.Username,
		Kind:        string(run.Kind),
		TargetKind:  string(run.TargetKind),
		Destination: run.Destination,
		StartTime:   run.StartTime,
		Status:      string(run.Status),
	}
}

func toResultRecord(runID string, r *models.ObjectBackupResult) ObjectResultRecord {
	rec := ObjectResultRecord{
		RunID:       runID,
		ObjectName:  r.ObjectName,
		Status:      string(r.Status),
		RecordCount: r.RecordCount,
		ByteCount:   r.ByteCount,
		DurationMs:  r.DurationMs,
		ErrorMsg:    r.ErrorMsg,
	}
	if r.Watermark != "" {
		if ts, err := time.Parse(time.RFC3339, r.Watermark); err == nil {
			rec.Watermark = &ts
		}
	}
	return rec
}

func fromRunRecord(rec *RunRecord) models.BackupRun {
	run := models.BackupRun{
		ID:          rec.ID,
		Username:    rec.Username,
		Kind:        models.RunKind(rec.Kind),
		TargetKind:  models.TargetKind(rec.TargetKind),
		Destination: rec.Destination,
		StartTime:   rec.StartTime,
		Status:      models.RunStatus(rec.Status),
	}
	if rec.EndTime != nil {
		run.EndTime = *rec.EndTime
	}
	for i := range rec.Results {
		r := &rec.Results[i]
		result := models.ObjectBackupResult{
			ObjectName:  r.ObjectName,
			Status:      models.TaskStatus(r.Status),
			RecordCount: r.RecordCount,
			ByteCount:   r.ByteCount,
			DurationMs:  r.DurationMs,
			ErrorMsg:    r.ErrorMsg,
		}
		if r.Watermark != nil {
			result.Watermark = r.Watermark.UTC().Format(time.RFC3339)
		}
		run.Results = append(run.Results, result)
	}
	return run
}

// FileStore is a JSON-file history store for file-only deployments with
// no history database configured.
type FileStore struct {
	path string
}

// OpenFile creates a file-backed history store under the given root.
func OpenFile(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	return &FileStore{path: filepath.Join(root, "_history.json")}, nil
}

func (s *FileStore) load() ([]models.BackupRun, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history file: %w", err)
	}
	var runs []models.BackupRun
	if err := json.Unmarshal(data, &runs); err != nil {
		return nil, fmt.Errorf("failed to parse history file: %w", err)
	}
	return runs, nil
}

func (s *FileStore) save(runs []models.BackupRun) error {
	data, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// StartRun appends an in-progress run record.
func (s *FileStore) StartRun(ctx context.Context, run *models.BackupRun) error {
	runs, err := s.load()
	if err != nil {
		return err
	}
	return s.save(append(runs, *run))
}

// FinishRun replaces the run's record with its terminal state.
func (s *FileStore) FinishRun(ctx context.Context, run *models.BackupRun) error {
	runs, err := s.load()
	if err != nil {
		return err
	}
	replaced := false
	for i := range runs {
		if runs[i].ID == run.ID {
			runs[i] = *run
			replaced = true
			break
		}
	}
	if !replaced {
		runs = append(runs, *run)
	}
	return s.save(runs)
}

// LastWatermark scans newest-first for a completed result of the object.
func (s *FileStore) LastWatermark(ctx context.Context, username, object string) (*time.Time, error) {
	runs, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := len(runs) - 1; i >= 0; i-- {
		run := &runs[i]
		if run.Username != username || run.Status != models.RunStatusCompleted {
			continue
		}
		for j := range run.Results {
			r := &run.Results[j]
			if r.ObjectName == object && r.Status == models.TaskStatusCompleted && r.Watermark != "" {
				if ts, err := time.Parse(time.RFC3339, r.Watermark); err == nil {
					return &ts, nil
				}
			}
		}
	}
	return nil, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *FileStore) ListRuns(ctx context.Context, limit int) ([]models.BackupRun, error) {
	runs, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]models.BackupRun, 0, limit)
	for i := len(runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, runs[i])
	}
	return out, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error { return nil }
