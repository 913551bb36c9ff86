package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/forcevault/forcevault/internal/extract"
	"github.com/forcevault/forcevault/internal/history"
	"github.com/forcevault/forcevault/internal/incremental"
	"github.com/forcevault/forcevault/internal/models"
	"github.com/forcevault/forcevault/internal/relationships"
	"github.com/forcevault/forcevault/internal/sink"
)

// RelatedSelection is one user-confirmed related-records entry.
type RelatedSelection struct {
	ChildObject string
	ParentField string
}

// Options configure one backup run.
type Options struct {
	Parallelism           int
	OutputRoot            string
	Sink                  sink.Sink
	RecordLimit           int
	Incremental           bool
	CustomWhere           string
	IncludeRelated        bool
	RelationshipDepth     int
	PriorityOnly          bool
	PreserveRelationships bool
	Username              string

	// RelatedSelection, when non-empty, replaces auto-discovery in the
	// related-records post-pass.
	RelatedSelection []RelatedSelection

	Progress ProgressSink
}

// Validate rejects invalid option combinations before any work starts.
func (o *Options) Validate() error {
	if o.Sink == nil {
		return fmt.Errorf("sink is required")
	}
	if o.OutputRoot == "" {
		return fmt.Errorf("output root is required")
	}
	if o.Parallelism < 1 || o.Parallelism > 15 {
		return fmt.Errorf("parallelism must be between 1 and 15, got %d", o.Parallelism)
	}
	if o.IncludeRelated && (o.RelationshipDepth < 1 || o.RelationshipDepth > 3) {
		return fmt.Errorf("relationship depth must be 1, 2, or 3, got %d", o.RelationshipDepth)
	}
	if o.RecordLimit < 0 {
		return fmt.Errorf("record limit must not be negative")
	}
	return nil
}

// Orchestrator drives selected ObjectTasks through the extract engine and
// sink, maintains progress, aggregates results, and honors cancellation.
type Orchestrator struct {
	engine    *extract.Engine
	describer relationships.Describer
	strategy  *incremental.Strategy
	analyzer  *relationships.Analyzer
	hist      history.Store
	opts      Options

	progress *throttler
	logs     *logBuffer

	completed atomic.Int64
	total     int64

	mu       sync.Mutex
	results  []models.ObjectBackupResult
	backedUp map[string]bool // dedup set for the related post-pass
}

// New creates an orchestrator for one run. Option errors are constructor
// errors; they fail the run before it starts.
func New(engine *extract.Engine, describer relationships.Describer, strategy *incremental.Strategy, analyzer *relationships.Analyzer, hist history.Store, opts Options) (*Orchestrator, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator options: %w", err)
	}
	return &Orchestrator{
		engine:    engine,
		describer: describer,
		strategy:  strategy,
		analyzer:  analyzer,
		hist:      hist,
		opts:      opts,
		backedUp:  make(map[string]bool),
	}, nil
}

// Run executes the backup. It returns when every task reaches a terminal
// status or cancellation is requested. Individual task failures never
// abort siblings; only the returned error reflects setup failures.
func (o *Orchestrator) Run(ctx context.Context, tasks []*models.ObjectTask) (*models.BackupRun, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("no objects selected")
	}

	o.progress = newThrottler(o.opts.Progress)
	o.logs = newLogBuffer(nil)
	defer o.logs.Close()

	runStart := time.Now().UTC()
	run := &models.BackupRun{
		ID:          uuid.New().String(),
		Username:    o.opts.Username,
		Kind:        o.runKind(),
		TargetKind:  o.opts.Sink.Kind(),
		Destination: o.opts.OutputRoot,
		StartTime:   runStart,
		Status:      models.RunStatusInProgress,
	}

	log.WithFields(log.Fields{
		"run_id":      run.ID,
		"kind":        run.Kind,
		"objects":     len(tasks),
		"parallelism": o.opts.Parallelism,
	}).Info("🚀 Starting backup run")

	if err := o.opts.Sink.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect sink: %w", err)
	}
	defer o.opts.Sink.Disconnect()

	if o.hist != nil {
		if err := o.hist.StartRun(ctx, run); err != nil {
			log.WithError(err).Warn("Failed to record run start in history")
		}
	}

	o.total = int64(len(tasks))

	g, taskCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Parallelism)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			// Observe cancellation before dequeue.
			if taskCtx.Err() != nil {
				o.finishTask(task, runStart, models.TaskStatusSkipped, "run cancelled", "")
				return nil
			}
			o.runTask(taskCtx, task, run.ID, runStart)
			return nil
		})
	}
	g.Wait()

	cancelled := ctx.Err() != nil

	if !cancelled && o.opts.IncludeRelated && o.opts.RecordLimit > 0 {
		if err := o.runRelatedPass(ctx, tasks, run.ID, runStart); err != nil {
			if ctx.Err() != nil {
				cancelled = true
			} else {
				log.WithError(err).Error("Related-records post-pass failed")
			}
		}
	}

	if !cancelled && o.opts.IncludeRelated {
		if err := o.writeRelationshipManifest(ctx, tasks); err != nil {
			log.WithError(err).Warn("Failed to write relationship manifest")
		}
	}
	if !cancelled && o.opts.PreserveRelationships {
		if err := o.writeFieldManifest(ctx, tasks); err != nil {
			log.WithError(err).Warn("Failed to write field manifest")
		}
	}

	if !cancelled {
		if compressor, ok := o.opts.Sink.(sink.Compressor); ok {
			if _, err := compressor.Compress(ctx); err != nil {
				log.WithError(err).Warn("End-of-run compression failed")
			}
		}
	}

	run.EndTime = time.Now().UTC()
	run.Results = o.snapshotResults()
	if cancelled {
		// Partially written outputs are left in place.
		run.Status = models.RunStatusCancelled
	} else {
		run.Status = models.RunStatusCompleted
	}

	if o.hist != nil {
		if err := o.hist.FinishRun(context.Background(), run); err != nil {
			log.WithError(err).Warn("Failed to record run completion in history")
		}
	}

	log.WithFields(log.Fields{
		"run_id":    run.ID,
		"status":    run.Status,
		"completed": run.CountByStatus(models.TaskStatusCompleted),
		"failed":    run.CountByStatus(models.TaskStatusFailed),
		"skipped":   run.CountByStatus(models.TaskStatusSkipped),
		"duration":  run.EndTime.Sub(run.StartTime).Round(time.Millisecond).String(),
	}).Info("✅ Backup run finished")

	return run, nil
}

func (o *Orchestrator) runKind() models.RunKind {
	if o.opts.Incremental {
		return models.RunKindIncremental
	}
	return models.RunKindFull
}

// runTask executes the per-object pipeline: delta decision, custom WHERE
// merge, extract, blob sidecar, sink write, result emission.
func (o *Orchestrator) runTask(ctx context.Context, task *models.ObjectTask, runID string, runStart time.Time) {
	task.Status = models.TaskStatusRunning
	started := time.Now()
	o.logs.Append(fmt.Sprintf("starting %s", task.ObjectName))

	decision, err := o.strategy.Decide(ctx, task.ObjectName, o.firstNonEmpty(task.WhereClause, o.opts.CustomWhere))
	if err != nil {
		task.Duration = time.Since(started)
		o.finishTask(task, runStart, models.TaskStatusFailed, extract.CleanMessage(err), "")
		return
	}
	task.DeltaQuery = decision.Kind == models.RunKindIncremental

	limit := task.RecordLimit
	if limit == 0 {
		limit = o.opts.RecordLimit
	}

	stats, err := o.engine.Query(ctx, extract.QueryRequest{
		Object:   task.ObjectName,
		Fields:   task.SelectedFields,
		Where:    decision.Where,
		Limit:    limit,
		DestRoot: o.opts.OutputRoot,
		OnStatus: o.progress.TaskStatus,
	})
	task.Duration = time.Since(started)
	if err != nil {
		o.classifyAndFinish(task, runStart, err)
		return
	}
	task.Records = stats.RowCount
	task.Bytes = stats.ByteCount
	task.CSVPath = stats.CSVPath

	var blobPaths map[string]string
	if extract.HasBlobField(task.ObjectName) && stats.RowCount > 0 {
		blobPaths, err = o.engine.DownloadBlobs(ctx, task.ObjectName, stats.CSVPath, o.opts.OutputRoot)
		if err != nil {
			task.Duration = time.Since(started)
			o.classifyAndFinish(task, runStart, err)
			return
		}
	}

	warning, err := o.writeToSink(ctx, task, runID, stats, blobPaths)
	task.Duration = time.Since(started)
	if err != nil {
		o.classifyAndFinish(task, runStart, err)
		return
	}
	task.Warning = warning

	o.finishTask(task, runStart, models.TaskStatusCompleted, "", warning)
}

// writeToSink loads the completed CSV into the sink and reconciles row
// counts. A discrepancy is a warning, not a failure.
func (o *Orchestrator) writeToSink(ctx context.Context, task *models.ObjectTask, runID string, stats *extract.QueryStats, blobPaths map[string]string) (string, error) {
	f, err := os.Open(stats.CSVPath)
	if err != nil {
		return "", fmt.Errorf("failed to open extract output: %w", err)
	}
	defer f.Close()

	written, err := o.opts.Sink.WriteData(ctx, task.ObjectName, f, sink.WriteOptions{
		RunID:     runID,
		BlobPaths: blobPaths,
	})
	if err != nil {
		return "", fmt.Errorf("sink write failed: %w", err)
	}

	warning := ""
	if written != stats.RowCount {
		warning = fmt.Sprintf("sink wrote %d rows but extract produced %d", written, stats.RowCount)
		log.WithFields(log.Fields{
			"object":       task.ObjectName,
			"sink_rows":    written,
			"extract_rows": stats.RowCount,
		}).Warn("Row count mismatch between extract and sink")
	}
	return warning, nil
}

func (o *Orchestrator) classifyAndFinish(task *models.ObjectTask, runStart time.Time, err error) {
	kind := extract.Classify(err)
	status := models.TaskStatusFailed
	msg := extract.CleanMessage(err)
	if kind.IsSkip() {
		status = models.TaskStatusSkipped
		if kind == extract.KindUnsupportedByBulk {
			msg = "Object not supported by Bulk API"
		}
	}

	o.logs.Append(fmt.Sprintf("%s %s: %s", task.ObjectName, status, msg))
	o.finishTaskWithHint(task, runStart, status, msg, "", kind.Hint())
}

// finishTask assigns the terminal status at most once and emits the
// ObjectBackupResult.
func (o *Orchestrator) finishTask(task *models.ObjectTask, runStart time.Time, status models.TaskStatus, errMsg, warning string) {
	o.finishTaskWithHint(task, runStart, status, errMsg, warning, "")
}

func (o *Orchestrator) finishTaskWithHint(task *models.ObjectTask, runStart time.Time, status models.TaskStatus, errMsg, warning, hint string) {
	o.mu.Lock()
	if task.Status.IsTerminal() {
		o.mu.Unlock()
		return
	}
	task.Status = status
	task.ErrorMsg = errMsg

	result := models.ObjectBackupResult{
		ObjectName:  task.ObjectName,
		Status:      status,
		RecordCount: task.Records,
		ByteCount:   task.Bytes,
		DurationMs:  task.Duration.Milliseconds(),
		ErrorMsg:    errMsg,
		Warning:     warning,
		Hint:        hint,
	}
	if status == models.TaskStatusCompleted && incremental.SupportsLastModifiedDate(task.ObjectName) {
		// Watermark is the run start, recorded only after the sink
		// confirmed the write.
		ts := runStart
		task.Watermark = &ts
		result.Watermark = ts.Format(time.RFC3339)
	}
	o.results = append(o.results, result)
	o.backedUp[task.ObjectName] = true
	o.mu.Unlock()

	done := o.completed.Add(1)
	o.progress.TaskDone(result)
	o.progress.RunProgress(done, o.total)
}

func (o *Orchestrator) snapshotResults() []models.ObjectBackupResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.ObjectBackupResult, len(o.results))
	copy(out, o.results)
	return out
}

func (o *Orchestrator) alreadyBackedUp(object string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.backedUp[object]
}

func (o *Orchestrator) firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
