package restore

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/forcevault/forcevault/internal/config"
	"github.com/forcevault/forcevault/internal/relationships"
	"github.com/forcevault/forcevault/internal/salesforce"
)

// defaultFanOut bounds concurrent in-flight ingest jobs per object.
const defaultFanOut = 3

// Options configure one restore run.
type Options struct {
	Operation             salesforce.IngestOperation
	BatchSize             int
	FanOut                int
	StopOnError           bool
	ValidateBeforeRestore bool
	PreserveIds           bool
	DryRun                bool
	ExternalIDField       string
	DeferUnresolved       bool
	Transform             *config.TransformConfig

	// OutputRoot receives the restore error log.
	OutputRoot string
}

// Validate rejects invalid option combinations.
func (o *Options) Validate() error {
	switch o.Operation {
	case salesforce.OperationInsert, salesforce.OperationUpdate:
	case salesforce.OperationUpsert:
		if o.ExternalIDField == "" {
			return fmt.Errorf("external id field is required for upsert")
		}
	default:
		return fmt.Errorf("unsupported restore operation %q", o.Operation)
	}
	if o.BatchSize < 1 || o.BatchSize > 10000 {
		return fmt.Errorf("batch size must be between 1 and 10000, got %d", o.BatchSize)
	}
	if o.FanOut < 0 {
		return fmt.Errorf("fan-out must not be negative")
	}
	if o.OutputRoot == "" {
		return fmt.Errorf("output root is required")
	}
	return nil
}

// ObjectRestoreResult is the terminal record for one restored object.
type ObjectRestoreResult struct {
	Object     string `json:"object"`
	Submitted  int64  `json:"submitted"`
	Succeeded  int64  `json:"succeeded"`
	Failed     int64  `json:"failed"`
	Dropped    int64  `json:"dropped"`  // lookup values blanked because no mapping existed
	Deferred   int64  `json:"deferred"` // lookup values scheduled for the update pass
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// DryRunEstimate previews one object's restore without writing.
type DryRunEstimate struct {
	Object         string     `json:"object"`
	Rows           int64      `json:"rows"`
	APICalls       int64      `json:"api_calls"`
	DeferredFields []string   `json:"deferred_fields,omitempty"`
	PreviewRows    [][]string `json:"-"`
}

// RunResult aggregates one restore run.
type RunResult struct {
	RunID     string                `json:"run_id"`
	Order     []string              `json:"order"`
	Deferred  map[string][]string   `json:"deferred,omitempty"`
	Results   []ObjectRestoreResult `json:"results,omitempty"`
	Estimates []DryRunEstimate      `json:"estimates,omitempty"`
	DryRun    bool                  `json:"dry_run"`
	ErrorLog  string                `json:"error_log,omitempty"`
}

// rowDeferral is one lookup value nulled at insert time and resolved in
// the update pass.
type rowDeferral struct {
	object  string
	oldID   string
	field   string
	targets []string
	value   string
}

// Engine restores backed-up objects into a target tenant through the bulk
// ingest API.
type Engine struct {
	client    *salesforce.Client
	describer relationships.Describer
	analyzer  *relationships.Analyzer
	source    RowSource
	opts      Options

	idmap *IDMapping

	pollInitial time.Duration
	pollMax     time.Duration
}

// NewEngine creates a restore engine over an authenticated target client.
func NewEngine(client *salesforce.Client, describer relationships.Describer, analyzer *relationships.Analyzer, source RowSource, opts Options) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid restore options: %w", err)
	}
	if opts.FanOut == 0 {
		opts.FanOut = defaultFanOut
	}
	return &Engine{
		client:      client,
		describer:   describer,
		analyzer:    analyzer,
		source:      source,
		opts:        opts,
		idmap:       NewIDMapping(),
		pollInitial: 1 * time.Second,
		pollMax:     30 * time.Second,
	}, nil
}

// Restore loads the given objects parents-first. Per-object failures do
// not abort siblings unless StopOnError is set.
func (e *Engine) Restore(ctx context.Context, objects []string) (*RunResult, error) {
	if len(objects) == 0 {
		return nil, fmt.Errorf("no objects selected")
	}

	lookups := make(map[string]map[string][]string, len(objects))
	for _, object := range objects {
		l, err := e.analyzer.RequiredLookups(ctx, object)
		if err != nil {
			return nil, err
		}
		lookups[object] = l
	}

	plan := (&DependencyGraph{Lookups: lookups}).BuildPlan(objects)
	result := &RunResult{
		RunID:    uuid.New().String(),
		Order:    plan.Order,
		Deferred: plan.Deferred,
		DryRun:   e.opts.DryRun,
	}

	log.WithFields(log.Fields{
		"run_id":    result.RunID,
		"objects":   len(plan.Order),
		"operation": e.opts.Operation,
		"dry_run":   e.opts.DryRun,
	}).Info("🚀 Starting restore run")

	if e.opts.ValidateBeforeRestore {
		if err := e.preflight(ctx, plan.Order); err != nil {
			return nil, err
		}
	}

	if e.opts.DryRun {
		for _, object := range plan.Order {
			est, err := e.estimate(ctx, object, plan.Deferred[object])
			if err != nil {
				return nil, err
			}
			result.Estimates = append(result.Estimates, *est)
		}
		return result, nil
	}

	errlog := newErrorLog(filepath.Join(e.opts.OutputRoot, fmt.Sprintf("restore_errors_%s.csv", result.RunID)))
	defer func() {
		if path := errlog.Close(); path != "" {
			result.ErrorLog = path
		}
	}()

	var deferrals []rowDeferral
	for _, object := range plan.Order {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		res, objDeferrals := e.restoreObject(ctx, object, lookups[object], plan.Deferred[object], errlog)
		result.Results = append(result.Results, *res)
		deferrals = append(deferrals, objDeferrals...)
		if res.Error != "" && e.opts.StopOnError {
			log.WithField("object", object).Error("🛑 Stopping restore on first error")
			return result, fmt.Errorf("restore of %s failed: %s", object, res.Error)
		}
	}

	if len(deferrals) > 0 {
		if err := e.applyDeferred(ctx, deferrals, errlog, result); err != nil {
			return result, err
		}
	}

	log.WithFields(log.Fields{
		"run_id":  result.RunID,
		"objects": len(result.Results),
	}).Info("✅ Restore run finished")

	return result, nil
}

// preflight verifies every source column exists and is writable on the
// target before any row is uploaded.
func (e *Engine) preflight(ctx context.Context, objects []string) error {
	for _, object := range objects {
		header, rows, err := e.source.Open(ctx, object)
		if err != nil {
			return err
		}
		rows.Close()

		desc, err := e.describer.DescribeObject(ctx, object)
		if err != nil {
			return fmt.Errorf("target has no object %s: %w", object, err)
		}

		var missing []string
		for _, col := range header {
			if col == "Id" {
				continue
			}
			f := desc.Field(col)
			if f == nil {
				missing = append(missing, col)
				continue
			}
			if e.opts.Operation == salesforce.OperationInsert && !f.Createable {
				missing = append(missing, col+" (not createable)")
			}
			if e.opts.Operation == salesforce.OperationUpdate && !f.Updateable {
				missing = append(missing, col+" (not updateable)")
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("object %s: target rejects fields: %s", object, strings.Join(missing, ", "))
		}
	}
	log.WithField("objects", len(objects)).Info("Preflight validation passed")
	return nil
}

// estimate counts rows and API calls for one object without writing.
func (e *Engine) estimate(ctx context.Context, object string, deferredFields []string) (*DryRunEstimate, error) {
	_, rows, err := e.source.Open(ctx, object)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	est := &DryRunEstimate{Object: object, DeferredFields: deferredFields}
	for {
		row, err := rows.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", object, err)
		}
		if est.Rows < 5 {
			est.PreviewRows = append(est.PreviewRows, row)
		}
		est.Rows++
	}

	batch := int64(e.opts.BatchSize)
	jobs := (est.Rows + batch - 1) / batch
	// Each batch costs create + upload + close + ~1 poll + results.
	est.APICalls = jobs * 5
	return est, nil
}

// uploadPlan is the per-object column layout computed from the header.
type uploadPlan struct {
	header    []string // columns uploaded to the target
	keep      []int    // source indexes feeding header, in order
	idIdx     int      // Id column in the source, -1 if absent
	lookupIdx map[int]lookupCol
}

type lookupCol struct {
	field    string
	targets  []string
	deferred bool // nulled at insert, populated by the update pass
}

func (e *Engine) planUpload(header []string, lookups map[string][]string, deferredFields []string) *uploadPlan {
	deferred := make(map[string]bool, len(deferredFields))
	for _, f := range deferredFields {
		deferred[f] = true
	}

	plan := &uploadPlan{idIdx: -1, lookupIdx: map[int]lookupCol{}}
	dropID := e.opts.Operation == salesforce.OperationInsert

	for i, col := range header {
		if col == "Id" {
			plan.idIdx = i
			if dropID {
				continue
			}
		}
		if targets, ok := lookups[col]; ok {
			plan.lookupIdx[len(plan.keep)] = lookupCol{
				field:    col,
				targets:  targets,
				deferred: deferred[col],
			}
		}
		plan.keep = append(plan.keep, i)
		plan.header = append(plan.header, col)
	}
	return plan
}

// restoreObject streams one object's rows through batched ingest jobs.
func (e *Engine) restoreObject(ctx context.Context, object string, lookups map[string][]string, deferredFields []string, errlog *errorLog) (*ObjectRestoreResult, []rowDeferral) {
	started := time.Now()
	res := &ObjectRestoreResult{Object: object}
	fail := func(err error) (*ObjectRestoreResult, []rowDeferral) {
		res.Error = err.Error()
		res.DurationMs = time.Since(started).Milliseconds()
		return res, nil
	}

	header, rows, err := e.source.Open(ctx, object)
	if err != nil {
		return fail(err)
	}
	defer rows.Close()

	plan := e.planUpload(header, lookups, deferredFields)
	transformer := NewTransformer(e.opts.Transform)
	transformer.BindHeader(header)

	g, batchCtx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(e.opts.FanOut))

	var mu sync.Mutex // guards res counters and deferrals
	var deferrals []rowDeferral

	var batch [][]string
	var batchOldIDs []string

	submit := func(batchRows [][]string, oldIDs []string) {
		g.Go(func() error {
			if err := sem.Acquire(batchCtx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			succeeded, failed, err := e.runBatch(batchCtx, object, e.opts.Operation, plan.header, batchRows, oldIDs, errlog)
			mu.Lock()
			res.Succeeded += succeeded
			res.Failed += failed
			mu.Unlock()
			return err
		})
	}

	for {
		raw, err := rows.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fail(fmt.Errorf("failed to read %s: %w", object, err))
		}

		transformer.Apply(raw)

		oldID := ""
		if plan.idIdx >= 0 && plan.idIdx < len(raw) {
			oldID = raw[plan.idIdx]
		}

		out := make([]string, len(plan.keep))
		for outIdx, srcIdx := range plan.keep {
			val := ""
			if srcIdx < len(raw) {
				val = raw[srcIdx]
			}

			if lc, ok := plan.lookupIdx[outIdx]; ok && val != "" {
				switch {
				case lc.deferred:
					mu.Lock()
					deferrals = append(deferrals, rowDeferral{
						object: object, oldID: oldID, field: lc.field,
						targets: lc.targets, value: val,
					})
					res.Deferred++
					mu.Unlock()
					val = ""
				default:
					mapped, ok := e.idmap.ResolveAny(lc.targets, val)
					switch {
					case ok:
						val = mapped
					case e.opts.DeferUnresolved && oldID != "":
						mu.Lock()
						deferrals = append(deferrals, rowDeferral{
							object: object, oldID: oldID, field: lc.field,
							targets: lc.targets, value: val,
						})
						res.Deferred++
						mu.Unlock()
						val = ""
					default:
						// No mapping and no way to defer: the row still
						// loads, minus the dangling lookup value.
						mu.Lock()
						res.Dropped++
						mu.Unlock()
						val = ""
					}
				}
			}
			out[outIdx] = val
		}

		batch = append(batch, out)
		batchOldIDs = append(batchOldIDs, oldID)
		res.Submitted++

		if len(batch) >= e.opts.BatchSize {
			submit(batch, batchOldIDs)
			batch, batchOldIDs = nil, nil
		}
	}
	if len(batch) > 0 {
		submit(batch, batchOldIDs)
	}

	if err := g.Wait(); err != nil {
		return fail(err)
	}

	res.DurationMs = time.Since(started).Milliseconds()
	log.WithFields(log.Fields{
		"object":    object,
		"submitted": res.Submitted,
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
		"dropped":   res.Dropped,
		"deferred":  res.Deferred,
	}).Info("Object restored")

	return res, deferrals
}

// runBatch pushes one batch through a complete ingest job lifecycle and
// harvests its id mapping.
func (e *Engine) runBatch(ctx context.Context, object string, op salesforce.IngestOperation, header []string, rows [][]string, oldIDs []string, errlog *errorLog) (succeeded, failed int64, err error) {
	data, err := encodeCSV(header, rows)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to encode batch for %s: %w", object, err)
	}

	job, err := e.client.CreateIngestJob(ctx, object, op, e.opts.ExternalIDField)
	if err != nil {
		return 0, 0, err
	}
	if err := e.client.UploadJobData(ctx, job.ID, data); err != nil {
		return 0, 0, err
	}
	if err := e.client.SetIngestJobState(ctx, job.ID, salesforce.JobStateUploadComplete); err != nil {
		return 0, 0, err
	}

	final, err := e.pollIngest(ctx, job.ID)
	if err != nil {
		return 0, 0, err
	}
	if final.State == salesforce.JobStateFailed {
		msg := final.ErrorMessage
		if msg == "" {
			msg = "ingest job failed without error message"
		}
		return 0, int64(len(rows)), fmt.Errorf("ingest job for %s failed: %s", object, msg)
	}

	failedFingerprints, failedCount, err := e.harvestFailures(ctx, object, job.ID, errlog)
	if err != nil {
		return 0, 0, err
	}

	if e.captureIDs(op) {
		if err := e.harvestIDMapping(ctx, object, job.ID, rows, oldIDs, failedFingerprints); err != nil {
			return 0, 0, err
		}
	} else if op == salesforce.OperationInsert && e.opts.PreserveIds {
		for _, oldID := range oldIDs {
			if oldID == "" {
				continue
			}
			if err := e.idmap.Register(object, oldID, oldID); err != nil {
				return 0, 0, err
			}
		}
	}

	return int64(len(rows)) - failedCount, failedCount, nil
}

// captureIDs reports whether new ids must be harvested from the success
// results. Inserts mint new ids; update and upsert keep the source ids.
func (e *Engine) captureIDs(op salesforce.IngestOperation) bool {
	return op == salesforce.OperationInsert && !e.opts.PreserveIds
}

// pollIngest watches the job until terminal, backing off 1s to 30s.
func (e *Engine) pollIngest(ctx context.Context, jobID string) (*salesforce.IngestJob, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.pollInitial
	bo.MaxInterval = e.pollMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		job, err := e.client.GetIngestJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.State.IsTerminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// harvestFailures appends every failed row to the error log and returns
// the multiset of failed-row fingerprints for id alignment.
func (e *Engine) harvestFailures(ctx context.Context, object, jobID string, errlog *errorLog) (map[string]int, int64, error) {
	body, err := e.client.GetFailedResults(ctx, jobID)
	if err != nil {
		return nil, 0, err
	}
	defer body.Close()

	r := csv.NewReader(body)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read failed results for %s: %w", object, err)
	}

	errIdx, inputStart := -1, 0
	for i, col := range header {
		if col == "sf__Error" {
			errIdx = i
		}
		if strings.HasPrefix(col, "sf__") {
			inputStart = i + 1
		}
	}

	fingerprints := map[string]int{}
	var count int64
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read failed results for %s: %w", object, err)
		}
		count++

		msg := ""
		if errIdx >= 0 && errIdx < len(record) {
			msg = record[errIdx]
		}
		input := record
		if inputStart <= len(record) {
			input = record[inputStart:]
		}
		fingerprints[fingerprint(input)]++
		errlog.Append(object, msg, input)
	}
	return fingerprints, count, nil
}

// harvestIDMapping aligns success-result rows with the submitted batch to
// register old→new pairs. Results come back in submission order; rows that
// failed are skipped by fingerprint.
func (e *Engine) harvestIDMapping(ctx context.Context, object, jobID string, rows [][]string, oldIDs []string, failedFingerprints map[string]int) error {
	body, err := e.client.GetSuccessfulResults(ctx, jobID)
	if err != nil {
		return err
	}
	defer body.Close()

	r := csv.NewReader(body)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	resultHeader, err := r.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read success results for %s: %w", object, err)
	}

	idIdx := -1
	for i, col := range resultHeader {
		if col == "sf__Id" {
			idIdx = i
			break
		}
	}
	if idIdx < 0 {
		return fmt.Errorf("success results for %s carry no sf__Id column", object)
	}

	next := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read success results for %s: %w", object, err)
		}

		// Advance past submitted rows that failed.
		for next < len(rows) && failedFingerprints[fingerprint(rows[next])] > 0 {
			failedFingerprints[fingerprint(rows[next])]--
			next++
		}
		if next >= len(rows) {
			return fmt.Errorf("success results for %s exceed submitted rows", object)
		}

		newID := ""
		if idIdx < len(record) {
			newID = record[idIdx]
		}
		if oldIDs[next] != "" && newID != "" {
			if err := e.idmap.Register(object, oldIDs[next], newID); err != nil {
				return err
			}
		}
		next++
	}
}

// applyDeferred resolves the lookup values nulled during insert and pushes
// them through update jobs, one per (object, field) group.
func (e *Engine) applyDeferred(ctx context.Context, deferrals []rowDeferral, errlog *errorLog, result *RunResult) error {
	log.WithField("deferrals", len(deferrals)).Info("Applying deferred lookup updates")

	type group struct{ object, field string }
	grouped := map[group][][]string{}
	var unresolved int64

	for _, d := range deferrals {
		newID, ok := e.resolveSelf(d.object, d.oldID)
		if !ok {
			unresolved++
			continue
		}
		value, ok := e.idmap.ResolveAny(d.targets, d.value)
		if !ok {
			unresolved++
			log.WithFields(log.Fields{
				"object": d.object,
				"field":  d.field,
				"value":  d.value,
			}).Warn("Deferred lookup still unresolvable, leaving field empty")
			continue
		}
		g := group{d.object, d.field}
		grouped[g] = append(grouped[g], []string{newID, value})
	}

	if unresolved > 0 {
		log.WithField("unresolved", unresolved).Warn("Some deferred lookups could not be resolved")
	}

	for g, rows := range grouped {
		header := []string{"Id", g.field}
		for start := 0; start < len(rows); start += e.opts.BatchSize {
			end := start + e.opts.BatchSize
			if end > len(rows) {
				end = len(rows)
			}
			chunk := rows[start:end]
			oldIDs := make([]string, len(chunk))
			_, failed, err := e.runBatch(ctx, g.object, salesforce.OperationUpdate, header, chunk, oldIDs, errlog)
			if err != nil {
				return fmt.Errorf("deferred update of %s.%s failed: %w", g.object, g.field, err)
			}
			if failed > 0 {
				log.WithFields(log.Fields{
					"object": g.object,
					"field":  g.field,
					"failed": failed,
				}).Warn("Some deferred lookup updates failed")
			}
		}
	}
	return nil
}

// resolveSelf maps a source row id to its target id, falling back to the
// id itself when ids were preserved.
func (e *Engine) resolveSelf(object, oldID string) (string, bool) {
	if oldID == "" {
		return "", false
	}
	if newID, ok := e.idmap.Resolve(object, oldID); ok {
		return newID, true
	}
	if e.opts.Operation != salesforce.OperationInsert || e.opts.PreserveIds {
		return oldID, true
	}
	return "", false
}

func encodeCSV(header []string, rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func fingerprint(row []string) string {
	return strings.Join(row, "\x1f")
}

// errorLog appends failed rows to restore_errors_<runID>.csv, created on
// first use so a clean run leaves no file behind.
type errorLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *csv.Writer
}

func newErrorLog(path string) *errorLog {
	return &errorLog{path: path}
}

// Append writes one failed row: object, error message, then the input
// columns as submitted.
func (l *errorLog) Append(object, errMsg string, input []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		f, err := os.Create(l.path)
		if err != nil {
			log.WithError(err).Warn("Failed to create restore error log")
			return
		}
		l.f = f
		l.w = csv.NewWriter(f)
	}

	record := append([]string{object, errMsg}, input...)
	if err := l.w.Write(record); err != nil {
		log.WithError(err).Warn("Failed to append to restore error log")
	}
}

// Close flushes and returns the log path, or empty when nothing failed.
func (l *errorLog) Close() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return ""
	}
	l.w.Flush()
	l.f.Close()
	return l.path
}
