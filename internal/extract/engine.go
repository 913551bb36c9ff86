package extract

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/forcevault/forcevault/internal/models"
	"github.com/forcevault/forcevault/internal/salesforce"
)

// JobStatus is a point-in-time snapshot of an extract job, delivered
// through the status callback.
type JobStatus struct {
	JobID            string
	Object           string
	State            salesforce.JobState
	RecordsProcessed int64
	RowsDownloaded   int64
	BytesDownloaded  int64
}

// StatusFunc receives extract job status updates. Delivery is throttled
// by the orchestrator, not here.
type StatusFunc func(JobStatus)

// QueryRequest describes one object extract.
type QueryRequest struct {
	Object   string
	Fields   []string // nil means all bulk-queryable fields
	Where    string
	Limit    int
	DestRoot string
	OnStatus StatusFunc
}

// QueryStats is the outcome of a successful extract.
type QueryStats struct {
	RowCount  int64
	ByteCount int64
	CSVPath   string
}

// Engine drives the bulk query job lifecycle: create, poll, drain, close.
type Engine struct {
	client    *salesforce.Client
	describer *salesforce.DescribeCache

	// Poll backoff bounds. Polling has no aggregate timeout by design;
	// long-running jobs are stopped by cancellation.
	pollInitial time.Duration
	pollMax     time.Duration
	pageSize    int
}

// NewEngine creates an extract engine over an authenticated client.
func NewEngine(client *salesforce.Client, describer *salesforce.DescribeCache) *Engine {
	return &Engine{
		client:      client,
		describer:   describer,
		pollInitial: 1 * time.Second,
		pollMax:     30 * time.Second,
		pageSize:    50000,
	}
}

// Query turns one (object, predicate, limit, fields) request into a CSV
// under DestRoot. Transient and pool-shutdown failures get one automatic
// reconnect and retry; all other classified failures short-circuit.
func (e *Engine) Query(ctx context.Context, req QueryRequest) (*QueryStats, error) {
	soql, err := e.buildSOQL(ctx, req)
	if err != nil {
		return nil, err
	}

	stats, err := e.runOnce(ctx, req, soql)
	if err == nil {
		return stats, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	if Classify(err).IsRetryable() {
		log.WithFields(log.Fields{
			"object": req.Object,
			"error":  err.Error(),
		}).Warn("Transient extract failure, reconnecting and retrying once")

		if authErr := e.client.Authenticate(ctx); authErr != nil {
			return nil, fmt.Errorf("reconnect failed: %w", authErr)
		}
		return e.runOnce(ctx, req, soql)
	}

	return nil, err
}

// buildSOQL assembles the query. A nil field list expands to every field
// the bulk API can serialize (binary and compound fields are excluded;
// binaries travel through the blob sidecar instead).
func (e *Engine) buildSOQL(ctx context.Context, req QueryRequest) (string, error) {
	fields := req.Fields
	if fields == nil {
		desc, err := e.describer.DescribeObject(ctx, req.Object)
		if err != nil {
			return "", err
		}
		fields = bulkQueryableFields(desc)
	}
	if len(fields) == 0 {
		return "", fmt.Errorf("object %s has no bulk-queryable fields", req.Object)
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(fields, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(req.Object)
	if req.Where != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(req.Where), "WHERE ")))
	}
	if req.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", req.Limit)
	}
	return sb.String(), nil
}

func bulkQueryableFields(desc *models.ObjectDescriptor) []string {
	fields := make([]string, 0, len(desc.Fields))
	for _, f := range desc.Fields {
		switch f.Type {
		case "base64", "address", "location":
			continue
		}
		fields = append(fields, f.Name)
	}
	return fields
}

func (e *Engine) runOnce(ctx context.Context, req QueryRequest, soql string) (*QueryStats, error) {
	job, err := e.client.CreateQueryJob(ctx, req.Object, soql)
	if err != nil {
		return nil, fmt.Errorf("failed to create query job: %w", err)
	}

	log.WithFields(log.Fields{
		"object": req.Object,
		"job_id": job.ID,
	}).Info("🚀 Extract job created")

	final, err := e.poll(ctx, req, job.ID)
	if err != nil {
		if ctx.Err() != nil {
			e.abortBestEffort(job.ID, req.Object)
		}
		return nil, err
	}

	stats, err := e.drain(ctx, req, final)
	if err != nil {
		if ctx.Err() != nil {
			e.abortBestEffort(job.ID, req.Object)
		}
		return nil, err
	}

	// Close is best-effort; a failed close never fails the extract.
	if closeErr := e.client.CloseQueryJob(context.Background(), job.ID); closeErr != nil {
		log.WithError(closeErr).WithField("job_id", job.ID).Debug("Failed to close query job")
	}

	return stats, nil
}

// poll watches the job until it reaches a terminal state, backing off
// exponentially from pollInitial to pollMax. The sleep is interrupted
// immediately on cancellation.
func (e *Engine) poll(ctx context.Context, req QueryRequest, jobID string) (*salesforce.QueryJob, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.pollInitial
	bo.MaxInterval = e.pollMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0 // unbounded by design; the user cancels to stop
	bo.Reset()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		job, err := e.client.GetQueryJob(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("failed to get query job: %w", err)
		}

		if req.OnStatus != nil {
			req.OnStatus(JobStatus{
				JobID:            jobID,
				Object:           req.Object,
				State:            job.State,
				RecordsProcessed: job.NumberRecordsProcessed,
			})
		}

		switch job.State {
		case salesforce.JobStateJobComplete:
			return job, nil
		case salesforce.JobStateFailed:
			msg := job.ErrorMessage
			if msg == "" {
				msg = "job failed without error message"
			}
			return nil, fmt.Errorf("query job failed: %s", msg)
		case salesforce.JobStateAborted:
			return nil, fmt.Errorf("query job was aborted")
		}

		wait := bo.NextBackOff()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// drain reads result pages via the server locator until exhausted,
// appending to <DestRoot>/<Object>.csv. Each page is parsed and written
// as a unit, so a failure never leaves a partial row past the last
// committed page.
func (e *Engine) drain(ctx context.Context, req QueryRequest, job *salesforce.QueryJob) (*QueryStats, error) {
	if err := os.MkdirAll(req.DestRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	csvPath := filepath.Join(req.DestRoot, req.Object+".csv")
	f, err := os.Create(csvPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", csvPath, err)
	}
	defer f.Close()

	counter := &countingWriter{w: f}

	var rows int64
	locator := ""
	wroteHeader := false

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := e.client.GetQueryResults(ctx, job.ID, locator, e.pageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch result page: %w", err)
		}

		pageRows, err := writePage(counter, page.Body, !wroteHeader)
		page.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to write result page: %w", err)
		}
		wroteHeader = true
		rows += pageRows

		if req.OnStatus != nil {
			req.OnStatus(JobStatus{
				JobID:           job.ID,
				Object:          req.Object,
				State:           job.State,
				RowsDownloaded:  rows,
				BytesDownloaded: counter.n,
			})
		}

		if page.NextLocator == "" {
			break
		}
		locator = page.NextLocator
	}

	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync %s: %w", csvPath, err)
	}

	log.WithFields(log.Fields{
		"object": req.Object,
		"rows":   rows,
		"bytes":  counter.n,
	}).Info("✅ Extract drained")

	return &QueryStats{RowCount: rows, ByteCount: counter.n, CSVPath: csvPath}, nil
}

// writePage parses one result page in memory and appends it to dst only
// after the whole page decoded cleanly, so a mid-page failure never leaves
// a partial row past the last committed page.
func writePage(dst io.Writer, body io.Reader, keepHeader bool) (int64, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	rows, err := copyPage(w, body, keepHeader)
	if err != nil {
		return 0, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return 0, err
	}
	if _, err := dst.Write(buf.Bytes()); err != nil {
		return 0, err
	}
	return rows, nil
}

// copyPage parses one CSV page and appends its records. Every page from
// the remote carries its own header row; only the first page's header is
// kept. Returns the number of data rows written.
func copyPage(w *csv.Writer, body io.Reader, keepHeader bool) (int64, error) {
	r := csv.NewReader(body)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var rows int64
	first := true
	for {
		record, err := r.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return rows, err
		}
		if first {
			first = false
			if keepHeader {
				if err := w.Write(record); err != nil {
					return rows, err
				}
			}
			continue
		}
		if err := w.Write(record); err != nil {
			return rows, err
		}
		rows++
	}
}

func (e *Engine) abortBestEffort(jobID, object string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.client.AbortQueryJob(ctx, jobID); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"job_id": jobID,
			"object": object,
		}).Debug("Best-effort abort failed")
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
