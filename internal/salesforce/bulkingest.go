package salesforce

import (
	"context"
	"fmt"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// IngestOperation is a bulk write mode.
type IngestOperation string

const (
	OperationInsert IngestOperation = "insert"
	OperationUpsert IngestOperation = "upsert"
	OperationUpdate IngestOperation = "update"
)

// IngestJob is the remote state of a bulk ingest job.
type IngestJob struct {
	ID                      string   `json:"id"`
	State                   JobState `json:"state"`
	Object                  string   `json:"object"`
	Operation               string   `json:"operation"`
	NumberRecordsProcessed  int64    `json:"numberRecordsProcessed"`
	NumberRecordsFailed     int64    `json:"numberRecordsFailed"`
	ErrorMessage            string   `json:"errorMessage,omitempty"`
	ExternalIdFieldName     string   `json:"externalIdFieldName,omitempty"`
	ContentType             string   `json:"contentType,omitempty"`
	LineEnding              string   `json:"lineEnding,omitempty"`
}

// CreateIngestJob opens a new bulk ingest job for the given object and
// operation. externalIDField is required for upsert and ignored otherwise.
func (c *Client) CreateIngestJob(ctx context.Context, object string, op IngestOperation, externalIDField string) (*IngestJob, error) {
	req := map[string]string{
		"object":      object,
		"operation":   string(op),
		"contentType": "CSV",
		"lineEnding":  "LF",
	}
	if op == OperationUpsert {
		if externalIDField == "" {
			return nil, fmt.Errorf("external id field is required for upsert")
		}
		req["externalIdFieldName"] = externalIDField
	}

	var job IngestJob
	if err := c.doJSON(ctx, http.MethodPost, c.dataPath("jobs", "ingest"), req, &job); err != nil {
		return nil, fmt.Errorf("failed to create ingest job: %w", err)
	}

	log.WithFields(log.Fields{
		"job_id":    job.ID,
		"object":    object,
		"operation": op,
	}).Debug("Ingest job created")

	return &job, nil
}

// UploadJobData uploads one CSV batch to an open ingest job.
func (c *Client) UploadJobData(ctx context.Context, jobID string, csvData []byte) error {
	path := c.dataPath("jobs", "ingest", jobID, "batches")
	resp, err := c.doRaw(ctx, http.MethodPut, path, "text/csv", csvData)
	if err != nil {
		return fmt.Errorf("failed to upload job data: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return parseAPIError(resp)
	}
	return nil
}

// SetIngestJobState patches the job state, typically to UploadComplete
// after all batches are uploaded, or Aborted on cancellation.
func (c *Client) SetIngestJobState(ctx context.Context, jobID string, state JobState) error {
	req := map[string]string{"state": string(state)}
	if err := c.doJSON(ctx, http.MethodPatch, c.dataPath("jobs", "ingest", jobID), req, nil); err != nil {
		return fmt.Errorf("failed to set ingest job %s state to %s: %w", jobID, state, err)
	}
	return nil
}

// GetIngestJob fetches the current state of an ingest job.
func (c *Client) GetIngestJob(ctx context.Context, jobID string) (*IngestJob, error) {
	var job IngestJob
	if err := c.doJSON(ctx, http.MethodGet, c.dataPath("jobs", "ingest", jobID), nil, &job); err != nil {
		return nil, fmt.Errorf("failed to get ingest job %s: %w", jobID, err)
	}
	return &job, nil
}

// GetSuccessfulResults streams the CSV of successfully processed rows.
// The result carries sf__Id and sf__Created columns ahead of the input columns.
func (c *Client) GetSuccessfulResults(ctx context.Context, jobID string) (io.ReadCloser, error) {
	return c.getIngestResults(ctx, jobID, "successfulResults")
}

// GetFailedResults streams the CSV of failed rows with sf__Error populated.
func (c *Client) GetFailedResults(ctx context.Context, jobID string) (io.ReadCloser, error) {
	return c.getIngestResults(ctx, jobID, "failedResults")
}

func (c *Client) getIngestResults(ctx context.Context, jobID, kind string) (io.ReadCloser, error) {
	resp, err := c.doRaw(ctx, http.MethodGet, c.dataPath("jobs", "ingest", jobID, kind), "", nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseAPIError(resp)
	}
	return resp.Body, nil
}
