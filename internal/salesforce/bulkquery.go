package salesforce

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	log "github.com/sirupsen/logrus"
)

// JobState is a remote bulk job state. Jobs never transition backward;
// once terminal they are never polled again.
type JobState string

const (
	JobStateQueued         JobState = "Queued"
	JobStateUploadComplete JobState = "UploadComplete"
	JobStateInProgress     JobState = "InProgress"
	JobStateJobComplete    JobState = "JobComplete"
	JobStateAborted        JobState = "Aborted"
	JobStateFailed         JobState = "Failed"
)

// IsTerminal reports whether the state is terminal.
func (s JobState) IsTerminal() bool {
	return s == JobStateJobComplete || s == JobStateAborted || s == JobStateFailed
}

// QueryJob is the remote state of a bulk query job.
type QueryJob struct {
	ID                     string   `json:"id"`
	State                  JobState `json:"state"`
	Object                 string   `json:"object"`
	NumberRecordsProcessed int64    `json:"numberRecordsProcessed"`
	ErrorMessage           string   `json:"errorMessage,omitempty"`
}

// CreateQueryJob submits a new bulk query job returning CSV results.
func (c *Client) CreateQueryJob(ctx context.Context, object, soql string) (*QueryJob, error) {
	req := map[string]string{
		"operation":   "query",
		"query":       soql,
		"contentType": "CSV",
	}

	var job QueryJob
	if err := c.doJSON(ctx, http.MethodPost, c.dataPath("jobs", "query"), req, &job); err != nil {
		return nil, fmt.Errorf("failed to create query job: %w", err)
	}

	log.WithFields(log.Fields{
		"job_id": job.ID,
		"object": object,
		"state":  job.State,
	}).Debug("Query job created")

	return &job, nil
}

// GetQueryJob fetches the current state of a bulk query job.
func (c *Client) GetQueryJob(ctx context.Context, jobID string) (*QueryJob, error) {
	var job QueryJob
	if err := c.doJSON(ctx, http.MethodGet, c.dataPath("jobs", "query", jobID), nil, &job); err != nil {
		return nil, fmt.Errorf("failed to get query job %s: %w", jobID, err)
	}
	return job.normalize(), nil
}

func (j *QueryJob) normalize() *QueryJob {
	if j.State == "" {
		j.State = JobStateQueued
	}
	return j
}

// QueryResultPage is one page of CSV results plus the locator for the next.
type QueryResultPage struct {
	Body        io.ReadCloser
	NextLocator string // empty when the result set is exhausted
}

// GetQueryResults fetches one page of CSV results. Pass an empty locator
// for the first page; subsequent pages use the server-provided locator.
func (c *Client) GetQueryResults(ctx context.Context, jobID, locator string, maxRecords int) (*QueryResultPage, error) {
	path := c.dataPath("jobs", "query", jobID, "results")
	params := url.Values{}
	if locator != "" {
		params.Set("locator", locator)
	}
	if maxRecords > 0 {
		params.Set("maxRecords", fmt.Sprintf("%d", maxRecords))
	}
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	resp, err := c.doRaw(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseAPIError(resp)
	}

	next := resp.Header.Get("Sforce-Locator")
	if next == "null" {
		next = ""
	}
	return &QueryResultPage{Body: resp.Body, NextLocator: next}, nil
}

// AbortQueryJob requests the remote to abort an in-flight query job.
func (c *Client) AbortQueryJob(ctx context.Context, jobID string) error {
	req := map[string]string{"state": string(JobStateAborted)}
	if err := c.doJSON(ctx, http.MethodPatch, c.dataPath("jobs", "query", jobID), req, nil); err != nil {
		return fmt.Errorf("failed to abort query job %s: %w", jobID, err)
	}
	return nil
}

// CloseQueryJob deletes a drained query job. Close is best-effort; callers
// log and continue on failure.
func (c *Client) CloseQueryJob(ctx context.Context, jobID string) error {
	if err := c.doJSON(ctx, http.MethodDelete, c.dataPath("jobs", "query", jobID), nil, nil); err != nil {
		return fmt.Errorf("failed to close query job %s: %w", jobID, err)
	}
	return nil
}
