// Package salesforce implements the REST surface the core consumes:
// Describe, Bulk Query, Bulk Ingest, and Limits APIs.
package salesforce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/forcevault/forcevault/internal/config"
)

// APIError is a classified remote error carrying the tenant's error code.
type APIError struct {
	StatusCode int
	ErrorCode  string
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.ErrorCode, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// IsServerError reports whether the remote answered with a 5xx status.
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500
}

// Client is an authenticated session against one tenant.
type Client struct {
	httpClient  *http.Client
	instanceURL string
	apiVersion  string
	auth        config.AuthConfig

	tokenMu sync.RWMutex
	token   string
}

// NewClient creates a client for the tenant described by auth.
// The session is established lazily on the first request.
func NewClient(auth config.AuthConfig, apiVersion string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 16,
			},
		},
		instanceURL: strings.TrimSuffix(auth.InstanceURL, "/"),
		apiVersion:  apiVersion,
		auth:        auth,
		token:       auth.AccessToken,
	}
}

// APIVersion returns the pinned API version, e.g. "62.0".
func (c *Client) APIVersion() string {
	return c.apiVersion
}

// dataPath builds a versioned /services/data path.
func (c *Client) dataPath(parts ...string) string {
	return "/services/data/v" + c.apiVersion + "/" + strings.Join(parts, "/")
}

// Authenticate establishes (or refreshes) the session token.
// With a static access token there is nothing to refresh and the
// existing token is kept.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.auth.ClientID == "" {
		if c.auth.AccessToken == "" {
			return fmt.Errorf("no credentials available for authentication")
		}
		return nil
	}

	tokenURL := c.auth.TokenURL
	if tokenURL == "" {
		tokenURL = c.instanceURL + "/services/oauth2/token"
	}

	form := url.Values{
		"grant_type":    {"password"},
		"client_id":     {c.auth.ClientID},
		"client_secret": {c.auth.ClientSecret},
		"username":      {c.auth.Username},
		"password":      {c.auth.Password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("authentication failed (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		InstanceURL string `json:"instance_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return fmt.Errorf("failed to decode token response: %w", err)
	}

	c.tokenMu.Lock()
	c.token = tokenResp.AccessToken
	if tokenResp.InstanceURL != "" {
		c.instanceURL = strings.TrimSuffix(tokenResp.InstanceURL, "/")
	}
	c.tokenMu.Unlock()

	log.WithField("instance_url", c.instanceURL).Info("Session established")
	return nil
}

func (c *Client) currentToken() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

// doRaw performs one HTTP round trip with session headers. On a 401 the
// session is refreshed once and the request is replayed; a second 401 is
// fatal for the run.
func (c *Client) doRaw(ctx context.Context, method, path string, contentType string, body []byte) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.currentToken() == "" {
		if err := c.Authenticate(ctx); err != nil {
			return nil, err
		}
	}

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.instanceURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.currentToken())
		req.Header.Set("X-PrettyPrint", "0")
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 && c.auth.ClientID != "" {
			resp.Body.Close()
			log.Warn("Session expired, re-authenticating")
			if err := c.Authenticate(ctx); err != nil {
				return nil, err
			}
			continue
		}

		return resp, nil
	}
}

// doJSON performs a round trip and decodes a JSON response into out.
// Non-2xx responses are returned as *APIError.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	contentType := ""
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		contentType = "application/json"
	}

	resp, err := c.doRaw(ctx, method, path, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseAPIError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseAPIError decodes the tenant's error payload, which is a JSON array
// of {errorCode, message} objects.
func parseAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var payload []struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && len(payload) > 0 {
		return &APIError{
			StatusCode: resp.StatusCode,
			ErrorCode:  payload[0].ErrorCode,
			Message:    payload[0].Message,
		}
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(raw)),
	}
}

// GetBlob streams a binary field of a single record.
func (c *Client) GetBlob(ctx context.Context, object, recordID, field string) (io.ReadCloser, error) {
	resp, err := c.doRaw(ctx, http.MethodGet, c.dataPath("sobjects", object, recordID, field), "", nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseAPIError(resp)
	}
	return resp.Body, nil
}

// CountQuery runs a COUNT()-shaped query through the synchronous query API.
// Used for preview displays only.
func (c *Client) CountQuery(ctx context.Context, soql string) (int64, error) {
	path := c.dataPath("query") + "?q=" + url.QueryEscape(soql)

	var result struct {
		TotalSize int64 `json:"totalSize"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &result); err != nil {
		return 0, fmt.Errorf("count query failed: %w", err)
	}
	return result.TotalSize, nil
}
