// Package extraction provides the HTTP job client for the document
// extraction service.
package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Strob0t/DocFlow/internal/port/jobclient"
	"github.com/Strob0t/DocFlow/internal/resilience"
)

const maxErrorBody = 4096

// Client submits extraction jobs. It keeps no state beyond its breaker.
type Client struct {
	baseURL    string
	apiKey     func() string
	project    string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

var _ jobclient.Submitter = (*Client)(nil)

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL, apiKey, project string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  func() string { return apiKey },
		project: project,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SetBreaker attaches a circuit breaker. Only service-side failures count
// toward opening it.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// SetAPIKeySource makes the client read its key on every request, so a
// rotated credential takes effect without a restart.
func (c *Client) SetAPIKeySource(fn func() string) {
	c.apiKey = fn
}

// SetHTTPClient replaces the transport, e.g. with an instrumented one.
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// IsBreakerFailure is the failure predicate for the client's breaker.
func IsBreakerFailure(err error) bool {
	return errors.Is(err, jobclient.ErrService)
}

type submitRequest struct {
	ClientToken  string            `json:"client_token"`
	InputURI     string            `json:"input_uri"`
	ContentType  string            `json:"content_type,omitempty"`
	OutputPrefix string            `json:"output_prefix,omitempty"`
	Project      string            `json:"project,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type submitResponse struct {
	JobHandle string `json:"job_handle"`
}

// Submit starts a job. Resubmitting the same client token returns the
// handle of the job the service already accepted.
func (c *Client) Submit(ctx context.Context, req jobclient.SubmitRequest) (string, error) {
	body, err := json.Marshal(submitRequest{
		ClientToken:  req.ClientToken,
		InputURI:     req.Document.URI,
		ContentType:  req.Document.ContentType,
		OutputPrefix: req.OutputPrefix,
		Project:      c.project,
		Metadata:     req.Document.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("marshal submit: %w: %w", err, jobclient.ErrClient)
	}

	var handle string
	call := func() error {
		data, err := c.do(ctx, http.MethodPost, "/v1/jobs", body)
		if err != nil {
			return err
		}
		var resp submitResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("decode submit response: %v: %w", err, jobclient.ErrService)
		}
		if resp.JobHandle == "" {
			return fmt.Errorf("submit response without job handle: %w", jobclient.ErrService)
		}
		handle = resp.JobHandle
		return nil
	}

	if c.breaker != nil {
		err = c.breaker.Execute(call)
	} else {
		err = call()
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return "", fmt.Errorf("submit %s: %w: %w", req.ClientToken, err, jobclient.ErrService)
	}
	if err != nil {
		return "", fmt.Errorf("submit %s: %w", req.ClientToken, err)
	}
	return handle, nil
}

// Health checks if the service answers.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %v: %w", err, jobclient.ErrClient)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := c.apiKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %v: %w", err, jobclient.ErrService)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %v: %w", err, jobclient.ErrService)
	}

	if resp.StatusCode >= 400 {
		msg := data
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, fmt.Errorf("extraction API error %d: %s: %w", resp.StatusCode, msg, classify(resp.StatusCode))
	}
	return data, nil
}

// classify maps an HTTP status onto the job client taxonomy.
func classify(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return jobclient.ErrThrottled
	case status == http.StatusRequestTimeout:
		return jobclient.ErrService
	case status >= 400 && status < 500:
		return jobclient.ErrClient
	default:
		return jobclient.ErrService
	}
}
