// Package transport is the producer's HTTP client for the worker API. Every
// failure is classified as transient or fatal.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/relaynote/relay/internal/jobstatus"
	"github.com/relaynote/relay/internal/options"
)

// Client talks to one worker. Uploads have no timeout; status and health
// queries are bounded.
type Client struct {
	baseURL       string
	apiKey        string
	http          *http.Client
	statusTimeout time.Duration
	healthTimeout time.Duration
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithStatusTimeout(d time.Duration) Option {
	return func(c *Client) { c.statusTimeout = d }
}

func WithHealthTimeout(d time.Duration) Option {
	return func(c *Client) { c.healthTimeout = d }
}

func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        apiKey,
		http:          &http.Client{},
		statusTimeout: 10 * time.Second,
		healthTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// UploadRequest describes one artifact upload.
type UploadRequest struct {
	ID       string
	Path     string
	FileName string
	Options  options.Options
}

// UploadResponse is the worker's acknowledgement.
type UploadResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Message string `json:"message"`
}

// JobResult is the worker's hydrated view of a job.
type JobResult struct {
	ID              string           `json:"id"`
	DisplayName     string           `json:"display_name"`
	Status          jobstatus.Status `json:"status"`
	Options         options.Options  `json:"options"`
	DurationSeconds float64          `json:"duration_seconds"`
	Error           string           `json:"error"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	Summary         string           `json:"summary"`
	Transcript      string           `json:"transcript"`
	SummaryError    string           `json:"summary_error"`
	TranscriptError string           `json:"transcript_error"`
}

// Upload streams the artifact at req.Path to the worker, using req.ID as the
// correlation id so a retry updates the same worker job.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (*UploadResponse, error) {
	f, err := os.Open(req.Path)
	if err != nil {
		return nil, &Error{Kind: Fatal, Message: "open artifact", Err: err}
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, &Error{Kind: Fatal, Message: "stat artifact", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", f)
	if err != nil {
		return nil, &Error{Kind: Fatal, Message: "build upload request", Err: err}
	}
	httpReq.ContentLength = info.Size()
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	httpReq.Header.Set("X-Job-Id", req.ID)
	name := req.FileName
	if name == "" {
		name = filepath.Base(req.Path)
	}
	httpReq.Header.Set("X-File-Name", name)
	req.Options.WithDefaults().SetHeaders(httpReq.Header)

	var out UploadResponse
	if err := c.do(httpReq, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetJob returns the worker's view of job id, or ErrNotFound.
func (c *Client) GetJob(ctx context.Context, id string) (*JobResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, &Error{Kind: Fatal, Message: "build status request", Err: err}
	}
	var out JobResult
	if err := c.do(httpReq, &out); err != nil {
		var te *Error
		if errors.As(err, &te) && te.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &out, nil
}

// ListJobs returns one page of worker jobs, newest first.
func (c *Client) ListJobs(ctx context.Context, limit, offset int) ([]JobResult, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	q.Set("offset", fmt.Sprint(offset))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs?"+q.Encode(), nil)
	if err != nil {
		return nil, 0, &Error{Kind: Fatal, Message: "build list request", Err: err}
	}
	var out struct {
		Jobs  []JobResult `json:"jobs"`
		Total int         `json:"total"`
	}
	if err := c.do(httpReq, &out); err != nil {
		return nil, 0, err
	}
	return out.Jobs, out.Total, nil
}

// Health checks that the worker answers and returns the round-trip latency.
func (c *Client) Health(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return 0, &Error{Kind: Fatal, Message: "build health request", Err: err}
	}
	start := time.Now()
	if err := c.do(httpReq, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// do sends req and decodes a 2xx JSON body into out. Non-2xx responses and
// network failures come back as *Error.
func (c *Client) do(req *http.Request, out any) error {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return networkError(req.Method+" "+req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return networkError("read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{
			Kind:       kindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    errorMessage(resp.StatusCode, body),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		// e.g. an HTML page from a tunnel or proxy in front of the worker
		return &Error{Kind: Transient, Message: "decode response", Err: err}
	}
	return nil
}

// errorMessage extracts the worker's message from an error body.
func errorMessage(code int, body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	if s := strings.TrimSpace(string(body)); s != "" && len(s) < 200 {
		return s
	}
	return http.StatusText(code)
}
