package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/roach88/enrollsync/internal/model"
)

// DefaultTimeout bounds one submission round trip.
const DefaultTimeout = 30 * time.Second

const (
	maxErrorBody    = 512
	maxResponseBody = 10 << 20
)

// Client submits batches to the remote service.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	logger   *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout. Zero keeps DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client. Its Timeout is
// forced to DefaultTimeout when unset.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc.Timeout == 0 {
			hc.Timeout = c.http.Timeout
		}
		c.http = hc
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New creates a Client for baseURL authenticating with basic auth.
func New(baseURL, username, password string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: DefaultTimeout},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitEnrollments posts enrollments with their nested events.
func (c *Client) SubmitEnrollments(ctx context.Context, enrollments []model.Enrollment) (*Response, error) {
	return c.Submit(ctx, EnrollmentsPath, EnrollmentBatch{Enrollments: enrollments})
}

// SubmitInstances posts bare person instances.
func (c *Client) SubmitInstances(ctx context.Context, instances []model.Instance) (*Response, error) {
	return c.Submit(ctx, InstancesPath, InstanceBatch{Instances: instances})
}

// UpdateEnrollmentStatus posts tracked enrollments carrying their new status.
func (c *Client) UpdateEnrollmentStatus(ctx context.Context, enrollments []model.Enrollment) (*Response, error) {
	return c.Submit(ctx, StatusUpdatePath, EnrollmentBatch{Enrollments: enrollments})
}

// Submit posts payload as JSON to endpoint and parses the response.
// A 409 answer is parsed and returned with Conflict set; every other
// non-2xx answer and every transport failure is a *TransportError.
func (c *Client) Submit(ctx context.Context, endpoint string, payload any) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Method: http.MethodPost, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &TransportError{Method: http.MethodPost, Endpoint: endpoint, StatusCode: resp.StatusCode, Err: err}
	}

	c.logger.Debug("remote submission",
		zap.String("endpoint", endpoint),
		zap.Int("status", resp.StatusCode),
		zap.Int("request_bytes", len(body)),
		zap.Duration("elapsed", time.Since(start)))

	conflict := resp.StatusCode == http.StatusConflict
	if !conflict && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		return nil, &TransportError{
			Method:     http.MethodPost,
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Body:       snippet(raw),
		}
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &TransportError{
			Method:     http.MethodPost,
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Body:       snippet(raw),
			Err:        fmt.Errorf("decode response: %w", err),
		}
	}
	out.Conflict = conflict
	return &out, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody] + "..."
	}
	return s
}
