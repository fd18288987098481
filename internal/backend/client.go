// Package backend is the HTTP client for the dPolaris AI backend API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultProbeTimeout = 5 * time.Second
	maxErrorBody        = 64 << 10
)

// Client talks to one backend. The base URL is read per request, so
// SetBaseURL takes effect for the next call.
type Client struct {
	mu      sync.RWMutex
	baseURL string

	http         *http.Client
	timeout      time.Duration
	probeTimeout time.Duration
	logger       *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds ordinary calls.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithProbeTimeout bounds a health probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.probeTimeout = d
		}
	}
}

// WithLogger sets the logger for request tracing.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{},
		timeout:      defaultTimeout,
		probeTimeout: defaultProbeTimeout,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the current API root.
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// SetBaseURL points the client at a different API root.
func (c *Client) SetBaseURL(u string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = strings.TrimRight(u, "/")
}

// Health performs one bounded GET /health.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var out HealthStatus
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out, c.probeTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// Probe reports whether /health answers with a 2xx.
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.Health(ctx)
	return err
}

// SubmitTrainingJob enqueues a deep-learning job. A 404 means the backend
// predates the job API and is reported as UnsupportedAPIError.
func (c *Client) SubmitTrainingJob(ctx context.Context, req TrainingJobRequest) (*TrainingJob, error) {
	var job TrainingJob
	err := c.do(ctx, http.MethodPost, "/api/jobs/deep-learning/train", req, &job, c.timeout)
	if err != nil {
		return nil, markUnsupported("job submission", err)
	}
	return &job, nil
}

// GetTrainingJob fetches the current state of a job.
func (c *Client) GetTrainingJob(ctx context.Context, id string) (*TrainingJob, error) {
	var job TrainingJob
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &job, c.timeout)
	if err != nil {
		return nil, markUnsupported("job status", err)
	}
	return &job, nil
}

// TrainDeepLearningLegacy runs a synchronous deep-learning training call
// against backends without the job API.
func (c *Client) TrainDeepLearningLegacy(ctx context.Context, symbol, modelType string, timeout time.Duration) (*LegacyTrainResult, error) {
	path := "/api/deep-learning/train/" + url.PathEscape(symbol) + "?" + url.Values{"model_type": {modelType}}.Encode()
	var out LegacyTrainResult
	if err := c.do(ctx, http.MethodPost, path, struct{}{}, &out, timeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// TrainStable runs the classic (XGBoost) training endpoint. The backend
// reports some failures in a 200 body prefixed "training failed".
func (c *Client) TrainStable(ctx context.Context, symbol string) (*StableTrainResult, error) {
	var out StableTrainResult
	if err := c.do(ctx, http.MethodPost, "/api/train/"+url.PathEscape(symbol), struct{}{}, &out, c.timeout); err != nil {
		return nil, err
	}
	out.Result = strings.TrimSpace(out.Result)
	if strings.HasPrefix(strings.ToLower(out.Result), "training failed") {
		return nil, &ServerError{StatusCode: http.StatusOK, Message: out.Result}
	}
	return &out, nil
}

// Portfolio returns the portfolio document.
func (c *Client) Portfolio(ctx context.Context) (Document, error) {
	return c.document(ctx, "/api/portfolio")
}

// AIStatus returns the AI status document.
func (c *Client) AIStatus(ctx context.Context) (Document, error) {
	return c.document(ctx, "/api/status")
}

// StartScheduler starts the backend's background scheduler.
func (c *Client) StartScheduler(ctx context.Context) (SchedulerResponse, error) {
	var out SchedulerResponse
	if err := c.do(ctx, http.MethodPost, "/api/scheduler/start", struct{}{}, &out, c.timeout); err != nil {
		return nil, err
	}
	return out, nil
}

// StopScheduler stops the backend's background scheduler.
func (c *Client) StopScheduler(ctx context.Context) (SchedulerResponse, error) {
	var out SchedulerResponse
	if err := c.do(ctx, http.MethodPost, "/api/scheduler/stop", struct{}{}, &out, c.timeout); err != nil {
		return nil, err
	}
	return out, nil
}

// ControlBackend asks the backend's control plane to start, stop or
// restart its server. clean is only sent with restart.
func (c *Client) ControlBackend(ctx context.Context, action ControlAction, clean bool) (ControlResponse, error) {
	timeout, ok := controlTimeouts[action]
	if !ok {
		return nil, fmt.Errorf("unknown control action %q", action)
	}
	body := map[string]bool{}
	if action == ControlRestart && clean {
		body["clean"] = true
	}
	var out ControlResponse
	if err := c.do(ctx, http.MethodPost, "/api/control/backend/"+string(action), body, &out, timeout); err != nil {
		return nil, markUnsupported("backend control", err)
	}
	return out, nil
}

// ControlStatus reads the control plane's view of the backend server.
func (c *Client) ControlStatus(ctx context.Context) (ControlResponse, error) {
	var out ControlResponse
	if err := c.do(ctx, http.MethodGet, "/api/control/backend/status", nil, &out, c.timeout); err != nil {
		return nil, markUnsupported("backend control", err)
	}
	return out, nil
}

func (c *Client) document(ctx context.Context, path string) (Document, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &out, c.timeout); err != nil {
		return nil, err
	}
	return Document(out), nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	target := c.BaseURL() + path

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("backend request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.String("request_id", requestID),
			zap.Error(err))
		if IsConnectivity(err) {
			return &ConnectivityError{Method: method, URL: target, Err: err}
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("backend request",
		zap.String("method", method),
		zap.String("path", path),
		zap.String("request_id", requestID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &ServerError{
			StatusCode: resp.StatusCode,
			Message:    ServerMessage(resp.StatusCode, data),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if IsConnectivity(err) {
			return &ConnectivityError{Method: method, URL: target, Err: err}
		}
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &DecodingError{Endpoint: pathOnly(path), Err: err}
	}
	return nil
}

// ServerMessage renders a non-2xx body as "HTTP <code>: <detail>", taking
// detail from the JSON keys detail, error, or message, else the raw body.
func ServerMessage(statusCode int, body []byte) string {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err == nil {
		for _, key := range []string{"detail", "error", "message"} {
			if s, ok := obj[key].(string); ok && s != "" {
				return fmt.Sprintf("HTTP %d: %s", statusCode, s)
			}
		}
	}
	if raw := strings.TrimSpace(string(body)); raw != "" {
		return fmt.Sprintf("HTTP %d: %s", statusCode, raw)
	}
	return fmt.Sprintf("HTTP %d", statusCode)
}

func markUnsupported(endpoint string, err error) error {
	var serverErr *ServerError
	if errors.As(err, &serverErr) && serverErr.StatusCode == http.StatusNotFound {
		return &UnsupportedAPIError{Endpoint: endpoint, Err: err}
	}
	return err
}

func pathOnly(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
