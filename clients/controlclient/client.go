// Package controlclient is a client for the goquest server's control API.
//
// Example usage:
//
//	client, err := controlclient.New("http://localhost:8080")
//	if err != nil {
//		return err
//	}
//	status, err := client.Status(ctx)
package controlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nomis52/goquest/buildinfo"
	"github.com/nomis52/goquest/history"
	"github.com/nomis52/goquest/server/handlers"
	"github.com/nomis52/goquest/statusreporter"
)

const defaultTimeout = 10 * time.Second

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("unexpected status code: %d: %s", e.StatusCode, e.Message)
}

// IsConflict reports whether err is a 409 from the server, returned when the engine is
// in the wrong state for the request.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// Client talks to a goquest server. Use New() to create one.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL: %q", baseURL)
	}
	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Status returns the engine snapshot and schedule.
func (c *Client) Status(ctx context.Context) (handlers.APIStatusResponse, error) {
	return get[handlers.APIStatusResponse](ctx, c, "/api/status")
}

// Tasks lists the registered tasks.
func (c *Client) Tasks(ctx context.Context) ([]handlers.TaskResponse, error) {
	return get[[]handlers.TaskResponse](ctx, c, "/api/tasks")
}

// Start starts a task.
func (c *Client) Start(ctx context.Context, taskID string) (handlers.StartResponse, error) {
	body, err := c.send(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/start")
	if err != nil {
		return handlers.StartResponse{}, err
	}
	return decode[handlers.StartResponse](body)
}

// Resources returns the local shortfall of a task's requirements.
func (c *Client) Resources(ctx context.Context, taskID string) (handlers.ResourcesResponse, error) {
	return get[handlers.ResourcesResponse](ctx, c, "/api/tasks/"+url.PathEscape(taskID)+"/resources")
}

// Pause pauses the active task.
func (c *Client) Pause(ctx context.Context) error {
	return c.control(ctx, handlers.ActionPause)
}

// Resume resumes a paused task.
func (c *Client) Resume(ctx context.Context) error {
	return c.control(ctx, handlers.ActionResume)
}

// Stop stops the active task.
func (c *Client) Stop(ctx context.Context) error {
	return c.control(ctx, handlers.ActionStop)
}

// EmergencyStop aborts the active task.
func (c *Client) EmergencyStop(ctx context.Context) error {
	return c.control(ctx, handlers.ActionEmergencyStop)
}

// History returns the retained runs, most recent first.
func (c *Client) History(ctx context.Context) ([]history.Run, error) {
	return get[[]history.Run](ctx, c, "/api/history")
}

// Events returns events with a sequence number greater than after.
func (c *Client) Events(ctx context.Context, after uint64) ([]statusreporter.Event, error) {
	path := "/api/events"
	if after > 0 {
		path += "?after=" + strconv.FormatUint(after, 10)
	}
	return get[[]statusreporter.Event](ctx, c, path)
}

// Audit returns up to lines of the most recent audit log lines.
func (c *Client) Audit(ctx context.Context, lines int) ([]string, error) {
	resp, err := get[handlers.AuditResponse](ctx, c, "/api/audit?lines="+strconv.Itoa(lines))
	return resp.Lines, err
}

func (c *Client) control(ctx context.Context, action handlers.ControlAction) error {
	_, err := c.send(ctx, http.MethodPost, "/api/"+string(action))
	return err
}

func (c *Client) buildURL(path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	return c.baseURL.ResolveReference(ref).String(), nil
}

func (c *Client) send(ctx context.Context, method, path string) ([]byte, error) {
	fullURL, err := c.buildURL(path)
	if err != nil {
		return nil, fmt.Errorf("failed to build URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent())

	c.logger.Debug("control request", "method", method, "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(body))}
		var errResp handlers.ErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			apiErr.Message = errResp.Error
		}
		return nil, apiErr
	}
	return body, nil
}

func get[T any](ctx context.Context, c *Client, path string) (T, error) {
	var zero T
	body, err := c.send(ctx, http.MethodGet, path)
	if err != nil {
		return zero, err
	}
	return decode[T](body)
}

func decode[T any](body []byte) (T, error) {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return v, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return v, nil
}
