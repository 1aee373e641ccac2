// Package envclient implements capability.Environment against an HTTP JSON bridge.
//
// Every bridge response is wrapped in {"data": ...}. Non-2xx responses are errors.
//
// Example usage:
//
//	client, err := envclient.New("http://localhost:7070", envclient.WithToken(token))
//	if err != nil {
//		return err
//	}
//	n, err := client.Count(ctx, "Egg")
package envclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nomis52/goquest/buildinfo"
	"github.com/nomis52/goquest/capability"
)

const defaultTimeout = 10 * time.Second

// Client is an environment bridge client. Use New() to create one.
type Client struct {
	baseURL        *url.URL
	token          string
	httpClient     *http.Client
	logger         *slog.Logger
	marketLocation *capability.Point
}

var _ capability.Environment = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

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

// WithMarketLocation enables the market at the given location. Without it Market()
// returns nil.
func WithMarketLocation(p capability.Point) Option {
	return func(c *Client) {
		c.marketLocation = &p
	}
}

// New creates a client for the bridge at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
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

// Interact implements capability.Interactor.
func (c *Client) Interact(ctx context.Context, entity, verb string) error {
	_, err := c.doRequestWithBody(ctx, http.MethodPost, "/api/interact", interactRequest{Entity: entity, Verb: verb})
	return err
}

// Navigate implements capability.Navigator.
func (c *Client) Navigate(ctx context.Context, target capability.Point, tolerance int) error {
	_, err := c.doRequestWithBody(ctx, http.MethodPost, "/api/navigate", navigateRequest{Target: target, Tolerance: tolerance})
	return err
}

// Position implements capability.Navigator.
func (c *Client) Position(ctx context.Context) (capability.Point, error) {
	return get[capability.Point](ctx, c, "/api/position")
}

// Moving implements capability.Navigator.
func (c *Client) Moving(ctx context.Context) (bool, error) {
	resp, err := get[movingResponse](ctx, c, "/api/moving")
	return resp.Moving, err
}

// ReadSignal implements capability.SignalReader.
func (c *Client) ReadSignal(ctx context.Context, key int) (int, error) {
	resp, err := get[valueResponse](ctx, c, "/api/signals/"+strconv.Itoa(key))
	return resp.Value, err
}

// Count implements capability.Inventory.
func (c *Client) Count(ctx context.Context, item string) (int, error) {
	resp, err := get[countResponse](ctx, c, "/api/inventory/"+url.PathEscape(item))
	return resp.Count, err
}

// Storage returns the storage view of the bridge.
func (c *Client) Storage() capability.Storage {
	return &storage{c: c}
}

// Market returns the market view of the bridge, or nil if no market location is set.
func (c *Client) Market() capability.Market {
	if c.marketLocation == nil {
		return nil
	}
	return &market{c: c, location: *c.marketLocation}
}

// Host returns the host name of the bridge.
func (c *Client) Host() string {
	return c.baseURL.Hostname()
}

func (c *Client) buildURL(path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	return c.baseURL.ResolveReference(ref).String(), nil
}

func (c *Client) doRequest(ctx context.Context, method, path string) ([]byte, error) {
	return c.send(ctx, method, path, nil)
}

func (c *Client) doRequestWithBody(ctx context.Context, method, path string, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.send(ctx, method, path, data)
}

func (c *Client) send(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	fullURL, err := c.buildURL(path)
	if err != nil {
		return nil, fmt.Errorf("failed to build URL: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.logger.Debug("bridge request", "method", method, "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status code: %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}
	return respBody, nil
}

func get[T any](ctx context.Context, c *Client, path string) (T, error) {
	var zero T
	body, err := c.doRequest(ctx, http.MethodGet, path)
	if err != nil {
		return zero, err
	}
	return decode[T](body)
}

func decode[T any](body []byte) (T, error) {
	var env envelope[T]
	if err := json.Unmarshal(body, &env); err != nil {
		return env.Data, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return env.Data, nil
}

type storage struct {
	c *Client
}

func (s *storage) Reachable(ctx context.Context) (bool, error) {
	resp, err := get[reachableResponse](ctx, s.c, "/api/storage/reachable")
	return resp.Reachable, err
}

func (s *storage) Open(ctx context.Context) error {
	_, err := s.c.doRequest(ctx, http.MethodPost, "/api/storage/open")
	return err
}

func (s *storage) Count(ctx context.Context, item string) (int, error) {
	resp, err := get[countResponse](ctx, s.c, "/api/storage/items/"+url.PathEscape(item))
	return resp.Count, err
}

func (s *storage) Withdraw(ctx context.Context, item string, qty int) (int, error) {
	body, err := s.c.doRequestWithBody(ctx, http.MethodPost, "/api/storage/withdraw", withdrawRequest{Item: item, Quantity: qty})
	if err != nil {
		return 0, err
	}
	resp, err := decode[withdrawResponse](body)
	return resp.Withdrawn, err
}

func (s *storage) Close(ctx context.Context) error {
	_, err := s.c.doRequest(ctx, http.MethodPost, "/api/storage/close")
	return err
}

type market struct {
	c        *Client
	location capability.Point
}

func (m *market) Location() capability.Point {
	return m.location
}

func (m *market) Open(ctx context.Context) error {
	_, err := m.c.doRequest(ctx, http.MethodPost, "/api/market/open")
	return err
}

func (m *market) CollectCompleted(ctx context.Context) error {
	_, err := m.c.doRequest(ctx, http.MethodPost, "/api/market/collect")
	return err
}

func (m *market) ReferencePrice(ctx context.Context, item string) (int, error) {
	resp, err := get[priceResponse](ctx, m.c, "/api/market/prices/"+url.PathEscape(item))
	return resp.Price, err
}

func (m *market) PlaceBuy(ctx context.Context, item string, qty, price int) error {
	_, err := m.c.doRequestWithBody(ctx, http.MethodPost, "/api/market/orders", orderRequest{Item: item, Quantity: qty, Price: price})
	return err
}

func (m *market) Filled(ctx context.Context, item string) (int, error) {
	resp, err := get[filledResponse](ctx, m.c, "/api/market/orders/"+url.PathEscape(item))
	return resp.Filled, err
}

func (m *market) CancelAll(ctx context.Context, item string) error {
	_, err := m.c.doRequest(ctx, http.MethodDelete, "/api/market/orders/"+url.PathEscape(item))
	return err
}
