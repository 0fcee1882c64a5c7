// Package client provides an HTTP client for the sync server.
//
// # Operations
//
// Controller side (admin endpoints):
//   - Queue / Send: Queue an action for a device
//   - Result: Fetch a reported result
//   - WaitResult: Long-poll until a result is reported
//   - Status, Logs: Inspect devices
//
// Device side:
//   - Sync: Report logs/results/acks and fetch due actions
//
// Requests are paced by a token bucket so a misbehaving controller loop
// cannot flood the server.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/pilot-net/actionsync/pkg/types"
)

// AdminTokenHeader carries the admin token on controller requests.
const AdminTokenHeader = "X-Admin-Token"

// maxWaitPerRequest bounds a single long-poll; longer waits are split into
// several requests.
const maxWaitPerRequest = 30 * time.Second

// ErrNotFound is returned by Result and WaitResult when no result has been
// reported for the action.
var ErrNotFound = errors.New("result not found")

// APIError is a non-2xx response from the server.
type APIError struct {
	Status int    // HTTP status code
	Code   string // machine-readable error code, e.g. "device_not_found"
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.Status, e.Code)
}

// Config for the client.
type Config struct {
	BaseURL            string
	AdminToken         string // sent as X-Admin-Token
	DeviceToken        string // sent as the token field of Sync
	HTTPClient         *http.Client
	InsecureSkipVerify bool
	RateLimit          int // requests per second (default: 20)
}

// Client talks to a sync server.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	adminToken  string
	deviceToken string
	rateLimiter *rate.Limiter
}

// NewClient creates a new sync server client.
func NewClient(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		transport := &http.Transport{}
		if cfg.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		cfg.HTTPClient = &http.Client{
			Timeout:   maxWaitPerRequest + 10*time.Second,
			Transport: transport,
		}
	}
	rateLimit := cfg.RateLimit
	if rateLimit <= 0 {
		rateLimit = 20
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:  cfg.HTTPClient,
		adminToken:  cfg.AdminToken,
		deviceToken: cfg.DeviceToken,
		rateLimiter: rate.NewLimiter(rate.Limit(rateLimit), rateLimit),
	}
}

// Health checks that the server is up and returns its clock.
func (c *Client) Health(ctx context.Context) (*types.HealthResponse, error) {
	var out types.HealthResponse
	if err := c.call(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Queue queues an action and returns its id and the resolved device id.
func (c *Client) Queue(ctx context.Context, req types.QueueRequest) (*types.QueueResponse, error) {
	var out types.QueueResponse
	if err := c.call(ctx, http.MethodPost, "/queue", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Send queues action with payload for deviceID ("" or "last" for the most
// recently active device) and returns the action id. A zero ttl uses the
// server default.
func (c *Client) Send(ctx context.Context, deviceID, action string, payload any, ttl time.Duration) (string, error) {
	resp, err := c.Queue(ctx, types.QueueRequest{
		DeviceID: deviceID,
		Action:   action,
		Payload:  payload,
		TTL:      types.Seconds(ttl.Seconds()),
	})
	if err != nil {
		return "", err
	}
	return resp.ActionID, nil
}

// Result fetches the result of an action. pop removes it from the server.
func (c *Client) Result(ctx context.Context, deviceID, actionID string, pop bool) (*types.ResultEntry, error) {
	return c.result(ctx, deviceID, actionID, pop, 0)
}

// WaitResult blocks until the device reports the result of actionID, the
// timeout elapses or ctx is done. Each request long-polls the server.
func (c *Client) WaitResult(ctx context.Context, deviceID, actionID string, timeout time.Duration, pop bool) (*types.ResultEntry, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrNotFound
		}
		entry, err := c.result(ctx, deviceID, actionID, pop, min(remaining, maxWaitPerRequest))
		if !errors.Is(err, ErrNotFound) {
			return entry, err
		}
	}
}

func (c *Client) result(ctx context.Context, deviceID, actionID string, pop bool, wait time.Duration) (*types.ResultEntry, error) {
	q := url.Values{}
	q.Set("device_id", deviceID)
	q.Set("action_id", actionID)
	if pop {
		q.Set("pop", "1")
	}
	if wait > 0 {
		q.Set("wait", strconv.FormatFloat(wait.Seconds(), 'f', 3, 64))
	}

	var out types.ResultResponse
	err := c.call(ctx, http.MethodGet, "/result?"+q.Encode(), nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out.Result, nil
}

// Status returns a snapshot of every device known to the server.
func (c *Client) Status(ctx context.Context) (*types.StatusResponse, error) {
	var out types.StatusResponse
	if err := c.call(ctx, http.MethodGet, "/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logs returns up to limit recent log lines of a device.
func (c *Client) Logs(ctx context.Context, deviceID string, limit int) (*types.LogsResponse, error) {
	q := url.Values{}
	if deviceID != "" {
		q.Set("device_id", deviceID)
	}
	if limit != 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/logs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out types.LogsResponse
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sync performs a device sync over HTTP. The configured device token is
// filled in when req.Token is empty.
func (c *Client) Sync(ctx context.Context, req types.SyncRequest) (*types.SyncResponse, error) {
	if req.Token == "" {
		req.Token = c.deviceToken
	}
	var out types.SyncResponse
	if err := c.call(ctx, http.MethodPost, "/sync", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// call performs a request and decodes a 2xx JSON response into out.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.readError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// doRequest performs an HTTP request with standard headers.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "actionsync-client/1.0")
	if c.adminToken != "" {
		req.Header.Set(AdminTokenHeader, c.adminToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// readError turns a failed response into an *APIError.
func (c *Client) readError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	var body types.ErrorResponse
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	return &APIError{Status: resp.StatusCode, Code: body.Error}
}
