// Package syncclient is the HTTP transport for a shelf relay server.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/marcus/shelf/internal/cloud"
	"github.com/marcus/shelf/internal/events"
	"github.com/marcus/shelf/internal/models"
)

// ProviderName is the provider recorded in cloud bookkeeping for relay pushes.
const ProviderName = "relay"

// DefaultPollInterval is how often Subscribe polls for new events.
const DefaultPollInterval = 2 * time.Second

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// Client talks to a relay server.
type Client struct {
	BaseURL      string
	APIKey       string
	HTTP         *http.Client
	PollInterval time.Duration
	PageSize     int
}

// New creates a relay client.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		APIKey:       apiKey,
		HTTP:         &http.Client{Timeout: 30 * time.Second},
		PollInterval: DefaultPollInterval,
		PageSize:     500,
	}
}

var _ cloud.Transport = (*Client)(nil)

// PushRequest is the body for POST /v1/events.
type PushRequest struct {
	DeviceID string         `json:"device_id"`
	Events   []events.Event `json:"events"`
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status          string `json:"status"`
	ServerTimestamp int64  `json:"server_timestamp"`
}

func (c *Client) Name() string { return ProviderName }

// HealthCheck hits the /healthz endpoint to verify server reachability.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doNoAuth(ctx, "GET", "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Ping(ctx context.Context) error {
	h, err := c.HealthCheck(ctx)
	if err != nil {
		return err
	}
	if h.Status != "ok" {
		return fmt.Errorf("%w: relay status %q", cloud.ErrUnavailable, h.Status)
	}
	// Health is unauthenticated; make sure the token works too.
	_, err = c.Devices(ctx)
	return err
}

func (c *Client) Push(ctx context.Context, deviceID string, batch []events.Event) (cloud.PushResult, error) {
	var res cloud.PushResult
	err := c.do(ctx, "POST", "/v1/events", PushRequest{DeviceID: deviceID, Events: batch}, &res)
	return res, err
}

func (c *Client) Pull(ctx context.Context, deviceID string, since int64, limit int) (cloud.PullResult, error) {
	params := url.Values{}
	params.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if deviceID != "" {
		params.Set("exclude_device", deviceID)
	}
	var res cloud.PullResult
	if err := c.do(ctx, "GET", "/v1/events?"+params.Encode(), nil, &res); err != nil {
		return cloud.PullResult{}, err
	}
	return res, nil
}

// Subscribe polls the relay from its current head and hands each batch of
// new foreign events to fn. It returns when ctx ends or a poll fails with a
// non-retryable error.
func (c *Client) Subscribe(ctx context.Context, deviceID string, fn func(cloud.Update)) error {
	h, err := c.HealthCheck(ctx)
	if err != nil {
		return err
	}
	cursor := h.ServerTimestamp

	interval := c.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for {
			page, err := c.Pull(ctx, deviceID, cursor, c.PageSize)
			if err != nil {
				var se *statusError
				if errors.Is(err, cloud.ErrUnavailable) || (errors.As(err, &se) && se.Retryable()) {
					// Transient; try again next tick.
					break
				}
				return err
			}
			cursor = page.ServerTimestamp
			if len(page.Events) > 0 {
				fn(cloud.Update{Events: page.Events, ServerTimestamp: page.ServerTimestamp})
			}
			if !page.HasMore {
				break
			}
		}
	}
}

func (c *Client) RegisterDevice(ctx context.Context, d models.Device) error {
	return c.do(ctx, "POST", "/v1/devices", d, nil)
}

func (c *Client) Devices(ctx context.Context) ([]models.Device, error) {
	var ds []models.Device
	if err := c.do(ctx, "GET", "/v1/devices", nil, &ds); err != nil {
		return nil, err
	}
	return ds, nil
}

// --- HTTP helpers ---

// apiError is the standard error body from the server.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// statusError carries the HTTP status of a failed call so the gateway can
// tell transient failures from permanent ones.
type statusError struct {
	Status int
	Err    error
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %v", e.Status, e.Err)
}

func (e *statusError) Unwrap() error { return e.Err }

func (e *statusError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// do executes an authenticated HTTP request.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	return c.doRequest(ctx, method, path, body, result, true)
}

// doNoAuth executes an unauthenticated HTTP request.
func (c *Client) doNoAuth(ctx context.Context, method, path string, body, result any) error {
	return c.doRequest(ctx, method, path, body, result, false)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any, auth bool) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth && c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", cloud.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", cloud.ErrUnavailable, err)
	}

	if resp.StatusCode >= 400 {
		var wrapped struct {
			Error apiError `json:"error"`
		}
		if json.Unmarshal(respBody, &wrapped) == nil && wrapped.Error.Code != "" {
			apiErr := wrapped.Error
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return &statusError{Status: resp.StatusCode, Err: fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)}
			case http.StatusForbidden:
				return &statusError{Status: resp.StatusCode, Err: fmt.Errorf("%w: %s", ErrForbidden, apiErr.Message)}
			case http.StatusNotFound:
				return &statusError{Status: resp.StatusCode, Err: fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)}
			default:
				return &statusError{Status: resp.StatusCode, Err: &apiErr}
			}
		}
		return &statusError{Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(respBody)))}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}
