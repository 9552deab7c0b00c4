// Package camera provides the HTTP client for the camera's Wi-Fi API, with
// retry and online tracking.
package camera

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/grfs/grfs/internal/logging"
	"github.com/grfs/grfs/internal/metrics"
	"github.com/grfs/grfs/pkg/models"
	"github.com/grfs/grfs/pkg/retry"
)

// DefaultBaseURL is the address the camera uses on its own access point.
const DefaultBaseURL = "http://192.168.0.1"

// Client talks to the camera.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	sizeTimeout time.Duration
	retryConfig retry.Config

	mu       sync.RWMutex
	online   bool
	lastSeen time.Time
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration // whole request, body included
	SizeTimeout time.Duration // per size probe
	RetryConfig retry.Config
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.SizeTimeout == 0 {
		cfg.SizeTimeout = time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        16,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		sizeTimeout: cfg.SizeTimeout,
		retryConfig: cfg.RetryConfig,
		online:      true,
	}
}

// BaseURL returns the camera root URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// IsOnline returns true if the last request reached the camera.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

// LastSeen returns the time of the last successful exchange.
func (c *Client) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("camera is back online", logging.String("url", c.baseURL))
		} else {
			logging.Error("camera is offline", logging.String("url", c.baseURL))
		}
	}
	c.online = online
	if online {
		c.lastSeen = time.Now()
	}
	metrics.SetCameraOnline(online)
}

// StatusError is returned when the camera answers with a non-200 status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("camera returned %d", e.Code)
}

// PhotoURL returns the fetch URL for a "<folder>/<file>" path.
func (c *Client) PhotoURL(path string) string {
	return c.baseURL + "/v1/photos/" + strings.TrimLeft(path, "/")
}

// resolve turns a photo path, a root-relative URL or an absolute URL into an
// absolute URL on the camera.
func (c *Client) resolve(raw string) string {
	switch {
	case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"):
		return raw
	case strings.HasPrefix(raw, "/"):
		return c.baseURL + raw
	default:
		return c.PhotoURL(raw)
	}
}

// do performs a single GET. The response body is open on success.
func (c *Client) do(ctx context.Context, endpoint, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	logging.Debug("camera request", logging.String("method", req.Method), logging.String("url", url))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordCameraRequest(endpoint, 0, time.Since(start))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.setOnline(false)
		return nil, retry.Retryable(err)
	}
	metrics.RecordCameraRequest(endpoint, resp.StatusCode, time.Since(start))

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		serr := &StatusError{Code: resp.StatusCode}
		if resp.StatusCode >= 500 {
			c.setOnline(false)
			return nil, retry.Retryable(serr)
		}
		c.setOnline(true)
		return nil, serr
	}

	c.setOnline(true)
	return resp, nil
}

// get performs a GET with retries on transient failures.
func (c *Client) get(ctx context.Context, endpoint, url string) (*http.Response, error) {
	return retry.DoWithResult(ctx, c.retryConfig, func() (*http.Response, error) {
		return c.do(ctx, endpoint, url)
	})
}

func (c *Client) getJSON(ctx context.Context, op, path string, v any) error {
	url := c.baseURL + path
	resp, err := c.get(ctx, op, url)
	if err != nil {
		return &models.TransportError{Op: op, URL: url, Err: err}
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return &models.TransportError{Op: op, URL: url, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// Ping checks if the camera is reachable. It does not retry.
func (c *Client) Ping(ctx context.Context) error {
	url := c.baseURL + "/v1/ping"
	resp, err := c.do(ctx, "ping", url)
	if err != nil {
		return &models.TransportError{Op: "ping", URL: url, Err: err}
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// Device returns the camera's device constants (model, firmware, serial...).
func (c *Client) Device(ctx context.Context) (map[string]any, error) {
	var device map[string]any
	if err := c.getJSON(ctx, "device", "/v1/constants/device", &device); err != nil {
		return nil, err
	}
	return device, nil
}

type listingResponse struct {
	Dirs []models.Folder `json:"dirs"`
}

// ListDirectories fetches the camera's folder listing.
func (c *Client) ListDirectories(ctx context.Context) ([]models.Folder, error) {
	var listing listingResponse
	if err := c.getJSON(ctx, "list", "/_gr/objs", &listing); err != nil {
		return nil, err
	}
	return listing.Dirs, nil
}

// FetchPhoto opens a streaming download of url. contentLength is -1 when
// the camera does not advertise one. The caller must close body.
func (c *Client) FetchPhoto(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	url = c.resolve(url)
	resp, err := c.get(ctx, "photo", url)
	if err != nil {
		return nil, 0, &models.TransportError{Op: "fetch", URL: url, Err: err}
	}
	return resp.Body, resp.ContentLength, nil
}

// PhotoSize returns the Content-Length of url without downloading the body.
// Each attempt is bounded by the size timeout.
func (c *Client) PhotoSize(ctx context.Context, url string) (int64, error) {
	url = c.resolve(url)
	size, err := retry.DoWithResult(ctx, c.retryConfig, func() (int64, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, c.sizeTimeout)
		defer cancel()

		resp, err := c.do(attemptCtx, "size", url)
		if err != nil {
			if ctx.Err() == nil && attemptCtx.Err() != nil {
				c.setOnline(false)
				return 0, retry.Retryable(err)
			}
			return 0, err
		}
		resp.Body.Close()

		if resp.ContentLength < 0 {
			return 0, fmt.Errorf("no Content-Length in response")
		}
		return resp.ContentLength, nil
	})
	metrics.RecordSizeProbe(err == nil)
	if err != nil {
		return 0, &models.TransportError{Op: "size", URL: url, Err: err}
	}
	return size, nil
}
