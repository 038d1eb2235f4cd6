package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when the worker does not have a file.
	ErrNotFound = errors.New("resource not found")
	// ErrBusy is returned when the worker refuses a call in its current state.
	ErrBusy = errors.New("worker busy")
)

// Client talks to one worker over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a worker client. Transfers can be slow, so the timeout
// bounds single calls only and callers pass contexts for the rest.
func NewClient(baseURL, apiKey string) *Client {
	trimmed := strings.TrimSuffix(baseURL, "/")
	return &Client{
		baseURL: trimmed,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}
}

// CacheFile asks the worker to fetch url into its cache under hash. It
// reports whether the worker already had the file.
func (c *Client) CacheFile(ctx context.Context, url, hash string) (bool, error) {
	var out CacheResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/cache", CacheRequest{URL: url, Hash: hash}, &out); err != nil {
		return false, fmt.Errorf("cache %s: %w", hash, err)
	}
	return out.Present, nil
}

// Build starts a build. The worker acknowledges immediately and builds in
// the background.
func (c *Client) Build(ctx context.Context, req BuildRequest) error {
	if err := c.doJSON(ctx, http.MethodPost, "/v1/build", req, nil); err != nil {
		return fmt.Errorf("start build %s: %w", req.Cookie, err)
	}
	return nil
}

// Status fetches the worker's current state.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/status", nil, &out); err != nil {
		return StatusResponse{}, fmt.Errorf("status: %w", err)
	}
	return out, nil
}

// Abort asks the worker to stop the running build.
func (c *Client) Abort(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodPost, "/v1/abort", nil, nil); err != nil {
		return fmt.Errorf("abort: %w", err)
	}
	return nil
}

// Clean returns a WAITING worker to IDLE.
func (c *Client) Clean(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodPost, "/v1/clean", nil, nil); err != nil {
		return fmt.Errorf("clean: %w", err)
	}
	return nil
}

// GetFile streams the file stored under key into w. key is a content hash
// or BuildLogKey.
func (c *Client) GetFile(ctx context.Context, key string, w io.Writer) error {
	endpoint := fmt.Sprintf("%s/v1/files/%s", c.baseURL, key)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create get file request: %w", err)
	}
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("get file %s: %w", key, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("get file %s: %w", key, err)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("read file %s: %w", key, err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Key "+c.apiKey)
	}
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	message := strings.TrimSpace(string(payload))
	var decoded ErrorResponse
	if json.Unmarshal(payload, &decoded) == nil && decoded.Error != "" {
		message = decoded.Error
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", message, ErrNotFound)
	case http.StatusConflict:
		return fmt.Errorf("%s: %w", message, ErrBusy)
	}
	return fmt.Errorf("worker returned %d: %s", resp.StatusCode, message)
}
