// Package msgraph is a thin Microsoft Graph HTTP client shared by the
// OneDrive and SharePoint connector variants: token injection, rate
// limiting, bounded retry with backoff and mapping of Graph failures onto
// the shared error taxonomy.
package msgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/wbe7/openrag/pkg/connectors/credentials"
	"github.com/wbe7/openrag/pkg/core"
)

// DefaultBaseURL is the Graph v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// Config contains Graph client settings.
type Config struct {
	BaseURL           string        `yaml:"base_url"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	BurstLimit        int           `yaml:"burst_limit"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	Timeout           time.Duration `yaml:"timeout"`
}

// DefaultConfig returns default Graph client settings.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:           DefaultBaseURL,
		RequestsPerSecond: 10.0,
		BurstLimit:        20,
		MaxRetries:        3,
		RetryDelay:        2 * time.Second,
		Timeout:           60 * time.Second,
	}
}

// Client issues authenticated Graph requests.
type Client struct {
	config  *Config
	creds   *credentials.Store
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a Graph client over the given credential store.
func NewClient(cfg *Config, creds *credentials.Store) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	return &Client{
		config:  cfg,
		creds:   creds,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstLimit),
	}
}

// BaseURL returns the configured Graph endpoint.
func (c *Client) BaseURL() string { return c.config.BaseURL }

// GetJSON issues a GET against path (absolute URLs are used as-is, which is
// how @odata.nextLink continuations arrive) and decodes the response into out.
func (c *Client) GetJSON(ctx context.Context, path string, out interface{}) error {
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("decoding graph response: %w", err)
	}
	return nil
}

// PostJSON issues a POST with a JSON body and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, path string, in, out interface{}) error {
	return c.sendJSON(ctx, http.MethodPost, path, in, out)
}

// PatchJSON issues a PATCH with a JSON body and decodes the response into out.
func (c *Client) PatchJSON(ctx context.Context, path string, in, out interface{}) error {
	return c.sendJSON(ctx, http.MethodPatch, path, in, out)
}

// Delete issues a DELETE. Graph answers 204 on success.
func (c *Client) Delete(ctx context.Context, path string) error {
	body, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	return body.Close()
}

// Download fetches raw content bytes from path, following the 302 content
// redirect Graph issues for drive items.
func (c *Client) Download(ctx context.Context, path string) ([]byte, error) {
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, core.Transient(fmt.Errorf("reading graph content: %w", err))
	}
	return data, nil
}

func (c *Client) sendJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding graph request: %w", err)
		}
	}
	body, err := c.do(ctx, method, path, payload)
	if err != nil {
		return err
	}
	defer body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("decoding graph response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) (io.ReadCloser, error) {
	url := path
	if !strings.HasPrefix(path, "http") {
		url = c.config.BaseURL + path
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.config.RetryDelay * time.Duration(1<<uint(attempt-1))
			if ra, ok := retryAfter(lastErr); ok {
				delay = ra
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		body, err := c.doOnce(ctx, method, url, payload)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !core.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, method, url string, payload []byte) (io.ReadCloser, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	token, err := c.creds.Token(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, core.Transient(err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.Body, nil
	}

	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return nil, classifyStatus(resp, data)
}

// APIError is a non-taxonomy Graph failure carrying the provider response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph: status %d: %s", e.StatusCode, e.Message)
}

type graphErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e *retryAfterError) Error() string { return e.err.Error() }
func (e *retryAfterError) Unwrap() error { return e.err }

func retryAfter(err error) (time.Duration, bool) {
	for err != nil {
		if ra, ok := err.(*retryAfterError); ok {
			return ra.after, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0, false
		}
		err = u.Unwrap()
	}
	return 0, false
}

func classifyStatus(resp *http.Response, body []byte) error {
	var parsed graphErrorBody
	_ = json.Unmarshal(body, &parsed)
	message := parsed.Error.Message
	if message == "" {
		message = strings.TrimSpace(string(body))
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("graph: %s: %w", message, core.ErrAuthExpired)
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("graph: %s: %w", message, core.ErrNotFound)
	case http.StatusTooManyRequests:
		err := fmt.Errorf("graph: %s: %w", message, core.ErrRateLimited)
		if after := resp.Header.Get("Retry-After"); after != "" {
			if secs, perr := strconv.Atoi(after); perr == nil {
				return &retryAfterError{err: err, after: time.Duration(secs) * time.Second}
			}
		}
		return err
	case http.StatusInsufficientStorage:
		return fmt.Errorf("graph: %s: %w", message, core.ErrQuotaExceeded)
	}
	if parsed.Error.Code == "quotaLimitReached" {
		return fmt.Errorf("graph: %s: %w", message, core.ErrQuotaExceeded)
	}
	if resp.StatusCode >= 500 {
		return core.Transient(&APIError{StatusCode: resp.StatusCode, Message: message})
	}
	return &APIError{StatusCode: resp.StatusCode, Message: message}
}
