package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yungbote/mediaforge-backend/internal/domain"
	"github.com/yungbote/mediaforge-backend/internal/pkg/httpx"
	"github.com/yungbote/mediaforge-backend/internal/pkg/logger"
	"github.com/yungbote/mediaforge-backend/internal/platform/observability"
)

// HTTPError is a non-2xx response carrying enough context for
// httpx.IsRetryableError to classify it via HTTPStatusCode().
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("external worker: unexpected status %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPError) HTTPStatusCode() int { return e.StatusCode }

// HTTPClient is a request/response Dispatcher over a base URL, used for
// both the external GPU worker and the local CPU worker (same wire
// contract, different BaseURL). Each call is attempted up to maxRetries
// times, sleeping via httpx.JitterSleep between attempts and honoring
// Retry-After on 429/5xx.
type HTTPClient struct {
	BaseURL    string
	HTTPClient *http.Client
	Log        *logger.Logger
	MaxRetries int
}

func NewHTTPClient(baseURL string, timeout time.Duration, log *logger.Logger) *HTTPClient {
	return &HTTPClient{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: timeout},
		Log:        log,
		MaxRetries: 3,
	}
}

type submitRequest struct {
	Operation domain.Operation `json:"operation"`
	Payload   json.RawMessage  `json:"payload"`
}

type submitResponse struct {
	ID string `json:"id"`
}

func (c *HTTPClient) Submit(ctx context.Context, op domain.Operation, payload json.RawMessage) (string, error) {
	body, err := json.Marshal(submitRequest{Operation: op, Payload: payload})
	if err != nil {
		return "", err
	}
	var out submitResponse
	if err := c.do(ctx, http.MethodPost, "/submit", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *HTTPClient) Status(ctx context.Context, id string) (StatusResult, error) {
	var out StatusResult
	err := c.do(ctx, http.MethodGet, "/status/"+id, nil, &out)
	return out, err
}

func (c *HTTPClient) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/cancel/"+id, nil, nil)
}

func (c *HTTPClient) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	call := callLabel(path)
	var lastErr error
	for attempt := 1; attempt <= c.MaxRetries; attempt++ {
		start := time.Now()
		resp, err := c.doOnce(ctx, method, path, body, out)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		observability.Current().ObserveExternalDispatch(call, outcome, time.Since(start))
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == c.MaxRetries || !httpx.IsRetryableError(err) {
			break
		}
		sleep := httpx.JitterSleep(time.Duration(attempt) * 500 * time.Millisecond)
		if resp != nil {
			sleep = httpx.RetryAfterDuration(resp, sleep, 10*time.Second)
		}
		if c.Log != nil {
			c.Log.Warn("external worker request retrying", "path", path, "attempt", attempt, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
	return lastErr
}

// callLabel collapses a request path to its first segment ("submit",
// "status", "cancel", "health") so per-id paths don't explode metric
// label cardinality.
func callLabel(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return trimmed[:i]
	}
	return trimmed
}

func (c *HTTPClient) doOnce(ctx context.Context, method, path string, body []byte, out any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp, err
		}
	}
	return resp, nil
}
