package remotestore

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

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/partsync/internal/inventory"
	"github.com/agentworkforce/partsync/internal/logx"
)

var ErrInvalidResponse = errors.New("invalid remote response")

type HTTPError struct {
	StatusCode int
	Sheet      string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Sheet != "" {
		return fmt.Sprintf("http %d reading sheet %s: %s", e.StatusCode, e.Sheet, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// WriteReceipt identifies a dispatched write. The endpoint is opaque, so a
// receipt only means the request left this process; confirmation comes from a
// later read.
type WriteReceipt struct {
	CorrelationID string
	SentAt        time.Time
}

// Client is the remote tabular store as seen by the reconciliation engine.
type Client interface {
	Read(ctx context.Context, sheet string) ([]map[string]any, error)
	Write(ctx context.Context, payload inventory.Payload) (WriteReceipt, error)
}

type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zerolog.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	now        func() time.Time
}

type Options struct {
	HTTPClient *http.Client
	// MaxRetries bounds read retries.
	Logger     *zerolog.Logger
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func NewHTTPClient(baseURL string, opts Options) (*HTTPClient, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("%w: remote base url is required", inventory.ErrInvalidInput)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, err
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	// Zero selects the default; negative disables retries.
	maxRetries := opts.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = 2
	case maxRetries < 0:
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	logger := logx.Or(opts.Logger).With().Str("component", "remotestore").Logger()
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     &logger,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		now:        time.Now,
	}, nil
}

// Read fetches every row of sheet, bypassing intermediary caches. Transient
// failures are retried; anything else is returned to the caller.
func (c *HTTPClient) Read(ctx context.Context, sheet string) ([]map[string]any, error) {
	sheet = strings.TrimSpace(sheet)
	if sheet == "" {
		return nil, fmt.Errorf("%w: sheet name is required", inventory.ErrInvalidInput)
	}
	for attempt := 0; ; attempt++ {
		rows, retryAfter, err := c.readOnce(ctx, sheet)
		if err == nil {
			return rows, nil
		}
		if !retryable(err) || attempt >= c.maxRetries {
			return nil, err
		}
		delay := c.retryDelay(attempt+1, retryAfter)
		c.logger.Debug().Err(err).Str("sheet", sheet).Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying sheet read")
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return nil, waitErr
		}
	}
}

func (c *HTTPClient) readOnce(ctx context.Context, sheet string) ([]map[string]any, string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, "", err
	}
	q := u.Query()
	q.Set("sheet", sheet)
	q.Set("nocache", strconv.FormatInt(c.now().UnixMilli(), 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, "", readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.Header.Get("Retry-After"), &HTTPError{
			StatusCode: resp.StatusCode,
			Sheet:      sheet,
			Message:    strings.TrimSpace(string(truncate(payload, 256))),
		}
	}
	rows, err := decodeRows(payload)
	if err != nil {
		return nil, "", err
	}
	return rows, "", nil
}

// Write posts payload as text/plain so it stays a simple cross-origin request
// for script endpoints. The response is drained but never interpreted.
func (c *HTTPClient) Write(ctx context.Context, payload inventory.Payload) (WriteReceipt, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return WriteReceipt{}, err
	}
	receipt := WriteReceipt{CorrelationID: "write_" + uuid.NewString(), SentAt: c.now()}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return WriteReceipt{}, err
	}
	req.Header.Set("Content-Type", "text/plain;charset=utf-8")
	req.Header.Set("X-Correlation-Id", receipt.CorrelationID)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return WriteReceipt{}, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	c.logger.Debug().
		Str("action", string(payload.Action)).
		Str("sheet", payload.Sheet).
		Str("id", payload.ID).
		Str("correlationId", receipt.CorrelationID).
		Msg("remote write dispatched")
	return receipt, nil
}

// decodeRows accepts a bare array or an object wrapping one under "data" or
// "rows". Numbers are kept as json.Number so prices survive untouched.
func decodeRows(payload []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if trimmed[0] == '[' {
		var rows []map[string]any
		if err := dec.Decode(&rows); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		return rows, nil
	}
	var wrapped struct {
		Data []map[string]any `json:"data"`
		Rows []map[string]any `json:"rows"`
	}
	if err := dec.Decode(&wrapped); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if wrapped.Data != nil {
		return wrapped.Data, nil
	}
	if wrapped.Rows != nil {
		return wrapped.Rows, nil
	}
	return []map[string]any{}, nil
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrInvalidResponse) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || (httpErr.StatusCode >= 500 && httpErr.StatusCode <= 599)
	}
	return true
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
