// Package genclient wraps the third-party generative API that produces
// the base media content for a job. Calls are billable, so retries are
// idempotency-keyed and permanent failures are never retried.
package genclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"time"

	"reelforge/internal/pkg/errors"
)

// Request describes one generation call.
type Request struct {
	// JobID and Attempt form the idempotency key: the upstream
	// deduplicates retries within a single worker attempt.
	JobID   string
	Attempt int
	Prompt  string
	Width   int
	Height  int
	// Extra is forwarded to the upstream verbatim.
	Extra map[string]any
}

// Client is the generation service contract. Generate writes the
// produced content to dstPath, truncating any partial previous write.
type Client interface {
	Generate(ctx context.Context, req Request, dstPath string) error
}

// HTTPClient calls a generation API that answers POST /v1/generate with
// the produced bytes. Transient upstream failures (timeouts, 429, 5xx)
// are retried with capped exponential backoff; auth and request errors
// fail immediately.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpc      *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

type Config struct {
	BaseURL string
	APIKey  string
	// Timeout bounds a single upstream call (default 5m; generation is
	// slow).
	Timeout time.Duration
	// MaxRetries bounds in-attempt retries of transient failures
	// (default 4).
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 4
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 15 * time.Second
	}
	return &HTTPClient{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpc:      &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
	}
}

func (c *HTTPClient) Generate(ctx context.Context, req Request, dstPath string) error {
	payload, err := json.Marshal(c.buildPayload(req))
	if err != nil {
		return errors.Wrap(err, "genclient.generate", "marshal request")
	}

	var lastErr error
	for try := 0; try <= c.maxRetries; try++ {
		if try > 0 {
			select {
			case <-ctx.Done():
				return errors.WrapWithCode(ctx.Err(), errors.CodeTimeout, "genclient.generate", "canceled during backoff")
			case <-time.After(c.backoff(try)):
			}
		}

		lastErr = c.generateOnce(ctx, req, payload, dstPath)
		if lastErr == nil {
			return nil
		}
		if errors.IsPermanent(lastErr) {
			return lastErr
		}
	}

	return errors.Wrap(lastErr, "genclient.generate", fmt.Sprintf("giving up after %d tries", c.maxRetries+1))
}

func (c *HTTPClient) buildPayload(req Request) map[string]any {
	payload := map[string]any{
		"prompt": req.Prompt,
		"width":  req.Width,
		"height": req.Height,
	}
	for k, v := range req.Extra {
		payload[k] = v
	}
	return payload
}

func (c *HTTPClient) generateOnce(ctx context.Context, req Request, payload []byte, dstPath string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "genclient.generate", "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)
	httpReq.Header.Set("Idempotency-Key", fmt.Sprintf("%s:%d", req.JobID, req.Attempt))

	res, err := c.httpc.Do(httpReq)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "genclient.generate", "upstream call failed")
	}
	defer res.Body.Close()

	if err := classifyStatus(res.StatusCode); err != nil {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, res.Body, 4096)
		return err
	}

	f, err := os.Create(dstPath)
	if err != nil {
		return errors.Wrap(err, "genclient.generate", "create output file")
	}
	defer f.Close()

	if _, err := io.Copy(f, res.Body); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "genclient.generate", "read upstream body")
	}
	return nil
}

// classifyStatus maps upstream HTTP status to the pipeline taxonomy.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return errors.New(errors.CodeUnauthorized, "generation api rejected credentials")
	case status == http.StatusForbidden:
		return errors.New(errors.CodeForbidden, "generation api forbade the request")
	case status == http.StatusTooManyRequests:
		return errors.New(errors.CodeResourceExhaust, "generation api rate limited")
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return errors.Timeout("generation api call")
	case status >= 400 && status < 500:
		return errors.Newf(errors.CodeBadRequest, "generation api rejected request: http %d", status)
	default:
		return errors.Newf(errors.CodeUnavailable, "generation api http %d", status)
	}
}

func (c *HTTPClient) backoff(try int) time.Duration {
	// Cap the shift so large retry counts cannot overflow the delay.
	shift := try - 1
	if shift > 20 {
		shift = 20
	}
	d := c.baseDelay << shift
	if d <= 0 || d > c.maxDelay {
		d = c.maxDelay
	}
	// Full jitter keeps a burst of retrying workers spread out.
	return time.Duration(rand.Int63n(int64(d)) + int64(d)/2)
}
