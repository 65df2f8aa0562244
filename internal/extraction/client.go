// Package extraction talks to the external entity-extraction (analyze-text) service.
package extraction

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/cyderes/findings-ingestion-service/internal/config"
	"github.com/cyderes/findings-ingestion-service/internal/failures"
)

const (
	// APIVersion is the analyze-text API version the request template targets.
	APIVersion = "2022-05-01"

	subscriptionKeyHeader = "Ocp-Apim-Subscription-Key"
	maxResponseBytes      = 16 << 20
)

// TokenSource supplies a bearer token for each call. Errors from it are returned
// unchanged so an AuthenticationFailure keeps its kind.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client calls the analyze-text endpoint.
type Client struct {
	url        string
	key        string
	template   []byte
	httpClient *http.Client
	limiter    *rate.Limiter
	tokens     TokenSource
	logger     *slog.Logger
}

// NewClient creates a client from configuration. tokens may be nil, in which case
// only the subscription key authenticates requests.
func NewClient(cfg config.ExtractionConfig, tokens TokenSource, logger *slog.Logger) (*Client, error) {
	template, err := LoadTemplate(cfg.TemplatePath)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &Client{
		url:      fmt.Sprintf("%s/language/:analyze-text?api-version=%s", cfg.Endpoint, APIVersion),
		key:      cfg.Key,
		template: template,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(limit, burst),
		tokens:  tokens,
		logger:  logger.With("component", "extraction"),
	}, nil
}

// Extract submits text in place of the template's document text.
func (c *Client) Extract(ctx context.Context, text string) (*Result, error) {
	body, err := BuildRequest(c.template, text)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	return c.analyze(ctx, body)
}

// ExtractDefault submits the template with its bundled sample text as-is.
func (c *Client) ExtractDefault(ctx context.Context) (*Result, error) {
	return c.analyze(ctx, c.template)
}

func (c *Client) analyze(ctx context.Context, body []byte) (*Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(subscriptionKeyHeader, c.key)

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, failures.New(failures.ExtractionServiceUnavailable, "analyze text", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, failures.New(failures.ExtractionServiceUnavailable, "analyze text", fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, failures.Newf(failures.ExtractionServiceUnavailable, "analyze text",
			"service returned status %d: %s", resp.StatusCode, truncate(data, 512))
	}

	c.logger.Debug("extraction response received", "status", resp.StatusCode, "bytes", len(data), "elapsed", time.Since(start))
	return ParseResponse(data)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
