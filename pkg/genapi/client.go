package genapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Client talks to the external image-generation provider over its queue API:
// submit a task, poll its status, fetch the result. Every failure it returns
// is a *ProviderError carrying the retryable classification.
type Client struct {
	apiKey       string
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	logger       *zap.Logger
}

func NewClient(apiKey, baseURL string, requestTimeout, pollInterval time.Duration, logger *zap.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genapi: api key is required")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("genapi: base URL is required")
	}
	if requestTimeout <= 0 {
		requestTimeout = 120 * time.Second // provider calls can be slow
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Client{
		apiKey:       apiKey,
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: requestTimeout},
		pollInterval: pollInterval,
		logger:       logger,
	}, nil
}

// doPostRequest executes a JSON POST and returns the raw body.
func (c *Client) doPostRequest(ctx context.Context, url string, payload interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("failed to marshal payload", zap.Error(err))
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		c.logger.Warn("failed to create request", zap.Error(err))
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Key "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("failed to send request", zap.Error(err))
		return nil, classifyTransport(fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Warn("failed to read response body", zap.Error(err))
		return nil, classifyTransport(fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode >= 400 {
		c.logger.Warn("API request failed", zap.Int("status", resp.StatusCode), zap.String("body", string(body)))
		return nil, classifyHTTP(resp.StatusCode,
			fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body)))
	}

	c.logger.Debug("API request successful", zap.Int("status", resp.StatusCode))
	return body, nil
}

// doGetRequest executes a GET and returns the raw body.
func (c *Client) doGetRequest(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Key "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode >= 400 {
		return nil, classifyHTTP(resp.StatusCode,
			fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body)))
	}
	return body, nil
}

// Download fetches a result image by URL and returns its bytes and content
// type. Result URLs are unauthenticated, short-lived provider links.
func (c *Client) Download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", classifyTransport(fmt.Errorf("failed to download result: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, "", classifyHTTP(resp.StatusCode,
			fmt.Errorf("result download failed with status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", classifyTransport(fmt.Errorf("failed to read result body: %w", err))
	}
	return data, resp.Header.Get("Content-Type"), nil
}
