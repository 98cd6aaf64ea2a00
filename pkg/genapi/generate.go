package genapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// GenerateRequest is the payload for submitting a generation task.
type GenerateRequest struct {
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model,omitempty"`
	Style       string   `json:"style,omitempty"`
	Quality     string   `json:"quality,omitempty"`
	AspectRatio string   `json:"aspect_ratio,omitempty"`
	Seed        *int64   `json:"seed,omitempty"` // pointer so it can be omitted
	NumImages   int      `json:"num_images,omitempty"`
	InputImages []string `json:"input_images,omitempty"`
}

// SubmitResponse is returned immediately after POSTing a task.
type SubmitResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"` // e.g. "IN_QUEUE"
}

// StatusResponse is returned by the status endpoint.
type StatusResponse struct {
	Status        string       `json:"status"` // IN_QUEUE, IN_PROGRESS, COMPLETED, FAILED
	QueuePosition *int         `json:"queue_position,omitempty"`
	Error         *ErrorDetail `json:"error,omitempty"`
}

type ErrorDetail struct {
	Message string `json:"message"`
}

// GenerateResult is the final result fetched after completion.
type GenerateResult struct {
	Images []ImageInfo `json:"images"`
	Seed   uint64      `json:"seed"`
	Prompt string      `json:"prompt"`
}

type ImageInfo struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

// Submit posts the task to the queue endpoint and returns the request ID.
func (c *Client) Submit(ctx context.Context, req GenerateRequest) (string, error) {
	c.logger.Debug("Submitting generation request",
		zap.String("model", req.Model), zap.Int("num_images", req.NumImages))

	respBody, err := c.doPostRequest(ctx, c.baseURL, req)
	if err != nil {
		return "", fmt.Errorf("generation submission failed: %w", err)
	}

	var response SubmitResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return "", fmt.Errorf("failed to unmarshal submission response: %w, body: %s", err, string(respBody))
	}
	if response.RequestID == "" {
		return "", fmt.Errorf("request_id not found in submission response: %s", string(respBody))
	}
	return response.RequestID, nil
}

// Status polls the status endpoint for a submitted request.
func (c *Client) Status(ctx context.Context, requestID string) (*StatusResponse, error) {
	statusURL := fmt.Sprintf("%s/requests/%s/status", strings.TrimSuffix(c.baseURL, "/"), requestID)

	body, err := c.doGetRequest(ctx, statusURL)
	if err != nil {
		return nil, fmt.Errorf("status check failed for %s: %w", requestID, err)
	}

	var response StatusResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status response: %w, body: %s", err, string(body))
	}
	return &response, nil
}

// Result fetches the final result of a completed request.
func (c *Client) Result(ctx context.Context, requestID string) (*GenerateResult, error) {
	resultURL := fmt.Sprintf("%s/requests/%s", strings.TrimSuffix(c.baseURL, "/"), requestID)

	body, err := c.doGetRequest(ctx, resultURL)
	if err != nil {
		return nil, fmt.Errorf("result fetch failed for %s: %w", requestID, err)
	}

	var response GenerateResult
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal generation result: %w, body: %s", err, string(body))
	}
	return &response, nil
}

// Generate submits the task and polls until it completes, fails or ctx ends.
// A FAILED status from the provider is reported as a fatal ProviderError; the
// provider already gave up on it, resubmitting is the caller's decision.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	requestID, err := c.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, classifyTransport(fmt.Errorf("polling aborted for request %s: %w", requestID, ctx.Err()))
		case <-ticker.C:
			statusResp, err := c.Status(ctx, requestID)
			if err != nil {
				return nil, err
			}

			c.logger.Debug("Polling status for request",
				zap.String("request_id", requestID), zap.String("status", statusResp.Status))

			switch statusResp.Status {
			case "COMPLETED":
				return c.Result(ctx, requestID)
			case "FAILED":
				errMsg := "generation failed"
				if statusResp.Error != nil {
					errMsg = fmt.Sprintf("generation failed: %s", statusResp.Error.Message)
				}
				return nil, &ProviderError{
					Err:       fmt.Errorf("%s (request_id: %s)", errMsg, requestID),
					Retryable: false,
				}
			case "IN_PROGRESS", "IN_QUEUE":
				continue
			default:
				return nil, &ProviderError{
					Err:       fmt.Errorf("unknown status %q for request %s", statusResp.Status, requestID),
					Retryable: false,
				}
			}
		}
	}
}
