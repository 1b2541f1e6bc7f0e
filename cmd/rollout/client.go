package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-cleanhttp"
)

// apiError is a non-2xx answer from the server
type apiError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server answered %d", e.StatusCode)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// apiClient talks to the rollout HTTP API
type apiClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetry   time.Duration
}

func newAPIClient(baseURL string) *apiClient {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = 30 * time.Second
	return &apiClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: client,
		maxRetry:   5 * time.Second,
	}
}

// do sends body as JSON and decodes the answer into out. GETs are retried
// while the server is unreachable; API errors are never retried.
func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) (int, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var status int
	operation := func() error {
		var reader io.Reader = http.NoBody
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if method != http.MethodGet {
				return backoff.Permanent(fmt.Errorf("request to %s failed: %w", c.baseURL, err))
			}
			return fmt.Errorf("request to %s failed: %w", c.baseURL, err)
		}
		defer func() { _ = resp.Body.Close() }() // Ignore error - response cleanup

		status = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to read response: %w", err))
		}
		if resp.StatusCode >= http.StatusBadRequest {
			apiErr := &apiError{StatusCode: resp.StatusCode}
			_ = json.Unmarshal(data, apiErr) // Ignore error - non-JSON bodies keep the status only
			return backoff.Permanent(apiErr)
		}
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
			}
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = c.maxRetry
	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))

	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, apiErr
	}
	return status, err
}
