package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/mitchellh/mapstructure"

	"github.com/lattiam/rollout/internal/interfaces"
)

// metricResponse is the body expected from the metrics endpoint. Value may be
// a number or a numeric string; Timestamp is unix seconds.
type metricResponse struct {
	Value     float64 `mapstructure:"value"`
	Timestamp int64   `mapstructure:"timestamp"`
}

// HTTPMetricSource reads metrics from an endpoint answering
// GET <base>?metric=<name> with {"value": n}
type HTTPMetricSource struct {
	base    *url.URL
	client  *http.Client
	timeout time.Duration
	now     func() time.Time
}

// NewHTTPMetricSource creates a metric source for baseURL. timeout bounds
// each sample when the caller's context has no earlier deadline.
func NewHTTPMetricSource(baseURL string, timeout time.Duration) (*HTTPMetricSource, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid metrics URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("metrics URL must be http or https, got %q", baseURL)
	}
	return &HTTPMetricSource{
		base:    u,
		client:  cleanhttp.DefaultPooledClient(),
		timeout: timeout,
		now:     time.Now,
	}, nil
}

// Sample implements interfaces.MetricSource
func (s *HTTPMetricSource) Sample(ctx context.Context, metric string) (interfaces.MetricSample, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	u := *s.base
	q := u.Query()
	q.Set("metric", metric)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return interfaces.MetricSample{}, fmt.Errorf("failed to build metric request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return interfaces.MetricSample{}, fmt.Errorf("failed to sample %s: %w", metric, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return interfaces.MetricSample{}, fmt.Errorf("failed to sample %s: status %d", metric, resp.StatusCode)
	}

	var raw map[string]interface{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&raw); err != nil {
		return interfaces.MetricSample{}, fmt.Errorf("failed to decode sample of %s: %w", metric, err)
	}
	if _, ok := raw["value"]; !ok {
		return interfaces.MetricSample{}, fmt.Errorf("sample of %s has no value", metric)
	}

	var body metricResponse
	if err := mapstructure.WeakDecode(raw, &body); err != nil {
		return interfaces.MetricSample{}, fmt.Errorf("failed to decode sample of %s: %w", metric, err)
	}

	ts := s.now()
	if body.Timestamp > 0 {
		ts = time.Unix(body.Timestamp, 0)
	}
	return interfaces.MetricSample{Name: metric, Value: body.Value, Timestamp: ts}, nil
}

var _ interfaces.MetricSource = (*HTTPMetricSource)(nil)
