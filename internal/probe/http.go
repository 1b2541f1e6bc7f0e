// Package probe provides the HTTP and command adapters the engine uses to
// deploy components, check their health and read live metrics.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/mitchellh/mapstructure"

	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/pkg/logging"
)

// maxBodyBytes bounds how much of a probe response is inspected
const maxBodyBytes = 64 * 1024

// HTTPCheckConfig is the config block of a health check of type "http"
type HTTPCheckConfig struct {
	URL          string            `mapstructure:"url"`
	Method       string            `mapstructure:"method"`
	ExpectStatus []int             `mapstructure:"expect_status"`
	BodyContains string            `mapstructure:"body_contains"`
	Headers      map[string]string `mapstructure:"headers"`
}

// DecodeHTTPCheckConfig reads an HTTPCheckConfig from a check's free-form
// config. The URL falls back to the component's health_url setting and may
// use the {component} and {artifact} placeholders.
func DecodeHTTPCheckConfig(target interfaces.ProbeTarget, raw map[string]interface{}) (HTTPCheckConfig, error) {
	var cfg HTTPCheckConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
	})
	if err != nil {
		return cfg, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return cfg, interfaces.WrapError(interfaces.KindValidation, err, "invalid http check config")
	}

	if cfg.URL == "" {
		cfg.URL = target.Configuration["health_url"]
	}
	if cfg.URL == "" {
		return cfg, interfaces.NewError(interfaces.KindValidation,
			"http check for component %q has no url", target.Component)
	}
	cfg.URL = strings.NewReplacer("{component}", target.Component, "{artifact}", target.Artifact).Replace(cfg.URL)
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	if len(cfg.ExpectStatus) == 0 {
		cfg.ExpectStatus = []int{http.StatusOK}
	}
	return cfg, nil
}

// HTTPProbe runs health checks over HTTP
type HTTPProbe struct {
	client *http.Client
	logger *logging.Logger
}

// NewHTTPProbe creates a probe on a pooled client. The per-attempt deadline
// comes from the context, so the client itself has no timeout.
func NewHTTPProbe() *HTTPProbe {
	return &HTTPProbe{
		client: cleanhttp.DefaultPooledClient(),
		logger: logging.NewLogger("http-probe"),
	}
}

// NewHTTPProbeWithClient creates a probe using client
func NewHTTPProbeWithClient(client *http.Client) *HTTPProbe {
	return &HTTPProbe{client: client, logger: logging.NewLogger("http-probe")}
}

// Check implements interfaces.HealthProbe. A reachable endpoint with an
// unexpected answer is a failed result; transport errors are returned.
func (p *HTTPProbe) Check(ctx context.Context, target interfaces.ProbeTarget, spec interfaces.HealthCheckSpec) (interfaces.ProbeResult, error) {
	cfg, err := DecodeHTTPCheckConfig(target, spec.Config)
	if err != nil {
		return interfaces.ProbeResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.URL, nil)
	if err != nil {
		return interfaces.ProbeResult{}, fmt.Errorf("failed to build request for %s: %w", spec.Name, err)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return interfaces.ProbeResult{Latency: latency}, fmt.Errorf("health check %s: %w", spec.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return interfaces.ProbeResult{Latency: latency}, fmt.Errorf("health check %s: failed to read body: %w", spec.Name, err)
	}

	result := interfaces.ProbeResult{Passed: true, Latency: latency}
	if !containsStatus(cfg.ExpectStatus, resp.StatusCode) {
		result.Passed = false
		result.Detail = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	} else if cfg.BodyContains != "" && !strings.Contains(string(body), cfg.BodyContains) {
		result.Passed = false
		result.Detail = fmt.Sprintf("body does not contain %q", cfg.BodyContains)
	}
	p.logger.Debug("component=%s check=%s status=%d passed=%t latency=%s",
		target.Component, spec.Name, resp.StatusCode, result.Passed, latency)
	return result, nil
}

func containsStatus(codes []int, code int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// Router dispatches a health check to the probe registered for its type.
// An empty type uses the default probe.
type Router struct {
	fallback interfaces.HealthProbe
	byType   map[string]interfaces.HealthProbe
}

// NewRouter creates a router whose default probe is fallback
func NewRouter(fallback interfaces.HealthProbe) *Router {
	return &Router{fallback: fallback, byType: make(map[string]interfaces.HealthProbe)}
}

// Register adds probe for checks of the given type
func (r *Router) Register(checkType string, probe interfaces.HealthProbe) *Router {
	r.byType[checkType] = probe
	return r
}

// Check implements interfaces.HealthProbe
func (r *Router) Check(ctx context.Context, target interfaces.ProbeTarget, spec interfaces.HealthCheckSpec) (interfaces.ProbeResult, error) {
	if spec.Type == "" {
		return r.fallback.Check(ctx, target, spec)
	}
	probe, ok := r.byType[spec.Type]
	if !ok {
		return interfaces.ProbeResult{}, interfaces.NewError(interfaces.KindValidation,
			"no probe for health check type %q", spec.Type)
	}
	return probe.Check(ctx, target, spec)
}

var (
	_ interfaces.HealthProbe = (*HTTPProbe)(nil)
	_ interfaces.HealthProbe = (*Router)(nil)
)
