// Package client provides the upstream HTTP client for the LM Studio server.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"lmstudio-proxy-go/internal/config"
	"lmstudio-proxy-go/internal/metrics"
	"lmstudio-proxy-go/internal/model"
)

// LMStudioClient sends requests to the upstream LM Studio server.
type LMStudioClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewLMStudioClient creates an LMStudioClient with connection pooling and a
// single whole-exchange timeout. The timeout bounds the entire upstream
// exchange including the response body read; generation requests routinely
// run for tens of seconds, so the default budget is generous (100s, the same
// as the edge's own origin budget).
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewLMStudioClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *LMStudioClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.LMStudio.IdleConnections,
		MaxIdleConnsPerHost: cfg.LMStudio.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &LMStudioClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.LMStudio.TimeoutSeconds) * time.Second,
		},
		logger:  logger.With("component", "lmstudio_client"),
		metrics: m,
	}
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *LMStudioClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DoStream executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned ReadCloser.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled.
//
// host, when non-empty, overrides the Host the upstream sees; the proxy sets
// it to the upstream's own host so the hop stays invisible.
func (c *LMStudioClient) DoStream(ctx context.Context, method, url, host string, header http.Header, body io.Reader) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header
	if host != "" {
		req.Host = host
	}

	return c.Do(req)
}
