// Package client provides the shared upstream HTTP client.
package client

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"markproxy/internal/config"
	"markproxy/internal/metrics"
	"markproxy/internal/model"
)

// UpstreamClient sends requests to upstream origins over one process-wide
// connection pool. It holds no per-request state and is safe for concurrent use.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	// Only the wait for the response head is bounded. A relayed body may
	// stream for as long as the inbound request context stays alive.
	transport.ResponseHeaderTimeout = time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			// Redirects are relayed to the client, never followed here.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body. Cancellation of the
// request context aborts the upstream exchange, including the body stream.
func (c *UpstreamClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
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
