// Package service implements the core proxy forwarding logic.
package service

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"markproxy/internal/client"
	"markproxy/internal/model"
)

// bodylessMethods never carry a request body upstream, whatever the client sent.
var bodylessMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodHead:   true,
	http.MethodDelete: true,
	http.MethodTrace:  true,
}

// standardMethods are canonicalised case-insensitively; anything else is sent
// as the literal verb the client used.
var standardMethods = []string{
	http.MethodGet,
	http.MethodHead,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
	http.MethodConnect,
	http.MethodOptions,
	http.MethodTrace,
}

// contentHeaders describe an entity body and travel only with one.
var contentHeaders = map[string]bool{
	"Allow":         true,
	"Expires":       true,
	"Last-Modified": true,
}

// ProxyService builds outbound requests and sends them over the shared client.
type ProxyService struct {
	client *client.UpstreamClient
	logger *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.UpstreamClient, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client: c,
		logger: logger.With("component", "proxy_service"),
	}
}

// Forward sends a ProxyRequest to the resolved target and returns the response.
// The caller is responsible for closing the response body.
//
// The inbound context is attached to the outbound request, so a client
// disconnect aborts the upstream exchange.
func (s *ProxyService) Forward(pr *model.ProxyRequest, target *url.URL) (*model.ProxyResponse, error) {
	req, err := s.buildRequest(pr, target)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("forwarding request",
		"method", req.Method,
		"path", pr.Path,
		"target", target.String(),
		"body", req.Body != nil,
	)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward to %s: %w", target.Host, err)
	}
	return resp, nil
}

func (s *ProxyService) buildRequest(pr *model.ProxyRequest, target *url.URL) (*http.Request, error) {
	method := outboundMethod(pr.Method)

	var body io.Reader
	if hasBody(method, pr.Body) {
		body = pr.Body
	}

	req, err := http.NewRequestWithContext(pr.Ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	req.Header = copyRequestHeaders(pr.Header, body != nil)
	req.Host = target.Host
	if body != nil {
		// -1 (unknown) makes the transport stream the body chunked.
		req.ContentLength = pr.ContentLength
		if req.ContentLength == 0 {
			req.ContentLength = -1
		}
	}
	return req, nil
}

// outboundMethod maps the inbound verb onto the standard HTTP method set.
func outboundMethod(method string) string {
	for _, m := range standardMethods {
		if strings.EqualFold(method, m) {
			return m
		}
	}
	return method
}

func hasBody(method string, body io.ReadCloser) bool {
	if bodylessMethods[method] {
		return false
	}
	return body != nil && body != http.NoBody
}

// copyRequestHeaders clones the inbound headers for the outbound request.
// Hop-by-hop headers are dropped; content headers are dropped when no body is
// attached. Content-Length is always dropped: the transport frames the body.
func copyRequestHeaders(src http.Header, withBody bool) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	model.RemoveHopByHop(dst)
	dst.Del("Host")
	dst.Del("Content-Length")

	if !withBody {
		for key := range dst {
			if isContentHeader(key) {
				delete(dst, key)
			}
		}
	}
	return dst
}

func isContentHeader(key string) bool {
	key = http.CanonicalHeaderKey(key)
	return strings.HasPrefix(key, "Content-") || contentHeaders[key]
}
