package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"

	"markproxy/internal/metrics"
	"markproxy/internal/middleware"
	"markproxy/internal/model"
	"markproxy/internal/rewrite"
	"markproxy/internal/service"
	"markproxy/internal/target"
)

// Fallthrough reasons recorded in markproxy_fallthroughs_total.
const (
	reasonNoTarget      = "no_target"
	reasonInvalidTarget = "invalid_target"
	reasonCanceled      = "canceled"
	reasonTimeout       = "timeout"
	reasonDNS           = "dns"
	reasonConnect       = "connect"
	reasonOther         = "other"
)

// ProxyHandler forwards proxy-bound requests upstream and relays the
// (possibly rewritten) response. Requests it cannot serve are handed to the
// next handler unchanged.
type ProxyHandler struct {
	resolver *target.Resolver
	service  *service.ProxyService
	rewriter *rewrite.Rewriter
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter may be nil.
func NewProxyHandler(
	resolver *target.Resolver,
	svc *service.ProxyService,
	rw *rewrite.Rewriter,
	m *metrics.Metrics,
	logger *slog.Logger,
) *ProxyHandler {
	return &ProxyHandler{
		resolver: resolver,
		service:  svc,
		rewriter: rw,
		metrics:  m,
		logger:   logger.With("component", "proxy_handler"),
	}
}

// Middleware wraps next with the proxy. next runs only when the request is not
// proxy-bound or the upstream could not be reached.
func (h *ProxyHandler) Middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()

		targetURL, err := h.resolver.Resolve(req.URL.EscapedPath(), req.URL.RawQuery)
		if err != nil {
			reason := reasonNoTarget
			if errors.Is(err, target.ErrInvalidTarget) {
				reason = reasonInvalidTarget
				h.logger.Warn("invalid target", "err", err, "path", req.URL.Path)
			}
			h.countFallthrough(reason)
			return next(c)
		}

		pr := &model.ProxyRequest{
			Ctx:           req.Context(),
			Method:        req.Method,
			Path:          req.URL.Path,
			Query:         req.URL.Query(),
			Header:        req.Header,
			Body:          req.Body,
			ContentLength: req.ContentLength,
		}

		resp, err := h.service.Forward(pr, targetURL)
		if err != nil {
			reason := fallthroughReason(err)
			h.logger.Warn("upstream unreachable, falling through",
				"err", err,
				"target", targetURL.String(),
				"reason", reason,
			)
			h.countFallthrough(reason)
			return next(c)
		}
		defer func() { _ = resp.Body.Close() }()

		c.Set(middleware.TargetKey, targetURL.String())
		h.relay(c, resp)
		return nil
	}
}

// relay writes the upstream response to the client. The body transform is
// decided before any header is written so that header corrections can
// depend on it.
func (h *ProxyHandler) relay(c echo.Context, resp *model.ProxyResponse) {
	req := c.Request()

	header := resp.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	model.RemoveHopByHop(header)
	for _, key := range []string{"Location", "Content-Location"} {
		if v := header.Get(key); v != "" {
			header.Set(key, h.rewriter.RewriteOrigins(v))
		}
	}

	body, outcome := h.prepareBody(req, resp, header)

	dst := c.Response().Header()
	for key, vals := range header {
		dst[key] = vals
	}
	// The body may have changed length, and framing is ours to choose.
	dst.Del("Content-Length")
	dst.Del("Transfer-Encoding")

	c.Response().WriteHeader(resp.StatusCode)

	if req.Method != http.MethodHead {
		// Status is already sent; a copy error leaves the client with a
		// truncated body, which is all that can be done here.
		if _, err := io.Copy(c.Response(), body); err != nil {
			h.logger.Error("streaming response body",
				"err", err,
				"path", req.URL.Path,
			)
		}
	}

	if h.metrics != nil {
		h.metrics.RewritesTotal.WithLabelValues(outcome).Inc()
	}
}

// prepareBody returns the body to send and the rewrite outcome. On a
// successful rewrite the encoding and content-type headers are corrected in
// place.
func (h *ProxyHandler) prepareBody(req *http.Request, resp *model.ProxyResponse, header http.Header) (io.Reader, string) {
	contentType := header.Get("Content-Type")
	if req.Method == http.MethodHead || !rewrite.Rewritable(contentType) {
		return resp.Body, metrics.RewritePassthrough
	}

	limit := h.rewriter.MaxBodyBytes()
	buf, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		h.logger.Warn("reading upstream body", "err", err, "path", req.URL.Path)
		return bytes.NewReader(buf), metrics.RewriteFailed
	}
	if int64(len(buf)) > limit {
		h.logger.Debug("body too large to rewrite", "path", req.URL.Path, "limit", limit)
		return io.MultiReader(bytes.NewReader(buf), resp.Body), metrics.RewriteOversize
	}
	if len(buf) == 0 {
		return bytes.NewReader(nil), metrics.RewritePassthrough
	}

	decoded, err := h.rewriter.Decode(buf, header.Get("Content-Encoding"))
	if err != nil {
		h.logger.Warn("rewrite skipped", "err", err, "path", req.URL.Path)
		return bytes.NewReader(buf), metrics.RewriteFailed
	}
	out, err := h.rewriter.Rewrite(decoded, contentType)
	if err != nil {
		h.logger.Warn("rewrite skipped", "err", err, "path", req.URL.Path)
		return bytes.NewReader(buf), metrics.RewriteFailed
	}

	mediaType, _ := model.ParseContentType(contentType)
	header.Del("Content-Encoding")
	header.Set("Content-Type", mediaType+"; charset=utf-8")
	return bytes.NewReader(out), metrics.RewriteRewritten
}

func (h *ProxyHandler) countFallthrough(reason string) {
	if h.metrics != nil {
		h.metrics.FallthroughsTotal.WithLabelValues(reason).Inc()
	}
}

// fallthroughReason classifies a forwarding failure for logs and metrics.
func fallthroughReason(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return reasonCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return reasonTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return reasonDNS
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return reasonTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return reasonConnect
	}
	return reasonOther
}
