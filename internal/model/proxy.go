// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// ProxyRequest represents a client request to be forwarded upstream.
// It is borrowed from the inbound server for the duration of one request.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	// Body is nil or http.NoBody when the inbound request carries no body.
	Body          io.ReadCloser
	ContentLength int64
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// MediaType returns the lower-cased MIME type and its charset parameter.
// A missing or malformed Content-Type yields empty strings.
func (r *ProxyResponse) MediaType() (mediaType, charset string) {
	return ParseContentType(r.Header.Get("Content-Type"))
}

// ParseContentType splits a Content-Type value into MIME type and charset.
func ParseContentType(v string) (mediaType, charset string) {
	if v == "" {
		return "", ""
	}
	mt, params, err := mime.ParseMediaType(v)
	if err != nil {
		// Tolerate junk parameters; the type itself is still useful.
		mt, _, _ = strings.Cut(v, ";")
		return strings.ToLower(strings.TrimSpace(mt)), ""
	}
	return mt, params["charset"]
}

// HopByHopHeaders are headers that apply to a single transport-level
// connection and are never forwarded by a proxy.
var HopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopByHop deletes hop-by-hop headers from h, including any header
// named in the Connection header value (RFC 7230 §6.1).
func RemoveHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for name := range strings.SplitSeq(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range HopByHopHeaders {
		h.Del(name)
	}
}
