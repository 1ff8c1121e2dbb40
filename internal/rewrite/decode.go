package rewrite

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

var (
	// ErrUnsupportedEncoding is returned for a Content-Encoding the proxy cannot undo.
	ErrUnsupportedEncoding = errors.New("unsupported content encoding")
	// ErrDecodedTooLarge is returned when a decoded body exceeds the size limit.
	ErrDecodedTooLarge = errors.New("decoded body exceeds limit")
)

// Decode undoes the Content-Encoding codings applied to body, last coding
// first, and returns the identity bytes. A limit above zero caps the size of
// the decoded output.
func Decode(body []byte, contentEncoding string, limit int64) ([]byte, error) {
	codings := parseCodings(contentEncoding)
	for i := len(codings) - 1; i >= 0; i-- {
		var err error
		body, err = decodeOne(body, codings[i], limit)
		if err != nil {
			return nil, err
		}
	}
	return body, nil
}

func parseCodings(v string) []string {
	var out []string
	for c := range strings.SplitSeq(v, ",") {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" && c != "identity" {
			out = append(out, c)
		}
	}
	return out
}

func decodeOne(body []byte, coding string, limit int64) ([]byte, error) {
	var (
		r   io.Reader
		err error
	)
	switch coding {
	case "gzip", "x-gzip":
		var zr *gzip.Reader
		zr, err = gzip.NewReader(bytes.NewReader(body))
		if err == nil {
			defer func() { _ = zr.Close() }()
			r = zr
		}
	case "deflate":
		r, err = newDeflateReader(body)
	case "br":
		r = brotli.NewReader(bytes.NewReader(body))
	case "zstd":
		var zr *zstd.Decoder
		zr, err = zstd.NewReader(bytes.NewReader(body), zstd.WithDecoderConcurrency(1))
		if err == nil {
			defer zr.Close()
			r = zr
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, coding)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s reader: %w", coding, err)
	}

	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", coding, err)
	}
	if limit > 0 && int64(len(out)) > limit {
		return nil, ErrDecodedTooLarge
	}
	return out, nil
}

// newDeflateReader accepts both zlib-wrapped deflate (RFC 1950) and the raw
// deflate stream some servers send instead.
func newDeflateReader(body []byte) (io.Reader, error) {
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err == nil {
		return zr, nil
	}
	return flate.NewReader(bytes.NewReader(body)), nil
}
