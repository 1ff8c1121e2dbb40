package rewrite

import (
	"bytes"
	"errors"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const plainBody = "<p>Hello wobble wobble</p>"

func gzipBytes(t *testing.T, src []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(src)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func zlibBytes(t *testing.T, src []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(src)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func flateBytes(t *testing.T, src []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = w.Write(src)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func brotliBytes(t *testing.T, src []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	_, err := w.Write(src)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func zstdBytes(t *testing.T, src []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	out := enc.EncodeAll(src, nil)
	require.NoError(t, enc.Close())
	return out
}

func TestDecode(t *testing.T) {
	src := []byte(plainBody)

	tests := []struct {
		name     string
		encoding string
		body     []byte
	}{
		{"none", "", src},
		{"identity", "identity", src},
		{"gzip", "gzip", gzipBytes(t, src)},
		{"x-gzip upper case", "X-GZIP", gzipBytes(t, src)},
		{"deflate zlib", "deflate", zlibBytes(t, src)},
		{"deflate raw", "deflate", flateBytes(t, src)},
		{"brotli", "br", brotliBytes(t, src)},
		{"zstd", "zstd", zstdBytes(t, src)},
		{"stacked codings", "gzip, br", brotliBytes(t, gzipBytes(t, src))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.body, tt.encoding, 1<<20)
			require.NoError(t, err)
			assert.Equal(t, plainBody, string(got))
		})
	}
}

func TestDecode_Unsupported(t *testing.T) {
	_, err := Decode([]byte("x"), "compress", 0)
	assert.ErrorIs(t, err, ErrUnsupportedEncoding)
}

func TestDecode_Corrupt(t *testing.T) {
	_, err := Decode([]byte("definitely not gzip"), "gzip", 0)
	assert.Error(t, err)
}

func TestDecode_Limit(t *testing.T) {
	big := bytes.Repeat([]byte("a"), 4096)
	_, err := Decode(gzipBytes(t, big), "gzip", 1024)
	assert.ErrorIs(t, err, ErrDecodedTooLarge)

	got, err := Decode(gzipBytes(t, big), "gzip", 4096)
	require.NoError(t, err)
	assert.Len(t, got, 4096)
}

func TestRewriter_DecodeWrapsError(t *testing.T) {
	rw := newTestRewriter(t, true)

	_, err := rw.Decode([]byte("x"), "compress")
	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "decode", rerr.Op)
	assert.ErrorIs(t, err, ErrUnsupportedEncoding)
}
