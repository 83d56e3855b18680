// File: internal/fetch/compression.go
package fetch

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

// Pooled decoders. Advisory references are mostly small pages fetched in
// bursts, so allocation of decoder state dominates otherwise.
var (
	gzipPool   = sync.Pool{New: func() any { return new(gzip.Reader) }}
	brotliPool = sync.Pool{New: func() any { return brotli.NewReader(nil) }}
)

var emptyReader = strings.NewReader("")

func getGzip(r io.Reader) (*gzip.Reader, error) {
	zr := gzipPool.Get().(*gzip.Reader)
	if err := zr.Reset(r); err != nil {
		gzipPool.Put(zr)
		return nil, err
	}
	return zr, nil
}

func putGzip(zr *gzip.Reader) {
	// Reset against an empty reader drops the reference to the old body.
	_ = zr.Reset(emptyReader)
	gzipPool.Put(zr)
}

func getBrotli(r io.Reader) (*brotli.Reader, error) {
	br := brotliPool.Get().(*brotli.Reader)
	if err := br.Reset(r); err != nil {
		brotliPool.Put(br)
		return nil, err
	}
	return br, nil
}

func putBrotli(br *brotli.Reader) {
	_ = br.Reset(emptyReader)
	brotliPool.Put(br)
}

// decodingTransport negotiates compression and decodes the response body,
// and stamps every request with the configured user agent.
type decodingTransport struct {
	next      http.RoundTripper
	userAgent string
}

func newDecodingTransport(next http.RoundTripper, userAgent string) *decodingTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &decodingTransport{next: next, userAgent: userAgent}
}

func (t *decodingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrippers must not mutate the caller's request.
	req = req.Clone(req.Context())
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "br, gzip, identity")
	}
	if t.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := decodeBody(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	return resp, nil
}

// pooledBody closes the decoder, returns it to its pool and closes the
// underlying body.
type pooledBody struct {
	io.Reader
	decoder io.Closer
	release func()
	body    io.ReadCloser
}

func (b *pooledBody) Close() error {
	var errDecoder error
	if b.decoder != nil {
		errDecoder = b.decoder.Close()
	}
	if b.release != nil {
		b.release()
		b.release = nil
	}
	return errors.Join(errDecoder, b.body.Close())
}

// decodeBody replaces resp.Body with a decoding reader according to
// Content-Encoding. Layers are undone last applied first.
func decodeBody(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}
	encodings := resp.Header.Values("Content-Encoding")
	if len(encodings) == 0 {
		return nil
	}

	for i := len(encodings) - 1; i >= 0; i-- {
		switch enc := strings.ToLower(strings.TrimSpace(encodings[i])); enc {
		case "gzip", "x-gzip":
			zr, err := getGzip(resp.Body)
			if err != nil {
				return fmt.Errorf("gzip: %w", err)
			}
			resp.Body = &pooledBody{Reader: zr, decoder: zr, release: func() { putGzip(zr) }, body: resp.Body}
		case "br":
			br, err := getBrotli(resp.Body)
			if err != nil {
				return fmt.Errorf("brotli: %w", err)
			}
			resp.Body = &pooledBody{Reader: br, release: func() { putBrotli(br) }, body: resp.Body}
		case "identity", "":
		default:
			return fmt.Errorf("unsupported Content-Encoding %q", enc)
		}
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}
