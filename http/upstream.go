// Package http provides an HTTP range-request upstream for spancache.
package http //nolint:revive // intentional naming for domain clarity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strconv"
	"strings"

	"github.com/meigma/spancache"
)

// Upstream fetches resource byte ranges over HTTP. The uri passed to
// OpenRange and Size is the request URL.
type Upstream struct {
	client  *nethttp.Client
	headers nethttp.Header
}

// Option configures an Upstream.
type Option func(*Upstream)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(u *Upstream) {
		u.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(u *Upstream) {
		if headers == nil {
			return
		}
		u.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(u *Upstream) {
		if u.headers == nil {
			u.headers = make(nethttp.Header)
		}
		u.headers.Set(key, value)
	}
}

// NewUpstream creates an Upstream backed by HTTP range requests.
func NewUpstream(opts ...Option) *Upstream {
	u := &Upstream{
		client: nethttp.DefaultClient,
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.client == nil {
		u.client = nethttp.DefaultClient
	}
	return u
}

var (
	_ spancache.Upstream = (*Upstream)(nil)
	_ spancache.Sizer    = (*Upstream)(nil)
)

// OpenRange returns a reader over [position, position+length) of the
// resource at uri. A length of spancache.LengthUnset reads to the end
// of the resource. A range starting at or past the end of the resource
// yields an empty reader. The returned reader must be closed to release
// the underlying HTTP connection.
func (u *Upstream) OpenRange(ctx context.Context, uri string, position, length int64) (io.ReadCloser, error) {
	if position < 0 {
		return nil, fmt.Errorf("open range %d: negative position", position)
	}
	if length < 0 && length != spancache.LengthUnset {
		return nil, fmt.Errorf("open range length %d: negative length", length)
	}
	if length == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	req, err := u.newRequest(ctx, nethttp.MethodGet, uri)
	if err != nil {
		return nil, err
	}
	if length == spancache.LengthUnset {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", position))
	} else {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", position, position+length-1))
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
		// ok
	case nethttp.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return io.NopCloser(bytes.NewReader(nil)), nil
	case nethttp.StatusOK:
		if position > 0 {
			resp.Body.Close()
			return nil, errors.New("range requests not supported")
		}
		// Whole resource from the start; the limit below trims it.
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("range request failed: %s", resp.Status)
	}

	if length == spancache.LengthUnset {
		return resp.Body, nil
	}
	return &rangeReadCloser{
		body:   resp.Body,
		reader: io.LimitReader(resp.Body, length),
	}, nil
}

// Size reports the total length of the resource at uri. It tries a
// HEAD request first and falls back to a one-byte range probe, reading
// the size out of the Content-Range header.
func (u *Upstream) Size(ctx context.Context, uri string) (int64, error) {
	if resp, err := u.doHead(ctx, uri); err == nil {
		size := resp.ContentLength
		ok := resp.StatusCode == nethttp.StatusOK
		resp.Body.Close()
		if ok && size >= 0 {
			return size, nil
		}
	}

	req, err := u.newRequest(ctx, nethttp.MethodGet, uri)
	if err != nil {
		return spancache.LengthUnset, err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := u.client.Do(req)
	if err != nil {
		return spancache.LengthUnset, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain for connection reuse
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
		return parseContentRange(resp.Header.Get("Content-Range"))
	case nethttp.StatusOK:
		if resp.ContentLength >= 0 {
			return resp.ContentLength, nil
		}
		return spancache.LengthUnset, spancache.ErrSizeUnknown
	default:
		return spancache.LengthUnset, fmt.Errorf("size probe failed: %s", resp.Status)
	}
}

// doHead performs a HEAD request to retrieve metadata without body content.
func (u *Upstream) doHead(ctx context.Context, uri string) (*nethttp.Response, error) {
	req, err := u.newRequest(ctx, nethttp.MethodHead, uri)
	if err != nil {
		return nil, err
	}
	return u.client.Do(req)
}

// newRequest creates an HTTP request with configured headers.
func (u *Upstream) newRequest(ctx context.Context, method, uri string) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(ctx, method, uri, nethttp.NoBody)
	if err != nil {
		return nil, err
	}
	for key, values := range u.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	return req, nil
}

// rangeReadCloser wraps an HTTP response body with a limit reader.
// It drains the body on close to enable connection reuse.
type rangeReadCloser struct {
	body   io.ReadCloser
	reader io.Reader
}

// Read reads from the underlying limit reader.
func (r *rangeReadCloser) Read(p []byte) (int, error) {
	return r.reader.Read(p)
}

// Close drains and closes the underlying response body.
func (r *rangeReadCloser) Close() error {
	_, _ = io.Copy(io.Discard, r.body) //nolint:errcheck // best-effort drain for connection reuse
	return r.body.Close()
}

// parseContentRange extracts the total size from a Content-Range header value.
// It expects the format "bytes start-end/size" and returns the size portion.
func parseContentRange(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	parts := strings.SplitN(strings.TrimPrefix(value, "bytes "), "/", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	if parts[1] == "*" {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	if size < 0 {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	return size, nil
}
