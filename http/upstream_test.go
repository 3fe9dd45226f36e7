package http_test

import (
	"bytes"
	"context"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/meigma/spancache"
	cachehttp "github.com/meigma/spancache/http"
)

func rangeServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		nethttp.ServeContent(w, r, "data", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestUpstream_OpenRange(t *testing.T) {
	t.Parallel()

	data := []byte("hello range world")
	server := rangeServer(t, data)
	up := cachehttp.NewUpstream()

	tests := []struct {
		name     string
		position int64
		length   int64
		want     string
	}{
		{
			name:     "bounded range",
			position: 6,
			length:   5,
			want:     "range",
		},
		{
			name:     "from start",
			position: 0,
			length:   5,
			want:     "hello",
		},
		{
			name:     "open ended",
			position: 12,
			length:   spancache.LengthUnset,
			want:     "world",
		},
		{
			name:     "zero length",
			position: 3,
			length:   0,
			want:     "",
		},
		{
			name:     "past end",
			position: 100,
			length:   5,
			want:     "",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rc, err := up.OpenRange(context.Background(), server.URL, tt.position, tt.length)
			if err != nil {
				t.Fatalf("OpenRange() error = %v", err)
			}
			got, err := io.ReadAll(rc)
			if err != nil {
				t.Fatalf("ReadAll() error = %v", err)
			}
			if err := rc.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}
			if string(got) != tt.want {
				t.Fatalf("OpenRange(%d, %d) = %q, want %q", tt.position, tt.length, got, tt.want)
			}
		})
	}
}

func TestUpstream_OpenRangeValidation(t *testing.T) {
	t.Parallel()

	up := cachehttp.NewUpstream()
	if _, err := up.OpenRange(context.Background(), "http://example.com", -1, 5); err == nil {
		t.Fatal("expected error for negative position")
	}
	if _, err := up.OpenRange(context.Background(), "http://example.com", 0, -2); err == nil {
		t.Fatal("expected error for negative length")
	}
}

func TestUpstream_Size(t *testing.T) {
	t.Parallel()

	data := []byte("0123456789")
	server := rangeServer(t, data)
	up := cachehttp.NewUpstream()

	size, err := up.Size(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Size() error = %v", err)
	}
	if size != int64(len(data)) {
		t.Fatalf("Size() = %d, want %d", size, len(data))
	}
}

func TestUpstream_SizeViaRangeProbe(t *testing.T) {
	t.Parallel()

	data := []byte("0123456789")
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method == nethttp.MethodHead {
			w.WriteHeader(nethttp.StatusMethodNotAllowed)
			return
		}
		nethttp.ServeContent(w, r, "data", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)

	size, err := cachehttp.NewUpstream().Size(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Size() error = %v", err)
	}
	if size != int64(len(data)) {
		t.Fatalf("Size() = %d, want %d", size, len(data))
	}
}

func TestUpstream_SendsConfiguredHeaders(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var gotAuth string
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		mu.Unlock()
		nethttp.ServeContent(w, r, "data", time.Time{}, bytes.NewReader([]byte("abc")))
	}))
	t.Cleanup(server.Close)

	up := cachehttp.NewUpstream(cachehttp.WithHeader("Authorization", "Bearer token"))
	rc, err := up.OpenRange(context.Background(), server.URL, 0, 3)
	if err != nil {
		t.Fatalf("OpenRange() error = %v", err)
	}
	if _, err := io.ReadAll(rc); err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	rc.Close()

	mu.Lock()
	defer mu.Unlock()
	if gotAuth != "Bearer token" {
		t.Fatalf("Authorization = %q, want %q", gotAuth, "Bearer token")
	}
}

func TestUpstream_IntegratesWithSource(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte("spancache!"), 100)
	server := rangeServer(t, data)

	cache, err := spancache.New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { cache.Release() })

	src, err := spancache.NewSource(cache, cachehttp.NewUpstream(), spancache.WithMaxFileLength(256))
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}

	rc, err := src.OpenReader(context.Background(), server.URL, 0, spancache.LengthUnset)
	if err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	rc.Close()

	if !bytes.Equal(got, data) {
		t.Fatalf("read %d bytes, want %d", len(got), len(data))
	}
	// The default keyer uses the URI itself as the content key.
	if !cache.IsCached(server.URL, 0, int64(len(data))) {
		t.Fatal("resource not cached after read-through")
	}
}
