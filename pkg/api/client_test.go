package api

import (
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/tvclient/pkg/connection"
)

// newTestClient builds a client bound to the test server with sleeps
// recorded instead of slept.
func newTestClient(t *testing.T, serverURL string, opts ...Option) (*Client, *[]time.Duration) {
	t.Helper()

	c := New(NewDevice("test-device", "test-client-id"), opts...)
	c.SetEndpoint(&connection.Endpoint{BaseURL: serverURL, AccessToken: "test-token"})

	var mu sync.Mutex
	delays := &[]time.Duration{}
	c.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		*delays = append(*delays, d)
		mu.Unlock()
		return nil
	}
	return c, delays
}

func TestDo_Success(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	c, delays := newTestClient(t, server.URL)
	err := c.Do(context.Background(), RequestSpec{Path: "/identity"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), attempts.Load())
	assert.Empty(t, *delays)
}

func TestDo_IdentificationHeaders(t *testing.T) {
	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL)
	require.NoError(t, c.Do(context.Background(), RequestSpec{Path: "/identity", RequiresAuth: true}))

	assert.Equal(t, "tvclient", got.Get(HeaderProduct))
	assert.Equal(t, "test-client-id", got.Get(HeaderClientIdentifier))
	assert.Equal(t, "test-device", got.Get(HeaderDeviceName))
	assert.Equal(t, "test-token", got.Get(HeaderToken))
	assert.Contains(t, got.Get(headerAcceptEncoding), "gzip")
	assert.Contains(t, got.Get(headerAcceptEncoding), "br")
	assert.Contains(t, got.Get(headerUserAgent), "tvclient/")
}

func TestDo_RetriesWithExponentialBackoff(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.MaxAttempts = 4
	c, delays := newTestClient(t, server.URL, WithConfig(cfg))

	err := c.Do(context.Background(), RequestSpec{Path: "/identity"})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindServerError))
	assert.Equal(t, int32(4), attempts.Load())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, *delays)
}

func TestBackoffDelay_Capped(t *testing.T) {
	c := New(NewDevice("d", "id"))
	expected := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 16 * time.Second, 16 * time.Second,
	}
	for i, want := range expected {
		assert.Equal(t, want, c.backoffDelay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, 16*time.Second, c.backoffDelay(40))
}

func TestDo_UnauthorizedNotRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c, delays := newTestClient(t, server.URL)
	err := c.Do(context.Background(), RequestSpec{Path: "/identity"})
	assert.True(t, IsKind(err, KindUnauthorized))
	assert.Equal(t, int32(1), attempts.Load())
	assert.Empty(t, *delays)
}

func TestDo_NotFoundNotRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL)
	err := c.Do(context.Background(), RequestSpec{Path: "/missing"})
	assert.True(t, IsKind(err, KindNotFound))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestRequest_DecodingErrorNotRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL)
	_, err := Request[map[string]any](context.Background(), c, RequestSpec{Path: "/identity"})
	assert.True(t, IsKind(err, KindDecodingError))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestRequest_EmptyBodyIsNoData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL)
	_, err := Request[map[string]any](context.Background(), c, RequestSpec{Path: "/identity"})
	assert.True(t, IsKind(err, KindNoData))
}

func TestDo_LocalUnauthorizedWithoutToken(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL)
	c.SetEndpoint(&connection.Endpoint{BaseURL: server.URL})

	err := c.Do(context.Background(), RequestSpec{Path: "/library/sections", RequiresAuth: true})
	assert.True(t, IsKind(err, KindUnauthorized))
	// Rejected locally, no request made.
	assert.Equal(t, int32(0), attempts.Load())
}

func TestDo_NoEndpoint(t *testing.T) {
	c := New(NewDevice("d", "id"))
	err := c.Do(context.Background(), RequestSpec{Path: "/identity"})
	assert.True(t, IsKind(err, KindInvalidURL))
	assert.ErrorIs(t, err, ErrNoEndpoint)
}

func TestDo_TransportErrorIsNotReachable(t *testing.T) {
	c, delays := newTestClient(t, "http://127.0.0.1:1")

	err := c.Do(context.Background(), RequestSpec{Path: "/identity"})
	assert.True(t, IsKind(err, KindNotReachable))
	// All attempts were spent trying.
	assert.Len(t, *delays, DefaultMaxAttempts-1)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL)
	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	err := c.Do(ctx, RequestSpec{Path: "/identity"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDo_GzipDecompression(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gw := gzip.NewWriter(w)
		gw.Write([]byte(`{"value":42}`))
		gw.Close()
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL)
	out, err := Request[map[string]int](context.Background(), c, RequestSpec{Path: "/identity"})
	require.NoError(t, err)
	assert.Equal(t, 42, out["value"])
}

func TestSetEndpoint_DropsCache(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Write([]byte(`{"MediaContainer":{"size":0}}`))
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL)
	_, err := c.Sections(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), attempts.Load())

	// Re-binding (even to the same server) invalidates everything.
	c.SetEndpoint(&connection.Endpoint{BaseURL: server.URL, AccessToken: "test-token"})
	_, err = c.Sections(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestProbe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ok" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := New(NewDevice("d", "id"))
	assert.NoError(t, c.Probe(context.Background(), server.URL+"/ok"))

	err := c.Probe(context.Background(), server.URL+"/gone")
	assert.True(t, IsKind(err, KindNotFound))
}

func TestCheckServer(t *testing.T) {
	var gotPath, gotToken string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.Header.Get(HeaderToken)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(NewDevice("d", "id"))
	require.NoError(t, c.CheckServer(context.Background(), server.URL, "probe-token"))
	assert.Equal(t, "/identity", gotPath)
	assert.Equal(t, "probe-token", gotToken)

	assert.Error(t, c.CheckServer(context.Background(), "http://127.0.0.1:1", "tok"))
}
