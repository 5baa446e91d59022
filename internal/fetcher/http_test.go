package fetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/mf-intel/internal/resilience"
)

func newTestFetcher() *HTTPFetcher {
	return NewHTTPFetcher(HTTPOptions{
		UserAgent:   "test-agent",
		Timeout:     5 * time.Second,
		Headers:     map[string]string{"X-App-Token": "tok"},
		DefaultRate: 1000,
	})
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "tok", r.Header.Get("X-App-Token"))
		_, _ = w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	body, err := newTestFetcher().Download(context.Background(), srv.URL+"/data")
	require.NoError(t, err)
	defer body.Close() //nolint:errcheck

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestDownload_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusNotFound, false},
		{http.StatusForbidden, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := newTestFetcher().Download(context.Background(), srv.URL)
			require.Error(t, err)
			assert.Equal(t, tt.transient, resilience.IsTransient(err))

			var te *resilience.TransientError
			if tt.transient {
				require.True(t, errors.As(err, &te))
				assert.Equal(t, tt.status, te.StatusCode)
			}
		})
	}
}

func TestDownload_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := srv.URL
	srv.Close()

	_, err := newTestFetcher().Download(context.Background(), addr)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestDownload_RateLimitSlowsHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newTestFetcher()
	_, _ = f.Download(context.Background(), srv.URL)

	u, _ := url.Parse(srv.URL)
	assert.Equal(t, rate.Limit(500), f.limiterFor(u.Host).Limit())
}

func TestAdaptiveLimiter_Bounds(t *testing.T) {
	a := NewAdaptiveLimiter(10, 10)
	for range 10 {
		a.OnRateLimit()
	}
	assert.Equal(t, rate.Limit(2.5), a.Limit())
	for range 20 {
		a.OnSuccess()
	}
	assert.Equal(t, rate.Limit(20), a.Limit())
}

func TestMux_Routes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("remote"))
	}))
	defer srv.Close()

	local := filepath.Join(t.TempDir(), "export.csv")
	require.NoError(t, os.WriteFile(local, []byte("local"), 0o644))

	m := &Mux{HTTP: newTestFetcher()}
	for loc, want := range map[string]string{srv.URL: "remote", local: "local", "file://" + local: "local"} {
		body, err := m.Download(context.Background(), loc)
		require.NoError(t, err, loc)
		data, _ := io.ReadAll(body)
		_ = body.Close()
		assert.Equal(t, want, string(data))
	}

	_, err := m.Download(context.Background(), "ftp://ftp.vendor.com/x.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no ftp fetcher")

	_, err = m.Download(context.Background(), "s3://bucket/key")
	assert.Error(t, err)
}
