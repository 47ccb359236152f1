package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPFetcher_FetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><body>ok</body></html>`))
	}))
	defer srv.Close()

	f := New(HTTPConfig{Timeout: 2 * time.Second})
	content, err := f.Fetch(context.Background(), srv.URL, Options{MaxRetries: 2})
	require.NoError(t, err)
	assert.Equal(t, 200, content.StatusCode)
	assert.Contains(t, content.HTML, "ok")
}

func TestHTTPFetcher_ExhaustsRetriesOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(HTTPConfig{Timeout: 2 * time.Second})
	_, err := f.Fetch(context.Background(), srv.URL, Options{MaxRetries: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFetchExhausted)
}

func TestHTTPFetcher_ForcedEncoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body>plain</body></html>`))
	}))
	defer srv.Close()

	f := New(HTTPConfig{Timeout: 2 * time.Second})
	content, err := f.Fetch(context.Background(), srv.URL, Options{MaxRetries: 1, Encoding: "utf-8"})
	require.NoError(t, err)
	assert.Contains(t, content.HTML, "plain")
}
