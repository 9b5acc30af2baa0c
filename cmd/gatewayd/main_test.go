package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func portOf(url string) string {
	parts := strings.TrimPrefix(url, "http://")
	return parts[strings.LastIndex(parts, ":"):]
}

func TestRunHealthCheck_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	err := runHealthCheck(portOf(srv.URL))
	require.NoError(t, err)
}

func TestRunHealthCheck_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := runHealthCheck(portOf(srv.URL))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health check returned status 503")
}

func TestRunHealthCheck_ConnectionError(t *testing.T) {
	// Use a port that is almost certainly not listening.
	err := runHealthCheck(":19") // chargen port, unlikely to be in use
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health check request failed")
}

func TestRunHealthCheck_InvalidJSON(t *testing.T) {
	// runHealthCheck only checks the status code, so an invalid body still succeeds.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("this is not valid json at all {{{"))
	}))
	defer srv.Close()

	err := runHealthCheck(portOf(srv.URL))
	require.NoError(t, err, "health check should succeed even with invalid JSON body")
}

func TestRunHealthCheck_SlowServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := runHealthCheck(portOf(srv.URL))
	require.NoError(t, err, "slow server should still succeed when it eventually responds")
}

func TestRunHealthCheck_SlowServer_Closed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	port := portOf(srv.URL)
	srv.Close()

	err := runHealthCheck(port)
	require.Error(t, err, "health check should fail when server is closed")
	assert.Contains(t, err.Error(), "health check request failed")
}

func TestVersionDefault(t *testing.T) {
	assert.Equal(t, "dev", version, "version should default to 'dev' when not set via ldflags")
}

func TestRunHealthCheck_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := runHealthCheck(portOf(srv.URL))
	require.NoError(t, err, "health check should succeed with empty body as long as status is 200")
}

func TestRunHealthCheck_PlainTextBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}))
	defer srv.Close()

	err := runHealthCheck(portOf(srv.URL))
	require.NoError(t, err, "health check should succeed with plain text body")
}

func TestRunHealthCheck_VariousErrorCodes(t *testing.T) {
	codes := []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusInternalServerError,
		http.StatusBadGateway,
	}

	for _, code := range codes {
		code := code
		t.Run(http.StatusText(code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(code)
			}))
			defer srv.Close()

			err := runHealthCheck(portOf(srv.URL))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "health check returned status")
		})
	}
}
