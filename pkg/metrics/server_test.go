package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	server := NewServer("8080", logr.Discard())

	assert.NotNil(t, server)
	assert.NotNil(t, server.server)
	assert.Equal(t, ":8080", server.server.Addr)
}

func TestServerStartStop(t *testing.T) {
	server := NewServer("0", logr.Discard())
	server.StartAsync()
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, server.Stop(ctx))
}

func TestServerMetricsEndpoint(t *testing.T) {
	server := NewServer("9999", logr.Discard())
	server.StartAsync()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Stop(ctx)
	}()
	time.Sleep(200 * time.Millisecond)

	resp, err := http.Get("http://localhost:9999/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	bodyStr := string(body)
	assert.Contains(t, bodyStr, "# HELP")
	assert.Contains(t, bodyStr, "# TYPE")
}

func TestServerHealthzEndpoint(t *testing.T) {
	server := NewServer("9998", logr.Discard())
	server.StartAsync()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Stop(ctx)
	}()
	time.Sleep(200 * time.Millisecond)

	resp, err := http.Get("http://localhost:9998/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "OK", string(body))
}

func TestServerWithCustomMetricsVisibleOnEndpoint(t *testing.T) {
	RecordDispatch("test_success")
	RecordExecuted("test_integration_provider", 100*time.Millisecond)

	server := NewServer("9994", logr.Discard())
	server.StartAsync()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Stop(ctx)
	}()
	time.Sleep(200 * time.Millisecond)

	resp, err := http.Get("http://localhost:9994/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	bodyStr := string(body)

	assert.Contains(t, bodyStr, "gateway_dispatched_total")
	assert.Contains(t, bodyStr, `gateway_executed_total{provider="test_integration_provider"}`)
}
