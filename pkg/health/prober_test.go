package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

func TestProbe_HTTP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/":
			http.Redirect(w, r, "/login", http.StatusTemporaryRedirect)
		case "/login":
			w.WriteHeader(http.StatusOK)
		case "/redirect":
			http.Redirect(w, r, "/broken", http.StatusFound)
		case "/loop":
			http.Redirect(w, r, "/loop", http.StatusFound)
		case "/slow":
			time.Sleep(500 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	p := NewProber(nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		path     string
		timeout  time.Duration
		expected bool
	}{
		{"2xx is healthy", "/health", time.Second, true},
		{"5xx is unhealthy", "/broken", time.Second, false},
		{"redirect to 2xx is healthy", "/", time.Second, true},
		{"redirect to 5xx is unhealthy", "/redirect", time.Second, false},
		{"redirect loop is unhealthy", "/loop", time.Second, false},
		{"timeout is unhealthy", "/slow", 50 * time.Millisecond, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, p.Probe(ctx, server.URL+tt.path, tt.timeout))
		})
	}
}

func TestProbe_ConnectionRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	p := NewProber(nil)
	assert.False(t, p.Probe(context.Background(), "http://"+addr+"/health", time.Second))
	assert.False(t, p.Probe(context.Background(), "tcp://"+addr, time.Second))
	assert.False(t, p.Probe(context.Background(), "grpc://"+addr, 200*time.Millisecond))
}

func TestProbe_TCP(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	assert.True(t, NewProber(nil).Probe(context.Background(), "tcp://"+listener.Addr().String(), time.Second))
}

func TestProbe_GRPC(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	healthServer := grpchealth.NewServer()
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("practice.Api", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	server := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	go server.Serve(listener)
	defer server.Stop()

	p := NewProber(nil)
	addr := listener.Addr().String()

	assert.True(t, p.Probe(context.Background(), "grpc://"+addr, time.Second))
	assert.False(t, p.Probe(context.Background(), "grpc://"+addr+"/practice.Api", time.Second))
	assert.False(t, p.Probe(context.Background(), "grpc://"+addr+"/unknown.Service", time.Second))
}

func TestProbe_InvalidURL(t *testing.T) {
	p := NewProber(nil)
	assert.False(t, p.Probe(context.Background(), "not a url", time.Second))
	assert.False(t, p.Probe(context.Background(), "ftp://localhost:21", time.Second))
}
