package api

import (
	"context"

	"github.com/core-tools/hsu-devportal-go/pkg/control"
	"github.com/core-tools/hsu-devportal-go/pkg/registry"
	"github.com/core-tools/hsu-devportal-go/pkg/status"
)

// Backend is the four-operation boundary plus the composite health map.
// The in-process portal and the HTTP Client both implement it.
type Backend interface {
	ListServices(ctx context.Context) ([]registry.ServiceDescriptor, error)
	GetServiceStatus(ctx context.Context) ([]status.ServiceStatus, error)
	GetPortStatus(ctx context.Context) ([]status.PortStatus, error)
	GetHealth(ctx context.Context) (map[string]bool, error)
	// Control reports the outcome in the Result; the error is reserved for
	// failures to reach the control plane at all.
	Control(ctx context.Context, req control.Request) (control.Result, error)
}

const RequestIDHeader = "X-Request-ID"

// ErrorResponse is the body of every non-control error reply.
type ErrorResponse struct {
	Success bool              `json:"success"`
	Error   string            `json:"error"`
	Context map[string]string `json:"context,omitempty"`
}

// HealthzResponse reports control plane liveness, not service health.
type HealthzResponse struct {
	Status   string `json:"status"`
	Services int    `json:"services"`
	Uptime   string `json:"uptime"`
}
