package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/core-tools/hsu-devportal-go/pkg/control"
	"github.com/core-tools/hsu-devportal-go/pkg/errors"
	"github.com/core-tools/hsu-devportal-go/pkg/registry"
	"github.com/core-tools/hsu-devportal-go/pkg/status"

	"github.com/google/uuid"
)

// Client talks to a running control plane over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ Backend = (*Client)(nil)

// NewClient accepts the same address forms as ParseAddress.
func NewClient(address string) (*Client, error) {
	config, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	transport, baseURL := newHTTPTransport(config)
	return &Client{
		baseURL:    baseURL,
		// bounded by the caller's context and the server's write timeout
		httpClient: &http.Client{Transport: transport},
	}, nil
}

func (c *Client) ListServices(ctx context.Context) ([]registry.ServiceDescriptor, error) {
	var services []registry.ServiceDescriptor
	err := c.get(ctx, "/api/v1/services", &services)
	return services, err
}

func (c *Client) GetServiceStatus(ctx context.Context) ([]status.ServiceStatus, error) {
	var statuses []status.ServiceStatus
	err := c.get(ctx, "/api/v1/status", &statuses)
	return statuses, err
}

func (c *Client) GetPortStatus(ctx context.Context) ([]status.PortStatus, error) {
	var ports []status.PortStatus
	err := c.get(ctx, "/api/v1/ports", &ports)
	return ports, err
}

func (c *Client) GetHealth(ctx context.Context) (map[string]bool, error) {
	var healthMap map[string]bool
	err := c.get(ctx, "/api/v1/health", &healthMap)
	return healthMap, err
}

func (c *Client) Control(ctx context.Context, req control.Request) (control.Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return control.Result{}, errors.NewInternalError("failed to encode control request", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/v1/control", body)
	if err != nil {
		return control.Result{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return control.Result{}, errors.NewNetworkError("failed to read control response", err)
	}

	// Control failures still carry a Result; anything else is a transport
	// level error.
	var result control.Result
	if jsonErr := json.Unmarshal(data, &result); jsonErr == nil && result.RequestID != "" {
		return result, nil
	}
	return control.Result{}, responseError(resp.StatusCode, data)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.NewNetworkError("failed to read response", err).WithContext("path", path)
	}
	if resp.StatusCode != http.StatusOK {
		return responseError(resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.NewInternalError("failed to decode response", err).WithContext("path", path)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, errors.NewInternalError("failed to build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(RequestIDHeader, uuid.New().String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.NewNetworkError("control plane unreachable", err).WithContext("url", c.baseURL)
	}
	return resp, nil
}

func responseError(statusCode int, data []byte) error {
	var response ErrorResponse
	message := fmt.Sprintf("unexpected status %d", statusCode)
	if err := json.Unmarshal(data, &response); err == nil && response.Error != "" {
		message = response.Error
		if details := response.Context["details"]; details != "" {
			message += ": " + details
		}
	}

	var err *errors.DomainError
	switch statusCode {
	case http.StatusBadRequest:
		err = errors.NewValidationError(message, nil)
	case http.StatusNotFound:
		err = errors.NewNotFoundError(message, nil)
	case http.StatusServiceUnavailable:
		err = errors.NewUnavailableError(message, nil)
	case http.StatusGatewayTimeout:
		err = errors.NewTimeoutError(message, nil)
	default:
		err = errors.NewInternalError(message, nil)
	}
	return err.WithContext("status", statusCode)
}
