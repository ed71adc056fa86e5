package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/core-tools/hsu-devportal-go/pkg/errors"
)

type TransportType string

const (
	TransportTCP TransportType = "tcp"
	TransportUDS TransportType = "uds"
)

// TransportConfig describes where the control plane listens.
type TransportConfig struct {
	TransportType TransportType

	// TCP address (host:port)
	TCPAddress string

	// Unix domain socket path
	SocketPath string

	// Unix socket file permissions
	FileMode os.FileMode
}

// ParseAddress accepts "host:port", "tcp://host:port", "http://host:port"
// and "unix:///path/to.sock".
func ParseAddress(address string) (TransportConfig, error) {
	address = strings.TrimSpace(address)
	switch {
	case address == "":
		return TransportConfig{}, errors.NewValidationError("address cannot be empty", nil)
	case strings.HasPrefix(address, "unix://"):
		path := strings.TrimPrefix(address, "unix://")
		if path == "" {
			return TransportConfig{}, errors.NewValidationError("unix socket path cannot be empty", nil).WithContext("address", address)
		}
		return TransportConfig{TransportType: TransportUDS, SocketPath: path, FileMode: 0600}, nil
	case strings.HasPrefix(address, "tcp://"):
		address = strings.TrimPrefix(address, "tcp://")
	case strings.HasPrefix(address, "http://"):
		address = strings.TrimSuffix(strings.TrimPrefix(address, "http://"), "/")
	case strings.Contains(address, "://"):
		return TransportConfig{}, errors.NewValidationError("unsupported address scheme", nil).WithContext("address", address)
	}

	if _, _, err := net.SplitHostPort(address); err != nil {
		return TransportConfig{}, errors.NewValidationError("invalid TCP address", err).WithContext("address", address)
	}
	return TransportConfig{TransportType: TransportTCP, TCPAddress: address}, nil
}

// CreateListener creates a network listener based on the transport configuration
func CreateListener(config TransportConfig) (net.Listener, error) {
	switch config.TransportType {
	case TransportUDS:
		return createUDSListener(config)
	case TransportTCP:
		listener, err := net.Listen("tcp", config.TCPAddress)
		if err != nil {
			return nil, errors.NewIOError("failed to create TCP listener", err).WithContext("address", config.TCPAddress)
		}
		return listener, nil
	default:
		return nil, errors.NewValidationError("invalid transport type", nil).
			WithContext("transport_type", config.TransportType)
	}
}

func createUDSListener(config TransportConfig) (net.Listener, error) {
	if runtime.GOOS == "windows" {
		return nil, errors.NewValidationError("Unix domain sockets are not supported on Windows", nil)
	}

	// A stale socket from a previous run would make Listen fail.
	if err := os.Remove(config.SocketPath); err != nil && !os.IsNotExist(err) {
		return nil, errors.NewIOError("failed to remove existing socket file", err).WithContext("path", config.SocketPath)
	}
	if err := os.MkdirAll(filepath.Dir(config.SocketPath), 0755); err != nil {
		return nil, errors.NewIOError("failed to create socket directory", err).WithContext("path", config.SocketPath)
	}

	listener, err := net.Listen("unix", config.SocketPath)
	if err != nil {
		return nil, errors.NewIOError("failed to create Unix domain socket listener", err).WithContext("path", config.SocketPath)
	}

	fileMode := config.FileMode
	if fileMode == 0 {
		fileMode = 0600
	}
	if err := os.Chmod(config.SocketPath, fileMode); err != nil {
		listener.Close()
		return nil, errors.NewIOError("failed to set socket file permissions", err).WithContext("path", config.SocketPath)
	}

	return listener, nil
}

// GetListenerAddress returns a string representation of the listener address
func GetListenerAddress(listener net.Listener) string {
	addr := listener.Addr()
	switch addr.Network() {
	case "tcp":
		return fmt.Sprintf("http://%s", addr.String())
	case "unix":
		return fmt.Sprintf("unix://%s", addr.String())
	default:
		return addr.String()
	}
}

// newHTTPTransport returns a round tripper and base URL for reaching a
// server at config.
func newHTTPTransport(config TransportConfig) (http.RoundTripper, string) {
	if config.TransportType == TransportUDS {
		socketPath := config.SocketPath
		transport := &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var dialer net.Dialer
				return dialer.DialContext(ctx, "unix", socketPath)
			},
		}
		return transport, "http://devportal"
	}
	return http.DefaultTransport, "http://" + config.TCPAddress
}
