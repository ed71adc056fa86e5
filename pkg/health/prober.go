package health

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/core-tools/hsu-devportal-go/pkg/logging"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

const (
	DefaultTimeout = 2 * time.Second

	maxRedirects = 10
)

// Prober answers whether a health endpoint is up. Failure to connect is the
// answer "false", never an error.
type Prober interface {
	Probe(ctx context.Context, rawURL string, timeout time.Duration) bool
}

type prober struct {
	client *http.Client
	logger logging.Logger
}

// NewProber supports http(s)://, grpc://host:port[/service] and tcp://host:port.
func NewProber(logger logging.Logger) Prober {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &prober{
		client: &http.Client{
			// the final response is judged; a redirect loop ends at the last hop
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		logger: logger,
	}
}

func (p *prober) Probe(ctx context.Context, rawURL string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		p.logger.Debugf("Health URL invalid, url: %s, error: %v", rawURL, err)
		return false
	}

	var healthy bool
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		healthy = p.probeHTTP(ctx, rawURL)
	case "grpc":
		healthy = p.probeGRPC(ctx, u)
	case "tcp":
		healthy = p.probeTCP(ctx, u.Host)
	default:
		p.logger.Debugf("Health URL scheme unsupported, url: %s", rawURL)
		return false
	}

	p.logger.Debugf("Health probe finished, url: %s, healthy: %t", rawURL, healthy)
	return healthy
}

func (p *prober) probeHTTP(ctx context.Context, rawURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debugf("Health request failed, url: %s, error: %v", rawURL, err)
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (p *prober) probeGRPC(ctx context.Context, u *url.URL) bool {
	conn, err := grpc.NewClient(u.Host, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return false
	}
	defer conn.Close()

	service := strings.TrimPrefix(u.Path, "/")
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		p.logger.Debugf("gRPC health check failed, target: %s, service: %s, error: %v", u.Host, service, err)
		return false
	}
	return resp.Status == grpc_health_v1.HealthCheckResponse_SERVING
}

func (p *prober) probeTCP(ctx context.Context, hostport string) bool {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
