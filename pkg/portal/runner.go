package portal

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/core-tools/hsu-devportal-go/pkg/api"
	"github.com/core-tools/hsu-devportal-go/pkg/errors"
	"github.com/core-tools/hsu-devportal-go/pkg/logging"
	"github.com/core-tools/hsu-devportal-go/pkg/registry"
)

const shutdownTimeout = 10 * time.Second

// RunOptions controls the server runner.
type RunOptions struct {
	// Listen overrides portal.listen from the configuration when set.
	Listen string
	// RunDuration stops the server after the given time (debug feature).
	RunDuration time.Duration
}

// Run serves the control plane for config until SIGINT/SIGTERM or the run
// duration elapses. Services launched by the portal are detached and keep
// running after it exits.
func Run(config *registry.PortalConfig, options RunOptions, logger logging.Logger) error {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	logger.Infof("Dev portal starting, platform: %s/%s, cpus: %d, go: %s",
		runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), runtime.Version())

	p, err := New(config, Components{}, logger)
	if err != nil {
		return err
	}

	listen := options.Listen
	if listen == "" {
		listen = config.Portal.Listen
	}
	if listen == "" {
		listen = registry.DefaultListen
	}
	transport, err := api.ParseAddress(listen)
	if err != nil {
		return errors.NewValidationError("invalid listen address", err).WithContext("listen", listen)
	}

	server, err := api.NewServer(p, api.ServerOptions{
		Transport:    transport,
		WriteTimeout: p.ControlTimeout(),
	}, logging.WithPrefix(logger, "api: "))
	if err != nil {
		return err
	}

	ctx := context.Background()
	if options.RunDuration > 0 {
		logger.Infof("Using run duration, duration: %v", options.RunDuration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, options.RunDuration)
		defer cancel()
	}

	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Infof("Dev portal is ready, address: %s", server.GetAddress())

	WaitSignals(ctx, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return err
	}

	logger.Infof("Dev portal stopped")
	return nil
}

// WaitSignals blocks until SIGINT/SIGTERM arrives or ctx is done.
func WaitSignals(ctx context.Context, logger logging.Logger) {
	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig, os.Interrupt)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	defer signal.Stop(sig)

	select {
	case received := <-sig:
		logger.Infof("Dev portal received signal: %v", received)
	case <-ctx.Done():
		logger.Infof("Dev portal run duration elapsed")
	}
}

// ValidateConfigFile validates a configuration file without running.
func ValidateConfigFile(configFile string) (*registry.PortalConfig, error) {
	config, err := registry.LoadConfigFromFile(configFile)
	if err != nil {
		return nil, err
	}
	if err := registry.ValidateConfig(config); err != nil {
		return nil, errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}
	return config, nil
}

// GetConfigSummary returns a human-readable summary of the configuration
func GetConfigSummary(config *registry.PortalConfig) ConfigSummary {
	if config == nil {
		return ConfigSummary{Error: "configuration is nil"}
	}

	summary := ConfigSummary{
		Listen:       config.Portal.Listen,
		LogLevel:     config.Portal.LogLevel,
		ProbeBackend: string(config.Portal.ProbeBackend),
		SuiteBackend: string(config.Suite.Backend),
		SuitePorts:   append([]int{}, config.Suite.Ports...),
		Services:     make([]ServiceSummary, 0, len(config.Services)),
	}

	for _, service := range config.Services {
		summary.Services = append(summary.Services, ServiceSummary{
			ID:        service.ID,
			Ports:     append([]int{}, service.Ports...),
			Command:   service.StartCommand,
			HealthURL: service.HealthURL,
		})
	}
	summary.TotalServices = len(summary.Services)

	return summary
}

// ConfigSummary provides a high-level overview of configuration
type ConfigSummary struct {
	Listen        string           `json:"listen"`
	LogLevel      string           `json:"log_level"`
	ProbeBackend  string           `json:"probe_backend"`
	SuiteBackend  string           `json:"suite_backend"`
	SuitePorts    []int            `json:"suite_ports"`
	TotalServices int              `json:"total_services"`
	Services      []ServiceSummary `json:"services"`
	Error         string           `json:"error,omitempty"`
}

type ServiceSummary struct {
	ID        string `json:"id"`
	Ports     []int  `json:"ports"`
	Command   string `json:"command"`
	HealthURL string `json:"health_url,omitempty"`
}
