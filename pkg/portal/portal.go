package portal

import (
	"context"
	"time"

	"github.com/core-tools/hsu-devportal-go/pkg/api"
	"github.com/core-tools/hsu-devportal-go/pkg/control"
	"github.com/core-tools/hsu-devportal-go/pkg/errors"
	"github.com/core-tools/hsu-devportal-go/pkg/health"
	"github.com/core-tools/hsu-devportal-go/pkg/launcher"
	"github.com/core-tools/hsu-devportal-go/pkg/logcollection"
	"github.com/core-tools/hsu-devportal-go/pkg/logging"
	"github.com/core-tools/hsu-devportal-go/pkg/oscmd"
	"github.com/core-tools/hsu-devportal-go/pkg/portprobe"
	"github.com/core-tools/hsu-devportal-go/pkg/registry"
	"github.com/core-tools/hsu-devportal-go/pkg/status"
	"github.com/core-tools/hsu-devportal-go/pkg/supervisor"
	"github.com/core-tools/hsu-devportal-go/pkg/targetlock"
)

// slack on top of the computed worst case for request decoding and status reads
const controlTimeoutMargin = 10 * time.Second

// Components overrides the OS-facing collaborators. Zero values select the
// real implementations derived from configuration.
type Components struct {
	PortProber      portprobe.Prober
	HealthProber    health.Prober
	Supervisor      supervisor.Supervisor
	Spawner         launcher.Spawner
	Signaler        launcher.Signaler
	Sinks           logcollection.SinkProvider
	Runner          oscmd.Runner
	LauncherOptions launcher.Options
}

// Portal is the in-process control plane: a read-only registry, the
// reconciler for the single write operation, and the status aggregator.
type Portal struct {
	config     registry.PortalConfig
	registry   *registry.Registry
	reconciler *control.Reconciler
	aggregator *status.Aggregator
	logger     logging.Logger

	controlTimeout time.Duration
}

var _ api.Backend = (*Portal)(nil)

// New validates config and wires every component.
func New(config *registry.PortalConfig, components Components, logger logging.Logger) (*Portal, error) {
	if logger == nil {
		logger = logging.NewNullLogger()
	}

	reg, err := registry.NewRegistry(config)
	if err != nil {
		return nil, err
	}
	options := config.Portal

	if components.Runner == nil {
		components.Runner = oscmd.NewExecRunner()
	}

	if components.PortProber == nil {
		prober, err := portprobe.NewProber(portprobe.Backend(options.ProbeBackend), logging.WithPrefix(logger, "portprobe: "))
		if err != nil {
			return nil, errors.NewValidationError("failed to create port prober", err)
		}
		components.PortProber = prober
	}
	probeTimeout := options.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = registry.DefaultProbeTimeout
	}
	ports := portprobe.WithTimeout(components.PortProber, probeTimeout)

	if components.HealthProber == nil {
		components.HealthProber = health.NewProber(logging.WithPrefix(logger, "health: "))
	}

	if components.Supervisor == nil {
		sup, err := supervisor.New(reg.Suite(), components.Runner, logging.WithPrefix(logger, "supervisor: "))
		if err != nil {
			return nil, err
		}
		components.Supervisor = sup
	}
	supervisorTimeout := options.SupervisorTimeout
	if supervisorTimeout <= 0 {
		supervisorTimeout = registry.DefaultSupervisorTimeout
	}
	suite := supervisor.WithTimeout(components.Supervisor, supervisorTimeout)

	if components.Sinks == nil {
		if options.LogDirectory != "" {
			components.Sinks = logcollection.NewFileSinkProvider(options.LogDirectory, logger)
		} else {
			components.Sinks = logcollection.NewDiscardSinkProvider()
		}
	}
	if components.Spawner == nil {
		components.Spawner = launcher.NewExecSpawner(logging.WithPrefix(logger, "spawner: "))
	}
	if components.Signaler == nil {
		components.Signaler = launcher.NewSignaler()
	}

	serviceLauncher := launcher.NewLauncher(
		ports,
		components.Spawner,
		components.Signaler,
		components.Sinks,
		components.LauncherOptions,
		logging.WithPrefix(logger, "launcher: "),
	)

	locks := targetlock.New(options.LockDirectory, logging.WithPrefix(logger, "targetlock: "))

	p := &Portal{
		config:   *config,
		registry: reg,
		reconciler: control.NewReconciler(
			reg,
			suite,
			serviceLauncher,
			locks,
			options.GraceTimeout,
			logging.WithPrefix(logger, "control: "),
		),
		aggregator: status.NewAggregator(
			reg,
			ports,
			components.HealthProber,
			options.HealthTimeout,
			logging.WithPrefix(logger, "status: "),
		),
		logger:         logger,
		controlTimeout: controlTimeout(reg, options.GraceTimeout, probeTimeout, supervisorTimeout, components.LauncherOptions.SettleWindow),
	}

	logger.Infof("Portal ready, services: %d, ports: %d, suite backend: %s, probe backend: %s",
		len(reg.Services()), len(reg.Ports()), reg.Suite().Backend, options.ProbeBackend)
	return p, nil
}

// NewFromFile loads, defaults and validates a configuration file, then
// wires the real OS collaborators.
func NewFromFile(configFile string, logger logging.Logger) (*Portal, error) {
	config, err := registry.LoadConfigFromFile(configFile)
	if err != nil {
		return nil, err
	}
	p, err := New(config, Components{}, logger)
	if err != nil {
		return nil, errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}
	return p, nil
}

func (p *Portal) Config() registry.PortalConfig {
	return p.config
}

// ControlTimeout is the longest a single control request can take.
func (p *Portal) ControlTimeout() time.Duration {
	return p.controlTimeout
}

// controlTimeout covers a restart of the widest service, where each port may
// use its whole grace and settle windows, and one bounded suite call.
func controlTimeout(reg *registry.Registry, grace, probe, supervisorCall, settle time.Duration) time.Duration {
	if grace <= 0 {
		grace = registry.DefaultGraceTimeout
	}
	if settle <= 0 {
		settle = launcher.DefaultSettleWindow
	}

	widest := 1
	for _, desc := range reg.Services() {
		widest = max(widest, len(desc.Ports))
	}

	perPort := grace + settle + 2*probe
	service := time.Duration(widest)*perPort + probe
	return max(service, supervisorCall) + controlTimeoutMargin
}

func (p *Portal) Registry() *registry.Registry {
	return p.registry
}

// ListServices returns descriptor metadata only; it never touches the OS.
func (p *Portal) ListServices(ctx context.Context) ([]registry.ServiceDescriptor, error) {
	return p.registry.Services(), nil
}

func (p *Portal) GetServiceStatus(ctx context.Context) ([]status.ServiceStatus, error) {
	return p.aggregator.StatusAll(ctx)
}

func (p *Portal) GetPortStatus(ctx context.Context) ([]status.PortStatus, error) {
	return p.aggregator.PortsAll(ctx)
}

func (p *Portal) GetHealth(ctx context.Context) (map[string]bool, error) {
	return p.aggregator.HealthAll(ctx)
}

// Control never returns an error; every outcome is carried in the Result.
func (p *Portal) Control(ctx context.Context, req control.Request) (control.Result, error) {
	return p.reconciler.Control(ctx, req), nil
}
