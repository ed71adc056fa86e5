package supervisor

import (
	"context"
	"os"

	"github.com/core-tools/hsu-devportal-go/pkg/errors"
	"github.com/core-tools/hsu-devportal-go/pkg/logging"
	"github.com/core-tools/hsu-devportal-go/pkg/oscmd"
	"github.com/core-tools/hsu-devportal-go/pkg/registry"
)

// Outcome sentinels. Callers compare with errors.Is; returned errors may
// carry extra context on top of these.
var (
	ErrAlreadyLoaded = errors.NewCodedError(errors.ErrorTypeConflict, "already_loaded", "suite already loaded")
	ErrNotLoaded     = errors.NewCodedError(errors.ErrorTypeNotFound, "not_loaded", "suite not loaded")
	ErrNotRunnable   = errors.NewCodedError(errors.ErrorTypeProcess, "not_runnable", "suite is not loaded and cannot be restarted")
)

// Supervisor drives the OS process-supervision unit that groups the suite.
// Each mutating call issues one supervisor command after a read-only status check.
type Supervisor interface {
	// Load registers and starts the unit. Returns ErrAlreadyLoaded when it is registered already.
	Load(ctx context.Context) error
	// Unload stops and deregisters the unit. Returns ErrNotLoaded when it is not registered.
	Unload(ctx context.Context) error
	// Kick restarts a loaded unit. Returns ErrNotRunnable when it is not loaded.
	Kick(ctx context.Context) error
	IsLoaded(ctx context.Context) (bool, error)
}

// New creates the supervisor backend selected by the suite configuration.
func New(config registry.SuiteConfig, runner oscmd.Runner, logger logging.Logger) (Supervisor, error) {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	if runner == nil {
		runner = oscmd.NewExecRunner()
	}

	switch config.Backend {
	case registry.SupervisorBackendLaunchd:
		return NewLaunchd(LaunchdConfig{
			Label:     config.Label,
			PlistPath: config.PlistPath,
			UID:       os.Getuid(),
		}, runner, logger), nil
	case registry.SupervisorBackendSystemd:
		return NewSystemd(config.Unit, runner, logger), nil
	case registry.SupervisorBackendNone, "":
		return NewNone(), nil
	default:
		return nil, errors.NewValidationError("unknown supervisor backend", nil).WithContext("backend", config.Backend)
	}
}

// commandFailed converts a non-zero supervisor exit into an operational error.
func commandFailed(message string, out oscmd.Output, args ...string) error {
	return errors.NewProcessError(message, nil).
		WithContext("args", args).
		WithContext("exit_code", out.ExitCode).
		WithContext("output", out.Combined())
}

type noneSupervisor struct{}

// NewNone returns a supervisor for setups without a suite unit. The suite
// is permanently "not loaded": stop is a benign no-op, start and restart fail.
func NewNone() Supervisor {
	return noneSupervisor{}
}

func (noneSupervisor) Load(ctx context.Context) error {
	return errors.NewUnavailableError("no suite supervisor configured", nil)
}

func (noneSupervisor) Unload(ctx context.Context) error {
	return ErrNotLoaded
}

func (noneSupervisor) Kick(ctx context.Context) error {
	return ErrNotRunnable
}

func (noneSupervisor) IsLoaded(ctx context.Context) (bool, error) {
	return false, nil
}
