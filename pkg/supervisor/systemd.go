package supervisor

import (
	"context"
	"strings"

	"github.com/core-tools/hsu-devportal-go/pkg/errors"
	"github.com/core-tools/hsu-devportal-go/pkg/logging"
	"github.com/core-tools/hsu-devportal-go/pkg/oscmd"
)

type systemdSupervisor struct {
	unit   string
	runner oscmd.Runner
	logger logging.Logger
}

// NewSystemd drives a systemd user unit. "Loaded" maps to the unit being
// active, since user units stay installed whether or not they run.
func NewSystemd(unit string, runner oscmd.Runner, logger logging.Logger) Supervisor {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &systemdSupervisor{unit: unit, runner: runner, logger: logger}
}

func (s *systemdSupervisor) systemctl(ctx context.Context, verb string) (oscmd.Output, error) {
	out, err := s.runner.Run(ctx, "systemctl", "--user", verb, s.unit)
	if err != nil {
		return out, errors.NewUnavailableError("systemctl unavailable", err).WithContext("unit", s.unit)
	}
	return out, nil
}

func (s *systemdSupervisor) IsLoaded(ctx context.Context) (bool, error) {
	out, err := s.systemctl(ctx, "is-active")
	if err != nil {
		return false, err
	}
	if out.ExitCode == 0 {
		return true, nil
	}

	switch strings.TrimSpace(string(out.Stdout)) {
	case "inactive", "failed", "unknown", "deactivating":
		return false, nil
	default:
		return false, commandFailed("systemctl is-active failed", out, "--user", "is-active", s.unit)
	}
}

func (s *systemdSupervisor) Load(ctx context.Context) error {
	active, err := s.IsLoaded(ctx)
	if err != nil {
		return err
	}
	if active {
		return ErrAlreadyLoaded.WithContext("unit", s.unit)
	}

	s.logger.Infof("Starting suite unit, unit: %s", s.unit)

	out, err := s.systemctl(ctx, "start")
	if err != nil {
		return err
	}
	if out.ExitCode != 0 {
		return commandFailed("systemctl start failed", out, "--user", "start", s.unit)
	}
	return nil
}

func (s *systemdSupervisor) Unload(ctx context.Context) error {
	active, err := s.IsLoaded(ctx)
	if err != nil {
		return err
	}
	if !active {
		return ErrNotLoaded.WithContext("unit", s.unit)
	}

	s.logger.Infof("Stopping suite unit, unit: %s", s.unit)

	out, err := s.systemctl(ctx, "stop")
	if err != nil {
		return err
	}
	if out.ExitCode != 0 {
		return commandFailed("systemctl stop failed", out, "--user", "stop", s.unit)
	}
	return nil
}

func (s *systemdSupervisor) Kick(ctx context.Context) error {
	active, err := s.IsLoaded(ctx)
	if err != nil {
		return err
	}
	if !active {
		return ErrNotRunnable.WithContext("unit", s.unit)
	}

	s.logger.Infof("Restarting suite unit, unit: %s", s.unit)

	out, err := s.systemctl(ctx, "restart")
	if err != nil {
		return err
	}
	if out.ExitCode != 0 {
		return commandFailed("systemctl restart failed", out, "--user", "restart", s.unit)
	}
	return nil
}
