package supervisor

import (
	"context"
	"fmt"
	"strings"

	"github.com/core-tools/hsu-devportal-go/pkg/errors"
	"github.com/core-tools/hsu-devportal-go/pkg/logging"
	"github.com/core-tools/hsu-devportal-go/pkg/oscmd"
)

// launchctl exits 113 from "print" when the service is not bootstrapped.
const launchctlNotFoundExit = 113

type LaunchdConfig struct {
	Label     string
	PlistPath string
	UID       int
}

type launchdSupervisor struct {
	config LaunchdConfig
	runner oscmd.Runner
	logger logging.Logger
}

func NewLaunchd(config LaunchdConfig, runner oscmd.Runner, logger logging.Logger) Supervisor {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &launchdSupervisor{config: config, runner: runner, logger: logger}
}

func (s *launchdSupervisor) serviceTarget() string {
	return fmt.Sprintf("gui/%d/%s", s.config.UID, s.config.Label)
}

func (s *launchdSupervisor) IsLoaded(ctx context.Context) (bool, error) {
	out, err := s.runner.Run(ctx, "launchctl", "print", s.serviceTarget())
	if err != nil {
		return false, errors.NewUnavailableError("launchctl unavailable", err).WithContext("label", s.config.Label)
	}

	switch {
	case out.ExitCode == 0:
		return true, nil
	case out.ExitCode == launchctlNotFoundExit, isNotFoundOutput(out.Combined()):
		return false, nil
	default:
		return false, commandFailed("launchctl print failed", out, "print", s.serviceTarget())
	}
}

func (s *launchdSupervisor) Load(ctx context.Context) error {
	loaded, err := s.IsLoaded(ctx)
	if err != nil {
		return err
	}
	if loaded {
		return ErrAlreadyLoaded.WithContext("label", s.config.Label)
	}

	s.logger.Infof("Loading suite, label: %s, plist: %s", s.config.Label, s.config.PlistPath)

	out, err := s.runner.Run(ctx, "launchctl", "load", s.config.PlistPath)
	if err != nil {
		return errors.NewUnavailableError("launchctl unavailable", err).WithContext("label", s.config.Label)
	}

	// legacy load reports most failures on stderr with exit 0
	text := out.Combined()
	if strings.Contains(strings.ToLower(text), "already loaded") {
		return ErrAlreadyLoaded.WithContext("label", s.config.Label)
	}
	if out.ExitCode != 0 || strings.Contains(text, "Load failed") {
		return commandFailed("launchctl load failed", out, "load", s.config.PlistPath)
	}
	return nil
}

func (s *launchdSupervisor) Unload(ctx context.Context) error {
	loaded, err := s.IsLoaded(ctx)
	if err != nil {
		return err
	}
	if !loaded {
		return ErrNotLoaded.WithContext("label", s.config.Label)
	}

	s.logger.Infof("Unloading suite, label: %s, plist: %s", s.config.Label, s.config.PlistPath)

	out, err := s.runner.Run(ctx, "launchctl", "unload", s.config.PlistPath)
	if err != nil {
		return errors.NewUnavailableError("launchctl unavailable", err).WithContext("label", s.config.Label)
	}

	text := out.Combined()
	if isNotFoundOutput(text) {
		return ErrNotLoaded.WithContext("label", s.config.Label)
	}
	if out.ExitCode != 0 || strings.Contains(text, "Unload failed") {
		return commandFailed("launchctl unload failed", out, "unload", s.config.PlistPath)
	}
	return nil
}

func (s *launchdSupervisor) Kick(ctx context.Context) error {
	loaded, err := s.IsLoaded(ctx)
	if err != nil {
		return err
	}
	if !loaded {
		return ErrNotRunnable.WithContext("label", s.config.Label)
	}

	s.logger.Infof("Kickstarting suite, target: %s", s.serviceTarget())

	out, err := s.runner.Run(ctx, "launchctl", "kickstart", "-k", s.serviceTarget())
	if err != nil {
		return errors.NewUnavailableError("launchctl unavailable", err).WithContext("label", s.config.Label)
	}
	if out.ExitCode == launchctlNotFoundExit || isNotFoundOutput(out.Combined()) {
		return ErrNotRunnable.WithContext("label", s.config.Label)
	}
	if out.ExitCode != 0 {
		return commandFailed("launchctl kickstart failed", out, "kickstart", "-k", s.serviceTarget())
	}
	return nil
}

func isNotFoundOutput(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "could not find") || strings.Contains(lower, "no such process")
}
