package launcher

import (
	"context"
	"io"
	"time"

	"github.com/core-tools/hsu-devportal-go/pkg/errors"
	"github.com/core-tools/hsu-devportal-go/pkg/logcollection"
	"github.com/core-tools/hsu-devportal-go/pkg/logging"
	"github.com/core-tools/hsu-devportal-go/pkg/portprobe"
	"github.com/core-tools/hsu-devportal-go/pkg/registry"
)

type LaunchOutcome string

const (
	Started        LaunchOutcome = "started"
	AlreadyRunning LaunchOutcome = "already_running"
)

type TerminateOutcome string

const (
	Stopped        TerminateOutcome = "stopped"
	Killed         TerminateOutcome = "killed"
	AlreadyStopped TerminateOutcome = "already_stopped"
)

type Signal int

const (
	SignalTerminate Signal = iota
	SignalKill
)

func (s Signal) String() string {
	if s == SignalKill {
		return "SIGKILL"
	}
	return "SIGTERM"
}

// SpawnSpec describes a detached background command.
type SpawnSpec struct {
	ServiceID string
	Command   string
	Dir       string
	Env       []string
	Output    io.WriteCloser
}

// Spawner starts a detached process and takes ownership of spec.Output,
// closing it once the process exits (or immediately on failure).
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (int, error)
}

// Signaler delivers a signal to a PID. A PID that no longer exists is not
// an error.
type Signaler interface {
	Signal(pid int, sig Signal) error
}

type LaunchResult struct {
	Outcome LaunchOutcome
	PID     int   // shell PID when Started
	PIDs    []int // current listeners when AlreadyRunning
	LogPath string
}

type TerminateResult struct {
	Outcome TerminateOutcome
	Port    int
	PIDs    []int // PIDs found bound when termination began
}

type Options struct {
	PollInterval time.Duration
	SettleWindow time.Duration
}

const (
	DefaultPollInterval = 200 * time.Millisecond
	DefaultSettleWindow = 1 * time.Second
)

// Launcher starts services by their declared command and stops them by the
// ports they listen on. It keeps no record of what it started; every
// decision is made from a fresh port probe.
type Launcher struct {
	prober   portprobe.Prober
	spawner  Spawner
	signaler Signaler
	sinks    logcollection.SinkProvider
	options  Options
	logger   logging.Logger
}

func NewLauncher(prober portprobe.Prober, spawner Spawner, signaler Signaler, sinks logcollection.SinkProvider, options Options, logger logging.Logger) *Launcher {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	if sinks == nil {
		sinks = logcollection.NewDiscardSinkProvider()
	}
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultPollInterval
	}
	if options.SettleWindow <= 0 {
		options.SettleWindow = DefaultSettleWindow
	}
	return &Launcher{
		prober:   prober,
		spawner:  spawner,
		signaler: signaler,
		sinks:    sinks,
		options:  options,
		logger:   logger,
	}
}

// Launch starts the descriptor's command unless its primary port is
// already bound. It returns as soon as the process is spawned.
func (l *Launcher) Launch(ctx context.Context, desc registry.ServiceDescriptor) (LaunchResult, error) {
	port := desc.PrimaryPort()
	status, err := l.prober.Probe(ctx, port)
	if err != nil {
		// Launching blind could start a second instance.
		return LaunchResult{}, errors.NewUnavailableError("cannot determine whether service is running", err).
			WithContext("service", desc.ID).WithContext("port", port)
	}
	if status.Running {
		l.logger.Infof("Service already running, service: %s, port: %d, pids: %v", desc.ID, port, status.PIDs)
		return LaunchResult{Outcome: AlreadyRunning, PIDs: status.PIDs}, nil
	}

	sink, err := l.sinks.Open(desc.ID)
	if err != nil {
		return LaunchResult{}, errors.NewProcessError("failed to open service log", err).WithContext("service", desc.ID)
	}

	pid, err := l.spawner.Spawn(ctx, SpawnSpec{
		ServiceID: desc.ID,
		Command:   desc.StartCommand,
		Dir:       desc.WorkingDirectory,
		Env:       desc.Environment,
		Output:    sink,
	})
	if err != nil {
		return LaunchResult{}, errors.NewProcessError("failed to start service", err).
			WithContext("service", desc.ID).WithContext("command", desc.StartCommand)
	}

	logPath := l.sinks.Location(desc.ID)
	l.logger.Infof("Service started, service: %s, pid: %d, log: %s", desc.ID, pid, logPath)
	return LaunchResult{Outcome: Started, PID: pid, LogPath: logPath}, nil
}

// Terminate stops whatever listens on port: SIGTERM, wait up to grace,
// SIGKILL the survivors, then require the port to be released within the
// settle window.
func (l *Launcher) Terminate(ctx context.Context, port int, grace time.Duration) (TerminateResult, error) {
	status, err := l.prober.Probe(ctx, port)
	if err != nil {
		return TerminateResult{Port: port}, errors.NewUnavailableError("cannot determine listeners on port", err).WithContext("port", port)
	}
	if !status.Running {
		return TerminateResult{Outcome: AlreadyStopped, Port: port, PIDs: status.PIDs}, nil
	}

	result := TerminateResult{Outcome: Stopped, Port: port, PIDs: status.PIDs}

	l.logger.Infof("Terminating port listeners, port: %d, pids: %v, grace: %v", port, status.PIDs, grace)
	signalErr := l.signalAll(status.PIDs, SignalTerminate)

	remaining, freed := l.waitReleased(ctx, port, grace)
	if freed {
		l.logger.Infof("Port released gracefully, port: %d", port)
		return result, nil
	}

	if len(remaining) == 0 {
		// every re-probe failed; escalate on what we saw first
		remaining = status.PIDs
	}
	l.logger.Warnf("Listeners did not exit within grace period, forcing termination, port: %d, pids: %v", port, remaining)
	result.Outcome = Killed
	if err := l.signalAll(remaining, SignalKill); err != nil {
		signalErr = err
	}

	if ctx.Err() != nil {
		return result, errors.NewCancelledError("termination interrupted", ctx.Err()).WithContext("port", port)
	}

	remaining, freed = l.waitReleased(ctx, port, l.options.SettleWindow)
	if freed {
		return result, nil
	}

	failure := errors.NewProcessError("port still bound after kill", signalErr).
		WithContext("port", port).
		WithContext("pids", remaining)
	return result, failure
}

// Stop terminates the primary port first and then every other declared port.
func (l *Launcher) Stop(ctx context.Context, desc registry.ServiceDescriptor, grace time.Duration) (TerminateResult, error) {
	if len(desc.Ports) == 0 {
		return TerminateResult{}, errors.NewValidationError("service declares no ports", nil).WithContext("service", desc.ID)
	}

	primary, err := l.Terminate(ctx, desc.PrimaryPort(), grace)
	if err != nil {
		return primary, err
	}

	var firstErr error
	for _, port := range desc.Ports[1:] {
		extra, err := l.Terminate(ctx, port, grace)
		if err != nil {
			l.logger.Warnf("Failed to terminate secondary port, service: %s, port: %d, error: %v", desc.ID, port, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if primary.Outcome == AlreadyStopped && extra.Outcome != AlreadyStopped {
			primary.Outcome = Stopped
		}
		if extra.Outcome == Killed {
			primary.Outcome = Killed
		}
	}
	return primary, firstErr
}

// Restart stops the service, whether or not anything was running, and
// launches it again.
func (l *Launcher) Restart(ctx context.Context, desc registry.ServiceDescriptor, grace time.Duration) (LaunchResult, error) {
	if _, err := l.Stop(ctx, desc, grace); err != nil {
		return LaunchResult{}, err
	}
	return l.Launch(ctx, desc)
}

func (l *Launcher) signalAll(pids []int, sig Signal) error {
	var firstErr error
	for _, pid := range pids {
		if err := l.signaler.Signal(pid, sig); err != nil {
			l.logger.Warnf("Failed to signal process, pid: %d, signal: %s, error: %v", pid, sig, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// waitReleased polls until port has no listeners or window elapses. It
// returns the last observed PIDs and whether the port was released.
func (l *Launcher) waitReleased(ctx context.Context, port int, window time.Duration) ([]int, bool) {
	deadline := time.NewTimer(window)
	defer deadline.Stop()
	ticker := time.NewTicker(l.options.PollInterval)
	defer ticker.Stop()

	var last []int
	for {
		select {
		case <-ctx.Done():
			return last, false
		case <-deadline.C:
			return l.lastChance(ctx, port, last)
		case <-ticker.C:
			status, err := l.prober.Probe(ctx, port)
			if err != nil {
				l.logger.Warnf("Port probe failed while waiting for release, port: %d, error: %v", port, err)
				continue
			}
			if !status.Running {
				return nil, true
			}
			last = status.PIDs
		}
	}
}

func (l *Launcher) lastChance(ctx context.Context, port int, last []int) ([]int, bool) {
	status, err := l.prober.Probe(ctx, port)
	if err != nil {
		return last, false
	}
	return status.PIDs, !status.Running
}
