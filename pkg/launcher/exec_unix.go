//go:build !windows

package launcher

import (
	"context"
	"os"
	"os/exec"
	"syscall"

	"github.com/core-tools/hsu-devportal-go/pkg/errors"
	"github.com/core-tools/hsu-devportal-go/pkg/logging"

	"golang.org/x/sys/unix"
)

const defaultShell = "/bin/sh"

type execSpawner struct {
	shell  string
	logger logging.Logger
}

// NewExecSpawner runs start commands through /bin/sh -c in a new process
// group, so the service outlives the request and the terminal's signals.
func NewExecSpawner(logger logging.Logger) Spawner {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &execSpawner{shell: defaultShell, logger: logger}
}

func (s *execSpawner) Spawn(ctx context.Context, spec SpawnSpec) (int, error) {
	if err := ctx.Err(); err != nil {
		spec.Output.Close()
		return 0, errors.NewCancelledError("spawn cancelled", err)
	}

	// Not CommandContext: the child must survive the request context.
	cmd := exec.Command(s.shell, "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = spec.Output
	cmd.Stderr = spec.Output
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		spec.Output.Close()
		return 0, errors.NewProcessError("failed to spawn command", err).
			WithContext("service", spec.ServiceID).
			WithContext("dir", spec.Dir)
	}

	pid := cmd.Process.Pid
	go func() {
		err := cmd.Wait()
		spec.Output.Close()
		s.logger.Infof("Service process exited, service: %s, pid: %d, result: %v", spec.ServiceID, pid, err)
	}()

	return pid, nil
}

type unixSignaler struct{}

func NewSignaler() Signaler {
	return unixSignaler{}
}

func (unixSignaler) Signal(pid int, sig Signal) error {
	if pid <= 0 {
		return errors.NewValidationError("invalid pid", nil).WithContext("pid", pid)
	}

	unixSig := unix.SIGTERM
	if sig == SignalKill {
		unixSig = unix.SIGKILL
	}

	err := unix.Kill(pid, unixSig)
	switch {
	case err == nil, errors.Is(err, unix.ESRCH):
		// gone between probe and signal
		return nil
	case errors.Is(err, unix.EPERM):
		return errors.NewPermissionError("not permitted to signal process", err).WithContext("pid", pid).WithContext("signal", sig.String())
	default:
		return errors.NewProcessError("failed to signal process", err).WithContext("pid", pid).WithContext("signal", sig.String())
	}
}
