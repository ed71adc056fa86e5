package oscmd

import (
	"bytes"
	"context"
	stderrors "errors"
	"os/exec"
	"strings"

	"github.com/core-tools/hsu-devportal-go/pkg/errors"
)

// Output is the captured result of a finished command.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Combined returns trimmed stderr, falling back to stdout.
func (o Output) Combined() string {
	if s := strings.TrimSpace(string(o.Stderr)); s != "" {
		return s
	}
	return strings.TrimSpace(string(o.Stdout))
}

// Runner executes short-lived OS utilities. A non-zero exit is reported
// through Output.ExitCode, not as an error; an error means the command
// could not be run or did not finish.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Output, error)
}

type execRunner struct{}

func NewExecRunner() Runner {
	return execRunner{}
}

func (execRunner) Run(ctx context.Context, name string, args ...string) (Output, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if stderrors.Is(ctxErr, context.DeadlineExceeded) {
			return out, errors.NewTimeoutError("command timed out", ctxErr).WithContext("command", name)
		}
		return out, errors.NewCancelledError("command cancelled", ctxErr).WithContext("command", name)
	}

	if err == nil {
		return out, nil
	}

	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}

	if stderrors.Is(err, exec.ErrNotFound) {
		return out, errors.NewUnavailableError("command not found", err).WithContext("command", name)
	}
	if strings.Contains(strings.ToLower(err.Error()), "permission denied") {
		return out, errors.NewPermissionError("command not permitted", err).WithContext("command", name)
	}
	return out, errors.NewProcessError("failed to run command", err).WithContext("command", name)
}
