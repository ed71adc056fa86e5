package portprobe

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-devportal-go/pkg/errors"
	"github.com/core-tools/hsu-devportal-go/pkg/logging"
	"github.com/core-tools/hsu-devportal-go/pkg/oscmd"
)

type lsofProber struct {
	runner oscmd.Runner
	logger logging.Logger
}

// NewLsofProber probes with `lsof -nP -w -t -iTCP:<port> -sTCP:LISTEN`.
func NewLsofProber(runner oscmd.Runner, logger logging.Logger) Prober {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &lsofProber{runner: runner, logger: logger}
}

func (p *lsofProber) Probe(ctx context.Context, port int) (PortStatus, error) {
	if err := validatePort(port); err != nil {
		return PortStatus{Port: port}, err
	}

	out, err := p.runner.Run(ctx, "lsof", "-nP", "-w", "-t", fmt.Sprintf("-iTCP:%d", port), "-sTCP:LISTEN")
	if err != nil {
		return PortStatus{Port: port}, errors.NewUnavailableError("lsof probe failed", err).WithContext("port", port)
	}

	pids, parseErr := parsePIDList(out.Stdout)
	if parseErr != nil {
		return PortStatus{Port: port}, errors.NewInternalError("unexpected lsof output", parseErr).WithContext("port", port)
	}

	switch out.ExitCode {
	case 0:
		return newStatus(port, pids), nil
	case 1:
		// lsof exits 1 both for "no matches" and for real failures; only
		// stderr tells them apart.
		stderr := strings.TrimSpace(string(out.Stderr))
		if stderr == "" || len(pids) > 0 {
			return newStatus(port, pids), nil
		}
		if strings.Contains(strings.ToLower(stderr), "permission denied") {
			return PortStatus{Port: port}, errors.NewPermissionError("lsof permission denied", nil).
				WithContext("port", port).WithContext("stderr", stderr)
		}
		return PortStatus{Port: port}, errors.NewUnavailableError("lsof reported an error", nil).
			WithContext("port", port).WithContext("stderr", stderr)
	default:
		return PortStatus{Port: port}, errors.NewUnavailableError("lsof exited unexpectedly", nil).
			WithContext("port", port).
			WithContext("exit_code", out.ExitCode).
			WithContext("stderr", out.Combined())
	}
}

func parsePIDList(data []byte) ([]int, error) {
	var pids []int
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("invalid pid %q: %w", line, err)
		}
		pids = append(pids, pid)
	}
	return pids, scanner.Err()
}
