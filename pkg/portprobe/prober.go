package portprobe

import (
	"context"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/core-tools/hsu-devportal-go/pkg/errors"
	"github.com/core-tools/hsu-devportal-go/pkg/logging"
	"github.com/core-tools/hsu-devportal-go/pkg/oscmd"
)

// PortStatus is a point-in-time snapshot of the listeners on one TCP port.
type PortStatus struct {
	Port    int   `json:"port"`
	Running bool  `json:"running"`
	PIDs    []int `json:"pids"`
}

// Prober reports the processes listening on a TCP port.
//
// "Nothing listening" is the normal {Running: false} result, never an error.
// An error means the probe itself failed (tool missing, permission denied,
// timeout) and says nothing about whether the port is bound.
type Prober interface {
	Probe(ctx context.Context, port int) (PortStatus, error)
}

type Backend string

const (
	BackendAuto   Backend = "auto"
	BackendLsof   Backend = "lsof"
	BackendProcfs Backend = "procfs"
)

// NewProber creates a prober for the requested backend. "auto" picks procfs
// on Linux when /proc/net/tcp is readable and lsof elsewhere.
func NewProber(backend Backend, logger logging.Logger) (Prober, error) {
	if logger == nil {
		logger = logging.NewNullLogger()
	}

	switch backend {
	case BackendLsof:
		return NewLsofProber(oscmd.NewExecRunner(), logger), nil
	case BackendProcfs:
		return NewProcfsProber(DefaultProcRoot, logger), nil
	case BackendAuto, "":
		if runtime.GOOS == "linux" {
			if _, err := os.Stat(DefaultProcRoot + "/net/tcp"); err == nil {
				logger.Debugf("Port probe backend selected, backend: %s", BackendProcfs)
				return NewProcfsProber(DefaultProcRoot, logger), nil
			}
		}
		logger.Debugf("Port probe backend selected, backend: %s", BackendLsof)
		return NewLsofProber(oscmd.NewExecRunner(), logger), nil
	default:
		return nil, errors.NewValidationError("unknown port probe backend", nil).WithContext("backend", backend)
	}
}

type timeoutProber struct {
	inner   Prober
	timeout time.Duration
}

// WithTimeout bounds every probe of inner by timeout.
func WithTimeout(inner Prober, timeout time.Duration) Prober {
	if timeout <= 0 {
		return inner
	}
	return &timeoutProber{inner: inner, timeout: timeout}
}

func (p *timeoutProber) Probe(ctx context.Context, port int) (PortStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	status, err := p.inner.Probe(ctx, port)
	if err == nil && ctx.Err() != nil {
		return PortStatus{Port: port}, errors.NewTimeoutError("port probe timed out", ctx.Err()).WithContext("port", port)
	}
	return status, err
}

// newStatus normalizes a PID list: deduplicated, ascending, never nil.
func newStatus(port int, pids []int) PortStatus {
	seen := make(map[int]struct{}, len(pids))
	out := make([]int, 0, len(pids))
	for _, pid := range pids {
		if pid <= 0 {
			continue
		}
		if _, ok := seen[pid]; ok {
			continue
		}
		seen[pid] = struct{}{}
		out = append(out, pid)
	}
	sort.Ints(out)
	return PortStatus{Port: port, Running: len(out) > 0, PIDs: out}
}

func validatePort(port int) error {
	if port <= 0 || port > 65535 {
		return errors.NewValidationError("invalid port", nil).WithContext("port", port)
	}
	return nil
}
