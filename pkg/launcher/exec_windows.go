//go:build windows

package launcher

import (
	"context"

	"github.com/core-tools/hsu-devportal-go/pkg/errors"
	"github.com/core-tools/hsu-devportal-go/pkg/logging"
)

type unsupportedSpawner struct{}

func NewExecSpawner(logger logging.Logger) Spawner {
	return unsupportedSpawner{}
}

func (unsupportedSpawner) Spawn(ctx context.Context, spec SpawnSpec) (int, error) {
	spec.Output.Close()
	return 0, errors.NewUnavailableError("service launch is not supported on windows", nil)
}

type unsupportedSignaler struct{}

func NewSignaler() Signaler {
	return unsupportedSignaler{}
}

func (unsupportedSignaler) Signal(pid int, sig Signal) error {
	return errors.NewUnavailableError("signals are not supported on windows", nil)
}
