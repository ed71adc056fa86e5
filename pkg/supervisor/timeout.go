package supervisor

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/core-tools/hsu-devportal-go/pkg/errors"
)

type timeoutSupervisor struct {
	inner   Supervisor
	timeout time.Duration
}

// WithTimeout bounds every call of inner by timeout. A call cut short by the
// deadline returns a timeout error regardless of how inner reported it.
func WithTimeout(inner Supervisor, timeout time.Duration) Supervisor {
	if timeout <= 0 {
		return inner
	}
	return &timeoutSupervisor{inner: inner, timeout: timeout}
}

func (s *timeoutSupervisor) Load(ctx context.Context) error {
	return s.bounded(ctx, "load", s.inner.Load)
}

func (s *timeoutSupervisor) Unload(ctx context.Context) error {
	return s.bounded(ctx, "unload", s.inner.Unload)
}

func (s *timeoutSupervisor) Kick(ctx context.Context) error {
	return s.bounded(ctx, "kick", s.inner.Kick)
}

func (s *timeoutSupervisor) IsLoaded(ctx context.Context) (bool, error) {
	var loaded bool
	err := s.bounded(ctx, "is_loaded", func(ctx context.Context) error {
		var err error
		loaded, err = s.inner.IsLoaded(ctx)
		return err
	})
	return loaded, err
}

func (s *timeoutSupervisor) bounded(ctx context.Context, operation string, call func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := call(ctx)
	if err != nil && stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.NewTimeoutError("supervisor call timed out", err).
			WithContext("operation", operation).
			WithContext("timeout", s.timeout.String())
	}
	return err
}
