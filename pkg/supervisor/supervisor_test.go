package supervisor

import (
	"context"
	"testing"

	"github.com/core-tools/hsu-devportal-go/pkg/errors"
	"github.com/core-tools/hsu-devportal-go/pkg/oscmd"
	"github.com/core-tools/hsu-devportal-go/pkg/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Run(ctx context.Context, name string, args ...string) (oscmd.Output, error) {
	called := m.Called(name, args)
	return called.Get(0).(oscmd.Output), called.Error(1)
}

func newTestLaunchd(runner oscmd.Runner) Supervisor {
	return NewLaunchd(LaunchdConfig{
		Label:     "com.msuite.dev",
		PlistPath: "/Users/dev/Library/LaunchAgents/com.msuite.dev.plist",
		UID:       501,
	}, runner, nil)
}

var (
	printArgs = []string{"print", "gui/501/com.msuite.dev"}
	loaded    = oscmd.Output{Stdout: []byte("gui/501/com.msuite.dev = {\n\tstate = running\n}")}
	notLoaded = oscmd.Output{ExitCode: 113, Stderr: []byte("Could not find service \"com.msuite.dev\" in domain for port")}
)

func TestLaunchd_Load(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", "launchctl", printArgs).Return(notLoaded, nil).Once()
	runner.On("Run", "launchctl", []string{"load", "/Users/dev/Library/LaunchAgents/com.msuite.dev.plist"}).
		Return(oscmd.Output{}, nil).Once()

	err := newTestLaunchd(runner).Load(context.Background())
	require.NoError(t, err)
	runner.AssertExpectations(t)
}

func TestLaunchd_LoadWhenAlreadyLoaded(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", "launchctl", printArgs).Return(loaded, nil).Once()

	err := newTestLaunchd(runner).Load(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyLoaded))
	runner.AssertNumberOfCalls(t, "Run", 1)
}

func TestLaunchd_LoadFailedOnStderr(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", "launchctl", printArgs).Return(notLoaded, nil).Once()
	runner.On("Run", "launchctl", mock.Anything).
		Return(oscmd.Output{Stderr: []byte("Load failed: 5: Input/output error")}, nil).Once()

	err := newTestLaunchd(runner).Load(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsProcessError(err))
	assert.False(t, errors.Is(err, ErrNotRunnable))
}

func TestLaunchd_UnloadWhenNotLoaded(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", "launchctl", printArgs).Return(notLoaded, nil).Once()

	err := newTestLaunchd(runner).Unload(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotLoaded))
	runner.AssertNumberOfCalls(t, "Run", 1)
}

func TestLaunchd_Unload(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", "launchctl", printArgs).Return(loaded, nil).Once()
	runner.On("Run", "launchctl", []string{"unload", "/Users/dev/Library/LaunchAgents/com.msuite.dev.plist"}).
		Return(oscmd.Output{}, nil).Once()

	require.NoError(t, newTestLaunchd(runner).Unload(context.Background()))
	runner.AssertExpectations(t)
}

func TestLaunchd_Kick(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", "launchctl", printArgs).Return(loaded, nil).Once()
	runner.On("Run", "launchctl", []string{"kickstart", "-k", "gui/501/com.msuite.dev"}).
		Return(oscmd.Output{}, nil).Once()

	require.NoError(t, newTestLaunchd(runner).Kick(context.Background()))
	runner.AssertExpectations(t)
}

func TestLaunchd_KickWhenNotLoaded(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", "launchctl", printArgs).Return(notLoaded, nil).Once()

	err := newTestLaunchd(runner).Kick(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotRunnable))
	assert.False(t, errors.Is(err, ErrNotLoaded))
}

func TestLaunchd_LaunchctlMissing(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", "launchctl", printArgs).
		Return(oscmd.Output{}, errors.NewUnavailableError("command not found", nil)).Once()

	_, err := newTestLaunchd(runner).IsLoaded(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsUnavailableError(err))
}

func TestSystemd(t *testing.T) {
	active := oscmd.Output{Stdout: []byte("active\n")}
	inactive := oscmd.Output{ExitCode: 3, Stdout: []byte("inactive\n")}
	isActive := []string{"--user", "is-active", "msuite-dev.service"}

	t.Run("start inactive unit", func(t *testing.T) {
		runner := &mockRunner{}
		runner.On("Run", "systemctl", isActive).Return(inactive, nil).Once()
		runner.On("Run", "systemctl", []string{"--user", "start", "msuite-dev.service"}).Return(oscmd.Output{}, nil).Once()

		require.NoError(t, NewSystemd("msuite-dev.service", runner, nil).Load(context.Background()))
		runner.AssertExpectations(t)
	})

	t.Run("start active unit", func(t *testing.T) {
		runner := &mockRunner{}
		runner.On("Run", "systemctl", isActive).Return(active, nil).Once()

		err := NewSystemd("msuite-dev.service", runner, nil).Load(context.Background())
		assert.True(t, errors.Is(err, ErrAlreadyLoaded))
	})

	t.Run("stop inactive unit", func(t *testing.T) {
		runner := &mockRunner{}
		runner.On("Run", "systemctl", isActive).Return(inactive, nil).Once()

		err := NewSystemd("msuite-dev.service", runner, nil).Unload(context.Background())
		assert.True(t, errors.Is(err, ErrNotLoaded))
	})

	t.Run("restart inactive unit", func(t *testing.T) {
		runner := &mockRunner{}
		runner.On("Run", "systemctl", isActive).Return(inactive, nil).Once()

		err := NewSystemd("msuite-dev.service", runner, nil).Kick(context.Background())
		assert.True(t, errors.Is(err, ErrNotRunnable))
	})

	t.Run("restart failure", func(t *testing.T) {
		runner := &mockRunner{}
		runner.On("Run", "systemctl", isActive).Return(active, nil).Once()
		runner.On("Run", "systemctl", []string{"--user", "restart", "msuite-dev.service"}).
			Return(oscmd.Output{ExitCode: 1, Stderr: []byte("Job failed")}, nil).Once()

		err := NewSystemd("msuite-dev.service", runner, nil).Kick(context.Background())
		require.Error(t, err)
		assert.True(t, errors.IsProcessError(err))
		assert.Contains(t, err.Error(), "Job failed")
	})
}

func TestNone(t *testing.T) {
	s := NewNone()
	ctx := context.Background()

	assert.True(t, errors.Is(s.Unload(ctx), ErrNotLoaded))
	assert.True(t, errors.Is(s.Kick(ctx), ErrNotRunnable))
	assert.True(t, errors.IsUnavailableError(s.Load(ctx)))

	isLoaded, err := s.IsLoaded(ctx)
	require.NoError(t, err)
	assert.False(t, isLoaded)
}

func TestNew(t *testing.T) {
	s, err := New(registry.SuiteConfig{Backend: registry.SupervisorBackendSystemd, Unit: "x.service"}, &mockRunner{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &systemdSupervisor{}, s)

	s, err = New(registry.SuiteConfig{}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, noneSupervisor{}, s)

	_, err = New(registry.SuiteConfig{Backend: "upstart"}, nil, nil)
	assert.True(t, errors.IsValidationError(err))
}
