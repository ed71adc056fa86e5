package portprobe

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/core-tools/hsu-devportal-go/pkg/errors"
	"github.com/core-tools/hsu-devportal-go/pkg/oscmd"

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

func lsofArgs(port string) []string {
	return []string{"-nP", "-w", "-t", "-iTCP:" + port, "-sTCP:LISTEN"}
}

func TestLsofProber(t *testing.T) {
	tests := []struct {
		name        string
		output      oscmd.Output
		runErr      error
		expected    PortStatus
		expectError func(error) bool
	}{
		{
			name:     "listening with duplicate pids",
			output:   oscmd.Output{Stdout: []byte("4321\n1234\n4321\n")},
			expected: PortStatus{Port: 3000, Running: true, PIDs: []int{1234, 4321}},
		},
		{
			name:     "nothing listening",
			output:   oscmd.Output{ExitCode: 1},
			expected: PortStatus{Port: 3000, Running: false, PIDs: []int{}},
		},
		{
			name:        "permission denied",
			output:      oscmd.Output{ExitCode: 1, Stderr: []byte("lsof: Permission denied")},
			expectError: errors.IsPermissionError,
		},
		{
			name:        "lsof missing",
			runErr:      errors.NewUnavailableError("command not found", nil),
			expectError: errors.IsUnavailableError,
		},
		{
			name:        "garbage output",
			output:      oscmd.Output{Stdout: []byte("COMMAND PID\n")},
			expectError: errors.IsInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &mockRunner{}
			runner.On("Run", "lsof", lsofArgs("3000")).Return(tt.output, tt.runErr)

			status, err := NewLsofProber(runner, nil).Probe(context.Background(), 3000)
			if tt.expectError != nil {
				require.Error(t, err)
				assert.True(t, tt.expectError(err), "unexpected error type: %v", err)
				assert.False(t, status.Running)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, status)
			runner.AssertExpectations(t)
		})
	}
}

func TestLsofProber_InvalidPort(t *testing.T) {
	runner := &mockRunner{}
	_, err := NewLsofProber(runner, nil).Probe(context.Background(), 0)
	assert.True(t, errors.IsValidationError(err))
	runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

// buildFakeProc lays out a minimal /proc tree with one listener on port 3000
// (inode 555, owned by pid 42) and one established socket on 3001.
func buildFakeProc(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "net"), 0755))
	tcp := "  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode\n" +
		"   0: 0100007F:0BB8 00000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 555 1 0000000000000000 100 0 0 10 0\n" +
		"   1: 0100007F:0BB9 0100007F:D431 01 00000000:00000000 00:00000000 00000000  1000        0 777 1 0000000000000000 20 4 30 10 -1\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "net", "tcp"), []byte(tcp), 0644))

	fdDir := filepath.Join(root, "42", "fd")
	require.NoError(t, os.MkdirAll(fdDir, 0755))
	require.NoError(t, os.Symlink("socket:[555]", filepath.Join(fdDir, "3")))
	require.NoError(t, os.Symlink("/dev/null", filepath.Join(fdDir, "0")))

	otherFd := filepath.Join(root, "43", "fd")
	require.NoError(t, os.MkdirAll(otherFd, 0755))
	require.NoError(t, os.Symlink("socket:[777]", filepath.Join(otherFd, "5")))

	require.NoError(t, os.MkdirAll(filepath.Join(root, "self"), 0755))
	return root
}

func TestProcfsProber_FakeTree(t *testing.T) {
	root := buildFakeProc(t)
	prober := NewProcfsProber(root, nil)

	status, err := prober.Probe(context.Background(), 3000)
	require.NoError(t, err)
	assert.Equal(t, PortStatus{Port: 3000, Running: true, PIDs: []int{42}}, status)

	// 3001 only has an established connection, not a listener
	status, err = prober.Probe(context.Background(), 3001)
	require.NoError(t, err)
	assert.False(t, status.Running)
	assert.Empty(t, status.PIDs)
}

func TestProcfsProber_OwnerNotFound(t *testing.T) {
	root := buildFakeProc(t)
	require.NoError(t, os.RemoveAll(filepath.Join(root, "42")))

	_, err := NewProcfsProber(root, nil).Probe(context.Background(), 3000)
	require.Error(t, err)
	assert.True(t, errors.IsUnavailableError(err))
}

func TestProcfsProber_MissingTables(t *testing.T) {
	_, err := NewProcfsProber(t.TempDir(), nil).Probe(context.Background(), 3000)
	require.Error(t, err)
	assert.True(t, errors.IsUnavailableError(err))
}

func TestProcfsProber_RealListener(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("procfs backend is linux only")
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	status, err := NewProcfsProber(DefaultProcRoot, nil).Probe(context.Background(), port)
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Contains(t, status.PIDs, os.Getpid())

	listener.Close()
	status, err = NewProcfsProber(DefaultProcRoot, nil).Probe(context.Background(), port)
	require.NoError(t, err)
	assert.False(t, status.Running)
}

func TestLsofProber_RealListener(t *testing.T) {
	if _, err := exec.LookPath("lsof"); err != nil {
		t.Skip("lsof not installed")
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	status, err := NewLsofProber(oscmd.NewExecRunner(), nil).Probe(context.Background(), port)
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Contains(t, status.PIDs, os.Getpid())
}

type slowProber struct{}

func (slowProber) Probe(ctx context.Context, port int) (PortStatus, error) {
	<-ctx.Done()
	return PortStatus{Port: port}, nil
}

func TestWithTimeout(t *testing.T) {
	start := time.Now()
	_, err := WithTimeout(slowProber{}, 50*time.Millisecond).Probe(context.Background(), 3000)
	require.Error(t, err)
	assert.True(t, errors.IsTimeoutError(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestNewProber_UnknownBackend(t *testing.T) {
	_, err := NewProber("netstat", nil)
	assert.True(t, errors.IsValidationError(err))
}
