package portal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/core-tools/hsu-devportal-go/pkg/api"
	"github.com/core-tools/hsu-devportal-go/pkg/control"
	"github.com/core-tools/hsu-devportal-go/pkg/errors"
	"github.com/core-tools/hsu-devportal-go/pkg/launcher"
	"github.com/core-tools/hsu-devportal-go/pkg/launcher/launchertest"
	"github.com/core-tools/hsu-devportal-go/pkg/oscmd"
	"github.com/core-tools/hsu-devportal-go/pkg/portprobe"
	"github.com/core-tools/hsu-devportal-go/pkg/registry"
	"github.com/core-tools/hsu-devportal-go/pkg/status"
	"github.com/core-tools/hsu-devportal-go/pkg/supervisor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	launchertest.RunHelperIfRequested()
	os.Exit(m.Run())
}

// fakeOS binds a port on spawn and frees it on any signal.
type fakeOS struct {
	mu      sync.Mutex
	nextPID int
	bound   map[int][]int
	ports   map[string]int
	spawned []string
}

func newFakeOS() *fakeOS {
	return &fakeOS{nextPID: 100, bound: map[int][]int{}, ports: map[string]int{}}
}

func (f *fakeOS) Probe(ctx context.Context, port int) (portprobe.PortStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pids := append([]int{}, f.bound[port]...)
	return portprobe.PortStatus{Port: port, Running: len(pids) > 0, PIDs: pids}, nil
}

func (f *fakeOS) Spawn(ctx context.Context, spec launcher.SpawnSpec) (int, error) {
	defer spec.Output.Close()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	f.bound[f.ports[spec.ServiceID]] = []int{f.nextPID}
	f.spawned = append(f.spawned, spec.ServiceID)
	return f.nextPID, nil
}

func (f *fakeOS) Signal(pid int, sig launcher.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for port, pids := range f.bound {
		for _, p := range pids {
			if p == pid {
				delete(f.bound, port)
			}
		}
	}
	return nil
}

type fakeHealth struct{}

func (fakeHealth) Probe(ctx context.Context, rawURL string, timeout time.Duration) bool { return false }

func scenarioConfig() *registry.PortalConfig {
	return &registry.PortalConfig{
		Portal: registry.PortalOptions{
			LogLevel:     "info",
			ProbeBackend: registry.ProbeBackendAuto,
			GraceTimeout: 1 * time.Second,
		},
		Suite: registry.SuiteConfig{Backend: registry.SupervisorBackendNone},
		Services: []registry.ServiceConfig{
			{ID: "web", Name: "Web", Ports: []int{3000}, StartCommand: "pnpm web"},
			{ID: "api", Name: "API", Ports: []int{3001}, StartCommand: "pnpm api", HealthURL: "http://localhost:3001/health"},
		},
	}
}

func newFakePortal(t *testing.T) (*Portal, *fakeOS) {
	t.Helper()
	host := newFakeOS()
	host.ports["web"] = 3000
	host.ports["api"] = 3001

	p, err := New(scenarioConfig(), Components{
		PortProber:      host,
		HealthProber:    fakeHealth{},
		Supervisor:      supervisor.NewNone(),
		Spawner:         host,
		Signaler:        host,
		LauncherOptions: launcher.Options{PollInterval: 5 * time.Millisecond, SettleWindow: 20 * time.Millisecond},
	}, nil)
	require.NoError(t, err)
	return p, host
}

func portRunning(t *testing.T, p *Portal, port int) bool {
	t.Helper()
	ports, err := p.GetPortStatus(context.Background())
	require.NoError(t, err)
	for _, ps := range ports {
		if ps.Port == port {
			return ps.Running
		}
	}
	t.Fatalf("port %d not reported", port)
	return false
}

func TestPortal_StartStopScenario(t *testing.T) {
	p, _ := newFakePortal(t)
	ctx := context.Background()

	result, err := p.Control(ctx, control.Request{Target: "web", Action: control.ActionStart})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)
	assert.True(t, portRunning(t, p, 3000))
	assert.False(t, portRunning(t, p, 3001))

	statuses, err := p.GetServiceStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, status.ServiceStatus{ID: "web", Running: true, Healthy: true, Ports: []int{3000}, PIDs: []int{101}}, statuses[0])
	assert.False(t, statuses[1].Running)

	result, err = p.Control(ctx, control.Request{Target: "web", Action: control.ActionStop})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "stopped", result.Outcome)
	assert.False(t, portRunning(t, p, 3000))
}

func TestPortal_Operations(t *testing.T) {
	p, host := newFakePortal(t)
	ctx := context.Background()

	services, err := p.ListServices(ctx)
	require.NoError(t, err)
	require.Len(t, services, 2)
	assert.Equal(t, "web", services[0].ID)
	assert.Equal(t, "http://localhost:3001/health", services[1].HealthURL)

	healthMap, err := p.GetHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"web": false, "api": false}, healthMap)

	result, _ := p.Control(ctx, control.Request{Target: "doesNotExist", Action: control.ActionStart})
	assert.False(t, result.Success)
	assert.Equal(t, control.ErrorKindValidation, result.ErrorKind)
	assert.Empty(t, host.spawned)

	result, _ = p.Control(ctx, control.Request{Target: "suite", Action: control.ActionStop})
	assert.True(t, result.Success)
	assert.Equal(t, "not_loaded", result.Outcome)

	assert.Equal(t, "info", p.Config().Portal.LogLevel)
	assert.True(t, p.Registry().Has("api"))
}

func TestNew_InvalidConfig(t *testing.T) {
	config := scenarioConfig()
	config.Services[1].Ports = []int{3000}

	_, err := New(config, Components{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestNewFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devportal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
portal:
  probe_backend: auto
  log_directory: `+filepath.Join(dir, "logs")+`
suite:
  backend: none
  ports: [4000]
services:
  - id: web
    ports: [3000]
    start_command: pnpm web
`), 0644))

	p, err := NewFromFile(path, nil)
	require.NoError(t, err)
	assert.Equal(t, registry.DefaultGraceTimeout, p.Config().Portal.GraceTimeout)
	assert.Equal(t, []int{3000, 4000}, p.Registry().Ports())

	_, err = NewFromFile(filepath.Join(dir, "missing.yaml"), nil)
	assert.True(t, errors.IsIOError(err))
}

func TestValidateConfigFileAndSummary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devportal.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[portal]
listen = "127.0.0.1:4200"

[suite]
backend = "none"

[[services]]
id = "web"
ports = [3000, 3100]
start_command = "pnpm web"
health_url = "http://localhost:3000"
`), 0644))

	config, err := ValidateConfigFile(path)
	require.NoError(t, err)

	summary := GetConfigSummary(config)
	assert.Equal(t, "127.0.0.1:4200", summary.Listen)
	assert.Equal(t, "none", summary.SuiteBackend)
	assert.Equal(t, 1, summary.TotalServices)
	assert.Equal(t, ServiceSummary{ID: "web", Ports: []int{3000, 3100}, Command: "pnpm web", HealthURL: "http://localhost:3000"}, summary.Services[0])

	assert.Equal(t, "configuration is nil", GetConfigSummary(nil).Error)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("services:\n  - id: suite\n    ports: [1]\n    start_command: x\n"), 0644))
	_, err = ValidateConfigFile(bad)
	assert.True(t, errors.IsValidationError(err))
}

func TestRun_StopsAfterRunDuration(t *testing.T) {
	config := scenarioConfig()
	config.Portal.LogDirectory = t.TempDir()

	done := make(chan error, 1)
	go func() {
		done <- Run(config, RunOptions{Listen: "127.0.0.1:0", RunDuration: 200 * time.Millisecond}, nil)
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after its run duration")
	}
}

func TestRun_InvalidListen(t *testing.T) {
	err := Run(scenarioConfig(), RunOptions{Listen: "pipe://devportal"}, nil)
	assert.True(t, errors.IsValidationError(err))
}

// Real processes: the test binary re-execs itself as a listener.
func TestPortal_RealProcessScenario(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("procfs port probing is linux only")
	}

	webPort := launchertest.FreePort(t)
	apiPort := launchertest.FreePort(t)
	command, env := launchertest.HelperCommand(webPort, false)
	logDir := t.TempDir()

	p, err := New(&registry.PortalConfig{
		Portal: registry.PortalOptions{
			LogLevel:      "debug",
			ProbeBackend:  registry.ProbeBackendProcfs,
			ProbeTimeout:  2 * time.Second,
			HealthTimeout: 500 * time.Millisecond,
			GraceTimeout:  3 * time.Second,
			LogDirectory:  logDir,
			LockDirectory: t.TempDir(),
		},
		Suite: registry.SuiteConfig{Backend: registry.SupervisorBackendNone},
		Services: []registry.ServiceConfig{
			{ID: "web", Ports: []int{webPort}, StartCommand: command, Environment: env},
			{ID: "api", Ports: []int{apiPort}, StartCommand: "exit 0", HealthURL: fmt.Sprintf("http://127.0.0.1:%d/health", apiPort)},
		},
	}, Components{LauncherOptions: launcher.Options{PollInterval: 50 * time.Millisecond}}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	t.Cleanup(func() {
		p.Control(context.Background(), control.Request{Target: "web", Action: control.ActionStop})
	})

	result, err := p.Control(ctx, control.Request{Target: "web", Action: control.ActionStart})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "started", result.Outcome)

	require.Eventually(t, func() bool { return portRunning(t, p, webPort) }, 10*time.Second, 50*time.Millisecond)

	statuses, err := p.GetServiceStatus(ctx)
	require.NoError(t, err)
	assert.True(t, statuses[0].Running)
	assert.NotEmpty(t, statuses[0].PIDs)
	assert.False(t, statuses[1].Running)
	assert.False(t, statuses[1].Healthy)

	result, _ = p.Control(ctx, control.Request{Target: "web", Action: control.ActionStart})
	assert.True(t, result.Success)
	assert.Equal(t, "already_running", result.Outcome)

	result, _ = p.Control(ctx, control.Request{Target: "web", Action: control.ActionStop})
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "stopped", result.Outcome)
	assert.False(t, portRunning(t, p, webPort))

	logData, err := os.ReadFile(filepath.Join(logDir, "web.log"))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "launching web")
	assert.Contains(t, string(logData), "helper listening")
}

// stuckRunner models a supervisor utility that never exits on its own.
type stuckRunner struct{}

func (stuckRunner) Run(ctx context.Context, name string, args ...string) (oscmd.Output, error) {
	<-ctx.Done()
	return oscmd.Output{}, errors.NewTimeoutError("command timed out", ctx.Err()).WithContext("command", name)
}

func TestPortal_SuiteControlIsBounded(t *testing.T) {
	config := scenarioConfig()
	config.Portal.SupervisorTimeout = 100 * time.Millisecond
	config.Suite = registry.SuiteConfig{
		Backend:   registry.SupervisorBackendLaunchd,
		Label:     "com.msuite.dev",
		PlistPath: "/tmp/com.msuite.dev.plist",
	}
	host := newFakeOS()

	p, err := New(config, Components{
		PortProber:   host,
		HealthProber: fakeHealth{},
		Spawner:      host,
		Signaler:     host,
		Runner:       stuckRunner{},
	}, nil)
	require.NoError(t, err)

	done := make(chan control.Result, 1)
	go func() {
		result, _ := p.Control(context.WithoutCancel(context.Background()), control.Request{Target: "suite", Action: control.ActionStart})
		done <- result
	}()

	select {
	case result := <-done:
		assert.False(t, result.Success)
		assert.Equal(t, control.ErrorKindOperational, result.ErrorKind)
		assert.Contains(t, result.Error, "timed out")
	case <-time.After(5 * time.Second):
		t.Fatal("suite start still hanging")
	}
}

func TestPortal_ControlTimeout(t *testing.T) {
	t.Run("widest service stop dominates", func(t *testing.T) {
		config := scenarioConfig()
		config.Portal.GraceTimeout = 60 * time.Second
		config.Portal.ProbeTimeout = 2 * time.Second
		config.Portal.SupervisorTimeout = 10 * time.Second
		config.Services = append(config.Services, registry.ServiceConfig{
			ID: "customs", Name: "Customs", Ports: []int{5173, 3100, 3102}, StartCommand: "pnpm customs",
		})

		p, err := New(config, Components{PortProber: newFakeOS(), HealthProber: fakeHealth{}, Supervisor: supervisor.NewNone()}, nil)
		require.NoError(t, err)

		// three ports of grace, settle and two probes each, then the launch probe
		perPort := 60*time.Second + launcher.DefaultSettleWindow + 4*time.Second
		assert.Equal(t, 3*perPort+2*time.Second+controlTimeoutMargin, p.ControlTimeout())
		assert.Greater(t, p.ControlTimeout(), api.DefaultWriteTimeout)
	})

	t.Run("slow supervisor dominates", func(t *testing.T) {
		config := scenarioConfig()
		config.Portal.ProbeTimeout = time.Second
		config.Portal.SupervisorTimeout = 30 * time.Second

		p, err := New(config, Components{PortProber: newFakeOS(), HealthProber: fakeHealth{}, Supervisor: supervisor.NewNone()}, nil)
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second+controlTimeoutMargin, p.ControlTimeout())
	})
}
