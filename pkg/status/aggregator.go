package status

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/core-tools/hsu-devportal-go/pkg/errors"
	"github.com/core-tools/hsu-devportal-go/pkg/health"
	"github.com/core-tools/hsu-devportal-go/pkg/logging"
	"github.com/core-tools/hsu-devportal-go/pkg/portprobe"
	"github.com/core-tools/hsu-devportal-go/pkg/registry"

	"golang.org/x/sync/errgroup"
)

const DefaultConcurrency = 8

// ServiceStatus is derived on every request and never cached.
// Running reflects port binding only; Healthy adds the health probe.
type ServiceStatus struct {
	ID      string `json:"id"`
	Running bool   `json:"running"`
	Healthy bool   `json:"healthy"`
	Ports   []int  `json:"ports"`
	PIDs    []int  `json:"pids"`
	Warning string `json:"warning,omitempty"`
}

type PortStatus struct {
	Port    int    `json:"port"`
	Running bool   `json:"running"`
	PIDs    []int  `json:"pids"`
	Owner   string `json:"owner,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// Catalog is the read side of the service registry.
type Catalog interface {
	Services() []registry.ServiceDescriptor
	Ports() []int
	OwnerOf(port int) string
}

type Aggregator struct {
	catalog       Catalog
	ports         portprobe.Prober
	health        health.Prober
	healthTimeout time.Duration
	concurrency   int
	logger        logging.Logger
}

func NewAggregator(catalog Catalog, ports portprobe.Prober, healthProber health.Prober, healthTimeout time.Duration, logger logging.Logger) *Aggregator {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	if healthTimeout <= 0 {
		healthTimeout = health.DefaultTimeout
	}
	return &Aggregator{
		catalog:       catalog,
		ports:         ports,
		health:        healthProber,
		healthTimeout: healthTimeout,
		concurrency:   DefaultConcurrency,
		logger:        logger,
	}
}

type probeOutcome struct {
	status portprobe.PortStatus
	err    error
}

// StatusAll reports every service in registry order. A failed probe marks
// the affected port offline and sets Warning; it never fails the batch.
func (a *Aggregator) StatusAll(ctx context.Context) ([]ServiceStatus, error) {
	services := a.catalog.Services()

	var allPorts []int
	for _, svc := range services {
		allPorts = append(allPorts, svc.Ports...)
	}

	var (
		probes  map[int]probeOutcome
		healthy map[string]bool
	)
	g := new(errgroup.Group)
	g.Go(func() error {
		probes = a.probePorts(ctx, allPorts)
		return nil
	})
	g.Go(func() error {
		healthy = a.probeHealth(ctx, services)
		return nil
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("status request abandoned", err)
	}

	result := make([]ServiceStatus, 0, len(services))
	for _, svc := range services {
		status := ServiceStatus{
			ID:    svc.ID,
			Ports: append([]int{}, svc.Ports...),
			PIDs:  []int{},
		}

		var warnings []string
		seen := make(map[int]struct{})
		for _, port := range svc.Ports {
			outcome := probes[port]
			if outcome.err != nil {
				warnings = append(warnings, fmt.Sprintf("port %d: %v", port, outcome.err))
				continue
			}
			if outcome.status.Running {
				status.Running = true
			}
			for _, pid := range outcome.status.PIDs {
				if _, ok := seen[pid]; !ok {
					seen[pid] = struct{}{}
					status.PIDs = append(status.PIDs, pid)
				}
			}
		}
		sort.Ints(status.PIDs)
		status.Warning = strings.Join(warnings, "; ")

		if svc.HealthURL != "" {
			status.Healthy = healthy[svc.ID]
		} else {
			status.Healthy = status.Running
		}

		result = append(result, status)
	}
	return result, nil
}

// PortsAll reports every declared port, services and suite, ascending.
func (a *Aggregator) PortsAll(ctx context.Context) ([]PortStatus, error) {
	ports := a.catalog.Ports()
	probes := a.probePorts(ctx, ports)

	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("port status request abandoned", err)
	}

	result := make([]PortStatus, 0, len(ports))
	for _, port := range ports {
		outcome := probes[port]
		status := PortStatus{Port: port, PIDs: []int{}, Owner: a.catalog.OwnerOf(port)}
		if outcome.err != nil {
			status.Warning = outcome.err.Error()
		} else {
			status.Running = outcome.status.Running
			status.PIDs = append(status.PIDs, outcome.status.PIDs...)
		}
		result = append(result, status)
	}
	return result, nil
}

// HealthAll maps each service id to its composite health: the health URL
// answering 2xx, or a bound port for services without one.
func (a *Aggregator) HealthAll(ctx context.Context) (map[string]bool, error) {
	statuses, err := a.StatusAll(ctx)
	if err != nil {
		return nil, err
	}
	result := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		result[s.ID] = s.Healthy
	}
	return result, nil
}

func (a *Aggregator) probePorts(ctx context.Context, ports []int) map[int]probeOutcome {
	unique := make(map[int]struct{}, len(ports))
	for _, port := range ports {
		unique[port] = struct{}{}
	}

	var mutex sync.Mutex
	results := make(map[int]probeOutcome, len(unique))

	g := new(errgroup.Group)
	g.SetLimit(a.concurrency)

	for port := range unique {
		port := port
		g.Go(func() error {
			status, err := a.ports.Probe(ctx, port)
			if err != nil {
				a.logger.Warnf("Port probe failed, reporting offline, port: %d, error: %v", port, err)
			}
			mutex.Lock()
			defer mutex.Unlock()
			results[port] = probeOutcome{status: status, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (a *Aggregator) probeHealth(ctx context.Context, services []registry.ServiceDescriptor) map[string]bool {
	var mutex sync.Mutex
	results := make(map[string]bool)

	g := new(errgroup.Group)
	g.SetLimit(a.concurrency)

	for _, svc := range services {
		if svc.HealthURL == "" {
			continue
		}
		svc := svc
		g.Go(func() error {
			ok := a.health.Probe(ctx, svc.HealthURL, a.healthTimeout)
			mutex.Lock()
			defer mutex.Unlock()
			results[svc.ID] = ok
			return nil
		})
	}
	_ = g.Wait()
	return results
}
