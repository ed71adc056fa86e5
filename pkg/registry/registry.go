package registry

import (
	"sort"

	"github.com/core-tools/hsu-devportal-go/pkg/errors"
)

// ServiceDescriptor is the immutable description of one managed service.
// Ports[0] is the primary port.
type ServiceDescriptor struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Description      string   `json:"description,omitempty"`
	URL              string   `json:"url,omitempty"`
	Ports            []int    `json:"ports"`
	StartCommand     string   `json:"startCommand"`
	WorkingDirectory string   `json:"workingDirectory,omitempty"`
	Environment      []string `json:"-"`
	HealthURL        string   `json:"healthUrl,omitempty"`
}

// PrimaryPort returns the port used to gate start/stop decisions.
func (d ServiceDescriptor) PrimaryPort() int {
	if len(d.Ports) == 0 {
		return 0
	}
	return d.Ports[0]
}

// Registry is the read-only, load-once service catalogue.
type Registry struct {
	services []ServiceDescriptor
	byID     map[string]int
	suite    SuiteConfig
	ports    []int
}

// NewRegistry validates config and builds a registry from it.
func NewRegistry(config *PortalConfig) (*Registry, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	r := &Registry{
		services: make([]ServiceDescriptor, 0, len(config.Services)),
		byID:     make(map[string]int, len(config.Services)),
		suite:    config.Suite,
	}
	r.suite.Ports = append([]int(nil), config.Suite.Ports...)

	seen := make(map[int]struct{})
	for _, port := range config.Suite.Ports {
		seen[port] = struct{}{}
	}

	for _, sc := range config.Services {
		descriptor := ServiceDescriptor{
			ID:               sc.ID,
			Name:             sc.Name,
			Description:      sc.Description,
			URL:              sc.URL,
			Ports:            append([]int(nil), sc.Ports...),
			StartCommand:     sc.StartCommand,
			WorkingDirectory: sc.WorkingDirectory,
			Environment:      append([]string(nil), sc.Environment...),
			HealthURL:        sc.HealthURL,
		}
		r.byID[descriptor.ID] = len(r.services)
		r.services = append(r.services, descriptor)

		for _, port := range sc.Ports {
			seen[port] = struct{}{}
		}
	}

	r.ports = make([]int, 0, len(seen))
	for port := range seen {
		r.ports = append(r.ports, port)
	}
	sort.Ints(r.ports)

	return r, nil
}

// LoadRegistry loads, validates and builds a registry from a config file.
func LoadRegistry(filename string) (*Registry, *PortalConfig, error) {
	config, err := LoadConfigFromFile(filename)
	if err != nil {
		return nil, nil, err
	}
	r, err := NewRegistry(config)
	if err != nil {
		return nil, nil, errors.NewValidationError("configuration validation failed", err).WithContext("config_file", filename)
	}
	return r, config, nil
}

// Services returns descriptors in declaration order.
func (r *Registry) Services() []ServiceDescriptor {
	out := make([]ServiceDescriptor, len(r.services))
	for i, d := range r.services {
		out[i] = d.clone()
	}
	return out
}

func (r *Registry) Get(id string) (ServiceDescriptor, bool) {
	idx, ok := r.byID[id]
	if !ok {
		return ServiceDescriptor{}, false
	}
	return r.services[idx].clone(), true
}

func (r *Registry) Has(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// Ports returns every distinct declared port (services and suite), ascending.
func (r *Registry) Ports() []int {
	return append([]int(nil), r.ports...)
}

// OwnerOf returns the service id that declared port, SuiteTargetID for suite
// ports, or "" when the port is unknown.
func (r *Registry) OwnerOf(port int) string {
	for _, d := range r.services {
		for _, p := range d.Ports {
			if p == port {
				return d.ID
			}
		}
	}
	for _, p := range r.suite.Ports {
		if p == port {
			return SuiteTargetID
		}
	}
	return ""
}

func (r *Registry) Suite() SuiteConfig {
	suite := r.suite
	suite.Ports = append([]int(nil), r.suite.Ports...)
	return suite
}

func (d ServiceDescriptor) clone() ServiceDescriptor {
	d.Ports = append([]int(nil), d.Ports...)
	d.Environment = append([]string(nil), d.Environment...)
	return d
}
