package registry

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/core-tools/hsu-devportal-go/pkg/errors"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// SuiteTargetID is reserved for the suite meta-service and cannot be used as a service id.
const SuiteTargetID = "suite"

// PortalConfig represents the top-level configuration file structure
type PortalConfig struct {
	Portal   PortalOptions   `yaml:"portal" toml:"portal"`
	Suite    SuiteConfig     `yaml:"suite" toml:"suite"`
	Services []ServiceConfig `yaml:"services" toml:"services"`
}

// PortalOptions represents control plane level configuration
type PortalOptions struct {
	Listen            string        `yaml:"listen,omitempty" toml:"listen"`
	LogLevel          string        `yaml:"log_level,omitempty" toml:"log_level"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout,omitempty" toml:"probe_timeout"`
	HealthTimeout     time.Duration `yaml:"health_timeout,omitempty" toml:"health_timeout"`
	GraceTimeout      time.Duration `yaml:"grace_timeout,omitempty" toml:"grace_timeout"`
	SupervisorTimeout time.Duration `yaml:"supervisor_timeout,omitempty" toml:"supervisor_timeout"`
	ProbeBackend      ProbeBackend  `yaml:"probe_backend,omitempty" toml:"probe_backend"`
	LogDirectory      string        `yaml:"log_directory,omitempty" toml:"log_directory"`
	LockDirectory     string        `yaml:"lock_directory,omitempty" toml:"lock_directory"` // Empty disables cross-process locks
}

// SuiteConfig describes the OS supervisor unit that groups all services
type SuiteConfig struct {
	Backend   SupervisorBackend `yaml:"backend,omitempty" toml:"backend"`
	Label     string            `yaml:"label,omitempty" toml:"label"`
	PlistPath string            `yaml:"plist_path,omitempty" toml:"plist_path"`
	Unit      string            `yaml:"unit,omitempty" toml:"unit"`
	Ports     []int             `yaml:"ports,omitempty" toml:"ports"`
}

// ServiceConfig represents a single service entry
type ServiceConfig struct {
	ID               string   `yaml:"id" toml:"id"`
	Name             string   `yaml:"name" toml:"name"`
	Description      string   `yaml:"description,omitempty" toml:"description"`
	URL              string   `yaml:"url,omitempty" toml:"url"`
	Ports            []int    `yaml:"ports" toml:"ports"`
	StartCommand     string   `yaml:"start_command" toml:"start_command"`
	WorkingDirectory string   `yaml:"working_directory,omitempty" toml:"working_directory"`
	Environment      []string `yaml:"environment,omitempty" toml:"environment"`
	HealthURL        string   `yaml:"health_url,omitempty" toml:"health_url"`
}

type ProbeBackend string

const (
	ProbeBackendAuto   ProbeBackend = "auto"
	ProbeBackendLsof   ProbeBackend = "lsof"
	ProbeBackendProcfs ProbeBackend = "procfs"
)

type SupervisorBackend string

const (
	SupervisorBackendLaunchd SupervisorBackend = "launchd"
	SupervisorBackendSystemd SupervisorBackend = "systemd"
	SupervisorBackendNone    SupervisorBackend = "none"
)

const (
	DefaultListen            = "127.0.0.1:4100"
	DefaultLogLevel          = "info"
	DefaultProbeTimeout      = 2 * time.Second
	DefaultHealthTimeout     = 2 * time.Second
	DefaultGraceTimeout      = 5 * time.Second
	DefaultSupervisorTimeout = 10 * time.Second
	DefaultSuiteLabel        = "com.msuite.dev"

	minGraceTimeout = 1 * time.Second
	maxGraceTimeout = 60 * time.Second
)

var serviceIDPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]{0,63}$`)

// LoadConfigFromFile reads a YAML (default) or TOML (.toml) configuration file and applies defaults.
func LoadConfigFromFile(filename string) (*PortalConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	var config PortalConfig
	if strings.EqualFold(filepath.Ext(filename), ".toml") {
		if _, err := toml.Decode(string(data), &config); err != nil {
			return nil, errors.NewValidationError("failed to parse TOML configuration", err).WithContext("filename", filename)
		}
	} else {
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, errors.NewValidationError("failed to parse YAML configuration", err).WithContext("filename", filename)
		}
	}

	if err := setConfigDefaults(&config); err != nil {
		return nil, errors.NewValidationError("failed to apply configuration defaults", err)
	}

	return &config, nil
}

// ValidateConfig validates a loaded configuration
func ValidateConfig(config *PortalConfig) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validatePortalOptions(&config.Portal); err != nil {
		return errors.NewValidationError("invalid portal configuration", err)
	}

	if err := validateSuiteConfig(&config.Suite); err != nil {
		return errors.NewValidationError("invalid suite configuration", err)
	}

	if err := validateServicesConfig(config.Services, config.Suite.Ports); err != nil {
		return errors.NewValidationError("invalid services configuration", err)
	}

	return nil
}

// ValidateServiceID checks the format of a service identifier
func ValidateServiceID(id string) error {
	if id == "" {
		return errors.NewValidationError("service ID cannot be empty", nil)
	}
	if id == SuiteTargetID {
		return errors.NewValidationError(fmt.Sprintf("service ID '%s' is reserved", SuiteTargetID), nil)
	}
	if !serviceIDPattern.MatchString(id) {
		return errors.NewValidationError("service ID must start with a letter and contain only letters, digits, '.', '_' or '-'", nil).
			WithContext("service_id", id)
	}
	return nil
}

func setConfigDefaults(config *PortalConfig) error {
	portal := &config.Portal
	if portal.Listen == "" {
		portal.Listen = DefaultListen
	}
	if portal.LogLevel == "" {
		portal.LogLevel = DefaultLogLevel
	}
	if portal.ProbeTimeout == 0 {
		portal.ProbeTimeout = DefaultProbeTimeout
	}
	if portal.HealthTimeout == 0 {
		portal.HealthTimeout = DefaultHealthTimeout
	}
	if portal.GraceTimeout == 0 {
		portal.GraceTimeout = DefaultGraceTimeout
	}
	if portal.SupervisorTimeout == 0 {
		portal.SupervisorTimeout = DefaultSupervisorTimeout
	}
	if portal.ProbeBackend == "" {
		portal.ProbeBackend = ProbeBackendAuto
	}
	if portal.LogDirectory == "" {
		portal.LogDirectory = filepath.Join(os.TempDir(), "hsu-devportal", "logs")
	}

	var err error
	if portal.LogDirectory, err = ExpandHome(portal.LogDirectory); err != nil {
		return err
	}
	if portal.LockDirectory, err = ExpandHome(portal.LockDirectory); err != nil {
		return err
	}

	suite := &config.Suite
	if suite.Backend == "" {
		suite.Backend = SupervisorBackendNone
	}
	if suite.Label == "" {
		suite.Label = DefaultSuiteLabel
	}
	if suite.Backend == SupervisorBackendLaunchd && suite.PlistPath == "" {
		suite.PlistPath = filepath.Join("~", "Library", "LaunchAgents", suite.Label+".plist")
	}
	if suite.Backend == SupervisorBackendSystemd && suite.Unit == "" {
		suite.Unit = suite.Label + ".service"
	}
	if suite.PlistPath, err = ExpandHome(suite.PlistPath); err != nil {
		return err
	}

	for i := range config.Services {
		service := &config.Services[i]
		if service.Name == "" {
			service.Name = service.ID
		}
		if service.WorkingDirectory, err = ExpandHome(service.WorkingDirectory); err != nil {
			return err
		}
	}

	return nil
}

func validatePortalOptions(options *PortalOptions) error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, options.LogLevel) {
		return errors.NewValidationError(
			fmt.Sprintf("invalid log level: %s", options.LogLevel),
			nil,
		).WithContext("valid_levels", "debug, info, warn, error")
	}

	switch options.ProbeBackend {
	case ProbeBackendAuto, ProbeBackendLsof, ProbeBackendProcfs:
	default:
		return errors.NewValidationError(
			fmt.Sprintf("invalid probe backend: %s", options.ProbeBackend),
			nil,
		).WithContext("valid_backends", "auto, lsof, procfs")
	}

	if options.ProbeTimeout < 0 || options.HealthTimeout < 0 || options.SupervisorTimeout < 0 {
		return errors.NewValidationError("timeouts cannot be negative", nil)
	}

	if options.GraceTimeout < minGraceTimeout || options.GraceTimeout > maxGraceTimeout {
		return errors.NewValidationError(
			fmt.Sprintf("invalid grace timeout: %v", options.GraceTimeout),
			nil,
		).WithContext("valid_range", fmt.Sprintf("%v-%v", minGraceTimeout, maxGraceTimeout))
	}

	return nil
}

func validateSuiteConfig(suite *SuiteConfig) error {
	switch suite.Backend {
	case SupervisorBackendLaunchd:
		if suite.PlistPath == "" {
			return errors.NewValidationError("launchd backend requires plist_path", nil)
		}
	case SupervisorBackendSystemd:
		if suite.Unit == "" {
			return errors.NewValidationError("systemd backend requires unit", nil)
		}
	case SupervisorBackendNone:
	default:
		return errors.NewValidationError(
			fmt.Sprintf("invalid supervisor backend: %s", suite.Backend),
			nil,
		).WithContext("valid_backends", "launchd, systemd, none")
	}

	for _, port := range suite.Ports {
		if err := validatePort(port); err != nil {
			return err
		}
	}

	return nil
}

func validateServicesConfig(services []ServiceConfig, suitePorts []int) error {
	seenIDs := make(map[string]int)
	portOwners := make(map[int]string)

	for _, port := range suitePorts {
		if owner, exists := portOwners[port]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("port %d declared twice by %s", port, owner),
				nil,
			)
		}
		portOwners[port] = SuiteTargetID
	}

	for i, service := range services {
		if err := ValidateServiceID(service.ID); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("invalid service ID at index %d", i),
				err,
			).WithContext("service_id", service.ID)
		}

		if prevIndex, exists := seenIDs[service.ID]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate service ID '%s' found at indices %d and %d", service.ID, prevIndex, i),
				nil,
			)
		}
		seenIDs[service.ID] = i

		if len(service.Ports) == 0 {
			return errors.NewValidationError("service must declare at least one port", nil).
				WithContext("service_id", service.ID)
		}

		for _, port := range service.Ports {
			if err := validatePort(port); err != nil {
				return errors.NewValidationError("invalid service port", err).WithContext("service_id", service.ID)
			}
			if owner, exists := portOwners[port]; exists {
				return errors.NewConflictError(
					fmt.Sprintf("port %d is claimed by both '%s' and '%s'", port, owner, service.ID),
					nil,
				).WithContext("port", port)
			}
			portOwners[port] = service.ID
		}

		if strings.TrimSpace(service.StartCommand) == "" {
			return errors.NewValidationError("start command cannot be empty", nil).
				WithContext("service_id", service.ID)
		}

		if service.HealthURL != "" {
			if err := validateHealthURL(service.HealthURL); err != nil {
				return errors.NewValidationError("invalid health URL", err).WithContext("service_id", service.ID)
			}
		}

		for _, entry := range service.Environment {
			if !strings.Contains(entry, "=") {
				return errors.NewValidationError("environment entries must be KEY=VALUE", nil).
					WithContext("service_id", service.ID).
					WithContext("entry", entry)
			}
		}
	}

	return nil
}

func validatePort(port int) error {
	if port <= 0 || port > 65535 {
		return errors.NewValidationError(
			fmt.Sprintf("invalid port number: %d", port),
			nil,
		).WithContext("valid_range", "1-65535")
	}
	return nil
}

func validateHealthURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch parsed.Scheme {
	case "http", "https", "grpc", "tcp":
	default:
		return fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

// ExpandHome replaces a leading "~" with the current user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.NewIOError("failed to resolve home directory", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
