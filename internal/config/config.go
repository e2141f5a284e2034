// Package config provides configuration loading and validation for fleetd.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the single YAML configuration document a manager instance loads at
// startup (spec.md §6 "Environment / configuration").
type Config struct {
	Name   string `yaml:"name"`
	Prefix string `yaml:"prefix"`

	GitHub GitHubConfig `yaml:"github"`

	RunnerCount  int      `yaml:"runnerCount"`
	RunnerLabels []string `yaml:"runnerLabels"`

	OpenStack OpenStackConfig `yaml:"openstack"`

	DockerhubMirror         string `yaml:"dockerhubMirror"`
	RepoPolicyComplianceURL string `yaml:"repoPolicyComplianceUrl"`
	RepoPolicyComplianceTok string `yaml:"repoPolicyComplianceToken"`
	EnableAproxy            bool   `yaml:"enableAproxy"`
	HTTPProxy               string `yaml:"httpProxy"`
	HTTPSProxy              string `yaml:"httpsProxy"`

	Reactive *ReactiveConfig `yaml:"reactive"`

	SSHDebugRelayHosts []string `yaml:"sshDebugRelayHosts"`

	Server ServerConfig `yaml:"server"`

	LogLevel string `yaml:"logLevel"`

	SystemUser string `yaml:"systemUser"`

	BuildModeTimeout time.Duration `yaml:"buildModeTimeout"`

	MetricsBaseDir  string `yaml:"metricsBaseDir"`
	QuarantineDir   string `yaml:"quarantineDir"`
	EventLogPath    string `yaml:"eventLogPath"`
	BinaryPath      string `yaml:"binaryPath"`
}

// GitHubConfig holds CI-service (GitHub Actions) authentication and scope.
type GitHubConfig struct {
	Token       string `yaml:"token"`
	TokenFile   string `yaml:"tokenFile"`
	Path        string `yaml:"path"` // "owner/repo" or "org"
	RunnerGroup string `yaml:"runnerGroup"`
	BaseURL     string `yaml:"baseUrl"` // override for GitHub Enterprise
}

// OpenStackConfig holds the IaaS credentials record (spec.md §6 "Cloud API").
type OpenStackConfig struct {
	AuthURL       string `yaml:"authUrl"`
	Project       string `yaml:"project"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	UserDomain    string `yaml:"userDomain"`
	ProjectDomain string `yaml:"projectDomain"`
	Region        string `yaml:"region"`

	Flavor  string `yaml:"flavor"`
	Network string `yaml:"network"`
	Image   string `yaml:"image"`
}

// ReactiveConfig enables reactive (queue-driven) mode when non-nil.
type ReactiveConfig struct {
	QueueURI          string        `yaml:"queueUri"`
	QueueName         string        `yaml:"queueName"`
	SupportedLabels   []string      `yaml:"supportedLabels"`
	VisibilityTimeout time.Duration `yaml:"visibilityTimeout"`
}

// ServerConfig holds HTTP server settings for the status/health/metrics surface.
type ServerConfig struct {
	Address        string `yaml:"address"`
	MetricsAddress string `yaml:"metricsAddress"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the config
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if cfg.GitHub.TokenFile != "" && cfg.GitHub.Token == "" {
		token, err := os.ReadFile(cfg.GitHub.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read github token file: %w", err)
		}
		cfg.GitHub.Token = strings.TrimSpace(string(token))
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = "0.0.0.0:8080"
	}
	if c.Server.MetricsAddress == "" {
		c.Server.MetricsAddress = "127.0.0.1:8081"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.SystemUser == "" {
		c.SystemUser = "fleet"
	}
	if c.BuildModeTimeout == 0 {
		c.BuildModeTimeout = 2 * time.Hour
	}
	if c.RunnerCount == 0 {
		c.RunnerCount = 1
	}
	if c.MetricsBaseDir == "" {
		c.MetricsBaseDir = "/var/lib/fleetd/metrics"
	}
	if c.QuarantineDir == "" {
		c.QuarantineDir = "/var/lib/fleetd/quarantine"
	}
	if c.EventLogPath == "" {
		c.EventLogPath = "/var/lib/fleetd/events.ndjson"
	}
	if c.BinaryPath == "" {
		if exe, err := os.Executable(); err == nil {
			c.BinaryPath = exe
		} else {
			c.BinaryPath = "fleetd"
		}
	}
	if c.Reactive != nil && c.Reactive.VisibilityTimeout == 0 {
		c.Reactive.VisibilityTimeout = 5 * time.Minute
	}
}

// validate checks that the configuration is valid.
func (c *Config) validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Prefix == "" {
		return fmt.Errorf("prefix is required")
	}
	if c.GitHub.Path == "" {
		return fmt.Errorf("github.path is required")
	}
	if c.GitHub.Token == "" {
		return fmt.Errorf("github.token or github.tokenFile is required")
	}
	if c.OpenStack.AuthURL == "" {
		return fmt.Errorf("openstack.authUrl is required")
	}
	if c.OpenStack.Flavor == "" {
		return fmt.Errorf("openstack.flavor is required")
	}
	if c.OpenStack.Network == "" {
		return fmt.Errorf("openstack.network is required")
	}
	if c.Reactive != nil {
		if c.Reactive.QueueURI == "" {
			return fmt.Errorf("reactive.queueUri is required when reactive mode is configured")
		}
		if c.Reactive.QueueName == "" {
			return fmt.Errorf("reactive.queueName is required when reactive mode is configured")
		}
		if len(c.Reactive.SupportedLabels) == 0 {
			return fmt.Errorf("reactive.supportedLabels must not be empty")
		}
	}
	return nil
}

// IsReactive reports whether the manager should run in reactive (queue-driven) mode.
func (c *Config) IsReactive() bool {
	return c.Reactive != nil
}

// RepoOrOrg splits GitHub.Path into owner/repo, or returns (org, "", true) for an
// organization-scoped manager.
func (c *Config) RepoOrOrg() (owner, repo string, isOrg bool) {
	parts := strings.SplitN(c.GitHub.Path, "/", 2)
	if len(parts) == 1 {
		return parts[0], "", true
	}
	return parts[0], parts[1], false
}
