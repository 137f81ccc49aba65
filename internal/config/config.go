package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/schaermu/hostcfg/internal/duration"
	"github.com/schaermu/hostcfg/internal/state"
	"github.com/schaermu/hostcfg/internal/system"
	"github.com/schaermu/hostcfg/internal/template"
	"gopkg.in/yaml.v3"
)

const (
	defaultRefresh         = 24 * time.Hour
	defaultDebounce        = 5 * time.Second
	defaultListenAddr      = "127.0.0.1:8787"
	pushEvent              = "push"
	defaultHierarchyLayer1 = "db/{distro}.yaml"
	defaultHierarchyLayer2 = "db/common.yaml"
)

// Config represents the complete hostcfg.yaml configuration
type Config struct {
	// Home overrides the home directory, relative to the root.
	Home      string              `yaml:"home"`
	Hierarchy []template.Template `yaml:"hierarchy"`
	Systems   []system.Decl       `yaml:"systems"`

	GitRefresh      duration.Duration `yaml:"git_refresh"`
	PackageRefresh  duration.Duration `yaml:"package_refresh"`
	TemplateRefresh duration.Duration `yaml:"template_refresh"`

	// Parallelism bounds the number of units applied at once. Zero means
	// the number of CPUs.
	Parallelism int `yaml:"parallelism" validate:"gte=0,lte=1024"`

	Metrics MetricsConfig `yaml:"metrics"`
	Auth    AuthConfig    `yaml:"auth"`
	Serve   ServeConfig   `yaml:"serve"`
}

// MetricsConfig configures run metrics
type MetricsConfig struct {
	// Textfile is written in the node-exporter textfile format after each
	// run when set.
	Textfile string `yaml:"textfile"`
}

// AuthConfig configures Git authentication for the configuration root and
// git-sync systems
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	ListenAddr              string            `yaml:"listen_addr" validate:"omitempty,hostname_port"`
	GitHubWebhookSecretFile string            `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string          `yaml:"allowed_event_types"`
	AllowedRefs             []string          `yaml:"allowed_refs"`
	Debounce                duration.Duration `yaml:"debounce"`
}

var validate = validator.New()

// Default returns the configuration used when no hostcfg.yaml exists.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads and parses the configuration file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Expand environment variables in string fields
	cfg.expandEnv()

	// Apply defaults
	cfg.applyDefaults()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in the string fields that are not
// templates
func (c *Config) expandEnv() {
	c.Metrics.Textfile = os.ExpandEnv(c.Metrics.Textfile)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if len(c.Hierarchy) == 0 {
		c.Hierarchy = []template.Template{
			template.MustParse(defaultHierarchyLayer1),
			template.MustParse(defaultHierarchyLayer2),
		}
	}
	if c.GitRefresh.Duration == 0 {
		c.GitRefresh.Duration = defaultRefresh
	}
	if c.PackageRefresh.Duration == 0 {
		c.PackageRefresh.Duration = defaultRefresh
	}
	if c.TemplateRefresh.Duration == 0 {
		c.TemplateRefresh.Duration = defaultRefresh
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = defaultListenAddr
	}
	if len(c.Serve.AllowedEventTypes) == 0 {
		c.Serve.AllowedEventTypes = []string{pushEvent}
	}
	if c.Serve.Debounce.Duration == 0 {
		c.Serve.Debounce.Duration = defaultDebounce
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.Home != "" && filepath.IsAbs(c.Home) {
		return fmt.Errorf("home must be relative to the configuration root: %s", c.Home)
	}

	if c.GitRefresh.Duration < 0 || c.PackageRefresh.Duration < 0 || c.TemplateRefresh.Duration < 0 {
		return fmt.Errorf("refresh intervals must not be negative")
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	return nil
}

// ValidateServe checks the settings needed by the webhook server
func (c *Config) ValidateServe() error {
	if c.Serve.ListenAddr == "" {
		return fmt.Errorf("serve.listen_addr is required")
	}
	if c.Serve.GitHubWebhookSecretFile == "" {
		return fmt.Errorf("serve.github_webhook_secret_file is required")
	}
	return nil
}

// Refresh returns the configured refresh intervals
func (c *Config) Refresh() state.Refresh {
	return state.Refresh{
		Git:       c.GitRefresh.Duration,
		Packages:  c.PackageRefresh.Duration,
		Templates: c.TemplateRefresh.Duration,
	}
}

// HomeDir resolves the home directory, honoring the home override
func (c *Config) HomeDir(root string) (string, error) {
	if c.Home != "" {
		return filepath.Join(root, filepath.FromSlash(c.Home)), nil
	}
	return os.UserHomeDir()
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}
