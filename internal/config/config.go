// ABOUTME: Configuration loading and parsing for mcp-composer
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389/mcp-composer/internal/registry"
	"github.com/2389/mcp-composer/internal/supervisor"
	"github.com/2389/mcp-composer/internal/transport"
)

// Config represents the complete mcp-composer configuration
type Config struct {
	Servers     map[string]ServerConfig `yaml:"servers"`
	Composition CompositionConfig       `yaml:"composition"`
	Authz       AuthzConfig             `yaml:"authz"`
	Database    DatabaseConfig          `yaml:"database"`
	Logging     LoggingConfig           `yaml:"logging"`

	// CallTimeout bounds each routed invocation. Defaults to 30s.
	CallTimeout    time.Duration `yaml:"-"`
	CallTimeoutRaw string        `yaml:"call_timeout"`
}

// ServerConfig describes one composed server
type ServerConfig struct {
	Transport string            `yaml:"transport"`
	Command   []string          `yaml:"command"`
	Env       map[string]string `yaml:"env"`
	Dir       string            `yaml:"dir"`

	URL        string `yaml:"url"`
	MessageURL string `yaml:"message_url"`

	RestartPolicy string `yaml:"restart_policy"`
	MaxRestarts   int    `yaml:"max_restarts"`

	RestartDelay    time.Duration `yaml:"-"`
	RestartDelayRaw string        `yaml:"restart_delay"`

	AutoStart *bool `yaml:"auto_start"`
	Enabled   *bool `yaml:"enabled"`
}

// CompositionConfig holds name conflict resolution settings
type CompositionConfig struct {
	DefaultStrategy string            `yaml:"default_strategy"`
	CustomTemplate  string            `yaml:"custom_template"`
	Overrides       []OverrideConfig  `yaml:"overrides"`
	Aliases         map[string]string `yaml:"aliases"`
}

// OverrideConfig selects a strategy for names matching a wildcard pattern
type OverrideConfig struct {
	Pattern  string `yaml:"pattern"`
	Strategy string `yaml:"strategy"`
}

// AuthzConfig holds authorization settings
type AuthzConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Roles       []RoleConfig        `yaml:"roles"`
	Assignments map[string][]string `yaml:"assignments"`

	// ToolGroups defines pattern-based tool groups beyond the built-in
	// readonly/write/admin defaults.
	ToolGroups []ToolGroupConfig `yaml:"tool_groups"`
	// ToolGrants maps a user to tool permission strings in the
	// "tool:action" or "server:tool:action" form.
	ToolGrants map[string][]string `yaml:"tool_grants"`
}

// ToolGroupConfig defines one tool group
type ToolGroupConfig struct {
	Name          string   `yaml:"name"`
	Patterns      []string `yaml:"patterns"`
	ServerPattern string   `yaml:"server_pattern"`
	Description   string   `yaml:"description"`
}

// RoleConfig defines one role beyond the built-in defaults
type RoleConfig struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
	Parents     []string `yaml:"parents"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultCallTimeout bounds routed invocations when call_timeout is unset.
const DefaultCallTimeout = 30 * time.Second

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("at least one server is required")
	}

	for id, sc := range c.Servers {
		switch sc.Transport {
		case "stdio", "":
			if len(sc.Command) == 0 {
				return fmt.Errorf("servers.%s: command is required for stdio transport", id)
			}
		case "sse", "streaming":
			if sc.URL == "" {
				return fmt.Errorf("servers.%s: url is required for %s transport", id, sc.Transport)
			}
		default:
			return fmt.Errorf("servers.%s: unknown transport %q", id, sc.Transport)
		}

		switch sc.RestartPolicy {
		case "", "never", "on-failure", "always":
		default:
			return fmt.Errorf("servers.%s: unknown restart_policy %q", id, sc.RestartPolicy)
		}
	}

	if s := c.Composition.DefaultStrategy; s != "" && !registry.Strategy(s).Valid() {
		return fmt.Errorf("composition.default_strategy: unknown strategy %q", s)
	}
	if registry.Strategy(c.Composition.DefaultStrategy) == registry.StrategyCustom &&
		c.Composition.CustomTemplate == "" {
		return fmt.Errorf("composition.custom_template is required for the custom strategy")
	}
	for i, ov := range c.Composition.Overrides {
		if ov.Pattern == "" {
			return fmt.Errorf("composition.overrides[%d]: pattern is required", i)
		}
		if !registry.Strategy(ov.Strategy).Valid() {
			return fmt.Errorf("composition.overrides[%d]: unknown strategy %q", i, ov.Strategy)
		}
	}

	for i, rc := range c.Authz.Roles {
		if rc.Name == "" {
			return fmt.Errorf("authz.roles[%d]: name is required", i)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.CallTimeoutRaw != "" {
		cfg.CallTimeout, err = time.ParseDuration(cfg.CallTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing call_timeout %q: %w", cfg.CallTimeoutRaw, err)
		}
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}

	for id, sc := range cfg.Servers {
		if sc.RestartDelayRaw == "" {
			continue
		}
		sc.RestartDelay, err = time.ParseDuration(sc.RestartDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing servers.%s.restart_delay %q: %w", id, sc.RestartDelayRaw, err)
		}
		cfg.Servers[id] = sc
	}

	return nil
}

// Descriptors converts the server table into supervisor descriptors, sorted
// by id for deterministic startup order. Disabled servers are skipped.
func (c *Config) Descriptors() []supervisor.Descriptor {
	ids := make([]string, 0, len(c.Servers))
	for id := range c.Servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	descs := make([]supervisor.Descriptor, 0, len(ids))
	for _, id := range ids {
		sc := c.Servers[id]
		if sc.Enabled != nil && !*sc.Enabled {
			continue
		}

		kind := transport.KindStdio
		if sc.Transport == "sse" || sc.Transport == "streaming" {
			kind = transport.KindStreaming
		}

		policy := supervisor.RestartPolicy(sc.RestartPolicy)
		if policy == "" {
			policy = supervisor.RestartOnFailure
		}

		autoStart := true
		if sc.AutoStart != nil {
			autoStart = *sc.AutoStart
		}

		descs = append(descs, supervisor.Descriptor{
			ID:            id,
			Kind:          kind,
			Command:       sc.Command,
			Env:           sc.Env,
			Dir:           sc.Dir,
			URL:           sc.URL,
			MessageURL:    sc.MessageURL,
			RestartPolicy: policy,
			MaxRestarts:   sc.MaxRestarts,
			RestartDelay:  sc.RestartDelay,
			AutoStart:     autoStart,
		})
	}
	return descs
}

// RegistryConfig converts the composition section into a registry
// configuration. The custom template, when set, becomes the resolver.
func (c *Config) RegistryConfig() registry.Config {
	cfg := registry.Config{
		DefaultStrategy: registry.Strategy(c.Composition.DefaultStrategy),
	}
	for _, ov := range c.Composition.Overrides {
		cfg.Overrides = append(cfg.Overrides, registry.Override{
			Pattern:  ov.Pattern,
			Strategy: registry.Strategy(ov.Strategy),
		})
	}
	if c.Composition.CustomTemplate != "" {
		cfg.Resolver = registry.TemplateResolver(c.Composition.CustomTemplate)
	}
	return cfg
}
