// Package config handles HAL configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/hal/config.yaml, /etc/hal/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hal", "config.yaml"))
	}

	paths = append(paths, "/etc/hal/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise the first existing DefaultSearchPaths entry wins.
// An empty path with a nil error means no file was found and defaults
// apply.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", &ConfigError{Path: explicit, Err: errors.New("config file not found")}
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// ConfigError is a malformed or ambiguous configuration. It is fatal
// at startup.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return "config: " + e.Err.Error()
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Config holds all HAL configuration.
type Config struct {
	Model      ModelConfig      `yaml:"model"`
	Agent      AgentConfig      `yaml:"agent"`
	MCP        MCPConfig        `yaml:"mcp"`
	LocalTools LocalToolsConfig `yaml:"local_tools"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format" validate:"omitempty,oneof=text json"`
	LogFile    string           `yaml:"log_file"`

	// path is the file this config was loaded from, if any. Relative
	// server-list paths resolve against its directory.
	path string
}

// ModelConfig selects the model provider.
type ModelConfig struct {
	// Provider is anthropic (default) or openai. The openai provider
	// works with any Chat Completions compatible endpoint.
	Provider       string `yaml:"provider" validate:"oneof=anthropic openai"`
	Name           string `yaml:"name" validate:"required"`
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url" validate:"omitempty,url"`
	MaxTokens      int    `yaml:"max_tokens" validate:"gte=0"`
	ThinkingBudget int    `yaml:"thinking_budget" validate:"gte=0"`
	// MaxRetries counts retries of transient API failures. Nil means 3;
	// an explicit 0 turns retries off.
	MaxRetries *int `yaml:"max_retries" validate:"omitempty,gte=0"`
}

// AgentConfig tunes the agent loop.
type AgentConfig struct {
	MaxTurns int `yaml:"max_turns" validate:"gte=0"`
	// ParallelTools dispatches the tool calls of one turn concurrently.
	// Nil means true.
	ParallelTools *bool `yaml:"parallel_tools"`
	// ToolGraceSec bounds how long in-flight tool calls may finish
	// after the run is cancelled (default 5).
	ToolGraceSec int `yaml:"tool_grace_sec" validate:"gte=0"`
	// SystemPrompt overrides the built-in prompt template.
	SystemPrompt string `yaml:"system_prompt"`
}

// MCPConfig configures the MCP server layer.
type MCPConfig struct {
	// ServersFile is the server-list document. Empty searches for
	// mcp.yaml, mcp.yml, mcp.json, or mcp.toml.
	ServersFile string `yaml:"servers_file"`

	// Fallback applies when no server list exists: "filesystem"
	// (default) starts the built-in filesystem server, "none" starts
	// nothing.
	Fallback     string `yaml:"fallback" validate:"omitempty,oneof=filesystem none"`
	FallbackRoot string `yaml:"fallback_root"`

	CallTimeoutSec  int `yaml:"call_timeout_sec" validate:"gte=0"`
	StartTimeoutSec int `yaml:"start_timeout_sec" validate:"gte=0"`
	StopGraceSec    int `yaml:"stop_grace_sec" validate:"gte=0"`

	// Servers may also be declared inline.
	Servers map[string]ServerSpec `yaml:"servers" validate:"dive"`
}

// LocalToolsConfig enables the built-in tools.
type LocalToolsConfig struct {
	// Files enables read_file, write_file, edit_file and list_directory.
	Files bool `yaml:"files"`
	// Root confines file tools. Empty leaves them unconfined.
	Root string `yaml:"root"`
	// Shell enables the shell tool.
	Shell           bool     `yaml:"shell"`
	WorkingDir      string   `yaml:"working_dir"`
	DeniedPatterns  []string `yaml:"denied_patterns"`
	AllowedPrefixes []string `yaml:"allowed_prefixes"`
	// ShellTimeoutSec is the default command timeout (default 30).
	ShellTimeoutSec int `yaml:"shell_timeout_sec" validate:"gte=0"`
}

// Path returns the file the config was loaded from, or "".
func (c *Config) Path() string { return c.path }

// CallTimeout returns the per-request MCP timeout.
func (c *MCPConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSec) * time.Second
}

// StartTimeout returns the MCP handshake timeout.
func (c *MCPConfig) StartTimeout() time.Duration {
	return time.Duration(c.StartTimeoutSec) * time.Second
}

// StopGrace returns how long a server may take to exit after stdin
// closes.
func (c *MCPConfig) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSec) * time.Second
}

// ToolGrace returns the post-cancellation grace for tool calls.
func (c *AgentConfig) ToolGrace() time.Duration {
	return time.Duration(c.ToolGraceSec) * time.Second
}

// Retries returns how many times a transient API failure is retried.
func (c *ModelConfig) Retries() int {
	if c.MaxRetries == nil {
		return 3
	}
	return *c.MaxRetries
}

// Parallel reports whether tool calls run concurrently.
func (c *AgentConfig) Parallel() bool {
	return c.ParallelTools == nil || *c.ParallelTools
}

// Load reads configuration from a YAML file. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	cfg.path = path
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Model: ModelConfig{
			Provider:       "anthropic",
			Name:           "claude-sonnet-4-5",
			MaxTokens:      2048,
			ThinkingBudget: 1024,
		},
		LocalTools: LocalToolsConfig{Files: true, Shell: true},
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero values left by a partial config file.
func (c *Config) applyDefaults() {
	if c.Model.Provider == "" {
		c.Model.Provider = "anthropic"
	}
	if c.Agent.MaxTurns == 0 {
		c.Agent.MaxTurns = 25
	}
	if c.Agent.ToolGraceSec == 0 {
		c.Agent.ToolGraceSec = 5
	}
	if c.MCP.Fallback == "" {
		c.MCP.Fallback = FallbackFilesystem
	}
	if c.MCP.FallbackRoot == "" {
		c.MCP.FallbackRoot = filepath.Join(os.TempDir(), "hal-workspace")
	}
	if c.MCP.CallTimeoutSec == 0 {
		c.MCP.CallTimeoutSec = 60
	}
	if c.MCP.StartTimeoutSec == 0 {
		c.MCP.StartTimeoutSec = 30
	}
	if c.MCP.StopGraceSec == 0 {
		c.MCP.StopGraceSec = 5
	}
	if c.LocalTools.ShellTimeoutSec == 0 {
		c.LocalTools.ShellTimeoutSec = 30
	}
	if c.DataDir == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			c.DataDir = filepath.Join(dir, "hal")
		}
	}
	for name, spec := range c.MCP.Servers {
		spec.Name = name
		c.MCP.Servers[name] = spec
	}
}

// Validate checks field constraints and the inline server specs.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return &ConfigError{Path: c.path, Err: describeValidation(err)}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return &ConfigError{Path: c.path, Err: err}
	}
	return nil
}

// serverNamePattern keeps names usable inside a qualified tool name.
var serverNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidServerName reports whether name can be used as a server name.
// A double underscore would make the qualified tool name ambiguous.
func ValidServerName(name string) bool {
	return serverNamePattern.MatchString(name) && !strings.Contains(name, "__")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("servername", func(fl validator.FieldLevel) bool {
		return ValidServerName(fl.Field().String())
	})
	return v
}

// describeValidation turns validator output into one readable error.
func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "servername":
			msgs = append(msgs, fmt.Sprintf("%s %q is not a valid server name", field, fe.Value()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s fails %s", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
