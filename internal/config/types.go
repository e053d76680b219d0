// Package config loads the runtime configuration shared by the server and
// the CLI: built-in defaults, then an optional YAML file, then RUNCORE_*
// environment variables, then caller overrides.
package config

import (
	"time"

	"runcore/internal/jobs"
	"runcore/internal/llm"
	"runcore/internal/observability"
)

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

// RuntimeConfig captures every user-configurable setting.
type RuntimeConfig struct {
	Server        ServerConfig         `mapstructure:"server" yaml:"server"`
	LLM           llm.Config           `mapstructure:"llm" yaml:"llm"`
	React         ReactConfig          `mapstructure:"react" yaml:"react"`
	Tools         ToolsConfig          `mapstructure:"tools" yaml:"tools"`
	Bus           BusConfig            `mapstructure:"bus" yaml:"bus"`
	Tasks         TaskConfig           `mapstructure:"tasks" yaml:"tasks"`
	Demo          jobs.DemoConfig      `mapstructure:"demo" yaml:"demo"`
	Observability observability.Config `mapstructure:"observability" yaml:"observability"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// Heartbeat is the idle interval after which SSE and WebSocket streams send a keepalive.
	Heartbeat time.Duration `mapstructure:"heartbeat" yaml:"heartbeat"`
}

// ReactConfig tunes the reason/act loop.
type ReactConfig struct {
	MaxSteps    int  `mapstructure:"max_steps" yaml:"max_steps"`
	LenientJSON bool `mapstructure:"lenient_json" yaml:"lenient_json"`
}

// ToolsConfig tunes tool execution.
type ToolsConfig struct {
	// Workers bounds concurrent sync tool invocations.
	Workers int `mapstructure:"workers" yaml:"workers"`
	// Timeouts overrides the per-attempt timeout of builtin tools by name.
	Timeouts map[string]time.Duration `mapstructure:"timeouts" yaml:"timeouts"`
}

// BusConfig tunes the event bus.
type BusConfig struct {
	// MaxPending is the per-subscriber queue depth above which a backlog
	// warning is logged. Zero disables the warning.
	MaxPending int `mapstructure:"max_pending" yaml:"max_pending"`
}

// TaskConfig tunes the task manager.
type TaskConfig struct {
	Retention int `mapstructure:"retention" yaml:"retention"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return joinHostPort(s.Host, s.Port)
}

// Metadata contains provenance details for loaded configuration.
type Metadata struct {
	sources  map[string]ValueSource
	file     string
	warnings []string
	loadedAt time.Time
}

// Source returns the origin for the given configuration key, e.g. "llm.model".
func (m Metadata) Source(key string) ValueSource {
	if src, ok := m.sources[key]; ok {
		return src
	}
	return SourceDefault
}

// File returns the config file that was read, or "" when none was found.
func (m Metadata) File() string { return m.file }

// Warnings lists non-fatal adjustments the loader made.
func (m Metadata) Warnings() []string {
	return append([]string(nil), m.warnings...)
}

// LoadedAt returns the timestamp when the configuration was constructed.
func (m Metadata) LoadedAt() time.Time { return m.loadedAt }

// Overrides conveys caller-specified values that win over env and file sources.
type Overrides struct {
	Host        *string
	Port        *int
	LLMProvider *string
	LLMModel    *string
	MaxSteps    *int
	LogLevel    *string
}

// EnvLookup resolves the value for an environment variable.
type EnvLookup func(string) (string, bool)

// Option customises the loader behaviour.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup  EnvLookup
	homeDir    func() (string, error)
	configPath string
	overrides  Overrides
}

// WithEnv replaces the process environment lookup.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) { o.envLookup = lookup }
}

// WithHomeDir replaces the home directory resolver used for the
// $HOME/.runcore search path.
func WithHomeDir(fn func() (string, error)) Option {
	return func(o *loadOptions) { o.homeDir = fn }
}

// WithConfigFile reads path instead of searching for runcore.yaml. A missing
// explicit file is an error.
func WithConfigFile(path string) Option {
	return func(o *loadOptions) { o.configPath = path }
}

// WithOverrides applies caller values last.
func WithOverrides(overrides Overrides) Option {
	return func(o *loadOptions) { o.overrides = overrides }
}
