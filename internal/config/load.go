package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"runcore/internal/llm"
)

// Load builds the runtime configuration. Precedence, lowest first: built-in
// defaults, the config file, RUNCORE_* environment variables, overrides.
func Load(opts ...Option) (RuntimeConfig, Metadata, error) {
	options := loadOptions{
		envLookup: os.LookupEnv,
		homeDir:   os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(&options)
	}

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}
	cfg := Default()

	if err := applyFile(&cfg, &meta, options); err != nil {
		return RuntimeConfig{}, Metadata{}, err
	}
	if err := applyEnv(&cfg, &meta, options.envLookup); err != nil {
		return RuntimeConfig{}, Metadata{}, err
	}
	applyOverrides(&cfg, &meta, options.overrides)

	normalizeRuntimeConfig(&cfg)
	resolveProviderCredentials(&cfg, &meta, options.envLookup)
	// Without a key a remote provider cannot work; fall back to the mock so
	// the server still starts.
	remote := cfg.LLM.Provider == llm.ProviderOpenAI || cfg.LLM.Provider == llm.ProviderAnthropic ||
		cfg.LLM.Provider == llm.ProviderGemini
	if remote && cfg.LLM.APIKey == "" {
		meta.warnings = append(meta.warnings, fmt.Sprintf("no API key for provider %q; using the mock model", cfg.LLM.Provider))
		cfg.LLM.Provider = llm.ProviderMock
		cfg.LLM.Model = "mock"
		meta.sources["llm.provider"] = SourceDefault
		meta.sources["llm.model"] = SourceDefault
	}

	if err := cfg.Validate(); err != nil {
		return RuntimeConfig{}, Metadata{}, err
	}
	return cfg, meta, nil
}

// applyFile reads runcore.yaml from the explicit path or from the search
// path ("." then $HOME/.runcore). A missing file is only an error when the
// path was given explicitly.
func applyFile(cfg *RuntimeConfig, meta *Metadata, options loadOptions) error {
	v := viper.New()
	v.SetConfigType("yaml")
	if options.configPath != "" {
		v.SetConfigFile(options.configPath)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		if options.homeDir != nil {
			if home, err := options.homeDir(); err == nil && home != "" {
				v.AddConfigPath(filepath.Join(home, "."+FileName))
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	// Lists from the file replace the defaults instead of merging by index.
	if v.IsSet("server.allowed_origins") {
		cfg.Server.AllowedOrigins = nil
	}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("decode config %s: %w", v.ConfigFileUsed(), err)
	}

	meta.file = v.ConfigFileUsed()
	for _, key := range v.AllKeys() {
		meta.sources[key] = SourceFile
	}
	return nil
}

func applyOverrides(cfg *RuntimeConfig, meta *Metadata, overrides Overrides) {
	if overrides.Host != nil {
		cfg.Server.Host = *overrides.Host
		meta.sources["server.host"] = SourceOverride
	}
	if overrides.Port != nil {
		cfg.Server.Port = *overrides.Port
		meta.sources["server.port"] = SourceOverride
	}
	if overrides.LLMProvider != nil {
		cfg.LLM.Provider = *overrides.LLMProvider
		meta.sources["llm.provider"] = SourceOverride
	}
	if overrides.LLMModel != nil {
		cfg.LLM.Model = *overrides.LLMModel
		meta.sources["llm.model"] = SourceOverride
	}
	if overrides.MaxSteps != nil {
		cfg.React.MaxSteps = *overrides.MaxSteps
		meta.sources["react.max_steps"] = SourceOverride
	}
	if overrides.LogLevel != nil {
		cfg.Observability.Logging.Level = *overrides.LogLevel
		meta.sources["observability.logging.level"] = SourceOverride
	}
}

func normalizeRuntimeConfig(cfg *RuntimeConfig) {
	cfg.Server.Host = strings.TrimSpace(cfg.Server.Host)
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	cfg.LLM.Model = strings.TrimSpace(cfg.LLM.Model)
	cfg.LLM.APIKey = strings.TrimSpace(cfg.LLM.APIKey)
	cfg.LLM.BaseURL = strings.TrimSpace(cfg.LLM.BaseURL)
	cfg.Observability.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Observability.Logging.Level))
	cfg.Observability.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Observability.Logging.Format))
	cfg.Observability.Tracing.Exporter = strings.ToLower(strings.TrimSpace(cfg.Observability.Tracing.Exporter))

	if cfg.LLM.Provider == llm.ProviderMock && cfg.LLM.Model == "" {
		cfg.LLM.Model = "mock"
	}

	origins := cfg.Server.AllowedOrigins[:0]
	seen := make(map[string]struct{}, len(cfg.Server.AllowedOrigins))
	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if _, exists := seen[trimmed]; exists {
			continue
		}
		seen[trimmed] = struct{}{}
		origins = append(origins, trimmed)
	}
	cfg.Server.AllowedOrigins = origins
}

// resolveProviderCredentials falls back to the provider's conventional key
// variables when no RUNCORE key is configured. Gemini also takes its model
// from GEMINI_MODEL, then DefaultGeminiModel.
func resolveProviderCredentials(cfg *RuntimeConfig, meta *Metadata, lookup EnvLookup) {
	if cfg.LLM.Provider == llm.ProviderGemini && cfg.LLM.Model == "" {
		cfg.LLM.Model = llm.DefaultGeminiModel
		meta.sources["llm.model"] = SourceDefault
		if value, ok := lookupTrimmed(lookup, "GEMINI_MODEL"); ok {
			cfg.LLM.Model = value
			meta.sources["llm.model"] = SourceEnv
		}
	}
	if cfg.LLM.APIKey != "" {
		return
	}
	var names []string
	switch cfg.LLM.Provider {
	case llm.ProviderOpenAI:
		names = []string{"OPENAI_API_KEY"}
	case llm.ProviderAnthropic:
		names = []string{"ANTHROPIC_API_KEY"}
	case llm.ProviderGemini:
		names = []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}
	}
	for _, name := range names {
		if value, ok := lookupTrimmed(lookup, name); ok {
			cfg.LLM.APIKey = value
			meta.sources["llm.api_key"] = SourceEnv
			return
		}
	}
}

func lookupTrimmed(lookup EnvLookup, name string) (string, bool) {
	if lookup == nil {
		return "", false
	}
	value, ok := lookup(name)
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}
