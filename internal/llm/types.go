package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of a model conversation.
type Message struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Client produces assistant text for a conversation.
type Client interface {
	// Generate returns the complete reply.
	Generate(ctx context.Context, messages []Message) (string, error)
	// Stream returns the reply as a sequence of text fragments.
	Stream(ctx context.Context, messages []Message) (Stream, error)
	// Model names the model the client talks to.
	Model() string
}

// Stream yields reply fragments. Recv returns io.EOF after the last fragment.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Provider names
const (
	ProviderMock      = "mock"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// Config selects and tunes a provider.
type Config struct {
	Provider    string        `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries"`
	// RateLimit is the sustained requests per second allowed upstream; 0 disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst" yaml:"rate_burst"`
	// MockDelay paces the mock provider's streamed characters.
	MockDelay time.Duration `mapstructure:"mock_delay" yaml:"mock_delay"`
}

// DefaultConfig returns a configuration that needs no network access.
func DefaultConfig() Config {
	return Config{
		Provider:   ProviderMock,
		Model:      "mock",
		MaxTokens:  1024,
		Timeout:    60 * time.Second,
		MaxRetries: 3,
		RateBurst:  1,
		MockDelay:  20 * time.Millisecond,
	}
}

// Validate checks the provider specific required fields.
func (c Config) Validate() error {
	switch strings.ToLower(c.Provider) {
	case ProviderMock:
		return nil
	case ProviderOpenAI, ProviderAnthropic:
		if strings.TrimSpace(c.APIKey) == "" {
			return fmt.Errorf("llm: provider %s requires an api key", c.Provider)
		}
		if strings.TrimSpace(c.Model) == "" {
			return fmt.Errorf("llm: provider %s requires a model", c.Provider)
		}
		return nil
	case ProviderGemini:
		if strings.TrimSpace(c.APIKey) == "" {
			return fmt.Errorf("llm: provider %s requires an api key", c.Provider)
		}
		return nil
	default:
		return fmt.Errorf("llm: unknown provider %q", c.Provider)
	}
}

// LastUserContent returns the content of the most recent user message.
func LastUserContent(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// splitSystem separates system prompts from the rest of the conversation.
func splitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		rest = append(rest, msg)
	}
	return strings.Join(system, "\n\n"), rest
}
