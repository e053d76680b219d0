package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	errs "runcore/internal/errors"
)

const defaultAnthropicMaxTokens = 1024

// AnthropicClient talks to the Anthropic messages API.
type AnthropicClient struct {
	client anthropic.Client
	cfg    Config
}

var _ Client = (*AnthropicClient)(nil)

// NewAnthropicClient builds a client from cfg.
func NewAnthropicClient(cfg Config) *AnthropicClient {
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicClient{client: anthropic.NewClient(options...), cfg: cfg}
}

func (c *AnthropicClient) Model() string { return c.cfg.Model }

func (c *AnthropicClient) Generate(ctx context.Context, messages []Message) (string, error) {
	msg, err := c.client.Messages.New(ctx, c.params(messages))
	if err != nil {
		return "", classifyAnthropicError(err)
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

func (c *AnthropicClient) Stream(ctx context.Context, messages []Message) (Stream, error) {
	stream := c.client.Messages.NewStreaming(ctx, c.params(messages))
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, classifyAnthropicError(err)
	}
	return &anthropicStream{stream: stream}, nil
}

func (c *AnthropicClient) params(messages []Message) anthropic.MessageNewParams {
	system, rest := splitSystem(messages)
	maxTokens := c.cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		Messages:  toAnthropicMessages(rest),
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if c.cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(c.cfg.Temperature)
	}
	return params
}

// toAnthropicMessages maps the conversation onto user and assistant turns.
// Tool observations travel as user text.
func toAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
			continue
		}
		out = append(out, anthropic.NewUserMessage(block))
	}
	return out
}

type anthropicStream struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
}

func (s *anthropicStream) Recv() (string, error) {
	for s.stream.Next() {
		event := s.stream.Current()
		if event.Type != "content_block_delta" {
			continue
		}
		delta := event.AsContentBlockDelta().Delta
		if delta.Type == "text_delta" && delta.Text != "" {
			return delta.Text, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return "", classifyAnthropicError(err)
	}
	return "", io.EOF
}

func (s *anthropicStream) Close() error {
	return s.stream.Close()
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return errs.ClassifyHTTPStatus(fmt.Errorf("anthropic: %w", err), apiErr.StatusCode)
	}
	return fmt.Errorf("anthropic: %w", err)
}
