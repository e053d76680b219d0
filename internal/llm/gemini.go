package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"strings"

	"google.golang.org/genai"

	errs "runcore/internal/errors"
)

// DefaultGeminiModel is used when the gemini provider has no model configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// GeminiClient talks to the Gemini API through the Google Gen AI SDK.
type GeminiClient struct {
	client *genai.Client
	cfg    Config
}

var _ Client = (*GeminiClient)(nil)

// NewGeminiClient builds a client from cfg. A non-empty BaseURL replaces the
// public endpoint.
func NewGeminiClient(cfg Config) (*GeminiClient, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(context.Background(), clientCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &GeminiClient{client: client, cfg: cfg}, nil
}

func (c *GeminiClient) Model() string { return c.cfg.Model }

func (c *GeminiClient) Generate(ctx context.Context, messages []Message) (string, error) {
	contents, config := c.request(messages)
	resp, err := c.client.Models.GenerateContent(ctx, c.cfg.Model, contents, config)
	if err != nil {
		return "", classifyGeminiError(err)
	}
	return responseText(resp), nil
}

// Stream opens the response stream and pulls the first chunk eagerly so an
// overloaded upstream fails here, where the retry client can still retry it.
func (c *GeminiClient) Stream(ctx context.Context, messages []Message) (Stream, error) {
	contents, config := c.request(messages)
	next, stop := iter.Pull2(c.client.Models.GenerateContentStream(ctx, c.cfg.Model, contents, config))
	s := &geminiStream{next: next, stop: stop}
	first, err := s.pull()
	if err != nil && !errors.Is(err, io.EOF) {
		stop()
		return nil, err
	}
	s.pending, s.pendingErr = first, err
	s.primed = true
	return s, nil
}

func (c *GeminiClient) request(messages []Message) ([]*genai.Content, *genai.GenerateContentConfig) {
	system, rest := splitSystem(messages)
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if c.cfg.MaxTokens > 0 {
		config.MaxOutputTokens = int32(min(c.cfg.MaxTokens, math.MaxInt32))
	}
	if c.cfg.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(c.cfg.Temperature))
	}
	return toGeminiContents(rest), config
}

// toGeminiContents maps assistant turns to the "model" role; user and tool
// turns are sent as "user".
func toGeminiContents(messages []Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		role := genai.RoleUser
		if msg.Role == RoleAssistant {
			role = genai.RoleModel
		}
		out = append(out, &genai.Content{Role: role, Parts: []*genai.Part{{Text: msg.Content}}})
	}
	return out
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part != nil && !part.Thought {
				sb.WriteString(part.Text)
			}
		}
		break
	}
	return sb.String()
}

type geminiStream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()

	primed     bool
	pending    string
	pendingErr error
}

func (s *geminiStream) Recv() (string, error) {
	if s.primed {
		s.primed = false
		if s.pendingErr != nil || s.pending != "" {
			return s.pending, s.pendingErr
		}
	}
	return s.pull()
}

// pull returns the next non-empty text fragment.
func (s *geminiStream) pull() (string, error) {
	for {
		resp, err, ok := s.next()
		if !ok {
			return "", io.EOF
		}
		if err != nil {
			return "", classifyGeminiError(err)
		}
		if text := responseText(resp); text != "" {
			return text, nil
		}
	}
}

func (s *geminiStream) Close() error {
	s.stop()
	return nil
}

func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return errs.ClassifyHTTPStatus(fmt.Errorf("gemini: %w", err), apiErr.Code)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return errs.ClassifyHTTPStatus(fmt.Errorf("gemini: %w", err), apiErrPtr.Code)
	}
	return fmt.Errorf("gemini: %w", err)
}
