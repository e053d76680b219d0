package llm

import (
	"context"
	"io"
	"sync"
	"time"
)

// MockReply is one scripted model turn.
type MockReply struct {
	Text string
	Err  error
}

// MockClient replays scripted replies in order. Once the script is exhausted
// it echoes the last user message.
type MockClient struct {
	delay time.Duration

	mu     sync.Mutex
	script []MockReply
	calls  [][]Message
}

var _ Client = (*MockClient)(nil)

// NewMockClient returns a mock whose streams emit one character per delay.
func NewMockClient(delay time.Duration) *MockClient {
	return &MockClient{delay: delay}
}

// Script appends text replies.
func (m *MockClient) Script(texts ...string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, text := range texts {
		m.script = append(m.script, MockReply{Text: text})
	}
	return m
}

// ScriptError appends a failing turn.
func (m *MockClient) ScriptError(err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, MockReply{Err: err})
	return m
}

// Calls returns copies of the conversations the mock has seen.
func (m *MockClient) Calls() [][]Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]Message, len(m.calls))
	for i, call := range m.calls {
		out[i] = append([]Message(nil), call...)
	}
	return out
}

func (m *MockClient) Model() string { return "mock" }

func (m *MockClient) Generate(ctx context.Context, messages []Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, append([]Message(nil), messages...))
	if len(m.script) > 0 {
		next := m.script[0]
		m.script = m.script[1:]
		return next.Text, next.Err
	}
	return "[mock] you said: " + LastUserContent(messages), nil
}

func (m *MockClient) Stream(ctx context.Context, messages []Message) (Stream, error) {
	text, err := m.Generate(ctx, messages)
	if err != nil {
		return nil, err
	}
	return &mockStream{ctx: ctx, runes: []rune(text), delay: m.delay}, nil
}

type mockStream struct {
	ctx   context.Context
	runes []rune
	pos   int
	delay time.Duration
}

func (s *mockStream) Recv() (string, error) {
	if s.pos >= len(s.runes) {
		return "", io.EOF
	}
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return "", s.ctx.Err()
		case <-timer.C:
		}
	} else if err := s.ctx.Err(); err != nil {
		return "", err
	}
	r := s.runes[s.pos]
	s.pos++
	return string(r), nil
}

func (s *mockStream) Close() error {
	s.pos = len(s.runes)
	return nil
}
