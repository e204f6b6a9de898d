package llm

import (
	"context"
	"sync"
)

// Mock is a scripted provider for tests that must not call a real LLM. It
// replays canned responses in order and records every prompt it saw.
type Mock struct {
	mu        sync.Mutex
	responses []string
	next      int
	prompts   []string
}

// NewMock creates a mock provider replaying the given responses. With no
// responses configured every call returns a fixed placeholder.
func NewMock(responses []string) *Mock {
	return &Mock{responses: responses}
}

func (m *Mock) Name() string { return "mock" }

// Generate records the prompt and returns the next scripted response,
// sticking on the last one once the script runs out.
func (m *Mock) Generate(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.prompts = append(m.prompts, prompt)
	if len(m.responses) == 0 {
		return "mock response", nil
	}
	resp := m.responses[m.next]
	if m.next < len(m.responses)-1 {
		m.next++
	}
	return resp, nil
}

// Prompts returns every prompt passed to Generate, in order.
func (m *Mock) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.prompts))
	copy(out, m.prompts)
	return out
}
