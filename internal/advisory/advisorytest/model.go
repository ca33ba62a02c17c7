// Package advisorytest provides a scripted advisory.Model.
package advisorytest

import (
	"context"
	"sync"
)

type Model struct {
	mu      sync.Mutex
	Reply   string
	Err     error
	Prompts []string
}

func (m *Model) Complete(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Prompts = append(m.Prompts, prompt)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.Err != nil {
		return "", m.Err
	}
	return m.Reply, nil
}

// Set swaps the scripted reply and error.
func (m *Model) Set(reply string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reply, m.Err = reply, err
}

func (m *Model) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Prompts)
}

func (m *Model) LastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Prompts) == 0 {
		return ""
	}
	return m.Prompts[len(m.Prompts)-1]
}
