package sink

import (
	"context"
	"sync"

	"scrapegraph/internal/scope"
)

// Binding is one recorded OnBinding event.
type Binding struct {
	Scope scope.ID `json:"scope"`
	Name  string   `json:"name"`
	Value string   `json:"value"`
}

// NewScope is one recorded OnNewScope event.
type NewScope struct {
	Parent scope.ID `json:"parent"`
	Child  scope.ID `json:"scope"`
	Name   string   `json:"name"`
}

// Run is one recorded OnRunComplete event.
type Run struct {
	Scope scope.ID `json:"scope"`
	Summary
}

// Memory records events in order. The server uses it to return results in
// the response; tests use it to assert on notifications.
type Memory struct {
	mu       sync.Mutex
	bindings []Binding
	scopes   []NewScope
	runs     []Run
	closed   bool
}

var _ Sink = (*Memory)(nil)

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) OnBinding(_ context.Context, s scope.ID, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings = append(m.bindings, Binding{Scope: s, Name: name, Value: value})
	return nil
}

func (m *Memory) OnNewScope(_ context.Context, parent, child scope.ID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scopes = append(m.scopes, NewScope{Parent: parent, Child: child, Name: name})
	return nil
}

func (m *Memory) OnRunComplete(_ context.Context, s scope.ID, sum Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, Run{Scope: s, Summary: sum})
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Bindings returns a copy of the recorded bindings.
func (m *Memory) Bindings() []Binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Binding(nil), m.bindings...)
}

// Values returns every value bound to name, in event order.
func (m *Memory) Values(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, b := range m.bindings {
		if b.Name == name {
			out = append(out, b.Value)
		}
	}
	return out
}

// Scopes returns a copy of the recorded branch events.
func (m *Memory) Scopes() []NewScope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]NewScope(nil), m.scopes...)
}

// Runs returns a copy of the recorded run summaries.
func (m *Memory) Runs() []Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Run(nil), m.runs...)
}

// Closed reports whether Close was called.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
