package tracker

import (
	"context"
	"strings"
	"sync"

	"github.com/sweeney/asterisk-calltracker/internal/ami"
)

// Responder decides how MockTransport answers an action.
type Responder func(ami.Action) (ami.Response, error)

// MockTransport is an in-memory Transport that records actions and lets
// tests inject events.
type MockTransport struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	closeCalls int
	handlers   []mockHandler
	actions    []ami.Action
	respond    Responder
}

type mockHandler struct {
	pattern string
	fn      func(ami.Event)
}

// NewMockTransport creates a MockTransport that accepts every action.
func NewMockTransport() *MockTransport {
	return &MockTransport{respond: func(a ami.Action) (ami.Response, error) {
		return SuccessResponse(a), nil
	}}
}

// SuccessResponse builds a Response: Success reply for a.
func SuccessResponse(a ami.Action) ami.Response {
	return ami.Response{Event: ami.NewEvent("Response", "Success", "ActionID", a.ID)}
}

// ErrorResponse builds a Response: Error reply for a.
func ErrorResponse(a ami.Action, message string) ami.Response {
	return ami.Response{Event: ami.NewEvent("Response", "Error", "ActionID", a.ID, "Message", message)}
}

func (m *MockTransport) Connect(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *MockTransport) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockTransport) SendAction(ctx context.Context, a ami.Action) (ami.Response, error) {
	if err := ctx.Err(); err != nil {
		return ami.Response{}, err
	}
	m.mu.Lock()
	m.actions = append(m.actions, a)
	respond := m.respond
	m.mu.Unlock()
	return respond(a)
}

func (m *MockTransport) RegisterEventHandler(pattern string, fn func(ami.Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, mockHandler{pattern: pattern, fn: fn})
}

func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.closeCalls++
	return nil
}

// Emit delivers evt to every matching handler on the calling goroutine.
func (m *MockTransport) Emit(evt ami.Event) {
	m.mu.Lock()
	handlers := make([]mockHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, h := range handlers {
		if h.pattern == "*" || strings.EqualFold(h.pattern, evt.Type()) {
			h.fn(evt)
		}
	}
}

// SetConnectError causes Connect to fail with err. Pass nil to clear.
func (m *MockTransport) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// SetConnected forces the connected state.
func (m *MockTransport) SetConnected(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = v
}

// SetResponder replaces the action handler.
func (m *MockTransport) SetResponder(r Responder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.respond = r
}

// Actions returns a copy of every action sent, optionally filtered by name.
func (m *MockTransport) Actions(name string) []ami.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ami.Action
	for _, a := range m.actions {
		if name == "" || a.Name == name {
			out = append(out, a)
		}
	}
	return out
}

// CloseCalls returns how many times Close was called.
func (m *MockTransport) CloseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls
}
