package mocks

import (
	"context"
	"sync"

	"autopilot/pkg/registry"
)

// PublishCall records one Publish call.
type PublishCall struct {
	Channel string
	Message *registry.Message
}

// MockNotifier implements registry.Notifier and records every message.
type MockNotifier struct {
	// PublishFunc is called after the call is recorded. Defaults to success.
	PublishFunc func(ctx context.Context, channel string, msg *registry.Message) error

	mu    sync.Mutex
	calls []PublishCall
}

// NewMockNotifier creates a notifier that accepts everything.
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{
		PublishFunc: func(context.Context, string, *registry.Message) error { return nil },
	}
}

// Publish implements registry.Notifier.
func (m *MockNotifier) Publish(ctx context.Context, channel string, msg *registry.Message) error {
	m.mu.Lock()
	m.calls = append(m.calls, PublishCall{Channel: channel, Message: msg})
	m.mu.Unlock()
	return m.PublishFunc(ctx, channel, msg)
}

// Calls returns the recorded calls, optionally filtered by message type.
func (m *MockNotifier) Calls(msgType string) []PublishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PublishCall
	for _, c := range m.calls {
		if msgType == "" || c.Message.Type == msgType {
			out = append(out, c)
		}
	}
	return out
}
